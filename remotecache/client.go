package remotecache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/forgeworks/forge/cache"
	"github.com/forgeworks/forge/digest"
)

// Client talks to a remote Server, following the daemon Client's
// doRequest pattern: a small http.Client plus a single request helper
// (doJSON) every method routes through.
type Client struct {
	BaseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, result any) (int, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("remotecache: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eb ErrorBody
		if json.NewDecoder(resp.Body).Decode(&eb) == nil && eb.Message != "" {
			return resp.StatusCode, fmt.Errorf("remotecache: %s: %s", eb.Code, eb.Message)
		}
		return resp.StatusCode, fmt.Errorf("remotecache: HTTP %d", resp.StatusCode)
	}
	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

// Lookup reports which of the given digests the remote cache is missing.
func (c *Client) Lookup(ctx context.Context, digests []digest.Digest) ([]digest.Digest, error) {
	req := LookupRequest{Digests: make([]string, len(digests))}
	for i, d := range digests {
		req.Digests[i] = d.String()
	}
	var resp LookupResponse
	if _, err := c.doJSON(ctx, http.MethodPost, "/lookup", req, &resp); err != nil {
		return nil, err
	}
	missing := make([]digest.Digest, 0, len(resp.Missing))
	for _, s := range resp.Missing {
		d, err := parseDigestString(s)
		if err != nil {
			return nil, err
		}
		missing = append(missing, d)
	}
	return missing, nil
}

// UploadBlob streams data to the remote cache under d's digest.
func (c *Client) UploadBlob(ctx context.Context, d digest.Digest, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.BaseURL+"/blobs/"+d.String(), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.ContentLength = d.Size
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("remotecache: upload %s: %w", d, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var eb ErrorBody
		json.NewDecoder(resp.Body).Decode(&eb)
		return fmt.Errorf("remotecache: upload %s rejected: %s %s", d, eb.Code, eb.Message)
	}
	return nil
}

// DownloadBlob fetches d's bytes, returning a remotecache error carrying
// ErrMissingDigest if the entry was evicted between Lookup and fetch.
func (c *Client) DownloadBlob(ctx context.Context, d digest.Digest) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/blobs/"+d.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remotecache: download %s: %w", d, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var eb ErrorBody
		json.NewDecoder(resp.Body).Decode(&eb)
		return nil, fmt.Errorf("remotecache: %s: %s", eb.Code, eb.Message)
	}
	return io.ReadAll(resp.Body)
}

// GetCachedResult fetches the ActionResult recorded for actionKey.
func (c *Client) GetCachedResult(ctx context.Context, actionKey digest.Digest) (cache.ActionResult, bool, error) {
	var wire CachedResult
	status, err := c.doJSON(ctx, http.MethodGet, "/actions/"+actionKey.String(), nil, &wire)
	if status == http.StatusNotFound {
		return cache.ActionResult{}, false, nil
	}
	if err != nil {
		return cache.ActionResult{}, false, err
	}
	result := cache.ActionResult{Outputs: make([]cache.OutputMetadata, len(wire.Outputs))}
	for i, o := range wire.Outputs {
		d, err := parseDigestString(o.Digest)
		if err != nil {
			return cache.ActionResult{}, false, err
		}
		result.Outputs[i] = cache.OutputMetadata{ExecPath: o.ExecPath, Digest: d, Executable: o.Executable}
	}
	return result, true, nil
}

// SetCachedResult records result under actionKey on the remote cache.
func (c *Client) SetCachedResult(ctx context.Context, actionKey digest.Digest, result cache.ActionResult) error {
	_, err := c.doJSON(ctx, http.MethodPost, "/actions/"+actionKey.String(), toWire(result), nil)
	return err
}
