package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/forgeworks/forge/worker"
)

// Client talks to a running Daemon over its unix socket: one http.Client
// with a short timeout for control calls, and a second without one for
// routed work requests, whose duration is bounded by the unit of work
// itself (and the caller's ctx), not by a transport deadline.
type Client struct {
	socketPath string
	httpClient *http.Client
	workClient *http.Client
}

func NewClient(socketPath string) *Client {
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return net.Dial("unix", socketPath)
	}
	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: &http.Transport{DialContext: dial},
		},
		workClient: &http.Client{
			Transport: &http.Transport{DialContext: dial},
		},
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string) error {
	req, err := http.NewRequestWithContext(ctx, method, "http://unix"+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not running: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("daemon: %s %s returned %s", method, path, resp.Status)
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodGet, "/ping")
}

func (c *Client) Shutdown(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodPost, "/shutdown")
}

// Stats reports the daemon's pid and worker pool occupancy.
func (c *Client) Stats(ctx context.Context) (StatsResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://unix/stats", nil)
	if err != nil {
		return StatsResponse{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return StatsResponse{}, fmt.Errorf("daemon not running: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return StatsResponse{}, fmt.Errorf("daemon: stats returned %s", resp.Status)
	}
	var stats StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return StatsResponse{}, err
	}
	return stats, nil
}

// Work routes one unit of work to the daemon's warm pool and returns the
// worker's response, satisfying the same contract as worker.Pool.Work so a
// build can use a running daemon as its worker backend.
func (c *Client) Work(ctx context.Context, key worker.Key, req worker.WorkRequest) (worker.WorkResponse, error) {
	payload, err := json.Marshal(WorkEnvelope{Key: key, Request: req})
	if err != nil {
		return worker.WorkResponse{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://unix/work", bytes.NewReader(payload))
	if err != nil {
		return worker.WorkResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.workClient.Do(httpReq)
	if err != nil {
		return worker.WorkResponse{}, fmt.Errorf("daemon: work %s: %w", key.Mnemonic, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return worker.WorkResponse{}, fmt.Errorf("daemon: work %s returned %s: %s", key.Mnemonic, resp.Status, bytes.TrimSpace(msg))
	}
	var workResp worker.WorkResponse
	if err := json.NewDecoder(resp.Body).Decode(&workResp); err != nil {
		return worker.WorkResponse{}, err
	}
	return workResp, nil
}
