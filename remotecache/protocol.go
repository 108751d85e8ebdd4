// Package remotecache implements the remote cache wire protocol:
// Lookup, UploadBlob/DownloadBlob, and GetCachedResult/SetCachedResult,
// as HTTP+JSON request/response pairs in the same idiom as the daemon's
// own local control protocol, rather than a hand-authored gRPC service.
package remotecache

import "github.com/forgeworks/forge/cache"

// LookupRequest asks the remote cache which of a set of digests it already
// has blobs for.
type LookupRequest struct {
	Digests []string `json:"digests"` // "<hex>/<size>" per digest.Digest.String
}

// LookupResponse reports which requested digests are missing.
type LookupResponse struct {
	Missing []string `json:"missing"`
}

// CachedResult is the wire form of cache.ActionResult.
type CachedResult struct {
	Outputs []CachedOutput `json:"outputs"`
}

// CachedOutput is the wire form of cache.OutputMetadata.
type CachedOutput struct {
	ExecPath   string `json:"exec_path"`
	Digest     string `json:"digest"` // "<hex>/<size>"
	Executable bool   `json:"executable"`
}

func toWire(r cache.ActionResult) CachedResult {
	out := CachedResult{Outputs: make([]CachedOutput, len(r.Outputs))}
	for i, o := range r.Outputs {
		out.Outputs[i] = CachedOutput{ExecPath: o.ExecPath, Digest: o.Digest.String(), Executable: o.Executable}
	}
	return out
}

// ErrorCode is the small vocabulary of protocol-level failures the client
// needs to distinguish from an ordinary transport error.
type ErrorCode string

const (
	ErrInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	ErrMissingDigest   ErrorCode = "MISSING_DIGEST"
)

// ErrorBody is the JSON body returned alongside a non-2xx status.
type ErrorBody struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}
