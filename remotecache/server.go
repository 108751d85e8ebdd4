package remotecache

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/forgeworks/forge/cache"
	"github.com/forgeworks/forge/digest"
)

// Server exposes a CAS and ActionCache over HTTP, in the daemon's handler
// style: an http.ServeMux of small JSON handlers plus a
// writeJSON/writeError helper pair.
type Server struct {
	CAS         cache.CAS
	ActionCache cache.ActionCache
}

func NewServer(cas cache.CAS, ac cache.ActionCache) *Server {
	return &Server{CAS: cas, ActionCache: ac}
}

// Handler returns the http.Handler to mount, e.g. behind an http.Server or
// a reverse proxy in front of multiple remote cache shards.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/lookup", s.handleLookup)
	mux.HandleFunc("/blobs/", s.handleBlob)
	mux.HandleFunc("/actions/", s.handleAction)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code ErrorCode, msg string) {
	writeJSON(w, status, ErrorBody{Code: code, Message: msg})
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req LookupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrInvalidArgument, err.Error())
		return
	}
	var missing []string
	for _, s2 := range req.Digests {
		d, err := parseDigestString(s2)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrInvalidArgument, err.Error())
			return
		}
		has, err := s.CAS.Has(d)
		if err != nil {
			writeError(w, http.StatusInternalServerError, ErrInvalidArgument, err.Error())
			return
		}
		if !has {
			missing = append(missing, s2)
		}
	}
	writeJSON(w, http.StatusOK, LookupResponse{Missing: missing})
}

// handleBlob serves UploadBlob (PUT) and DownloadBlob (GET) at
// /blobs/<hex>/<size>. Chunks are not separately framed here: the HTTP body
// itself is the chunk stream and must total exactly <size> bytes, which is
// the same invariant the framed protocol imposes.
func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	d, err := parseDigestPath(strings.TrimPrefix(r.URL.Path, "/blobs/"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrInvalidArgument, err.Error())
		return
	}

	switch r.Method {
	case http.MethodPut:
		data, err := io.ReadAll(io.LimitReader(r.Body, d.Size+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrInvalidArgument, err.Error())
			return
		}
		if int64(len(data)) != d.Size {
			writeError(w, http.StatusBadRequest, ErrInvalidArgument,
				fmt.Sprintf("declared size %d does not match %d bytes received", d.Size, len(data)))
			return
		}
		if err := s.CAS.Put(d, data); err != nil {
			slog.Error("remotecache upload rejected", "digest", d, "error", err)
			writeError(w, http.StatusBadRequest, ErrInvalidArgument, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		data, err := s.CAS.Get(d)
		if err != nil {
			writeError(w, http.StatusNotFound, ErrMissingDigest, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(data)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleAction serves GetCachedResult (GET) and SetCachedResult (POST) at
// /actions/<hex>/<size>.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	d, err := parseDigestPath(strings.TrimPrefix(r.URL.Path, "/actions/"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrInvalidArgument, err.Error())
		return
	}

	switch r.Method {
	case http.MethodGet:
		result, ok, err := s.ActionCache.Get(d)
		if err != nil {
			writeError(w, http.StatusInternalServerError, ErrInvalidArgument, err.Error())
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, ErrMissingDigest, "no cached result for action key")
			return
		}
		writeJSON(w, http.StatusOK, toWire(result))
	case http.MethodPost:
		var wire CachedResult
		if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
			writeError(w, http.StatusBadRequest, ErrInvalidArgument, err.Error())
			return
		}
		result := cache.ActionResult{Outputs: make([]cache.OutputMetadata, len(wire.Outputs))}
		for i, o := range wire.Outputs {
			od, err := parseDigestString(o.Digest)
			if err != nil {
				writeError(w, http.StatusBadRequest, ErrInvalidArgument, err.Error())
				return
			}
			result.Outputs[i] = cache.OutputMetadata{ExecPath: o.ExecPath, Digest: od, Executable: o.Executable}
		}
		if err := s.ActionCache.Put(d, result); err != nil {
			writeError(w, http.StatusInternalServerError, ErrInvalidArgument, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// parseDigestString parses the "<hex>/<size>" form used in JSON bodies.
func parseDigestString(s string) (digest.Digest, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return digest.Digest{}, fmt.Errorf("remotecache: malformed digest %q", s)
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("remotecache: malformed digest size in %q: %w", s, err)
	}
	return digest.Parse(parts[0], size)
}

// parseDigestPath parses the "<hex>/<size>" form used in URL paths (same
// shape, kept separate so a future path convention change doesn't ripple
// into the JSON wire format).
func parseDigestPath(p string) (digest.Digest, error) {
	return parseDigestString(p)
}
