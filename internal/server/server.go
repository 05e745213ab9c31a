package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"jupiter/internal/acl"
	"jupiter/internal/blobstore"
	"jupiter/internal/gc"
	"jupiter/internal/hash"
	"jupiter/internal/object"
	"jupiter/internal/refs"
	"jupiter/internal/storage"
)

const (
	// ContentTypeObject is the media type of encoded objects.
	ContentTypeObject = "application/x-jupiter-cb"
	ContentTypeBinary = "application/octet-stream"

	// HeaderContentHash carries the hash of a request or response body.
	HeaderContentHash = "X-Jupiter-IoHash"

	defaultMaxBodySize = 256 << 20
)

type Config struct {
	Blobs         *blobstore.Store
	Refs          *refs.Store
	Collector     *gc.Collector
	Authenticator acl.Authenticator
	Authorizer    acl.Authorizer
	MaxBodySize   int64
}

type ConfigOption func(*Config)

func WithCollector(c *gc.Collector) ConfigOption {
	return func(cfg *Config) {
		cfg.Collector = c
	}
}

func WithAuthenticator(a acl.Authenticator) ConfigOption {
	return func(cfg *Config) {
		cfg.Authenticator = a
	}
}

func WithAuthorizer(a acl.Authorizer) ConfigOption {
	return func(cfg *Config) {
		cfg.Authorizer = a
	}
}

func WithMaxBodySize(n int64) ConfigOption {
	return func(cfg *Config) {
		cfg.MaxBodySize = n
	}
}

// Server exposes blobs, objects and refs over HTTP.
type Server struct {
	cfg Config
}

func NewServer(blobs *blobstore.Store, refStore *refs.Store, opts ...ConfigOption) (*Server, error) {
	if blobs == nil || refStore == nil {
		return nil, errors.New("blob and ref stores are required")
	}

	cfg := Config{
		Blobs:         blobs,
		Refs:          refStore,
		Authenticator: acl.AnonymousOnly{},
		Authorizer:    acl.AllowAll{},
		MaxBodySize:   defaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Server{cfg: cfg}, nil
}

type errorResponse struct {
	Error string `json:"error"`
}

// NeedsResponse lists content the client still has to upload.
type NeedsResponse struct {
	Needs []hash.ContentHash `json:"needs"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps store errors onto HTTP status codes.
func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, blobstore.ErrIntegrity),
		errors.Is(err, object.ErrMalformed),
		errors.Is(err, hash.ErrInvalidHash),
		errors.Is(err, blobstore.ErrInvalidNamespace),
		errors.Is(err, refs.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, blobstore.ErrNotFound), errors.Is(err, refs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, refs.ErrRefChanged):
		return http.StatusConflict
	case errors.Is(err, refs.ErrGraphTooLarge):
		return http.StatusUnprocessableEntity
	case errors.Is(err, storage.ErrBackend):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}
	writeError(w, status, err.Error())
}

// authorize reports whether the caller may perform action in ns and writes
// a 403 response when it may not.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, ns string, action acl.Action) bool {
	principal := Principal(r.Context())
	if s.cfg.Authorizer.Authorize(r.Context(), ns, action, principal) {
		return true
	}
	writeError(w, http.StatusForbidden, fmt.Sprintf("%s may not %s in %s", principal, action, ns))
	return false
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize))
}

func parseHash(w http.ResponseWriter, r *http.Request) (hash.ContentHash, bool) {
	h, err := hash.Parse(r.PathValue("hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return hash.Zero, false
	}
	return h, true
}
