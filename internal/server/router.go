package server

import (
	"net/http"
)

// nsHandler is a handler scoped to the namespace in the request path.
type nsHandler func(w http.ResponseWriter, r *http.Request, ns string)

func withNamespace(h nsHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h(w, r, r.PathValue("ns"))
	}
}

// Handler returns an http.Handler implementing the storage API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Blobs
	mux.HandleFunc("PUT /api/v1/blobs/{ns}/{hash}", withNamespace(s.handleBlobPut))
	mux.HandleFunc("GET /api/v1/blobs/{ns}/{hash}", withNamespace(s.handleBlobGet))
	mux.HandleFunc("HEAD /api/v1/blobs/{ns}/{hash}", withNamespace(s.handleBlobHead))
	mux.HandleFunc("POST /api/v1/blobs/{ns}/exists", withNamespace(s.handleBlobExists))

	// Objects
	mux.HandleFunc("PUT /api/v1/objects/{ns}/{hash}", withNamespace(s.handleObjectPut))
	mux.HandleFunc("GET /api/v1/objects/{ns}/{hash}", withNamespace(s.handleObjectGet))

	// Refs
	mux.HandleFunc("PUT /api/v1/refs/{ns}/{bucket}/{name}", withNamespace(s.handleRefPut))
	mux.HandleFunc("GET /api/v1/refs/{ns}/{bucket}/{name}", withNamespace(s.handleRefGet))
	mux.HandleFunc("HEAD /api/v1/refs/{ns}/{bucket}/{name}", withNamespace(s.handleRefHead))
	mux.HandleFunc("DELETE /api/v1/refs/{ns}/{bucket}/{name}", withNamespace(s.handleRefDelete))
	mux.HandleFunc("POST /api/v1/refs/{ns}/{bucket}/{name}/finalize", withNamespace(s.handleRefFinalize))
	mux.HandleFunc("DELETE /api/v1/refs/{ns}/{bucket}", withNamespace(s.handleBucketDelete))

	// Administration
	mux.HandleFunc("POST /api/v1/admin/gc/{ns}", withNamespace(s.handleGC))

	return LogRequest(Recoverer(RequireAuthentication(s.cfg.Authenticator)(SlashFix(mux))))
}
