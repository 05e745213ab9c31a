package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"jupiter/internal/acl"
	"jupiter/internal/hash"
	"jupiter/internal/object"
	"jupiter/internal/refs"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBlobPut(w http.ResponseWriter, r *http.Request, ns string) {
	if !s.authorize(w, r, ns, acl.ActionWrite) {
		return
	}
	h, ok := parseHash(w, r)
	if !ok {
		return
	}

	data, err := s.readBody(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.cfg.Blobs.Put(r.Context(), ns, h, data); err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]hash.ContentHash{"identifier": h})
}

func (s *Server) handleBlobGet(w http.ResponseWriter, r *http.Request, ns string) {
	if !s.authorize(w, r, ns, acl.ActionRead) {
		return
	}
	h, ok := parseHash(w, r)
	if !ok {
		return
	}

	data, err := s.cfg.Blobs.MustGet(r.Context(), ns, h)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", ContentTypeBinary)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set(HeaderContentHash, h.String())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleBlobHead(w http.ResponseWriter, r *http.Request, ns string) {
	if !s.authorize(w, r, ns, acl.ActionRead) {
		return
	}
	h, ok := parseHash(w, r)
	if !ok {
		return
	}

	exists, err := s.cfg.Blobs.Exists(r.Context(), ns, h)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type existsRequest struct {
	Hashes []hash.ContentHash `json:"hashes"`
}

// handleBlobExists answers which of the listed blobs are missing.
func (s *Server) handleBlobExists(w http.ResponseWriter, r *http.Request, ns string) {
	if !s.authorize(w, r, ns, acl.ActionRead) {
		return
	}

	var req existsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	found, err := s.cfg.Blobs.ExistsMany(r.Context(), ns, req.Hashes)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	missing := make(hash.Set)
	for _, h := range req.Hashes {
		if !found.Has(h) {
			missing.Add(h)
		}
	}
	writeJSON(w, http.StatusOK, NeedsResponse{Needs: nonNil(missing.Sorted())})
}

func (s *Server) handleObjectPut(w http.ResponseWriter, r *http.Request, ns string) {
	if !s.authorize(w, r, ns, acl.ActionWrite) {
		return
	}
	h, ok := parseHash(w, r)
	if !ok {
		return
	}

	data, err := s.readBody(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := s.cfg.Refs.Objects().Put(r.Context(), ns, h, data); err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]hash.ContentHash{"identifier": h})
}

func (s *Server) handleObjectGet(w http.ResponseWriter, r *http.Request, ns string) {
	if !s.authorize(w, r, ns, acl.ActionRead) {
		return
	}
	h, ok := parseHash(w, r)
	if !ok {
		return
	}

	obj, found, err := s.cfg.Refs.Objects().Get(r.Context(), ns, h)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, fmt.Sprintf("object %s not found", h))
		return
	}

	writeObject(w, obj.Hash(), obj.Bytes())
}

func writeObject(w http.ResponseWriter, h hash.ContentHash, data []byte) {
	w.Header().Set("Content-Type", ContentTypeObject)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set(HeaderContentHash, h.String())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func refKey(r *http.Request, ns string) refs.Key {
	return refs.Key{Namespace: ns, Bucket: r.PathValue("bucket"), Name: r.PathValue("name")}
}

// handleRefPut stores the request body as the root object of a ref. A
// client may send the body hash in HeaderContentHash to have it verified.
func (s *Server) handleRefPut(w http.ResponseWriter, r *http.Request, ns string) {
	if !s.authorize(w, r, ns, acl.ActionWrite) {
		return
	}

	data, err := s.readBody(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if claimed := r.Header.Get(HeaderContentHash); claimed != "" {
		h, err := hash.Parse(claimed)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if actual := hash.Of(data); actual != h {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("body hash %s does not match %s", actual, h))
			return
		}
	}

	root, err := object.Decode(data)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	missing, err := s.cfg.Refs.Set(r.Context(), refKey(r, ns), root)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NeedsResponse{Needs: nonNil(missing)})
}

func (s *Server) handleRefFinalize(w http.ResponseWriter, r *http.Request, ns string) {
	if !s.authorize(w, r, ns, acl.ActionWrite) {
		return
	}

	missing, err := s.cfg.Refs.Finalize(r.Context(), refKey(r, ns))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NeedsResponse{Needs: nonNil(missing)})
}

func (s *Server) handleRefGet(w http.ResponseWriter, r *http.Request, ns string) {
	if !s.authorize(w, r, ns, acl.ActionRead) {
		return
	}

	ref, err := s.cfg.Refs.Get(r.Context(), refKey(r, ns))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeObject(w, ref.Root.Hash(), ref.Root.Bytes())
}

func (s *Server) handleRefHead(w http.ResponseWriter, r *http.Request, ns string) {
	if !s.authorize(w, r, ns, acl.ActionRead) {
		return
	}

	exists, err := s.cfg.Refs.Exists(r.Context(), refKey(r, ns))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRefDelete(w http.ResponseWriter, r *http.Request, ns string) {
	if !s.authorize(w, r, ns, acl.ActionDelete) {
		return
	}

	if err := s.cfg.Refs.Delete(r.Context(), refKey(r, ns)); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBucketDelete(w http.ResponseWriter, r *http.Request, ns string) {
	if !s.authorize(w, r, ns, acl.ActionDelete) {
		return
	}

	removed, err := s.cfg.Refs.DropBucket(r.Context(), ns, r.PathValue("bucket"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"refsRemoved": removed})
}

type gcResponse struct {
	RefsRemoved  int64 `json:"refsRemoved"`
	BlobsDeleted int   `json:"blobsDeleted"`
	BlobsScanned int   `json:"blobsScanned"`
	BlobsLive    int   `json:"blobsLive"`
}

func (s *Server) handleGC(w http.ResponseWriter, r *http.Request, ns string) {
	if !s.authorize(w, r, ns, acl.ActionAdmin) {
		return
	}
	if s.cfg.Collector == nil {
		writeError(w, http.StatusServiceUnavailable, "garbage collection is not configured")
		return
	}

	res, err := s.cfg.Collector.Collect(r.Context(), ns)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, gcResponse{
		RefsRemoved:  res.RefsRemoved,
		BlobsDeleted: res.Blobs.Deleted,
		BlobsScanned: res.Blobs.Scanned,
		BlobsLive:    res.Blobs.Live,
	})
}

func nonNil(hashes []hash.ContentHash) []hash.ContentHash {
	if hashes == nil {
		return []hash.ContentHash{}
	}
	return hashes
}
