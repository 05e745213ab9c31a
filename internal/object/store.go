package object

import (
	"context"
	"fmt"

	"jupiter/internal/blobstore"
	"jupiter/internal/hash"
)

// Store keeps objects as blobs keyed by the hash of their encoding.
type Store struct {
	blobs *blobstore.Store
}

func NewStore(blobs *blobstore.Store) *Store {
	return &Store{blobs: blobs}
}

// Add writes obj and returns its hash.
func (s *Store) Add(ctx context.Context, ns string, obj *Object) (hash.ContentHash, error) {
	if err := s.blobs.Put(ctx, ns, obj.Hash(), obj.Bytes()); err != nil {
		return hash.Zero, fmt.Errorf("add object: %w", err)
	}
	return obj.Hash(), nil
}

// Put validates an encoded object submitted under h and stores it.
func (s *Store) Put(ctx context.Context, ns string, h hash.ContentHash, data []byte) (*Object, error) {
	if actual := hash.Of(data); actual != h {
		return nil, fmt.Errorf("%w: claimed %s, computed %s", blobstore.ErrIntegrity, h, actual)
	}
	obj, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if _, err := s.Add(ctx, ns, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// Get reads and decodes the object stored under h. The boolean is false
// when nothing is stored there.
func (s *Store) Get(ctx context.Context, ns string, h hash.ContentHash) (*Object, bool, error) {
	data, ok, err := s.blobs.Get(ctx, ns, h)
	if err != nil || !ok {
		return nil, false, err
	}
	obj, err := Decode(data)
	if err != nil {
		return nil, false, fmt.Errorf("object %s: %w", h, err)
	}
	return obj, true, nil
}
