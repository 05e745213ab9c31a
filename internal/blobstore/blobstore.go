package blobstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"strings"
	"time"

	"jupiter/internal/hash"
	"jupiter/internal/storage"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrIntegrity is returned when a payload does not hash to the
	// identifier it was submitted under. Nothing is written.
	ErrIntegrity = errors.New("content hash mismatch")

	ErrNotFound         = errors.New("blob not found")
	ErrInvalidNamespace = errors.New("invalid namespace")

	namespacePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)
)

const defaultExistsConcurrency = 16

// ValidateNamespace checks that ns is usable as a path segment.
func ValidateNamespace(ns string) error {
	if !namespacePattern.MatchString(ns) || ns == "." || ns == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidNamespace, ns)
	}
	return nil
}

// BlobPath computes the storage path for the blob identified by h within
// namespace ns. The first two hash bytes become nested directories so no
// single directory grows beyond 256 entries per level.
func BlobPath(ns string, h hash.ContentHash) string {
	hexHash := h.String()
	return path.Join(ns, "blobs", hexHash[:2], hexHash[2:4], hexHash)
}

func blobPrefix(ns string) string {
	return ns + "/blobs/"
}

// Store is a content addressed view over a storage.Backend.
type Store struct {
	backend           storage.Backend
	existsConcurrency int
	logger            *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithExistsConcurrency bounds the number of existence checks ExistsMany
// keeps in flight.
func WithExistsConcurrency(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.existsConcurrency = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

func New(backend storage.Backend, opts ...Option) *Store {
	s := &Store{
		backend:           backend,
		existsConcurrency: defaultExistsConcurrency,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put stores data under h after verifying that data hashes to h. Storing
// content that already exists only refreshes its modification time.
func (s *Store) Put(ctx context.Context, ns string, h hash.ContentHash, data []byte) error {
	if err := ValidateNamespace(ns); err != nil {
		return err
	}
	if actual := hash.Of(data); actual != h {
		return fmt.Errorf("%w: claimed %s, computed %s", ErrIntegrity, h, actual)
	}

	p := BlobPath(ns, h)
	touched, err := s.backend.Touch(ctx, p)
	if err != nil {
		return fmt.Errorf("put blob %s: %w", h, err)
	}
	if touched {
		return nil
	}

	if err := s.backend.Write(ctx, p, data); err != nil {
		return fmt.Errorf("put blob %s: %w", h, err)
	}
	return nil
}

// PutData hashes data and stores it.
func (s *Store) PutData(ctx context.Context, ns string, data []byte) (hash.ContentHash, error) {
	h := hash.Of(data)
	return h, s.Put(ctx, ns, h, data)
}

// Get returns the blob stored under h. The boolean is false when the blob
// does not exist.
func (s *Store) Get(ctx context.Context, ns string, h hash.ContentHash) ([]byte, bool, error) {
	if err := ValidateNamespace(ns); err != nil {
		return nil, false, err
	}
	data, ok, err := s.backend.Read(ctx, BlobPath(ns, h))
	if err != nil {
		return nil, false, fmt.Errorf("get blob %s: %w", h, err)
	}
	return data, ok, nil
}

// MustGet is Get for callers that require the blob; absence is reported
// as ErrNotFound.
func (s *Store) MustGet(ctx context.Context, ns string, h hash.ContentHash) ([]byte, error) {
	data, ok, err := s.Get(ctx, ns, h)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrNotFound, h, ns)
	}
	return data, nil
}

func (s *Store) Exists(ctx context.Context, ns string, h hash.ContentHash) (bool, error) {
	if err := ValidateNamespace(ns); err != nil {
		return false, err
	}
	ok, err := s.backend.Exists(ctx, BlobPath(ns, h))
	if err != nil {
		return false, fmt.Errorf("stat blob %s: %w", h, err)
	}
	return ok, nil
}

// ExistsMany checks every hash concurrently and returns the ones that are
// present.
func (s *Store) ExistsMany(ctx context.Context, ns string, hashes []hash.ContentHash) (hash.Set, error) {
	return s.checkMany(ctx, ns, hashes, "stat", s.backend.Exists)
}

// TouchMany refreshes the modification time of every hash concurrently and
// returns the ones that are present. A blob touched here stays inside the
// sweep grace period, so callers that rely on content existing should use
// it instead of ExistsMany.
func (s *Store) TouchMany(ctx context.Context, ns string, hashes []hash.ContentHash) (hash.Set, error) {
	return s.checkMany(ctx, ns, hashes, "touch", s.backend.Touch)
}

func (s *Store) checkMany(ctx context.Context, ns string, hashes []hash.ContentHash, verb string,
	op func(context.Context, string) (bool, error)) (hash.Set, error) {
	if err := ValidateNamespace(ns); err != nil {
		return nil, err
	}

	found := make([]bool, len(hashes))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.existsConcurrency)

	for i, h := range hashes {
		eg.Go(func() error {
			ok, err := op(ctx, BlobPath(ns, h))
			if err != nil {
				return fmt.Errorf("%s blob %s: %w", verb, h, err)
			}
			found[i] = ok
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	present := make(hash.Set, len(hashes))
	for i, h := range hashes {
		if found[i] {
			present.Add(h)
		}
	}
	return present, nil
}

// Delete removes a blob. Only the garbage collector should call this.
func (s *Store) Delete(ctx context.Context, ns string, h hash.ContentHash) error {
	if err := ValidateNamespace(ns); err != nil {
		return err
	}
	if err := s.backend.Delete(ctx, BlobPath(ns, h)); err != nil {
		return fmt.Errorf("delete blob %s: %w", h, err)
	}
	return nil
}

// List calls fn for every blob in ns together with its last modification
// time. Entries that do not look like blobs are skipped.
func (s *Store) List(ctx context.Context, ns string, fn func(hash.ContentHash, time.Time) error) error {
	if err := ValidateNamespace(ns); err != nil {
		return err
	}
	return s.backend.List(ctx, blobPrefix(ns), func(e storage.Entry) error {
		name := e.Path[strings.LastIndex(e.Path, "/")+1:]
		h, err := hash.Parse(name)
		if err != nil {
			s.logger.Debug("Skipping foreign entry in blob tree", "path", e.Path)
			return nil
		}
		return fn(h, e.ModTime)
	})
}
