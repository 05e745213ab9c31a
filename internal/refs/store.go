package refs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"jupiter/internal/blobstore"
	"jupiter/internal/hash"
	"jupiter/internal/object"
)

// AccessRecorder receives ref reads so their last access time can be
// persisted later.
type AccessRecorder interface {
	TrackUsed(key Key)
}

type noopRecorder struct{}

func (noopRecorder) TrackUsed(Key) {}

// Ref is a finalized ref as returned to readers.
type Ref struct {
	Key        Key
	Root       *object.Object
	LastAccess time.Time
}

// Store manages named refs and their finalization.
type Store struct {
	index       Index
	blobs       *blobstore.Store
	objects     *object.Store
	tracker     AccessRecorder
	limits      Limits
	concurrency int
	now         func() time.Time
	logger      *slog.Logger
}

type StoreOption func(*Store)

// WithTracker records successful reads with t.
func WithTracker(t AccessRecorder) StoreOption {
	return func(s *Store) {
		s.tracker = t
	}
}

func WithLimits(l Limits) StoreOption {
	return func(s *Store) {
		if l.MaxObjects > 0 {
			s.limits.MaxObjects = l.MaxObjects
		}
		if l.MaxDepth > 0 {
			s.limits.MaxDepth = l.MaxDepth
		}
	}
}

// WithFetchConcurrency bounds parallel object fetches within a level.
func WithFetchConcurrency(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

func NewStore(index Index, blobs *blobstore.Store, opts ...StoreOption) *Store {
	s := &Store{
		index:       index,
		blobs:       blobs,
		objects:     object.NewStore(blobs),
		tracker:     noopRecorder{},
		limits:      DefaultLimits(),
		concurrency: 16,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Objects exposes the object store refs are resolved against.
func (s *Store) Objects() *object.Store {
	return s.objects
}

// Set stores root under key, replacing any previous value, and attempts
// finalization. The returned hashes must be uploaded before Finalize can
// succeed; an empty result means the ref is readable.
func (s *Store) Set(ctx context.Context, key Key, root *object.Object) ([]hash.ContentHash, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.objects.Add(ctx, key.Namespace, root); err != nil {
		return nil, err
	}

	generation, err := s.index.Put(ctx, Record{
		Key:        key,
		RootHash:   root.Hash(),
		RootObject: root.Bytes(),
		LastAccess: s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Ref stored", "ref", key.String(), "root", root.Hash().String(), "generation", generation)
	return s.finalize(ctx, key, generation, root)
}

// Finalize retries finalization of an existing ref. It does nothing for a
// ref that is already finalized.
func (s *Store) Finalize(ctx context.Context, key Key) ([]hash.ContentHash, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	rec, ok, err := s.index.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if rec.Finalized {
		return nil, nil
	}

	root, err := object.Decode(rec.RootObject)
	if err != nil {
		return nil, fmt.Errorf("ref %s: %w", key, err)
	}
	return s.finalize(ctx, key, rec.Generation, root)
}

func (s *Store) finalize(ctx context.Context, key Key, generation uint64, root *object.Object) ([]hash.ContentHash, error) {
	walk := newClosureWalk(key.Namespace, s.objects, s.blobs, s.limits, s.concurrency)
	missing, err := walk.run(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("finalize %s: %w", key, err)
	}
	if len(missing) > 0 {
		s.logger.Debug("Ref incomplete", "ref", key.String(), "missing", len(missing))
		return missing, nil
	}

	ok, err := s.index.MarkFinalized(ctx, key, generation, root.Hash())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRefChanged, key)
	}

	s.logger.Debug("Ref finalized", "ref", key.String(), "generation", generation)
	return nil, nil
}

// Get returns a finalized ref. Absent and unfinalized refs are both
// reported as ErrNotFound.
func (s *Store) Get(ctx context.Context, key Key) (Ref, error) {
	if err := key.Validate(); err != nil {
		return Ref{}, err
	}
	rec, ok, err := s.index.Get(ctx, key)
	if err != nil {
		return Ref{}, err
	}
	if !ok || !rec.Finalized {
		return Ref{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	root, err := object.Decode(rec.RootObject)
	if err != nil {
		return Ref{}, fmt.Errorf("ref %s: %w", key, err)
	}

	s.tracker.TrackUsed(key)
	return Ref{Key: key, Root: root, LastAccess: rec.LastAccess}, nil
}

// Exists reports whether key names a finalized ref.
func (s *Store) Exists(ctx context.Context, key Key) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	rec, ok, err := s.index.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return ok && rec.Finalized, nil
}

// Touch marks the ref as accessed now without reading it.
func (s *Store) Touch(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	ok, err := s.index.Touch(ctx, key, s.now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	ok, err := s.index.Delete(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return nil
}

// DropBucket deletes every ref in a bucket and returns how many there were.
func (s *Store) DropBucket(ctx context.Context, namespace, bucket string) (int64, error) {
	if err := (Key{Namespace: namespace, Bucket: bucket, Name: "_"}).Validate(); err != nil {
		return 0, err
	}
	return s.index.DeleteBucket(ctx, namespace, bucket)
}
