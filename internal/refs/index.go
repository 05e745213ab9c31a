package refs

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"jupiter/internal/blobstore"
	"jupiter/internal/hash"
)

var (
	ErrNotFound      = errors.New("ref not found")
	ErrRefChanged    = errors.New("ref was replaced during finalization")
	ErrGraphTooLarge = errors.New("attachment graph exceeds limits")
	ErrInvalidKey    = errors.New("invalid ref key")
)

var (
	bucketPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)
	namePattern   = regexp.MustCompile(`^[A-Za-z0-9._-]{1,255}$`)
)

// Key identifies a ref.
type Key struct {
	Namespace string
	Bucket    string
	Name      string
}

func (k Key) String() string {
	return k.Namespace + "/" + k.Bucket + "/" + k.Name
}

// Validate checks that every component of the key is usable as a path
// segment and as an index key.
func (k Key) Validate() error {
	if err := blobstore.ValidateNamespace(k.Namespace); err != nil {
		return err
	}
	if !bucketPattern.MatchString(k.Bucket) || k.Bucket == "." || k.Bucket == ".." {
		return fmt.Errorf("%w: bucket %q", ErrInvalidKey, k.Bucket)
	}
	if !namePattern.MatchString(k.Name) || k.Name == "." || k.Name == ".." {
		return fmt.Errorf("%w: name %q", ErrInvalidKey, k.Name)
	}
	return nil
}

// Record is the persisted form of a ref.
type Record struct {
	Key        Key
	RootHash   hash.ContentHash
	RootObject []byte
	LastAccess time.Time
	Finalized  bool
	// Generation increases every time the ref is replaced.
	Generation uint64
}

// Index persists ref records.
type Index interface {
	// Put inserts or replaces a ref. The stored record is always
	// unfinalized; the returned value is its new generation.
	Put(ctx context.Context, rec Record) (uint64, error)
	Get(ctx context.Context, key Key) (Record, bool, error)
	// MarkFinalized flips the ref to finalized only when it is still at
	// generation and still points at root. It reports whether it did.
	MarkFinalized(ctx context.Context, key Key, generation uint64, root hash.ContentHash) (bool, error)
	Touch(ctx context.Context, key Key, at time.Time) (bool, error)
	// UpdateLastAccess applies a batch of access times. Stored times never
	// move backwards and missing refs are skipped.
	UpdateLastAccess(ctx context.Context, batch map[Key]time.Time) error
	Delete(ctx context.Context, key Key) (bool, error)
	DeleteBucket(ctx context.Context, namespace, bucket string) (int64, error)
	// DeleteOlderThan removes refs in namespace last accessed before cutoff.
	DeleteOlderThan(ctx context.Context, namespace string, cutoff time.Time) (int64, error)
	// ForEach visits every ref in namespace, finalized or not.
	ForEach(ctx context.Context, namespace string, fn func(Record) error) error
	Namespaces(ctx context.Context) ([]string, error)
	Close() error
}
