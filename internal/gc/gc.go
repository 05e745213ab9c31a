package gc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"jupiter/internal/blobstore"
	"jupiter/internal/hash"
	"jupiter/internal/object"
	"jupiter/internal/refs"
)

// Config controls retention.
type Config struct {
	// Retention is how long a ref may go unread before it is removed.
	Retention time.Duration `yaml:"retention"`
	// BlobGracePeriod protects recently written blobs whose ref may not
	// have been stored yet.
	BlobGracePeriod time.Duration `yaml:"blobGracePeriod"`
	// Interval between runs of Run. Zero disables the loop.
	Interval time.Duration `yaml:"interval"`
	// Namespaces are collected in addition to those found in the index.
	Namespaces []string `yaml:"namespaces"`
}

func DefaultConfig() Config {
	return Config{
		Retention:       14 * 24 * time.Hour,
		BlobGracePeriod: 24 * time.Hour,
		Interval:        time.Hour,
	}
}

// Flusher pushes buffered access times to the index before refs are
// judged by them.
type Flusher interface {
	Flush(ctx context.Context) error
}

// BlobSweepResult contains statistics from a blob sweep.
type BlobSweepResult struct {
	Live     int
	Scanned  int
	Deleted  int
	Retained int
}

// Result contains statistics from a full collection.
type Result struct {
	RefsRemoved int64
	Blobs       BlobSweepResult
}

// Collector removes stale refs and the blobs nothing references anymore.
type Collector struct {
	cfg     Config
	index   refs.Index
	blobs   *blobstore.Store
	objects *object.Store
	flusher Flusher
	now     func() time.Time
	logger  *slog.Logger

	// mu allows one collection at a time.
	mu sync.Mutex
}

type Option func(*Collector)

func WithFlusher(f Flusher) Option {
	return func(c *Collector) {
		c.flusher = f
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Collector) {
		c.now = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Collector) {
		c.logger = logger
	}
}

func New(cfg Config, index refs.Index, blobs *blobstore.Store, opts ...Option) *Collector {
	c := &Collector{
		cfg:     cfg,
		index:   index,
		blobs:   blobs,
		objects: object.NewStore(blobs),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SweepRefs removes refs in ns whose last access is older than the
// retention threshold.
func (c *Collector) SweepRefs(ctx context.Context, ns string) (int64, error) {
	if err := blobstore.ValidateNamespace(ns); err != nil {
		return 0, err
	}
	if c.flusher != nil {
		if err := c.flusher.Flush(ctx); err != nil {
			return 0, fmt.Errorf("flush access records: %w", err)
		}
	}

	cutoff := c.now().UTC().Add(-c.cfg.Retention)
	removed, err := c.index.DeleteOlderThan(ctx, ns, cutoff)
	if err != nil {
		return 0, err
	}

	c.logger.Info("Swept refs", "namespace", ns, "removed", removed, "cutoff", cutoff)
	return removed, nil
}

// SweepBlobs deletes blobs in ns that no remaining ref reaches. Refs are
// marked whether or not they are finalized, and blobs younger than the
// grace period are kept.
func (c *Collector) SweepBlobs(ctx context.Context, ns string) (BlobSweepResult, error) {
	var res BlobSweepResult
	if err := blobstore.ValidateNamespace(ns); err != nil {
		return res, err
	}

	live, err := c.mark(ctx, ns)
	if err != nil {
		return res, fmt.Errorf("mark phase failed: %w", err)
	}
	res.Live = len(live)

	graceCutoff := c.now().Add(-c.cfg.BlobGracePeriod)
	var unreferenced []hash.ContentHash
	err = c.blobs.List(ctx, ns, func(h hash.ContentHash, modTime time.Time) error {
		res.Scanned++
		if live.Has(h) {
			return nil
		}
		if modTime.After(graceCutoff) {
			res.Retained++
			return nil
		}
		unreferenced = append(unreferenced, h)
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("list blobs: %w", err)
	}

	for _, h := range unreferenced {
		if err := c.blobs.Delete(ctx, ns, h); err != nil {
			return res, fmt.Errorf("delete blob %s: %w", h, err)
		}
		res.Deleted++
	}

	c.logger.Info("Swept blobs", "namespace", ns, "live", res.Live, "scanned", res.Scanned,
		"deleted", res.Deleted, "retained", res.Retained)
	return res, nil
}

// mark returns every hash reachable from a ref in ns.
func (c *Collector) mark(ctx context.Context, ns string) (hash.Set, error) {
	live := make(hash.Set)
	var pending []hash.ContentHash

	visit := func(obj *object.Object) {
		_ = obj.IterateAttachments(func(a object.Attachment) error {
			if live.Has(a.Hash) {
				return nil
			}
			live.Add(a.Hash)
			if a.Kind == object.KindObjectAttachment {
				pending = append(pending, a.Hash)
			}
			return nil
		})
	}

	err := c.index.ForEach(ctx, ns, func(rec refs.Record) error {
		live.Add(rec.RootHash)
		root, err := object.Decode(rec.RootObject)
		if err != nil {
			c.logger.Warn("Skipping undecodable ref", "ref", rec.Key.String(), "error", err)
			return nil
		}
		visit(root)
		return nil
	})
	if err != nil {
		return nil, err
	}

	for len(pending) > 0 {
		h := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		obj, ok, err := c.objects.Get(ctx, ns, h)
		if errors.Is(err, object.ErrMalformed) {
			c.logger.Warn("Skipping malformed object", "namespace", ns, "hash", h.String(), "error", err)
			continue
		}
		if err != nil {
			return nil, err
		}
		if ok {
			visit(obj)
		}
	}
	return live, nil
}

// Collect sweeps refs and then blobs, so blobs released by the ref sweep
// are collected in the same pass.
func (c *Collector) Collect(ctx context.Context, ns string) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var res Result
	removed, err := c.SweepRefs(ctx, ns)
	if err != nil {
		return res, err
	}
	res.RefsRemoved = removed

	blobs, err := c.SweepBlobs(ctx, ns)
	if err != nil {
		return res, err
	}
	res.Blobs = blobs
	return res, nil
}

// namespaces merges the configured namespaces with those in the index.
func (c *Collector) namespaces(ctx context.Context) ([]string, error) {
	known, err := c.index.Namespaces(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var out []string
	for _, ns := range append(append([]string{}, c.cfg.Namespaces...), known...) {
		if _, dup := seen[ns]; dup {
			continue
		}
		seen[ns] = struct{}{}
		out = append(out, ns)
	}
	return out, nil
}

// RunOnce collects every namespace. Failures are logged per namespace and
// do not stop the others.
func (c *Collector) RunOnce(ctx context.Context) (map[string]Result, error) {
	namespaces, err := c.namespaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}

	results := make(map[string]Result, len(namespaces))
	for _, ns := range namespaces {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		res, err := c.Collect(ctx, ns)
		if err != nil {
			c.logger.Error("Collection failed", "namespace", ns, "error", err)
			continue
		}
		results[ns] = res
	}
	return results, nil
}

// Run calls RunOnce every Interval until ctx is done.
func (c *Collector) Run(ctx context.Context) error {
	if c.cfg.Interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("Garbage collection failed", "error", err)
			}
		}
	}
}
