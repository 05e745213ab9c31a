package refs

import (
	"context"
	"fmt"

	"jupiter/internal/blobstore"
	"jupiter/internal/hash"
	"jupiter/internal/object"

	"golang.org/x/sync/errgroup"
)

// Limits bound the attachment graph a single finalization may walk.
type Limits struct {
	// MaxObjects caps the number of distinct object attachments visited.
	MaxObjects int `yaml:"maxObjects"`
	// MaxDepth caps the number of object levels below the root.
	MaxDepth int `yaml:"maxDepth"`
}

func DefaultLimits() Limits {
	return Limits{MaxObjects: 100_000, MaxDepth: 1024}
}

// closureWalk checks that everything reachable from a root object is
// present. It walks the graph level by level; each level's objects are
// fetched concurrently and its binaries are checked in one batch. Content
// found present is touched so a concurrent blob sweep that already ran its
// mark phase treats it as inside the grace period.
type closureWalk struct {
	namespace   string
	objects     *object.Store
	blobs       *blobstore.Store
	limits      Limits
	concurrency int

	checkedObjects  hash.Set
	checkedBinaries hash.Set
	missing         hash.Set

	nextObjects  []hash.ContentHash
	nextBinaries []hash.ContentHash
}

func newClosureWalk(ns string, objects *object.Store, blobs *blobstore.Store, limits Limits, concurrency int) *closureWalk {
	return &closureWalk{
		namespace:       ns,
		objects:         objects,
		blobs:           blobs,
		limits:          limits,
		concurrency:     concurrency,
		checkedObjects:  make(hash.Set),
		checkedBinaries: make(hash.Set),
		missing:         make(hash.Set),
	}
}

// queue records the attachments of obj that have not been seen yet.
func (w *closureWalk) queue(obj *object.Object) {
	_ = obj.IterateAttachments(func(a object.Attachment) error {
		switch a.Kind {
		case object.KindObjectAttachment:
			if !w.checkedObjects.Has(a.Hash) {
				w.checkedObjects.Add(a.Hash)
				w.nextObjects = append(w.nextObjects, a.Hash)
			}
		case object.KindBinaryAttachment:
			if !w.checkedBinaries.Has(a.Hash) {
				w.checkedBinaries.Add(a.Hash)
				w.nextBinaries = append(w.nextBinaries, a.Hash)
			}
		}
		return nil
	})
}

// run returns the sorted hashes that are missing from the closure of root.
func (w *closureWalk) run(ctx context.Context, root *object.Object) ([]hash.ContentHash, error) {
	w.queue(root)

	for depth := 1; len(w.nextObjects) > 0 || len(w.nextBinaries) > 0; depth++ {
		if depth > w.limits.MaxDepth {
			return nil, fmt.Errorf("%w: deeper than %d levels", ErrGraphTooLarge, w.limits.MaxDepth)
		}
		if len(w.checkedObjects) > w.limits.MaxObjects {
			return nil, fmt.Errorf("%w: more than %d objects", ErrGraphTooLarge, w.limits.MaxObjects)
		}

		levelObjects, levelBinaries := w.nextObjects, w.nextBinaries
		w.nextObjects, w.nextBinaries = nil, nil

		fetched, err := w.fetchLevel(ctx, levelObjects)
		if err != nil {
			return nil, err
		}
		var present []hash.ContentHash
		for i, obj := range fetched {
			if obj == nil {
				// Its own attachments are unknown until it is uploaded.
				w.missing.Add(levelObjects[i])
				continue
			}
			present = append(present, levelObjects[i])
			w.queue(obj)
		}
		if len(present) > 0 {
			touched, err := w.blobs.TouchMany(ctx, w.namespace, present)
			if err != nil {
				return nil, err
			}
			for _, h := range present {
				if !touched.Has(h) {
					// Swept between the fetch and the touch.
					w.missing.Add(h)
				}
			}
		}

		if len(levelBinaries) > 0 {
			found, err := w.blobs.TouchMany(ctx, w.namespace, levelBinaries)
			if err != nil {
				return nil, err
			}
			for _, h := range levelBinaries {
				if !found.Has(h) {
					w.missing.Add(h)
				}
			}
		}
	}

	return w.missing.Sorted(), nil
}

// fetchLevel loads every object of a level. Absent objects are left nil.
func (w *closureWalk) fetchLevel(ctx context.Context, hashes []hash.ContentHash) ([]*object.Object, error) {
	fetched := make([]*object.Object, len(hashes))
	if len(hashes) == 0 {
		return fetched, nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for i, h := range hashes {
		g.Go(func() error {
			obj, ok, err := w.objects.Get(ctx, w.namespace, h)
			if err != nil {
				return err
			}
			if ok {
				fetched[i] = obj
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return fetched, nil
}
