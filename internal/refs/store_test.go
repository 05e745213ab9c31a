package refs_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"jupiter/internal/blobstore"
	"jupiter/internal/hash"
	"jupiter/internal/object"
	"jupiter/internal/refs"
	"jupiter/internal/storage"

	"github.com/stretchr/testify/require"
)

const ns = "test-namespace"

type recordingTracker struct {
	mu   sync.Mutex
	keys []refs.Key
}

func (r *recordingTracker) TrackUsed(key refs.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
}

type fixture struct {
	store   *refs.Store
	blobs   *blobstore.Store
	index   refs.Index
	tracker *recordingTracker
}

func newFixture(t *testing.T, opts ...refs.StoreOption) *fixture {
	t.Helper()

	index, err := refs.OpenSQLiteIndex(context.Background(), filepath.Join(t.TempDir(), "refs.sqlite"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })

	return newFixtureWithIndex(t, index, opts...)
}

func newFixtureWithIndex(t *testing.T, index refs.Index, opts ...refs.StoreOption) *fixture {
	t.Helper()
	return newFixtureWithBackend(t, index, storage.NewMemoryStorage(), opts...)
}

func newFixtureWithBackend(t *testing.T, index refs.Index, backend storage.Backend, opts ...refs.StoreOption) *fixture {
	t.Helper()

	blobs := blobstore.New(backend)
	tracker := &recordingTracker{}
	opts = append([]refs.StoreOption{refs.WithTracker(tracker)}, opts...)

	return &fixture{
		store:   refs.NewStore(index, blobs, opts...),
		blobs:   blobs,
		index:   index,
		tracker: tracker,
	}
}

func (f *fixture) putBlob(t *testing.T, payload string) hash.ContentHash {
	t.Helper()
	h, err := f.blobs.PutData(context.Background(), ns, []byte(payload))
	require.NoError(t, err)
	return h
}

func (f *fixture) putObject(t *testing.T, obj *object.Object) hash.ContentHash {
	t.Helper()
	h, err := f.store.Objects().Add(context.Background(), ns, obj)
	require.NoError(t, err)
	return h
}

func key(name string) refs.Key {
	return refs.Key{Namespace: ns, Bucket: "bucket", Name: name}
}

func TestSetWithCompleteGraphIsReadable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	leaf := f.putBlob(t, "leaf payload")
	child := object.NewBuilder().String("kind", "child").BinaryAttachment("data", leaf).MustBuild()
	f.putObject(t, child)
	root := object.NewBuilder().
		ObjectAttachment("child", child.Hash()).
		Object("inline", func(b *object.Builder) { b.BinaryAttachment("again", leaf) }).
		MustBuild()

	missing, err := f.store.Set(ctx, key("complete"), root)
	require.NoError(t, err)
	require.Empty(t, missing)

	ref, err := f.store.Get(ctx, key("complete"))
	require.NoError(t, err)
	require.Equal(t, root.Hash(), ref.Root.Hash())
	require.Equal(t, []refs.Key{key("complete")}, f.tracker.keys)

	exists, err := f.store.Exists(ctx, key("complete"))
	require.NoError(t, err)
	require.True(t, exists)

	stored, ok, err := f.store.Objects().Get(ctx, ns, root.Hash())
	require.NoError(t, err)
	require.True(t, ok, "root object is retrievable by hash")
	require.Equal(t, root.Bytes(), stored.Bytes())
}

func TestSetReportsEveryMissingHash(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	presentBlob := f.putBlob(t, "present")
	missingBlob := hash.Of([]byte("not uploaded"))
	deepMissingBlob := hash.Of([]byte("deep and not uploaded"))
	missingObject := hash.Of([]byte("object that was never stored"))

	child := object.NewBuilder().
		BinaryAttachment("present", presentBlob).
		BinaryAttachment("deep", deepMissingBlob).
		MustBuild()
	f.putObject(t, child)

	root := object.NewBuilder().
		ObjectAttachment("child", child.Hash()).
		ObjectAttachment("absent", missingObject).
		BinaryAttachment("blob", missingBlob).
		BinaryAttachment("shared", deepMissingBlob).
		MustBuild()

	missing, err := f.store.Set(ctx, key("partial"), root)
	require.NoError(t, err)

	expected := []hash.ContentHash{missingBlob, deepMissingBlob, missingObject}
	hash.Sort(expected)
	require.Equal(t, expected, missing)

	_, err = f.store.Get(ctx, key("partial"))
	require.ErrorIs(t, err, refs.ErrNotFound)
	require.Empty(t, f.tracker.keys, "failed reads are not tracked")

	exists, err := f.store.Exists(ctx, key("partial"))
	require.NoError(t, err)
	require.False(t, exists)
}

func TestFinalizeAfterUpload(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	h1 := []byte("first missing blob")
	h2 := []byte("second missing blob")
	root := object.NewBuilder().
		BinaryAttachment("one", hash.Of(h1)).
		BinaryAttachment("two", hash.Of(h2)).
		MustBuild()

	missing, err := f.store.Set(ctx, key("retry"), root)
	require.NoError(t, err)
	require.Len(t, missing, 2)

	f.putBlob(t, string(h1))
	missing, err = f.store.Finalize(ctx, key("retry"))
	require.NoError(t, err)
	require.Equal(t, []hash.ContentHash{hash.Of(h2)}, missing)

	f.putBlob(t, string(h2))
	missing, err = f.store.Finalize(ctx, key("retry"))
	require.NoError(t, err)
	require.Empty(t, missing)

	_, err = f.store.Get(ctx, key("retry"))
	require.NoError(t, err)

	// Already finalized.
	missing, err = f.store.Finalize(ctx, key("retry"))
	require.NoError(t, err)
	require.Empty(t, missing)

	_, err = f.store.Finalize(ctx, key("never-set"))
	require.ErrorIs(t, err, refs.ErrNotFound)
}

func TestFinalizeWalksMissingObjectOnceUploaded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	grandchildBlob := []byte("grandchild blob")
	child := object.NewBuilder().BinaryAttachment("data", hash.Of(grandchildBlob)).MustBuild()
	root := object.NewBuilder().ObjectAttachment("child", child.Hash()).MustBuild()

	missing, err := f.store.Set(ctx, key("hier"), root)
	require.NoError(t, err)
	require.Equal(t, []hash.ContentHash{child.Hash()}, missing)

	f.putObject(t, child)
	missing, err = f.store.Finalize(ctx, key("hier"))
	require.NoError(t, err)
	require.Equal(t, []hash.ContentHash{hash.Of(grandchildBlob)}, missing)

	f.putBlob(t, string(grandchildBlob))
	missing, err = f.store.Finalize(ctx, key("hier"))
	require.NoError(t, err)
	require.Empty(t, missing)
}

func TestReplacingRefResetsFinalization(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	complete := object.NewBuilder().String("v", "1").MustBuild()
	_, err := f.store.Set(ctx, key("replace"), complete)
	require.NoError(t, err)
	_, err = f.store.Get(ctx, key("replace"))
	require.NoError(t, err)

	incomplete := object.NewBuilder().BinaryAttachment("b", hash.Of([]byte("absent"))).MustBuild()
	missing, err := f.store.Set(ctx, key("replace"), incomplete)
	require.NoError(t, err)
	require.Len(t, missing, 1)

	_, err = f.store.Get(ctx, key("replace"))
	require.ErrorIs(t, err, refs.ErrNotFound)
}

// racingIndex replaces the ref right before finalization is committed.
type racingIndex struct {
	refs.Index
	once    sync.Once
	replace refs.Record
}

func (r *racingIndex) MarkFinalized(ctx context.Context, key refs.Key, generation uint64, root hash.ContentHash) (bool, error) {
	var err error
	r.once.Do(func() {
		_, err = r.Index.Put(ctx, r.replace)
	})
	if err != nil {
		return false, err
	}
	return r.Index.MarkFinalized(ctx, key, generation, root)
}

// cancelOnRead cancels the caller's context the first time anything is read.
type cancelOnRead struct {
	*storage.MemoryStorage
	once   sync.Once
	cancel context.CancelFunc
}

func (b *cancelOnRead) Read(ctx context.Context, p string) ([]byte, bool, error) {
	b.once.Do(b.cancel)
	return b.MemoryStorage.Read(ctx, p)
}

func TestCancelledFinalizationCanBeRetried(t *testing.T) {
	t.Parallel()

	index, err := refs.OpenSQLiteIndex(context.Background(), filepath.Join(t.TempDir(), "refs.sqlite"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixtureWithBackend(t, index, &cancelOnRead{MemoryStorage: storage.NewMemoryStorage(), cancel: cancel})

	child := object.NewBuilder().BinaryAttachment("data", f.putBlob(t, "leaf")).MustBuild()
	f.putObject(t, child)
	root := object.NewBuilder().ObjectAttachment("child", child.Hash()).MustBuild()

	_, err = f.store.Set(ctx, key("cancelled"), root)
	require.ErrorIs(t, err, context.Canceled)

	_, err = f.store.Get(context.Background(), key("cancelled"))
	require.ErrorIs(t, err, refs.ErrNotFound, "an interrupted finalization leaves the ref unfinalized")

	missing, err := f.store.Finalize(context.Background(), key("cancelled"))
	require.NoError(t, err)
	require.Empty(t, missing)

	ref, err := f.store.Get(context.Background(), key("cancelled"))
	require.NoError(t, err)
	require.Equal(t, root.Hash(), ref.Root.Hash())
}

func TestFinalizeFailsWhenRefChanged(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base, err := refs.OpenSQLiteIndex(ctx, filepath.Join(t.TempDir(), "refs.sqlite"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = base.Close() })

	newer := object.NewBuilder().String("v", "newer").MustBuild()
	index := &racingIndex{Index: base, replace: refs.Record{
		Key:        key("raced"),
		RootHash:   newer.Hash(),
		RootObject: newer.Bytes(),
		LastAccess: time.Now(),
	}}
	f := newFixtureWithIndex(t, index)

	_, err = f.store.Set(ctx, key("raced"), object.NewBuilder().String("v", "older").MustBuild())
	require.ErrorIs(t, err, refs.ErrRefChanged)

	rec, ok, err := base.Get(ctx, key("raced"))
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, rec.Finalized, "stale finalization must not apply to the newer ref")
	require.Equal(t, newer.Hash(), rec.RootHash)
}

func TestGraphLimits(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("depth", func(t *testing.T) {
		f := newFixture(t, refs.WithLimits(refs.Limits{MaxDepth: 2}))

		leaf := object.NewBuilder().String("depth", "3").MustBuild()
		f.putObject(t, leaf)
		mid := object.NewBuilder().ObjectAttachment("next", leaf.Hash()).MustBuild()
		f.putObject(t, mid)
		top := object.NewBuilder().ObjectAttachment("next", mid.Hash()).MustBuild()
		f.putObject(t, top)
		root := object.NewBuilder().ObjectAttachment("next", top.Hash()).MustBuild()

		_, err := f.store.Set(ctx, key("deep"), root)
		require.ErrorIs(t, err, refs.ErrGraphTooLarge)

		_, err = f.store.Get(ctx, key("deep"))
		require.ErrorIs(t, err, refs.ErrNotFound)
	})

	t.Run("objects", func(t *testing.T) {
		f := newFixture(t, refs.WithLimits(refs.Limits{MaxObjects: 3}))

		b := object.NewBuilder()
		for i := 0; i < 5; i++ {
			child := object.NewBuilder().Int("i", int64(i)).MustBuild()
			f.putObject(t, child)
			b.ObjectAttachment(fmt.Sprintf("child-%d", i), child.Hash())
		}

		_, err := f.store.Set(ctx, key("wide"), b.MustBuild())
		require.ErrorIs(t, err, refs.ErrGraphTooLarge)
	})
}

func TestTouchDeleteAndDropBucket(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, refs.WithClock(func() time.Time { return now }))

	root := object.NewBuilder().String("v", "x").MustBuild()
	for _, name := range []string{"a", "b", "c"} {
		_, err := f.store.Set(ctx, key(name), root)
		require.NoError(t, err)
	}

	now = now.Add(time.Hour)
	require.NoError(t, f.store.Touch(ctx, key("a")))
	rec, _, err := f.index.Get(ctx, key("a"))
	require.NoError(t, err)
	require.True(t, now.Equal(rec.LastAccess))

	require.ErrorIs(t, f.store.Touch(ctx, key("missing")), refs.ErrNotFound)

	require.NoError(t, f.store.Delete(ctx, key("a")))
	require.ErrorIs(t, f.store.Delete(ctx, key("a")), refs.ErrNotFound)

	removed, err := f.store.DropBucket(ctx, ns, "bucket")
	require.NoError(t, err)
	require.EqualValues(t, 2, removed)

	_, err = f.store.Get(ctx, key("b"))
	require.ErrorIs(t, err, refs.ErrNotFound)
}

func TestInvalidKeys(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	root := object.NewBuilder().String("v", "x").MustBuild()

	for _, k := range []refs.Key{
		{Namespace: "", Bucket: "b", Name: "n"},
		{Namespace: ns, Bucket: "a/b", Name: "n"},
		{Namespace: ns, Bucket: "b", Name: ".."},
		{Namespace: ns, Bucket: "b", Name: ""},
	} {
		_, err := f.store.Set(ctx, k, root)
		require.Error(t, err, "key %v", k)
	}
}
