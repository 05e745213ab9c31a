package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"jupiter/internal/storage"

	"github.com/stretchr/testify/require"
)

func TestLocalFileStorageConformance(t *testing.T) {
	t.Parallel()

	testBackend(t, storage.NewLocalFileStorage(t.TempDir()))
}

func TestLocalFileStoragePutAndGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dataDir := t.TempDir()
	engine := storage.NewLocalFileStorage(dataDir)

	payload := []byte("hello local storage")

	// Write should succeed and create the expected path on disk.
	require.NoError(t, engine.Write(ctx, "ns/blobs/ab/cd/abcdef", payload), "Write error")

	objPath := filepath.Join(dataDir, "ns", "blobs", "ab", "cd", "abcdef")
	info, err := os.Stat(objPath)
	require.NoError(t, err, "expected object file to exist")
	require.False(t, info.IsDir(), "object path should be a file")

	got, ok, err := engine.Read(ctx, "ns/blobs/ab/cd/abcdef")
	require.NoError(t, err, "Read error")
	require.True(t, ok, "payload should be found")
	require.Equal(t, payload, got, "payload mismatch")

	// No temporary files should be left next to the payload.
	entries, err := os.ReadDir(filepath.Dir(objPath))
	require.NoError(t, err)
	require.Len(t, entries, 1, "only the payload should remain in the directory")
}

func TestLocalFileStorageInvalidPath(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine := storage.NewLocalFileStorage(t.TempDir())

	for _, p := range []string{"", "/etc/passwd", "../escape", "a/../../b"} {
		err := engine.Write(ctx, p, []byte("data"))
		require.ErrorIsf(t, err, storage.ErrInvalidPath, "Write %q", p)

		_, _, err = engine.Read(ctx, p)
		require.ErrorIsf(t, err, storage.ErrInvalidPath, "Read %q", p)
	}
}

func TestLocalFileStorageTouchUpdatesModTime(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dataDir := t.TempDir()
	engine := storage.NewLocalFileStorage(dataDir)

	require.NoError(t, engine.Write(ctx, "ns/old", []byte("x")))

	past := time.Now().Add(-48 * time.Hour)
	objPath := filepath.Join(dataDir, "ns", "old")
	require.NoError(t, os.Chtimes(objPath, past, past))

	ok, err := engine.Touch(ctx, "ns/old")
	require.NoError(t, err)
	require.True(t, ok)

	info, err := os.Stat(objPath)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now(), info.ModTime(), time.Minute, "Touch should refresh mtime")
}

func TestLocalFileStorageListSkipsTempFiles(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dataDir := t.TempDir()
	engine := storage.NewLocalFileStorage(dataDir)

	require.NoError(t, engine.Write(ctx, "ns/blobs/aa/one", []byte("1")))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "ns", "blobs", "aa", ".tmp-123"), []byte("partial"), 0o644))

	var paths []string
	require.NoError(t, engine.List(ctx, "ns/blobs/", func(e storage.Entry) error {
		paths = append(paths, e.Path)
		return nil
	}))
	require.Equal(t, []string{"ns/blobs/aa/one"}, paths)
}

func TestLocalFileStorageListMissingPrefix(t *testing.T) {
	t.Parallel()

	engine := storage.NewLocalFileStorage(t.TempDir())

	called := false
	err := engine.List(context.Background(), "nothing/here/", func(storage.Entry) error {
		called = true
		return nil
	})
	require.NoError(t, err, "listing a missing prefix is not an error")
	require.False(t, called)
}
