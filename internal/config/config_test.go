package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"jupiter/internal/acl"
	"jupiter/internal/config"
	"jupiter/internal/storage"

	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	require.NoError(t, cfg.Validate())

	cfg.DataDir = "/var/lib/jupiter"
	cfg.Resolve()
	require.Equal(t, "/var/lib/jupiter/blobs", cfg.Storage.Path)
	require.Equal(t, "/var/lib/jupiter/refs.sqlite", cfg.Metadata.Path)
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "jupiter.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9000"
storage:
  type: s3
  s3:
    endpoint: localhost:9000
    bucket: jupiter
  retry:
    attempts: 5
    initialInterval: 250ms
    maxInterval: 5s
metadata:
  type: pebble
lastAccess:
  flushInterval: 30s
gc:
  retention: 72h
  blobGracePeriod: 2h
  namespaces: [games, tools]
finalize:
  maxDepth: 64
auth:
  users:
    - name: builder
      password: s3cret
  namespaces:
    games:
      builder: [read, write]
`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, ":9000", cfg.Listen)
	require.Equal(t, "./data", cfg.DataDir, "unset keys keep their defaults")
	require.Equal(t, storage.TypeS3, cfg.Storage.Type)
	require.Equal(t, "jupiter", cfg.Storage.S3.Bucket)
	require.Equal(t, 5, cfg.Storage.Retry.Attempts)
	require.Equal(t, 250*time.Millisecond, cfg.Storage.Retry.InitialInterval)
	require.Equal(t, config.MetadataPebble, cfg.Metadata.Type)
	require.Equal(t, 30*time.Second, cfg.LastAccess.FlushInterval)
	require.True(t, cfg.GC.Enabled)
	require.Equal(t, 72*time.Hour, cfg.GC.Retention)
	require.Equal(t, 2*time.Hour, cfg.GC.BlobGracePeriod)
	require.Equal(t, []string{"games", "tools"}, cfg.GC.Namespaces)
	require.Equal(t, 64, cfg.Finalize.MaxDepth)
	require.Equal(t, 100_000, cfg.Finalize.MaxObjects)
	require.Equal(t, []acl.User{{Name: "builder", Password: "s3cret"}}, cfg.Auth.Users)
	require.Equal(t, []acl.Action{acl.ActionRead, acl.ActionWrite}, cfg.Auth.Namespaces["games"]["builder"])

	cfg.Resolve()
	require.Equal(t, filepath.Join("./data", "refs.pebble"), cfg.Metadata.Path)
	require.Empty(t, cfg.Storage.Path, "non-filesystem storage has no derived path")
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	require.Error(t, config.Parse([]byte("listne: \":1\"\n"), &cfg))

	cfg = config.Default()
	require.NoError(t, config.Parse(nil, &cfg), "empty documents keep defaults")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Listen = ""
	cfg.Metadata.Type = "mysql"
	cfg.Storage.Type = "tape"
	cfg.GC.Retention = 0
	cfg.Finalize.MaxDepth = 0

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"listen", "mysql", "tape", "gc.retention", "finalize"} {
		require.ErrorContains(t, err, want)
	}

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
