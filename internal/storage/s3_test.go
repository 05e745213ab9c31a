package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"jupiter/internal/storage"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	minioUser     = "minioadmin"
	minioPassword = "minioadmin"
)

// startMinio runs a MinIO container for the duration of the test. The
// test is skipped unless JUPITER_S3_INTEGRATION=1 because it needs Docker.
func startMinio(t *testing.T) string {
	t.Helper()

	if os.Getenv("JUPITER_S3_INTEGRATION") != "1" {
		t.Skip("set JUPITER_S3_INTEGRATION=1 to run S3 integration tests")
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		Cmd:          []string{"server", "/data"},
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     minioUser,
			"MINIO_ROOT_PASSWORD": minioPassword,
		},
		WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp").WithStartupTimeout(time.Minute),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "start minio container")
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	host, err := container.Host(ctx)
	require.NoError(t, err, "resolve minio host")
	port, err := container.MappedPort(ctx, "9000/tcp")
	require.NoError(t, err, "resolve minio port")

	return fmt.Sprintf("%s:%s", host, port.Port())
}

func TestS3StorageConformance(t *testing.T) {
	endpoint := startMinio(t)

	backend, err := storage.NewS3Storage(context.Background(), storage.S3Config{
		Endpoint:     endpoint,
		Bucket:       "jupiter-test",
		AccessKey:    minioUser,
		SecretKey:    minioPassword,
		CreateBucket: true,
	})
	require.NoError(t, err, "NewS3Storage")

	testBackend(t, backend)
}

func TestNewS3StorageValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := storage.NewS3Storage(context.Background(), storage.S3Config{Bucket: "b"})
	require.Error(t, err, "missing endpoint")

	_, err = storage.NewS3Storage(context.Background(), storage.S3Config{Endpoint: "localhost:9000"})
	require.Error(t, err, "missing bucket")
}
