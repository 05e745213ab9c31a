package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
)

const (
	TypeFileSystem = "filesystem"
	TypeS3         = "s3"
	TypeRelay      = "relay"
	TypeMemory     = "memory"
)

// RelayConfig points a relay at its upstream. The local cache lives in
// CacheDir, or in memory when CacheDir is empty.
type RelayConfig struct {
	Upstream string `yaml:"upstream"`
	CacheDir string `yaml:"cacheDir"`
}

// Config selects and parameterizes a Backend.
type Config struct {
	Type             string      `yaml:"type"`
	Path             string      `yaml:"path"`
	S3               S3Config    `yaml:"s3"`
	Relay            RelayConfig `yaml:"relay"`
	Compress         bool        `yaml:"compress"`
	CompressionLevel int         `yaml:"compressionLevel"`
	Retry            RetryPolicy `yaml:"retry"`
}

// New builds the backend described by cfg, wrapping it for compression
// when requested.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	retry := cfg.Retry
	if retry.Attempts == 0 {
		retry = DefaultRetryPolicy()
	}

	var backend Backend
	switch cfg.Type {
	case TypeFileSystem, "":
		if cfg.Path == "" {
			return nil, errors.New("filesystem storage requires a path")
		}
		abs, err := filepath.Abs(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("resolve storage path: %w", err)
		}
		backend = NewLocalFileStorage(abs)

	case TypeS3:
		s3, err := NewS3Storage(ctx, cfg.S3, WithRetryPolicy(retry), WithS3Logger(logger))
		if err != nil {
			return nil, err
		}
		backend = s3

	case TypeRelay:
		var cache Backend = NewMemoryStorage()
		if cfg.Relay.CacheDir != "" {
			cache = NewLocalFileStorage(cfg.Relay.CacheDir)
		}
		relay, err := NewRelayStorage(cache, cfg.Relay.Upstream, WithRelayRetryPolicy(retry), WithRelayLogger(logger))
		if err != nil {
			return nil, err
		}
		backend = relay

	case TypeMemory:
		backend = NewMemoryStorage()

	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}

	if cfg.Compress {
		compressed, err := NewCompressedStorage(backend, cfg.CompressionLevel)
		if err != nil {
			return nil, err
		}
		backend = compressed
	}

	logger.Info("Storage backend ready", "type", cfg.Type, "compress", cfg.Compress)
	return backend, nil
}
