package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"jupiter/internal/acl"
	"jupiter/internal/gc"
	"jupiter/internal/refs"
	"jupiter/internal/storage"

	"gopkg.in/yaml.v3"
)

const (
	MetadataSQLite = "sqlite"
	MetadataPebble = "pebble"
)

type MetadataConfig struct {
	Type string `yaml:"type"`
	// Path defaults to a file or directory under the data dir.
	Path string `yaml:"path"`
}

type LastAccessConfig struct {
	FlushInterval   time.Duration `yaml:"flushInterval"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type GCConfig struct {
	Enabled   bool `yaml:"enabled"`
	gc.Config `yaml:",inline"`
}

type FinalizeConfig struct {
	refs.Limits `yaml:",inline"`
	Concurrency int `yaml:"concurrency"`
}

type AuthConfig struct {
	Users []acl.User `yaml:"users"`
	// Namespaces holds the access rules. No rules means everyone may do
	// everything.
	Namespaces acl.Rules `yaml:"namespaces"`
}

// Config is the service configuration.
type Config struct {
	Listen     string           `yaml:"listen"`
	DataDir    string           `yaml:"dataDir"`
	LogLevel   string           `yaml:"logLevel"`
	Storage    storage.Config   `yaml:"storage"`
	Metadata   MetadataConfig   `yaml:"metadata"`
	LastAccess LastAccessConfig `yaml:"lastAccess"`
	GC         GCConfig         `yaml:"gc"`
	Finalize   FinalizeConfig   `yaml:"finalize"`
	Auth       AuthConfig       `yaml:"auth"`
}

func Default() Config {
	return Config{
		Listen:   ":8080",
		DataDir:  "./data",
		LogLevel: "info",
		Storage: storage.Config{
			Type:  storage.TypeFileSystem,
			Retry: storage.DefaultRetryPolicy(),
		},
		Metadata: MetadataConfig{Type: MetadataSQLite},
		LastAccess: LastAccessConfig{
			FlushInterval:   10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		GC: GCConfig{
			Enabled: true,
			Config:  gc.DefaultConfig(),
		},
		Finalize: FinalizeConfig{
			Limits:      refs.DefaultLimits(),
			Concurrency: 16,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path yields the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := Parse(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, rejecting unknown keys.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Resolve fills in paths derived from the data dir.
func (c *Config) Resolve() {
	if c.Storage.Type == storage.TypeFileSystem && c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "blobs")
	}
	if c.Metadata.Path == "" {
		switch c.Metadata.Type {
		case MetadataPebble:
			c.Metadata.Path = filepath.Join(c.DataDir, "refs.pebble")
		default:
			c.Metadata.Path = filepath.Join(c.DataDir, "refs.sqlite")
		}
	}
}

func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen must not be empty"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("dataDir must not be empty"))
	}
	switch c.Metadata.Type {
	case MetadataSQLite, MetadataPebble:
	default:
		errs = append(errs, fmt.Errorf("unknown metadata type %q", c.Metadata.Type))
	}
	switch c.Storage.Type {
	case storage.TypeFileSystem, storage.TypeS3, storage.TypeRelay, storage.TypeMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown storage type %q", c.Storage.Type))
	}
	if c.LastAccess.FlushInterval <= 0 {
		errs = append(errs, errors.New("lastAccess.flushInterval must be positive"))
	}
	if c.GC.Enabled && c.GC.Retention <= 0 {
		errs = append(errs, errors.New("gc.retention must be positive"))
	}
	if c.GC.BlobGracePeriod < 0 {
		errs = append(errs, errors.New("gc.blobGracePeriod must not be negative"))
	}
	if c.Finalize.MaxObjects <= 0 || c.Finalize.MaxDepth <= 0 {
		errs = append(errs, errors.New("finalize limits must be positive"))
	}

	return errors.Join(errs...)
}
