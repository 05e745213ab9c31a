package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config describes an S3 compatible endpoint.
type S3Config struct {
	Endpoint     string `yaml:"endpoint"`
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	AccessKey    string `yaml:"accessKey"`
	SecretKey    string `yaml:"secretKey"`
	UseSSL       bool   `yaml:"useSSL"`
	CreateBucket bool   `yaml:"createBucket"`
}

// S3Storage is a Backend on top of an S3 compatible object store. Every
// call is a single request; transient failures are retried according to
// the retry policy and surface as ErrBackend once it is exhausted.
type S3Storage struct {
	client *minio.Client
	bucket string
	retry  RetryPolicy
	logger *slog.Logger
}

// S3Option configures an S3Storage.
type S3Option func(*S3Storage)

func WithRetryPolicy(policy RetryPolicy) S3Option {
	return func(s *S3Storage) {
		s.retry = policy
	}
}

func WithS3Logger(logger *slog.Logger) S3Option {
	return func(s *S3Storage) {
		s.logger = logger
	}
}

// NewS3Storage connects to the endpoint in cfg. When cfg.CreateBucket is
// set the bucket is created if it does not exist yet.
func NewS3Storage(ctx context.Context, cfg S3Config, opts ...S3Option) (*S3Storage, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("s3 endpoint must not be empty")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket must not be empty")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	s := NewS3StorageFromClient(client, cfg.Bucket, opts...)

	if cfg.CreateBucket {
		if err := s.ensureBucket(ctx, cfg.Region); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// NewS3StorageFromClient wraps an existing minio client.
func NewS3StorageFromClient(client *minio.Client, bucket string, opts ...S3Option) *S3Storage {
	s := &S3Storage{
		client: client,
		bucket: bucket,
		retry:  DefaultRetryPolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *S3Storage) ensureBucket(ctx context.Context, region string) error {
	return s.retry.retry(ctx, s.logger, "ensure bucket", func() error {
		exists, err := s.client.BucketExists(ctx, s.bucket)
		if err != nil {
			return classifyS3Error(err)
		}
		if exists {
			return nil
		}
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
			code := minio.ToErrorResponse(err).Code
			if code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
				return nil
			}
			return classifyS3Error(err)
		}
		return nil
	})
}

func (s *S3Storage) Read(ctx context.Context, p string) ([]byte, bool, error) {
	key, err := CleanPath(p)
	if err != nil {
		return nil, false, err
	}

	var data []byte
	found := true
	err = s.retry.retry(ctx, s.logger, "get object", func() error {
		obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
		if err != nil {
			if isS3NotFound(err) {
				found = false
				return nil
			}
			return classifyS3Error(err)
		}
		defer obj.Close()

		data, err = io.ReadAll(obj)
		if err != nil {
			if isS3NotFound(err) {
				found = false
				return nil
			}
			return classifyS3Error(err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return data, true, nil
}

func (s *S3Storage) Write(ctx context.Context, p string, data []byte) error {
	key, err := CleanPath(p)
	if err != nil {
		return err
	}

	return s.retry.retry(ctx, s.logger, "put object", func() error {
		_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType: "application/octet-stream",
		})
		return classifyS3Error(err)
	})
}

func (s *S3Storage) Exists(ctx context.Context, p string) (bool, error) {
	key, err := CleanPath(p)
	if err != nil {
		return false, err
	}

	exists := false
	err = s.retry.retry(ctx, s.logger, "stat object", func() error {
		_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
		if err != nil {
			if isS3NotFound(err) {
				exists = false
				return nil
			}
			return classifyS3Error(err)
		}
		exists = true
		return nil
	})
	return exists, err
}

func (s *S3Storage) Delete(ctx context.Context, p string) error {
	key, err := CleanPath(p)
	if err != nil {
		return err
	}

	return s.retry.retry(ctx, s.logger, "remove object", func() error {
		err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
		if err != nil && isS3NotFound(err) {
			return nil
		}
		return classifyS3Error(err)
	})
}

// Touch copies the object onto itself with replaced metadata, which is the
// only way S3 offers to bump LastModified without rewriting the payload
// from the client.
func (s *S3Storage) Touch(ctx context.Context, p string) (bool, error) {
	key, err := CleanPath(p)
	if err != nil {
		return false, err
	}

	touched := false
	err = s.retry.retry(ctx, s.logger, "touch object", func() error {
		_, err := s.client.CopyObject(ctx,
			minio.CopyDestOptions{
				Bucket:          s.bucket,
				Object:          key,
				ReplaceMetadata: true,
				UserMetadata: map[string]string{
					"Touched": time.Now().UTC().Format(time.RFC3339Nano),
				},
			},
			minio.CopySrcOptions{Bucket: s.bucket, Object: key},
		)
		if err != nil {
			if isS3NotFound(err) {
				touched = false
				return nil
			}
			return classifyS3Error(err)
		}
		touched = true
		return nil
	})
	return touched, err
}

func (s *S3Storage) List(ctx context.Context, prefix string, fn func(Entry) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if info.Err != nil {
			return fmt.Errorf("%w: list objects: %w", ErrBackend, info.Err)
		}
		if strings.HasSuffix(info.Key, "/") {
			continue
		}
		if err := fn(Entry{Path: info.Key, Size: info.Size, ModTime: info.LastModified}); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func isS3NotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

// classifyS3Error marks client errors as permanent so only server side and
// transport failures are retried.
func classifyS3Error(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return err
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return permanent(err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return permanent(err)
	}
	return err
}
