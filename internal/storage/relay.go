package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// RelayStorage serves reads from a local cache backend and falls back to an
// upstream HTTP server on a miss, populating the cache with whatever the
// upstream returns. Payloads are content addressed and never change, so the
// cache is never invalidated.
//
// The upstream speaks plain HTTP on <base>/<path>: GET returns the payload
// or 404, HEAD reports existence, PUT stores and DELETE removes.
type RelayStorage struct {
	cache    Backend
	upstream *url.URL
	client   *http.Client
	retry    RetryPolicy
	logger   *slog.Logger

	// fetchTimeout bounds an upstream fetch shared by collapsed readers.
	fetchTimeout time.Duration
	fetchGroup   singleflight.Group
}

// RelayOption configures a RelayStorage.
type RelayOption func(*RelayStorage)

func WithRelayHTTPClient(client *http.Client) RelayOption {
	return func(r *RelayStorage) {
		r.client = client
	}
}

func WithRelayRetryPolicy(policy RetryPolicy) RelayOption {
	return func(r *RelayStorage) {
		r.retry = policy
	}
}

func WithRelayFetchTimeout(d time.Duration) RelayOption {
	return func(r *RelayStorage) {
		if d > 0 {
			r.fetchTimeout = d
		}
	}
}

func WithRelayLogger(logger *slog.Logger) RelayOption {
	return func(r *RelayStorage) {
		r.logger = logger
	}
}

// NewRelayStorage creates a relay in front of upstream using cache for
// local copies.
func NewRelayStorage(cache Backend, upstream string, opts ...RelayOption) (*RelayStorage, error) {
	base, err := url.Parse(strings.TrimSuffix(upstream, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported upstream scheme %q", base.Scheme)
	}

	r := &RelayStorage{
		cache:    cache,
		upstream: base,
		client:   http.DefaultClient,
		retry:    DefaultRetryPolicy(),
		logger:   slog.Default(),

		fetchTimeout: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *RelayStorage) upstreamURL(p string) string {
	u := *r.upstream
	u.Path = u.Path + "/" + p
	return u.String()
}

type fetchResult struct {
	data  []byte
	found bool
}

func (r *RelayStorage) Read(ctx context.Context, p string) ([]byte, bool, error) {
	key, err := CleanPath(p)
	if err != nil {
		return nil, false, err
	}

	data, ok, err := r.cache.Read(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if ok {
		return data, true, nil
	}

	// The fetch outlives any single caller: readers collapsed onto it must
	// not fail because the first one went away.
	ch := r.fetchGroup.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.fetchTimeout)
		defer cancel()

		data, found, err := r.fetch(fetchCtx, key)
		if err != nil || !found {
			return fetchResult{found: found}, err
		}
		if err := r.cache.Write(fetchCtx, key, data); err != nil {
			// The payload is still good; the next read will try again.
			r.logger.Warn("Failed to populate relay cache", "path", key, "err", err)
		}
		return fetchResult{data: data, found: true}, nil
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		fetched := res.Val.(fetchResult)
		return fetched.data, fetched.found, nil
	}
}

func (r *RelayStorage) fetch(ctx context.Context, key string) ([]byte, bool, error) {
	var data []byte
	found := true
	err := r.retry.retry(ctx, r.logger, "relay get", func() error {
		resp, err := r.do(ctx, http.MethodGet, key, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			found = false
			return nil
		}
		if err := statusError(resp); err != nil {
			return err
		}

		data, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return data, found, nil
}

func (r *RelayStorage) Write(ctx context.Context, p string, data []byte) error {
	key, err := CleanPath(p)
	if err != nil {
		return err
	}

	err = r.retry.retry(ctx, r.logger, "relay put", func() error {
		resp, err := r.do(ctx, http.MethodPut, key, data)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return statusError(resp)
	})
	if err != nil {
		return err
	}
	return r.cache.Write(ctx, key, data)
}

func (r *RelayStorage) Exists(ctx context.Context, p string) (bool, error) {
	key, err := CleanPath(p)
	if err != nil {
		return false, err
	}

	ok, err := r.cache.Exists(ctx, key)
	if err != nil || ok {
		return ok, err
	}

	exists := false
	err = r.retry.retry(ctx, r.logger, "relay head", func() error {
		resp, err := r.do(ctx, http.MethodHead, key, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			exists = false
			return nil
		}
		if err := statusError(resp); err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

func (r *RelayStorage) Delete(ctx context.Context, p string) error {
	key, err := CleanPath(p)
	if err != nil {
		return err
	}

	err = r.retry.retry(ctx, r.logger, "relay delete", func() error {
		resp, err := r.do(ctx, http.MethodDelete, key, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil
		}
		return statusError(resp)
	})
	if err != nil {
		return err
	}
	return r.cache.Delete(ctx, key)
}

// Touch only refreshes the local copy; the upstream owns its own retention.
func (r *RelayStorage) Touch(ctx context.Context, p string) (bool, error) {
	return r.cache.Touch(ctx, p)
}

// List enumerates the local cache only.
func (r *RelayStorage) List(ctx context.Context, prefix string, fn func(Entry) error) error {
	return r.cache.List(ctx, prefix, fn)
}

func (r *RelayStorage) do(ctx context.Context, method string, key string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.upstreamURL(key), reader)
	if err != nil {
		return nil, permanent(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, permanent(err)
		}
		return nil, err
	}
	return resp, nil
}

// statusError converts an unexpected upstream status into an error. Server
// side failures are retried, client errors are not.
func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err := fmt.Errorf("upstream responded %s", resp.Status)
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return err
	}
	return permanent(err)
}
