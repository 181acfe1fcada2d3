package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	// DefaultGCSTimeout bounds metadata calls and the wait for a download to
	// start.
	DefaultGCSTimeout = 30 * time.Second

	// gcsMaxAttempts caps retries of transient errors. The client retries
	// forever by default.
	gcsMaxAttempts = 3
)

// GCSOptions describes the bucket backing a GCSStorage.
type GCSOptions struct {
	Bucket  string
	Timeout time.Duration
}

var _ Storage = (*GCSStorage)(nil)

// GCSStorage stores artifacts in a Google Cloud Storage bucket. Uploads use a
// DoesNotExist precondition, so the bucket itself enforces write-once.
type GCSStorage struct {
	client  *gcs.Client
	bucket  *gcs.BucketHandle
	timeout time.Duration
}

// NewGCSStorage creates a GCSStorage. Without client options it uses
// application default credentials.
func NewGCSStorage(ctx context.Context, opts GCSOptions, clientOpts ...option.ClientOption) (*GCSStorage, error) {
	if opts.Bucket == "" {
		return nil, errors.New("gcs: bucket must not be empty")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultGCSTimeout
	}

	client, err := gcs.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, err
	}

	return &GCSStorage{
		client:  client,
		bucket:  client.Bucket(opts.Bucket).Retryer(gcs.WithMaxAttempts(gcsMaxAttempts)),
		timeout: opts.Timeout,
	}, nil
}

func (g *GCSStorage) Close() error {
	return g.client.Close()
}

func isGCSPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}

// Ping checks that the bucket is reachable with the configured credentials.
func (g *GCSStorage) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if _, err := g.bucket.Attrs(ctx); err != nil {
		return operationFailed("gcs bucket attrs", err)
	}
	return nil
}

func (g *GCSStorage) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	_, err := g.bucket.Object(key).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return false, nil
	}

	slog.Error("GCS object attrs failed", "key", key, "err", err)
	return false, operationFailed("gcs object attrs", err)
}

// Store streams r into the bucket. The upload runs for as long as the request
// context allows; retries of a single chunk give up after the timeout.
func (g *GCSStorage) Store(ctx context.Context, key string, r io.Reader, size int64) error {
	if exists, err := g.Exists(ctx, key); err != nil {
		return err
	} else if exists {
		return ErrAlreadyExists
	}

	// Cancelling the writer's context before Close discards the upload; a
	// plain Close would finalize whatever was sent so far.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := g.bucket.Object(key).If(gcs.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.ChunkRetryDeadline = g.timeout

	written, err := io.Copy(w, r)
	if err == nil && size >= 0 && written != size {
		err = fmt.Errorf("short upload: got %d of %d bytes", written, size)
	}
	if err != nil {
		cancel()
		_ = w.Close()
		slog.Error("GCS upload failed", "key", key, "err", err)
		return operationFailed("gcs write", err)
	}

	if err := w.Close(); err != nil {
		if isGCSPreconditionFailed(err) {
			return ErrAlreadyExists
		}
		slog.Error("GCS upload failed", "key", key, "err", err)
		return operationFailed("gcs write", err)
	}

	return nil
}

// Retrieve opens a stream over the object. Only the wait for the response is
// bounded by the timeout; the body streams until the caller closes it.
func (g *GCSStorage) Retrieve(ctx context.Context, key string) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(g.timeout, cancel)

	r, err := g.bucket.Object(key).NewReader(ctx)
	if !timer.Stop() && err == nil {
		_ = r.Close()
		err = context.DeadlineExceeded
	}
	if err != nil {
		cancel()
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, ErrNotFound
		}

		slog.Error("GCS read failed", "key", key, "err", err)
		return nil, operationFailed("gcs read", err)
	}

	return sizedReadCloser{
		ReadCloser: &cancelReadCloser{ReadCloser: r, cancel: cancel},
		size:       r.Attrs.Size,
	}, nil
}
