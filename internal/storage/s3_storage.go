package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	// DefaultS3Endpoint is used when no custom endpoint is configured.
	DefaultS3Endpoint = "https://s3.amazonaws.com"

	// DefaultS3Timeout bounds metadata calls and the wait for response
	// headers on every S3 request.
	DefaultS3Timeout = 30 * time.Second

	// s3PartSize caps the buffer minio-go allocates when streaming an upload
	// of unknown length. It also limits such uploads to 10000 parts.
	s3PartSize = 16 << 20
)

// S3Options describes how to reach the bucket backing an S3Storage.
type S3Options struct {
	Bucket   string
	Region   string
	Endpoint string

	// AccessKeyID and SecretAccessKey must be set together. When both are
	// empty, credentials are discovered from the environment, the shared
	// credentials file, or the instance metadata service.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// Anonymous sends unsigned requests, for public buckets and local
	// emulators that do not check signatures.
	Anonymous bool

	Timeout time.Duration

	// ConditionalPut sends If-None-Match: * on uploads so the object store
	// itself refuses to overwrite an existing key.
	ConditionalPut bool
}

var _ Storage = (*S3Storage)(nil)

// S3Storage stores artifacts as objects in an S3-compatible bucket, keyed
// directly by the cache key.
type S3Storage struct {
	client         *minio.Client
	bucket         string
	timeout        time.Duration
	conditionalPut bool
}

func s3Credentials(opts S3Options) *credentials.Credentials {
	if opts.Anonymous {
		return credentials.NewStatic("", "", "", credentials.SignatureAnonymous)
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		return credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken)
	}

	return credentials.NewChainCredentials([]credentials.Provider{
		&credentials.EnvAWS{},
		&credentials.FileAWSCredentials{},
		&credentials.IAM{Client: &http.Client{Transport: http.DefaultTransport}},
	})
}

// NewS3Storage creates an S3Storage from opts. No request is made until the
// first operation.
func NewS3Storage(opts S3Options) (*S3Storage, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3: bucket must not be empty")
	}
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultS3Endpoint
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultS3Timeout
	}

	u, err := url.Parse(opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("s3: parse endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("s3: endpoint %q must start with http:// or https://", opts.Endpoint)
	}
	secure := u.Scheme == "https"

	transport, err := minio.DefaultTransport(secure)
	if err != nil {
		return nil, fmt.Errorf("s3: create transport: %w", err)
	}
	transport.ResponseHeaderTimeout = opts.Timeout

	client, err := minio.New(u.Host, &minio.Options{
		Creds:     s3Credentials(opts),
		Secure:    secure,
		Region:    opts.Region,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}

	return &S3Storage{
		client:         client,
		bucket:         opts.Bucket,
		timeout:        opts.Timeout,
		conditionalPut: opts.ConditionalPut,
	}, nil
}

func isS3NotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return true
	}
	return false
}

func isS3PreconditionFailed(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "PreconditionFailed" || resp.Code == "ConditionalRequestConflict" ||
		resp.StatusCode == http.StatusPreconditionFailed
}

// Ping checks that the bucket is reachable with the configured credentials.
func (s *S3Storage) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return operationFailed("s3 bucket exists", err)
	}
	if !ok {
		return fmt.Errorf("s3: bucket %q does not exist: %w", s.bucket, ErrOperationFailed)
	}
	return nil
}

func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isS3NotFound(err) {
		return false, nil
	}

	slog.Error("S3 stat object failed", "bucket", s.bucket, "key", key, "err", err)
	return false, operationFailed("s3 stat object", err)
}

// Store streams r to the bucket. The upload is bounded by the request
// context rather than the metadata timeout, so large artifacts are not cut
// off; stalled servers are still caught by the response header timeout.
// Uploads of unknown length are buffered one part (16 MiB) at a time.
func (s *S3Storage) Store(ctx context.Context, key string, r io.Reader, size int64) error {
	if exists, err := s.Exists(ctx, key); err != nil {
		return err
	} else if exists {
		return ErrAlreadyExists
	}

	opts := minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	}
	if size < 0 {
		opts.PartSize = s3PartSize
	}
	if s.conditionalPut {
		opts.SetMatchETagExcept("*")
	}

	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, opts)
	if err != nil {
		if isS3PreconditionFailed(err) {
			return ErrAlreadyExists
		}
		slog.Error("S3 put object failed", "bucket", s.bucket, "key", key, "err", err)
		return operationFailed("s3 put object", err)
	}

	return nil
}

// Retrieve returns a stream over the object body. The object is stat-ed
// before returning so that a missing key is reported as ErrNotFound instead
// of surfacing on the first read.
func (s *S3Storage) Retrieve(ctx context.Context, key string) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(ctx)

	// Only the wait for the object metadata is bounded by the timeout; the
	// body itself streams for as long as the caller keeps reading.
	timer := time.AfterFunc(s.timeout, cancel)

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		timer.Stop()
		cancel()
		slog.Error("S3 get object failed", "bucket", s.bucket, "key", key, "err", err)
		return nil, operationFailed("s3 get object", err)
	}

	info, err := obj.Stat()
	if !timer.Stop() && err == nil {
		err = context.DeadlineExceeded
	}
	if err != nil {
		_ = obj.Close()
		cancel()
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		slog.Error("S3 get object failed", "bucket", s.bucket, "key", key, "err", err)
		return nil, operationFailed("s3 get object", err)
	}

	return sizedReadCloser{
		ReadCloser: &cancelReadCloser{ReadCloser: obj, cancel: cancel},
		size:       info.Size,
	}, nil
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}
