package storage_test

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"nxcache/internal/storage"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const fakeBucket = "nx-cache"

type s3Error struct {
	XMLName  xml.Name `xml:"Error"`
	Code     string   `xml:"Code"`
	Message  string   `xml:"Message"`
	Resource string   `xml:"Resource"`
}

// fakeS3 implements just enough of the S3 object API (path-style HEAD, GET
// and single-part PUT on one bucket) for minio-go to talk to it.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	modified time.Time

	// failWith, when non-zero, makes every object request fail with this
	// status code.
	failWith atomic.Int32
	puts     atomic.Int32
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects:  make(map[string][]byte),
		modified: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func writeFakeS3Error(w http.ResponseWriter, r *http.Request, code string, status int) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	_ = xml.NewEncoder(w).Encode(s3Error{Code: code, Message: code, Resource: r.URL.Path})
}

func etagOf(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(path, "/")
	if bucket != fakeBucket {
		writeFakeS3Error(w, r, "NoSuchBucket", http.StatusNotFound)
		return
	}

	if key == "" {
		// HEAD /bucket (BucketExists).
		w.WriteHeader(http.StatusOK)
		return
	}

	if status := int(f.failWith.Load()); status != 0 {
		writeFakeS3Error(w, r, "InternalError", status)
		return
	}

	switch r.Method {
	case http.MethodHead, http.MethodGet:
		f.mu.Lock()
		data, ok := f.objects[key]
		f.mu.Unlock()

		if !ok {
			writeFakeS3Error(w, r, "NoSuchKey", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("ETag", etagOf(data))
		w.Header().Set("Last-Modified", f.modified.Format(http.TimeFormat))
		w.Header().Set("Accept-Ranges", "bytes")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(data)
		}

	case http.MethodPut:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			writeFakeS3Error(w, r, "IncompleteBody", http.StatusBadRequest)
			return
		}
		if r.ContentLength >= 0 && int64(len(data)) != r.ContentLength {
			writeFakeS3Error(w, r, "IncompleteBody", http.StatusBadRequest)
			return
		}

		f.mu.Lock()
		defer f.mu.Unlock()

		if _, exists := f.objects[key]; exists && r.Header.Get("If-None-Match") == "*" {
			writeFakeS3Error(w, r, "PreconditionFailed", http.StatusPreconditionFailed)
			return
		}

		f.objects[key] = data
		f.puts.Add(1)
		w.Header().Set("ETag", etagOf(data))
		w.WriteHeader(http.StatusOK)

	default:
		writeFakeS3Error(w, r, "NotImplemented", http.StatusNotImplemented)
	}
}

func (f *fakeS3) put(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
}

func newFakeS3StorageWithOptions(t *testing.T, fake *fakeS3, opts storage.S3Options) *storage.S3Storage {
	t.Helper()

	httpSrv := httptest.NewServer(fake)
	t.Cleanup(httpSrv.Close)

	opts.Endpoint = httpSrv.URL
	opts.Bucket = fakeBucket
	opts.Region = "us-east-1"
	opts.Anonymous = true
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}

	engine, err := storage.NewS3Storage(opts)
	require.NoError(t, err, "NewS3Storage error")
	return engine
}

func newFakeS3Storage(t *testing.T, fake *fakeS3) *storage.S3Storage {
	return newFakeS3StorageWithOptions(t, fake, storage.S3Options{})
}

func TestNewS3StorageValidatesOptions(t *testing.T) {
	t.Parallel()

	_, err := storage.NewS3Storage(storage.S3Options{})
	require.Error(t, err, "bucket is required")

	_, err = storage.NewS3Storage(storage.S3Options{Bucket: "b", Endpoint: "localhost:9000"})
	require.Error(t, err, "endpoint without scheme should be rejected")

	_, err = storage.NewS3Storage(storage.S3Options{Bucket: "b", Endpoint: "http://localhost:9000", Anonymous: true})
	require.NoError(t, err)
}

func TestS3StoragePing(t *testing.T) {
	t.Parallel()

	engine := newFakeS3Storage(t, newFakeS3())
	require.NoError(t, engine.Ping(t.Context()))
}

func TestS3StorageBackendFaultIsOperationFailed(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	fake.put("deadbeef", []byte("hello"))
	fake.failWith.Store(http.StatusForbidden)

	engine := newFakeS3Storage(t, fake)
	ctx := t.Context()

	_, err := engine.Exists(ctx, "deadbeef")
	require.ErrorIs(t, err, storage.ErrOperationFailed)

	_, err = engine.Retrieve(ctx, "deadbeef")
	require.ErrorIs(t, err, storage.ErrOperationFailed)

	err = engine.Store(ctx, "cafe", strings.NewReader("x"), 1)
	require.ErrorIs(t, err, storage.ErrOperationFailed)
}

func TestS3StorageConditionalPutDoesNotOverwrite(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	engine := newFakeS3StorageWithOptions(t, fake, storage.S3Options{ConditionalPut: true})
	ctx := t.Context()

	require.NoError(t, engine.Store(ctx, "deadbeef", strings.NewReader("hello"), 5))

	err := engine.Store(ctx, "deadbeef", strings.NewReader("hello"), 5)
	require.ErrorIs(t, err, storage.ErrAlreadyExists)
	require.EqualValues(t, 1, fake.puts.Load(), "second upload must not reach the bucket")
}

func TestS3StorageRetrieveStreamsFromBucket(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	payload := []byte(strings.Repeat("0123456789abcdef", 4096))
	fake.put("abc123", payload)

	engine := newFakeS3Storage(t, fake)

	rc, err := engine.Retrieve(t.Context(), "abc123")
	require.NoError(t, err)

	sized, ok := rc.(storage.Sized)
	require.True(t, ok, "S3 reader should report its size")
	require.Equal(t, int64(len(payload)), sized.Size())
	require.Equal(t, payload, readAll(t, rc))
}
