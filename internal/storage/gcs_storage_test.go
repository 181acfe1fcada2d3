package storage_test

import (
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"nxcache/internal/storage"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

// fakeGCS serves the parts of the Cloud Storage JSON and XML APIs the
// storage client uses for a single bucket: metadata lookups, multipart
// uploads and downloads.
type fakeGCS struct {
	bucket string

	mu      sync.Mutex
	objects map[string][]byte
	// hidden objects are reported missing by metadata lookups, as if another
	// upload finished right after the existence check.
	hidden   map[string]bool
	uploads  int
	failWith int
}

func newFakeGCS() *fakeGCS {
	return &fakeGCS{
		bucket:  "nx-cache",
		objects: map[string][]byte{},
		hidden:  map[string]bool{},
	}
}

func writeGCSError(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": http.StatusText(code)},
	})
}

func (f *fakeGCS) objectJSON(name string, content []byte) map[string]any {
	return map[string]any{
		"kind":           "storage#object",
		"bucket":         f.bucket,
		"name":           name,
		"size":           strconv.Itoa(len(content)),
		"generation":     "1",
		"metageneration": "1",
	}
}

func (f *fakeGCS) lookup(name string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	content, ok := f.objects[name]
	if !ok || f.hidden[name] {
		return nil, false
	}
	return content, true
}

func (f *fakeGCS) object(name string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	content, ok := f.objects[name]
	return content, ok
}

func (f *fakeGCS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.failWith != 0 {
		writeGCSError(w, f.failWith)
		return
	}

	bucketPath := "/storage/v1/b/" + f.bucket
	switch {
	case r.Method == http.MethodGet && r.URL.Path == bucketPath:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"kind": "storage#bucket", "name": f.bucket})
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, bucketPath+"/o/"):
		name := strings.TrimPrefix(r.URL.Path, bucketPath+"/o/")
		if r.URL.Query().Get("alt") == "media" {
			f.serveMedia(w, name)
			return
		}
		f.serveAttrs(w, name)
	case r.Method == http.MethodPost && r.URL.Path == "/upload"+bucketPath+"/o":
		f.serveUpload(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/"+f.bucket+"/"):
		f.serveMedia(w, strings.TrimPrefix(r.URL.Path, "/"+f.bucket+"/"))
	default:
		writeGCSError(w, http.StatusNotFound)
	}
}

func (f *fakeGCS) serveAttrs(w http.ResponseWriter, name string) {
	content, ok := f.lookup(name)
	if !ok {
		writeGCSError(w, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(f.objectJSON(name, content))
}

func (f *fakeGCS) serveMedia(w http.ResponseWriter, name string) {
	content, ok := f.lookup(name)
	if !ok {
		writeGCSError(w, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.Header().Set("X-Goog-Generation", "1")
	w.Header().Set("X-Goog-Metageneration", "1")
	_, _ = w.Write(content)
}

func (f *fakeGCS) serveUpload(w http.ResponseWriter, r *http.Request) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || r.URL.Query().Get("uploadType") != "multipart" || mediaType != "multipart/related" {
		writeGCSError(w, http.StatusBadRequest)
		return
	}

	parts := multipart.NewReader(r.Body, params["boundary"])
	metaPart, err := parts.NextPart()
	if err != nil {
		writeGCSError(w, http.StatusBadRequest)
		return
	}
	var meta struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(metaPart).Decode(&meta); err != nil {
		writeGCSError(w, http.StatusBadRequest)
		return
	}
	mediaPart, err := parts.NextPart()
	if err != nil {
		writeGCSError(w, http.StatusBadRequest)
		return
	}
	content, err := io.ReadAll(mediaPart)
	if err != nil {
		writeGCSError(w, http.StatusBadRequest)
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		name = meta.Name
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.uploads++
	if _, exists := f.objects[name]; exists && r.URL.Query().Get("ifGenerationMatch") == "0" {
		writeGCSError(w, http.StatusPreconditionFailed)
		return
	}
	f.objects[name] = content

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(f.objectJSON(name, content))
}

func (f *fakeGCS) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads
}

func newFakeGCSStorage(t *testing.T, fake *fakeGCS, timeout time.Duration) *storage.GCSStorage {
	t.Helper()

	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	engine, err := storage.NewGCSStorage(t.Context(),
		storage.GCSOptions{Bucket: fake.bucket, Timeout: timeout},
		option.WithEndpoint(srv.URL+"/storage/v1/"),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err, "NewGCSStorage error")
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func TestGCSStorageExists(t *testing.T) {
	t.Parallel()

	fake := newFakeGCS()
	fake.objects["abc123"] = []byte("data")
	engine := newFakeGCSStorage(t, fake, storage.DefaultGCSTimeout)

	exists, err := engine.Exists(t.Context(), "abc123")
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = engine.Exists(t.Context(), "doesnotexist")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, engine.Ping(t.Context()))
}

func TestGCSStorageBackendErrors(t *testing.T) {
	t.Parallel()

	fake := newFakeGCS()
	fake.failWith = http.StatusForbidden
	engine := newFakeGCSStorage(t, fake, storage.DefaultGCSTimeout)

	_, err := engine.Exists(t.Context(), "abc123")
	require.ErrorIs(t, err, storage.ErrOperationFailed)

	require.ErrorIs(t, engine.Ping(t.Context()), storage.ErrOperationFailed)
}

func TestGCSStorageUnavailableBackendTimesOut(t *testing.T) {
	t.Parallel()

	fake := newFakeGCS()
	fake.failWith = http.StatusServiceUnavailable
	engine := newFakeGCSStorage(t, fake, 200*time.Millisecond)

	// t.Context has no deadline, so only the backend's own limits end these
	// calls.
	start := time.Now()
	_, err := engine.Exists(t.Context(), "abc123")
	require.ErrorIs(t, err, storage.ErrOperationFailed)

	_, err = engine.Retrieve(t.Context(), "abc123")
	require.ErrorIs(t, err, storage.ErrOperationFailed)

	err = engine.Store(t.Context(), "abc123", strings.NewReader("data"), 4)
	require.ErrorIs(t, err, storage.ErrOperationFailed)

	require.ErrorIs(t, engine.Ping(t.Context()), storage.ErrOperationFailed)

	require.Less(t, time.Since(start), 10*time.Second, "calls should give up on an unavailable backend")
}

func TestGCSStorageRetrieveReportsSize(t *testing.T) {
	t.Parallel()

	fake := newFakeGCS()
	fake.objects["deadbeef"] = []byte("hello world")
	engine := newFakeGCSStorage(t, fake, storage.DefaultGCSTimeout)

	rc, err := engine.Retrieve(t.Context(), "deadbeef")
	require.NoError(t, err)

	sized, ok := rc.(storage.Sized)
	require.True(t, ok, "GCS readers should report their size")
	require.Equal(t, int64(11), sized.Size())
	require.Equal(t, []byte("hello world"), readAll(t, rc))

	_, err = engine.Retrieve(t.Context(), "doesnotexist")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGCSStorageUploadUsesPrecondition(t *testing.T) {
	t.Parallel()

	fake := newFakeGCS()
	fake.objects["deadbeef"] = []byte("first")
	fake.hidden["deadbeef"] = true
	engine := newFakeGCSStorage(t, fake, storage.DefaultGCSTimeout)

	err := engine.Store(t.Context(), "deadbeef", strings.NewReader("second"), 6)
	require.ErrorIs(t, err, storage.ErrAlreadyExists)
	require.Equal(t, 1, fake.uploadCount(), "upload should reach the bucket")

	content, ok := fake.object("deadbeef")
	require.True(t, ok)
	require.Equal(t, []byte("first"), content, "original object must survive")
}

func TestGCSStorageShortUploadIsDiscarded(t *testing.T) {
	t.Parallel()

	fake := newFakeGCS()
	engine := newFakeGCSStorage(t, fake, storage.DefaultGCSTimeout)

	err := engine.Store(t.Context(), "badc0de", strings.NewReader("abc"), 10)
	require.ErrorIs(t, err, storage.ErrOperationFailed)

	_, ok := fake.object("badc0de")
	require.False(t, ok, "short upload must not be finalized")
	require.Zero(t, fake.uploadCount())
}

func TestNewGCSStorageRequiresBucket(t *testing.T) {
	t.Parallel()

	_, err := storage.NewGCSStorage(t.Context(), storage.GCSOptions{})
	require.Error(t, err)
}
