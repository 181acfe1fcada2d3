package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

var _ Storage = (*LocalFileStorage)(nil)

// LocalFileStorage is a Storage implementation that keeps artifacts on the
// local filesystem under a content-addressed layout rooted at dataDir. Each
// artifact lives at <dataDir>/<first two key characters>/<key>.
//
// Uploads are streamed into a temporary file under <dataDir>/tmp and then
// hard-linked into place, so a partially written artifact is never visible
// and an existing artifact is never replaced.
type LocalFileStorage struct {
	dataDir string
}

// NewLocalFileStorage creates a new LocalFileStorage rooted at dataDir.
func NewLocalFileStorage(dataDir string) *LocalFileStorage {
	return &LocalFileStorage{dataDir: dataDir}
}

func (s *LocalFileStorage) tempDir() string {
	return filepath.Join(s.dataDir, "tmp")
}

func (s *LocalFileStorage) Exists(ctx context.Context, key string) (bool, error) {
	objPath, err := ObjectPath(s.dataDir, key)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(objPath)
	switch {
	case err == nil:
		return info.Mode().IsRegular(), nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		slog.Error("Stat cached object", "key", key, "err", err)
		return false, operationFailed("stat", err)
	}
}

func (s *LocalFileStorage) Store(ctx context.Context, key string, r io.Reader, size int64) error {
	objPath, err := ObjectPath(s.dataDir, key)
	if err != nil {
		return err
	}

	if exists, err := s.Exists(ctx, key); err != nil {
		return err
	} else if exists {
		return ErrAlreadyExists
	}

	if err := os.MkdirAll(s.tempDir(), 0o755); err != nil {
		slog.Error("Create temp dir for upload", "path", s.tempDir(), "err", err)
		return operationFailed("mkdir", err)
	}

	tempFile, err := os.CreateTemp(s.tempDir(), "upload-*")
	if err != nil {
		slog.Error("Create temp file for upload", "path", s.tempDir(), "err", err)
		return operationFailed("create temp", err)
	}
	defer func() {
		// Once linked into place the object keeps its own name, so removing
		// the temp name is always safe.
		if err := os.Remove(tempFile.Name()); err != nil && !os.IsNotExist(err) {
			slog.Debug("Failed to remove temp upload file", "path", tempFile.Name(), "err", err)
		}
	}()

	written, err := io.Copy(tempFile, contextReader{ctx: ctx, r: r})
	if closeErr := tempFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		slog.Error("Write upload to temp file", "key", key, "err", err)
		return operationFailed("write", err)
	}

	if size >= 0 && written != size {
		return operationFailed("write", fmt.Errorf("short upload: got %d of %d bytes", written, size))
	}

	if err := LinkFile(tempFile.Name(), objPath); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrAlreadyExists
		}
		slog.Error("Publish cached object", "key", key, "path", objPath, "err", err)
		return operationFailed("link", err)
	}

	return nil
}

func (s *LocalFileStorage) Retrieve(ctx context.Context, key string) (io.ReadCloser, error) {
	objPath, err := ObjectPath(s.dataDir, key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(objPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("Open cached object", "key", key, "err", err)
		return nil, operationFailed("open", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		slog.Error("Stat cached object", "key", key, "err", err)
		return nil, operationFailed("stat", err)
	}

	return sizedReadCloser{ReadCloser: f, size: info.Size()}, nil
}
