package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// ObjectPath computes the full filesystem path for the object identified by
// key under directory. The first two characters of the key select a shard
// subdirectory.
func ObjectPath(directory string, key string) (string, error) {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return "", fmt.Errorf("invalid key %q", key)
	}

	shard := key
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return filepath.Join(directory, shard, key), nil
}

// LinkFile publishes srcPath at destPath. It fails with fs.ErrExist when
// destPath is already present, so a successful call is an atomic
// create-if-absent.
func LinkFile(srcPath string, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}

	err := os.Link(srcPath, destPath)
	if err == nil || errors.Is(err, fs.ErrExist) {
		return err
	}

	// Some filesystems (and some container overlays) refuse hard links. Fall
	// back to a check followed by a rename, which is still atomic with
	// respect to readers but may race with a concurrent writer.
	if _, statErr := os.Stat(destPath); statErr == nil {
		return fs.ErrExist
	}
	return MoveFile(srcPath, destPath)
}

// MoveFile renames srcPath to destPath, copying across filesystems when a
// rename is not possible.
func MoveFile(srcPath string, destPath string) error {
	err := os.Rename(srcPath, destPath)
	if err == nil {
		return nil
	}

	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return err
	}

	// Copy next to the destination first so the final rename stays atomic.
	tmpPath := destPath + ".partial"
	if err := CopyFile(srcPath, tmpPath); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	if rmErr := os.Remove(srcPath); rmErr != nil && !os.IsNotExist(rmErr) {
		return rmErr
	}
	return nil
}

func CopyFile(srcPath string, destPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	destFile, err := os.Create(destPath)
	if err != nil {
		return err
	}

	if _, err := destFile.ReadFrom(srcFile); err != nil {
		_ = destFile.Close()
		return err
	}
	return destFile.Close()
}

// contextReader stops a copy as soon as ctx is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
