package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"nxcache/internal/auth"
	"nxcache/internal/storage"
	"strconv"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "OK")
}

func tokenName(ctx context.Context) string {
	if user, ok := auth.UserFromContext(ctx); ok {
		return user.Name
	}
	return ""
}

// handleStoreArtifact stores the request body under hash. Records are write
// once: an existing hash is never overwritten.
func (s *Server) handleStoreArtifact(w http.ResponseWriter, r *http.Request, hash string) {
	ctx := r.Context()
	defer r.Body.Close()

	if err := ValidateHash(hash); err != nil {
		slog.Debug("Rejected hash", "request_id", RequestIDFromContext(ctx), "error", err)
		writeError(w, http.StatusBadRequest, "Invalid hash")
		return
	}

	logger := slog.With("request_id", RequestIDFromContext(ctx), "hash", hash, "token", tokenName(ctx))

	exists, err := s.engine.Exists(ctx, hash)
	if err != nil {
		logger.Error("Check artifact existence", "error", err)
		writeInternalError(w)
		return
	}

	if exists {
		logger.Debug("Refusing to overwrite artifact")
		writeError(w, http.StatusConflict, "Cannot override an existing record")
		return
	}

	if err := s.engine.Store(ctx, hash, r.Body, r.ContentLength); err != nil {
		// Every store failure is reported as a conflict. A concurrent writer
		// winning the race is the expected case; anything else is logged.
		if errors.Is(err, storage.ErrAlreadyExists) {
			logger.Info("Artifact stored concurrently by another writer")
		} else {
			logger.Error("Store artifact", "error", err)
		}
		writeError(w, http.StatusConflict, "Cannot override an existing record")
		return
	}

	logger.Debug("Stored artifact", "content_length", r.ContentLength)
	w.WriteHeader(http.StatusAccepted)
}

// handleRetrieveArtifact streams the stored bytes for hash.
func (s *Server) handleRetrieveArtifact(w http.ResponseWriter, r *http.Request, hash string) {
	ctx := r.Context()

	if err := ValidateHash(hash); err != nil {
		slog.Debug("Rejected hash", "request_id", RequestIDFromContext(ctx), "error", err)
		writeError(w, http.StatusBadRequest, "Invalid hash")
		return
	}

	logger := slog.With("request_id", RequestIDFromContext(ctx), "hash", hash, "token", tokenName(ctx))

	rc, err := s.engine.Retrieve(ctx, hash)
	if errors.Is(err, storage.ErrNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Error("Retrieve artifact", "error", err)
		writeInternalError(w)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if sized, ok := rc.(storage.Sized); ok && sized.Size() >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(sized.Size(), 10))
	}
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}

	// The status line is already on the wire, so a failure here can only
	// abort the connection. A clean end of a chunked response would look
	// like a complete artifact.
	n, err := io.Copy(w, rc)
	if err != nil {
		logger.Warn("Stream artifact", "bytes_written", n, "error", err)
		panic(http.ErrAbortHandler)
	}
	logger.Debug("Retrieved artifact", "bytes_written", n)
}
