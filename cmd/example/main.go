package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"nxcache/internal/core"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

const (
	ArtifactContent      = "Hello from the nx-cache example!\n"
	OtherArtifactContent = `Lorem ipsum dolor sit amet, consetetur sadipscing elitr, sed diam nonumy eirmod tempor invidunt ut labore et dolore magna aliquyam erat.
Stet clita kasd gubergren, no sea takimata sanctus est.
`
	MissingHash = "doesnotexist"
)

var errUnexpectedStatus = errors.New("unexpected status")

// Client talks to an nx-cache server.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func (c *Client) do(ctx context.Context, method string, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(c.BaseURL, "/")+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set(core.RequestIDHeader, uuid.NewString())
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	return c.HTTP.Do(req)
}

func expectStatus(resp *http.Response, want int) error {
	if resp.StatusCode != want {
		return fmt.Errorf("%w: got %d, want %d", errUnexpectedStatus, resp.StatusCode, want)
	}
	return nil
}

// ArtifactHash returns the hex encoded SHA-256 digest used as the cache key.
func ArtifactHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// CheckHealth verifies the server is up.
func CheckHealth(ctx context.Context, client *Client) error {
	resp, err := client.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	return expectStatus(resp, http.StatusOK)
}

// UploadArtifact stores content under hash. A conflict is reported to the
// caller as-is.
func UploadArtifact(ctx context.Context, client *Client, hash string, content []byte, want int) error {
	resp, err := client.do(ctx, http.MethodPut, core.CachePathPrefix+hash, content)
	if err != nil {
		return fmt.Errorf("failed to upload artifact %q: %w", hash, err)
	}
	defer resp.Body.Close()

	if err := expectStatus(resp, want); err != nil {
		return fmt.Errorf("upload artifact %q: %w", hash, err)
	}

	slog.Info("Uploaded artifact", "hash", hash, "size", len(content), "status", resp.StatusCode, "request_id", resp.Header.Get(core.RequestIDHeader))
	return nil
}

// DownloadArtifact fetches hash and checks it matches content.
func DownloadArtifact(ctx context.Context, client *Client, hash string, content []byte) error {
	resp, err := client.do(ctx, http.MethodGet, core.CachePathPrefix+hash, nil)
	if err != nil {
		return fmt.Errorf("failed to download artifact %q: %w", hash, err)
	}
	defer resp.Body.Close()

	if err := expectStatus(resp, http.StatusOK); err != nil {
		return fmt.Errorf("download artifact %q: %w", hash, err)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read artifact %q: %w", hash, err)
	}
	if !bytes.Equal(data, content) {
		return fmt.Errorf("artifact %q: downloaded %d bytes that do not match the upload", hash, len(data))
	}

	slog.Info("Downloaded artifact", "hash", hash, "size", len(data))
	return nil
}

// ExpectMissing checks that hash is reported as not found.
func ExpectMissing(ctx context.Context, client *Client, hash string) error {
	resp, err := client.do(ctx, http.MethodGet, core.CachePathPrefix+hash, nil)
	if err != nil {
		return fmt.Errorf("failed to query artifact %q: %w", hash, err)
	}
	defer resp.Body.Close()

	return expectStatus(resp, http.StatusNotFound)
}

func Run(ctx context.Context, client *Client) error {
	// 1. Make sure the server is reachable.
	if err := CheckHealth(ctx, client); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	// 2. Upload the example artifacts. Re-running the example finds them
	// already cached, which is also fine.
	for _, content := range []string{ArtifactContent, OtherArtifactContent} {
		hash := ArtifactHash([]byte(content))
		err := UploadArtifact(ctx, client, hash, []byte(content), http.StatusAccepted)
		if errors.Is(err, errUnexpectedStatus) {
			err = UploadArtifact(ctx, client, hash, []byte(content), http.StatusConflict)
		}
		if err != nil {
			return err
		}

		// 3. A second upload must never overwrite the record.
		if err := UploadArtifact(ctx, client, hash, []byte("something else"), http.StatusConflict); err != nil {
			return fmt.Errorf("overwrite was not rejected: %w", err)
		}

		// 4. Download it again.
		if err := DownloadArtifact(ctx, client, hash, []byte(content)); err != nil {
			return err
		}
	}

	// 5. Unknown hashes are a cache miss.
	if err := ExpectMissing(ctx, client, MissingHash); err != nil {
		return fmt.Errorf("cache miss check failed: %w", err)
	}

	// 6. Requests without a token are refused.
	anonymous := *client
	anonymous.Token = ""
	resp, err := anonymous.do(ctx, http.MethodGet, core.CachePathPrefix+MissingHash, nil)
	if err != nil {
		return fmt.Errorf("failed to send unauthenticated request: %w", err)
	}
	resp.Body.Close()
	if err := expectStatus(resp, http.StatusUnauthorized); err != nil {
		return fmt.Errorf("unauthenticated request was not rejected: %w", err)
	}

	slog.Info("Example completed")
	return nil
}

func main() {
	client := &Client{
		BaseURL: getenv("NX_CACHE_URL", "http://localhost:3000"),
		Token:   getenv("NX_CACHE_TOKEN", ""),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}

	if client.Token == "" {
		slog.Error("NX_CACHE_TOKEN must be set to one of the server's access tokens")
		os.Exit(1)
	}

	ctx := context.Background()

	if err := Run(ctx, client); err != nil {
		slog.Error("error running example", "err", err)
		os.Exit(1)
	}
}
