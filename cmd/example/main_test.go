package main

import (
	"net/http"
	"net/http/httptest"
	"nxcache/internal/auth"
	"nxcache/internal/core"
	"nxcache/internal/storage"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunAgainstServer(t *testing.T) {
	t.Parallel()

	tokens, err := auth.ParseTokens("example:example-token")
	require.NoError(t, err)

	srv, err := core.NewServer(core.NewConfig(
		core.WithStorageEngine(storage.NewMemoryStorage()),
		core.WithTokens(tokens),
	))
	require.NoError(t, err)

	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)

	client := &Client{BaseURL: httpSrv.URL, Token: "example-token", HTTP: http.DefaultClient}

	require.NoError(t, Run(t.Context(), client), "first run")
	require.NoError(t, Run(t.Context(), client), "re-running finds the artifacts already cached")
}

func TestRunRejectedWithWrongToken(t *testing.T) {
	t.Parallel()

	tokens, err := auth.ParseTokens("example-token")
	require.NoError(t, err)

	srv, err := core.NewServer(core.NewConfig(
		core.WithStorageEngine(storage.NewMemoryStorage()),
		core.WithTokens(tokens),
	))
	require.NoError(t, err)

	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)

	client := &Client{BaseURL: httpSrv.URL, Token: "wrong", HTTP: http.DefaultClient}
	require.ErrorIs(t, Run(t.Context(), client), errUnexpectedStatus)
}

func TestArtifactHash(t *testing.T) {
	t.Parallel()

	hash := ArtifactHash([]byte("test"))
	require.Equal(t, "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08", hash)
	require.NoError(t, core.ValidateHash(hash))
}
