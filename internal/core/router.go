package core

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const CachePathPrefix = "/v1/cache/"

// Handler returns an http.Handler implementing the remote cache API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	if s.Config.ExposeMetrics {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	// Artifact operations. The {$} routes catch an empty hash so it is
	// rejected as a bad request rather than falling through to a 404.
	mux.Handle("PUT "+CachePathPrefix+"{hash}", s.RequireAuthentication(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.handleStoreArtifact(w, r, r.PathValue("hash"))
	})))
	mux.Handle("PUT "+CachePathPrefix+"{$}", s.RequireAuthentication(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.handleStoreArtifact(w, r, "")
	})))
	mux.Handle("GET "+CachePathPrefix+"{hash}", s.RequireAuthentication(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.handleRetrieveArtifact(w, r, r.PathValue("hash"))
	})))
	mux.Handle("GET "+CachePathPrefix+"{$}", s.RequireAuthentication(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.handleRetrieveArtifact(w, r, "")
	})))

	// Recoverer sits inside the logging and metrics middleware so a
	// recovered panic is still recorded as a 500.
	handler := Recoverer(mux)
	handler = s.metrics.Middleware(handler)
	handler = s.LogRequest(handler)
	handler = s.RequestID(handler)
	handler = otelhttp.NewHandler(handler, "nx-cache",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return "nx-cache " + MetricMethod(r.Method)
		}),
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/health"
		}),
	)
	return handler
}
