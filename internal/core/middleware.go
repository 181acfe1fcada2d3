package core

import (
	"context"
	"log/slog"
	"net/http"
	"nxcache/internal/auth"
	"time"

	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-ID"

// ResponseWriterWrapper is a wrapper around the default http.ResponseWriter.
// It intercepts the WriteHeader call and saves the response status code and
// counts the bytes written to the body.
type ResponseWriterWrapper struct {
	http.ResponseWriter
	WrittenResponseCode int
	BytesWritten        int64
}

// WriteHeader intercepts the status code and stores it, then calls the original WriteHeader.
func (w *ResponseWriterWrapper) WriteHeader(statusCode int) {
	if w.WrittenResponseCode == 0 {
		w.WrittenResponseCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

// Write calls the underlying ResponseWriter's Write method.
func (w *ResponseWriterWrapper) Write(b []byte) (int, error) {
	if w.WrittenResponseCode == 0 {
		w.WrittenResponseCode = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.BytesWritten += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *ResponseWriterWrapper) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// StatusCode reports the status sent to the client, treating a handler that
// wrote nothing as an implicit 200.
func (w *ResponseWriterWrapper) StatusCode() int {
	if w.WrittenResponseCode == 0 {
		return http.StatusOK
	}
	return w.WrittenResponseCode
}

func wrapResponseWriter(w http.ResponseWriter) *ResponseWriterWrapper {
	if ww, ok := w.(*ResponseWriterWrapper); ok {
		return ww
	}
	return &ResponseWriterWrapper{ResponseWriter: w}
}

type LogEntry struct {
	IP            string
	RequestID     string
	Method        string
	URL           string
	Proto         string
	ContentLength int64
	DurationMS    float64
	StatusCode    int
	BytesWritten  int64
}

func (e LogEntry) User() slog.Attr {
	return slog.Group("user", "ip", e.IP)
}

func (e LogEntry) Request() slog.Attr {
	return slog.Group("request",
		"id", e.RequestID,
		"proto", e.Proto,
		"method", e.Method,
		"url", e.URL,
		"content_length", e.ContentLength,
		"duration_ms", e.DurationMS,
		"status_code", e.StatusCode,
		"bytes_written", e.BytesWritten,
	)
}

// LogRequest is middleware that logs incoming HTTP requests.
func (s *Server) LogRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		entry := LogEntry{
			IP:            r.RemoteAddr,
			RequestID:     RequestIDFromContext(r.Context()),
			Method:        r.Method,
			URL:           r.URL.String(),
			Proto:         r.Proto,
			ContentLength: r.ContentLength,
		}

		writer := wrapResponseWriter(w)

		start := time.Now()
		next.ServeHTTP(writer, r)
		elapsed := time.Since(start).Nanoseconds()

		entry.DurationMS = float64(elapsed) / float64(time.Millisecond)
		entry.StatusCode = writer.StatusCode()
		entry.BytesWritten = writer.BytesWritten

		switch {
		case entry.StatusCode >= 500:
			slog.Error("Request", entry.User(), entry.Request())
		case entry.StatusCode >= 400:
			slog.Warn("Request", entry.User(), entry.Request())
		default:
			slog.Info("Request", entry.User(), entry.Request())
		}

		if s.Config.Debug {
			var headerAttrs []any
			for key, values := range r.Header {
				for _, value := range values {
					if key == "Authorization" || key == "Cookie" {
						value = "[REDACTED]"
					}
					headerAttrs = append(headerAttrs, slog.String(key, value))
				}
			}

			slog.Debug("Request Headers", slog.Group("headers", headerAttrs...))
		}
	})
}

type requestIDKey struct{}

// RequestIDFromContext returns the request ID assigned by the RequestID
// middleware, or "" when there is none.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestID is middleware that tags every request with an identifier. An ID
// supplied by the client is kept, otherwise a random one is generated. The ID
// is echoed in the response headers.
func (s *Server) RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAuthentication is middleware that rejects requests without a valid
// bearer token. The authenticated user is stored in the request context.
func (s *Server) RequireAuthentication(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		ctx := r.Context()

		user, err := s.authEngine.AuthenticateRequest(ctx, r)
		if err != nil {
			slog.Error("Authenticate request", "request_id", RequestIDFromContext(ctx), "error", err)
			writeInternalError(w)
			return
		}

		if user == nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="nx-cache"`)
			writeError(w, http.StatusUnauthorized, "Missing or invalid access token")
			return
		}

		slog.Debug("Authenticated request", "request_id", RequestIDFromContext(ctx), "token", user.Name)
		next.ServeHTTP(w, r.WithContext(auth.ContextWithUser(ctx, user)))
	})
}

func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					// we don't recover http.ErrAbortHandler so the response
					// to the client is aborted, this should not be logged
					panic(rvr)
				}

				slog.Error("Internal Error in HTTP handler", "method", r.Method, "url", r.URL.String(), "error", rvr)

				w.WriteHeader(http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}
