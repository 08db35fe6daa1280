package server

import (
	"compress/gzip"
	"context"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const maxRequestSize = 10 * 1024 * 1024 // 10MB

// requestIDKey is the context key for request ID.
type requestIDKey struct{}

// RequestID returns the request ID from context, or empty string if not set.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// chain wraps h in middlewares so that the first listed executes first
// on the request path: chain(h, A, B) runs A -> B -> h.
func chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// requestIDMiddleware assigns a UUID to each request and stores it in
// context for log correlation.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// recoveryMiddleware converts panics into a 503 JSON error so a single
// bad request cannot take the server down.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("[%s] panic recovered: %v", RequestID(r.Context()), err)
				writeError(w, http.StatusServiceUnavailable, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// sizeLimitMiddleware rejects oversized payloads. Declared-length
// requests are refused outright; chunked bodies are capped by
// MaxBytesReader and fail in the handler's read instead.
func sizeLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > maxRequestSize {
			rejectedRequests.Inc()
			log.Printf("[%s] request body too large: %d bytes", RequestID(r.Context()), r.ContentLength)
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestSize)
		next.ServeHTTP(w, r)
	})
}

// gzipMiddleware transparently decompresses gzip-encoded request bodies
// so devices on constrained uplinks can compress their payloads. Any
// other Content-Encoding is refused.
func gzipMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		encoding := r.Header.Get("Content-Encoding")
		if encoding == "" {
			next.ServeHTTP(w, r)
			return
		}

		if !strings.EqualFold(encoding, "gzip") {
			rejectedRequests.Inc()
			log.Printf("[%s] unsupported Content-Encoding: %s", RequestID(r.Context()), encoding)
			writeError(w, http.StatusUnsupportedMediaType, "unsupported content encoding: "+encoding)
			return
		}

		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			rejectedRequests.Inc()
			log.Printf("[%s] gzip decompression failed: %v", RequestID(r.Context()), err)
			writeError(w, http.StatusBadRequest, "invalid gzip body")
			return
		}
		defer gz.Close()

		r.Body = io.NopCloser(gz)
		r.Header.Del("Content-Encoding")
		next.ServeHTTP(w, r)
	})
}
