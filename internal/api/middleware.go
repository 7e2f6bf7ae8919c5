package api

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/lvonguyen/alertforge/internal/observability"
)

// requestLogger logs one line per request and records request metrics.
func requestLogger(logger *zap.Logger, metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			elapsed := time.Since(start)
			metrics.ObserveRequest(r.Method, route, status, elapsed)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", elapsed),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			if status >= http.StatusInternalServerError {
				logger.Warn("Request failed", fields...)
				return
			}
			logger.Debug("Request handled", fields...)
		})
	}
}

// decompress transparently inflates gzip request bodies. The size limit is
// applied to the inflated stream so a small compressed body cannot expand
// past it.
func decompress(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding"))) {
			case "", "identity":
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			case "gzip":
				zr, err := gzip.NewReader(r.Body)
				if err != nil {
					writeError(w, http.StatusBadRequest, "invalid_body", "malformed gzip body")
					return
				}
				defer zr.Close()
				r.Body = http.MaxBytesReader(w, readCloser{Reader: zr, Closer: r.Body}, maxBytes)
				r.Header.Del("Content-Encoding")
				r.ContentLength = -1
			default:
				writeError(w, http.StatusUnsupportedMediaType, "unsupported_encoding",
					"unsupported Content-Encoding "+r.Header.Get("Content-Encoding"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type readCloser struct {
	io.Reader
	io.Closer
}
