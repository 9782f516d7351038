package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dojoworks/dojo/internal/apperr"
	"github.com/dojoworks/dojo/internal/metrics"
	"github.com/dojoworks/dojo/internal/protocol"
)

type ctxKey int

const requestIDKey ctxKey = iota

// maxBodyBytes is the maximum allowed size for POST/PUT/PATCH request bodies (1 MiB).
const maxBodyBytes int64 = 1 << 20

// requestID tags every request with a correlation id, honoring one the
// client already sent.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// RequestID returns the correlation id stamped on the request, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// logRequests emits one structured line per request and feeds the HTTP
// metrics. WebSocket upgrades skip the recorder wrapper so hijacking
// still works.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		route := routePattern(r)
		metrics.RecordHTTP(route, r.Method, strconv.Itoa(rec.status), elapsed)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", elapsed),
			zap.String("request_id", RequestID(r.Context())))
	})
}

// routePattern labels metrics with the chi pattern rather than the raw
// path so run ids do not explode label cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// maxBodySizeMiddleware limits POST/PUT/PATCH request body size to maxBodyBytes.
//
// Requests with Content-Length explicitly exceeding the limit are rejected
// immediately with HTTP 413. All write requests also have their body wrapped
// with http.MaxBytesReader as a safety net against chunked or unannounced
// oversized payloads.
func maxBodySizeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			if r.ContentLength > maxBodyBytes {
				writeJSON(w, http.StatusRequestEntityTooLarge, protocol.ErrorPayload{
					Error: "request body too large (limit 1MB)",
					Code:  "request_too_large",
				})
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// workerAuth verifies the per-run HMAC token workers present on
// telemetry callbacks. The token is bound to the runId in the path, so
// a leaked token cannot write into another run.
func (s *Server) workerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Signer == nil {
			next.ServeHTTP(w, r)
			return
		}
		runID := chi.URLParam(r, "id")
		token := bearerToken(r)
		if token == "" || !s.deps.Signer.Verify(runID, token) {
			writeError(w, apperr.Unauthorized("invalid worker token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.Header.Get("X-Dojo-Worker-Token")
}
