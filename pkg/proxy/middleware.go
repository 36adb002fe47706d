package proxy

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"ccproxy-hq/ccproxy/pkg/hooks"
)

// RequestID assigns every request a fresh id, creates the RequestContext,
// and echoes the id back to the client. Client-supplied X-Request-Id is
// ignored: it is on the scrub list and must not influence correlation.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := &RequestContext{
			RequestID: uuid.NewString(),
			Endpoint:  r.URL.Path,
		}
		w.Header().Set("X-Request-Id", rc.RequestID)
		next.ServeHTTP(w, r.WithContext(WithRequestContext(r.Context(), rc)))
	})
}

// Recovery turns handler panics into a 500 envelope instead of a dropped
// connection.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				rc := FromRequest(r)
				requestID := ""
				if rc != nil {
					requestID = rc.RequestID
				}
				slog.ErrorContext(r.Context(), "handler panicked",
					"request_id", requestID,
					"path", r.URL.Path,
					"panic", rec,
				)
				WriteError(w, apiError{
					Status:  http.StatusInternalServerError,
					Type:    "server_error",
					Message: "internal server error",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for logging and hooks.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Flush forwards to the underlying writer so SSE streaming keeps working
// through the middleware stack.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Logging emits one structured line per request and request_start/end hook
// events.
func Logging(bus *hooks.Bus) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := FromRequest(r)
			start := time.Now()

			if bus != nil {
				bus.Emit(r.Context(), hooks.Event{
					Type:      hooks.EventRequestStart,
					RequestID: requestID(rc),
					Endpoint:  r.URL.Path,
					Time:      start,
				})
			}

			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			latency := time.Since(start)
			slog.InfoContext(r.Context(), "request",
				"request_id", requestID(rc),
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", latency.Milliseconds(),
			)

			if bus != nil {
				ev := hooks.Event{
					Type:      hooks.EventRequestEnd,
					RequestID: requestID(rc),
					Endpoint:  r.URL.Path,
					Status:    rec.status,
					Latency:   latency,
				}
				if rc != nil {
					ev.Model = rc.Model
					ev.Provider = rc.ServiceType
				}
				bus.Emit(r.Context(), ev)
			}
		})
	}
}

func requestID(rc *RequestContext) string {
	if rc == nil {
		return ""
	}
	return rc.RequestID
}
