package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wbh1/tokenpool/internal/admission"
	"github.com/wbh1/tokenpool/internal/observability"
)

const requestIDHeader = "X-Request-Id"

// Middleware is a plain net/http middleware
type Middleware func(http.Handler) http.Handler

// statusWriter captures the status and size of a response
type statusWriter struct {
	http.ResponseWriter
	status int
	count  int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}

	count, err := w.ResponseWriter.Write(p)
	w.count += count
	return count, err
}

// RequestID keeps an incoming X-Request-Id or generates one, and echoes it
// in the response
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(requestIDHeader)
			if id == "" {
				id = uuid.NewString()
				r.Header.Set(requestIDHeader, id)
			}
			w.Header().Set(requestIDHeader, id)
			next.ServeHTTP(w, r)
		})
	}
}

// Logging writes one structured line per request
func Logging() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w}
			start := time.Now()
			next.ServeHTTP(sw, r)

			observability.GetLogger().LogAttrs(r.Context(), slog.LevelInfo, "http",
				slog.String("request_id", r.Header.Get(requestIDHeader)),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", sw.status),
				slog.Duration("dur", time.Since(start)),
				slog.Int("bytes", sw.count),
			)
		})
	}
}

// Recover turns a panic into a 500 without leaking details
func (h *Handlers) Recover() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					observability.GetLogger().LogAttrs(r.Context(), slog.LevelError, "panic",
						slog.String("path", r.URL.Path),
						slog.Any("reason", rec),
					)
					h.writeError(w, r, nil)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Timeout bounds the request context
func Timeout(d time.Duration) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Admit applies the admission rules of class and sets rate limit headers
// from the tightest counter the request was charged to
func (h *Handlers) Admit(class admission.Class) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision, err := h.admission.Allow(class, h.callerKeys(r)...)
			if decision.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
			}
			if err != nil {
				var rl *admission.RateLimitError
				if errors.As(err, &rl) {
					observability.RecordAdmissionDenied(r.Context(), string(rl.Class), string(rl.Scope))
				}
				h.writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin checks the bearer admin key in constant time
func (h *Handlers) RequireAdmin() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const prefix = "Bearer "
			auth := r.Header.Get("Authorization")
			key := ""
			if strings.HasPrefix(auth, prefix) {
				key = strings.TrimSpace(auth[len(prefix):])
			}

			if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(h.adminKey)) != 1 {
				observability.GetLogger().WarnContext(r.Context(), "Rejected admin request",
					slog.String("request_id", r.Header.Get(requestIDHeader)),
					slog.String("caller_id", h.callerID(r)),
					slog.String("path", r.URL.Path))
				h.writeError(w, r, ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// remoteHost is the client address without its port
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// trustedUser returns the caller id set by an authenticating proxy, or ""
// when no trusted header is configured
func (h *Handlers) trustedUser(r *http.Request) string {
	if h.trustedCallerHeader == "" {
		return ""
	}
	return strings.TrimSpace(r.Header.Get(h.trustedCallerHeader))
}

// callerKeys lists the admission keys of r. The remote address is always
// charged; a trusted user id is charged in addition, never instead.
func (h *Handlers) callerKeys(r *http.Request) []string {
	keys := []string{"ip:" + remoteHost(r)}
	if user := h.trustedUser(r); user != "" {
		keys = append(keys, "user:"+user)
	}
	return keys
}

// callerID names the caller in logs and traces
func (h *Handlers) callerID(r *http.Request) string {
	if user := h.trustedUser(r); user != "" {
		return user
	}
	return remoteHost(r)
}
