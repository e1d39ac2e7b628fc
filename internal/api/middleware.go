package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

const maxRequestIDLen = 64

// RequestID assigns an X-Request-ID to requests that arrive without a usable
// one and echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
			r.Header.Set("X-Request-ID", id)
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// Logger attaches log to each request and writes one access line per
// response. Health checks and scrapes are logged at debug.
func Logger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		h := hlog.NewHandler(log)
		reqID := hlog.CustomHeaderHandler("request_id", "X-Request-ID")
		accessLog := hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
			l := hlog.FromRequest(r)
			ev := l.Info()
			if isQuietPath(r.URL.Path) {
				ev = l.Debug()
			}
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				ev = ev.Str("route", rctx.RoutePattern())
			}
			if id := chi.URLParam(r, "id"); id != "" {
				ev = ev.Str("session_id", id)
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration_ms", dur).
				Msg("request")
		})
		return h(reqID(accessLog(next)))
	}
}

func isQuietPath(path string) bool {
	return path == "/health" || path == "/metrics" || path == "/api/v1/health"
}

// Recoverer turns a handler panic into a 500 with the standard error body.
// http.ErrAbortHandler is re-raised so the server can drop the connection.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rv := recover()
			if rv == nil {
				return
			}
			if rv == http.ErrAbortHandler {
				panic(rv)
			}
			hlog.FromRequest(r).Error().
				Interface("panic", rv).
				Str("path", r.URL.Path).
				Msg("recovered from panic")
			WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}

// CORSWithOrigins allows every origin when origins is empty; otherwise only
// the listed origins get CORS headers and their preflights succeed.
func CORSWithOrigins(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			allowed[o] = true
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case len(allowed) == 0:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			default:
				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Last-Event-ID")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BearerAuth requires token on every request when token is set. Browsers
// cannot set headers on EventSource or WebSocket requests, so ?token= is
// accepted as well.
func BearerAuth(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if subtle.ConstantTimeCompare([]byte(bearerToken(r)), want) != 1 {
				WriteErrorWithCode(w, http.StatusUnauthorized, ErrUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, value, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(value)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
