package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/shisetsu-ai/bunki/internal/ctxutil"
	"github.com/shisetsu-ai/bunki/internal/model"
)

// KeyFunc extracts the rate limit key from a request. An empty key
// skips limiting for that request.
type KeyFunc func(r *http.Request) string

// Middleware enforces the limiter on every request with a non-empty
// key. Limiter errors fail open: a request is never dropped because the
// limiter broke.
func Middleware(limiter Limiter, keyFunc KeyFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Error("ratelimit: allow failed, failing open", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				writeRateLimited(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimited(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", "1")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{
			Code:    model.ErrCodeRateLimited,
			Message: "too many requests",
		},
		Meta: model.ResponseMeta{
			RequestID: ctxutil.RequestID(r.Context()),
			Timestamp: time.Now().UTC(),
		},
	})
}

// IPKey returns a KeyFunc identifying clients by IP. X-Forwarded-For is
// honored only when trustProxy is set: any client can forge the header,
// so without a sanitizing proxy in front it would let callers mint
// fresh buckets at will.
func IPKey(trustProxy bool) KeyFunc {
	return func(r *http.Request) string {
		if trustProxy {
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				// The first address is the originating client.
				if i := strings.IndexByte(xff, ','); i >= 0 {
					return strings.TrimSpace(xff[:i])
				}
				return strings.TrimSpace(xff)
			}
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
		return host
	}
}
