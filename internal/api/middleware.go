package api

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/iotflow/iotflow-core/internal/auth"
	"github.com/iotflow/iotflow-core/internal/liveness"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const (
	// ctxKeyRequestID is the context key for the request ID.
	ctxKeyRequestID contextKey = "request_id"

	// ctxKeyIdentity is the context key for the authenticated device identity.
	ctxKeyIdentity contextKey = "identity"
)

// headerAPIKey carries device credentials on every authenticated
// device request.
const headerAPIKey = "X-API-Key"

// securityHeadersMiddleware stamps baseline security headers on every
// response. The API serves JSON only, so the content security policy
// can deny everything.
func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'")
		next.ServeHTTP(w, r)
	})
}

// requestIDMiddleware generates a unique request ID for each request.
// If the client sends an X-Request-ID header, it is used; otherwise one
// is generated. The ID rides the context into logs and error envelopes.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" || len(requestID) > maxRequestIDLength {
			requestID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs each HTTP request with method, path, status, and duration.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.log.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", r.Context().Value(ctxKeyRequestID),
		)
	})
}

// recoveryMiddleware catches panics in handlers and returns a 500 response.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.log.Error("panic recovered in HTTP handler",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", r.Context().Value(ctxKeyRequestID),
				)
				writeInternal(w, r, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware handles Cross-Origin Resource Sharing headers.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.isAllowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", joinOrDefault(s.cfg.CORS.AllowedMethods, "GET, POST, PUT, PATCH, DELETE, OPTIONS"))
			w.Header().Set("Access-Control-Allow-Headers", joinOrDefault(s.cfg.CORS.AllowedHeaders, "Authorization, Content-Type, X-API-Key, X-Request-ID"))
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		// Handle preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// maxRequestBodySize is the maximum allowed request body size (1 MB).
const maxRequestBodySize = 1 << 20

// bodySizeLimitMiddleware limits the size of incoming request bodies to prevent
// denial-of-service attacks via oversized payloads.
func (s *Server) bodySizeLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// defaultRequestTimeout bounds a handler when the per-request deadline
// is unset in config.
const defaultRequestTimeout = 10 * time.Second

// timeoutMiddleware attaches the per-request deadline to the context.
// Handlers pass the context into every store call, so a stalled backend
// aborts the request instead of pinning a connection. The telemetry
// stream route is mounted outside this middleware; a deadline on a
// long-lived socket would just sever it.
func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	d := time.Duration(s.cfg.Timeouts.Request) * time.Second
	if d <= 0 {
		d = defaultRequestTimeout
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimitMiddleware enforces the window budget for the given scope
// before any credential is inspected. An attacker probing keys burns
// their budget on the limiter, not on auth lookups.
func (s *Server) rateLimitMiddleware(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision := s.limits.Allow(r.Context(), scope, s.limitSubject(r))
			if !decision.Allowed {
				writeRateLimited(w, r, decision)
				return
			}
			setRateLimitHeaders(w, decision)
			next.ServeHTTP(w, r)
		})
	}
}

// limitSubject derives the rate-limit bucket key for a request. Keyed
// requests bucket by credential prefix so a device keeps its budget
// across addresses; anonymous requests bucket by client IP.
func (s *Server) limitSubject(r *http.Request) string {
	if key := r.Header.Get(headerAPIKey); key != "" {
		return liveness.LimitSubject(key)
	}
	return "ip:" + clientIP(r)
}

// deviceAuthMiddleware authenticates the X-API-Key header and checks it
// against the scope the route requires. The resolved identity rides the
// context into the handler.
func (s *Server) deviceAuthMiddleware(scope auth.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(headerAPIKey)
			if key == "" {
				writeAuthRequired(w, r, "missing X-API-Key header")
				return
			}
			ident, err := s.authn.AuthenticateFor(r.Context(), key, scope)
			if err != nil {
				if errors.Is(err, auth.ErrForbidden) {
					writeAuthFailed(w, r, "API key lacks the required scope")
				} else {
					writeAuthFailed(w, r, "invalid API key")
				}
				return
			}
			ctx := context.WithValue(r.Context(), ctxKeyIdentity, ident)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// adminAuthMiddleware authenticates the admin surface. Two schemes are
// accepted: "admin <secret>" presents the configured secret directly,
// "Bearer <token>" presents a JWT minted from it.
func (s *Server) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme, credential := splitAuthorization(r.Header.Get("Authorization"))
		switch scheme {
		case "":
			writeAuthRequired(w, r, "missing Authorization header")
			return
		case "admin":
			if !auth.VerifyAdminSecret(credential, s.security.AdminSecret) {
				writeAuthFailed(w, r, "invalid admin secret")
				return
			}
		case "bearer":
			if _, err := auth.ParseAdminToken(credential, s.security.AdminSecret); err != nil {
				writeAuthFailed(w, r, "invalid admin token")
				return
			}
		default:
			writeAuthFailed(w, r, "unsupported authorization scheme")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// identityFrom extracts the authenticated device identity placed on the
// context by deviceAuthMiddleware.
func identityFrom(ctx context.Context) (*auth.Identity, bool) {
	ident, ok := ctx.Value(ctxKeyIdentity).(*auth.Identity)
	return ident, ok && ident != nil
}

// splitAuthorization splits an Authorization header into a lowercased
// scheme and its credential.
func splitAuthorization(header string) (scheme, credential string) {
	scheme, credential, _ = strings.Cut(header, " ")
	return strings.ToLower(scheme), credential
}

// clientIP extracts the host portion of the remote address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isAllowedOrigin checks if the origin is in the allowed list.
// An empty list allows all origins (dev mode).
func (s *Server) isAllowedOrigin(origin string) bool {
	if len(s.cfg.CORS.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.CORS.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack passes connection hijacking through the wrapper. WebSocket
// upgrades need it; without the passthrough the upgrader sees only the
// wrapper and refuses.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

// requestIDBytes is the number of random bytes used for request IDs.
const requestIDBytes = 8

// maxRequestIDLength caps client-supplied request IDs so a hostile
// header cannot bloat every log line.
const maxRequestIDLength = 64

// generateRequestID creates a random hex request ID.
func generateRequestID() string {
	b := make([]byte, requestIDBytes)
	//nolint:errcheck // crypto/rand.Read always returns len(b) on supported platforms
	rand.Read(b)
	return hex.EncodeToString(b)
}

// joinOrDefault joins a string slice with ", " or returns the default if empty.
func joinOrDefault(values []string, defaultVal string) string {
	if len(values) == 0 {
		return defaultVal
	}
	result := values[0]
	for _, v := range values[1:] {
		result += ", " + v
	}
	return result
}
