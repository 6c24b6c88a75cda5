package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/omiderfanmanesh/Ogent/internal/auth"
)

// contextKey is an unexported type for context keys defined in this package.
type contextKey int

const (
	// contextKeyUser stores the authenticated *auth.Claims after token
	// validation.
	contextKeyUser contextKey = iota
)

// Authenticate validates the Bearer token in the Authorization header. On
// success the parsed claims land in the request context for handlers to read
// via claimsFromCtx; on failure the chain stops with a 401.
//
// Token format: "Authorization: Bearer <token>"
func Authenticate(tokens *auth.TokenManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				ErrUnauthorized(w)
				return
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				ErrUnauthorized(w)
				return
			}

			claims, err := tokens.Verify(parts[1])
			if err != nil {
				ErrUnauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyUser, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole allows the request through only when the authenticated
// principal has the given role. Must run after Authenticate.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := claimsFromCtx(r.Context())
			if claims == nil {
				ErrUnauthorized(w)
				return
			}
			if claims.Role != role {
				ErrForbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger logs each request with method, path, status, and size.
// middleware.RequestID is expected to run earlier so the id is in context.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// claimsFromCtx retrieves the claims stored by Authenticate, or nil.
func claimsFromCtx(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(contextKeyUser).(*auth.Claims)
	return claims
}
