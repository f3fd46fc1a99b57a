package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/authjwt"
)

type contextKey int

const contextKeyClaims contextKey = iota

// oidcVerifier is the subset of authoidc.Verifier's surface Authenticate
// needs, so it can be passed a nil *authoidc.Verifier (OIDC disabled)
// without importing a typed-nil-interface footgun.
type oidcVerifier interface {
	Verify(ctx context.Context, rawToken string) (*authjwt.Claims, error)
}

// Authenticate validates the bearer token on the Authorization header,
// storing the parsed claims in the request context on success. Token
// format: "Authorization: Bearer <token>". Two backends are tried in
// order: the locally-issued RS256 token first (no network round trip),
// then — if jwtMgr rejects it and an oidc verifier is configured — the
// token is re-checked as an externally-issued OIDC ID token. This mirrors
// the teacher's two independent AuthProvider implementations (local and
// OIDC) behind one entry point, except OrbitMesh tries both per request
// rather than routing by a provider-type field the caller selects.
func Authenticate(jwtMgr *authjwt.Manager, oidc oidcVerifier) func(http.Handler) http.Handler {
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
			token := parts[1]

			claims, err := jwtMgr.ValidateToken(token)
			if err != nil {
				if oidc == nil {
					ErrUnauthorized(w)
					return
				}
				claims, err = oidc.Verify(r.Context(), token)
				if err != nil {
					ErrUnauthorized(w)
					return
				}
			}
			ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole allows the request through only if the authenticated caller
// has the given role. Must run after Authenticate.
func RequireRole(role authjwt.Role) func(http.Handler) http.Handler {
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

// RequestLogger logs each request's method, path, status, and latency.
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

func claimsFromCtx(ctx context.Context) *authjwt.Claims {
	claims, _ := ctx.Value(contextKeyClaims).(*authjwt.Claims)
	return claims
}
