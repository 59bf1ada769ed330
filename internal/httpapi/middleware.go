package httpapi

import (
	"context"
	"net"
	"net/http"
	"strings"

	"costguardian/internal/apperr"
	"costguardian/internal/auth"
	"costguardian/internal/ingest"
	"costguardian/internal/ratelimit"
	"costguardian/internal/utils"
	"costguardian/internal/vault"
)

// ContextKey defines the type for context keys to avoid conflicts
type ContextKey string

const (
	// IdentityKey is the context key for the resolved caller identity.
	IdentityKey ContextKey = "identity"

	// TrackingTokenHeader carries a minted tracking token.
	TrackingTokenHeader = "X-Tracking-Token"
)

// IdentityMiddleware resolves who the caller is, in precedence order: a
// tracking token header, a bearer credential, then the network origin. A
// presented token that does not resolve is a hard 401 rather than a silent
// downgrade to the origin identity; the one exception is an unresolved
// bearer in compact JWS form, which is passed through for the admin
// middleware to validate.
func IdentityMiddleware(v *vault.Vault) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret := r.Header.Get(TrackingTokenHeader)
			fromAuthHeader := false
			if secret == "" {
				authHeader := r.Header.Get("Authorization")
				if strings.HasPrefix(authHeader, "Bearer ") {
					secret = strings.TrimPrefix(authHeader, "Bearer ")
					fromAuthHeader = true
				}
			}

			var identity string
			if secret != "" {
				cred, err := v.LookupActive(r.Context(), secret)
				switch {
				case err == nil:
					identity = cred.ID
				case apperr.IsKind(err, apperr.KindNotFound) && fromAuthHeader && looksLikeJWT(secret):
					// Admin JWTs share the Authorization header. The vault is
					// consulted first so a stored secret always resolves; only
					// an unresolved compact JWS is handed on for the admin
					// middleware to validate.
					identity = ingest.OriginPrefix + originHost(r)
				case apperr.IsKind(err, apperr.KindNotFound):
					utils.RespondWithError(w, http.StatusUnauthorized, "unknown or inactive token")
					return
				default:
					utils.RespondWithError(w, http.StatusInternalServerError, "failed to resolve identity")
					return
				}
			} else {
				identity = ingest.OriginPrefix + originHost(r)
			}

			ctx := context.WithValue(r.Context(), IdentityKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimitMiddleware applies the shared token bucket to non-exempt routes.
// The ingestion endpoint is exempt here: the pipeline runs the same limiter
// itself so that admission is checked in submission order, and charging the
// bucket twice per submission would halve the effective rate.
func RateLimitMiddleware(limiter ratelimit.Limiter, exempt *ratelimit.ExemptPaths) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempt.Exempt(r.URL.Path, r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			identity, _ := GetIdentity(r.Context())
			if decision := limiter.Allow(identity); !decision.Allowed {
				utils.RespondRateLimited(w, decision.RetryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AdminJWTMiddleware guards destructive endpoints with a bearer admin token.
func AdminJWTMiddleware(admin *auth.Admin) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !admin.Enabled() {
				utils.RespondWithError(w, http.StatusForbidden, "admin operations are not configured")
				return
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				utils.RespondWithError(w, http.StatusUnauthorized, "missing admin token")
				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")
			if err := admin.Validate(token); err != nil {
				utils.RespondWithError(w, http.StatusUnauthorized, "invalid or expired admin token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func looksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}

// GetIdentity retrieves the resolved identity from the request context.
func GetIdentity(ctx context.Context) (string, bool) {
	identity, ok := ctx.Value(IdentityKey).(string)
	return identity, ok
}

// originHost strips the port from the remote address. Callers behind one NAT
// share an identity; that coarsening is accepted.
func originHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
