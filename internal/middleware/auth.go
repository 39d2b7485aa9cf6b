package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/aima-platform/gpu-orchestrator/internal/checkauth"
	"github.com/aima-platform/gpu-orchestrator/internal/config"
	"github.com/aima-platform/gpu-orchestrator/internal/store"
	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// jwksCache lazily refreshes the identity provider's signing keys in the
// background (spec §4.10: bearer tokens are issued by an external
// collaborator, this module only verifies them). One cache per process,
// keyed by JWKS URL, so rotating JWT_JWKS_URL via config.Load doesn't leak
// goroutines across reloads.
var jwksCache = jwk.NewCache(context.Background())

func keySet(ctx context.Context, jwksURL string) (jwk.Set, error) {
	if !jwksCache.IsRegistered(jwksURL) {
		if err := jwksCache.Register(jwksURL, jwk.WithMinRefreshInterval(5*time.Minute)); err != nil {
			return nil, err
		}
	}
	return jwksCache.Get(ctx, jwksURL)
}

// BearerAuthMiddleware validates the Authorization header as a JWT signed by
// the configured identity provider, then resolves (or provisions) the owner
// row for the token's `sub` claim.
func BearerAuthMiddleware(appStore store.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				unauthorized(w, "Missing or malformed Authorization header. Use: Bearer <token>")
				return
			}
			raw := strings.TrimPrefix(authHeader, "Bearer ")
			if raw == "" {
				unauthorized(w, "Empty token")
				return
			}

			snap := config.Current()
			set, err := keySet(r.Context(), snap.JWTJWKSURL)
			if err != nil {
				logging.Log.WithError(err).Warn("failed to fetch JWKS for bearer token verification")
				unauthorized(w, "Unable to verify token")
				return
			}

			opts := []jwt.ParseOption{jwt.WithKeySet(set), jwt.WithValidate(true)}
			if snap.JWTIssuer != "" {
				opts = append(opts, jwt.WithIssuer(snap.JWTIssuer))
			}
			if snap.JWTAudience != "" {
				opts = append(opts, jwt.WithAudience(snap.JWTAudience))
			}

			token, err := jwt.Parse([]byte(raw), opts...)
			if err != nil {
				unauthorized(w, "Invalid or expired token")
				return
			}

			user, err := appStore.GetUserByPrincipalSubject(r.Context(), token.Subject())
			if err != nil {
				logging.Log.WithError(err).Warn("failed to resolve owner for verified token")
				unauthorized(w, "Unable to resolve token subject")
				return
			}

			ctx := checkauth.SetUserContext(r.Context(), user)
			ctx = checkauth.SetVerifiedContext(ctx, true)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"unauthorized","message":"` + message + `"}`))
}
