package access

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/okapi-tech/okapi/core/logger"
)

// JwtMiddlewareBuilder is a helper builder for the JWT middleware
type JwtMiddlewareBuilder struct {
	// Key is the verification key for the token signature. Required unless
	// KeyFunc is set.
	Key interface{}
	// KeyFunc is an optional custom key lookup, e.g. for key sets with a
	// kid header. Takes precedence over Key.
	KeyFunc jwt.Keyfunc
	// Issuer is the accepted issuer for the token. Optional.
	Issuer string
	// RolesClaim is the name of the claim that carries the principal's
	// roles. Optional, default "roles".
	RolesClaim string
}

// NewJwtMiddleware returns a middleware handler to validate JWT bearer
// tokens.
//
// Tokens are accepted as "Authorization: Bearer" header. The principal name
// is the "sub" claim, roles come from the roles claim. A request without a
// token passes through without a principal; a request with an invalid token
// is rejected with http.StatusUnauthorized.
func NewJwtMiddleware(jmb *JwtMiddlewareBuilder) mux.MiddlewareFunc {
	keyFunc := jmb.KeyFunc
	if keyFunc == nil {
		if jmb.Key == nil {
			panic("jwt middleware: Key or KeyFunc is missing")
		}
		keyFunc = func(token *jwt.Token) (interface{}, error) {
			return jmb.Key, nil
		}
	}
	rolesClaim := jmb.RolesClaim
	if rolesClaim == "" {
		rolesClaim = "roles"
	}

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := ""
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				tokenString = strings.TrimPrefix(auth, "Bearer ")
			}
			if tokenString == "" {
				h.ServeHTTP(w, r)
				return
			}

			rlog := logger.FromContext(r.Context())
			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, keyFunc)
			if err != nil || !token.Valid {
				rlog.WithError(err).Info("invalid bearer token")
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if jmb.Issuer != "" && !claims.VerifyIssuer(jmb.Issuer, true) {
				http.Error(w, "invalid token issuer", http.StatusUnauthorized)
				return
			}

			principal := &Principal{Properties: map[string]string{}}
			if sub, ok := claims["sub"].(string); ok {
				principal.Name = sub
			}
			if roles, ok := claims[rolesClaim].([]interface{}); ok {
				for _, role := range roles {
					if s, ok := role.(string); ok {
						principal.Roles = append(principal.Roles, s)
					}
				}
			}
			if email, ok := claims["email"].(string); ok {
				principal.Properties["email"] = email
			}

			ctx, _ := logger.ContextWithLoggerIdentity(r.Context(), principal.Name)
			ctx = principal.ContextWithPrincipal(ctx)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
