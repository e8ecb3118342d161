package access

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jwtTestKey = []byte("unit-test-secret")

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(jwtTestKey)
	require.NoError(t, err)
	return signed
}

func jwtTestRouter(jmb *JwtMiddlewareBuilder) *mux.Router {
	router := mux.NewRouter()
	router.Use(NewJwtMiddleware(jmb))
	HandlePrincipalRoute(router)
	return router
}

func TestJwtMiddlewareAcceptsToken(t *testing.T) {
	router := jwtTestRouter(&JwtMiddlewareBuilder{Key: jwtTestKey})
	tokenString := signedToken(t, jwt.MapClaims{
		"sub":   "jane",
		"roles": []string{"editor", "admin"},
		"email": "jane@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	var principal *Principal
	router.Use(mux.MiddlewareFunc(func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal = PrincipalFromContext(r.Context())
			h.ServeHTTP(w, r)
		})
	}))

	r := httptest.NewRequest(http.MethodGet, "/principal", nil)
	r.Header.Set("Authorization", "Bearer "+tokenString)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, principal)
	assert.Equal(t, "jane", principal.Name)
	assert.Equal(t, []string{"editor", "admin"}, principal.Roles)
	email, _ := principal.Property("email")
	assert.Equal(t, "jane@example.com", email)
}

func TestJwtMiddlewareRejectsInvalidToken(t *testing.T) {
	router := jwtTestRouter(&JwtMiddlewareBuilder{Key: jwtTestKey})

	r := httptest.NewRequest(http.MethodGet, "/principal", nil)
	r.Header.Set("Authorization", "Bearer not.a.token")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// wrong signing key
	other := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "jane"})
	signed, err := other.SignedString([]byte("some other secret"))
	require.NoError(t, err)

	r = httptest.NewRequest(http.MethodGet, "/principal", nil)
	r.Header.Set("Authorization", "Bearer "+signed)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJwtMiddlewareVerifiesIssuer(t *testing.T) {
	router := jwtTestRouter(&JwtMiddlewareBuilder{Key: jwtTestKey, Issuer: "okapi"})

	tokenString := signedToken(t, jwt.MapClaims{"sub": "jane", "iss": "somebody else"})
	r := httptest.NewRequest(http.MethodGet, "/principal", nil)
	r.Header.Set("Authorization", "Bearer "+tokenString)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	tokenString = signedToken(t, jwt.MapClaims{"sub": "jane", "iss": "okapi"})
	r = httptest.NewRequest(http.MethodGet, "/principal", nil)
	r.Header.Set("Authorization", "Bearer "+tokenString)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestJwtMiddlewarePassesWithoutToken(t *testing.T) {
	router := jwtTestRouter(&JwtMiddlewareBuilder{Key: jwtTestKey})

	r := httptest.NewRequest(http.MethodGet, "/principal", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
