package access

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrincipalRoles(t *testing.T) {
	p := &Principal{Name: "jane", Roles: []string{"editor", "admin"}}
	assert.True(t, p.HasRole("admin"))
	assert.False(t, p.HasRole("viewer"))

	var nobody *Principal
	assert.False(t, nobody.HasRole("admin"))
}

func TestPrincipalProperties(t *testing.T) {
	p := &Principal{Name: "jane", Properties: map[string]string{"email": "jane@example.com"}}
	email, ok := p.Property("email")
	assert.True(t, ok)
	assert.Equal(t, "jane@example.com", email)

	_, ok = p.Property("phone")
	assert.False(t, ok)

	var nobody *Principal
	_, ok = nobody.Property("email")
	assert.False(t, ok)
}

func TestPrincipalContextRoundTrip(t *testing.T) {
	p := &Principal{Name: "jane"}
	ctx := p.ContextWithPrincipal(context.Background())
	assert.Equal(t, p, PrincipalFromContext(ctx))

	assert.Nil(t, PrincipalFromContext(context.Background()))
}

func TestHandlePrincipalRoute(t *testing.T) {
	router := mux.NewRouter()
	HandlePrincipalRoute(router)

	// no principal on the request
	r := httptest.NewRequest(http.MethodGet, "/principal", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	p := &Principal{Name: "jane", Roles: []string{"admin"}}
	r = httptest.NewRequest(http.MethodGet, "/principal", nil)
	r = r.WithContext(p.ContextWithPrincipal(r.Context()))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, r)
	require.Equal(t, http.StatusOK, rec.Code)

	var got Principal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "jane", got.Name)
	assert.Equal(t, []string{"admin"}, got.Roles)
}
