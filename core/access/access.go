/*Package access provides the per-request security principal.

A Principal is added to a request context by authentication middleware and
retrieved with PrincipalFromContext. The engine uses the principal's name for
row scoping of resource types that declare a principal path.
*/
package access

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

const (
	contextKeyPrincipal contextKey = "_principal_"
)

// Principal is the identity a request is made on behalf of.
//
// Principals are added to a request context with
//
//	ctx = p.ContextWithPrincipal(ctx)
//
// and retrieved with
//
//	p := PrincipalFromContext(ctx)
type Principal struct {
	Name       string            `json:"name"`
	Roles      []string          `json:"roles,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// HasRole returns true if the principal carries the requested role;
// otherwise it returns false.
func (p *Principal) HasRole(role string) bool {
	if p == nil {
		return false
	}
	for _, hasRole := range p.Roles {
		if role == hasRole {
			return true
		}
	}
	return false
}

// Property returns the value for the requested property; if the
// property does not exist, it returns an empty string and false.
func (p *Principal) Property(name string) (string, bool) {
	if p == nil || p.Properties == nil {
		return "", false
	}
	value, ok := p.Properties[name]
	return value, ok
}

// ContextWithPrincipal returns a new context with this principal added to it
func (p *Principal) ContextWithPrincipal(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKeyPrincipal, p)
}

// PrincipalFromContext retrieves a principal from the context
func PrincipalFromContext(ctx context.Context) *Principal {
	p, ok := ctx.Value(contextKeyPrincipal).(*Principal)
	if ok {
		return p
	}
	return nil
}

// HandlePrincipalRoute adds a route /principal GET to the router
//
// The route returns the current principal for the provided bearer token.
func HandlePrincipalRoute(router *mux.Router) {
	router.HandleFunc("/principal", func(w http.ResponseWriter, r *http.Request) {
		p := PrincipalFromContext(r.Context())
		if p == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		jsonData, _ := json.MarshalIndent(p, "", " ")
		w.Header().Set("Content-Type", "application/json")
		w.Write(jsonData)
	}).Methods(http.MethodGet)
}
