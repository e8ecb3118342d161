package backend

import (
	"net/http"

	"github.com/okapi-tech/okapi/core"
	"github.com/okapi-tech/okapi/core/access"
	"github.com/okapi-tech/okapi/core/model"
)

// Context is the per-request scratch state handed to lifecycle listeners.
// Created at request entry, discarded once the response is produced.
type Context struct {
	// Request is the incoming HTTP request.
	Request *http.Request
	// Operation is the logical operation the request maps to.
	Operation core.Operation
	// Resource is the requested resource type name.
	Resource string
	// ID is the raw external identifier from the path, "" for list requests.
	ID string
	// Relationship is the relationship name for related or relationship
	// requests, "" otherwise.
	Relationship string
	// Meta is the resolved entity meta for the resource type.
	Meta *EntityMeta
	// Query is the parsed view of the request's query parameters.
	Query *InternalQuery
	// Principal is the request's security principal, or nil.
	Principal *access.Principal
	// Body is the parsed request document, nil for requests without a body.
	Body map[string]interface{}
	// Entity is the entity a mutation operates on, set after find/creation.
	Entity *model.Entity
	// Attributes is a free-form bag for listeners to pass state between
	// lifecycle points.
	Attributes map[string]interface{}

	status       int
	responseBody []byte
	responseSet  bool
}

// SetResponse lets a listener answer the request directly. Remaining
// processing is skipped and the body is written as-is.
func (c *Context) SetResponse(status int, body []byte) {
	c.status = status
	c.responseBody = body
	c.responseSet = true
}

// ResponseSet reports whether a listener has set the response.
func (c *Context) ResponseSet() bool {
	return c.responseSet
}

// Response returns the response set by a listener.
func (c *Context) Response() (int, []byte) {
	return c.status, c.responseBody
}
