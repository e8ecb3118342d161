/*
Package client provides easy and fast in-process access to a JSON:API backend

Instead of marshalling HTTP, the client talks directly to the mux router. It
is perfectly suited for unit tests and for request handlers that need to call
other handlers to fulfill their task.
*/
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/gorilla/mux"

	"github.com/okapi-tech/okapi/core/access"
)

// Client provides easy access to a JSON:API backend.
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	url        string
	token      string
	principal  *access.Principal
	ctx        context.Context

	defaultHeaders map[string]string
}

// NewWithRouter creates a client to make pseudo-REST requests to the backend,
// through the mux router.
//
// WithPrincipal() adds a principal to the request context.
// WithContext() specifies a different base context all together.
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router:         router,
		defaultHeaders: map[string]string{},
	}
}

// NewWithURL creates a client to make REST requests to the backend.
//
// WithToken adds an authorization token to the request header.
func NewWithURL(url string) Client {
	return Client{
		url:            url,
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		defaultHeaders: map[string]string{},
	}
}

// WithHeader returns a new client with a default header added.
func (c Client) WithHeader(key string, value string) Client {
	c.defaultHeaders[key] = value
	return c
}

// WithToken returns a new client with a bearer token.
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithPrincipal returns a new client with a request principal. This works
// only directly against the mux router; for a normal client use WithToken().
func (c Client) WithPrincipal(principal *access.Principal) Client {
	c.principal = principal
	return c
}

// WithContext returns a new client with a specific request context.
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the request context of the client.
func (c Client) Context() context.Context {
	ctx := c.ctx
	if c.ctx == nil {
		ctx = context.Background()
	}
	if c.principal != nil {
		ctx = c.principal.ContextWithPrincipal(ctx)
	}
	return ctx
}

func (c Client) do(r *http.Request) (int, http.Header, []byte, error) {
	for key, value := range c.defaultHeaders {
		r.Header.Add(key, value)
	}
	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		res := rec.Result()
		return res.StatusCode, res.Header, rec.Body.Bytes(), nil
	}
	if c.token != "" {
		r.Header.Add("Authorization", "Bearer "+c.token)
	}
	res, err := c.httpClient.Do(r)
	if err != nil {
		return http.StatusInternalServerError, nil, nil, err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	return res.StatusCode, res.Header, body, nil
}

func decode(body []byte, result interface{}) error {
	if body == nil || result == nil {
		return nil
	}
	if raw, ok := result.(*[]byte); ok {
		*raw = body
		return nil
	}
	return json.Unmarshal(body, result)
}

// RawGet gets the resource from path. Expects http.StatusOK as response,
// otherwise it will flag an error. Returns the actual http status code.
//
// The path can be extended with query strings.
//
// result can be a document struct, a map[string]interface{} or a raw
// *[]byte. result can be nil.
func (c Client) RawGet(path string, result interface{}) (int, error) {
	r, _ := http.NewRequestWithContext(c.Context(), http.MethodGet, c.url+path, nil)
	status, _, body, err := c.do(r)
	if err != nil {
		return status, err
	}
	if status == http.StatusNoContent || status == http.StatusNotModified {
		return status, nil
	}
	if status != http.StatusOK {
		return status, fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
			status, http.StatusOK, strings.TrimSpace(string(body)))
	}
	return status, decode(body, result)
}

// RawGetWithHeader gets the resource from path with extra request headers
// and returns the response header as well.
func (c Client) RawGetWithHeader(path string, header map[string]string, result interface{}) (int, http.Header, error) {
	r, _ := http.NewRequestWithContext(c.Context(), http.MethodGet, c.url+path, nil)
	for key, value := range header {
		r.Header.Add(key, value)
	}
	status, resHeader, body, err := c.do(r)
	if err != nil {
		return status, resHeader, err
	}
	if status == http.StatusNoContent || status == http.StatusNotModified {
		return status, resHeader, nil
	}
	if status != http.StatusOK {
		return status, resHeader, fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
			status, http.StatusOK, strings.TrimSpace(string(body)))
	}
	return status, resHeader, decode(body, result)
}

func (c Client) send(method, path string, payload interface{}, result interface{}, want ...int) (int, error) {
	var reader io.Reader
	if payload != nil {
		if raw, ok := payload.([]byte); ok {
			reader = bytes.NewReader(raw)
		} else {
			jsonData, err := json.MarshalWithOption(payload, json.DisableHTMLEscape())
			if err != nil {
				return 0, err
			}
			reader = bytes.NewReader(jsonData)
		}
	}
	r, _ := http.NewRequestWithContext(c.Context(), method, c.url+path, reader)
	if payload != nil {
		r.Header.Set("Content-Type", "application/vnd.api+json")
	}
	status, _, body, err := c.do(r)
	if err != nil {
		return status, err
	}
	for _, w := range want {
		if status == w {
			return status, decode(body, result)
		}
	}
	return status, fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
		status, want, strings.TrimSpace(string(body)))
}

// RawPost posts a document to path. Expects http.StatusCreated as response.
func (c Client) RawPost(path string, payload interface{}, result interface{}) (int, error) {
	return c.send(http.MethodPost, path, payload, result, http.StatusCreated)
}

// RawPatch patches the resource at path. Expects http.StatusOK as response.
func (c Client) RawPatch(path string, payload interface{}, result interface{}) (int, error) {
	return c.send(http.MethodPatch, path, payload, result, http.StatusOK)
}

// RawPut puts a document to path. Expects http.StatusOK as response.
func (c Client) RawPut(path string, payload interface{}, result interface{}) (int, error) {
	return c.send(http.MethodPut, path, payload, result, http.StatusOK)
}

// RawDelete deletes the resource at path. Expects http.StatusNoContent as
// response.
func (c Client) RawDelete(path string) (int, error) {
	return c.send(http.MethodDelete, path, nil, nil, http.StatusNoContent)
}

// Resource represents one resource collection of the backend.
type Resource struct {
	client     Client
	resource   string
	parameters url.Values
}

// Resource returns a helper for the given resource type.
func (c Client) Resource(resource string) Resource {
	return Resource{client: c, resource: resource, parameters: url.Values{}}
}

// WithParameter returns a new resource helper with a query parameter added.
func (r Resource) WithParameter(key, value string) Resource {
	parameters := url.Values{}
	for k, values := range r.parameters {
		parameters[k] = values
	}
	parameters.Add(key, value)
	r.parameters = parameters
	return r
}

// WithFilter returns a new resource helper with a filter added.
func (r Resource) WithFilter(path, value string) Resource {
	return r.WithParameter("filter["+path+"]", value)
}

// Path returns the collection path including query parameters.
func (r Resource) Path() string {
	path := "/" + r.resource
	if len(r.parameters) > 0 {
		path += "?" + r.parameters.Encode()
	}
	return path
}

// ItemPath returns the path of a single resource.
func (r Resource) ItemPath(id string) string {
	path := "/" + r.resource + "/" + id
	if len(r.parameters) > 0 {
		path += "?" + r.parameters.Encode()
	}
	return path
}

// List gets the collection.
func (r Resource) List(result interface{}) (int, error) {
	return r.client.RawGet(r.Path(), result)
}

// Read gets a single resource.
func (r Resource) Read(id string, result interface{}) (int, error) {
	return r.client.RawGet(r.ItemPath(id), result)
}

// Create posts a new resource document.
func (r Resource) Create(payload interface{}, result interface{}) (int, error) {
	return r.client.RawPost("/"+r.resource, payload, result)
}

// Update patches a resource document.
func (r Resource) Update(id string, payload interface{}, result interface{}) (int, error) {
	return r.client.RawPatch("/"+r.resource+"/"+id, payload, result)
}

// Delete deletes a single resource.
func (r Resource) Delete(id string) (int, error) {
	return r.client.RawDelete("/" + r.resource + "/" + id)
}

// Related gets the related resources of a relationship.
func (r Resource) Related(id, relationship string, result interface{}) (int, error) {
	path := "/" + r.resource + "/" + id + "/" + relationship
	if len(r.parameters) > 0 {
		path += "?" + r.parameters.Encode()
	}
	return r.client.RawGet(path, result)
}

// Relationships gets the resource linkage of a relationship.
func (r Resource) Relationships(id, relationship string, result interface{}) (int, error) {
	return r.client.RawGet("/"+r.resource+"/"+id+"/relationships/"+relationship, result)
}
