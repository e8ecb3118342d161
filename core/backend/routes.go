package backend

import (
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/okapi-tech/okapi/core"
	"github.com/okapi-tech/okapi/core/access"
	"github.com/okapi-tech/okapi/core/logger"
	"github.com/okapi-tech/okapi/core/model"
)

// handleRoutes adds the four generic JSON:API routes. The relationships
// route is registered before the related-resource route so that the literal
// "relationships" segment wins over the {relationship} variable.
func (b *Backend) handleRoutes(router *mux.Router) {
	logger.Default().Debugln("backend: handle routes")

	router.HandleFunc("/{resource}/{id}/relationships/{relationship}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		b.relationshipRequest(w, r)
	}).Methods(http.MethodOptions, http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete)

	router.HandleFunc("/{resource}/{id}/{relationship}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		b.relatedRequest(w, r)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/{resource}/{id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		b.itemRequest(w, r)
	}).Methods(http.MethodOptions, http.MethodGet, http.MethodPatch, http.MethodPut, http.MethodDelete)

	router.HandleFunc("/{resource}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		b.collectionRequest(w, r)
	}).Methods(http.MethodOptions, http.MethodGet, http.MethodPost)
}

// newContext runs the shared request prologue: resource lookup, method
// gate, query parsing and the on-request lifecycle point. It returns nil
// when the response has already been written.
func (b *Backend) newContext(w http.ResponseWriter, r *http.Request) *Context {
	vars := mux.Vars(r)
	resource := vars["resource"]
	meta, ok := b.metaByResource[resource]
	if !ok {
		writeNotFound(w)
		return nil
	}
	if !meta.AllowsMethod(r.Method) {
		writeMethodNotAllowed(w, r.Method)
		return nil
	}

	ctx := &Context{
		Request:      r,
		Operation:    core.OperationForMethod(r.Method, vars["id"] != ""),
		Resource:     resource,
		ID:           vars["id"],
		Relationship: vars["relationship"],
		Meta:         meta,
		Query:        b.newInternalQuery(meta, r.URL.Query()),
		Principal:    access.PrincipalFromContext(r.Context()),
		Attributes:   map[string]interface{}{},
	}

	if err := firePoint(ctx, func(l Listener, c *Context) error { return l.OnRequest(c) }); err != nil {
		writeInternalError(w, r, err)
		return nil
	}
	if ctx.ResponseSet() {
		writeListenerResponse(w, ctx)
		return nil
	}
	return ctx
}

func writeListenerResponse(w http.ResponseWriter, ctx *Context) {
	status, body := ctx.Response()
	w.Header().Set("Content-Type", "application/vnd.api+json")
	w.WriteHeader(status)
	w.Write(body)
}

// writeDocument runs the before-response point, then serializes and writes
// the document. GET responses carry an ETag and obey If-None-Match.
func (b *Backend) writeDocument(w http.ResponseWriter, ctx *Context, status int, doc *document) {
	if err := firePoint(ctx, func(l Listener, c *Context) error { return l.BeforeResponse(c) }); err != nil {
		writeInternalError(w, ctx.Request, err)
		return
	}
	if ctx.ResponseSet() {
		writeListenerResponse(w, ctx)
		return
	}
	jsonData, err := json.MarshalWithOption(doc, json.DisableHTMLEscape())
	if err != nil {
		writeInternalError(w, ctx.Request, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.api+json")
	if ctx.Request.Method == http.MethodGet {
		etag := bytesToEtag(jsonData)
		w.Header().Set("Etag", etag)
		if ifNoneMatchFound(ctx.Request.Header.Get("If-None-Match"), etag) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	w.WriteHeader(status)
	w.Write(jsonData)
}

func (b *Backend) collectionRequest(w http.ResponseWriter, r *http.Request) {
	ctx := b.newContext(w, r)
	if ctx == nil {
		return
	}
	switch r.Method {
	case http.MethodGet:
		b.list(w, ctx)
	case http.MethodPost:
		b.create(w, ctx)
	}
}

func (b *Backend) itemRequest(w http.ResponseWriter, r *http.Request) {
	ctx := b.newContext(w, r)
	if ctx == nil {
		return
	}
	switch r.Method {
	case http.MethodGet:
		b.read(w, ctx)
	case http.MethodPatch, http.MethodPut:
		b.update(w, ctx)
	case http.MethodDelete:
		b.delete(w, ctx)
	}
}

func (b *Backend) list(w http.ResponseWriter, ctx *Context) {
	if violations := ctx.Query.Violations(); len(violations) > 0 {
		writeErrors(w, http.StatusBadRequest, violations...)
		return
	}
	spec := fetchSpec{meta: ctx.Meta, query: ctx.Query, principal: ctx.Principal, withCounts: true}
	entities, err := b.fetchEntities(spec)
	if err != nil {
		writeInternalError(w, ctx.Request, err)
		return
	}
	total := -1
	if _, max := ctx.Query.Window(); max >= 0 {
		total, err = b.totalResults(spec)
		if err != nil {
			writeInternalError(w, ctx.Request, err)
			return
		}
	}
	b.writeDocument(w, ctx, http.StatusOK, b.listDocument(ctx.Query, entities, total))
}

func (b *Backend) read(w http.ResponseWriter, ctx *Context) {
	if violations := ctx.Query.Violations(); len(violations) > 0 {
		writeErrors(w, http.StatusBadRequest, violations...)
		return
	}
	id, err := ctx.Meta.ReadID(ctx.ID)
	if err != nil {
		writeNotFound(w)
		return
	}
	entities, err := b.fetchEntities(fetchSpec{
		meta: ctx.Meta, query: ctx.Query, id: id, principal: ctx.Principal, withCounts: true,
	})
	if err != nil {
		writeInternalError(w, ctx.Request, err)
		return
	}
	if len(entities) == 0 {
		writeNotFound(w)
		return
	}
	ctx.Entity = entities[0]
	if done := b.fire(w, ctx, func(l Listener, c *Context) error { return l.AfterFind(c) }); done {
		return
	}
	b.writeDocument(w, ctx, http.StatusOK, b.singleDocument(ctx.Query, ctx.Entity))
}

// fire runs one lifecycle point and writes the listener response if one was
// set. Returns true when the request is already answered.
func (b *Backend) fire(w http.ResponseWriter, ctx *Context, point func(Listener, *Context) error) bool {
	if err := firePoint(ctx, point); err != nil {
		writeInternalError(w, ctx.Request, err)
		return true
	}
	if ctx.ResponseSet() {
		writeListenerResponse(w, ctx)
		return true
	}
	return false
}

// readBody parses and structurally validates the request document. Returns
// the primary data object, or nil when the response was already written.
func (b *Backend) readBody(w http.ResponseWriter, ctx *Context, pathID string) map[string]interface{} {
	body, err := io.ReadAll(ctx.Request.Body)
	if err != nil {
		writeInternalError(w, ctx.Request, err)
		return nil
	}
	doc, violations := parseDocument(body)
	if len(violations) > 0 {
		writeErrors(w, http.StatusUnprocessableEntity, violations...)
		return nil
	}
	ctx.Body = doc
	data, violations := resourceData(doc, ctx.Resource, pathID)
	if len(violations) > 0 {
		writeErrors(w, http.StatusUnprocessableEntity, violations...)
		return nil
	}
	return data
}

// validateBody runs the configured validator. Returns true when violations
// were written.
func (b *Backend) validateBody(w http.ResponseWriter, ctx *Context, rec *model.Record) bool {
	if b.validator == nil {
		return false
	}
	found := b.validator.Validate(ctx.Request.Context(), ctx.Resource, ctx.Body, ctx.Request.Method)
	if len(found) == 0 {
		return false
	}
	var violations []ErrorObject
	for _, v := range found {
		violations = append(violations, inputViolation(v.Pointer, v.Message))
	}
	if rec != nil {
		rec.Discard()
	}
	writeErrors(w, http.StatusUnprocessableEntity, violations...)
	return true
}

func (b *Backend) create(w http.ResponseWriter, ctx *Context) {
	data := b.readBody(w, ctx, "")
	if data == nil {
		return
	}
	if b.validateBody(w, ctx, nil) {
		return
	}
	if done := b.fire(w, ctx, func(l Listener, c *Context) error { return l.AfterValidation(c) }); done {
		return
	}

	rec := model.NewRecord(ctx.Meta.EntityType())
	var violations []ErrorObject
	if rawID, ok := data["id"].(string); ok && rawID != "" {
		typed, err := ctx.Meta.ReadID(rawID)
		if err != nil {
			violations = append(violations, inputViolation("/data/id", err.Error()))
		} else {
			rec.SetScanned(ctx.Meta.ExposedID().Name, typed)
		}
	}
	violations = append(violations, applyAttributes(ctx.Meta, rec, data)...)
	relViolations, err := b.applyRelationships(ctx, rec, data, true)
	if err != nil {
		writeInternalError(w, ctx.Request, err)
		return
	}
	violations = append(violations, relViolations...)
	if len(violations) == 0 {
		unique, err := b.checkUnique(ctx.Meta, rec, nil)
		if err != nil {
			writeInternalError(w, ctx.Request, err)
			return
		}
		violations = append(violations, unique...)
	}
	if len(violations) > 0 {
		writeErrors(w, http.StatusUnprocessableEntity, violations...)
		return
	}

	ctx.Entity = model.NewInstance(ctx.Resource, rec)
	if done := b.fire(w, ctx, func(l Listener, c *Context) error { return l.BeforePersist(c) }); done {
		return
	}
	if err := b.insertRecord(ctx.Meta, rec); err != nil {
		if isConflict(err) {
			writeConflict(w, "The resource conflicts with existing data.")
			return
		}
		writeInternalError(w, ctx.Request, err)
		return
	}
	if done := b.fire(w, ctx, func(l Listener, c *Context) error { return l.AfterPersist(c) }); done {
		return
	}

	entity := b.refetch(ctx, rec)
	w.Header().Set("Location", ctx.Meta.Path()+"/"+model.Key(ctx.Meta.ExposedIDValue(entity)))
	b.writeDocument(w, ctx, http.StatusCreated, b.singleDocument(nil, entity))
}

// refetch loads the persisted row back with relationship counts, so the
// response reflects what the store actually holds. Falls back to the
// in-memory record when the row cannot be read back.
func (b *Backend) refetch(ctx *Context, rec *model.Record) *model.Entity {
	var id interface{}
	if ctx.Meta.ExposedID().Name == ctx.Meta.EntityType().Key.Name {
		id = rec.ID()
	} else {
		id, _ = rec.Get(ctx.Meta.ExposedID().Name)
	}
	if id != nil {
		entities, err := b.fetchEntities(fetchSpec{
			meta: ctx.Meta, id: id, principal: ctx.Principal, withCounts: true,
		})
		if err == nil && len(entities) > 0 {
			return entities[0]
		}
	}
	return model.NewInstance(ctx.Resource, rec)
}

func (b *Backend) update(w http.ResponseWriter, ctx *Context) {
	data := b.readBody(w, ctx, ctx.ID)
	if data == nil {
		return
	}
	id, err := ctx.Meta.ReadID(ctx.ID)
	if err != nil {
		writeNotFound(w)
		return
	}
	entity, err := b.fetchOne(ctx.Meta, id, ctx.Principal)
	if err != nil {
		writeInternalError(w, ctx.Request, err)
		return
	}
	if entity == nil {
		writeNotFound(w)
		return
	}
	ctx.Entity = entity
	if done := b.fire(w, ctx, func(l Listener, c *Context) error { return l.AfterFind(c) }); done {
		return
	}

	rec := entity.Record()
	if b.validateBody(w, ctx, rec) {
		return
	}
	if done := b.fire(w, ctx, func(l Listener, c *Context) error { return l.AfterValidation(c) }); done {
		return
	}

	violations := applyAttributes(ctx.Meta, rec, data)
	relViolations, err := b.applyRelationships(ctx, rec, data, false)
	if err != nil {
		writeInternalError(w, ctx.Request, err)
		return
	}
	violations = append(violations, relViolations...)
	if len(violations) == 0 {
		unique, err := b.checkUnique(ctx.Meta, rec, rec.ID())
		if err != nil {
			writeInternalError(w, ctx.Request, err)
			return
		}
		violations = append(violations, unique...)
	}
	if len(violations) > 0 {
		// a rejected record must never reach the store
		rec.Discard()
		writeErrors(w, http.StatusUnprocessableEntity, violations...)
		return
	}

	if done := b.fire(w, ctx, func(l Listener, c *Context) error { return l.BeforeMerge(c) }); done {
		return
	}
	if err := b.updateRecord(ctx.Meta, rec); err != nil {
		if isConflict(err) {
			writeConflict(w, "The resource conflicts with existing data.")
			return
		}
		writeInternalError(w, ctx.Request, err)
		return
	}
	if done := b.fire(w, ctx, func(l Listener, c *Context) error { return l.AfterMerge(c) }); done {
		return
	}

	b.writeDocument(w, ctx, http.StatusOK, b.singleDocument(nil, b.refetch(ctx, rec)))
}

func (b *Backend) delete(w http.ResponseWriter, ctx *Context) {
	id, err := ctx.Meta.ReadID(ctx.ID)
	if err != nil {
		writeNotFound(w)
		return
	}
	entity, err := b.fetchOne(ctx.Meta, id, ctx.Principal)
	if err != nil {
		writeInternalError(w, ctx.Request, err)
		return
	}
	if entity == nil {
		writeNotFound(w)
		return
	}
	ctx.Entity = entity
	if done := b.fire(w, ctx, func(l Listener, c *Context) error { return l.BeforeDelete(c) }); done {
		return
	}
	found, err := b.deleteRecord(ctx.Meta, id, ctx.Principal)
	if err != nil {
		if isConflict(err) {
			writeConflict(w, "The resource is still referenced and can not be deleted.")
			return
		}
		writeInternalError(w, ctx.Request, err)
		return
	}
	if !found {
		writeNotFound(w)
		return
	}
	if done := b.fire(w, ctx, func(l Listener, c *Context) error { return l.AfterDelete(c) }); done {
		return
	}
	if done := b.fire(w, ctx, func(l Listener, c *Context) error { return l.BeforeResponse(c) }); done {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// relatedRequest serves GET /{resource}/{id}/{relationship}: the related
// resources themselves, with the full query feature set applied against the
// target resource type.
func (b *Backend) relatedRequest(w http.ResponseWriter, r *http.Request) {
	ctx := b.newContext(w, r)
	if ctx == nil {
		return
	}
	rel, ok := ctx.Meta.Relationship(ctx.Relationship)
	if !ok {
		writeNotFound(w)
		return
	}
	targetMeta, ok := b.metaByEntity[rel.Target]
	if !ok {
		writeNotFound(w)
		return
	}

	// query parameters act on the target resource type
	query := b.newInternalQuery(targetMeta, r.URL.Query())
	ctx.Query = query
	if violations := query.Violations(); len(violations) > 0 {
		writeErrors(w, http.StatusBadRequest, violations...)
		return
	}

	id, err := ctx.Meta.ReadID(ctx.ID)
	if err != nil {
		writeNotFound(w)
		return
	}
	owner, err := b.fetchOne(ctx.Meta, id, ctx.Principal)
	if err != nil {
		writeInternalError(w, ctx.Request, err)
		return
	}
	if owner == nil {
		writeNotFound(w)
		return
	}
	ctx.Entity = owner
	if done := b.fire(w, ctx, func(l Listener, c *Context) error { return l.AfterFind(c) }); done {
		return
	}

	injection, empty := b.relatedInjection(owner, rel, targetMeta)
	if empty {
		if rel.ToMany {
			b.writeDocument(w, ctx, http.StatusOK, b.listDocument(query, nil, -1))
		} else {
			b.writeDocument(w, ctx, http.StatusOK, newDocument(nil))
		}
		return
	}

	spec := fetchSpec{meta: targetMeta, query: query, principal: ctx.Principal, injection: injection, withCounts: true}
	entities, err := b.fetchEntities(spec)
	if err != nil {
		writeInternalError(w, ctx.Request, err)
		return
	}

	if rel.ToMany {
		total := -1
		if _, max := query.Window(); max >= 0 {
			total, err = b.totalResults(spec)
			if err != nil {
				writeInternalError(w, ctx.Request, err)
				return
			}
		}
		b.writeDocument(w, ctx, http.StatusOK, b.listDocument(query, entities, total))
		return
	}
	if len(entities) == 0 {
		b.writeDocument(w, ctx, http.StatusOK, newDocument(nil))
		return
	}
	b.writeDocument(w, ctx, http.StatusOK, b.singleDocument(query, entities[0]))
}

// relatedInjection derives the root predicate that scopes a related fetch
// to one owner row. empty is true when an owning to-one foreign key is null,
// i.e. there is nothing to fetch.
func (b *Backend) relatedInjection(owner *model.Entity, rel *model.Relationship, targetMeta *EntityMeta) (injection *relationInjection, empty bool) {
	if rel.Column == "" {
		return &relationInjection{column: rel.Inverse().Column, value: owner.ID()}, false
	}
	fk := owner.Record().Scanned(rel.Column)
	if fk == nil {
		return nil, true
	}
	return &relationInjection{column: targetMeta.EntityType().Key.Name, value: fk}, false
}

// relationshipRequest serves /{resource}/{id}/relationships/{relationship}.
// GET returns resource linkage; mutations of the linkage itself are not
// implemented.
func (b *Backend) relationshipRequest(w http.ResponseWriter, r *http.Request) {
	ctx := b.newContext(w, r)
	if ctx == nil {
		return
	}
	rel, ok := ctx.Meta.Relationship(ctx.Relationship)
	if !ok {
		writeNotFound(w)
		return
	}
	if r.Method != http.MethodGet {
		writeNotImplemented(w)
		return
	}
	if violations := ctx.Query.Violations(); len(violations) > 0 {
		writeErrors(w, http.StatusBadRequest, violations...)
		return
	}
	targetMeta, ok := b.metaByEntity[rel.Target]
	if !ok {
		writeNotFound(w)
		return
	}

	id, err := ctx.Meta.ReadID(ctx.ID)
	if err != nil {
		writeNotFound(w)
		return
	}
	owner, err := b.fetchOne(ctx.Meta, id, ctx.Principal)
	if err != nil {
		writeInternalError(w, ctx.Request, err)
		return
	}
	if owner == nil {
		writeNotFound(w)
		return
	}
	ctx.Entity = owner
	if done := b.fire(w, ctx, func(l Listener, c *Context) error { return l.AfterFind(c) }); done {
		return
	}

	var members []*model.Entity
	injection, empty := b.relatedInjection(owner, rel, targetMeta)
	if !empty {
		members, err = b.fetchEntities(fetchSpec{meta: targetMeta, principal: ctx.Principal, injection: injection})
		if err != nil {
			writeInternalError(w, ctx.Request, err)
			return
		}
	}
	b.writeDocument(w, ctx, http.StatusOK, b.linkageDocument(owner, rel.Name, rel.ToMany, members))
}
