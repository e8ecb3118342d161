package backend

// Listener is the fixed capability interface for lifecycle hooks. Listeners
// are registered per resource type and invoked in registration order at
// well-defined points of a request. A listener can veto or answer a request
// by setting the response on the context; remaining listeners and the
// default processing are then skipped.
//
// Embed NopListener to implement only the points of interest.
type Listener interface {
	OnRequest(ctx *Context) error
	AfterValidation(ctx *Context) error
	AfterFind(ctx *Context) error
	BeforePersist(ctx *Context) error
	AfterPersist(ctx *Context) error
	BeforeMerge(ctx *Context) error
	AfterMerge(ctx *Context) error
	BeforeDelete(ctx *Context) error
	AfterDelete(ctx *Context) error
	BeforeResponse(ctx *Context) error
}

// NopListener implements Listener with no-ops.
type NopListener struct{}

// OnRequest implements Listener.
func (NopListener) OnRequest(ctx *Context) error { return nil }

// AfterValidation implements Listener.
func (NopListener) AfterValidation(ctx *Context) error { return nil }

// AfterFind implements Listener.
func (NopListener) AfterFind(ctx *Context) error { return nil }

// BeforePersist implements Listener.
func (NopListener) BeforePersist(ctx *Context) error { return nil }

// AfterPersist implements Listener.
func (NopListener) AfterPersist(ctx *Context) error { return nil }

// BeforeMerge implements Listener.
func (NopListener) BeforeMerge(ctx *Context) error { return nil }

// AfterMerge implements Listener.
func (NopListener) AfterMerge(ctx *Context) error { return nil }

// BeforeDelete implements Listener.
func (NopListener) BeforeDelete(ctx *Context) error { return nil }

// AfterDelete implements Listener.
func (NopListener) AfterDelete(ctx *Context) error { return nil }

// BeforeResponse implements Listener.
func (NopListener) BeforeResponse(ctx *Context) error { return nil }

// firePoint invokes one lifecycle point on all listeners of the context's
// resource type. It stops early when a listener errs or sets the response.
func firePoint(ctx *Context, point func(Listener, *Context) error) error {
	for _, l := range ctx.Meta.Listeners() {
		if err := point(l, ctx); err != nil {
			return err
		}
		if ctx.ResponseSet() {
			return nil
		}
	}
	return nil
}
