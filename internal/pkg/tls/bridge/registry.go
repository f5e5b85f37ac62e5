// Package bridge routes the key log lines crypto/tls derives on a
// connection to the handler registered on the connection's context.
//
// Each context gets an association record from its own creation hook and
// loses it when the context is freed. A handler is stored in the record and
// a single trampoline is installed as the context's key log callback. The
// trampoline holds HostLock while it resolves the handler and releases it
// before the handler runs, so a handler may itself drive handshakes on armed
// contexts.
package bridge

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/endorses/sslkeylog/internal/pkg/logger"
	"github.com/endorses/sslkeylog/internal/pkg/tls/secrets"
	"github.com/endorses/sslkeylog/internal/pkg/tls/tlsconn"
	"github.com/google/uuid"
)

// HostLock serializes handler resolution and replacement across all
// registries. It is never held while a handler runs: handlers shared by
// several connections must synchronize themselves.
var HostLock sync.Mutex

var (
	// ErrMissingAssociation is returned when a context has no association
	// record, which happens only for contexts created before the registry or
	// already freed.
	ErrMissingAssociation = errors.New("context has no key log association")

	// ErrHandlerPanic wraps a panic recovered from a handler.
	ErrHandlerPanic = errors.New("key log handler panicked")
)

// ErrorReporter receives handler failures. It runs without HostLock held.
type ErrorReporter func(err error, session uuid.UUID)

func logReporter(err error, session uuid.UUID) {
	logger.Error("key log handler failed",
		"session", session,
		"error", err)
}

type handlerBox struct {
	h Handler
}

// association is the per-context record stored in the registry's slot.
type association struct {
	handler atomic.Pointer[handlerBox]
}

// bridgeContext is what the registry needs from a bound context type.
type bridgeContext interface {
	ExData(idx int) (any, bool)
	SetKeylogCallback(cb tlsconn.KeylogCallback)
}

// Option configures a Registry.
type Option func(*Registry)

// WithErrorReporter replaces the default reporter, which logs.
func WithErrorReporter(report ErrorReporter) Option {
	return func(r *Registry) {
		if report != nil {
			r.report = report
		}
	}
}

// Registry owns one extension slot index and the trampoline that reads it.
type Registry struct {
	contextType reflect.Type
	index       int
	report      ErrorReporter
	trampoline  tlsconn.KeylogCallback

	live        atomic.Int64
	invocations atomic.Uint64
	failures    atomic.Uint64
	closeOnce   sync.Once
}

// NewRegistry registers the registry's extension slot. Contexts created
// from now on carry an association record.
func NewRegistry(b *secrets.Binding, opts ...Option) (*Registry, error) {
	if b == nil || b.ContextType == nil {
		return nil, fmt.Errorf("%w: no context type", secrets.ErrMissingBinding)
	}
	if !b.ContextType.Implements(reflect.TypeFor[bridgeContext]()) {
		return nil, fmt.Errorf("%w: %s has no extension slots or key log callback",
			secrets.ErrMissingBinding, b.ContextType)
	}

	r := &Registry{
		contextType: b.ContextType,
		report:      logReporter,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.trampoline = r.invoke

	idx, err := tlsconn.GetExNewIndex(r.onContextCreate, r.onContextDestroy)
	if err != nil {
		return nil, fmt.Errorf("failed to register association slot: %w", err)
	}
	r.index = idx

	logger.Debug("key log registry created", "index", idx)
	return r, nil
}

// Close stops attaching records to new contexts. Existing records live
// until their contexts are freed.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		tlsconn.FreeExIndex(r.index)
	})
}

// Index is the extension slot index the registry owns.
func (r *Registry) Index() int {
	return r.index
}

func (r *Registry) onContextCreate() any {
	r.live.Add(1)
	return &association{}
}

func (r *Registry) onContextDestroy(data any) {
	if a, ok := data.(*association); ok {
		a.handler.Store(nil)
		r.live.Add(-1)
	}
}

func (r *Registry) resolve(ctx any) (bridgeContext, *association, error) {
	if ctx == nil {
		return nil, nil, fmt.Errorf("%w: nil context", secrets.ErrTypeMismatch)
	}
	rv := reflect.ValueOf(ctx)
	if rv.Type() != r.contextType {
		return nil, nil, fmt.Errorf("%w: got %T, want %s", secrets.ErrTypeMismatch, ctx, r.contextType)
	}
	if rv.Kind() == reflect.Pointer && rv.IsNil() {
		return nil, nil, fmt.Errorf("%w: nil %s", secrets.ErrTypeMismatch, r.contextType)
	}
	c, ok := ctx.(bridgeContext)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %T", secrets.ErrTypeMismatch, ctx)
	}

	data, ok := c.ExData(r.index)
	if !ok {
		return c, nil, ErrMissingAssociation
	}
	a, ok := data.(*association)
	if !ok || a == nil {
		return c, nil, ErrMissingAssociation
	}
	return c, a, nil
}

// SetHandler stores h as ctx's handler, replacing any previous one, and
// installs the trampoline on ctx. Calling it again is harmless.
func (r *Registry) SetHandler(ctx any, h Handler) error {
	c, a, err := r.resolve(ctx)
	if err != nil {
		return err
	}
	HostLock.Lock()
	a.handler.Store(&handlerBox{h: h})
	HostLock.Unlock()

	c.SetKeylogCallback(r.trampoline)
	return nil
}

// ClearHandler removes ctx's handler. The trampoline stays installed and
// does nothing for ctx's connections.
func (r *Registry) ClearHandler(ctx any) error {
	_, a, err := r.resolve(ctx)
	if err != nil {
		return err
	}
	HostLock.Lock()
	defer HostLock.Unlock()
	a.handler.Store(nil)
	return nil
}

// HandlerOf returns ctx's current handler, nil when none is set.
func (r *Registry) HandlerOf(ctx any) (Handler, error) {
	_, a, err := r.resolve(ctx)
	if err != nil {
		return nil, err
	}
	if box := a.handler.Load(); box != nil {
		return box.h, nil
	}
	return nil, nil
}

// invoke is the trampoline installed on armed contexts.
func (r *Registry) invoke(conn *tlsconn.Conn, line string) {
	if err := r.dispatch(conn, line); err != nil {
		r.failures.Add(1)
		r.report(err, conn.ID())
	}
}

func (r *Registry) dispatch(conn *tlsconn.Conn, line string) (err error) {
	h := r.lookup(conn)
	if h == nil {
		return nil
	}

	r.invocations.Add(1)
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, rec)
		}
	}()
	return h.HandleKeylog(conn.ID(), line)
}

// lookup returns the handler armed on conn's context, or nil when the
// context has no association, was cleared or holds Noop.
func (r *Registry) lookup(conn *tlsconn.Conn) Handler {
	HostLock.Lock()
	defer HostLock.Unlock()

	data, ok := conn.Context().ExData(r.index)
	if !ok {
		return nil
	}
	a, ok := data.(*association)
	if !ok {
		return nil
	}
	box := a.handler.Load()
	if box == nil || IsNoop(box.h) {
		return nil
	}
	return box.h
}

// Stats contains registry statistics.
type Stats struct {
	Associations int64
	Invocations  uint64
	Failures     uint64
}

// Stats returns registry statistics.
func (r *Registry) Stats() Stats {
	return Stats{
		Associations: r.live.Load(),
		Invocations:  r.invocations.Load(),
		Failures:     r.failures.Load(),
	}
}
