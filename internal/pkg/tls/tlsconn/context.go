// Package tlsconn is the TLS layer the secret accessors and the key log
// bridge bind to. It wraps crypto/tls configurations in contexts that carry
// extension slots and a key log callback, and wraps connections so that
// their hello randoms and master secret can be read after the handshake.
package tlsconn

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
)

// MaxExIndex bounds the number of extension slot indices a process can register.
const MaxExIndex = 1024

var (
	// ErrExIndexExhausted is returned once MaxExIndex indices are registered.
	ErrExIndexExhausted = errors.New("extension slot indices exhausted")

	// ErrContextFreed is returned when storing data on a freed context.
	ErrContextFreed = errors.New("context already freed")
)

// ExNewFunc creates the data of one extension slot for a new context.
type ExNewFunc func() any

// ExFreeFunc releases the data of one extension slot when its context is freed.
type ExFreeFunc func(data any)

type exIndex struct {
	newFn  ExNewFunc
	freeFn ExFreeFunc
	live   bool
}

var (
	exMu      sync.RWMutex
	exIndices []exIndex

	hookMu     sync.RWMutex
	hookNextID uint64
	hooks      = make(map[uint64]func(*Context))
)

// GetExNewIndex registers an extension slot index. Every context created
// afterwards gets newFn's result in that slot, and freeFn is called on it
// when the context is freed. Contexts created earlier have no data there.
func GetExNewIndex(newFn ExNewFunc, freeFn ExFreeFunc) (int, error) {
	exMu.Lock()
	defer exMu.Unlock()

	if len(exIndices) >= MaxExIndex {
		return -1, ErrExIndexExhausted
	}
	exIndices = append(exIndices, exIndex{newFn: newFn, freeFn: freeFn, live: true})
	return len(exIndices) - 1, nil
}

// FreeExIndex stops populating idx on new contexts. Existing contexts keep
// their data until they are freed. Indices are never reused.
func FreeExIndex(idx int) {
	exMu.Lock()
	defer exMu.Unlock()

	if idx >= 0 && idx < len(exIndices) {
		exIndices[idx].live = false
	}
}

// AddContextHook registers fn to run for every context created until the
// returned function is called.
func AddContextHook(fn func(*Context)) (remove func()) {
	hookMu.Lock()
	id := hookNextID
	hookNextID++
	hooks[id] = fn
	hookMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			hookMu.Lock()
			delete(hooks, id)
			hookMu.Unlock()
		})
	}
}

// KeylogCallback receives every key log line crypto/tls derives on a
// connection of the context, without the trailing newline. It runs on the
// goroutine performing the handshake.
type KeylogCallback func(conn *Conn, line string)

type exSlot struct {
	data   any
	freeFn ExFreeFunc
}

// exData is allocated apart from its Context so the cleanup attached to the
// Context can own it without keeping the Context reachable.
type exData struct {
	mu    sync.Mutex
	slots map[int]exSlot
	freed bool
}

func (d *exData) free() {
	d.mu.Lock()
	if d.freed {
		d.mu.Unlock()
		return
	}
	d.freed = true
	slots := d.slots
	d.slots = nil
	d.mu.Unlock()

	indices := make([]int, 0, len(slots))
	for idx := range slots {
		indices = append(indices, idx)
	}
	slices.Sort(indices)
	for _, idx := range indices {
		if s := slots[idx]; s.freeFn != nil {
			s.freeFn(s.data)
		}
	}
}

// Context holds a TLS configuration shared by many connections.
type Context struct {
	config  *tls.Config
	ex      *exData
	keylog  atomic.Pointer[KeylogCallback]
	cleanup runtime.Cleanup
}

// NewContext creates a context from a copy of cfg (nil means an empty
// configuration). Every live extension slot index is populated and every
// context hook is run before NewContext returns.
func NewContext(cfg *tls.Config) *Context {
	if cfg == nil {
		cfg = &tls.Config{}
	} else {
		cfg = cfg.Clone()
	}

	ctx := &Context{
		config: cfg,
		ex:     &exData{slots: make(map[int]exSlot)},
	}

	exMu.RLock()
	for idx, ix := range exIndices {
		if !ix.live {
			continue
		}
		var data any
		if ix.newFn != nil {
			data = ix.newFn()
		}
		ctx.ex.slots[idx] = exSlot{data: data, freeFn: ix.freeFn}
	}
	exMu.RUnlock()

	ctx.cleanup = runtime.AddCleanup(ctx, func(d *exData) { d.free() }, ctx.ex)

	hookMu.RLock()
	ids := make([]uint64, 0, len(hooks))
	for id := range hooks {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	run := make([]func(*Context), 0, len(ids))
	for _, id := range ids {
		run = append(run, hooks[id])
	}
	hookMu.RUnlock()

	for _, fn := range run {
		fn(ctx)
	}
	return ctx
}

// Config returns the context's configuration. Changes affect connections
// created afterwards.
func (c *Context) Config() *tls.Config {
	return c.config
}

// SetExData stores data in slot idx, replacing what is there without
// calling its free function.
func (c *Context) SetExData(idx int, data any) error {
	c.ex.mu.Lock()
	defer c.ex.mu.Unlock()

	if c.ex.freed {
		return ErrContextFreed
	}
	if idx < 0 {
		return fmt.Errorf("invalid extension slot index %d", idx)
	}
	s := c.ex.slots[idx]
	s.data = data
	c.ex.slots[idx] = s
	return nil
}

// ExData returns the data in slot idx. ok is false when the slot was never
// populated or the context has been freed.
func (c *Context) ExData(idx int) (data any, ok bool) {
	c.ex.mu.Lock()
	defer c.ex.mu.Unlock()

	s, ok := c.ex.slots[idx]
	return s.data, ok
}

// Free releases every extension slot, calling each free function exactly
// once. Contexts that are never freed are released when collected.
func (c *Context) Free() {
	c.cleanup.Stop()
	c.ex.free()
}

// SetKeylogCallback installs cb as the context's key log callback. nil
// removes it. Installing the same callback again has no further effect.
func (c *Context) SetKeylogCallback(cb KeylogCallback) {
	if cb == nil {
		c.keylog.Store(nil)
		return
	}
	c.keylog.Store(&cb)
}

// KeylogCallback returns the installed callback or nil.
func (c *Context) KeylogCallback() KeylogCallback {
	if p := c.keylog.Load(); p != nil {
		return *p
	}
	return nil
}

// Client returns a client connection over raw.
func (c *Context) Client(raw net.Conn) *Conn {
	return newConn(c, raw, true)
}

// Server returns a server connection over raw.
func (c *Context) Server(raw net.Conn) *Conn {
	return newConn(c, raw, false)
}
