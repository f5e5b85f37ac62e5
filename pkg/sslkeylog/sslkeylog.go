// Package sslkeylog exposes the TLS secrets of connections made through its
// contexts: client random, server random, master secret and exporter keying
// material, plus every key log line crypto/tls derives, delivered to a
// handler registered per context.
//
// Contexts must be created after the module is initialized; the package
// level functions initialize the default module on first use.
//
//	ctx, _ := sslkeylog.NewContext(&tls.Config{ServerName: "example.com"})
//	_ = sslkeylog.SetKeylog("/tmp/keys.log")
//	_ = sslkeylog.SetKeylogCallback(ctx)
//	conn := ctx.Client(rawConn)
//	_ = conn.Handshake()
//	line, ok, _ := sslkeylog.GetKeylogLine(conn)
package sslkeylog

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/endorses/sslkeylog/internal/pkg/logger"
	"github.com/endorses/sslkeylog/internal/pkg/tls/bridge"
	"github.com/endorses/sslkeylog/internal/pkg/tls/keylog"
	"github.com/endorses/sslkeylog/internal/pkg/tls/secrets"
	"github.com/endorses/sslkeylog/internal/pkg/tls/tlsconn"
	"github.com/google/uuid"
)

type (
	// Context is a TLS configuration shared by many connections.
	Context = tlsconn.Context

	// Conn is a TLS connection created from a Context.
	Conn = tlsconn.Conn

	// Handler receives key log lines.
	Handler = bridge.Handler

	// HandlerFunc adapts a function to Handler.
	HandlerFunc = bridge.HandlerFunc

	// ContextMode decides how an omitted exporter context is treated.
	ContextMode = secrets.ContextMode
)

const (
	ContextDistinct       = secrets.ContextDistinct
	ContextOmittedAsEmpty = secrets.ContextOmittedAsEmpty
)

// Noop is a handler that is never called.
var Noop = bridge.Noop

// Errors returned by the module.
var (
	ErrVersionMismatch    = secrets.ErrVersionMismatch
	ErrMissingBinding     = secrets.ErrMissingBinding
	ErrUnsupportedVersion = secrets.ErrUnsupportedVersion
	ErrTypeMismatch       = secrets.ErrTypeMismatch
	ErrInvalidLength      = secrets.ErrInvalidLength
	ErrDerivationFailed   = secrets.ErrDerivationFailed
	ErrMissingAssociation = bridge.ErrMissingAssociation

	// ErrInvalidDestination is returned by SetKeylog for an unsupported destination.
	ErrInvalidDestination = errors.New("invalid key log destination")

	// ErrClosed is returned by a closed module.
	ErrClosed = errors.New("sslkeylog module closed")
)

type config struct {
	layer        secrets.Layer
	accessorOpts []secrets.Option
	bridgeOpts   []bridge.Option
}

// Option configures Init.
type Option func(*config)

// WithLayer binds to layer instead of the built-in TLS layer.
func WithLayer(layer secrets.Layer) Option {
	return func(c *config) {
		c.layer = layer
	}
}

// WithContextMode sets how an omitted exporter context is treated.
func WithContextMode(m ContextMode) Option {
	return func(c *config) {
		c.accessorOpts = append(c.accessorOpts, secrets.WithContextMode(m))
	}
}

// WithLayoutAccessor reads secrets from the raw connection records.
func WithLayoutAccessor() Option {
	return func(c *config) {
		c.accessorOpts = append(c.accessorOpts, secrets.WithLayoutAccessor())
	}
}

// WithDerivedExporter computes ExportKeyingMaterial output from the
// recorded secrets rather than the connection's own exporter.
func WithDerivedExporter() Option {
	return func(c *config) {
		c.accessorOpts = append(c.accessorOpts, secrets.WithDerivedExporter())
	}
}

// WithErrorReporter receives handler failures instead of the logger.
func WithErrorReporter(report func(err error, session uuid.UUID)) Option {
	return func(c *config) {
		c.bridgeOpts = append(c.bridgeOpts, bridge.WithErrorReporter(report))
	}
}

// Module is an initialized sslkeylog instance.
type Module struct {
	binding  *secrets.Binding
	accessor *secrets.Accessor
	registry *bridge.Registry
	// sink is the destination SetKeylogCallback contexts forward to,
	// read at every key log event.
	sink     *keylog.Sink
	dispatch Handler

	mu      sync.Mutex
	unpatch func()
	closed  bool
}

// Init binds the TLS layer, checks its versions, selects how secrets are
// read and registers the key log association slot. Any failure leaves
// nothing registered.
func Init(opts ...Option) (*Module, error) {
	cfg := config{layer: tlsconn.Layer()}
	for _, opt := range opts {
		opt(&cfg)
	}

	b, err := secrets.Bind(cfg.layer)
	if err != nil {
		return nil, err
	}
	accessor, err := secrets.NewAccessor(b, cfg.accessorOpts...)
	if err != nil {
		return nil, err
	}
	registry, err := bridge.NewRegistry(b, cfg.bridgeOpts...)
	if err != nil {
		return nil, err
	}

	m := &Module{
		binding:  b,
		accessor: accessor,
		registry: registry,
		sink:     keylog.NewSink(),
	}
	m.dispatch = HandlerFunc(m.sink.WriteLine)

	logger.Debug("sslkeylog initialized",
		"secret_source", accessor.Source().Name(),
		"registry_index", registry.Index())
	return m, nil
}

// Capabilities returns what the bound TLS layer was probed to offer.
func (m *Module) Capabilities() secrets.Capabilities {
	return m.accessor.Capabilities()
}

// NewContext creates a context carrying this module's association record.
func (m *Module) NewContext(cfg *tls.Config) *Context {
	return tlsconn.NewContext(cfg)
}

// GetClientRandom returns the client random of session, a *Conn or a
// wrapper leading to one. ok is false while it is not known yet.
func (m *Module) GetClientRandom(session any) (random []byte, ok bool, err error) {
	return m.accessor.ClientRandom(session)
}

// GetServerRandom returns the server random of session.
func (m *Module) GetServerRandom(session any) (random []byte, ok bool, err error) {
	return m.accessor.ServerRandom(session)
}

// GetMasterKey returns the master secret of session. TLS 1.3 sessions
// have none and return an empty slice.
func (m *Module) GetMasterKey(session any) (key []byte, ok bool, err error) {
	return m.accessor.MasterKey(session)
}

// ExportKeyingMaterial derives length bytes from session's exporter. A nil
// context is distinct from an empty one unless ContextOmittedAsEmpty is set.
func (m *Module) ExportKeyingMaterial(session any, length int, label, context []byte) (km []byte, ok bool, err error) {
	return m.accessor.ExportKeyingMaterial(session, length, label, context)
}

// GetKeylogLine returns the CLIENT_RANDOM line of a TLS 1.2 session. ok is
// false until the master secret is known and for TLS 1.3 sessions.
func (m *Module) GetKeylogLine(session any) (line string, ok bool, err error) {
	clientRandom, ok, err := m.accessor.ClientRandom(session)
	if err != nil || !ok {
		return "", false, err
	}
	masterKey, ok, err := m.accessor.MasterKey(session)
	if err != nil || !ok || len(masterKey) == 0 {
		return "", false, err
	}
	return keylog.FormatLine(keylog.LabelClientRandom.String(), clientRandom, masterKey), true, nil
}

// SetKeylogHandler arms ctx with h. Setting it again replaces h.
func (m *Module) SetKeylogHandler(ctx any, h Handler) error {
	return m.registry.SetHandler(ctx, h)
}

// ClearKeylogHandler disarms ctx.
func (m *Module) ClearKeylogHandler(ctx any) error {
	return m.registry.ClearHandler(ctx)
}

// SetKeylogCallback arms ctx with the module's destination set by SetKeylog.
// Lines are dropped while no destination is set.
func (m *Module) SetKeylogCallback(ctx any) error {
	return m.registry.SetHandler(ctx, m.dispatch)
}

// SetKeylog sets where SetKeylogCallback contexts send their lines:
//   - nil: nowhere
//   - string: a file path, opened for appending
//   - io.Writer: written to, one line per event
//   - Handler or func(uuid.UUID, string) error: called per event, possibly
//     concurrently for different connections
//
// A file opened by a previous call is closed.
func (m *Module) SetKeylog(dest any) error {
	var err error
	switch d := dest.(type) {
	case nil:
		err = m.sink.Reset()
	case string:
		if err := m.sink.SetPath(d); err != nil {
			return err
		}
	case Handler:
		if bridge.IsNoop(d) {
			err = m.sink.Reset()
		} else {
			err = m.sink.SetFunc(d.HandleKeylog)
		}
	case func(uuid.UUID, string) error:
		err = m.sink.SetFunc(d)
	case io.Writer:
		err = m.sink.SetWriter(d)
	default:
		return fmt.Errorf("%w: %T", ErrInvalidDestination, dest)
	}
	if err != nil {
		logger.Warn("failed to close key log", "error", err)
	}

	logger.Debug("key log destination set", "target", m.sink.Target())
	return nil
}

// Patch arms every context created from now on, as SetKeylogCallback does.
// Calling it again has no effect.
func (m *Module) Patch() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.unpatch != nil {
		return nil
	}
	m.unpatch = tlsconn.AddContextHook(func(ctx *tlsconn.Context) {
		if err := m.SetKeylogCallback(ctx); err != nil {
			logger.Warn("failed to arm new context", "error", err)
		}
	})
	return nil
}

// Unpatch stops arming new contexts. Contexts armed so far stay armed.
func (m *Module) Unpatch() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unpatch != nil {
		m.unpatch()
		m.unpatch = nil
	}
}

// Stats returns the key log bridge statistics.
func (m *Module) Stats() bridge.Stats {
	return m.registry.Stats()
}

// Close unpatches, stops attaching records to new contexts and closes a
// key log file opened by SetKeylog.
func (m *Module) Close() error {
	m.Unpatch()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	m.registry.Close()
	return m.sink.Close()
}
