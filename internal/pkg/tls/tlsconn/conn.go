package tlsconn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/endorses/sslkeylog/internal/pkg/constants"
	"github.com/endorses/sslkeylog/internal/pkg/logger"
	"github.com/endorses/sslkeylog/internal/pkg/tls/keylog"
	"github.com/endorses/sslkeylog/internal/pkg/tls/layout"
	"github.com/google/uuid"
)

// ErrHandshakeIncomplete is returned by ExportKeyingMaterial before the
// handshake has completed.
var ErrHandshakeIncomplete = errors.New("handshake not complete")

// State is what the connection recorded of the handshake. It is published
// once both hello messages have been seen.
type State struct {
	// ClientHello and ServerHello are the raw handshake messages, header included.
	ClientHello []byte
	ServerHello []byte

	// Version and CipherSuite are taken from the ServerHello.
	Version     uint16
	CipherSuite uint16

	clientRandom [constants.RandomSize]byte
	serverRandom [constants.RandomSize]byte
}

// SessionState carries the session secrets logged during the handshake.
// TLS 1.3 sessions have no master secret and report a zero length; TLS 1.2
// sessions have no exporter secret.
type SessionState struct {
	MasterSecret       [constants.MaxMasterKeySize]byte
	MasterSecretLength int

	ExporterSecret       [constants.MaxMasterKeySize]byte
	ExporterSecretLength int
}

// MasterKey copies the master secret into out. With an empty out it returns
// the secret's length without copying.
func (s *SessionState) MasterKey(out []byte) int {
	if len(out) == 0 {
		return s.MasterSecretLength
	}
	return copy(out, s.MasterSecret[:s.MasterSecretLength])
}

// Exporter copies the TLS 1.3 exporter master secret into out, sized like
// MasterKey. crypto/tls does not log it, so it is only known for layers
// that write EXPORTER_SECRET lines.
func (s *SessionState) Exporter(out []byte) int {
	if len(out) == 0 {
		return s.ExporterSecretLength
	}
	return copy(out, s.ExporterSecret[:s.ExporterSecretLength])
}

// Raw holds the connection's records as stored, for readers that work
// from the record layout instead of the accessor methods.
type Raw struct {
	Hellos  atomic.Pointer[State]
	Session atomic.Pointer[SessionState]
}

// Conn is a TLS connection created from a Context.
type Conn struct {
	id       uuid.UUID
	ctx      *Context
	netConn  net.Conn
	recorder *layout.Recorder
	tls      *tls.Conn
	raw      Raw
	isClient bool
}

func newConn(ctx *Context, netConn net.Conn, isClient bool) *Conn {
	c := &Conn{
		id:       uuid.New(),
		ctx:      ctx,
		netConn:  netConn,
		isClient: isClient,
	}
	c.recorder = layout.NewRecorder(netConn, isClient, c.captureHellos)

	cfg := ctx.config.Clone()
	cfg.KeyLogWriter = &keylogWriter{conn: c, next: cfg.KeyLogWriter}
	if !isClient && cfg.GetConfigForClient != nil {
		getConfig := cfg.GetConfigForClient
		cfg.GetConfigForClient = func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			sub, err := getConfig(hello)
			if err != nil || sub == nil {
				return sub, err
			}
			sub = sub.Clone()
			sub.KeyLogWriter = &keylogWriter{conn: c, next: sub.KeyLogWriter}
			return sub, nil
		}
	}

	if isClient {
		c.tls = tls.Client(c.recorder, cfg)
	} else {
		c.tls = tls.Server(c.recorder, cfg)
	}
	return c
}

// ID identifies the connection in key log callbacks.
func (c *Conn) ID() uuid.UUID {
	return c.id
}

// Context returns the context the connection was created from.
func (c *Conn) Context() *Context {
	return c.ctx
}

// IsClient reports whether this is the client side.
func (c *Conn) IsClient() bool {
	return c.isClient
}

// State returns the recorded handshake, or nil until both hellos are seen.
func (c *Conn) State() *State {
	return c.raw.Hellos.Load()
}

// Session returns the session secret record, or nil until one is known.
func (c *Conn) Session() *SessionState {
	return c.raw.Session.Load()
}

// Raw returns the connection's records.
func (c *Conn) Raw() *Raw {
	return &c.raw
}

// ClientRandom copies the client random into out and returns the count.
// With an empty out it returns the random's size. It returns 0 before the
// hellos are recorded.
func (c *Conn) ClientRandom(out []byte) int {
	st := c.State()
	if st == nil {
		return 0
	}
	if len(out) == 0 {
		return len(st.clientRandom)
	}
	return copy(out, st.clientRandom[:])
}

// ServerRandom is ClientRandom for the server random.
func (c *Conn) ServerRandom(out []byte) int {
	st := c.State()
	if st == nil {
		return 0
	}
	if len(out) == 0 {
		return len(st.serverRandom)
	}
	return copy(out, st.serverRandom[:])
}

// ConnectionState returns crypto/tls's view of the connection.
func (c *Conn) ConnectionState() tls.ConnectionState {
	return c.tls.ConnectionState()
}

// ExportKeyingMaterial derives keying material with the connection's
// exporter. A nil context and an empty one are passed through unchanged.
func (c *Conn) ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error) {
	cs := c.tls.ConnectionState()
	if !cs.HandshakeComplete {
		return nil, ErrHandshakeIncomplete
	}
	return cs.ExportKeyingMaterial(label, context, length)
}

// TLS returns the underlying crypto/tls connection.
func (c *Conn) TLS() *tls.Conn {
	return c.tls
}

// NetConn returns the connection the TLS session runs over.
func (c *Conn) NetConn() net.Conn {
	return c.netConn
}

// Handshake runs the handshake if it has not run yet.
func (c *Conn) Handshake() error {
	return c.HandshakeContext(context.Background())
}

// HandshakeContext is Handshake with a context bounding the handshake.
func (c *Conn) HandshakeContext(ctx context.Context) error {
	if err := c.tls.HandshakeContext(ctx); err != nil {
		return err
	}
	// Sessions that logged no master secret (TLS 1.3) get an empty record.
	c.raw.Session.CompareAndSwap(nil, &SessionState{})
	return nil
}

// Read reads application data, completing the handshake first.
func (c *Conn) Read(b []byte) (int, error) {
	if err := c.Handshake(); err != nil {
		return 0, err
	}
	return c.tls.Read(b)
}

// Write writes application data, completing the handshake first.
func (c *Conn) Write(b []byte) (int, error) {
	if err := c.Handshake(); err != nil {
		return 0, err
	}
	return c.tls.Write(b)
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.tls.Close()
}

// CloseWrite shuts down the writing side of the connection.
func (c *Conn) CloseWrite() error {
	return c.tls.CloseWrite()
}

func (c *Conn) LocalAddr() net.Addr                { return c.tls.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr               { return c.tls.RemoteAddr() }
func (c *Conn) SetDeadline(t time.Time) error      { return c.tls.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.tls.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.tls.SetWriteDeadline(t) }

func (c *Conn) captureHellos(clientHello, serverHello []byte) {
	ch, err := layout.ParseHello(clientHello)
	if err != nil {
		logger.Debug("failed to parse recorded ClientHello", "conn", c.id, "error", err)
		return
	}
	sh, err := layout.ParseHello(serverHello)
	if err != nil {
		logger.Debug("failed to parse recorded ServerHello", "conn", c.id, "error", err)
		return
	}

	c.raw.Hellos.Store(&State{
		ClientHello:  clientHello,
		ServerHello:  serverHello,
		Version:      sh.Version,
		CipherSuite:  sh.CipherSuite,
		clientRandom: ch.Random,
		serverRandom: sh.Random,
	})
}

// recordKeylog keeps the secrets the accessors serve. crypto/tls writes a
// connection's lines one at a time, so the copy-and-store does not race.
func (c *Conn) recordKeylog(line string) {
	entry, err := keylog.NewParser().ParseLine(line)
	if err != nil || entry == nil {
		return
	}

	// TLS 1.3 traffic secrets leave the record untouched: the session stays
	// absent until the handshake completes.
	if entry.Label != keylog.LabelClientRandom && entry.Label != keylog.LabelExporterSecret {
		return
	}

	s := &SessionState{}
	if prev := c.raw.Session.Load(); prev != nil {
		*s = *prev
	}
	switch entry.Label {
	case keylog.LabelClientRandom:
		s.MasterSecretLength = copy(s.MasterSecret[:], entry.Secret)
	case keylog.LabelExporterSecret:
		s.ExporterSecretLength = copy(s.ExporterSecret[:], entry.Secret)
	}
	c.raw.Session.Store(s)
}

// keylogWriter is the KeyLogWriter of one connection's configuration.
// crypto/tls serializes calls to it and aborts the handshake on error, so it
// always reports success.
type keylogWriter struct {
	conn *Conn
	next io.Writer
}

func (w *keylogWriter) Write(p []byte) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			n, err = len(p), nil
			logger.Error("panic in key log callback",
				"conn", w.conn.id,
				"panic", fmt.Sprint(r))
		}
	}()

	line := strings.TrimRight(string(p), "\r\n")
	w.conn.recordKeylog(line)

	if cb := w.conn.ctx.KeylogCallback(); cb != nil {
		cb(w.conn, line)
	}
	if w.next != nil {
		if _, err := w.next.Write(p); err != nil {
			logger.Warn("failed to forward key log line", "conn", w.conn.id, "error", err)
		}
	}
	return len(p), nil
}
