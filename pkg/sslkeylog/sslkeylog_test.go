package sslkeylog_test

import (
	"bytes"
	"crypto/tls"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/endorses/sslkeylog/internal/pkg/tls/tlsconn"
	"github.com/endorses/sslkeylog/internal/pkg/tls/tlstest"
	"github.com/endorses/sslkeylog/internal/pkg/version"
	"github.com/endorses/sslkeylog/pkg/sslkeylog"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var clientRandomLine = regexp.MustCompile(`^CLIENT_RANDOM [0-9a-f]{64} [0-9a-f]{96}$`)

type layer struct {
	build, running uint32
	types          map[string]reflect.Type
}

func (l layer) Lookup(name string) (reflect.Type, bool) {
	t, ok := l.types[name]
	return t, ok
}

func (l layer) BuildVersion() uint32   { return l.build }
func (l layer) RuntimeVersion() uint32 { return l.running }

type lines struct {
	mu  sync.Mutex
	got []string
	ids []uuid.UUID
}

func (l *lines) HandleKeylog(session uuid.UUID, line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, line)
	l.ids = append(l.ids, session)
	return nil
}

func (l *lines) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.got...)
}

// midHandshakeWriter queries conn's master key on every key log line.
// crypto/tls calls it on the goroutine running the client handshake.
type midHandshakeWriter struct {
	m       *sslkeylog.Module
	conn    *sslkeylog.Conn
	lines   int
	present []string
}

func (w *midHandshakeWriter) Write(p []byte) (int, error) {
	w.lines++
	if _, ok, err := w.m.GetMasterKey(w.conn); ok || err != nil {
		w.present = append(w.present, string(p))
	}
	return len(p), nil
}

func newModule(t *testing.T, opts ...sslkeylog.Option) *sslkeylog.Module {
	t.Helper()
	m, err := sslkeylog.Init(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func handshake12(t *testing.T, m *sslkeylog.Module, arm func(ctx *sslkeylog.Context)) (client, server *sslkeylog.Conn) {
	t.Helper()
	clientCtx := m.NewContext(tlstest.ClientConfig(t, tls.VersionTLS12))
	if arm != nil {
		arm(clientCtx)
	}
	serverCtx := m.NewContext(tlstest.ServerConfig(t))
	return tlstest.Handshake(t, clientCtx, serverCtx)
}

func TestInitRejectsVersionMismatch(t *testing.T) {
	l := layer{
		build:   version.Pack(1, 22, 0),
		running: version.Pack(1, 23, 0),
		types:   map[string]reflect.Type{"Conn": reflect.TypeFor[*tlsconn.Conn](), "Context": reflect.TypeFor[*tlsconn.Context]()},
	}

	m, err := sslkeylog.Init(sslkeylog.WithLayer(l))
	assert.ErrorIs(t, err, sslkeylog.ErrVersionMismatch)
	assert.Nil(t, m)
}

func TestInitIgnoresPatchLevel(t *testing.T) {
	l := layer{
		build:   version.Pack(1, 23, 1),
		running: version.Pack(1, 23, 4),
		types:   map[string]reflect.Type{"Conn": reflect.TypeFor[*tlsconn.Conn](), "Context": reflect.TypeFor[*tlsconn.Context]()},
	}

	newModule(t, sslkeylog.WithLayer(l))
}

func TestInitRejectsMissingTypes(t *testing.T) {
	v := version.Pack(1, 23, 0)
	l := layer{build: v, running: v, types: map[string]reflect.Type{"Conn": reflect.TypeFor[*tlsconn.Conn]()}}

	m, err := sslkeylog.Init(sslkeylog.WithLayer(l))
	assert.ErrorIs(t, err, sslkeylog.ErrMissingBinding)
	assert.Nil(t, m)
}

func TestSecretsAndKeylogLineAgree(t *testing.T) {
	m := newModule(t)
	h := &lines{}

	client, server := handshake12(t, m, func(ctx *sslkeylog.Context) {
		require.NoError(t, m.SetKeylogHandler(ctx, h))
	})

	got := h.snapshot()
	require.Len(t, got, 1)
	assert.Regexp(t, clientRandomLine, got[0])

	line, ok, err := m.GetKeylogLine(client)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, got[0], line)

	serverLine, ok, err := m.GetKeylogLine(server)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, line, serverLine)

	cr, ok, err := m.GetClientRandom(client)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, cr, 32)

	sr, ok, err := m.GetServerRandom(client)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, sr, 32)

	mk, ok, err := m.GetMasterKey(client)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, mk, 48)

	assert.Equal(t, client.ID(), h.ids[0])
}

func TestKeylogLineAbsent(t *testing.T) {
	m := newModule(t)

	t.Run("before handshake", func(t *testing.T) {
		raw, _ := tlstest.Pipe(t)
		conn := m.NewContext(tlstest.ClientConfig(t, tls.VersionTLS12)).Client(raw)

		line, ok, err := m.GetKeylogLine(conn)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Empty(t, line)
	})

	t.Run("TLS 1.3", func(t *testing.T) {
		clientCtx := m.NewContext(tlstest.ClientConfig(t, tls.VersionTLS13))
		client, _ := tlstest.Handshake(t, clientCtx, m.NewContext(tlstest.ServerConfig(t)))

		line, ok, err := m.GetKeylogLine(client)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Empty(t, line)

		mk, ok, err := m.GetMasterKey(client)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Empty(t, mk)
	})

	t.Run("TLS 1.3 mid-handshake", func(t *testing.T) {
		w := &midHandshakeWriter{m: m}
		cfg := tlstest.ClientConfig(t, tls.VersionTLS13)
		cfg.KeyLogWriter = w
		rawClient, rawServer := tlstest.Pipe(t)
		w.conn = m.NewContext(cfg).Client(rawClient)
		server := m.NewContext(tlstest.ServerConfig(t)).Server(rawServer)
		t.Cleanup(func() {
			_ = w.conn.Close()
			_ = server.Close()
		})

		errc := make(chan error, 1)
		go func() { errc <- server.Handshake() }()
		require.NoError(t, w.conn.Handshake())
		require.NoError(t, <-errc)

		assert.Equal(t, 4, w.lines)
		assert.Empty(t, w.present)
	})

	t.Run("wrong type", func(t *testing.T) {
		_, _, err := m.GetKeylogLine("not a connection")
		assert.ErrorIs(t, err, sslkeylog.ErrTypeMismatch)
	})
}

func TestExportKeyingMaterial(t *testing.T) {
	m := newModule(t)
	client, server := handshake12(t, m, nil)

	a, ok, err := m.ExportKeyingMaterial(client, 32, []byte("EXPORTER-test"), []byte("ctx"))
	require.NoError(t, err)
	require.True(t, ok)
	b, ok, err := m.ExportKeyingMaterial(server, 32, []byte("EXPORTER-test"), []byte("ctx"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a, b)

	_, _, err = m.ExportKeyingMaterial(client, 0, []byte("EXPORTER-test"), nil)
	assert.ErrorIs(t, err, sslkeylog.ErrInvalidLength)
}

func TestExportContextModes(t *testing.T) {
	label := []byte("EXPORTER-mode")

	distinct := newModule(t)
	client, _ := handshake12(t, distinct, nil)
	withNil, _, err := distinct.ExportKeyingMaterial(client, 16, label, nil)
	require.NoError(t, err)
	withEmpty, _, err := distinct.ExportKeyingMaterial(client, 16, label, []byte{})
	require.NoError(t, err)
	assert.NotEqual(t, withNil, withEmpty)

	omitted := newModule(t, sslkeylog.WithContextMode(sslkeylog.ContextOmittedAsEmpty))
	client, _ = handshake12(t, omitted, nil)
	withNil, _, err = omitted.ExportKeyingMaterial(client, 16, label, nil)
	require.NoError(t, err)
	withEmpty, _, err = omitted.ExportKeyingMaterial(client, 16, label, []byte{})
	require.NoError(t, err)
	assert.Equal(t, withNil, withEmpty)
}

func TestDerivedExporterAgrees(t *testing.T) {
	label := []byte("EXPORTER-derived")

	native := newModule(t)
	client, _ := handshake12(t, native, nil)
	want, ok, err := native.ExportKeyingMaterial(client, 48, label, []byte("ctx"))
	require.NoError(t, err)
	require.True(t, ok)

	derived := newModule(t, sslkeylog.WithDerivedExporter())
	got, ok, err := derived.ExportKeyingMaterial(client, 48, label, []byte("ctx"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestLayoutAccessorAgrees(t *testing.T) {
	m := newModule(t, sslkeylog.WithLayoutAccessor())
	h := &lines{}
	client, _ := handshake12(t, m, func(ctx *sslkeylog.Context) {
		require.NoError(t, m.SetKeylogHandler(ctx, h))
	})

	line, ok, err := m.GetKeylogLine(client)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, h.snapshot(), 1)
	assert.Equal(t, h.snapshot()[0], line)
}

func TestSetKeylogDestinations(t *testing.T) {
	t.Run("path", func(t *testing.T) {
		m := newModule(t)
		path := filepath.Join(t.TempDir(), "keys.log")
		require.NoError(t, m.SetKeylog(path))

		client, _ := handshake12(t, m, func(ctx *sslkeylog.Context) {
			require.NoError(t, m.SetKeylogCallback(ctx))
		})
		require.NoError(t, m.SetKeylog(nil))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		line, ok, err := m.GetKeylogLine(client)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, line+"\n", string(data))
	})

	t.Run("writer", func(t *testing.T) {
		m := newModule(t)
		var buf bytes.Buffer
		require.NoError(t, m.SetKeylog(&buf))

		handshake12(t, m, func(ctx *sslkeylog.Context) {
			require.NoError(t, m.SetKeylogCallback(ctx))
		})
		assert.Regexp(t, clientRandomLine, strings.TrimSuffix(buf.String(), "\n"))
	})

	t.Run("handler", func(t *testing.T) {
		m := newModule(t)
		h := &lines{}
		require.NoError(t, m.SetKeylog(h))

		handshake12(t, m, func(ctx *sslkeylog.Context) {
			require.NoError(t, m.SetKeylogCallback(ctx))
		})
		assert.Len(t, h.snapshot(), 1)
	})

	t.Run("func", func(t *testing.T) {
		m := newModule(t)
		var got []string
		require.NoError(t, m.SetKeylog(func(_ uuid.UUID, line string) error {
			got = append(got, line)
			return nil
		}))

		handshake12(t, m, func(ctx *sslkeylog.Context) {
			require.NoError(t, m.SetKeylogCallback(ctx))
		})
		assert.Len(t, got, 1)
	})

	t.Run("handler replaces file", func(t *testing.T) {
		m := newModule(t)
		path := filepath.Join(t.TempDir(), "keys.log")
		require.NoError(t, m.SetKeylog(path))
		h := &lines{}
		require.NoError(t, m.SetKeylog(h))

		handshake12(t, m, func(ctx *sslkeylog.Context) {
			require.NoError(t, m.SetKeylogCallback(ctx))
		})
		assert.Len(t, h.snapshot(), 1)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Empty(t, data)
	})

	t.Run("noop handler discards", func(t *testing.T) {
		m := newModule(t)
		var buf bytes.Buffer
		require.NoError(t, m.SetKeylog(&buf))
		require.NoError(t, m.SetKeylog(sslkeylog.Noop))

		handshake12(t, m, func(ctx *sslkeylog.Context) {
			require.NoError(t, m.SetKeylogCallback(ctx))
		})
		assert.Empty(t, buf.String())
	})

	t.Run("func errors are reported", func(t *testing.T) {
		var (
			mu       sync.Mutex
			reported []error
		)
		m := newModule(t, sslkeylog.WithErrorReporter(func(err error, _ uuid.UUID) {
			mu.Lock()
			defer mu.Unlock()
			reported = append(reported, err)
		}))
		failure := errors.New("queue closed")
		require.NoError(t, m.SetKeylog(func(uuid.UUID, string) error { return failure }))

		handshake12(t, m, func(ctx *sslkeylog.Context) {
			require.NoError(t, m.SetKeylogCallback(ctx))
		})

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, reported, 1)
		assert.ErrorIs(t, reported[0], failure)
	})

	t.Run("destination read per event", func(t *testing.T) {
		m := newModule(t)
		h := &lines{}

		handshake12(t, m, func(ctx *sslkeylog.Context) {
			require.NoError(t, m.SetKeylogCallback(ctx))
		})
		assert.Empty(t, h.snapshot())

		require.NoError(t, m.SetKeylog(h))
		handshake12(t, m, func(ctx *sslkeylog.Context) {
			require.NoError(t, m.SetKeylogCallback(ctx))
		})
		assert.Len(t, h.snapshot(), 1)
	})

	t.Run("invalid", func(t *testing.T) {
		m := newModule(t)
		assert.ErrorIs(t, m.SetKeylog(42), sslkeylog.ErrInvalidDestination)
	})
}

func TestHandlerErrorsAreReported(t *testing.T) {
	var (
		mu       sync.Mutex
		reported []error
	)
	m := newModule(t, sslkeylog.WithErrorReporter(func(err error, _ uuid.UUID) {
		mu.Lock()
		defer mu.Unlock()
		reported = append(reported, err)
	}))
	failure := errors.New("disk full")

	handshake12(t, m, func(ctx *sslkeylog.Context) {
		require.NoError(t, m.SetKeylogHandler(ctx, sslkeylog.HandlerFunc(func(uuid.UUID, string) error {
			return failure
		})))
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 1)
	assert.ErrorIs(t, reported[0], failure)
	assert.EqualValues(t, 1, m.Stats().Failures)
}

func TestPatch(t *testing.T) {
	m := newModule(t)
	h := &lines{}
	require.NoError(t, m.SetKeylog(h))

	require.NoError(t, m.Patch())
	require.NoError(t, m.Patch())

	armed := m.NewContext(nil)
	assert.NotNil(t, armed.KeylogCallback())

	// Both ends are armed and each logs the TLS 1.2 master secret.
	handshake12(t, m, nil)
	got := h.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, got[0], got[1])

	m.Unpatch()
	assert.Nil(t, m.NewContext(nil).KeylogCallback())
	handshake12(t, m, nil)
	assert.Len(t, h.snapshot(), 2)
}

func TestClosedModule(t *testing.T) {
	m, err := sslkeylog.Init()
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.ErrorIs(t, m.Patch(), sslkeylog.ErrClosed)
	assert.ErrorIs(t, m.SetKeylogCallback(m.NewContext(nil)), sslkeylog.ErrMissingAssociation)
}

func TestDefaultModule(t *testing.T) {
	m, err := sslkeylog.Default()
	require.NoError(t, err)
	again, err := sslkeylog.Default()
	require.NoError(t, err)
	assert.Same(t, m, again)

	clientCtx, err := sslkeylog.NewContext(tlstest.ClientConfig(t, tls.VersionTLS12))
	require.NoError(t, err)
	serverCtx, err := sslkeylog.NewContext(tlstest.ServerConfig(t))
	require.NoError(t, err)

	h := &lines{}
	require.NoError(t, sslkeylog.SetKeylogHandler(clientCtx, h))
	client, _ := tlstest.Handshake(t, clientCtx, serverCtx)

	line, ok, err := sslkeylog.GetKeylogLine(client)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{line}, h.snapshot())

	mk, ok, err := sslkeylog.GetMasterKey(client)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, mk, 48)

	km, ok, err := sslkeylog.ExportKeyingMaterial(client, 8, []byte("EXPORTER-default"), nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, km, 8)
}
