package secrets

import (
	"errors"
	"fmt"
	"net"
	"reflect"

	"github.com/endorses/sslkeylog/internal/pkg/logger"
)

// MaxUnwrapDepth is how many NetConn hops the session type check follows
// from a wrapper to the bound connection type.
const MaxUnwrapDepth = 2

// ErrNoSecretSource is returned when the bound connection type supports
// neither accessor methods nor raw records.
var ErrNoSecretSource = errors.New("no secret source for bound connection type")

// Accessor reads secrets from connections of a bound layer.
type Accessor struct {
	binding         *Binding
	caps            Capabilities
	source          SecretSource
	contextMode     ContextMode
	derivedExporter bool
}

// NewAccessor probes the binding and selects the secret source.
func NewAccessor(b *Binding, opts ...Option) (*Accessor, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: nil binding", ErrMissingBinding)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	caps := Probe(b)

	var source SecretSource
	switch {
	case caps.DirectAccessors && caps.SessionLookup && !o.forceLayout:
		source = NativeAccessor{}
	case caps.RawLayout:
		legacy, err := NewLegacyLayoutAccessor(b.RuntimeVersion, caps.SessionLookup)
		if err != nil {
			return nil, err
		}
		source = legacy
	default:
		return nil, fmt.Errorf("%w: %s", ErrNoSecretSource, b.ConnType)
	}
	if o.derivedExporter && !caps.RawLayout {
		return nil, fmt.Errorf("%w: derived exporter needs raw records of %s", ErrNoSecretSource, b.ConnType)
	}

	logger.Debug("secret accessor initialized",
		"source", source.Name(),
		"conn_type", b.ConnType.String(),
		"direct_accessors", caps.DirectAccessors,
		"session_lookup", caps.SessionLookup,
		"exporter", caps.Exporter,
		"derived_exporter", o.derivedExporter,
		"context_mode", o.contextMode.String())

	return &Accessor{
		binding:         b,
		caps:            caps,
		source:          source,
		contextMode:     o.contextMode,
		derivedExporter: o.derivedExporter,
	}, nil
}

// Binding returns the binding the accessor was created for.
func (a *Accessor) Binding() *Binding { return a.binding }

// Capabilities returns the probed capability table.
func (a *Accessor) Capabilities() Capabilities { return a.caps }

// Source returns the selected secret source.
func (a *Accessor) Source() SecretSource { return a.source }

// ClientRandom returns the client random of session. ok is false while the
// session has not reached the point where it is known.
func (a *Accessor) ClientRandom(session any) (secret []byte, ok bool, err error) {
	return a.get(session, KindClientRandom)
}

// ServerRandom returns the server random of session.
func (a *Accessor) ServerRandom(session any) (secret []byte, ok bool, err error) {
	return a.get(session, KindServerRandom)
}

// MasterKey returns the master secret of session: 48 bytes for TLS 1.2
// suites, empty for TLS 1.3, which has none.
func (a *Accessor) MasterKey(session any) (secret []byte, ok bool, err error) {
	return a.get(session, KindMasterKey)
}

func (a *Accessor) get(session any, kind Kind) ([]byte, bool, error) {
	conn, err := a.Resolve(session)
	if err != nil {
		return nil, false, err
	}
	return a.copySecret(conn, kind)
}

// copySecret probes, allocates and copies one secret of a resolved connection.
func (a *Accessor) copySecret(conn any, kind Kind) ([]byte, bool, error) {
	size, ok, err := a.source.Copy(conn, kind, nil)
	if err != nil || !ok {
		return nil, false, err
	}

	buf := make([]byte, size)
	if size == 0 {
		return buf, true, nil
	}
	n, ok, err := a.source.Copy(conn, kind, buf)
	if err != nil || !ok {
		return nil, false, err
	}
	if n != size {
		return nil, false, fmt.Errorf("%w: %v probed %d bytes, copied %d", ErrShortCopy, kind, size, n)
	}
	return buf, true, nil
}

// Resolve type-checks session and returns the bound connection it refers
// to. session is either such a connection or a wrapper leading to one
// through at most MaxUnwrapDepth NetConn calls.
func (a *Accessor) Resolve(session any) (any, error) {
	v := session
	for hops := 0; ; hops++ {
		if v == nil {
			break
		}
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Pointer && rv.IsNil() {
			break
		}
		if rv.Type() == a.binding.ConnType {
			return v, nil
		}
		if hops == MaxUnwrapDepth {
			break
		}
		wrapper, ok := v.(interface{ NetConn() net.Conn })
		if !ok {
			break
		}
		next := wrapper.NetConn()
		if next == nil {
			break
		}
		v = next
	}
	return nil, fmt.Errorf("%w: got %T, want %s", ErrTypeMismatch, session, a.binding.ConnType)
}
