package secrets

import (
	"fmt"

	"github.com/endorses/sslkeylog/internal/pkg/tls/layout"
	"github.com/endorses/sslkeylog/internal/pkg/tls/tlsconn"
	"github.com/endorses/sslkeylog/internal/pkg/version"
)

// Kind names a secret a SecretSource can copy.
type Kind int

const (
	KindClientRandom Kind = iota
	KindServerRandom
	KindMasterKey

	// KindExporterSecret is the TLS 1.3 exporter master secret.
	KindExporterSecret
)

func (k Kind) String() string {
	switch k {
	case KindClientRandom:
		return "client random"
	case KindServerRandom:
		return "server random"
	case KindMasterKey:
		return "master key"
	case KindExporterSecret:
		return "exporter secret"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// SecretSource copies secrets out of a connection that already passed the
// type check.
//
// With an empty out, Copy returns the secret's natural size. Otherwise it
// copies min(len(out), size) bytes and returns the count. ok is false when
// the connection has no cryptographic state for the secret yet.
type SecretSource interface {
	Name() string
	Copy(conn any, kind Kind, out []byte) (n int, ok bool, err error)
}

// NativeAccessor reads secrets through the connection's accessor methods.
type NativeAccessor struct{}

// Name implements SecretSource.
func (NativeAccessor) Name() string { return "native" }

// Copy implements SecretSource.
func (NativeAccessor) Copy(conn any, kind Kind, out []byte) (int, bool, error) {
	switch kind {
	case KindClientRandom, KindServerRandom:
		c, ok := conn.(randomAccessors)
		if !ok {
			return 0, false, fmt.Errorf("%w: %T has no random accessors", ErrTypeMismatch, conn)
		}
		get := c.ClientRandom
		if kind == KindServerRandom {
			get = c.ServerRandom
		}
		// A zero-size random means no hello has been recorded.
		if get(nil) == 0 {
			return 0, false, nil
		}
		return get(out), true, nil

	case KindMasterKey, KindExporterSecret:
		c, ok := conn.(sessionLookup)
		if !ok {
			return 0, false, fmt.Errorf("%w: %T has no session lookup", ErrTypeMismatch, conn)
		}
		s := c.Session()
		if s == nil {
			return 0, false, nil
		}
		if kind == KindExporterSecret {
			return s.Exporter(out), true, nil
		}
		return s.MasterKey(out), true, nil
	}
	return 0, false, fmt.Errorf("unknown secret kind %v", kind)
}

// LegacyLayoutAccessor reads secrets from the connection's raw records:
// randoms at their fixed offsets in the recorded hello messages and the
// master secret from the session record's fields.
type LegacyLayoutAccessor struct {
	useSessionLookup bool
}

// NewLegacyLayoutAccessor returns the raw layout reader for a TLS library
// at runtimeVersion. sessionLookup selects whether the session record is
// obtained through the connection's Session method or from its raw records.
func NewLegacyLayoutAccessor(runtimeVersion uint32, sessionLookup bool) (*LegacyLayoutAccessor, error) {
	if !layoutSupported(runtimeVersion) {
		return nil, fmt.Errorf("%w: raw layout pinned to %s..%s, running %s",
			ErrUnsupportedVersion,
			version.Format(LayoutMinVersion), version.Format(LayoutMaxVersion),
			version.Format(runtimeVersion))
	}
	return &LegacyLayoutAccessor{useSessionLookup: sessionLookup}, nil
}

// Name implements SecretSource.
func (*LegacyLayoutAccessor) Name() string { return "layout" }

// Copy implements SecretSource.
func (a *LegacyLayoutAccessor) Copy(conn any, kind Kind, out []byte) (int, bool, error) {
	c, ok := conn.(rawRecords)
	if !ok {
		return 0, false, fmt.Errorf("%w: %T has no raw records", ErrTypeMismatch, conn)
	}
	raw := c.Raw()

	switch kind {
	case KindClientRandom, KindServerRandom:
		st := raw.Hellos.Load()
		if st == nil {
			return 0, false, nil
		}
		var (
			n   int
			err error
		)
		if kind == KindClientRandom {
			n, err = layout.ClientRandom(st.ClientHello, out)
		} else {
			n, err = layout.ServerRandom(st.ServerHello, out)
		}
		if err != nil {
			return 0, false, fmt.Errorf("reading %v: %w", kind, err)
		}
		return n, true, nil

	case KindMasterKey, KindExporterSecret:
		var s *tlsconn.SessionState
		if lookup, ok := conn.(sessionLookup); ok && a.useSessionLookup {
			s = lookup.Session()
		} else {
			s = raw.Session.Load()
		}
		if s == nil {
			return 0, false, nil
		}
		secret, size := s.MasterSecret[:], s.MasterSecretLength
		if kind == KindExporterSecret {
			secret, size = s.ExporterSecret[:], s.ExporterSecretLength
		}
		if size < 0 || size > len(secret) {
			return 0, false, fmt.Errorf("reading %v: corrupt length %d", kind, size)
		}
		if len(out) == 0 {
			return size, true, nil
		}
		return copy(out, secret[:size]), true, nil
	}
	return 0, false, fmt.Errorf("unknown secret kind %v", kind)
}
