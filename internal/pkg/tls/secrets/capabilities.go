package secrets

import (
	"crypto/tls"
	"reflect"

	"github.com/endorses/sslkeylog/internal/pkg/constants"
	"github.com/endorses/sslkeylog/internal/pkg/tls/tlsconn"
	"github.com/endorses/sslkeylog/internal/pkg/version"
)

// Version range the raw layout reader is pinned to: the Raw record shape
// and hello layout of Go 1 toolchains from 1.21 on.
const (
	LayoutMinVersion uint32 = 1<<constants.VersionMajorShift | 21<<constants.VersionMinorShift
	LayoutMaxVersion uint32 = 1<<constants.VersionMajorShift | 0xFF<<constants.VersionMinorShift

	// exporterEMSVersion is the first release whose TLS 1.2 exporter
	// requires the extended master secret extension.
	exporterEMSVersion uint32 = 1<<constants.VersionMajorShift | 22<<constants.VersionMinorShift
)

// Method sets probed on the bound types.
type (
	randomAccessors interface {
		ClientRandom(out []byte) int
		ServerRandom(out []byte) int
	}
	sessionLookup interface {
		Session() *tlsconn.SessionState
	}
	keyingExporter interface {
		ConnectionState() tls.ConnectionState
		ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error)
	}
	rawRecords interface {
		Raw() *tlsconn.Raw
	}
	keylogHook interface {
		SetKeylogCallback(cb tlsconn.KeylogCallback)
	}
)

// Capabilities is what the bound layer offers, probed once.
type Capabilities struct {
	// DirectAccessors: the connection copies its randoms itself.
	DirectAccessors bool

	// SessionLookup: the connection hands out its session record.
	SessionLookup bool

	// RawLayout: the connection exposes its raw records.
	RawLayout bool

	// Exporter: the connection derives exporter keying material.
	Exporter bool

	// KeylogHook: the context accepts a key log callback.
	KeylogHook bool

	// ExporterNeedsEMS: TLS 1.2 exporters need extended master secret.
	ExporterNeedsEMS bool
}

// Probe fills the capability table from the bound types and the running
// library version.
func Probe(b *Binding) Capabilities {
	implements := func(t reflect.Type, iface reflect.Type) bool {
		return t != nil && t.Implements(iface)
	}
	return Capabilities{
		DirectAccessors:  implements(b.ConnType, reflect.TypeFor[randomAccessors]()),
		SessionLookup:    implements(b.ConnType, reflect.TypeFor[sessionLookup]()),
		RawLayout:        implements(b.ConnType, reflect.TypeFor[rawRecords]()),
		Exporter:         implements(b.ConnType, reflect.TypeFor[keyingExporter]()),
		KeylogHook:       implements(b.ContextType, reflect.TypeFor[keylogHook]()),
		ExporterNeedsEMS: version.Masked(b.RuntimeVersion) >= exporterEMSVersion,
	}
}

// layoutSupported reports whether v falls in the raw layout's pinned range.
func layoutSupported(v uint32) bool {
	v = version.Masked(v)
	return v >= LayoutMinVersion && v <= LayoutMaxVersion
}
