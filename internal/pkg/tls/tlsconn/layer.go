package tlsconn

import (
	"reflect"

	"github.com/endorses/sslkeylog/internal/pkg/version"
)

// Names under which the layer exposes its handle types.
const (
	ConnTypeName    = "Conn"
	ContextTypeName = "Context"
)

// LayerInfo describes this TLS layer to code that binds to it by name.
type LayerInfo struct{}

// Layer returns the description of this TLS layer.
func Layer() LayerInfo {
	return LayerInfo{}
}

// Lookup resolves a handle type by its well-known name.
func (LayerInfo) Lookup(name string) (reflect.Type, bool) {
	switch name {
	case ConnTypeName:
		return reflect.TypeFor[*Conn](), true
	case ContextTypeName:
		return reflect.TypeFor[*Context](), true
	default:
		return nil, false
	}
}

// BuildVersion is the crypto/tls version the binary was compiled against.
func (LayerInfo) BuildVersion() uint32 {
	return version.BuildTLSVersion()
}

// RuntimeVersion is the crypto/tls version running in the process.
func (LayerInfo) RuntimeVersion() uint32 {
	return version.RuntimeTLSVersion()
}
