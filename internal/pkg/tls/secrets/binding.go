// Package secrets reads the client random, server random and master secret
// of a TLS connection and derives exporter keying material from it. It binds
// to a TLS layer by name, refuses to run when the TLS library it was built
// against differs from the running one, and picks how to read secrets once,
// from the capabilities the bound types expose.
package secrets

import (
	"fmt"
	"reflect"

	"github.com/endorses/sslkeylog/internal/pkg/version"
)

// Well-known names of the handle types a layer must provide.
const (
	ConnName    = "Conn"
	ContextName = "Context"
)

// Layer is a TLS layer that can be bound to.
type Layer interface {
	// Lookup resolves a handle type by its well-known name.
	Lookup(name string) (reflect.Type, bool)

	// BuildVersion is the TLS library version compiled in.
	BuildVersion() uint32

	// RuntimeVersion is the TLS library version running.
	RuntimeVersion() uint32
}

// Binding is a successfully bound TLS layer.
type Binding struct {
	ConnType       reflect.Type
	ContextType    reflect.Type
	BuildVersion   uint32
	RuntimeVersion uint32
}

// Bind checks the layer's versions and resolves its handle types. It
// returns either a complete binding or an error, never a partial binding.
func Bind(layer Layer) (*Binding, error) {
	if layer == nil {
		return nil, fmt.Errorf("%w: no layer", ErrMissingBinding)
	}

	build, running := layer.BuildVersion(), layer.RuntimeVersion()
	if version.Masked(build) != version.Masked(running) {
		return nil, fmt.Errorf("%w: built against %s, running %s",
			ErrVersionMismatch, version.Format(build), version.Format(running))
	}

	connType, ok := layer.Lookup(ConnName)
	if !ok || connType == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingBinding, ConnName)
	}
	contextType, ok := layer.Lookup(ContextName)
	if !ok || contextType == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingBinding, ContextName)
	}

	return &Binding{
		ConnType:       connType,
		ContextType:    contextType,
		BuildVersion:   build,
		RuntimeVersion: running,
	}, nil
}
