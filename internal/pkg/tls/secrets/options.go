package secrets

// ContextMode decides how a nil exporter context is passed to the exporter.
type ContextMode int

const (
	// ContextDistinct passes nil as "no context" and an empty non-nil slice
	// as a zero-length context. On TLS 1.2 the two derive different output.
	ContextDistinct ContextMode = iota

	// ContextOmittedAsEmpty treats an omitted context as a zero-length one.
	ContextOmittedAsEmpty
)

func (m ContextMode) String() string {
	if m == ContextOmittedAsEmpty {
		return "omitted-as-empty"
	}
	return "distinct"
}

type options struct {
	contextMode     ContextMode
	forceLayout     bool
	derivedExporter bool
}

// Option configures an Accessor.
type Option func(*options)

// WithContextMode sets how an omitted exporter context is treated.
func WithContextMode(m ContextMode) Option {
	return func(o *options) {
		o.contextMode = m
	}
}

// WithLayoutAccessor makes the Accessor read raw records even when the
// connection has accessor methods.
func WithLayoutAccessor() Option {
	return func(o *options) {
		o.forceLayout = true
	}
}

// WithDerivedExporter computes exporter output from the recorded secrets
// and hellos instead of calling the connection's exporter. It needs raw
// records, and unlike crypto/tls it does not refuse TLS 1.2 sessions
// without extended master secret.
func WithDerivedExporter() Option {
	return func(o *options) {
		o.derivedExporter = true
	}
}
