package secrets

import "errors"

var (
	// ErrVersionMismatch is returned by Bind when the TLS library the binary
	// was built against differs from the one running, ignoring patch level.
	ErrVersionMismatch = errors.New("TLS library version mismatch")

	// ErrMissingBinding is returned by Bind when the layer does not provide
	// one of the handle types.
	ErrMissingBinding = errors.New("TLS layer binding missing")

	// ErrUnsupportedVersion is returned when no secret source can serve the
	// running TLS library version.
	ErrUnsupportedVersion = errors.New("unsupported TLS library version")

	// ErrTypeMismatch is returned for a session argument that is not a
	// connection of the bound layer.
	ErrTypeMismatch = errors.New("session type mismatch")

	// ErrInvalidLength is returned for a non-positive exporter length.
	ErrInvalidLength = errors.New("invalid keying material length")

	// ErrDerivationFailed is returned when the exporter refuses a request.
	// No partial output accompanies it.
	ErrDerivationFailed = errors.New("keying material derivation failed")

	// ErrShortCopy is returned when a secret copy is shorter than its probed size.
	ErrShortCopy = errors.New("secret copy shorter than probed size")
)
