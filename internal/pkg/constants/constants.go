// Package constants provides shared constants used across sslkeylog components.
package constants

import "time"

// Secret sizes
const (
	// RandomSize is the size of the client and server hello randoms.
	RandomSize = 32

	// MaxMasterKeySize is the largest master secret a TLS 1.2 (or earlier) session can carry.
	MaxMasterKeySize = 48

	// HashSizeSHA256 and HashSizeSHA384 bound the TLS 1.3 exporter output (255 * hash size).
	HashSizeSHA256 = 32
	HashSizeSHA384 = 48

	// MaxExporterLabelSize is the longest exporter label a TLS 1.3 HKDF-Expand-Label accepts
	// once the "tls13 " prefix is added.
	MaxExporterLabelSize = 255 - len("tls13 ")
)

// Library version encoding
//
// Versions are packed as major<<28 | minor<<20 | patch<<12, leaving the low
// 12 bits for pre-release markers. VersionMask drops the patch level and below
// so that patch releases of the same minor line compare equal.
const (
	VersionMajorShift = 28
	VersionMinorShift = 20
	VersionPatchShift = 12

	VersionMask uint32 = 0xFFF00000
)

// Handshake capture
const (
	// MaxHandshakeCapture bounds how many handshake bytes a connection buffers per
	// direction while looking for its hello messages.
	MaxHandshakeCapture = 64 * 1024
)

// Shutdown and graceful termination timeouts
const (
	// GracefulShutdownTimeout is the time to wait for graceful component shutdown
	GracefulShutdownTimeout = 2 * time.Second

	// DialTimeout is the default connect and handshake timeout of the dial command
	DialTimeout = 10 * time.Second
)

// Channel buffer sizes
const (
	// SignalChannelBuffer is the buffer size for OS signal channels
	SignalChannelBuffer = 1

	// EntryChannelBuffer is the buffer size for key-log entry fan-out channels
	EntryChannelBuffer = 100
)
