// Package layout knows the fixed byte layout of TLS records and hello
// messages. It reads the client and server randoms straight out of recorded
// handshake bytes and records those bytes from a live connection.
package layout

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/endorses/sslkeylog/internal/pkg/constants"
)

// TLS constants
const (
	// TLS record types
	RecordTypeChangeCipherSpec = 20
	RecordTypeAlert            = 21
	RecordTypeHandshake        = 22
	RecordTypeApplicationData  = 23

	// Handshake types
	HandshakeTypeClientHello = 1
	HandshakeTypeServerHello = 2

	// TLS versions
	VersionTLS10 = 0x0301
	VersionTLS11 = 0x0302
	VersionTLS12 = 0x0303
	VersionTLS13 = 0x0304

	// Extension types
	ExtensionSupportedVersions = 43
)

// Byte layout
const (
	// RecordHeaderLen is ContentType(1) + Version(2) + Length(2).
	RecordHeaderLen = 5

	// HandshakeHeaderLen is Type(1) + Length(3).
	HandshakeHeaderLen = 4

	// RandomOffset is where the 32-byte random starts inside a hello
	// handshake message: the header, then legacy_version(2).
	RandomOffset = HandshakeHeaderLen + 2

	// MaxRecordLen is the largest plaintext record payload plus the
	// expansion TLS 1.2 allows for compressed and protected records.
	MaxRecordLen = 16384 + 2048
)

// helloRetryRequestRandom is the fixed ServerHello.random that marks a
// HelloRetryRequest (SHA-256 of "HelloRetryRequest").
var helloRetryRequestRandom = [constants.RandomSize]byte{
	0xCF, 0x21, 0xAD, 0x74, 0xE5, 0x9A, 0x61, 0x11,
	0xBE, 0x1D, 0x8C, 0x02, 0x1E, 0x65, 0xB8, 0x91,
	0xC2, 0xA2, 0x11, 0x16, 0x7A, 0xBB, 0x8C, 0x5E,
	0x07, 0x9E, 0x09, 0xE2, 0xC8, 0xA8, 0x33, 0x9C,
}

var (
	// ErrTruncated indicates a hello message too short to hold its random.
	ErrTruncated = errors.New("truncated hello message")

	// ErrUnexpectedType indicates a handshake message of the wrong type.
	ErrUnexpectedType = errors.New("unexpected handshake message type")
)

// ClientRandom copies the random of a ClientHello handshake message into out.
//
// With an empty out it returns the size of the random without copying.
// Otherwise it copies min(len(out), 32) bytes and returns the count.
func ClientRandom(hello, out []byte) (int, error) {
	return random(hello, HandshakeTypeClientHello, out)
}

// ServerRandom is ClientRandom for a ServerHello handshake message.
func ServerRandom(serverHello, out []byte) (int, error) {
	return random(serverHello, HandshakeTypeServerHello, out)
}

func random(msg []byte, msgType uint8, out []byte) (int, error) {
	if len(msg) < RandomOffset+constants.RandomSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrTruncated, len(msg))
	}
	if msg[0] != msgType {
		return 0, fmt.Errorf("%w: got %d, want %d", ErrUnexpectedType, msg[0], msgType)
	}
	if len(out) == 0 {
		return constants.RandomSize, nil
	}
	return copy(out, msg[RandomOffset:RandomOffset+constants.RandomSize]), nil
}

// IsHelloRetryRequest reports whether a ServerHello message is a TLS 1.3
// HelloRetryRequest.
func IsHelloRetryRequest(serverHello []byte) bool {
	if len(serverHello) < RandomOffset+constants.RandomSize || serverHello[0] != HandshakeTypeServerHello {
		return false
	}
	return [constants.RandomSize]byte(serverHello[RandomOffset:RandomOffset+constants.RandomSize]) == helloRetryRequestRandom
}

// Hello holds the fields of a ClientHello or ServerHello the connection
// layer reports.
type Hello struct {
	Type uint8

	// Version is the negotiated (ServerHello) or highest offered (ClientHello)
	// version, taken from supported_versions when present.
	Version   uint16
	Random    [constants.RandomSize]byte
	SessionID []byte

	// CipherSuite is the selected suite of a ServerHello.
	CipherSuite uint16
}

// ParseHello parses a ClientHello or ServerHello handshake message,
// including its 4-byte header.
func ParseHello(msg []byte) (*Hello, error) {
	if len(msg) < RandomOffset+constants.RandomSize+1 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(msg))
	}
	h := &Hello{Type: msg[0]}
	if h.Type != HandshakeTypeClientHello && h.Type != HandshakeTypeServerHello {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedType, h.Type)
	}

	pos := HandshakeHeaderLen
	h.Version = binary.BigEndian.Uint16(msg[pos : pos+2])
	pos += 2
	copy(h.Random[:], msg[pos:pos+constants.RandomSize])
	pos += constants.RandomSize

	sessionIDLen := int(msg[pos])
	pos++
	if pos+sessionIDLen > len(msg) {
		return nil, fmt.Errorf("%w: session id", ErrTruncated)
	}
	h.SessionID = append([]byte(nil), msg[pos:pos+sessionIDLen]...)
	pos += sessionIDLen

	if h.Type == HandshakeTypeClientHello {
		// Cipher suites and compression methods are skipped.
		if pos+2 > len(msg) {
			return nil, fmt.Errorf("%w: cipher suites", ErrTruncated)
		}
		pos += 2 + int(binary.BigEndian.Uint16(msg[pos:pos+2]))
		if pos+1 > len(msg) {
			return nil, fmt.Errorf("%w: compression methods", ErrTruncated)
		}
		pos += 1 + int(msg[pos])
	} else {
		if pos+3 > len(msg) {
			return nil, fmt.Errorf("%w: cipher suite", ErrTruncated)
		}
		h.CipherSuite = binary.BigEndian.Uint16(msg[pos : pos+2])
		pos += 3
	}

	// Extensions are optional before TLS 1.3.
	if pos+2 <= len(msg) {
		extensionsLen := int(binary.BigEndian.Uint16(msg[pos : pos+2]))
		pos += 2
		if pos+extensionsLen <= len(msg) {
			if v := supportedVersion(msg[pos:pos+extensionsLen], h.Type); v != 0 {
				h.Version = v
			}
		}
	}
	return h, nil
}

// supportedVersion returns the version carried by the supported_versions
// extension: the first offered entry of a ClientHello list, or the single
// selected version of a ServerHello.
func supportedVersion(data []byte, msgType uint8) uint16 {
	pos := 0
	for pos+4 <= len(data) {
		extType := binary.BigEndian.Uint16(data[pos : pos+2])
		extLen := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
		pos += 4
		if pos+extLen > len(data) {
			return 0
		}
		ext := data[pos : pos+extLen]
		pos += extLen

		if extType != ExtensionSupportedVersions {
			continue
		}
		if msgType == HandshakeTypeServerHello {
			if len(ext) >= 2 {
				return binary.BigEndian.Uint16(ext[:2])
			}
			return 0
		}
		// GREASE values (0x?a?a) are skipped.
		if len(ext) < 1 || int(ext[0])+1 > len(ext) {
			return 0
		}
		list := ext[1 : 1+int(ext[0])]
		for i := 0; i+2 <= len(list); i += 2 {
			v := binary.BigEndian.Uint16(list[i : i+2])
			if v&0x0f0f != 0x0a0a {
				return v
			}
		}
	}
	return 0
}

// VersionString returns a human-readable TLS version string.
func VersionString(version uint16) string {
	switch version {
	case VersionTLS10:
		return "TLS 1.0"
	case VersionTLS11:
		return "TLS 1.1"
	case VersionTLS12:
		return "TLS 1.2"
	case VersionTLS13:
		return "TLS 1.3"
	default:
		return fmt.Sprintf("Unknown (0x%04x)", version)
	}
}
