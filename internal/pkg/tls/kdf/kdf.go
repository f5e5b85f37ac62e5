// Package kdf derives exporter keying material from logged TLS secrets:
// RFC 5705 over the TLS 1.2 PRF, and RFC 8446 section 7.5 over HKDF for
// TLS 1.3.
package kdf

import (
	"crypto"
	"crypto/hmac"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrUnsupportedSuite is returned for versions and suites without a
	// SHA-256 or SHA-384 PRF.
	ErrUnsupportedSuite = errors.New("unsupported cipher suite")

	// ErrReservedLabel is returned for labels TLS 1.2 uses internally.
	ErrReservedLabel = errors.New("reserved exporter label")

	// ErrContextTooLong is returned for contexts that do not fit a 16-bit length.
	ErrContextTooLong = errors.New("exporter context too long")
)

// exporterLabel is the HKDF label of the second TLS 1.3 exporter step.
const exporterLabel = "exporter"

// SuiteHash returns the PRF hash of suite negotiated at version.
func SuiteHash(version, suite uint16) (crypto.Hash, error) {
	switch version {
	case tls.VersionTLS13:
		switch suite {
		case tls.TLS_AES_128_GCM_SHA256, tls.TLS_CHACHA20_POLY1305_SHA256:
			return crypto.SHA256, nil
		case tls.TLS_AES_256_GCM_SHA384:
			return crypto.SHA384, nil
		}
	case tls.VersionTLS12:
		name := tls.CipherSuiteName(suite)
		if strings.HasPrefix(name, "0x") {
			break
		}
		if strings.HasSuffix(name, "_SHA384") {
			return crypto.SHA384, nil
		}
		return crypto.SHA256, nil
	}
	return 0, fmt.Errorf("%w: %s with %s", ErrUnsupportedSuite,
		tls.CipherSuiteName(suite), tls.VersionName(version))
}

// PRF12 is the TLS 1.2 PRF: P_hash(secret, label + seed) truncated to length.
func PRF12(h crypto.Hash, secret, label, seed []byte, length int) []byte {
	labelAndSeed := make([]byte, 0, len(label)+len(seed))
	labelAndSeed = append(labelAndSeed, label...)
	labelAndSeed = append(labelAndSeed, seed...)

	result := make([]byte, length)
	written := 0

	// A(0) = seed, A(i) = HMAC(secret, A(i-1))
	a := labelAndSeed
	for written < length {
		mac := hmac.New(h.New, secret)
		mac.Write(a)
		a = mac.Sum(nil)

		mac = hmac.New(h.New, secret)
		mac.Write(a)
		mac.Write(labelAndSeed)
		written += copy(result[written:], mac.Sum(nil))
	}
	return result
}

// ExportTLS12 derives length bytes for label and context from a TLS 1.2
// master secret. A nil context is omitted from the seed; an empty one is
// encoded with a zero length.
func ExportTLS12(h crypto.Hash, masterSecret, clientRandom, serverRandom []byte, label string, context []byte, length int) ([]byte, error) {
	switch label {
	case "client finished", "server finished", "master secret", "key expansion":
		return nil, fmt.Errorf("%w: %q", ErrReservedLabel, label)
	}

	seed := make([]byte, 0, len(clientRandom)+len(serverRandom)+2+len(context))
	seed = append(seed, clientRandom...)
	seed = append(seed, serverRandom...)
	if context != nil {
		if len(context) >= 1<<16 {
			return nil, fmt.Errorf("%w: %d bytes", ErrContextTooLong, len(context))
		}
		seed = append(seed, byte(len(context)>>8), byte(len(context)))
		seed = append(seed, context...)
	}
	return PRF12(h, masterSecret, []byte(label), seed, length), nil
}

// ExpandLabel is HKDF-Expand-Label from RFC 8446 section 7.1.
func ExpandLabel(h crypto.Hash, secret []byte, label string, context []byte, length int) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint16(uint16(length))
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte("tls13 "))
		b.AddBytes([]byte(label))
	})
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(context)
	})
	info, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to build HKDF label %q: %w", label, err)
	}

	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.Expand(h.New, secret, info), out); err != nil {
		return nil, fmt.Errorf("HKDF expand of %d bytes: %w", length, err)
	}
	return out, nil
}

// ExportTLS13 derives length bytes for label and context from a TLS 1.3
// exporter master secret (the EXPORTER_SECRET key log entry). Omitted and
// empty contexts derive the same output.
func ExportTLS13(h crypto.Hash, exporterSecret []byte, label string, context []byte, length int) ([]byte, error) {
	empty := h.New()
	secret, err := ExpandLabel(h, exporterSecret, label, empty.Sum(nil), h.Size())
	if err != nil {
		return nil, err
	}

	ctxHash := h.New()
	ctxHash.Write(context)
	return ExpandLabel(h, secret, exporterLabel, ctxHash.Sum(nil), length)
}
