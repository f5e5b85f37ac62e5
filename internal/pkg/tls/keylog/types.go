// Package keylog implements the NSS key log format (SSLKEYLOGFILE) that
// sslkeylog emits and that packet analyzers such as Wireshark consume.
//
// Format: <label> <client_random_hex> <secret_hex>
//
// TLS 1.2 and earlier:
//   - CLIENT_RANDOM: master secret
//
// TLS 1.3:
//   - CLIENT_HANDSHAKE_TRAFFIC_SECRET, SERVER_HANDSHAKE_TRAFFIC_SECRET
//   - CLIENT_TRAFFIC_SECRET_0, SERVER_TRAFFIC_SECRET_0
//   - EXPORTER_SECRET, EARLY_EXPORTER_SECRET, CLIENT_EARLY_TRAFFIC_SECRET
package keylog

import (
	"encoding/hex"

	"github.com/endorses/sslkeylog/internal/pkg/constants"
)

// LabelType represents the type of TLS key log entry.
type LabelType int

const (
	// LabelUnknown indicates an unrecognized label.
	LabelUnknown LabelType = iota

	// LabelClientRandom maps a client random to the TLS 1.2 master secret.
	LabelClientRandom

	LabelClientHandshakeTrafficSecret
	LabelServerHandshakeTrafficSecret
	LabelClientTrafficSecret0
	LabelServerTrafficSecret0
	LabelExporterSecret
	LabelEarlyExporterSecret
	LabelClientEarlyTrafficSecret
)

var labelNames = map[LabelType]string{
	LabelClientRandom:                 "CLIENT_RANDOM",
	LabelClientHandshakeTrafficSecret: "CLIENT_HANDSHAKE_TRAFFIC_SECRET",
	LabelServerHandshakeTrafficSecret: "SERVER_HANDSHAKE_TRAFFIC_SECRET",
	LabelClientTrafficSecret0:         "CLIENT_TRAFFIC_SECRET_0",
	LabelServerTrafficSecret0:         "SERVER_TRAFFIC_SECRET_0",
	LabelExporterSecret:               "EXPORTER_SECRET",
	LabelEarlyExporterSecret:          "EARLY_EXPORTER_SECRET",
	LabelClientEarlyTrafficSecret:     "CLIENT_EARLY_TRAFFIC_SECRET",
}

var labelsByName = func() map[string]LabelType {
	m := make(map[string]LabelType, len(labelNames))
	for l, name := range labelNames {
		m[name] = l
	}
	return m
}()

// String returns the NSS key log format label string.
func (l LabelType) String() string {
	if name, ok := labelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsTLS13 returns true if this label is for TLS 1.3 secrets.
func (l LabelType) IsTLS13() bool {
	_, known := labelNames[l]
	return known && l != LabelClientRandom
}

// ParseLabel parses a label string into a LabelType.
func ParseLabel(s string) LabelType {
	if l, ok := labelsByName[s]; ok {
		return l
	}
	return LabelUnknown
}

// KeyEntry represents a single key log line.
type KeyEntry struct {
	Label LabelType

	// ClientRandom correlates the entry with a TLS session.
	ClientRandom [constants.RandomSize]byte

	// Secret is the master secret for CLIENT_RANDOM, or a 32/48 byte
	// TLS 1.3 secret depending on the cipher suite hash.
	Secret []byte
}

// ClientRandomHex returns the client random as a lowercase hex string.
func (e *KeyEntry) ClientRandomHex() string {
	return hex.EncodeToString(e.ClientRandom[:])
}

// SecretHex returns the secret as a lowercase hex string.
func (e *KeyEntry) SecretHex() string {
	return hex.EncodeToString(e.Secret)
}

// SessionKeys holds all keys for a TLS session, indexed by client random.
type SessionKeys struct {
	ClientRandom [constants.RandomSize]byte

	// TLS 1.2 and earlier
	MasterSecret []byte

	// TLS 1.3
	ClientHandshakeTrafficSecret []byte
	ServerHandshakeTrafficSecret []byte
	ClientTrafficSecret0         []byte
	ServerTrafficSecret0         []byte
	ExporterSecret               []byte
	EarlyExporterSecret          []byte
	ClientEarlyTrafficSecret     []byte
}

// slot returns the field holding the secret for label, or nil.
func (s *SessionKeys) slot(label LabelType) *[]byte {
	switch label {
	case LabelClientRandom:
		return &s.MasterSecret
	case LabelClientHandshakeTrafficSecret:
		return &s.ClientHandshakeTrafficSecret
	case LabelServerHandshakeTrafficSecret:
		return &s.ServerHandshakeTrafficSecret
	case LabelClientTrafficSecret0:
		return &s.ClientTrafficSecret0
	case LabelServerTrafficSecret0:
		return &s.ServerTrafficSecret0
	case LabelExporterSecret:
		return &s.ExporterSecret
	case LabelEarlyExporterSecret:
		return &s.EarlyExporterSecret
	case LabelClientEarlyTrafficSecret:
		return &s.ClientEarlyTrafficSecret
	default:
		return nil
	}
}

// IsTLS13 returns true if this session has TLS 1.3 keys.
func (s *SessionKeys) IsTLS13() bool {
	return len(s.ClientTrafficSecret0) > 0 || len(s.ServerTrafficSecret0) > 0
}

// IsTLS12 returns true if this session has TLS 1.2 (or earlier) keys.
func (s *SessionKeys) IsTLS12() bool {
	return len(s.MasterSecret) > 0
}

// HasDecryptionKeys returns true if this session has keys needed for decryption.
func (s *SessionKeys) HasDecryptionKeys() bool {
	if len(s.MasterSecret) > 0 {
		return true
	}
	return len(s.ClientTrafficSecret0) > 0 && len(s.ServerTrafficSecret0) > 0
}

// Has reports whether the session already holds a secret for label.
func (s *SessionKeys) Has(label LabelType) bool {
	p := s.slot(label)
	return p != nil && len(*p) > 0
}

// AddEntry adds a key entry to this session.
func (s *SessionKeys) AddEntry(entry *KeyEntry) {
	if p := s.slot(entry.Label); p != nil {
		*p = entry.Secret
	}
}
