package secrets

import (
	"crypto/tls"
	"fmt"

	"github.com/endorses/sslkeylog/internal/pkg/constants"
	"github.com/endorses/sslkeylog/internal/pkg/tls/kdf"
)

// MaxExportLength is the largest output any exporter can encode; the TLS 1.3
// HKDF label carries the length as 16 bits.
const MaxExportLength = 0xFFFF

// handshakeParams is what the exporter needs to know of a finished handshake.
type handshakeParams struct {
	version uint16
	suite   uint16
}

// ExportKeyingMaterial derives length bytes of keying material for label and
// context from session's exporter.
//
// A nil context means no context and an empty non-nil one means a
// zero-length context, unless the accessor uses ContextOmittedAsEmpty. ok is
// false before the handshake has started. Any refusal by the exporter,
// including an incomplete handshake or an oversized request, is returned as
// ErrDerivationFailed with no output.
func (a *Accessor) ExportKeyingMaterial(session any, length int, label, context []byte) (km []byte, ok bool, err error) {
	conn, err := a.Resolve(session)
	if err != nil {
		return nil, false, err
	}
	if length <= 0 {
		return nil, false, fmt.Errorf("%w: %d", ErrInvalidLength, length)
	}

	if _, secured, err := a.source.Copy(conn, KindClientRandom, nil); err != nil || !secured {
		return nil, false, err
	}

	hs, err := a.handshake(conn)
	if err != nil {
		return nil, false, err
	}
	if len(label) > constants.MaxExporterLabelSize {
		return nil, false, fmt.Errorf("%w: label of %d bytes exceeds %d",
			ErrDerivationFailed, len(label), constants.MaxExporterLabelSize)
	}
	if length > MaxExportLength {
		return nil, false, fmt.Errorf("%w: length %d exceeds %d", ErrDerivationFailed, length, MaxExportLength)
	}
	if hs.version == tls.VersionTLS13 {
		if limit := 255 * hashSize(hs.suite); length > limit {
			return nil, false, fmt.Errorf("%w: length %d exceeds HKDF limit %d for %s",
				ErrDerivationFailed, length, limit, tls.CipherSuiteName(hs.suite))
		}
	}

	if context == nil && a.contextMode == ContextOmittedAsEmpty {
		context = []byte{}
	}

	defer func() {
		if r := recover(); r != nil {
			km, ok, err = nil, false, fmt.Errorf("%w: exporter panic: %v", ErrDerivationFailed, r)
		}
	}()

	if a.derivedExporter {
		km, err = a.derive(conn, hs, string(label), context, length)
	} else {
		km, err = conn.(keyingExporter).ExportKeyingMaterial(string(label), context, length)
	}
	if err != nil {
		if hs.version < tls.VersionTLS13 && a.caps.ExporterNeedsEMS && !a.derivedExporter {
			return nil, false, fmt.Errorf("%w: %w (TLS 1.2 exporters require extended master secret)",
				ErrDerivationFailed, err)
		}
		return nil, false, fmt.Errorf("%w: %w", ErrDerivationFailed, err)
	}
	if len(km) != length {
		return nil, false, fmt.Errorf("%w: got %d bytes, want %d", ErrDerivationFailed, len(km), length)
	}
	return km, true, nil
}

// handshake returns the negotiated parameters of a completed handshake:
// from the connection's state for its own exporter, from the recorded
// hellos and session record for derivation.
func (a *Accessor) handshake(conn any) (handshakeParams, error) {
	if a.derivedExporter {
		c, ok := conn.(rawRecords)
		if !ok {
			return handshakeParams{}, fmt.Errorf("%w: %T has no raw records", ErrDerivationFailed, conn)
		}
		raw := c.Raw()
		st := raw.Hellos.Load()
		if st == nil || raw.Session.Load() == nil {
			return handshakeParams{}, fmt.Errorf("%w: handshake not complete", ErrDerivationFailed)
		}
		return handshakeParams{version: st.Version, suite: st.CipherSuite}, nil
	}

	exp, isExporter := conn.(keyingExporter)
	if !a.caps.Exporter || !isExporter {
		return handshakeParams{}, fmt.Errorf("%w: %T has no exporter", ErrDerivationFailed, conn)
	}
	cs := exp.ConnectionState()
	if !cs.HandshakeComplete {
		return handshakeParams{}, fmt.Errorf("%w: handshake not complete", ErrDerivationFailed)
	}
	return handshakeParams{version: cs.Version, suite: cs.CipherSuite}, nil
}

// derive computes exporter output from the recorded secrets.
func (a *Accessor) derive(conn any, hs handshakeParams, label string, context []byte, length int) ([]byte, error) {
	h, err := kdf.SuiteHash(hs.version, hs.suite)
	if err != nil {
		return nil, err
	}

	if hs.version == tls.VersionTLS13 {
		secret, err := a.requireSecret(conn, KindExporterSecret)
		if err != nil {
			return nil, err
		}
		return kdf.ExportTLS13(h, secret, label, context, length)
	}

	masterKey, err := a.requireSecret(conn, KindMasterKey)
	if err != nil {
		return nil, err
	}
	clientRandom, err := a.requireSecret(conn, KindClientRandom)
	if err != nil {
		return nil, err
	}
	serverRandom, err := a.requireSecret(conn, KindServerRandom)
	if err != nil {
		return nil, err
	}
	return kdf.ExportTLS12(h, masterKey, clientRandom, serverRandom, label, context, length)
}

func (a *Accessor) requireSecret(conn any, kind Kind) ([]byte, error) {
	secret, ok, err := a.copySecret(conn, kind)
	if err != nil {
		return nil, err
	}
	if !ok || len(secret) == 0 {
		return nil, fmt.Errorf("no %v recorded", kind)
	}
	return secret, nil
}

// hashSize is the HKDF hash output size of a TLS 1.3 suite.
func hashSize(suite uint16) int {
	if suite == tls.TLS_AES_256_GCM_SHA384 {
		return constants.HashSizeSHA384
	}
	return constants.HashSizeSHA256
}
