package keylog

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/endorses/sslkeylog/internal/pkg/constants"
)

var (
	// ErrInvalidFormat indicates a malformed key log line.
	ErrInvalidFormat = errors.New("invalid key log format")

	// ErrInvalidLabel indicates an unrecognized label.
	ErrInvalidLabel = errors.New("invalid key log label")

	// ErrInvalidClientRandom indicates an invalid client random value.
	ErrInvalidClientRandom = errors.New("invalid client random: must be 32 bytes (64 hex chars)")

	// ErrInvalidSecret indicates an invalid secret value.
	ErrInvalidSecret = errors.New("invalid secret value")
)

// Parser parses NSS Key Log format lines.
type Parser struct {
	// StrictMode rejects entries with unknown labels.
	// When false (default), unknown labels are silently ignored.
	StrictMode bool
}

// NewParser creates a new key log parser.
func NewParser() *Parser {
	return &Parser{}
}

// ParseLine parses a single line from a key log file.
// Returns nil, nil for empty lines, comments and (outside strict mode)
// unknown labels.
func (p *Parser) ParseLine(line string) (*KeyEntry, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil, nil
	}

	fields := strings.Fields(line)
	if len(fields) != 3 {
		return nil, fmt.Errorf("%w: expected 3 fields, got %d", ErrInvalidFormat, len(fields))
	}

	label := ParseLabel(fields[0])
	if label == LabelUnknown {
		if p.StrictMode {
			return nil, fmt.Errorf("%w: %s", ErrInvalidLabel, fields[0])
		}
		return nil, nil
	}

	if len(fields[1]) != 2*constants.RandomSize {
		return nil, fmt.Errorf("%w: got %d hex chars", ErrInvalidClientRandom, len(fields[1]))
	}

	entry := &KeyEntry{Label: label}
	if _, err := hex.Decode(entry.ClientRandom[:], []byte(fields[1])); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientRandom, err)
	}

	secret, err := hex.DecodeString(fields[2])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	if err := validateSecretLength(label, len(secret)); err != nil {
		return nil, err
	}
	entry.Secret = secret

	return entry, nil
}

func validateSecretLength(label LabelType, length int) error {
	switch label {
	case LabelClientRandom:
		// Master secret: 48 bytes for every standard suite, never more.
		if length == 0 || length > constants.MaxMasterKeySize {
			return fmt.Errorf("%w: CLIENT_RANDOM secret must be 1-%d bytes, got %d",
				ErrInvalidSecret, constants.MaxMasterKeySize, length)
		}
	default:
		// SHA-256 suites = 32 bytes, SHA-384 suites = 48 bytes
		if length != constants.HashSizeSHA256 && length != constants.HashSizeSHA384 {
			return fmt.Errorf("%w: TLS 1.3 secret must be 32 or 48 bytes, got %d", ErrInvalidSecret, length)
		}
	}
	return nil
}

// Parse reads and parses all entries from a reader.
// Parsing continues after errors to collect as many entries as possible.
func (p *Parser) Parse(r io.Reader) ([]*KeyEntry, []error) {
	var entries []*KeyEntry
	var errs []error

	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		entry, err := p.ParseLine(scanner.Text())
		if err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", lineNum, err))
			continue
		}
		if entry != nil {
			entries = append(entries, entry)
		}
	}

	if err := scanner.Err(); err != nil {
		errs = append(errs, fmt.Errorf("read error: %w", err))
	}

	return entries, errs
}

// FormatLine renders one key log line: the label, the client random and the
// secret as lowercase hex, separated by single spaces, without a newline.
func FormatLine(label string, clientRandom, secret []byte) string {
	var sb strings.Builder
	sb.Grow(len(label) + 2 + 2*len(clientRandom) + 2*len(secret))
	sb.WriteString(label)
	sb.WriteByte(' ')
	sb.WriteString(hex.EncodeToString(clientRandom))
	sb.WriteByte(' ')
	sb.WriteString(hex.EncodeToString(secret))
	return sb.String()
}

// FormatEntry formats a KeyEntry back to NSS Key Log format.
func FormatEntry(entry *KeyEntry) string {
	return FormatLine(entry.Label.String(), entry.ClientRandom[:], entry.Secret)
}

// WriteEntries writes entries to a writer in NSS Key Log format.
func WriteEntries(w io.Writer, entries []*KeyEntry) error {
	for _, entry := range entries {
		if _, err := fmt.Fprintln(w, FormatEntry(entry)); err != nil {
			return err
		}
	}
	return nil
}
