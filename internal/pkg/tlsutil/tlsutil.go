// Package tlsutil builds crypto/tls configurations from certificate files and
// version names for the command-line tools.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/endorses/sslkeylog/internal/pkg/logger"
)

// ServerConfig contains configuration for building a server TLS config
type ServerConfig struct {
	CertFile   string // Path to server certificate
	KeyFile    string // Path to server private key
	CAFile     string // Path to CA certificate (for client authentication)
	ClientAuth bool   // Require client certificate authentication (mutual TLS)
	MaxVersion string // Highest version to negotiate ("1.2", "1.3"); empty means library default
}

// ClientConfig contains configuration for building a client TLS config
type ClientConfig struct {
	CAFile             string // Path to CA certificate (for server verification)
	CertFile           string // Path to client certificate (for mutual TLS)
	KeyFile            string // Path to client private key (for mutual TLS)
	SkipVerify         bool   // Skip certificate verification (INSECURE - testing only)
	ServerNameOverride string // Override server name for verification
	MaxVersion         string // Highest version to offer ("1.2", "1.3"); empty means library default
}

// ParseVersion maps "1.0".."1.3" (optionally prefixed with "tls") to the
// crypto/tls version constant. The empty string maps to 0.
func ParseVersion(s string) (uint16, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "tls") {
	case "":
		return 0, nil
	case "1.0", "10":
		return tls.VersionTLS10, nil
	case "1.1", "11":
		return tls.VersionTLS11, nil
	case "1.2", "12":
		return tls.VersionTLS12, nil
	case "1.3", "13":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unknown TLS version %q", s)
	}
}

// BuildServerConfig creates a TLS config for a server.
// Supports optional mutual TLS (mTLS) with client certificate verification
func BuildServerConfig(config ServerConfig) (*tls.Config, error) {
	if config.CertFile == "" || config.KeyFile == "" {
		return nil, fmt.Errorf("certificate or key file not specified")
	}

	cert, err := tls.LoadX509KeyPair(config.CertFile, config.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	maxVersion, err := ParseVersion(config.MaxVersion)
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   maxVersion,
	}

	if config.ClientAuth {
		if config.CAFile == "" {
			return nil, fmt.Errorf("client auth enabled but CA file not specified")
		}
		certPool, err := loadCertPool(config.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = certPool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert

		logger.Info("Mutual TLS enabled - requiring client certificates",
			"ca_file", config.CAFile)
	}

	logger.Debug("TLS server config loaded",
		"cert", config.CertFile,
		"key", config.KeyFile,
		"max_version", config.MaxVersion,
		"client_auth", config.ClientAuth)

	return tlsConfig, nil
}

// BuildClientConfig creates a TLS config for a client.
// Supports optional mutual TLS (mTLS) with client certificate authentication
func BuildClientConfig(config ClientConfig) (*tls.Config, error) {
	maxVersion, err := ParseVersion(config.MaxVersion)
	if err != nil {
		return nil, err
	}

	// #nosec G402 -- InsecureSkipVerify is user-configurable, documented as testing-only
	tlsConfig := &tls.Config{
		InsecureSkipVerify: config.SkipVerify,
		ServerName:         config.ServerNameOverride,
		MinVersion:         tls.VersionTLS12,
		MaxVersion:         maxVersion,
	}

	if config.SkipVerify {
		logger.Warn("TLS certificate verification disabled",
			"security_risk", "vulnerable to man-in-the-middle attacks")
	}

	if config.CAFile != "" {
		certPool, err := loadCertPool(config.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = certPool
	}

	if config.CertFile != "" && config.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(config.CertFile, config.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	} else if config.CertFile != "" || config.KeyFile != "" {
		return nil, fmt.Errorf("both cert_file and key_file must be provided for mutual TLS")
	}

	logger.Debug("TLS client config built",
		"has_ca", config.CAFile != "",
		"has_client_cert", config.CertFile != "",
		"skip_verify", config.SkipVerify,
		"server_name_override", config.ServerNameOverride,
		"max_version", config.MaxVersion)

	return tlsConfig, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	certPool := x509.NewCertPool()
	if !certPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate %s", path)
	}
	return certPool, nil
}
