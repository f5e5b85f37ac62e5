package dial

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/endorses/sslkeylog/internal/pkg/cmdutil"
	"github.com/endorses/sslkeylog/internal/pkg/constants"
	"github.com/endorses/sslkeylog/internal/pkg/logger"
	"github.com/endorses/sslkeylog/internal/pkg/signals"
	"github.com/endorses/sslkeylog/internal/pkg/tlsutil"
	"github.com/endorses/sslkeylog/pkg/sslkeylog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DialCmd performs a TLS handshake with a server and prints the session secrets.
var DialCmd = &cobra.Command{
	Use:   "dial <host:port>",
	Short: "Handshake with a TLS server and print the session secrets",
	Long: `Connect to a TLS server, complete the handshake and print the client
random, server random and master secret of the session, plus exporter keying
material when a label is given.

Key log lines are appended to --keylog, which defaults to the keylog.file
config value or the SSLKEYLOGFILE environment variable.

Examples:
  sslkeylog dial example.com:443
  sslkeylog dial example.com:443 --tls-max 1.2 --keylog /tmp/keys.log
  sslkeylog dial localhost:8443 --ca-file ca.crt --export-label EXPERIMENTAL-test --export-length 32
  sslkeylog dial localhost:8443 --insecure -o yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runDial,
}

var (
	keylogFile    string
	caFile        string
	certFile      string
	keyFile       string
	serverName    string
	tlsMax        string
	insecure      bool
	timeout       time.Duration
	exportLabel   string
	exportLength  int
	exportContext string
	outputFormat  string
)

func init() {
	DialCmd.Flags().StringVarP(&keylogFile, "keylog", "k", "", "Append key log lines to this file")
	DialCmd.Flags().StringVar(&caFile, "ca-file", "", "CA certificate used to verify the server")
	DialCmd.Flags().StringVar(&certFile, "cert-file", "", "Client certificate (mutual TLS)")
	DialCmd.Flags().StringVar(&keyFile, "key-file", "", "Client private key (mutual TLS)")
	DialCmd.Flags().StringVar(&serverName, "server-name", "", "Server name to send and verify (default: host of the address)")
	DialCmd.Flags().StringVar(&tlsMax, "tls-max", "", "Highest TLS version to offer (1.2 or 1.3)")
	DialCmd.Flags().BoolVar(&insecure, "insecure", false, "Skip server certificate verification (testing only)")
	DialCmd.Flags().DurationVar(&timeout, "timeout", constants.DialTimeout, "Connect and handshake timeout")
	DialCmd.Flags().StringVar(&exportLabel, "export-label", "", "Derive exporter keying material with this label")
	DialCmd.Flags().IntVar(&exportLength, "export-length", 32, "Exporter output length in bytes")
	DialCmd.Flags().StringVar(&exportContext, "export-context", "", "Exporter context as hex (omitted when empty)")
	DialCmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "Output format: text or yaml")

	_ = viper.BindPFlag("keylog.file", DialCmd.Flags().Lookup("keylog"))
	_ = viper.BindEnv("keylog.file", "SSLKEYLOGFILE")
	_ = viper.BindPFlag("dial.ca_file", DialCmd.Flags().Lookup("ca-file"))
	_ = viper.BindPFlag("dial.tls_max", DialCmd.Flags().Lookup("tls-max"))
	_ = viper.BindPFlag("dial.timeout", DialCmd.Flags().Lookup("timeout"))
}

func runDial(cmd *cobra.Command, args []string) error {
	addr := args[0]
	if outputFormat != "text" && outputFormat != "yaml" {
		return fmt.Errorf("unknown output format %q (want text or yaml)", outputFormat)
	}

	m, err := sslkeylog.Default()
	if err != nil {
		return fmt.Errorf("failed to initialize sslkeylog: %w", err)
	}

	clientConfig, err := tlsutil.BuildClientConfig(tlsutil.ClientConfig{
		CAFile:             cmdutil.GetStringConfig("dial.ca_file", caFile),
		CertFile:           certFile,
		KeyFile:            keyFile,
		SkipVerify:         insecure,
		ServerNameOverride: serverName,
		MaxVersion:         cmdutil.GetStringConfig("dial.tls_max", tlsMax),
	})
	if err != nil {
		return err
	}
	if clientConfig.ServerName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return fmt.Errorf("invalid address %q: %w", addr, err)
		}
		clientConfig.ServerName = host
	}

	var exportCtx []byte
	if exportLabel != "" {
		exportCtx, err = cmdutil.ParseHexBytes(exportContext)
		if err != nil {
			return fmt.Errorf("--export-context: %w", err)
		}
	}

	tlsCtx := m.NewContext(clientConfig)
	if path := cmdutil.GetStringConfig("keylog.file", keylogFile); path != "" {
		if err := m.SetKeylog(path); err != nil {
			return fmt.Errorf("failed to open key log: %w", err)
		}
		defer func() {
			if err := m.SetKeylog(nil); err != nil {
				logger.Warn("failed to close key log", "error", err)
			}
		}()
		if err := m.SetKeylogCallback(tlsCtx); err != nil {
			return err
		}
	}

	ctx, stop := signals.WithShutdown(cmd.Context())
	defer stop()
	conn, err := handshake(ctx, tlsCtx, addr, cmdutil.GetDurationConfig("dial.timeout", timeout))
	if err != nil {
		return err
	}
	defer conn.Close()

	return report(cmd.OutOrStdout(), m, conn, exportRequest{
		label:   exportLabel,
		length:  exportLength,
		context: exportCtx,
	}, outputFormat)
}

func handshake(ctx context.Context, tlsCtx *sslkeylog.Context, addr string, timeout time.Duration) (*sslkeylog.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	conn := tlsCtx.Client(raw)
	if err := conn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake with %s failed: %w", addr, err)
	}

	logger.Debug("handshake complete",
		"remote", addr,
		"session", conn.ID())
	return conn, nil
}

type exportRequest struct {
	label   string
	length  int
	context []byte
}

// sessionReport is what dial prints about a session.
type sessionReport struct {
	Version      string `yaml:"version"`
	CipherSuite  string `yaml:"cipher_suite"`
	ClientRandom string `yaml:"client_random"`
	ServerRandom string `yaml:"server_random"`
	MasterKey    string `yaml:"master_key"`
	Keylog       string `yaml:"keylog,omitempty"`
	Exporter     string `yaml:"exporter,omitempty"`
}

func report(w io.Writer, m *sslkeylog.Module, conn *sslkeylog.Conn, export exportRequest, format string) error {
	r, err := collect(m, conn, export)
	if err != nil {
		return err
	}

	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		return enc.Close()
	default:
		rows := [][2]string{
			{"version", r.Version},
			{"cipher_suite", r.CipherSuite},
			{"client_random", r.ClientRandom},
			{"server_random", r.ServerRandom},
			{"master_key", r.MasterKey},
			{"keylog", r.Keylog},
			{"exporter", r.Exporter},
		}
		for _, row := range rows {
			if row[1] == "" {
				continue
			}
			fmt.Fprintf(w, "%-14s %s\n", row[0]+":", row[1])
		}
		return nil
	}
}

func collect(m *sslkeylog.Module, conn *sslkeylog.Conn, export exportRequest) (*sessionReport, error) {
	state := conn.ConnectionState()
	r := &sessionReport{
		Version:     tls.VersionName(state.Version),
		CipherSuite: tls.CipherSuiteName(state.CipherSuite),
	}

	fields := []struct {
		name string
		get  func(any) ([]byte, bool, error)
		dst  *string
	}{
		{"client_random", m.GetClientRandom, &r.ClientRandom},
		{"server_random", m.GetServerRandom, &r.ServerRandom},
		{"master_key", m.GetMasterKey, &r.MasterKey},
	}
	for _, f := range fields {
		secret, ok, err := f.get(conn)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f.name, err)
		}
		*f.dst = formatSecret(secret, ok)
	}

	line, ok, err := m.GetKeylogLine(conn)
	if err != nil {
		return nil, err
	}
	if ok {
		r.Keylog = line
	}

	if export.label == "" {
		return r, nil
	}
	km, ok, err := m.ExportKeyingMaterial(conn, export.length, []byte(export.label), export.context)
	if err != nil {
		return nil, fmt.Errorf("failed to export keying material: %w", err)
	}
	r.Exporter = formatSecret(km, ok)
	return r, nil
}

func formatSecret(secret []byte, ok bool) string {
	switch {
	case !ok:
		return "(unavailable)"
	case len(secret) == 0:
		return "(none)"
	default:
		return hex.EncodeToString(secret)
	}
}
