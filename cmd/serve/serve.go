package serve

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/endorses/sslkeylog/internal/pkg/cmdutil"
	"github.com/endorses/sslkeylog/internal/pkg/constants"
	"github.com/endorses/sslkeylog/internal/pkg/logger"
	"github.com/endorses/sslkeylog/internal/pkg/signals"
	"github.com/endorses/sslkeylog/internal/pkg/tlsutil"
	"github.com/endorses/sslkeylog/pkg/sslkeylog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ServeCmd runs a TLS echo server that records the secrets of every session.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a TLS echo server that logs session secrets",
	Long: `Run a TLS echo server. Every accepted session is printed with its
protocol version and client random, and its key log lines are appended to
--keylog (default: the keylog.file config value or SSLKEYLOGFILE).

Examples:
  sslkeylog serve --listen :8443 --tls-cert server.crt --tls-key server.key
  sslkeylog serve --listen :8443 --tls-cert server.crt --tls-key server.key --keylog /tmp/keys.log
  sslkeylog serve --listen :8443 --tls-cert server.crt --tls-key server.key --metrics-listen :9090`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	listenAddr    string
	tlsCertFile   string
	tlsKeyFile    string
	tlsCAFile     string
	tlsClientAuth bool
	tlsMax        string
	keylogFile    string
	metricsAddr   string
)

func init() {
	ServeCmd.Flags().StringVarP(&listenAddr, "listen", "l", ":8443", "Listen address (host:port)")
	ServeCmd.Flags().StringVar(&tlsCertFile, "tls-cert", "", "Path to server TLS certificate")
	ServeCmd.Flags().StringVar(&tlsKeyFile, "tls-key", "", "Path to server TLS key")
	ServeCmd.Flags().StringVar(&tlsCAFile, "tls-ca", "", "Path to CA certificate for client verification (mutual TLS)")
	ServeCmd.Flags().BoolVar(&tlsClientAuth, "tls-client-auth", false, "Require client certificate authentication (mutual TLS)")
	ServeCmd.Flags().StringVar(&tlsMax, "tls-max", "", "Highest TLS version to negotiate (1.2 or 1.3)")
	ServeCmd.Flags().StringVarP(&keylogFile, "keylog", "k", "", "Append key log lines to this file")
	ServeCmd.Flags().StringVar(&metricsAddr, "metrics-listen", "", "Expose Prometheus metrics on this address (disabled when empty)")

	_ = viper.BindPFlag("serve.listen_addr", ServeCmd.Flags().Lookup("listen"))
	_ = viper.BindPFlag("serve.tls.cert_file", ServeCmd.Flags().Lookup("tls-cert"))
	_ = viper.BindPFlag("serve.tls.key_file", ServeCmd.Flags().Lookup("tls-key"))
	_ = viper.BindPFlag("serve.tls.ca_file", ServeCmd.Flags().Lookup("tls-ca"))
	_ = viper.BindPFlag("serve.tls.client_auth", ServeCmd.Flags().Lookup("tls-client-auth"))
	_ = viper.BindPFlag("serve.tls.max_version", ServeCmd.Flags().Lookup("tls-max"))
	_ = viper.BindPFlag("serve.metrics_addr", ServeCmd.Flags().Lookup("metrics-listen"))
}

func runServe(cmd *cobra.Command, args []string) error {
	m, err := sslkeylog.Default()
	if err != nil {
		return fmt.Errorf("failed to initialize sslkeylog: %w", err)
	}

	serverConfig, err := tlsutil.BuildServerConfig(tlsutil.ServerConfig{
		CertFile:   cmdutil.GetStringConfig("serve.tls.cert_file", tlsCertFile),
		KeyFile:    cmdutil.GetStringConfig("serve.tls.key_file", tlsKeyFile),
		CAFile:     cmdutil.GetStringConfig("serve.tls.ca_file", tlsCAFile),
		ClientAuth: cmdutil.GetBoolConfig("serve.tls.client_auth", tlsClientAuth),
		MaxVersion: cmdutil.GetStringConfig("serve.tls.max_version", tlsMax),
	})
	if err != nil {
		return err
	}

	tlsCtx := m.NewContext(serverConfig)
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

	var lc net.ListenConfig
	mt := newMetrics(m)
	if addr := cmdutil.GetStringConfig("serve.metrics_addr", metricsAddr); addr != "" {
		metricsLn, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen for metrics: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "metrics on %s\n", metricsLn.Addr())

		done := make(chan struct{})
		go func() {
			defer close(done)
			mt.serve(ctx, metricsLn)
		}()
		defer func() {
			stop()
			<-done
		}()
	}

	ln, err := lc.Listen(ctx, "tcp", cmdutil.GetStringConfig("serve.listen_addr", listenAddr))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\n", ln.Addr())
	logger.Info("TLS echo server started", "addr", ln.Addr().String())

	s := &server{
		module: m,
		tlsCtx:  tlsCtx,
		metrics: mt,
		out:     cmd.OutOrStdout(),
	}
	return s.serve(ctx, ln)
}

type server struct {
	module  *sslkeylog.Module
	tlsCtx  *sslkeylog.Context
	metrics *metrics

	outMu sync.Mutex
	out   io.Writer

	wg sync.WaitGroup
}

func (s *server) serve(ctx context.Context, ln net.Listener) error {
	stopClose := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stopClose()
	defer s.wg.Wait()

	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				logger.Info("TLS echo server stopped")
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		s.wg.Add(1)
		go s.handle(ctx, raw)
	}
}

func (s *server) handle(ctx context.Context, raw net.Conn) {
	defer s.wg.Done()

	conn := s.tlsCtx.Server(raw)
	defer conn.Close()
	stopClose := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stopClose()

	hctx, cancel := context.WithTimeout(ctx, constants.DialTimeout)
	err := conn.HandshakeContext(hctx)
	cancel()
	if err != nil {
		s.metrics.handshakeFailures.Inc()
		logger.Warn("TLS handshake failed",
			"remote", raw.RemoteAddr().String(),
			"error", err)
		return
	}

	clientRandom, _, err := s.module.GetClientRandom(conn)
	if err != nil {
		logger.Error("failed to read client random", "session", conn.ID(), "error", err)
	}
	state := conn.ConnectionState()
	s.metrics.sessionStarted(state.Version)
	s.printf("session %s %s %s client_random=%s\n",
		conn.ID(), raw.RemoteAddr(), tls.VersionName(state.Version), hex.EncodeToString(clientRandom))

	n, err := io.Copy(conn, conn)
	logger.Debug("session closed",
		"session", conn.ID(),
		"echoed_bytes", n,
		"error", err)
}

func (s *server) printf(format string, args ...any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}
