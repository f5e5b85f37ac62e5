// Package tlstest provides certificates, loopback connections and handshake
// helpers for tests of the TLS layer.
package tlstest

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/endorses/sslkeylog/internal/pkg/tls/tlsconn"
	"github.com/stretchr/testify/require"
)

// ServerName is the name the test certificate is issued for.
const ServerName = "localhost"

var (
	certOnce sync.Once
	cert     tls.Certificate
	certPEM  []byte
	keyPEM   []byte
	certErr  error
)

func generate() {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		certErr = err
		return
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: ServerName},
		DNSNames:              []string{ServerName},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		certErr = err
		return
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		certErr = err
		return
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	cert, certErr = tls.X509KeyPair(certPEM, keyPEM)
}

// Certificate returns a self-signed ECDSA P-256 certificate for ServerName
// and 127.0.0.1, generated once per process.
func Certificate(tb testing.TB) tls.Certificate {
	tb.Helper()
	certOnce.Do(generate)
	require.NoError(tb, certErr)
	return cert
}

// WriteFiles writes the test certificate and key as PEM files into dir.
func WriteFiles(tb testing.TB, dir string) (certFile, keyFile string) {
	tb.Helper()
	Certificate(tb)
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(tb, os.WriteFile(certFile, certPEM, 0600))
	require.NoError(tb, os.WriteFile(keyFile, keyPEM, 0600))
	return certFile, keyFile
}

// ServerConfig returns a server config presenting the test certificate.
func ServerConfig(tb testing.TB) *tls.Config {
	tb.Helper()
	return &tls.Config{
		Certificates: []tls.Certificate{Certificate(tb)},
		MinVersion:   tls.VersionTLS12,
	}
}

// ClientConfig returns a client config trusting the test certificate.
// maxVersion 0 leaves the library default.
func ClientConfig(tb testing.TB, maxVersion uint16) *tls.Config {
	tb.Helper()
	pool := x509.NewCertPool()
	pool.AddCert(Certificate(tb).Leaf)
	return &tls.Config{
		RootCAs:    pool,
		ServerName: ServerName,
		MinVersion: tls.VersionTLS12,
		MaxVersion: maxVersion,
	}
}

// Pipe returns both ends of a TCP connection over the loopback interface.
// Both are closed when the test ends.
func Pipe(tb testing.TB) (client, server net.Conn) {
	tb.Helper()
	client, server, err := pipe(tb)
	require.NoError(tb, err)
	return client, server
}

func pipe(tb testing.TB) (client, server net.Conn, err error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, err
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		return nil, nil, err
	}
	server, ok := <-accepted
	if !ok {
		_ = client.Close()
		return nil, nil, errors.New("accept failed")
	}

	tb.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server, nil
}

// Handshake connects a client from clientCtx to a server from serverCtx and
// completes the handshake on both sides.
func Handshake(tb testing.TB, clientCtx, serverCtx *tlsconn.Context) (client, server *tlsconn.Conn) {
	tb.Helper()
	client, server, err := TryHandshake(tb, clientCtx, serverCtx)
	require.NoError(tb, err)
	return client, server
}

// TryHandshake is Handshake returning the failure instead of failing tb, for
// use from goroutines other than the test's.
func TryHandshake(tb testing.TB, clientCtx, serverCtx *tlsconn.Context) (client, server *tlsconn.Conn, err error) {
	rawClient, rawServer, err := pipe(tb)
	if err != nil {
		return nil, nil, err
	}
	client = clientCtx.Client(rawClient)
	server = serverCtx.Server(rawServer)
	tb.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- server.HandshakeContext(ctx) }()

	if err := client.HandshakeContext(ctx); err != nil {
		_ = rawClient.Close()
		<-errc
		return nil, nil, fmt.Errorf("client handshake: %w", err)
	}
	if err := <-errc; err != nil {
		return nil, nil, fmt.Errorf("server handshake: %w", err)
	}
	return client, server, nil
}

// EchoServer accepts connections from serverCtx on a loopback listener and
// echoes everything it reads until the test ends. It returns the address.
func EchoServer(tb testing.TB, serverCtx *tlsconn.Context) string {
	tb.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(tb, err)

	var wg sync.WaitGroup
	tb.Cleanup(func() {
		_ = ln.Close()
		wg.Wait()
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			raw, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				conn := serverCtx.Server(raw)
				defer conn.Close()
				_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}
