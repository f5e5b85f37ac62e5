package dial

import (
	"bytes"
	"crypto/tls"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/endorses/sslkeylog/internal/pkg/tls/tlsconn"
	"github.com/endorses/sslkeylog/internal/pkg/tls/tlstest"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	DialCmd.SetOut(&buf)
	DialCmd.SetErr(&buf)
	DialCmd.SetArgs(args)
	t.Cleanup(func() {
		DialCmd.SetOut(nil)
		DialCmd.SetErr(nil)
		DialCmd.SetArgs(nil)
		DialCmd.Flags().VisitAll(func(f *pflag.Flag) {
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		})
	})

	err := DialCmd.Execute()
	return buf.String(), err
}

func field(t *testing.T, output, name string) string {
	t.Helper()
	m := regexp.MustCompile(`(?m)^` + name + `:\s+(.+)$`).FindStringSubmatch(output)
	require.NotNil(t, m, "no %s in output:\n%s", name, output)
	return m[1]
}

func TestDialTLS12(t *testing.T) {
	t.Setenv("SSLKEYLOGFILE", "")
	serverConfig := tlstest.ServerConfig(t)
	serverConfig.MaxVersion = tls.VersionTLS12
	addr := tlstest.EchoServer(t, tlsconn.NewContext(serverConfig))

	dir := t.TempDir()
	caFile, _ := tlstest.WriteFiles(t, dir)
	keylogPath := filepath.Join(dir, "keys.log")

	output, err := runCmd(t, addr,
		"--ca-file", caFile,
		"--keylog", keylogPath,
		"--export-label", "EXPERIMENTAL-dial",
		"--export-length", "16",
		"--export-context", "0102")
	require.NoError(t, err)

	assert.Equal(t, "TLS 1.2", field(t, output, "version"))
	assert.Regexp(t, `^[0-9a-f]{64}$`, field(t, output, "client_random"))
	assert.Regexp(t, `^[0-9a-f]{64}$`, field(t, output, "server_random"))
	assert.Regexp(t, `^[0-9a-f]{96}$`, field(t, output, "master_key"))
	assert.Regexp(t, `^[0-9a-f]{32}$`, field(t, output, "exporter"))

	line := field(t, output, "keylog")
	assert.Equal(t, "CLIENT_RANDOM "+field(t, output, "client_random")+" "+field(t, output, "master_key"), line)

	data, err := os.ReadFile(keylogPath)
	require.NoError(t, err)
	assert.Equal(t, line+"\n", string(data))
}

func TestDialTLS13(t *testing.T) {
	t.Setenv("SSLKEYLOGFILE", "")
	addr := tlstest.EchoServer(t, tlsconn.NewContext(tlstest.ServerConfig(t)))
	caFile, _ := tlstest.WriteFiles(t, t.TempDir())

	output, err := runCmd(t, addr, "--ca-file", caFile, "--server-name", tlstest.ServerName)
	require.NoError(t, err)

	assert.Equal(t, "TLS 1.3", field(t, output, "version"))
	assert.Equal(t, "(none)", field(t, output, "master_key"))
	assert.NotContains(t, output, "keylog:")
	assert.NotContains(t, output, "exporter:")
}

func TestDialYAMLOutput(t *testing.T) {
	t.Setenv("SSLKEYLOGFILE", "")
	serverConfig := tlstest.ServerConfig(t)
	serverConfig.MaxVersion = tls.VersionTLS12
	addr := tlstest.EchoServer(t, tlsconn.NewContext(serverConfig))
	caFile, _ := tlstest.WriteFiles(t, t.TempDir())

	output, err := runCmd(t, addr, "--ca-file", caFile, "-o", "yaml",
		"--export-label", "EXPERIMENTAL-dial", "--export-length", "8")
	require.NoError(t, err)

	var got sessionReport
	require.NoError(t, yaml.Unmarshal([]byte(output), &got))
	assert.Equal(t, "TLS 1.2", got.Version)
	assert.Regexp(t, `^[0-9a-f]{64}$`, got.ClientRandom)
	assert.Regexp(t, `^[0-9a-f]{96}$`, got.MasterKey)
	assert.Regexp(t, `^[0-9a-f]{16}$`, got.Exporter)
	assert.Equal(t, "CLIENT_RANDOM "+got.ClientRandom+" "+got.MasterKey, got.Keylog)
}

func TestDialKeylogFromEnvironment(t *testing.T) {
	dir := t.TempDir()
	keylogPath := filepath.Join(dir, "env.log")
	t.Setenv("SSLKEYLOGFILE", keylogPath)

	addr := tlstest.EchoServer(t, tlsconn.NewContext(tlstest.ServerConfig(t)))
	caFile, _ := tlstest.WriteFiles(t, dir)

	_, err := runCmd(t, addr, "--ca-file", caFile)
	require.NoError(t, err)

	data, err := os.ReadFile(keylogPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 4, "TLS 1.3 logs two handshake and two traffic secrets")
}

func TestDialErrors(t *testing.T) {
	t.Setenv("SSLKEYLOGFILE", "")

	t.Run("untrusted server", func(t *testing.T) {
		addr := tlstest.EchoServer(t, tlsconn.NewContext(tlstest.ServerConfig(t)))
		_, err := runCmd(t, addr)
		assert.ErrorContains(t, err, "handshake")
	})

	t.Run("bad export context", func(t *testing.T) {
		_, err := runCmd(t, "127.0.0.1:1", "--insecure", "--export-label", "x", "--export-context", "zz")
		assert.ErrorContains(t, err, "--export-context")
	})

	t.Run("bad tls version", func(t *testing.T) {
		_, err := runCmd(t, "127.0.0.1:1", "--tls-max", "2.0")
		assert.ErrorContains(t, err, "unknown TLS version")
	})

	t.Run("unknown output format", func(t *testing.T) {
		_, err := runCmd(t, "127.0.0.1:1", "-o", "json")
		assert.ErrorContains(t, err, "unknown output format")
	})

	t.Run("address without port", func(t *testing.T) {
		_, err := runCmd(t, "localhost", "--insecure")
		assert.ErrorContains(t, err, "invalid address")
	})
}
