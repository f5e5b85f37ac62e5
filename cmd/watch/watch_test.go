package watch

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/endorses/sslkeylog/internal/pkg/tls/keylog"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startCmd(t *testing.T, args ...string) (out *syncBuffer, stop func() error) {
	t.Helper()
	out = &syncBuffer{}
	WatchCmd.SetOut(out)
	WatchCmd.SetErr(out)
	WatchCmd.SetArgs(args)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- WatchCmd.ExecuteContext(ctx) }()

	var once sync.Once
	var err error
	stop = func() error {
		once.Do(func() {
			cancel()
			err = <-errc
			WatchCmd.SetOut(nil)
			WatchCmd.SetErr(nil)
			WatchCmd.SetArgs(nil)
			WatchCmd.Flags().VisitAll(func(f *pflag.Flag) {
				_ = f.Value.Set(f.DefValue)
				f.Changed = false
			})
		})
		return err
	}
	t.Cleanup(func() { _ = stop() })
	return out, stop
}

func line(seed byte) string {
	cr := bytes.Repeat([]byte{seed}, 32)
	secret := bytes.Repeat([]byte{seed ^ 0xff}, 48)
	return keylog.FormatLine(keylog.LabelClientRandom.String(), cr, secret)
}

func appendLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	require.NoError(t, err)
	defer f.Close()
	for _, l := range lines {
		_, err := f.WriteString(l + "\n")
		require.NoError(t, err)
	}
}

func TestWatchPrintsNewEntries(t *testing.T) {
	for _, mode := range []struct {
		name string
		args []string
	}{
		{name: "fsnotify"},
		{name: "polling", args: []string{"--poll", "--poll-interval", "20ms"}},
	} {
		t.Run(mode.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "keys.log")
			appendLines(t, path, line(1), "# comment", line(1))

			out, stop := startCmd(t, append([]string{path}, mode.args...)...)

			assert.Eventually(t, func() bool {
				return strings.Contains(out.String(), line(1))
			}, 5*time.Second, 10*time.Millisecond)

			appendLines(t, path, line(2))
			assert.Eventually(t, func() bool {
				return strings.Contains(out.String(), line(2))
			}, 5*time.Second, 10*time.Millisecond)

			require.NoError(t, stop())
			assert.Equal(t, 1, strings.Count(out.String(), line(1)), "duplicate entries are printed once")
		})
	}
}

func TestWatchFileCreatedLater(t *testing.T) {
	path := filepath.Join(t.TempDir(), "later.log")
	out, stop := startCmd(t, path, "--poll", "--poll-interval", "20ms")

	appendLines(t, path, line(3))
	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), line(3))
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())
}
