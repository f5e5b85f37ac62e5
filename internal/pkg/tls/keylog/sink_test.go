package keylog

import (
	"bufio"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinkDestinations(t *testing.T) {
	session := uuid.New()
	line := strings.TrimSpace(testKeyLogContent[strings.Index(testKeyLogContent, "CLIENT_RANDOM"):])

	t.Run("empty sink discards", func(t *testing.T) {
		sink := NewSink()
		assert.NoError(t, sink.WriteLine(session, line))
		assert.Equal(t, "", sink.Target())
	})

	t.Run("path appends", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "keys.log")
		require.NoError(t, os.WriteFile(path, []byte("# existing\n"), 0600))

		sink := NewSink()
		require.NoError(t, sink.SetPath(path))
		assert.Equal(t, path, sink.Target())
		require.NoError(t, sink.WriteLine(session, line))
		require.NoError(t, sink.WriteLine(session, line))
		require.NoError(t, sink.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "# existing\n"+line+"\n"+line+"\n", string(data))
	})

	t.Run("bad path", func(t *testing.T) {
		sink := NewSink()
		err := sink.SetPath(filepath.Join(t.TempDir(), "missing", "keys.log"))
		assert.Error(t, err)
		assert.Equal(t, "", sink.Target())
	})

	t.Run("buffered writer is flushed", func(t *testing.T) {
		var buf bytes.Buffer
		bw := bufio.NewWriter(&buf)

		sink := NewSink()
		require.NoError(t, sink.SetWriter(bw))
		require.NoError(t, sink.WriteLine(session, line))
		assert.Equal(t, line+"\n", buf.String())
	})

	t.Run("func receives newline-free line and session", func(t *testing.T) {
		var (
			got      []string
			sessions []uuid.UUID
		)
		sink := NewSink()
		require.NoError(t, sink.SetFunc(func(id uuid.UUID, l string) error {
			sessions = append(sessions, id)
			got = append(got, l)
			return nil
		}))
		assert.Equal(t, "func", sink.Target())
		require.NoError(t, sink.WriteLine(session, line))
		assert.Equal(t, []string{line}, got)
		assert.Equal(t, []uuid.UUID{session}, sessions)
	})

	t.Run("func may write back into the sink", func(t *testing.T) {
		var buf bytes.Buffer
		sink := NewSink()
		require.NoError(t, sink.SetFunc(func(id uuid.UUID, l string) error {
			return sink.SetWriter(&buf)
		}))
		require.NoError(t, sink.WriteLine(session, line))
		require.NoError(t, sink.WriteLine(session, line))
		assert.Equal(t, line+"\n", buf.String())
	})

	t.Run("func error is returned", func(t *testing.T) {
		boom := errors.New("boom")
		sink := NewSink()
		require.NoError(t, sink.SetFunc(func(uuid.UUID, string) error { return boom }))
		assert.ErrorIs(t, sink.WriteLine(session, line), boom)
	})

	t.Run("replacement drops previous destination", func(t *testing.T) {
		var first, second bytes.Buffer
		sink := NewSink()
		require.NoError(t, sink.SetWriter(&first))
		require.NoError(t, sink.SetWriter(&second))
		require.NoError(t, sink.WriteLine(session, line))
		assert.Empty(t, first.String())
		assert.Equal(t, line+"\n", second.String())

		require.NoError(t, sink.Reset())
		require.NoError(t, sink.WriteLine(session, line))
		assert.Equal(t, line+"\n", second.String())
	})
}

func TestSinkConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSink()
	require.NoError(t, sink.SetWriter(&buf))

	cr := makeClientRandom(0x7f)
	line := FormatLine("CLIENT_RANDOM", cr[:], bytes.Repeat([]byte{0xab}, 48))
	session := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, sink.WriteLine(session, line))
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 50)
	for _, l := range lines {
		assert.Equal(t, line, l)
	}
}
