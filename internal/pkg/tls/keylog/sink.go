package keylog

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
)

// flusher is implemented by buffered writers such as *bufio.Writer.
type flusher interface {
	Flush() error
}

// LineFunc receives a key log line without its trailing newline, tagged with
// the session of the connection that produced it.
type LineFunc func(session uuid.UUID, line string) error

// Sink is a replaceable key log destination. It holds at most one of a file
// opened from a path, a caller-owned writer or a line callback.
type Sink struct {
	mu     sync.Mutex
	w      io.Writer
	file   *os.File
	fn     LineFunc
	target string
}

// NewSink returns an empty sink that discards every line.
func NewSink() *Sink {
	return &Sink{}
}

// SetPath opens path for appending, creating it with mode 0600 if needed,
// and makes it the destination. A previously opened file is closed.
func (s *Sink) SetPath(path string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open key log %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.resetLocked()
	s.w, s.file, s.target = f, f, path
	return err
}

// SetWriter makes w the destination. The sink never closes w.
func (s *Sink) SetWriter(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.resetLocked()
	s.w, s.target = w, fmt.Sprintf("%T", w)
	return err
}

// SetFunc makes fn the destination. fn is called without the sink lock held,
// so it may run concurrently for different sessions.
func (s *Sink) SetFunc(fn LineFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.resetLocked()
	s.fn, s.target = fn, "func"
	return err
}

// Reset drops the destination, closing a file the sink opened.
func (s *Sink) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetLocked()
}

// Close is Reset.
func (s *Sink) Close() error {
	return s.Reset()
}

// Target describes the current destination, or "" when there is none.
func (s *Sink) Target() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// WriteLine writes line followed by a newline and flushes buffered writers,
// or hands it to the func set by SetFunc. Writes from concurrent callers never
// interleave.
func (s *Sink) WriteLine(session uuid.UUID, line string) error {
	s.mu.Lock()
	if fn := s.fn; fn != nil {
		s.mu.Unlock()
		return fn(session, line)
	}
	defer s.mu.Unlock()

	if s.w == nil {
		return nil
	}
	if _, err := io.WriteString(s.w, line+"\n"); err != nil {
		return fmt.Errorf("failed to write key log line: %w", err)
	}
	if f, ok := s.w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("failed to flush key log: %w", err)
		}
	}
	return nil
}

func (s *Sink) resetLocked() error {
	var err error
	if s.file != nil {
		err = s.file.Close()
	}
	s.w, s.file, s.fn, s.target = nil, nil, nil, ""
	return err
}
