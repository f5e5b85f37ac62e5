package bridge

import "github.com/google/uuid"

// Handler receives key log lines. session identifies the connection the
// line belongs to; line has no trailing newline.
type Handler interface {
	HandleKeylog(session uuid.UUID, line string) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(session uuid.UUID, line string) error

// HandleKeylog calls f.
func (f HandlerFunc) HandleKeylog(session uuid.UUID, line string) error {
	return f(session, line)
}

type noopHandler struct{}

func (noopHandler) HandleKeylog(uuid.UUID, string) error { return nil }

// Noop is a handler the bridge recognizes and never calls.
var Noop Handler = noopHandler{}

// IsNoop reports whether h is nil or Noop.
func IsNoop(h Handler) bool {
	if h == nil {
		return true
	}
	_, ok := h.(noopHandler)
	return ok
}
