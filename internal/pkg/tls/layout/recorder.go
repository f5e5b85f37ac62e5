package layout

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/endorses/sslkeylog/internal/pkg/constants"
)

// Recorder is a net.Conn placed beneath a TLS connection. It tees the
// plaintext handshake bytes flowing in each direction until it has seen the
// ClientHello and the first ServerHello that is not a HelloRetryRequest,
// then stops looking at traffic.
type Recorder struct {
	net.Conn

	mu       sync.Mutex
	read     stream
	written  stream
	done     atomic.Bool
	complete func(clientHello, serverHello []byte)
	client   []byte
	server   []byte
}

// NewRecorder wraps conn. isClient selects which direction carries which
// hello: a client writes its ClientHello and reads the ServerHello.
// complete, if not nil, is called once with both messages, on the goroutine
// whose I/O finished the capture.
func NewRecorder(conn net.Conn, isClient bool, complete func(clientHello, serverHello []byte)) *Recorder {
	r := &Recorder{Conn: conn, complete: complete}
	if isClient {
		r.written.want = HandshakeTypeClientHello
		r.read.want = HandshakeTypeServerHello
	} else {
		r.read.want = HandshakeTypeClientHello
		r.written.want = HandshakeTypeServerHello
	}
	return r
}

// Read reads from the wrapped connection and records what it returns.
func (r *Recorder) Read(p []byte) (int, error) {
	n, err := r.Conn.Read(p)
	if n > 0 && !r.done.Load() {
		r.record(&r.read, p[:n])
	}
	return n, err
}

// Write writes to the wrapped connection and records what was written.
func (r *Recorder) Write(p []byte) (int, error) {
	n, err := r.Conn.Write(p)
	if n > 0 && !r.done.Load() {
		r.record(&r.written, p[:n])
	}
	return n, err
}

// NetConn returns the wrapped connection.
func (r *Recorder) NetConn() net.Conn {
	return r.Conn
}

// Hellos returns the captured ClientHello and ServerHello messages once both
// are known.
func (r *Recorder) Hellos() (clientHello, serverHello []byte, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil || r.server == nil {
		return nil, nil, false
	}
	return r.client, r.server, true
}

// Done reports whether the recorder has stopped looking at traffic, either
// because both hellos were captured or because a stream gave up.
func (r *Recorder) Done() bool {
	return r.done.Load()
}

func (r *Recorder) record(s *stream, p []byte) {
	r.mu.Lock()
	if r.done.Load() {
		r.mu.Unlock()
		return
	}
	if msg := s.feed(p); msg != nil {
		if msg[0] == HandshakeTypeClientHello {
			r.client = msg
		} else {
			r.server = msg
		}
	}

	var fire func(clientHello, serverHello []byte)
	switch {
	case r.client != nil && r.server != nil:
		r.done.Store(true)
		fire = r.complete
	case r.read.failed || r.written.failed:
		r.done.Store(true)
	}
	client, server := r.client, r.server
	r.mu.Unlock()

	if fire != nil {
		fire(client, server)
	}
}

// stream reassembles one direction of the handshake: records into
// handshake payload, payload into messages.
type stream struct {
	want    uint8
	records []byte
	payload []byte
	seen    int
	found   bool
	failed  bool
}

// feed consumes p and returns the wanted hello the first time it is
// complete.
func (s *stream) feed(p []byte) []byte {
	if s.found || s.failed {
		return nil
	}
	s.seen += len(p)
	if s.seen > constants.MaxHandshakeCapture {
		s.failed = true
		return nil
	}
	s.records = append(s.records, p...)

	for len(s.records) >= RecordHeaderLen {
		contentType := s.records[0]
		length := int(s.records[3])<<8 | int(s.records[4])
		if s.records[1] != 0x03 || length > MaxRecordLen {
			// Not a TLS record stream.
			s.failed = true
			return nil
		}
		if len(s.records) < RecordHeaderLen+length {
			break
		}
		if contentType == RecordTypeHandshake {
			s.payload = append(s.payload, s.records[RecordHeaderLen:RecordHeaderLen+length]...)
		}
		s.records = s.records[RecordHeaderLen+length:]
	}

	for len(s.payload) >= HandshakeHeaderLen {
		length := int(s.payload[1])<<16 | int(s.payload[2])<<8 | int(s.payload[3])
		if len(s.payload) < HandshakeHeaderLen+length {
			break
		}
		msg := s.payload[:HandshakeHeaderLen+length]
		s.payload = s.payload[HandshakeHeaderLen+length:]

		if msg[0] != s.want {
			continue
		}
		if s.want == HandshakeTypeServerHello && IsHelloRetryRequest(msg) {
			continue
		}
		if len(msg) < RandomOffset+constants.RandomSize {
			s.failed = true
			return nil
		}
		s.found = true
		s.records, s.payload = nil, nil
		return append([]byte(nil), msg...)
	}
	return nil
}
