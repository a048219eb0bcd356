package sink

import (
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Websocket sink tuning. Reconnection backs off exponentially from
// wsBackoffBase up to wsBackoffMax; while disconnected, events buffer up
// to the configured cap with oldest-first eviction.
const (
	wsBackoffBase = 250 * time.Millisecond
	wsBackoffMax  = 8 * time.Second

	// DefaultWebsocketBuffer is the disconnect buffer cap when the
	// destination spec does not set one.
	DefaultWebsocketBuffer = 256
)

// WebsocketSink forwards events over a websocket connection, buffering
// and reconnecting across transient disconnects.
type WebsocketSink struct {
	url       string
	bufferCap int
	dialer    *websocket.Dialer

	conn     *websocket.Conn
	buffer   [][]byte
	dropped  int
	attempts int
}

// NewWebsocketSink dials url immediately so configuration errors surface
// before streaming starts.
func NewWebsocketSink(url string, bufferCap int) (*WebsocketSink, error) {
	if bufferCap <= 0 {
		bufferCap = DefaultWebsocketBuffer
	}
	s := &WebsocketSink{
		url:       url,
		bufferCap: bufferCap,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	if err := s.connect(); err != nil {
		return nil, &Error{SinkName: s.Name(), Err: err}
	}
	return s, nil
}

func (s *WebsocketSink) Name() string { return "websocket:" + s.url }

func (s *WebsocketSink) connect() error {
	conn, _, err := s.dialer.Dial(s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	s.conn = conn
	s.attempts = 0
	return nil
}

// Write sends the event, replaying any buffered backlog first. On
// connection failure the event is buffered (dropping the oldest beyond
// the cap) and reconnection is attempted with exponential backoff on the
// next write.
func (s *WebsocketSink) Write(event []byte) error {
	if s.conn == nil {
		if err := s.reconnect(); err != nil {
			s.bufferEvent(event)
			return nil
		}
	}

	if err := s.flushBuffer(); err != nil {
		s.bufferEvent(event)
		return nil
	}

	if err := s.conn.WriteMessage(websocket.TextMessage, event); err != nil {
		s.disconnect()
		s.bufferEvent(event)
	}
	return nil
}

func (s *WebsocketSink) reconnect() error {
	delay := wsBackoffBase << s.attempts
	if delay > wsBackoffMax {
		delay = wsBackoffMax
	}
	if s.attempts > 0 {
		time.Sleep(delay)
	}
	s.attempts++
	return s.connect()
}

func (s *WebsocketSink) flushBuffer() error {
	for len(s.buffer) > 0 {
		if err := s.conn.WriteMessage(websocket.TextMessage, s.buffer[0]); err != nil {
			s.disconnect()
			return err
		}
		s.buffer = s.buffer[1:]
	}
	return nil
}

func (s *WebsocketSink) bufferEvent(event []byte) {
	if len(s.buffer) >= s.bufferCap {
		s.buffer = s.buffer[1:]
		s.dropped++
	}
	buf := make([]byte, len(event))
	copy(buf, event)
	s.buffer = append(s.buffer, buf)
}

func (s *WebsocketSink) disconnect() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// Dropped returns how many events were evicted while disconnected.
func (s *WebsocketSink) Dropped() int { return s.dropped }

// Close attempts a final backlog flush, then closes the connection with
// a normal-closure frame.
func (s *WebsocketSink) Close() error {
	if s.conn == nil {
		return nil
	}
	_ = s.flushBuffer()
	if s.conn == nil {
		return nil
	}
	deadline := time.Now().Add(2 * time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return &Error{SinkName: s.Name(), Err: err}
	}
	return nil
}
