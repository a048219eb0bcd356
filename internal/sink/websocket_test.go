package sink

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsEcho collects text messages received by a test websocket server.
type wsEcho struct {
	mu       sync.Mutex
	received []string
}

func (e *wsEcho) handler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			e.mu.Lock()
			e.received = append(e.received, string(msg))
			e.mu.Unlock()
		}
	}
}

func (e *wsEcho) messages() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.received))
	copy(out, e.received)
	return out
}

func TestWebsocketSinkDelivers(t *testing.T) {
	echo := &wsEcho{}
	srv := httptest.NewServer(echo.handler(t))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	s, err := NewWebsocketSink(wsURL, 16)
	require.NoError(t, err)

	require.NoError(t, s.Write([]byte("one")))
	require.NoError(t, s.Write([]byte("two")))
	require.NoError(t, s.Close())

	assert.Eventually(t, func() bool {
		msgs := echo.messages()
		return len(msgs) == 2 && msgs[0] == "one" && msgs[1] == "two"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebsocketSinkDialFailure(t *testing.T) {
	_, err := NewWebsocketSink("ws://127.0.0.1:1/nope", 4)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.SinkName, "websocket")
}

func TestWebsocketSinkBuffersWhileDisconnected(t *testing.T) {
	echo := &wsEcho{}
	srv := httptest.NewServer(echo.handler(t))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	s, err := NewWebsocketSink(wsURL, 2)
	require.NoError(t, err)

	// Force disconnection; subsequent writes land in the bounded buffer
	// with oldest-first eviction.
	s.disconnect()
	srv.Close()

	for _, msg := range []string{"a", "b", "c"} {
		require.NoError(t, s.Write([]byte(msg)))
	}
	assert.Equal(t, 1, s.Dropped())
	require.NoError(t, s.Close())
}
