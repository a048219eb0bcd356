package primitive

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leolilley/kiwi/internal/sink"
	"github.com/leolilley/kiwi/internal/tool"
)

// wsStreamServer serves the given messages over a websocket upgrade.
// cleanClose sends a normal close frame; otherwise the connection is
// dropped abruptly.
func wsStreamServer(t *testing.T, messages []string, cleanClose bool) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for _, msg := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		if cleanClose {
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			// Wait for the client's close response before tearing down.
			conn.SetReadDeadline(time.Now().Add(time.Second))
			conn.ReadMessage()
		}
	}))
}

func TestWebsocketStreamFanOut(t *testing.T) {
	srv := wsStreamServer(t, []string{`{"seq":0}`, `{"seq":1}`, `{"seq":2}`}, true)
	defer srv.Close()

	returnSink := sink.NewReturnSink(100)
	cfg := map[string]any{
		"url":    srv.URL,
		"mode":   "stream",
		"stream": map[string]any{"transport": "websocket"},
	}
	result, err := ExecuteHTTP(context.Background(), cfg,
		map[string]any{"__sinks": []sink.Sink{returnSink}}, nil)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.True(t, result.CleanFinish)
	assert.Equal(t, 3, result.StreamEventsCount)

	body := result.Body.([]any)
	require.Len(t, body, 3)
	for i, event := range body {
		assert.Equal(t, float64(i), event.(map[string]any)["seq"])
	}
}

func TestWebsocketStreamIncompleteOnAbruptClose(t *testing.T) {
	srv := wsStreamServer(t, []string{`{"seq":0}`, `{"seq":1}`}, false)
	defer srv.Close()

	returnSink := sink.NewReturnSink(100)
	cfg := map[string]any{
		"url":    srv.URL,
		"mode":   "stream",
		"stream": map[string]any{"transport": "websocket"},
	}
	_, err := ExecuteHTTP(context.Background(), cfg,
		map[string]any{"__sinks": []sink.Sink{returnSink}}, nil)

	var si *StreamIncompleteError
	require.ErrorAs(t, err, &si)
	assert.Equal(t, 2, si.EventsDelivered)
}

func TestWebsocketStreamRetryOnDisconnect(t *testing.T) {
	// First connection drops abruptly; the second closes cleanly. With
	// STREAM_INCOMPLETE listed, events accumulate across attempts.
	attempt := 0
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		attempt++
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`"event"`))
		if attempt == 1 {
			return // abrupt drop
		}
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		conn.SetReadDeadline(time.Now().Add(time.Second))
		conn.ReadMessage()
	}))
	defer srv.Close()

	returnSink := sink.NewReturnSink(100)
	cfg := map[string]any{
		"url":    srv.URL,
		"mode":   "stream",
		"stream": map[string]any{"transport": "websocket"},
	}
	retry := &tool.Retry{MaxAttempts: 3, BackoffMS: []int{1},
		RetryableErrors: []string{"STREAM_INCOMPLETE"}}

	result, err := ExecuteHTTP(context.Background(), cfg,
		map[string]any{"__sinks": []sink.Sink{returnSink}}, retry)
	require.NoError(t, err)

	assert.Equal(t, 2, attempt)
	assert.Equal(t, 2, result.StreamEventsCount)
}

func TestWebsocketStreamCancellation(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Hold the connection open without sending anything.
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		conn.ReadMessage()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	cfg := map[string]any{
		"url":    srv.URL,
		"mode":   "stream",
		"stream": map[string]any{"transport": "websocket"},
	}
	start := time.Now()
	_, err := ExecuteHTTP(ctx, cfg, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWebsocketURLMapping(t *testing.T) {
	assert.Equal(t, "ws://host/x", websocketURL("http://host/x"))
	assert.Equal(t, "wss://host/x", websocketURL("https://host/x"))
	assert.Equal(t, "wss://host/x", websocketURL("wss://host/x"))
}
