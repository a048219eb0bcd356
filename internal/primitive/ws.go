package primitive

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/leolilley/kiwi/internal/sink"
)

// wsHandshakeTimeout bounds the websocket upgrade.
const wsHandshakeTimeout = 10 * time.Second

// wsStreamOnce opens the websocket transport and fans each inbound text
// or binary message out to the sinks, incrementing *delivered per event
// so retries report a cumulative count. A normal-closure or going-away
// close frame from the server ends the stream cleanly; any other close
// code or termination is incomplete.
func wsStreamOnce(ctx context.Context, cfg, params map[string]any, sinks []sink.Sink, delivered *int) (int, error) {
	header := http.Header{}
	applyHeaders(header, cfg, params)

	dialer := &websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, websocketURL(getString(cfg, "url", "")), header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return resp.StatusCode, &HTTPError{Status: resp.StatusCode, Kind: KindStatus}
		}
		return 0, &StreamIncompleteError{EventsDelivered: *delivered, Err: classifyHTTPErr(err)}
	}
	defer conn.Close()

	status := http.StatusSwitchingProtocols
	if resp != nil {
		status = resp.StatusCode
	}

	// Cancellation unblocks the read by tearing the connection down.
	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-readDone:
		}
	}()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return status, nil
			}
			if ctx.Err() != nil {
				return status, &StreamIncompleteError{EventsDelivered: *delivered, Err: ctx.Err()}
			}
			return status, &StreamIncompleteError{EventsDelivered: *delivered, Err: err}
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		for _, s := range sinks {
			if err := s.Write(message); err != nil {
				return status, err
			}
		}
		*delivered++
	}
}

// websocketURL maps an http(s) config URL onto the ws(s) scheme; ws://
// and wss:// URLs pass through.
func websocketURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	default:
		return raw
	}
}
