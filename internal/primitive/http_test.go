package primitive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leolilley/kiwi/internal/sink"
	"github.com/leolilley/kiwi/internal/tool"
)

func TestHTTPSyncJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true,"n":7}`)
	}))
	defer srv.Close()

	result, err := ExecuteHTTP(context.Background(), map[string]any{"url": srv.URL}, nil, nil)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 200, result.Status)
	body := result.Body.(map[string]any)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, float64(7), body["n"])
}

func TestHTTPSyncPostMapBodyAsJSON(t *testing.T) {
	var gotContentType, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
	}))
	defer srv.Close()

	_, err := ExecuteHTTP(context.Background(), map[string]any{
		"url":    srv.URL,
		"method": "post",
		"body":   map[string]any{"model": "claude"},
	}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "application/json", gotContentType)
	assert.JSONEq(t, `{"model":"claude"}`, gotBody)
}

func TestHTTPSyncStringBodyRaw(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
	}))
	defer srv.Close()

	_, err := ExecuteHTTP(context.Background(), map[string]any{
		"url": srv.URL, "method": "POST", "body": "raw-payload",
	}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "raw-payload", gotBody)
}

func TestHTTPAuthHeaders(t *testing.T) {
	var auth, apiKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		apiKey = r.Header.Get("X-API-Key")
	}))
	defer srv.Close()

	_, err := ExecuteHTTP(context.Background(), map[string]any{
		"url":  srv.URL,
		"auth": map[string]any{"type": "bearer", "token": "tok123"},
	}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok123", auth)

	_, err = ExecuteHTTP(context.Background(), map[string]any{
		"url":  srv.URL,
		"auth": map[string]any{"type": "api_key", "key": "k9"},
	}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "k9", apiKey)
}

func TestHTTPOpaqueAuthParamForwarded(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	_, err := ExecuteHTTP(context.Background(), map[string]any{"url": srv.URL},
		map[string]any{"__auth": "capability-token"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer capability-token", auth)
}

func TestHTTPRetryOnListedStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	retry := &tool.Retry{MaxAttempts: 5, BackoffMS: []int{1, 2}, RetryableErrors: []string{"503"}}
	result, err := ExecuteHTTP(context.Background(), map[string]any{"url": srv.URL}, nil, retry)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPRetryExhaustionReturnsLastError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	retry := &tool.Retry{MaxAttempts: 3, BackoffMS: []int{1}, RetryableErrors: []string{"502"}}
	_, err := ExecuteHTTP(context.Background(), map[string]any{"url": srv.URL}, nil, retry)

	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, 502, he.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPUnlistedStatusNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	retry := &tool.Retry{MaxAttempts: 3, RetryableErrors: []string{"503"}}
	_, err := ExecuteHTTP(context.Background(), map[string]any{"url": srv.URL}, nil, retry)

	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, 404, he.Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPMissingURL(t *testing.T) {
	_, err := ExecuteHTTP(context.Background(), map[string]any{}, nil, nil)
	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, KindConfig, he.Kind)
}

func sseServer(t *testing.T, events []string, done bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, event := range events {
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", event)
			flusher.Flush()
		}
		if done {
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
		}
	}))
}

func TestStreamFanOut(t *testing.T) {
	events := []string{`{"seq":0}`, `{"seq":1}`, `{"seq":2}`}
	srv := sseServer(t, events, true)
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "t.jsonl")
	fileSink, err := sink.NewFileSink(path, sink.FormatJSONL, 1)
	require.NoError(t, err)
	returnSink := sink.NewReturnSink(100)
	sinks := []sink.Sink{fileSink, returnSink}

	cfg := map[string]any{
		"url":    srv.URL,
		"mode":   "stream",
		"stream": map[string]any{"transport": "sse"},
	}
	result, err := ExecuteHTTP(context.Background(), cfg, map[string]any{"__sinks": sinks}, nil)
	require.NoError(t, err)
	require.NoError(t, fileSink.Close())

	assert.True(t, result.Success)
	assert.True(t, result.CleanFinish)
	assert.Equal(t, 3, result.StreamEventsCount)
	assert.Len(t, result.StreamDestinations, 2)

	// The return sink's buffer becomes the result body, in order.
	body := result.Body.([]any)
	require.Len(t, body, 3)
	for i, event := range body {
		assert.Equal(t, float64(i), event.(map[string]any)["seq"])
	}

	// The file sink received the same events in the same order.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 3)
	for i, line := range lines {
		var decoded map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &decoded))
		assert.Equal(t, float64(i), decoded["seq"])
	}
}

func TestStreamMultiLineData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: line one\ndata: line two\n\n")
	}))
	defer srv.Close()

	returnSink := sink.NewReturnSink(10)
	cfg := map[string]any{"url": srv.URL, "mode": "stream"}
	result, err := ExecuteHTTP(context.Background(), cfg,
		map[string]any{"__sinks": []sink.Sink{returnSink}}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, result.StreamEventsCount)
	assert.Equal(t, "line one\nline two", result.Body.([]any)[0])
}

func TestStreamIncompleteOnDisconnect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Advertise more bytes than are sent so the client observes a
		// truncated body, which models a mid-stream disconnect.
		w.Header().Set("Content-Length", "1000000")
		fmt.Fprint(w, "data: {\"seq\":0}\n\ndata: {\"seq\":1}\n\n")
	}))
	defer srv.Close()

	returnSink := sink.NewReturnSink(10)
	cfg := map[string]any{"url": srv.URL, "mode": "stream"}
	_, err := ExecuteHTTP(context.Background(), cfg,
		map[string]any{"__sinks": []sink.Sink{returnSink}}, nil)

	var si *StreamIncompleteError
	require.ErrorAs(t, err, &si)
	assert.Equal(t, 2, si.EventsDelivered)
}

func TestStreamErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := map[string]any{"url": srv.URL, "mode": "stream"}
	_, err := ExecuteHTTP(context.Background(), cfg, nil, nil)

	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, 401, he.Status)
}

func TestStreamUnsupportedTransport(t *testing.T) {
	cfg := map[string]any{
		"url":    "http://unused",
		"mode":   "stream",
		"stream": map[string]any{"transport": "carrier_pigeon"},
	}
	_, err := ExecuteHTTP(context.Background(), cfg, nil, nil)
	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, KindConfig, he.Kind)
}

func TestReturnSinkOverflowCapsBody(t *testing.T) {
	events := make([]string, 6)
	for i := range events {
		events[i] = fmt.Sprintf(`{"seq":%d}`, i)
	}
	srv := sseServer(t, events, true)
	defer srv.Close()

	returnSink := sink.NewReturnSink(4)
	cfg := map[string]any{"url": srv.URL, "mode": "stream"}
	result, err := ExecuteHTTP(context.Background(), cfg,
		map[string]any{"__sinks": []sink.Sink{returnSink}}, nil)
	require.NoError(t, err)

	// All six events were delivered; the buffer kept the first four and
	// the overflow is reported, not silently lost.
	assert.Equal(t, 6, result.StreamEventsCount)
	assert.Len(t, result.Body.([]any), 4)
	assert.Equal(t, 2, returnSink.Dropped())
}
