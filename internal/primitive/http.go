package primitive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/leolilley/kiwi/internal/httputil"
	"github.com/leolilley/kiwi/internal/log"
	"github.com/leolilley/kiwi/internal/sink"
	"github.com/leolilley/kiwi/internal/tool"
)

// DefaultHTTPTimeout applies when the merged config does not set
// timeout_ms.
const DefaultHTTPTimeout = 60_000 * time.Millisecond

// maxBodyBytes caps a sync-mode response body read.
const maxBodyBytes = 16 << 20

// HTTP error kinds.
const (
	KindConnection = "CONNECTION"
	KindTimeout    = "TIMEOUT"
	KindStatus     = "STATUS"
	KindConfig     = "CONFIG"
)

// HTTPResult reports a completed HTTP call, sync or streaming.
type HTTPResult struct {
	Success            bool     `json:"success"`
	Status             int      `json:"status"`
	Body               any      `json:"body,omitempty"`
	DurationMS         int64    `json:"duration_ms"`
	StreamEventsCount  int      `json:"stream_events_count,omitempty"`
	StreamDestinations []string `json:"stream_destinations,omitempty"`
	CleanFinish        bool     `json:"clean_finish"`
}

// HTTPError reports a failed request after retry exhaustion.
type HTTPError struct {
	Status int // zero when the failure was below HTTP
	Kind   string
	Err    error
}

func (e *HTTPError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("http request failed: status %d (%s)", e.Status, e.Kind)
	}
	return fmt.Sprintf("http request failed: %s: %v", e.Kind, e.Err)
}

func (e *HTTPError) Unwrap() error { return e.Err }

// StreamIncompleteError reports a stream that disconnected before the
// server finished, with the number of events already fanned out.
type StreamIncompleteError struct {
	EventsDelivered int
	Err             error
}

func (e *StreamIncompleteError) Error() string {
	return fmt.Sprintf("stream incomplete after %d event(s): %v", e.EventsDelivered, e.Err)
}

func (e *StreamIncompleteError) Unwrap() error { return e.Err }

// ExecuteHTTP performs the configured request. Mode "sync" (default)
// returns the decoded response; mode "stream" fans SSE events (or
// websocket messages, with stream.transport "websocket") out to the sinks
// the facade injected under params["__sinks"].
//
// Recognised config keys: method, url, headers, body, auth, timeout_ms,
// mode, stream. The retry policy comes from the tool manifest.
func ExecuteHTTP(ctx context.Context, cfg map[string]any, params map[string]any, retry *tool.Retry) (*HTTPResult, error) {
	rawURL := getString(cfg, "url", "")
	if rawURL == "" {
		return nil, &HTTPError{Kind: KindConfig, Err: fmt.Errorf("config is missing 'url'")}
	}

	if getString(cfg, "mode", "sync") == "stream" {
		return executeStream(ctx, cfg, params, retry)
	}
	return executeSync(ctx, cfg, params, retry)
}

func executeSync(ctx context.Context, cfg map[string]any, params map[string]any, retry *tool.Retry) (*HTTPResult, error) {
	timeout := time.Duration(getInt(cfg, "timeout_ms", 0)) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	client := httputil.NewClient(httputil.ClientOptions{Timeout: timeout})

	attempts := 1
	if retry != nil {
		attempts = retry.MaxAttempts
	}

	var lastErr error
	start := time.Now()
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, retry, attempt-1); err != nil {
				return nil, err
			}
			log.Default().Debug("retrying http request", "attempt", attempt+1)
		}

		result, err := attemptSync(ctx, client, cfg, params)
		if err == nil {
			result.DurationMS = time.Since(start).Milliseconds()
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryable(err, retry) {
			break
		}
	}
	return nil, lastErr
}

func attemptSync(ctx context.Context, client *http.Client, cfg, params map[string]any) (*HTTPResult, error) {
	req, err := buildRequest(ctx, cfg, params)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyHTTPErr(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &HTTPError{Kind: KindConnection, Err: err}
	}

	if resp.StatusCode >= 400 {
		return nil, &HTTPError{Status: resp.StatusCode, Kind: KindStatus}
	}

	return &HTTPResult{
		Success:     true,
		Status:      resp.StatusCode,
		Body:        decodeBody(resp.Header.Get("Content-Type"), raw),
		CleanFinish: true,
	}, nil
}

func buildRequest(ctx context.Context, cfg, params map[string]any) (*http.Request, error) {
	method := strings.ToUpper(getString(cfg, "method", http.MethodGet))
	rawURL := getString(cfg, "url", "")

	var body io.Reader
	contentType := ""
	switch payload := cfg["body"].(type) {
	case nil:
	case string:
		body = strings.NewReader(payload)
	case []byte:
		body = bytes.NewReader(payload)
	default:
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, &HTTPError{Kind: KindConfig, Err: fmt.Errorf("encode body: %w", err)}
		}
		body = bytes.NewReader(encoded)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, &HTTPError{Kind: KindConfig, Err: err}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	applyHeaders(req.Header, cfg, params)
	return req, nil
}

// applyHeaders sets the config's headers and authentication on h.
// Shared by the sync/SSE request builder and the websocket dialer.
func applyHeaders(h http.Header, cfg, params map[string]any) {
	for k, v := range getMap(cfg, "headers") {
		h.Set(k, fmt.Sprintf("%v", v))
	}
	applyAuth(h, getMap(cfg, "auth"), params)
}

// applyAuth adds authentication headers. The opaque __auth param the
// harness attaches is forwarded as a bearer credential when the config
// does not provide one; its contents are never logged.
func applyAuth(h http.Header, auth map[string]any, params map[string]any) {
	switch getString(auth, "type", "") {
	case "bearer":
		if token := getString(auth, "token", ""); token != "" {
			h.Set("Authorization", "Bearer "+token)
			return
		}
	case "api_key":
		header := getString(auth, "header", "X-API-Key")
		if key := getString(auth, "key", ""); key != "" {
			h.Set(header, key)
			return
		}
	}

	if h.Get("Authorization") == "" && params != nil {
		if token, ok := params["__auth"].(string); ok && token != "" {
			h.Set("Authorization", "Bearer "+token)
		}
	}
}

func decodeBody(contentType string, raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			return decoded
		}
	}
	return string(raw)
}

func classifyHTTPErr(err error) *HTTPError {
	if strings.Contains(err.Error(), "Client.Timeout") ||
		strings.Contains(err.Error(), "context deadline exceeded") {
		return &HTTPError{Kind: KindTimeout, Err: err}
	}
	return &HTTPError{Kind: KindConnection, Err: err}
}

// retryable reports whether err is in the tool's retryable set: network
// errors and timeouts qualify only when their kind token is listed, HTTP
// statuses only when their code is listed.
func retryable(err error, retry *tool.Retry) bool {
	if retry == nil || retry.MaxAttempts <= 1 {
		return false
	}

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}

	for _, token := range retry.RetryableErrors {
		switch {
		case token == httpErr.Kind:
			return true
		case httpErr.Status != 0 && token == strconv.Itoa(httpErr.Status):
			return true
		}
	}
	return false
}

func sleepBackoff(ctx context.Context, retry *tool.Retry, idx int) error {
	if retry == nil || len(retry.BackoffMS) == 0 {
		return nil
	}
	if idx >= len(retry.BackoffMS) {
		idx = len(retry.BackoffMS) - 1
	}
	delay := time.Duration(retry.BackoffMS[idx]) * time.Millisecond

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// sinksFromParams extracts the facade-injected sinks.
func sinksFromParams(params map[string]any) []sink.Sink {
	if params == nil {
		return nil
	}
	sinks, _ := params["__sinks"].([]sink.Sink)
	return sinks
}
