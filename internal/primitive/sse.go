package primitive

import (
	"bufio"
	"context"
	"strings"
	"time"

	"github.com/leolilley/kiwi/internal/httputil"
	"github.com/leolilley/kiwi/internal/log"
	"github.com/leolilley/kiwi/internal/sink"
	"github.com/leolilley/kiwi/internal/tool"
)

// sseDoneSentinel terminates a stream cleanly without being dispatched.
const sseDoneSentinel = "[DONE]"

// maxEventBytes bounds a single SSE event line.
const maxEventBytes = 1 << 20

// retryTokenStreamIncomplete opts a tool into stream-disconnect retries.
const retryTokenStreamIncomplete = "STREAM_INCOMPLETE"

// executeStream opens the configured stream transport (SSE by default,
// websocket when requested) and fans each event out to every injected
// sink. Sinks are created and closed by the facade; the primitive only
// writes.
func executeStream(ctx context.Context, cfg, params map[string]any, retry *tool.Retry) (*HTTPResult, error) {
	streamCfg := getMap(cfg, "stream")
	transport := getString(streamCfg, "transport", "sse")
	var openStream func(context.Context, map[string]any, map[string]any, []sink.Sink, *int) (int, error)
	switch transport {
	case "sse":
		openStream = streamOnce
	case "websocket":
		openStream = wsStreamOnce
	default:
		return nil, &HTTPError{Kind: KindConfig,
			Err: errUnsupportedTransport(transport)}
	}

	sinks := sinksFromParams(params)
	names := make([]string, len(sinks))
	for i, s := range sinks {
		names[i] = s.Name()
	}

	attempts := 1
	if retry != nil && retryListed(retry, retryTokenStreamIncomplete) {
		attempts = retry.MaxAttempts
	}

	delivered := 0
	start := time.Now()
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, retry, attempt-1); err != nil {
				return nil, err
			}
			log.Default().Debug("retrying stream", "attempt", attempt+1, "delivered", delivered)
		}

		status, err := openStream(ctx, cfg, params, sinks, &delivered)
		if err == nil {
			result := &HTTPResult{
				Success:            true,
				Status:             status,
				DurationMS:         time.Since(start).Milliseconds(),
				StreamEventsCount:  delivered,
				StreamDestinations: names,
				CleanFinish:        true,
			}
			attachBufferedBody(result, sinks)
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !streamRetryable(err, retry) {
			break
		}
	}
	return nil, lastErr
}

// streamOnce runs one connection attempt, incrementing *delivered for
// every event fanned out so retries report a cumulative count.
func streamOnce(ctx context.Context, cfg, params map[string]any, sinks []sink.Sink, delivered *int) (int, error) {
	client := httputil.NewClient(httputil.ClientOptions{Timeout: -1})

	req, err := buildRequest(ctx, cfg, params)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := client.Do(req)
	if err != nil {
		return 0, &StreamIncompleteError{EventsDelivered: *delivered, Err: classifyHTTPErr(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return 0, &HTTPError{Status: resp.StatusCode, Kind: KindStatus}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxEventBytes)

	var dataLines []string
	dispatch := func() error {
		if len(dataLines) == 0 {
			return nil
		}
		payload := strings.Join(dataLines, "\n")
		dataLines = dataLines[:0]
		if payload == sseDoneSentinel {
			return nil
		}
		for _, s := range sinks {
			if err := s.Write([]byte(payload)); err != nil {
				return err
			}
		}
		*delivered++
		return nil
	}

	for scanner.Scan() {
		if ctx.Err() != nil {
			return resp.StatusCode, &StreamIncompleteError{EventsDelivered: *delivered, Err: ctx.Err()}
		}

		line := scanner.Text()
		switch {
		case line == "":
			if err := dispatch(); err != nil {
				return resp.StatusCode, err
			}
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// event:, id:, retry:, and comment lines are not payload.
		}
	}

	if err := scanner.Err(); err != nil {
		return resp.StatusCode, &StreamIncompleteError{EventsDelivered: *delivered, Err: err}
	}

	// Trailing event without a final blank line still counts.
	if err := dispatch(); err != nil {
		return resp.StatusCode, err
	}
	return resp.StatusCode, nil
}

// attachBufferedBody surfaces the return sink's buffer as the result
// body, when a return sink was among the destinations.
func attachBufferedBody(result *HTTPResult, sinks []sink.Sink) {
	for _, s := range sinks {
		if rs, ok := s.(*sink.ReturnSink); ok {
			result.Body = rs.Events()
			return
		}
	}
}

func streamRetryable(err error, retry *tool.Retry) bool {
	if retry == nil || !retryListed(retry, retryTokenStreamIncomplete) {
		return false
	}
	_, ok := err.(*StreamIncompleteError)
	return ok
}

func retryListed(retry *tool.Retry, token string) bool {
	for _, t := range retry.RetryableErrors {
		if t == token {
			return true
		}
	}
	return false
}

type errUnsupportedTransport string

func (e errUnsupportedTransport) Error() string {
	return "unsupported stream transport " + string(e) + " (sse or websocket)"
}
