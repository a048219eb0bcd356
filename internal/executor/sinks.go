package executor

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/leolilley/kiwi/internal/sink"
	"github.com/leolilley/kiwi/internal/tool"
)

// buildSinks instantiates one sink per destination spec, in order. On
// any failure the sinks already built are closed in reverse order before
// the error is returned.
//
// Built-in destination types are constructed directly; any other type
// names a runtime_sink tool, which is loaded from the store and started
// as a subprocess behind the same write/close contract.
func (e *Executor) buildSinks(ctx context.Context, merged map[string]any) ([]sink.Sink, error) {
	streamCfg, _ := merged["stream"].(map[string]any)
	destinations, _ := streamCfg["destinations"].([]any)

	var sinks []sink.Sink
	closeAll := func() {
		for i := len(sinks) - 1; i >= 0; i-- {
			_ = sinks[i].Close()
		}
	}

	for _, raw := range destinations {
		spec, _ := raw.(map[string]any)
		if spec == nil {
			closeAll()
			return nil, &sink.Error{SinkName: "?", Err: fmt.Errorf("destination spec must be an object")}
		}

		s, err := e.buildSink(ctx, spec, streamCfg)
		if err != nil {
			closeAll()
			return nil, err
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

func (e *Executor) buildSink(ctx context.Context, spec, streamCfg map[string]any) (sink.Sink, error) {
	sinkType, _ := spec["type"].(string)
	switch sinkType {
	case "return":
		return sink.NewReturnSink(intField(streamCfg, "max_buffer_size", 0)), nil

	case "null":
		return sink.NullSink{}, nil

	case "file":
		path, _ := spec["path"].(string)
		if path == "" {
			return nil, &sink.Error{SinkName: "file", Err: fmt.Errorf("destination is missing 'path'")}
		}
		format, _ := spec["format"].(string)
		return sink.NewFileSink(path, format, intField(spec, "flush_every", 0))

	case "websocket":
		url, _ := spec["url"].(string)
		if url == "" {
			return nil, &sink.Error{SinkName: "websocket", Err: fmt.Errorf("destination is missing 'url'")}
		}
		return sink.NewWebsocketSink(url, intField(spec, "buffer", 0))

	case "":
		return nil, &sink.Error{SinkName: "?", Err: fmt.Errorf("destination is missing 'type'")}

	default:
		return e.startSinkTool(ctx, sinkType, spec)
	}
}

// startSinkTool loads a runtime_sink tool and starts it as a subprocess
// receiving one JSONL event per line on stdin.
func (e *Executor) startSinkTool(ctx context.Context, toolID string, spec map[string]any) (sink.Sink, error) {
	v, err := e.store.Get(ctx, toolID)
	if err != nil {
		return nil, &sink.Error{SinkName: toolID, Err: err}
	}
	if v.ToolType != tool.TypeRuntimeSink {
		return nil, &sink.Error{SinkName: toolID,
			Err: fmt.Errorf("tool is %s, not a runtime_sink", v.ToolType)}
	}

	cfg := v.Config()
	command, _ := cfg["command"].(string)
	if command == "" {
		return nil, &sink.Error{SinkName: toolID,
			Err: fmt.Errorf("sink tool config is missing 'command'")}
	}
	var args []string
	if rawArgs, ok := cfg["args"].([]any); ok {
		for _, a := range rawArgs {
			args = append(args, fmt.Sprintf("%v", a))
		}
	}

	cmd := exec.CommandContext(ctx, command, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &sink.Error{SinkName: toolID, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &sink.Error{SinkName: toolID, Err: err}
	}

	e.log.Debug("sink tool started", "tool", toolID, "pid", cmd.Process.Pid)
	return &processSink{name: toolID, cmd: cmd, stdin: stdin}, nil
}

// processSink wraps an external sink process behind the Sink contract.
type processSink struct {
	name  string
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func (p *processSink) Name() string { return "tool:" + p.name }

func (p *processSink) Write(event []byte) error {
	if _, err := p.stdin.Write(append(event, '\n')); err != nil {
		return &sink.Error{SinkName: p.Name(), Err: err}
	}
	return nil
}

// Close signals end-of-stream by closing stdin, then waits for the
// process to drain and exit, killing it if it overstays.
func (p *processSink) Close() error {
	_ = p.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return &sink.Error{SinkName: p.Name(), Err: err}
		}
		return nil
	case <-time.After(10 * time.Second):
		_ = p.cmd.Process.Kill()
		<-done
		return &sink.Error{SinkName: p.Name(), Err: fmt.Errorf("sink did not exit after stdin close")}
	}
}

func intField(m map[string]any, key string, def int) int {
	switch n := m[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}
