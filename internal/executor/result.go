package executor

import (
	"fmt"

	"github.com/leolilley/kiwi/internal/primitive"
	"github.com/leolilley/kiwi/internal/tool"
)

// Stage names the phase a call is in. Failure at any stage aborts the
// call without touching persistent state.
type Stage string

const (
	StageResolving    Stage = "resolving"
	StageVerifying    Stage = "verifying"
	StageValidating   Stage = "validating"
	StageLockChecking Stage = "lock_checking"
	StageMerging      Stage = "merging"
	StageExecuting    Stage = "executing"
	StageSucceeded    Stage = "succeeded"
	StageFailed       Stage = "failed"
)

// StageError tags a failure with the stage, the tool, and (when known)
// the chain position where it occurred.
type StageError struct {
	Stage  Stage
	ToolID string
	Index  int // chain position, -1 when not applicable
	Err    error
}

func (e *StageError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("%s (tool %s, chain index %d): %v", e.Stage, e.ToolID, e.Index, e.Err)
	}
	return fmt.Sprintf("%s (tool %s): %v", e.Stage, e.ToolID, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ChainEntry is the result-facing summary of one chain link.
type ChainEntry struct {
	ToolID    string `json:"tool_id"`
	Version   string `json:"version"`
	Integrity string `json:"integrity"`
}

// Result reports one execute call.
type Result struct {
	ExecutionID string       `json:"execution_id"`
	ToolID      string       `json:"tool_id"`
	Chain       []ChainEntry `json:"chain"`
	Stage       Stage        `json:"stage"`
	Success     bool         `json:"success"`
	Warnings    []string     `json:"warnings,omitempty"`

	Subprocess *primitive.SubprocessResult `json:"subprocess,omitempty"`
	HTTP       *primitive.HTTPResult       `json:"http,omitempty"`

	SinkNames         []string `json:"sink_names,omitempty"`
	StreamEventsCount int      `json:"stream_events_count,omitempty"`
	DurationMS        int64    `json:"duration_ms"`
}

func chainEntries(chain []*tool.Version) []ChainEntry {
	entries := make([]ChainEntry, len(chain))
	for i, v := range chain {
		entries[i] = ChainEntry{ToolID: v.ToolID, Version: v.Version, Integrity: v.Integrity}
	}
	return entries
}
