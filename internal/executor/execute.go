package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/leolilley/kiwi/internal/lockfile"
	"github.com/leolilley/kiwi/internal/merge"
	"github.com/leolilley/kiwi/internal/primitive"
	"github.com/leolilley/kiwi/internal/signature"
	"github.com/leolilley/kiwi/internal/sink"
	"github.com/leolilley/kiwi/internal/tool"
	"github.com/leolilley/kiwi/internal/verify"
)

// Execute runs the requested tool through the full pipeline:
// Resolving -> Verifying -> Validating -> LockChecking -> Merging ->
// Executing. Each transition checks for cancellation; failure at any
// stage aborts cleanly.
func (e *Executor) Execute(ctx context.Context, toolID string, params map[string]any, opts Options) (*Result, error) {
	var lf *lockfile.Lockfile
	if opts.UseLockfile {
		if e.lockfiles == nil {
			return &Result{ExecutionID: uuid.NewString(), ToolID: toolID, Stage: StageFailed},
				&StageError{Stage: StageResolving, ToolID: toolID, Index: -1,
					Err: errors.New("lockfile support is not configured")}
		}
		loaded, err := e.lockfiles.Load(toolID, "", opts.Category)
		if err != nil {
			return &Result{ExecutionID: uuid.NewString(), ToolID: toolID, Stage: StageFailed},
				&StageError{Stage: StageResolving, ToolID: toolID, Index: -1, Err: err}
		}
		lf = loaded
	}
	return e.run(ctx, toolID, params, opts, lf)
}

// ExecuteWithLockfile runs the pipeline against an explicit lockfile
// instead of loading one from disk.
func (e *Executor) ExecuteWithLockfile(ctx context.Context, lf *lockfile.Lockfile, params map[string]any, opts Options) (*Result, error) {
	opts.UseLockfile = true
	return e.run(ctx, lf.Root.ToolID, params, opts, lf)
}

func (e *Executor) run(ctx context.Context, toolID string, params map[string]any, opts Options, lf *lockfile.Lockfile) (*Result, error) {
	result := &Result{
		ExecutionID: uuid.NewString(),
		ToolID:      toolID,
	}
	start := e.now()
	defer func() {
		result.DurationMS = e.now().Sub(start).Milliseconds()
	}()

	fail := func(stage Stage, index int, err error) (*Result, error) {
		result.Stage = StageFailed
		return result, &StageError{Stage: stage, ToolID: toolID, Index: index, Err: err}
	}

	// Stage: Resolving.
	if err := ctx.Err(); err != nil {
		return fail(StageResolving, -1, err)
	}
	if opts.UseLockfile && lf == nil {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("no lockfile found for %s; executing against fresh resolution", toolID))
	}

	var chain []*tool.Version
	var err error
	var pinnedDiffs []lockfile.LinkDiff
	if lf != nil {
		chain, pinnedDiffs, err = e.pinnedChain(ctx, lf)
	} else {
		chain, err = e.resolver.Resolve(ctx, toolID)
	}
	if err != nil {
		return fail(StageResolving, -1, err)
	}
	result.Chain = chainEntries(chain)

	// Stage: Verifying.
	if err := ctx.Err(); err != nil {
		return fail(StageVerifying, -1, err)
	}
	if opts.verifyIntegrity() {
		if err := e.verifier.VerifyChain(chain); err != nil {
			index := -1
			var ie *verify.IntegrityError
			if errors.As(err, &ie) {
				index = ie.Index
			}
			return fail(StageVerifying, index, err)
		}
	}
	if opts.VerifySignatures && e.keys != nil {
		for i, link := range chain {
			if err := signature.Verify(ctx, link, e.keys); err != nil {
				return fail(StageVerifying, i, err)
			}
		}
	}

	// Stage: Validating.
	if err := ctx.Err(); err != nil {
		return fail(StageValidating, -1, err)
	}
	if opts.validateChain() {
		report, err := e.validator.ValidateChain(chain)
		if report != nil {
			result.Warnings = append(result.Warnings, report.Warnings...)
		}
		if err != nil {
			return fail(StageValidating, -1, err)
		}
	}

	// Stage: LockChecking.
	if err := ctx.Err(); err != nil {
		return fail(StageLockChecking, -1, err)
	}
	if lf != nil {
		driftErr := func() error {
			if len(pinnedDiffs) > 0 {
				return &lockfile.MismatchError{Diffs: pinnedDiffs}
			}
			fresh, err := e.resolver.Resolve(ctx, toolID)
			if err != nil {
				return err
			}
			return lf.ValidateChain(fresh)
		}()
		if driftErr != nil {
			if opts.mode() == ModeStrict {
				return fail(StageLockChecking, -1, driftErr)
			}
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("lockfile drift (continuing in warn mode): %v", driftErr))
			e.log.Warn("lockfile drift", "tool", toolID, "err", driftErr)
		}
	}

	// Stage: Merging.
	if err := ctx.Err(); err != nil {
		return fail(StageMerging, -1, err)
	}
	leaf, terminal := chain[0], chain[len(chain)-1]

	resolvedParams, err := merge.ResolveParams(params, leaf.ParameterSpec())
	if err != nil {
		return fail(StageMerging, 0, err)
	}

	if e.stager != nil && len(leaf.Files) > 0 && terminal.ToolID == tool.PrimitiveSubprocess {
		dir, err := e.stager.Stage(ctx, leaf)
		if err != nil {
			return fail(StageMerging, 0, err)
		}
		if dir != "" {
			resolvedParams["tool_dir"] = dir
		}
	}

	merged := merge.MergeChain(chain)
	merged, err = merge.Template(merged, resolvedParams, opts.Env)
	if err != nil {
		return fail(StageMerging, 0, err)
	}

	// Stage: Executing.
	if err := ctx.Err(); err != nil {
		return fail(StageExecuting, -1, err)
	}
	if err := e.dispatch(ctx, terminal, merged, resolvedParams, chain, result); err != nil {
		return fail(StageExecuting, len(chain)-1, err)
	}

	result.Stage = StageSucceeded
	return result, nil
}

// dispatch routes the merged config to the terminal primitive, wiring
// sinks for streaming HTTP calls. Sinks are closed unconditionally, in
// reverse construction order, before dispatch returns.
func (e *Executor) dispatch(ctx context.Context, terminal *tool.Version, merged map[string]any,
	params map[string]any, chain []*tool.Version, result *Result) (err error) {

	switch terminal.ToolID {
	case tool.PrimitiveSubprocess:
		sub, runErr := primitive.ExecuteSubprocess(ctx, merged)
		if runErr != nil {
			return runErr
		}
		result.Subprocess = sub
		result.Success = sub.Success
		return nil

	case tool.PrimitiveHTTPClient:
		var sinks []sink.Sink
		if isStreamMode(merged) {
			sinks, err = e.buildSinks(ctx, merged)
			if err != nil {
				return err
			}
			defer func() {
				closeErr := closeSinks(sinks, result)
				if err == nil && closeErr != nil {
					err = closeErr
				}
			}()

			params = withSinks(params, sinks)
			result.SinkNames = sinkNames(sinks)
		}

		httpResult, runErr := primitive.ExecuteHTTP(ctx, merged, params, retryPolicy(chain))
		if runErr != nil {
			return runErr
		}
		result.HTTP = httpResult
		result.Success = httpResult.Success
		result.StreamEventsCount = httpResult.StreamEventsCount
		return nil

	default:
		return fmt.Errorf("unknown primitive %q", terminal.ToolID)
	}
}

// retryPolicy returns the leaf-most retry block declared in the chain.
func retryPolicy(chain []*tool.Version) *tool.Retry {
	for _, link := range chain {
		if r := link.RetryPolicy(); r != nil {
			return r
		}
	}
	return nil
}

func isStreamMode(merged map[string]any) bool {
	mode, _ := merged["mode"].(string)
	return mode == "stream"
}

// withSinks copies params and injects the sink slice under the reserved
// key the primitive reads. The original map is left untouched so the
// caller's params never leak runtime objects.
func withSinks(params map[string]any, sinks []sink.Sink) map[string]any {
	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	out["__sinks"] = sinks
	return out
}

func sinkNames(sinks []sink.Sink) []string {
	names := make([]string, len(sinks))
	for i, s := range sinks {
		names[i] = s.Name()
	}
	return names
}

// closeSinks closes in reverse construction order, recording return-sink
// overflow as a warning. The first close failure is returned.
func closeSinks(sinks []sink.Sink, result *Result) error {
	var firstErr error
	for i := len(sinks) - 1; i >= 0; i-- {
		s := sinks[i]
		if rs, ok := s.(*sink.ReturnSink); ok && rs.Dropped() > 0 {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("return sink dropped %d event(s) beyond its buffer", rs.Dropped()))
		}
		if err := s.Close(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// pinnedChain fetches the lockfile's pinned versions from the registry.
// Integrity divergence from the pins is collected rather than failed
// here: the lock-checking stage applies the drift mode to it. A pinned
// version the registry no longer serves at all is an error.
func (e *Executor) pinnedChain(ctx context.Context, lf *lockfile.Lockfile) ([]*tool.Version, []lockfile.LinkDiff, error) {
	chain := make([]*tool.Version, 0, len(lf.ResolvedChain))
	var diffs []lockfile.LinkDiff
	for _, link := range lf.ResolvedChain {
		v, err := e.store.GetVersion(ctx, link.ToolID, link.Version)
		if err != nil {
			return nil, nil, err
		}
		if v.Integrity != link.Integrity {
			diffs = append(diffs, lockfile.LinkDiff{
				ToolID: link.ToolID,
				Field:  "integrity",
				Locked: link.Integrity,
				Fresh:  v.Integrity,
			})
		}
		chain = append(chain, v)
	}
	return chain, diffs, nil
}
