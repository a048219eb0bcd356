package executor

import (
	"context"
	"fmt"

	"github.com/leolilley/kiwi/internal/lockfile"
	"github.com/leolilley/kiwi/internal/tool"
)

// FreezeResult pairs a freshly built lockfile with whether its root was
// the registry's latest version at freeze time.
type FreezeResult struct {
	Lockfile *lockfile.Lockfile
	IsLatest bool
}

// Freeze resolves, verifies, and validates the chain for toolID (at the
// given version, or latest when empty) and returns a lockfile pinning
// it. Nothing is written to disk; see SaveLockfile.
func (e *Executor) Freeze(ctx context.Context, toolID, version string) (*FreezeResult, error) {
	chain, err := e.resolveAt(ctx, toolID, version)
	if err != nil {
		return nil, &StageError{Stage: StageResolving, ToolID: toolID, Index: -1, Err: err}
	}

	if err := e.verifier.VerifyChain(chain); err != nil {
		return nil, &StageError{Stage: StageVerifying, ToolID: toolID, Index: -1, Err: err}
	}
	if _, err := e.validator.ValidateChain(chain); err != nil {
		return nil, &StageError{Stage: StageValidating, ToolID: toolID, Index: -1, Err: err}
	}

	latest, err := e.store.Get(ctx, toolID)
	if err != nil {
		return nil, &StageError{Stage: StageResolving, ToolID: toolID, Index: -1, Err: err}
	}

	lf := lockfile.FromChain(chain, e.registryURL, e.now())
	e.log.Info("chain frozen", "tool", toolID, "version", chain[0].Version,
		"chain_hash", lf.ChainHash)

	return &FreezeResult{
		Lockfile: lf,
		IsLatest: latest.Version == chain[0].Version,
	}, nil
}

// SaveLockfile persists a freeze result in the given category and scope.
func (e *Executor) SaveLockfile(fr *FreezeResult, category string, scope lockfile.Scope) (string, error) {
	if e.lockfiles == nil {
		return "", fmt.Errorf("lockfile support is not configured")
	}
	return e.lockfiles.Save(fr.Lockfile, category, scope, fr.IsLatest)
}

// resolveAt resolves the chain for toolID, rebuilding the leaf link when
// a specific version is requested.
func (e *Executor) resolveAt(ctx context.Context, toolID, version string) ([]*tool.Version, error) {
	chain, err := e.resolver.Resolve(ctx, toolID)
	if err != nil {
		return nil, err
	}
	if version == "" || chain[0].Version == version {
		return chain, nil
	}

	leaf, err := e.store.GetVersion(ctx, toolID, version)
	if err != nil {
		return nil, err
	}
	if leaf.ExecutorID != chain[0].ExecutorID {
		// The pinned leaf delegates differently from the latest one;
		// walk its own executor instead of splicing.
		if leaf.IsPrimitive() {
			return []*tool.Version{leaf}, nil
		}
		rest, err := e.resolver.Resolve(ctx, leaf.ExecutorID)
		if err != nil {
			return nil, err
		}
		return append([]*tool.Version{leaf}, rest...), nil
	}
	return append([]*tool.Version{leaf}, chain[1:]...), nil
}
