package resolve

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leolilley/kiwi/internal/registry"
	"github.com/leolilley/kiwi/internal/tool"
)

func publish(t *testing.T, s *registry.MemoryStore, id, version string, tt tool.Type, executor string) {
	t.Helper()
	require.NoError(t, s.Publish(&tool.Version{
		ToolID:     id,
		Version:    version,
		ToolType:   tt,
		ExecutorID: executor,
		Manifest:   map[string]any{"tool_id": id, "version": version},
	}))
}

func newChainStore(t *testing.T) *registry.MemoryStore {
	t.Helper()
	s := registry.NewMemoryStore()
	publish(t, s, "subprocess", "1.0.0", tool.TypePrimitive, "")
	publish(t, s, "python_runtime", "3.12.0", tool.TypeRuntime, "subprocess")
	publish(t, s, "a", "2.1.0", tool.TypeScript, "python_runtime")
	return s
}

func TestResolveSimpleChain(t *testing.T) {
	r := New(newChainStore(t))

	chain, err := r.Resolve(context.Background(), "a")
	require.NoError(t, err)
	require.Len(t, chain, 3)

	assert.Equal(t, "a", chain[0].ToolID)
	assert.Equal(t, "python_runtime", chain[1].ToolID)
	assert.Equal(t, "subprocess", chain[2].ToolID)

	// Chain invariant: each link's executor is the next link's id, and
	// the terminal link is a primitive.
	for i := 0; i < len(chain)-1; i++ {
		assert.Equal(t, chain[i].ExecutorID, chain[i+1].ToolID)
	}
	assert.True(t, chain[len(chain)-1].IsPrimitive())
}

func TestResolveMissingExecutor(t *testing.T) {
	s := registry.NewMemoryStore()
	publish(t, s, "orphan", "1.0.0", tool.TypeScript, "")
	r := New(s)

	_, err := r.Resolve(context.Background(), "orphan")
	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindMissingExecutor, re.Kind)
	assert.Equal(t, "orphan", re.ToolID)
}

func TestResolveCycle(t *testing.T) {
	s := registry.NewMemoryStore()
	publish(t, s, "x", "1.0.0", tool.TypeScript, "y")
	publish(t, s, "y", "1.0.0", tool.TypeRuntime, "x")
	r := New(s)

	_, err := r.Resolve(context.Background(), "x")
	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindCycleDetected, re.Kind)
}

func TestResolveTooDeep(t *testing.T) {
	s := registry.NewMemoryStore()
	publish(t, s, "subprocess", "1.0.0", tool.TypePrimitive, "")
	prev := "subprocess"
	for i := 0; i < MaxChainDepth+2; i++ {
		id := fmt.Sprintf("layer%d", i)
		publish(t, s, id, "1.0.0", tool.TypeRuntime, prev)
		prev = id
	}
	r := New(s)

	_, err := r.Resolve(context.Background(), prev)
	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindChainTooDeep, re.Kind)
}

func TestResolveToolNotFound(t *testing.T) {
	s := registry.NewMemoryStore()
	publish(t, s, "a", "1.0.0", tool.TypeScript, "ghost")
	r := New(s)

	_, err := r.Resolve(context.Background(), "a")
	assert.True(t, registry.NotFound(err))
}

func TestResolveCachesChain(t *testing.T) {
	s := newChainStore(t)
	r := New(s)

	_, err := r.Resolve(context.Background(), "a")
	require.NoError(t, err)
	assert.Contains(t, r.CachedRoots(), "a")
}

func TestPublishInvalidatesContainingChains(t *testing.T) {
	s := newChainStore(t)
	r := New(s)

	_, err := r.Resolve(context.Background(), "a")
	require.NoError(t, err)
	require.Contains(t, r.CachedRoots(), "a")

	// Republish a mid-chain tool: the cached chain for root "a" must go.
	publish(t, s, "python_runtime", "3.13.0", tool.TypeRuntime, "subprocess")
	assert.NotContains(t, r.CachedRoots(), "a")

	// Next resolve picks up the new runtime version.
	chain, err := r.Resolve(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "3.13.0", chain[1].Version)
}

func TestResolveCancelled(t *testing.T) {
	r := New(newChainStore(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Resolve(ctx, "a")
	assert.ErrorIs(t, err, context.Canceled)
}
