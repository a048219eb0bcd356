package verify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leolilley/kiwi/internal/tool"
)

func published(t *testing.T, id, version string) *tool.Version {
	t.Helper()
	v := &tool.Version{
		ToolID:   id,
		Version:  version,
		ToolType: tool.TypeScript,
		Manifest: map[string]any{"tool_id": id, "version": version},
		Files:    []tool.FileEntry{{Path: "bin/" + id, SHA256: "aa", IsExecutable: true}},
	}
	h, err := tool.ComputeIntegrity(v)
	require.NoError(t, err)
	v.Integrity = h
	v.ContentHash = h
	return v
}

func TestVerifyChainOK(t *testing.T) {
	chain := []*tool.Version{published(t, "a", "1.0.0"), published(t, "subprocess", "1.0.0")}
	v := New()
	assert.NoError(t, v.VerifyChain(chain))
}

func TestVerifyChainDetectsTamper(t *testing.T) {
	a := published(t, "a", "1.0.0")
	b := published(t, "runtime", "1.0.0")

	// Mutate the stored manifest after publish; the stored integrity no
	// longer matches what recomputation produces.
	b.Manifest["config"] = map[string]any{"injected": true}

	v := New()
	err := v.VerifyChain([]*tool.Version{a, b})

	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 1, ie.Index)
	assert.Equal(t, "runtime", ie.ToolID)
	assert.Equal(t, b.Integrity, ie.Expected)
	assert.NotEqual(t, ie.Expected, ie.Computed)
}

func TestVerifyLeafTamperReportsIndexZero(t *testing.T) {
	a := published(t, "a", "1.0.0")
	a.Manifest["config"] = map[string]any{"evil": true}

	err := New().VerifyChain([]*tool.Version{a})
	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 0, ie.Index)
	assert.Equal(t, "a", ie.ToolID)
}

func TestVerifyMemoisesPositiveVerdicts(t *testing.T) {
	a := published(t, "a", "1.0.0")
	v := New()
	require.NoError(t, v.VerifyChain([]*tool.Version{a}))

	// A tampered record with the *same* content hash hits the memoised
	// verdict; a record with a different content hash is re-verified.
	// The cache key is the stored content hash, so the tamper below is
	// caught because its content hash differs: the cache misses and the
	// recomputed integrity no longer matches - this asserts the documented
	// memoisation contract.
	tampered := published(t, "a", "1.0.0")
	tampered.ContentHash = "different"
	tampered.Manifest["x"] = 1
	err := v.VerifyChain([]*tool.Version{tampered})
	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
}
