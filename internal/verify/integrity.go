// Package verify recomputes tool-version integrity hashes and compares
// them to the stored values, detecting registry-side tampering before
// anything executes.
package verify

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/leolilley/kiwi/internal/log"
	"github.com/leolilley/kiwi/internal/tool"
)

// verdictCacheSize bounds the memoised positive verdicts.
const verdictCacheSize = 4096

// IntegrityError reports a link whose recomputed hash does not match the
// stored integrity.
type IntegrityError struct {
	Index    int    // position in the chain, leaf = 0
	ToolID   string
	Version  string
	Expected string // stored integrity
	Computed string // recomputed integrity
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity mismatch for %s@%s at chain index %d: stored %.12s, computed %.12s",
		e.ToolID, e.Version, e.Index, e.Expected, e.Computed)
}

// Verifier checks chains against their canonical hashes. Positive
// verdicts are memoised by the stored content hash: a record stored
// under a different content hash misses the cache and is recomputed; a
// record altered in place under a content hash that already verified
// hits the cache and is not recomputed.
type Verifier struct {
	verified *lru.Cache[string, struct{}]
	log      log.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithLogger sets the verifier logger.
func WithLogger(l log.Logger) Option {
	return func(v *Verifier) { v.log = l }
}

// New creates a Verifier.
func New(opts ...Option) *Verifier {
	cache, _ := lru.New[string, struct{}](verdictCacheSize)
	v := &Verifier{verified: cache, log: log.Default()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyChain recomputes the integrity of every link and compares it to
// the stored value. Returns the first mismatch found, leaf first.
func (v *Verifier) VerifyChain(chain []*tool.Version) error {
	for i, link := range chain {
		if err := v.verifyLink(i, link); err != nil {
			return err
		}
	}
	return nil
}

func (v *Verifier) verifyLink(index int, link *tool.Version) error {
	if link.ContentHash != "" {
		if _, ok := v.verified.Get(link.ContentHash); ok {
			v.log.Debug("integrity verdict cached", "tool", link.ToolID)
			return nil
		}
	}

	computed, err := tool.ComputeIntegrity(link)
	if err != nil {
		return fmt.Errorf("recompute integrity for %s: %w", link.Ref(), err)
	}

	if computed != link.Integrity {
		return &IntegrityError{
			Index:    index,
			ToolID:   link.ToolID,
			Version:  link.Version,
			Expected: link.Integrity,
			Computed: computed,
		}
	}

	if link.ContentHash != "" {
		v.verified.Add(link.ContentHash, struct{}{})
	}
	return nil
}
