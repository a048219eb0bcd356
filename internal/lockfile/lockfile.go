// Package lockfile pins resolved executor chains for reproducible
// execution, with scoped on-disk storage and an index for O(1) lookup.
package lockfile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/leolilley/kiwi/internal/tool"
)

// FormatVersion is the lockfile_version this runtime writes.
const FormatVersion = 1

// chainHashLen is the hex prefix length of the chain hash.
const chainHashLen = 12

// Link pins one chain member.
type Link struct {
	ToolID    string `json:"tool_id"`
	Version   string `json:"version"`
	Integrity string `json:"integrity"`
	Executor  string `json:"executor,omitempty"`
}

// Root identifies the leaf tool the lockfile was frozen for.
type Root struct {
	ToolID    string `json:"tool_id"`
	Version   string `json:"version"`
	Integrity string `json:"integrity"`
}

// RegistryInfo records where and when the chain was fetched.
type RegistryInfo struct {
	URL       string    `json:"url"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Lockfile is a pinned, verified snapshot of an executor chain.
type Lockfile struct {
	LockfileVersion int          `json:"lockfile_version"`
	GeneratedAt     time.Time    `json:"generated_at"`
	Root            Root         `json:"root"`
	ResolvedChain   []Link       `json:"resolved_chain"`
	Registry        RegistryInfo `json:"registry"`
	ChainHash       string       `json:"chain_hash"`
}

// ChainHash computes the short identity of a pinned chain: the first 12
// hex characters of the sha256 over the pipe-joined
// tool_id@version:integrity of every link.
func ChainHash(links []Link) string {
	parts := make([]string, len(links))
	for i, link := range links {
		parts[i] = fmt.Sprintf("%s@%s:%s", link.ToolID, link.Version, link.Integrity)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:chainHashLen]
}

// FromChain builds a lockfile pinning the given resolved chain, leaf
// first. generatedAt is stamped by the caller (UTC).
func FromChain(chain []*tool.Version, registryURL string, generatedAt time.Time) *Lockfile {
	links := make([]Link, len(chain))
	for i, v := range chain {
		links[i] = Link{
			ToolID:    v.ToolID,
			Version:   v.Version,
			Integrity: v.Integrity,
			Executor:  v.ExecutorID,
		}
	}

	leaf := chain[0]
	return &Lockfile{
		LockfileVersion: FormatVersion,
		GeneratedAt:     generatedAt.UTC(),
		Root: Root{
			ToolID:    leaf.ToolID,
			Version:   leaf.Version,
			Integrity: leaf.Integrity,
		},
		ResolvedChain: links,
		Registry:      RegistryInfo{URL: registryURL, FetchedAt: generatedAt.UTC()},
		ChainHash:     ChainHash(links),
	}
}

// CheckFormat validates the structural integrity of a loaded lockfile:
// known format version, non-empty chain, and a chain hash that matches
// its own links.
func (l *Lockfile) CheckFormat() error {
	if l.LockfileVersion != FormatVersion {
		return fmt.Errorf("unsupported lockfile_version %d", l.LockfileVersion)
	}
	if len(l.ResolvedChain) == 0 {
		return fmt.Errorf("lockfile has an empty resolved_chain")
	}
	if computed := ChainHash(l.ResolvedChain); computed != l.ChainHash {
		return fmt.Errorf("chain_hash %s does not match links (computed %s)", l.ChainHash, computed)
	}
	return nil
}

// LinkDiff describes one divergence between a pinned link and the fresh
// chain.
type LinkDiff struct {
	ToolID string `json:"tool_id"`
	Field  string `json:"field"` // "version", "integrity", or "presence"
	Locked string `json:"locked"`
	Fresh  string `json:"fresh"`
}

func (d LinkDiff) String() string {
	return fmt.Sprintf("%s: %s locked=%s fresh=%s", d.ToolID, d.Field, d.Locked, d.Fresh)
}

// MismatchError reports a fresh chain that diverged from the lockfile.
type MismatchError struct {
	Diffs []LinkDiff
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("lockfile chain mismatch: %d divergence(s), first: %s",
		len(e.Diffs), e.Diffs[0])
}

// ValidateChain compares the pinned links against a freshly resolved
// chain. Every pinned link must appear in the fresh chain with identical
// tool_id, version, and integrity; any divergence is reported per link.
func (l *Lockfile) ValidateChain(fresh []*tool.Version) error {
	byID := make(map[string]*tool.Version, len(fresh))
	for _, v := range fresh {
		byID[v.ToolID] = v
	}

	var diffs []LinkDiff
	for _, link := range l.ResolvedChain {
		current, ok := byID[link.ToolID]
		if !ok {
			diffs = append(diffs, LinkDiff{
				ToolID: link.ToolID, Field: "presence",
				Locked: link.Version, Fresh: "(absent)",
			})
			continue
		}
		if current.Version != link.Version {
			diffs = append(diffs, LinkDiff{
				ToolID: link.ToolID, Field: "version",
				Locked: link.Version, Fresh: current.Version,
			})
		}
		if current.Integrity != link.Integrity {
			diffs = append(diffs, LinkDiff{
				ToolID: link.ToolID, Field: "integrity",
				Locked: link.Integrity, Fresh: current.Integrity,
			})
		}
	}

	if len(diffs) > 0 {
		return &MismatchError{Diffs: diffs}
	}
	return nil
}
