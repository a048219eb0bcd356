package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/leolilley/kiwi/internal/tool"
)

// MemoryStore is an in-process Store. It backs tests and offline use, and
// is the publish surface that drives chain-cache invalidation.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[string]map[string]*tool.Version // tool_id -> version -> record
	hooks    []PublishHook
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{versions: make(map[string]map[string]*tool.Version)}
}

// Publish records a tool version. Stored versions are immutable: computed
// hashes are stamped at publish time, and republishing an existing
// (tool_id, version) replaces the record wholesale, which models a
// registry-side mutation for drift tests.
func (s *MemoryStore) Publish(v *tool.Version) error {
	if err := v.Validate(); err != nil {
		return err
	}
	if _, err := semver.NewVersion(v.Version); err != nil {
		return fmt.Errorf("tool %s: invalid version %q: %w", v.ToolID, v.Version, err)
	}

	if v.Integrity == "" {
		h, err := tool.ComputeIntegrity(v)
		if err != nil {
			return err
		}
		v.Integrity = h
		v.ContentHash = h
	}

	s.mu.Lock()
	byVersion, ok := s.versions[v.ToolID]
	if !ok {
		byVersion = make(map[string]*tool.Version)
		s.versions[v.ToolID] = byVersion
	}
	byVersion[v.Version] = v
	hooks := make([]PublishHook, len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()

	for _, hook := range hooks {
		hook(v.ToolID)
	}
	return nil
}

// OnPublish registers a hook invoked after every publish.
func (s *MemoryStore) OnPublish(hook PublishHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Get returns the latest version of a tool by semver ordering.
func (s *MemoryStore) Get(ctx context.Context, toolID string) (*tool.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byVersion, ok := s.versions[toolID]
	if !ok || len(byVersion) == 0 {
		return nil, &Error{Type: ErrTypeNotFound, Tool: toolID,
			Message: fmt.Sprintf("tool %s not found", toolID)}
	}

	versions := make([]*semver.Version, 0, len(byVersion))
	for raw := range byVersion {
		sv, err := semver.NewVersion(raw)
		if err != nil {
			continue
		}
		versions = append(versions, sv)
	}
	sort.Sort(semver.Collection(versions))
	latest := versions[len(versions)-1].Original()
	return byVersion[latest], nil
}

// GetVersion returns a specific version of a tool.
func (s *MemoryStore) GetVersion(ctx context.Context, toolID, version string) (*tool.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.versions[toolID][version]
	if !ok {
		return nil, &Error{Type: ErrTypeNotFound, Tool: toolID, Version: version,
			Message: fmt.Sprintf("tool %s@%s not found", toolID, version)}
	}
	return v, nil
}

// ResolveChainRaw walks executor ids locally, returning latest versions.
// The walk is bounded; the resolver applies the authoritative depth and
// cycle rules on top of whatever the store hands back.
func (s *MemoryStore) ResolveChainRaw(ctx context.Context, toolID string) ([]*tool.Version, error) {
	var chain []*tool.Version
	current := toolID
	for range 64 {
		v, err := s.Get(ctx, current)
		if err != nil {
			return nil, err
		}
		chain = append(chain, v)
		if v.IsPrimitive() || v.ExecutorID == "" {
			return chain, nil
		}
		current = v.ExecutorID
	}
	return chain, nil
}
