// Package resolve walks executor chains from a requested leaf tool to the
// terminal primitive, memoising resolved chains per root tool.
package resolve

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/leolilley/kiwi/internal/log"
	"github.com/leolilley/kiwi/internal/registry"
	"github.com/leolilley/kiwi/internal/tool"
)

// MaxChainDepth caps the executor walk. Chains deeper than this indicate
// a registry modelling error, not a legitimate composition.
const MaxChainDepth = 16

// ErrorKind classifies chain resolution failures.
type ErrorKind int

const (
	// KindMissingExecutor: a non-primitive link declares no executor.
	KindMissingExecutor ErrorKind = iota
	// KindCycleDetected: the executor graph loops back on itself.
	KindCycleDetected
	// KindChainTooDeep: the walk exceeded MaxChainDepth.
	KindChainTooDeep
	// KindNotPrimitive: a primitive link declares an executor, so the
	// chain does not terminate there.
	KindNotPrimitive
)

func (k ErrorKind) String() string {
	switch k {
	case KindMissingExecutor:
		return "missing executor"
	case KindCycleDetected:
		return "cycle detected"
	case KindChainTooDeep:
		return "chain too deep"
	case KindNotPrimitive:
		return "chain does not terminate in a primitive"
	default:
		return "unknown"
	}
}

// Error reports a failed chain walk with the path travelled so far.
type Error struct {
	Kind   ErrorKind
	ToolID string   // the link at which the walk failed
	Path   []string // tool ids visited, leaf first
}

func (e *Error) Error() string {
	return fmt.Sprintf("resolve %s: %s (path: %s)",
		e.ToolID, e.Kind, strings.Join(e.Path, " -> "))
}

// Resolver resolves and caches executor chains.
//
// Cached chains are keyed by the root (leaf) tool id and evicted when any
// member tool is republished. Concurrent resolutions of the same root are
// coalesced.
type Resolver struct {
	store registry.Store
	log   log.Logger

	mu    sync.RWMutex
	cache map[string][]*tool.Version

	group singleflight.Group
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the resolver logger.
func WithLogger(l log.Logger) Option {
	return func(r *Resolver) { r.log = l }
}

// New creates a Resolver over the given store. If the store accepts local
// publishes, the resolver subscribes for cache invalidation.
func New(store registry.Store, opts ...Option) *Resolver {
	r := &Resolver{
		store: store,
		log:   log.Default(),
		cache: make(map[string][]*tool.Version),
	}
	for _, opt := range opts {
		opt(r)
	}
	if pub, ok := store.(registry.Publisher); ok {
		pub.OnPublish(r.Invalidate)
	}
	return r
}

// Resolve returns the executor chain for toolID, leaf first, terminal
// primitive last. Results are cached per root tool id.
func (r *Resolver) Resolve(ctx context.Context, toolID string) ([]*tool.Version, error) {
	r.mu.RLock()
	cached, ok := r.cache[toolID]
	r.mu.RUnlock()
	if ok {
		r.log.Debug("chain cache hit", "tool", toolID)
		return cached, nil
	}

	result, err, _ := r.group.Do(toolID, func() (any, error) {
		chain, err := r.walk(ctx, toolID)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cache[toolID] = chain
		r.mu.Unlock()
		return chain, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]*tool.Version), nil
}

// walk fetches the latest version of each link, following executor ids
// until the terminal primitive.
func (r *Resolver) walk(ctx context.Context, toolID string) ([]*tool.Version, error) {
	var chain []*tool.Version
	var path []string
	visited := make(map[string]bool)

	current := toolID
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if visited[current] {
			return nil, &Error{Kind: KindCycleDetected, ToolID: current, Path: path}
		}
		if len(chain) >= MaxChainDepth {
			return nil, &Error{Kind: KindChainTooDeep, ToolID: current, Path: path}
		}
		visited[current] = true
		path = append(path, current)

		v, err := r.store.Get(ctx, current)
		if err != nil {
			return nil, err
		}
		chain = append(chain, v)

		if v.IsPrimitive() {
			if v.ExecutorID != "" {
				return nil, &Error{Kind: KindNotPrimitive, ToolID: current, Path: path}
			}
			r.log.Debug("chain resolved", "tool", toolID, "length", len(chain),
				"primitive", v.ToolID)
			return chain, nil
		}
		if v.ExecutorID == "" {
			return nil, &Error{Kind: KindMissingExecutor, ToolID: current, Path: path}
		}
		current = v.ExecutorID
	}
}

// Invalidate evicts every cached chain that includes toolID as a member.
// Called on publish of a new version of toolID.
func (r *Resolver) Invalidate(toolID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for root, chain := range r.cache {
		for _, link := range chain {
			if link.ToolID == toolID {
				delete(r.cache, root)
				r.log.Debug("chain cache invalidated", "root", root, "published", toolID)
				break
			}
		}
	}
}

// CachedRoots returns the root tool ids currently cached (tests).
func (r *Resolver) CachedRoots() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roots := make([]string, 0, len(r.cache))
	for root := range r.cache {
		roots = append(roots, root)
	}
	return roots
}
