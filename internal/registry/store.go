// Package registry loads tool versions from the remote registry or a
// local store, surfacing manifests together with file hashes so callers
// can recompute integrity offline.
package registry

import (
	"context"

	"github.com/leolilley/kiwi/internal/tool"
)

// Store is the tool-store contract consumed by the resolver and the
// executor facade. Implementations must surface file hashes alongside the
// manifest so integrity can be recomputed without fetching payloads.
type Store interface {
	// Get returns the latest published version of a tool.
	Get(ctx context.Context, toolID string) (*tool.Version, error)

	// GetVersion returns a specific published version of a tool.
	GetVersion(ctx context.Context, toolID, version string) (*tool.Version, error)

	// ResolveChainRaw returns the stored executor walk for a tool as the
	// registry recorded it. Implementations may delegate to the remote
	// service or walk locally; callers re-verify the result either way.
	ResolveChainRaw(ctx context.Context, toolID string) ([]*tool.Version, error)
}

// PublishHook is invoked after a tool version is published, with the
// published tool id. Used to invalidate chain caches.
type PublishHook func(toolID string)

// Publisher is implemented by stores that accept local publishes.
type Publisher interface {
	Publish(v *tool.Version) error
	OnPublish(hook PublishHook)
}
