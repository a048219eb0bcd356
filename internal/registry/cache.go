package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/leolilley/kiwi/internal/tool"
)

// Cache stores pinned tool-version documents on disk under the kiwi
// registry directory. Pinned versions are immutable, so entries carry no
// TTL; they are evicted only by Clear.
//
// Layout: <dir>/<first-letter>/<tool>@<version>.json
type Cache struct {
	dir string
}

// NewCache creates a response cache rooted at dir.
func NewCache(dir string) *Cache {
	return &Cache{dir: dir}
}

func (c *Cache) path(toolID, version string) string {
	if toolID == "" {
		return ""
	}
	letter := strings.ToLower(string(toolID[0]))
	return filepath.Join(c.dir, letter, toolID+"@"+version+".json")
}

// GetPinned returns a cached pinned version, if present and decodable.
func (c *Cache) GetPinned(toolID, version string) (*tool.Version, bool) {
	path := c.path(toolID, version)
	if path == "" {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var v tool.Version
	if err := json.Unmarshal(data, &v); err != nil {
		// Corrupt entry: drop it rather than resurfacing the error.
		_ = os.Remove(path)
		return nil, false
	}
	return &v, true
}

// PutPinned stores a pinned version. Best effort: cache failures never
// fail the fetch that produced the record.
func (c *Cache) PutPinned(v *tool.Version) {
	path := c.path(v.ToolID, v.Version)
	if path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = os.WriteFile(path, data, 0644)
}

// Clear removes all cached entries.
func (c *Cache) Clear() error {
	if c.dir == "" {
		return nil
	}
	if err := os.RemoveAll(c.dir); err != nil {
		return err
	}
	return os.MkdirAll(c.dir, 0755)
}
