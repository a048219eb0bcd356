package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/leolilley/kiwi/internal/log"
)

// Scope selects where a lockfile lives. Project scope shadows user scope
// on load.
type Scope string

const (
	ScopeProject Scope = "project"
	ScopeUser    Scope = "user"
)

// DefaultCategory is used when the caller does not classify the tool.
const DefaultCategory = "tools"

// lockfileSuffix terminates every lockfile name.
const lockfileSuffix = ".lock.json"

// indexName is the per-scope index file, kept beside the category dirs.
const indexName = ".index.json"

// CorruptError reports a lockfile or index that failed to decode or
// whose structure is invalid.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt lockfile %s: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// IoError reports a filesystem failure during a lockfile operation.
type IoError struct {
	Op   string
	Path string
	Err  error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("lockfile %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// indexEntry is one logical pin recorded in a scope's index.
type indexEntry struct {
	File        string    `json:"file"` // relative to the lockfiles root
	ToolID      string    `json:"tool_id"`
	Version     string    `json:"version"`
	Category    string    `json:"category"`
	ChainHash   string    `json:"chain_hash"`
	GeneratedAt time.Time `json:"generated_at"`
	IsLatest    bool      `json:"is_latest"`
}

// indexFile is the on-disk index shape.
type indexFile struct {
	Entries map[string]indexEntry `json:"entries"`
}

// Manager stores, loads, validates, and prunes lockfiles across the
// project and user scopes.
type Manager struct {
	roots map[Scope]string // scope -> directory containing lockfiles/
	log   log.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l log.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager creates a Manager over the given scope roots. An empty root
// disables that scope.
func NewManager(projectRoot, userRoot string, opts ...Option) *Manager {
	m := &Manager{
		roots: map[Scope]string{},
		log:   log.Default(),
	}
	if projectRoot != "" {
		m.roots[ScopeProject] = projectRoot
	}
	if userRoot != "" {
		m.roots[ScopeUser] = userRoot
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) lockfilesDir(scope Scope) (string, bool) {
	root, ok := m.roots[scope]
	if !ok {
		return "", false
	}
	return filepath.Join(root, "lockfiles"), true
}

func logicalKey(category, toolID, version string) string {
	return category + "/" + toolID + "@" + version
}

// Save writes the lockfile under the scope's category directory and
// updates that scope's index atomically. When a sibling lockfile for the
// same tool@version exists with a different chain, the file name gains
// the chain hash. Returns the written path.
func (m *Manager) Save(lf *Lockfile, category string, scope Scope, isLatest bool) (string, error) {
	if category == "" {
		category = DefaultCategory
	}
	dir, ok := m.lockfilesDir(scope)
	if !ok {
		return "", &IoError{Op: "save", Path: string(scope), Err: fmt.Errorf("scope has no root configured")}
	}

	categoryDir := filepath.Join(dir, category)
	if err := os.MkdirAll(categoryDir, 0755); err != nil {
		return "", &IoError{Op: "mkdir", Path: categoryDir, Err: err}
	}

	base := lf.Root.ToolID + "@" + lf.Root.Version
	path := filepath.Join(categoryDir, base+lockfileSuffix)

	// A sibling pin for the same tool@version with a different chain
	// moves the new file to a hash-qualified name.
	if existing, err := readLockfile(path); err == nil && existing.ChainHash != lf.ChainHash {
		path = filepath.Join(categoryDir, base+"."+lf.ChainHash+lockfileSuffix)
	}

	data, err := json.MarshalIndent(lf, "", "  ")
	if err != nil {
		return "", &IoError{Op: "encode", Path: path, Err: err}
	}
	data = append(data, '\n')

	if err := writeFileAtomic(path, data); err != nil {
		return "", err
	}

	rel, err := filepath.Rel(dir, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	entry := indexEntry{
		File:        rel,
		ToolID:      lf.Root.ToolID,
		Version:     lf.Root.Version,
		Category:    category,
		ChainHash:   lf.ChainHash,
		GeneratedAt: lf.GeneratedAt,
		IsLatest:    isLatest,
	}
	if err := m.updateIndex(dir, func(idx *indexFile) {
		idx.Entries[logicalKey(category, lf.Root.ToolID, lf.Root.Version)] = entry
	}); err != nil {
		return "", err
	}

	m.log.Info("lockfile saved", "path", path, "chain_hash", lf.ChainHash, "scope", scope)
	return path, nil
}

// Load returns the lockfile for tool@version, checking project scope
// before user scope. An empty version matches the most recently
// generated pin for the tool; an empty category searches all categories.
// Returns nil without error when no pin exists.
func (m *Manager) Load(toolID, version, category string) (*Lockfile, error) {
	for _, scope := range []Scope{ScopeProject, ScopeUser} {
		lf, err := m.loadScope(scope, toolID, version, category)
		if err != nil {
			return nil, err
		}
		if lf != nil {
			return lf, nil
		}
	}
	return nil, nil
}

func (m *Manager) loadScope(scope Scope, toolID, version, category string) (*Lockfile, error) {
	dir, ok := m.lockfilesDir(scope)
	if !ok {
		return nil, nil
	}

	idx, err := m.readIndex(dir)
	if err == nil && len(idx.Entries) > 0 {
		if entry, ok := bestIndexEntry(idx, toolID, version, category); ok {
			lf, err := readLockfile(filepath.Join(dir, entry.File))
			if err == nil {
				return lf, nil
			}
			// Stale index entry: fall through to the scan.
			m.log.Warn("index entry unreadable, falling back to scan", "file", entry.File, "err", err)
		}
	}

	return m.scanScope(dir, toolID, version, category)
}

// bestIndexEntry picks the index entry for the query: exact key when the
// version is pinned, newest GeneratedAt otherwise.
func bestIndexEntry(idx *indexFile, toolID, version, category string) (indexEntry, bool) {
	var best indexEntry
	found := false
	for _, entry := range idx.Entries {
		if entry.ToolID != toolID {
			continue
		}
		if version != "" && entry.Version != version {
			continue
		}
		if category != "" && entry.Category != category {
			continue
		}
		if !found || entry.GeneratedAt.After(best.GeneratedAt) {
			best = entry
			found = true
		}
	}
	return best, found
}

// scanScope is the O(n) fallback walk for scopes with no usable index.
func (m *Manager) scanScope(dir, toolID, version, category string) (*Lockfile, error) {
	var best *Lockfile
	prefix := toolID + "@"
	if version != "" {
		prefix += version
	}

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), lockfileSuffix) {
			return nil
		}
		if !strings.HasPrefix(d.Name(), prefix) {
			return nil
		}
		if category != "" && filepath.Base(filepath.Dir(path)) != category {
			return nil
		}
		lf, err := readLockfile(path)
		if err != nil {
			return err
		}
		if lf.Root.ToolID != toolID {
			return nil
		}
		if version != "" && lf.Root.Version != version {
			return nil
		}
		if best == nil || lf.GeneratedAt.After(best.GeneratedAt) {
			best = lf
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		if ce, ok := err.(*CorruptError); ok {
			return nil, ce
		}
		return nil, &IoError{Op: "scan", Path: dir, Err: err}
	}
	return best, nil
}

// Entry summarises one stored pin for listings.
type Entry struct {
	Scope       Scope     `json:"scope"`
	ToolID      string    `json:"tool_id"`
	Version     string    `json:"version"`
	Category    string    `json:"category"`
	ChainHash   string    `json:"chain_hash"`
	GeneratedAt time.Time `json:"generated_at"`
	IsLatest    bool      `json:"is_latest"`
	File        string    `json:"file"`
}

// List enumerates the stored pins in the given scopes (both when none
// specified), project scope first. Scopes whose index is missing are
// reconstructed by scanning their lockfile tree.
func (m *Manager) List(scopes ...Scope) ([]Entry, error) {
	if len(scopes) == 0 {
		scopes = []Scope{ScopeProject, ScopeUser}
	}

	var entries []Entry
	for _, scope := range scopes {
		dir, ok := m.lockfilesDir(scope)
		if !ok {
			continue
		}

		idx, err := m.readIndex(dir)
		if err != nil {
			return nil, err
		}
		if len(idx.Entries) == 0 {
			idx, err = m.scanIndex(dir)
			if err != nil {
				return nil, err
			}
		}

		for _, ie := range idx.Entries {
			entries = append(entries, Entry{
				Scope:       scope,
				ToolID:      ie.ToolID,
				Version:     ie.Version,
				Category:    ie.Category,
				ChainHash:   ie.ChainHash,
				GeneratedAt: ie.GeneratedAt,
				IsLatest:    ie.IsLatest,
				File:        filepath.Join(dir, ie.File),
			})
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Scope != entries[j].Scope {
			return entries[i].Scope == ScopeProject
		}
		if entries[i].ToolID != entries[j].ToolID {
			return entries[i].ToolID < entries[j].ToolID
		}
		return entries[i].Version < entries[j].Version
	})
	return entries, nil
}

// scanIndex rebuilds an in-memory index from the lockfile tree for
// scopes that have none on disk.
func (m *Manager) scanIndex(dir string) (*indexFile, error) {
	idx := &indexFile{Entries: map[string]indexEntry{}}

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), lockfileSuffix) {
			return nil
		}
		lf, err := readLockfile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = d.Name()
		}
		category := filepath.Base(filepath.Dir(path))
		idx.Entries[logicalKey(category, lf.Root.ToolID, lf.Root.Version)] = indexEntry{
			File:        rel,
			ToolID:      lf.Root.ToolID,
			Version:     lf.Root.Version,
			Category:    category,
			ChainHash:   lf.ChainHash,
			GeneratedAt: lf.GeneratedAt,
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		if ce, ok := err.(*CorruptError); ok {
			return nil, ce
		}
		return nil, &IoError{Op: "scan", Path: dir, Err: err}
	}
	return idx, nil
}

// PruneStale deletes lockfiles older than maxAgeDays in the given scopes
// (both when none specified) and drops their index entries. Returns the
// number of files removed.
func (m *Manager) PruneStale(maxAgeDays int, scopes ...Scope) (int, error) {
	if len(scopes) == 0 {
		scopes = []Scope{ScopeProject, ScopeUser}
	}
	cutoff := time.Now().AddDate(0, 0, -maxAgeDays)

	removed := 0
	for _, scope := range scopes {
		dir, ok := m.lockfilesDir(scope)
		if !ok {
			continue
		}

		var victims []string
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), lockfileSuffix) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			if info.ModTime().Before(cutoff) {
				victims = append(victims, path)
			}
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			return removed, &IoError{Op: "prune", Path: dir, Err: err}
		}

		if len(victims) == 0 {
			continue
		}
		for _, path := range victims {
			if err := os.Remove(path); err != nil {
				return removed, &IoError{Op: "remove", Path: path, Err: err}
			}
			removed++
			m.log.Info("pruned stale lockfile", "path", path)
		}

		relVictims := make(map[string]bool, len(victims))
		for _, path := range victims {
			if rel, err := filepath.Rel(dir, path); err == nil {
				relVictims[rel] = true
			}
		}
		if err := m.updateIndex(dir, func(idx *indexFile) {
			for key, entry := range idx.Entries {
				if relVictims[entry.File] {
					delete(idx.Entries, key)
				}
			}
		}); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// readIndex loads a scope's index, returning an empty index when the
// file does not exist.
func (m *Manager) readIndex(dir string) (*indexFile, error) {
	path := filepath.Join(dir, indexName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &indexFile{Entries: map[string]indexEntry{}}, nil
		}
		return nil, &IoError{Op: "read index", Path: path, Err: err}
	}

	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, &CorruptError{Path: path, Err: err}
	}
	if idx.Entries == nil {
		idx.Entries = map[string]indexEntry{}
	}
	return &idx, nil
}

// updateIndex applies mutate under an exclusive advisory lock, then
// writes the index atomically (temp file, fsync, rename).
func (m *Manager) updateIndex(dir string, mutate func(*indexFile)) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &IoError{Op: "mkdir", Path: dir, Err: err}
	}
	path := filepath.Join(dir, indexName)

	lockFile, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return &IoError{Op: "open lock", Path: path, Err: err}
	}
	defer lockFile.Close()

	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		return &IoError{Op: "flock", Path: path, Err: err}
	}
	defer unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)

	idx, err := m.readIndex(dir)
	if err != nil {
		// A corrupt index is rebuilt rather than wedging every save.
		var ce *CorruptError
		if !errors.As(err, &ce) {
			return err
		}
		m.log.Warn("rebuilding corrupt lockfile index", "path", path)
		idx = &indexFile{Entries: map[string]indexEntry{}}
	}

	mutate(idx)

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return &IoError{Op: "encode index", Path: path, Err: err}
	}
	data = append(data, '\n')

	return writeFileAtomic(path, data)
}

// writeFileAtomic writes via a temp file in the same directory, fsyncs,
// and renames into place. The temp file is removed on any failure so a
// cancelled write leaves nothing behind.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return &IoError{Op: "create temp", Path: path, Err: err}
	}
	tmpPath := tmp.Name()

	cleanup := func(op string, cause error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return &IoError{Op: op, Path: path, Err: cause}
	}

	if _, err := tmp.Write(data); err != nil {
		return cleanup("write", err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup("fsync", err)
	}
	if err := tmp.Close(); err != nil {
		return cleanup("close", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return &IoError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

// readLockfile decodes and structurally checks one lockfile.
func readLockfile(path string) (*Lockfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, &IoError{Op: "read", Path: path, Err: err}
	}

	var lf Lockfile
	if err := json.Unmarshal(data, &lf); err != nil {
		return nil, &CorruptError{Path: path, Err: err}
	}
	if err := lf.CheckFormat(); err != nil {
		return nil, &CorruptError{Path: path, Err: err}
	}
	return &lf, nil
}
