// Package payload stages tool file payloads: fetching the version's
// archive, verifying every entry against the declared file hashes, and
// marking executables. Staged trees live at one directory per tool id and
// version; a stage whose files all still match their declared hashes is
// reused across calls.
package payload

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/leolilley/kiwi/internal/log"
	"github.com/leolilley/kiwi/internal/tool"
)

// maxFileSize caps a single extracted file (256 MiB).
const maxFileSize = 256 << 20

// Fetcher supplies a version's payload archive stream and its format.
type Fetcher interface {
	FetchPayload(ctx context.Context, toolID, version string) (io.ReadCloser, string, error)
}

// Stager stages payloads beneath a tools directory.
type Stager struct {
	toolsDir string
	fetcher  Fetcher
	log      log.Logger
}

// NewStager creates a Stager writing under toolsDir.
func NewStager(toolsDir string, fetcher Fetcher) *Stager {
	return &Stager{toolsDir: toolsDir, fetcher: fetcher, log: log.Default()}
}

// Dir returns the staging directory for a version.
func (s *Stager) Dir(v *tool.Version) string {
	return filepath.Join(s.toolsDir, v.ToolID, v.Version)
}

// Stage ensures the version's files are present and verified on disk,
// fetching and extracting the payload when needed. Returns the staged
// directory. Versions without files stage nothing.
func (s *Stager) Stage(ctx context.Context, v *tool.Version) (string, error) {
	if len(v.Files) == 0 {
		return "", nil
	}
	dir := s.Dir(v)

	if mismatches := verifyStaged(dir, v.Files); mismatches == 0 {
		s.log.Debug("payload already staged", "tool", v.ToolID, "version", v.Version)
		return dir, nil
	}

	reader, format, err := s.fetcher.FetchPayload(ctx, v.ToolID, v.Version)
	if err != nil {
		return "", err
	}
	defer reader.Close()

	// Extract into a sibling temp dir, verify, then move into place so a
	// cancelled stage never leaves a half-written tree at the final path.
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return "", fmt.Errorf("failed to create tool directory: %w", err)
	}
	tmpDir, err := os.MkdirTemp(filepath.Dir(dir), "."+v.Version+"-stage-*")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := extract(ctx, reader, format, tmpDir); err != nil {
		return "", err
	}
	if err := verifyAndChmod(tmpDir, v.Files); err != nil {
		return "", fmt.Errorf("payload for %s: %w", v.Ref(), err)
	}

	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("failed to clear stale stage: %w", err)
	}
	if err := os.Rename(tmpDir, dir); err != nil {
		return "", fmt.Errorf("failed to move stage into place: %w", err)
	}

	s.log.Info("payload staged", "tool", v.ToolID, "version", v.Version, "files", len(v.Files))
	return dir, nil
}

// extract untars the decompressed stream into dest with path traversal
// and symlink guards.
func extract(ctx context.Context, r io.Reader, format, dest string) error {
	decompressed, closeFn, err := decompress(r, format)
	if err != nil {
		return err
	}
	defer closeFn()

	tr := tar.NewReader(decompressed)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}

		target := filepath.Join(dest, header.Name)
		if !isPathWithinDirectory(target, dest) {
			return fmt.Errorf("archive entry escapes destination: %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", header.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("failed to create parent of %s: %w", header.Name, err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", header.Name, err)
			}
			_, err = io.Copy(f, io.LimitReader(tr, maxFileSize))
			closeErr := f.Close()
			if err != nil {
				return fmt.Errorf("failed to write %s: %w", header.Name, err)
			}
			if closeErr != nil {
				return fmt.Errorf("failed to close %s: %w", header.Name, closeErr)
			}
		case tar.TypeSymlink:
			if err := validateSymlinkTarget(header.Linkname, target, dest); err != nil {
				return err
			}
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("failed to create symlink %s: %w", header.Name, err)
			}
		default:
			// Device nodes, fifos, and hard links have no place in a
			// tool payload.
			return fmt.Errorf("unsupported archive entry type %c for %s", header.Typeflag, header.Name)
		}
	}
}

func decompress(r io.Reader, format string) (io.Reader, func(), error) {
	switch format {
	case "tar.gz", "tgz":
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return gz, func() { gz.Close() }, nil
	case "tar.zst":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		return zr, zr.Close, nil
	case "tar.xz":
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create xz reader: %w", err)
		}
		return xr, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported archive format %q", format)
	}
}

// verifyAndChmod checks every declared file hash and applies executable
// bits. Any mismatch or absence fails the stage.
func verifyAndChmod(dir string, files []tool.FileEntry) error {
	for _, entry := range files {
		path := filepath.Join(dir, entry.Path)
		sum, err := fileSHA256(path)
		if err != nil {
			return fmt.Errorf("file %s: %w", entry.Path, err)
		}
		if sum != entry.SHA256 {
			return fmt.Errorf("file %s: sha256 mismatch: declared %.12s, got %.12s",
				entry.Path, entry.SHA256, sum)
		}
		if entry.IsExecutable {
			if err := os.Chmod(path, 0755); err != nil {
				return fmt.Errorf("file %s: %w", entry.Path, err)
			}
		}
	}
	return nil
}

// verifyStaged counts files that are missing or hash-divergent in an
// existing stage.
func verifyStaged(dir string, files []tool.FileEntry) int {
	mismatches := 0
	for _, entry := range files {
		sum, err := fileSHA256(filepath.Join(dir, entry.Path))
		if err != nil || sum != entry.SHA256 {
			mismatches++
		}
	}
	return mismatches
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// isPathWithinDirectory checks that targetPath is contained in basePath,
// preventing traversal out of the stage.
func isPathWithinDirectory(targetPath, basePath string) bool {
	absTarget, err := filepath.Abs(targetPath)
	if err != nil {
		return false
	}
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return false
	}
	return absTarget == absBase || strings.HasPrefix(absTarget, absBase+string(os.PathSeparator))
}

// validateSymlinkTarget rejects absolute symlink targets and targets
// resolving outside the stage.
func validateSymlinkTarget(linkTarget, linkLocation, destPath string) error {
	if filepath.IsAbs(linkTarget) {
		return fmt.Errorf("absolute symlink targets are not allowed: %s -> %s", linkLocation, linkTarget)
	}
	resolved := filepath.Join(filepath.Dir(linkLocation), linkTarget)
	if !isPathWithinDirectory(resolved, destPath) {
		return fmt.Errorf("symlink target escapes stage: %s -> %s", linkLocation, linkTarget)
	}
	return nil
}
