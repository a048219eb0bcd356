package payload

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leolilley/kiwi/internal/tool"
)

// archiveFetcher serves a fixed tar.gz built from the given entries.
type archiveFetcher struct {
	data  []byte
	calls int
}

func (f *archiveFetcher) FetchPayload(ctx context.Context, toolID, version string) (io.ReadCloser, string, error) {
	f.calls++
	return io.NopCloser(bytes.NewReader(f.data)), "tar.gz", nil
}

func buildArchive(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0644, Size: int64(len(content)), Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func sumOf(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func stagedVersion(files []tool.FileEntry) *tool.Version {
	return &tool.Version{
		ToolID:   "a",
		Version:  "1.0.0",
		ToolType: tool.TypeScript,
		Manifest: map[string]any{},
		Files:    files,
	}
}

func TestStageExtractsAndVerifies(t *testing.T) {
	archive := buildArchive(t, map[string]string{
		"bin/run":     "#!/bin/sh\necho hi\n",
		"src/main.py": "print('hi')\n",
	})
	fetcher := &archiveFetcher{data: archive}
	stager := NewStager(t.TempDir(), fetcher)

	v := stagedVersion([]tool.FileEntry{
		{Path: "bin/run", SHA256: sumOf("#!/bin/sh\necho hi\n"), IsExecutable: true},
		{Path: "src/main.py", SHA256: sumOf("print('hi')\n")},
	})

	dir, err := stager.Stage(context.Background(), v)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "bin/run"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm(), "executable bit applied")

	data, err := os.ReadFile(filepath.Join(dir, "src/main.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('hi')\n", string(data))
}

func TestStageReusesVerifiedTree(t *testing.T) {
	content := "data\n"
	archive := buildArchive(t, map[string]string{"f": content})
	fetcher := &archiveFetcher{data: archive}
	stager := NewStager(t.TempDir(), fetcher)
	v := stagedVersion([]tool.FileEntry{{Path: "f", SHA256: sumOf(content)}})

	_, err := stager.Stage(context.Background(), v)
	require.NoError(t, err)
	_, err = stager.Stage(context.Background(), v)
	require.NoError(t, err)

	assert.Equal(t, 1, fetcher.calls, "second stage hits the verified tree")
}

func TestStageRestagesTamperedTree(t *testing.T) {
	content := "data\n"
	archive := buildArchive(t, map[string]string{"f": content})
	fetcher := &archiveFetcher{data: archive}
	stager := NewStager(t.TempDir(), fetcher)
	v := stagedVersion([]tool.FileEntry{{Path: "f", SHA256: sumOf(content)}})

	dir, err := stager.Stage(context.Background(), v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("tampered"), 0644))

	_, err = stager.Stage(context.Background(), v)
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.calls)

	data, err := os.ReadFile(filepath.Join(dir, "f"))
	require.NoError(t, err)
	assert.Equal(t, content, string(data))
}

func TestStageRejectsHashMismatch(t *testing.T) {
	archive := buildArchive(t, map[string]string{"f": "actual"})
	stager := NewStager(t.TempDir(), &archiveFetcher{data: archive})
	v := stagedVersion([]tool.FileEntry{{Path: "f", SHA256: sumOf("declared-something-else")}})

	_, err := stager.Stage(context.Background(), v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sha256 mismatch")

	// Failed stages leave nothing at the final path.
	_, statErr := os.Stat(stager.Dir(v))
	assert.True(t, os.IsNotExist(statErr))
}

func TestStageRejectsTraversal(t *testing.T) {
	archive := buildArchive(t, map[string]string{"../escape": "x"})
	stager := NewStager(t.TempDir(), &archiveFetcher{data: archive})
	v := stagedVersion([]tool.FileEntry{{Path: "../escape", SHA256: sumOf("x")}})

	_, err := stager.Stage(context.Background(), v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes destination")
}

func TestStageNoFilesIsNoop(t *testing.T) {
	fetcher := &archiveFetcher{}
	stager := NewStager(t.TempDir(), fetcher)
	dir, err := stager.Stage(context.Background(), stagedVersion(nil))
	require.NoError(t, err)
	assert.Empty(t, dir)
	assert.Zero(t, fetcher.calls)
}
