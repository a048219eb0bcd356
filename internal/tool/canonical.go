package tool

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// CanonicalJSON serialises v with recursively sorted object keys and
// minimal separators. Identical inputs produce identical bytes on every
// platform; this is the byte form fed to the integrity hash.
func CanonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")

	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')

	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')

	case string, bool, float64, int, int32, int64, uint, uint32, uint64, json.Number:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)

	default:
		// Structs and typed maps are normalised through a generic
		// round-trip. UseNumber keeps numeric literals byte-stable.
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("canonical encode: %w", err)
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var generic any
		if err := dec.Decode(&generic); err != nil {
			return fmt.Errorf("canonical normalise: %w", err)
		}
		return writeCanonical(buf, generic)
	}

	return nil
}

// Integrity computes the canonical sha256 of a tool version. The files
// list is sorted by path first so integrity is stable under any arrival
// order. No wall-clock or random input participates.
func Integrity(toolID, version string, manifest map[string]any, files []FileEntry) (string, error) {
	sorted := make([]FileEntry, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	fileMaps := make([]any, len(sorted))
	for i, f := range sorted {
		fileMaps[i] = map[string]any{
			"path":          f.Path,
			"sha256":        f.SHA256,
			"is_executable": f.IsExecutable,
		}
	}

	payload := map[string]any{
		"tool_id":  toolID,
		"version":  version,
		"manifest": manifest,
		"files":    fileMaps,
	}

	data, err := CanonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("integrity payload for %s@%s: %w", toolID, version, err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ComputeIntegrity recomputes the integrity hash of a version from its
// stored manifest and file metadata.
func ComputeIntegrity(v *Version) (string, error) {
	return Integrity(v.ToolID, v.Version, v.Manifest, v.Files)
}
