// Package tool defines the tool package model: versioned manifests, file
// metadata, and the canonical integrity hash that identifies a package.
package tool

import (
	"fmt"
	"regexp"
	"time"
)

// Type classifies a tool. Only primitives are executed by the runtime
// itself; every other type delegates to its executor.
type Type string

const (
	TypePrimitive    Type = "primitive"
	TypeRuntime      Type = "runtime"
	TypeScript       Type = "script"
	TypeAPI          Type = "api"
	TypeHTTP         Type = "http"
	TypeMCPConnector Type = "mcp_connector"
	TypeMCPTool      Type = "mcp_tool"
	TypeCapability   Type = "capability"
	TypeRuntimeSink  Type = "runtime_sink"
)

// validTypes is the closed set of recognised tool types.
var validTypes = map[Type]bool{
	TypePrimitive:    true,
	TypeRuntime:      true,
	TypeScript:       true,
	TypeAPI:          true,
	TypeHTTP:         true,
	TypeMCPConnector: true,
	TypeMCPTool:      true,
	TypeCapability:   true,
	TypeRuntimeSink:  true,
}

// Valid reports whether t is a recognised tool type.
func (t Type) Valid() bool { return validTypes[t] }

// idPattern constrains tool identifiers: lowercase, digits, underscores,
// starting with a letter.
var idPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidateID returns an error if id is not a well-formed tool identifier.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("invalid tool id %q: must match %s", id, idPattern.String())
	}
	return nil
}

// Primitive tool ids implemented by the runtime.
const (
	PrimitiveSubprocess = "subprocess"
	PrimitiveHTTPClient = "http_client"
)

// FileEntry records the identity of one file in a tool's payload.
type FileEntry struct {
	Path         string `json:"path"`
	SHA256       string `json:"sha256"`
	IsExecutable bool   `json:"is_executable"`
}

// Version is one immutable published version of a tool.
//
// ContentHash and Integrity are computed the same way going forward;
// storing both preserves lookup by the legacy column.
type Version struct {
	ToolID     string         `json:"tool_id"`
	Version    string         `json:"version"`
	ToolType   Type           `json:"tool_type"`
	ExecutorID string         `json:"executor_id,omitempty"`
	Category   string         `json:"category,omitempty"`
	Manifest   map[string]any `json:"manifest"`
	Files      []FileEntry    `json:"file_hashes,omitempty"`

	ContentHash string    `json:"content_hash"`
	Integrity   string    `json:"integrity"`
	CreatedAt   time.Time `json:"created_at"`
}

// IsPrimitive reports whether this version is a terminal primitive.
func (v *Version) IsPrimitive() bool { return v.ToolType == TypePrimitive }

// Ref returns the "tool@version" display form.
func (v *Version) Ref() string { return v.ToolID + "@" + v.Version }

// Validate checks the structural invariants of a tool version: a valid
// id, a recognised type, and no executor on a primitive. A non-primitive
// without an executor is not rejected here.
func (v *Version) Validate() error {
	if err := ValidateID(v.ToolID); err != nil {
		return err
	}
	if !v.ToolType.Valid() {
		return fmt.Errorf("tool %s: unknown tool_type %q", v.ToolID, v.ToolType)
	}
	if v.IsPrimitive() && v.ExecutorID != "" {
		return fmt.Errorf("tool %s: primitive must not declare an executor", v.ToolID)
	}
	return nil
}
