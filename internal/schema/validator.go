package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/leolilley/kiwi/internal/log"
	"github.com/leolilley/kiwi/internal/tool"
)

const (
	compiledCacheSize = 1024
	verdictCacheSize  = 4096
)

// ValidationError reports a child rejected by its parent's schema.
type ValidationError struct {
	ParentID string
	ChildID  string
	Issues   []Issue
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s rejected by %s: %d issue(s), first: %s",
		e.ChildID, e.ParentID, len(e.Issues), e.Issues[0])
}

// NoMatchingSchemaError reports a parent whose child_schemas entries all
// failed to match the child.
type NoMatchingSchemaError struct {
	ParentID string
	ChildID  string
}

func (e *NoMatchingSchemaError) Error() string {
	return fmt.Sprintf("no child schema of %s matches %s", e.ParentID, e.ChildID)
}

// Report carries non-fatal findings from a chain validation pass.
type Report struct {
	Warnings []string
}

// Validator checks each adjacent (child, parent) pair of a chain against
// the parent's declared child schemas.
//
// Compiled schemas are cached by a stable hash of the schema text;
// pair verdicts are memoised by (parent integrity, child integrity).
type Validator struct {
	compiled *lru.Cache[string, *Schema]
	verdicts *lru.Cache[string, error] // nil value = accepted
	log      log.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithLogger sets the validator logger.
func WithLogger(l log.Logger) Option {
	return func(v *Validator) { v.log = l }
}

// NewValidator creates a Validator.
func NewValidator(opts ...Option) *Validator {
	compiled, _ := lru.New[string, *Schema](compiledCacheSize)
	verdicts, _ := lru.New[string, error](verdictCacheSize)
	v := &Validator{compiled: compiled, verdicts: verdicts, log: log.Default()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ValidateChain walks adjacent pairs leaf-to-primitive. A parent with no
// child_schemas yields a warning and permits the child (compatibility
// phase); a parent whose entries all fail to match rejects the child.
func (v *Validator) ValidateChain(chain []*tool.Version) (*Report, error) {
	report := &Report{}

	for i := 0; i+1 < len(chain); i++ {
		child, parent := chain[i], chain[i+1]
		if err := v.validatePair(parent, child, report); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (v *Validator) validatePair(parent, child *tool.Version, report *Report) error {
	verdictKey := parent.Integrity + "|" + child.Integrity
	if verdictKey != "|" {
		if cached, ok := v.verdicts.Get(verdictKey); ok {
			v.log.Debug("validation verdict cached", "parent", parent.ToolID, "child", child.ToolID)
			return cached
		}
	}

	err := v.evaluatePair(parent, child, report)
	if verdictKey != "|" {
		v.verdicts.Add(verdictKey, err)
	}
	return err
}

func (v *Validator) evaluatePair(parent, child *tool.Version, report *Report) error {
	entries := parent.ChildSchemas()
	if len(entries) == 0 {
		warning := fmt.Sprintf("%s declares no child schemas; permitting %s unvalidated",
			parent.ToolID, child.ToolID)
		report.Warnings = append(report.Warnings, warning)
		v.log.Warn("missing child schemas", "parent", parent.ToolID, "child", child.ToolID)
		return nil
	}

	doc := childDocument(child)

	for _, entry := range entries {
		if !matches(entry.Match, doc) {
			continue
		}

		compiled, err := v.compile(entry.Schema)
		if err != nil {
			return fmt.Errorf("invalid child schema on %s: %w", parent.ToolID, err)
		}

		if issues := compiled.Validate(doc); len(issues) > 0 {
			return &ValidationError{
				ParentID: parent.ToolID,
				ChildID:  child.ToolID,
				Issues:   issues,
			}
		}
		return nil
	}

	return &NoMatchingSchemaError{ParentID: parent.ToolID, ChildID: child.ToolID}
}

// compile returns a compiled schema, reusing a cached compilation keyed
// by the canonical hash of the schema text.
func (v *Validator) compile(raw map[string]any) (*Schema, error) {
	canonical, err := tool.CanonicalJSON(raw)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(canonical)
	key := hex.EncodeToString(sum[:])

	if cached, ok := v.compiled.Get(key); ok {
		return cached, nil
	}

	compiled, err := Compile(raw)
	if err != nil {
		return nil, err
	}
	v.compiled.Add(key, compiled)
	return compiled, nil
}

// childDocument builds the validation target for a child link: the
// manifest's top-level fields with the version record's identity fields
// guaranteed present.
func childDocument(child *tool.Version) map[string]any {
	doc := make(map[string]any, len(child.Manifest)+4)
	for k, val := range child.Manifest {
		doc[k] = val
	}
	doc["tool_id"] = child.ToolID
	doc["version"] = child.Version
	doc["tool_type"] = string(child.ToolType)
	if child.ExecutorID != "" {
		doc["executor"] = child.ExecutorID
	}
	return doc
}

// matches reports whether every key in the match map equals the
// corresponding top-level field of the child document.
func matches(match map[string]any, doc map[string]any) bool {
	for k, want := range match {
		got, present := doc[k]
		if !present || !jsonEqual(got, want) {
			return false
		}
	}
	return true
}
