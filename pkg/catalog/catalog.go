// Package catalog implements the field catalog: the per-source, per-credential
// inventory of queryable fields discovered from a backend, with semantic types
// and the operators each type supports. Catalog versions are immutable; a
// refresh produces a new version and atomically supersedes the old one.
package catalog

import (
	"time"
)

// SemanticType classifies a field for validation and operator selection.
type SemanticType string

const (
	TypeString    SemanticType = "string"
	TypeInteger   SemanticType = "integer"
	TypeBoolean   SemanticType = "boolean"
	TypeDatetime  SemanticType = "datetime"
	TypeArray     SemanticType = "array"
	TypeReference SemanticType = "reference"
)

// Operator is a filter operator a field may support.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
	OpIn          Operator = "in"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpBefore      Operator = "before"
	OpAfter       Operator = "after"
	OpOlderThan   Operator = "older_than"
	OpNewerThan   Operator = "newer_than"
	OpIsEmpty     Operator = "is_empty"
)

// operatorTable maps each semantic type to its allowed operators.
// Discovery may narrow this set per field but never widens it.
var operatorTable = map[SemanticType][]Operator{
	TypeString:    {OpEquals, OpNotEquals, OpContains, OpStartsWith, OpEndsWith, OpIn},
	TypeInteger:   {OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpIn},
	TypeBoolean:   {OpEquals, OpNotEquals},
	TypeDatetime:  {OpEquals, OpBefore, OpAfter, OpOlderThan, OpNewerThan},
	TypeArray:     {OpContains, OpNotContains, OpIsEmpty},
	TypeReference: {OpEquals, OpNotEquals, OpIn},
}

// OperatorsFor returns the default operator set for a semantic type.
// The returned slice is a copy and safe to modify.
func OperatorsFor(t SemanticType) []Operator {
	ops := operatorTable[t]
	out := make([]Operator, len(ops))
	copy(out, ops)
	return out
}

// Warning carries a non-fatal problem attached to a discovery, compilation,
// or execution result. Warnings are surfaced alongside results, never
// swallowed.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Ref     string `json:"ref,omitempty"`
}

// Warning codes shared across components.
const (
	WarnPartialSchema       = "partial_schema"
	WarnAttributeUnreadable = "attribute_unreadable"
	WarnOperatorFallback    = "operator_fallback"
	WarnSortFallback        = "sort_fallback"
	WarnGroupFallback       = "group_fallback"
	WarnResultTruncated     = "result_truncated"
)

// FieldDescriptor describes one queryable field. Descriptors are immutable
// once part of a catalog version.
type FieldDescriptor struct {
	// Name is the source-agnostic field name used in query definitions
	Name string `json:"name"`
	// DisplayName is the human-readable label for the UI field picker
	DisplayName string `json:"display_name"`
	// NativeName is the backend attribute this field maps to
	NativeName string `json:"native_name"`
	// Type is the semantic type driving validation and compilation
	Type SemanticType `json:"type"`
	// Category groups related fields for display (account, contact, ...)
	Category string `json:"category"`
	// Operators lists the filter operators this field supports
	Operators []Operator `json:"operators"`
}

// AllowsOperator reports whether the field supports the given operator.
func (f FieldDescriptor) AllowsOperator(op Operator) bool {
	for _, allowed := range f.Operators {
		if allowed == op {
			return true
		}
	}
	return false
}

// FieldCatalog is one immutable catalog version for a (source, credential)
// scope. Lookups are lock-free; concurrent readers share the same snapshot.
type FieldCatalog struct {
	Source       string            `json:"source"`
	CredentialID string            `json:"credential_id"`
	Version      int64             `json:"version"`
	GeneratedAt  time.Time         `json:"generated_at"`
	Fields       []FieldDescriptor `json:"fields"`
	Warnings     []Warning         `json:"warnings,omitempty"`

	byName map[string]int
}

// NewFieldCatalog builds a catalog version from discovered fields.
// Field order is preserved; duplicate names keep the first occurrence.
func NewFieldCatalog(source, credentialID string, version int64, fields []FieldDescriptor, warnings []Warning) *FieldCatalog {
	c := &FieldCatalog{
		Source:       source,
		CredentialID: credentialID,
		Version:      version,
		GeneratedAt:  time.Now().UTC(),
		Warnings:     warnings,
		byName:       make(map[string]int, len(fields)),
	}
	for _, f := range fields {
		if _, dup := c.byName[f.Name]; dup {
			continue
		}
		c.byName[f.Name] = len(c.Fields)
		c.Fields = append(c.Fields, f)
	}
	return c
}

// Field returns the descriptor for a field name.
func (c *FieldCatalog) Field(name string) (FieldDescriptor, bool) {
	idx, ok := c.byName[name]
	if !ok {
		return FieldDescriptor{}, false
	}
	return c.Fields[idx], true
}

// Has reports whether the catalog contains the field.
func (c *FieldCatalog) Has(name string) bool {
	_, ok := c.byName[name]
	return ok
}

// IsPartial reports whether discovery left attribute groups unread.
func (c *FieldCatalog) IsPartial() bool {
	for _, w := range c.Warnings {
		if w.Code == WarnPartialSchema {
			return true
		}
	}
	return false
}

// Categories returns the distinct field categories in first-seen order.
func (c *FieldCatalog) Categories() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, f := range c.Fields {
		if f.Category == "" {
			continue
		}
		if _, ok := seen[f.Category]; ok {
			continue
		}
		seen[f.Category] = struct{}{}
		out = append(out, f.Category)
	}
	return out
}
