// Package query implements the source-agnostic query model: the raw request
// shape submitted by callers, the validated Definition the rest of the engine
// operates on, and the validator that checks a request against a field
// catalog version.
package query

import (
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/prismhq/prism/pkg/catalog"
	"github.com/prismhq/prism/pkg/errors"
)

// FilterClause restricts results on one field. Value holds the comparison
// operand as a string; the compiler converts it per the field's semantic
// type. For OpIn the value is a comma-separated list.
type FilterClause struct {
	Field    string           `json:"field"`
	Operator catalog.Operator `json:"operator"`
	Value    string           `json:"value"`
}

// Order describes result ordering on a single field.
type Order struct {
	Field      string `json:"field"`
	Descending bool   `json:"descending,omitempty"`
}

// Pagination selects one page of results. Page is 1-based.
type Pagination struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// Request is the raw, unvalidated query shape submitted by callers.
// It mirrors Definition field for field; validation produces a Definition.
type Request struct {
	Source  string            `json:"source"`
	Fields  []string          `json:"fields"`
	Filters []FilterClause    `json:"filters,omitempty"`
	GroupBy string            `json:"group_by,omitempty"`
	OrderBy *Order            `json:"order_by,omitempty"`
	Page    Pagination        `json:"pagination"`
	Params  map[string]string `json:"parameters,omitempty"`
}

// Definition is the validated, in-memory representation of a query.
// Filters carry parameter placeholders already resolved; Params is kept
// for fingerprinting and re-execution with overrides.
type Definition struct {
	Source  string            `json:"source"`
	Fields  []string          `json:"fields"`
	Filters []FilterClause    `json:"filters,omitempty"`
	GroupBy string            `json:"group_by,omitempty"`
	OrderBy *Order            `json:"order_by,omitempty"`
	Page    Pagination        `json:"pagination"`
	Params  map[string]string `json:"parameters,omitempty"`
}

// ParseRequest decodes a raw JSON query request.
func ParseRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, errors.Wrap(err, errors.ErrorTypeValidation, "malformed query request")
	}
	return req, nil
}

// MarshalDefinition encodes a Definition for storage (custom reports).
func MarshalDefinition(def Definition) ([]byte, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode query definition")
	}
	return data, nil
}

// UnmarshalDefinition decodes a stored Definition.
func UnmarshalDefinition(data []byte) (Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return Definition{}, errors.Wrap(err, errors.ErrorTypeInternal, "failed to decode stored query definition")
	}
	return def, nil
}

// ToRequest converts a stored Definition back into a raw request so it can
// be revalidated against the currently active catalog version, optionally
// merging caller-supplied parameter overrides.
func (d Definition) ToRequest(paramOverrides map[string]string) Request {
	params := make(map[string]string, len(d.Params)+len(paramOverrides))
	for k, v := range d.Params {
		params[k] = v
	}
	for k, v := range paramOverrides {
		params[k] = v
	}
	fields := make([]string, len(d.Fields))
	copy(fields, d.Fields)
	filters := make([]FilterClause, len(d.Filters))
	copy(filters, d.Filters)
	var order *Order
	if d.OrderBy != nil {
		o := *d.OrderBy
		order = &o
	}
	return Request{
		Source:  d.Source,
		Fields:  fields,
		Filters: filters,
		GroupBy: d.GroupBy,
		OrderBy: order,
		Page:    d.Page,
		Params:  params,
	}
}

// SortedParams returns the parameter map as a deterministic key-sorted
// slice of "key=value" strings, used for fingerprinting.
func (d Definition) SortedParams() []string {
	if len(d.Params) == 0 {
		return nil
	}
	out := make([]string, 0, len(d.Params))
	for k, v := range d.Params {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// paramRefs returns the parameter names referenced by ${name} placeholders
// in the clause value, in order of appearance.
func (f FilterClause) paramRefs() []string {
	var refs []string
	value := f.Value
	for {
		start := strings.Index(value, "${")
		if start == -1 {
			break
		}
		end := strings.Index(value[start:], "}")
		if end == -1 {
			break
		}
		refs = append(refs, value[start+2:start+end])
		value = value[start+end+1:]
	}
	return refs
}

// resolveParams substitutes ${name} placeholders from params.
// Unknown references are left intact; the validator reports them.
func (f FilterClause) resolveParams(params map[string]string) FilterClause {
	value := f.Value
	for _, name := range f.paramRefs() {
		if v, ok := params[name]; ok {
			value = strings.ReplaceAll(value, "${"+name+"}", v)
		}
	}
	f.Value = value
	return f
}
