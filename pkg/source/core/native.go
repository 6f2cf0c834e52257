package core

import (
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/prismhq/prism/pkg/catalog"
	"github.com/prismhq/prism/pkg/query"
)

// Fallback lists the operations a backend could not perform natively; the
// execution engine applies them in memory after normalization, in the order
// filter, group, sort.
type Fallback struct {
	Filters []query.FilterClause `json:"filters,omitempty"`
	GroupBy string               `json:"group_by,omitempty"`
	OrderBy *query.Order         `json:"order_by,omitempty"`
}

// Empty reports whether no post-fetch work is required.
func (f Fallback) Empty() bool {
	return len(f.Filters) == 0 && f.GroupBy == "" && f.OrderBy == nil
}

// NativeQuery is the compiled, backend-specific form of a query definition.
// Compilation is pure; two compilations of the same definition yield
// byte-identical canonical forms.
type NativeQuery struct {
	Kind Kind `json:"kind"`

	// Statement is the backend filter expression: an LDAP filter, an
	// OData $filter, or an Admin-SDK query string. May be empty when the
	// query selects everything.
	Statement string `json:"statement,omitempty"`

	// Attributes are the native attribute names to fetch, in selection order.
	// Fallback operations may fetch attributes beyond the selection.
	Attributes []string `json:"attributes"`

	// Projection lists the selected catalog field names in request order.
	// Fields fetched only for fallback evaluation never appear here.
	Projection []string `json:"projection"`

	// Params carries additional native query parameters ($orderby,
	// viewType, domain, ...). Rendered sorted by key.
	Params map[string]string `json:"params,omitempty"`

	// FieldMap maps native attribute names back to catalog field names
	// for row normalization.
	FieldMap map[string]string `json:"field_map"`

	// FieldTypes maps catalog field names to semantic types so the engine
	// can coerce values during fallback filtering and sorting. Derived
	// from the catalog, so excluded from the canonical form.
	FieldTypes map[string]catalog.SemanticType `json:"field_types,omitempty"`

	// Page and PageSize restate the requested window; NativePaging tells
	// the engine whether the backend can serve pages itself or the whole
	// eligible set must be fetched and paginated in memory.
	Page         int  `json:"page"`
	PageSize     int  `json:"page_size"`
	NativePaging bool `json:"native_paging"`

	// Fallback lists post-fetch operations with their compiler warnings.
	Fallback Fallback  `json:"fallback,omitempty"`
	Warnings []Warning `json:"warnings,omitempty"`
}

// canonicalForm is the stable subset of NativeQuery that identifies an
// execution for fingerprinting. Warnings are advisory and excluded.
type canonicalForm struct {
	Kind       Kind     `json:"kind"`
	Statement  string   `json:"statement"`
	Attributes []string `json:"attributes"`
	Projection []string `json:"projection"`
	Params     []string `json:"params"`
	Page       int      `json:"page"`
	PageSize   int      `json:"page_size"`
	Fallback   Fallback `json:"fallback"`
}

// Canonical returns a deterministic byte representation of the query,
// suitable for fingerprinting. Params are rendered key-sorted so map
// iteration order cannot leak into the result.
func (nq *NativeQuery) Canonical() []byte {
	params := make([]string, 0, len(nq.Params))
	for k, v := range nq.Params {
		params = append(params, k+"="+v)
	}
	sort.Strings(params)

	data, err := json.Marshal(canonicalForm{
		Kind:       nq.Kind,
		Statement:  nq.Statement,
		Attributes: nq.Attributes,
		Projection: nq.Projection,
		Params:     params,
		Page:       nq.Page,
		PageSize:   nq.PageSize,
		Fallback:   nq.Fallback,
	})
	if err != nil {
		// canonicalForm contains only marshalable types
		panic("core: canonical encoding failed: " + err.Error())
	}
	return data
}

// FieldFor translates a native attribute name to its catalog field name.
func (nq *NativeQuery) FieldFor(native string) string {
	if name, ok := nq.FieldMap[native]; ok {
		return name
	}
	return native
}

// Describe returns a short human-readable summary for logs.
func (nq *NativeQuery) Describe() string {
	var b strings.Builder
	b.WriteString(string(nq.Kind))
	if nq.Statement != "" {
		b.WriteString(" ")
		b.WriteString(nq.Statement)
	}
	return b.String()
}
