// Package cloudsuite implements the cloud productivity suite backend: a
// compiler for the suite's user search syntax and a connector over its
// admin directory API.
package cloudsuite

import (
	"fmt"
	"strings"

	"github.com/prismhq/prism/pkg/catalog"
	"github.com/prismhq/prism/pkg/errors"
	"github.com/prismhq/prism/pkg/query"
	"github.com/prismhq/prism/pkg/source/core"
)

// Compiler renders query definitions into the suite's user search syntax.
// The search language covers exact and prefix matching on a fixed set of
// terms; everything else runs post-fetch. Sorting is native only on email
// and name parts.
type Compiler struct{}

// NewCompiler creates a cloud suite compiler.
func NewCompiler() core.Compiler { return &Compiler{} }

// Kind returns the source kind this compiler serves.
func (c *Compiler) Kind() core.Kind { return core.KindCloudSuite }

// Compile translates the definition into a search query string. Terms are
// joined by spaces, which the suite treats as conjunction.
func (c *Compiler) Compile(def query.Definition, cat *catalog.FieldCatalog) (*core.NativeQuery, error) {
	nq := &core.NativeQuery{
		Kind:         core.KindCloudSuite,
		Params:       make(map[string]string),
		FieldMap:     make(map[string]string),
		FieldTypes:   make(map[string]catalog.SemanticType),
		Page:         def.Page.Page,
		PageSize:     def.Page.PageSize,
		NativePaging: true,
	}

	include := func(name string) error {
		desc, ok := cat.Field(name)
		if !ok {
			return errors.Newf(errors.ErrorTypeCompile, "field %q not in catalog version %d", name, cat.Version)
		}
		for _, attr := range nq.Attributes {
			if attr == desc.NativeName {
				return nil
			}
		}
		nq.Attributes = append(nq.Attributes, desc.NativeName)
		nq.FieldMap[desc.NativeName] = desc.Name
		nq.FieldTypes[desc.Name] = desc.Type
		return nil
	}

	for _, name := range def.Fields {
		if err := include(name); err != nil {
			return nil, err
		}
	}
	nq.Projection = append([]string(nil), def.Fields...)

	var terms []string
	for _, clause := range def.Filters {
		desc, ok := cat.Field(clause.Field)
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeCompile, "filter field %q not in catalog version %d", clause.Field, cat.Version)
		}
		term, supported, err := renderTerm(desc, clause)
		if err != nil {
			return nil, err
		}
		if supported {
			terms = append(terms, term)
			continue
		}
		if err := include(clause.Field); err != nil {
			return nil, err
		}
		nq.Fallback.Filters = append(nq.Fallback.Filters, clause)
		nq.Warnings = append(nq.Warnings, core.Warning{
			Code:    catalog.WarnOperatorFallback,
			Field:   clause.Field,
			Message: fmt.Sprintf("operator %q on %q is applied after fetch; the suite's search syntax cannot express it", clause.Operator, clause.Field),
		})
	}
	nq.Statement = strings.Join(terms, " ")

	if def.GroupBy != "" {
		if err := include(def.GroupBy); err != nil {
			return nil, err
		}
		nq.Fallback.GroupBy = def.GroupBy
		nq.Warnings = append(nq.Warnings, core.Warning{
			Code:    catalog.WarnGroupFallback,
			Field:   def.GroupBy,
			Message: "grouping is applied after fetch; the suite has no native grouping",
		})
	}

	if def.OrderBy != nil {
		if err := include(def.OrderBy.Field); err != nil {
			return nil, err
		}
		if sortKey, ok := orderFields[def.OrderBy.Field]; ok {
			nq.Params["orderBy"] = sortKey
			if def.OrderBy.Descending {
				nq.Params["sortOrder"] = "DESCENDING"
			} else {
				nq.Params["sortOrder"] = "ASCENDING"
			}
		} else {
			order := *def.OrderBy
			nq.Fallback.OrderBy = &order
			nq.Warnings = append(nq.Warnings, core.Warning{
				Code:    catalog.WarnSortFallback,
				Field:   def.OrderBy.Field,
				Message: fmt.Sprintf("ordering on %q is applied after fetch; the suite sorts natively only on name and email fields", def.OrderBy.Field),
			})
		}
	}

	return nq, nil
}

// renderTerm renders one filter clause into a search term. Returns
// supported=false when the clause must run post-fetch.
func renderTerm(desc catalog.FieldDescriptor, clause query.FilterClause) (term string, supported bool, err error) {
	queryName, searchable := queryNames[desc.Name]
	if !searchable {
		return "", false, nil
	}

	switch clause.Operator {
	case catalog.OpEquals:
		if desc.Type == catalog.TypeBoolean {
			switch strings.ToLower(clause.Value) {
			case "true", "false":
				return queryName + "=" + strings.ToLower(clause.Value), true, nil
			default:
				return "", false, errors.Newf(errors.ErrorTypeCompile, "boolean filter value %q must be true or false", clause.Value)
			}
		}
		return queryName + "=" + quoteTerm(clause.Value), true, nil

	case catalog.OpStartsWith:
		return queryName + ":" + clause.Value + "*", true, nil

	case catalog.OpContains:
		// the search syntax matches word prefixes only, so contains is
		// approximate server-side and exact post-fetch
		return "", false, nil

	default:
		return "", false, nil
	}
}

// quoteTerm single-quotes values containing spaces, per the search syntax.
func quoteTerm(value string) string {
	if strings.ContainsAny(value, " \t") {
		return "'" + value + "'"
	}
	return value
}
