// Package clouddirectory implements the cloud identity directory backend:
// an OData filter compiler and a REST connector authenticated with OAuth 2.0
// client credentials.
package clouddirectory

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/prismhq/prism/pkg/catalog"
	"github.com/prismhq/prism/pkg/errors"
	"github.com/prismhq/prism/pkg/query"
	"github.com/prismhq/prism/pkg/source/core"
)

// Compiler renders query definitions into OData system query options.
// The tenant evaluates $filter, $select and $orderby natively; suffix
// matching, relative datetime comparisons and grouping fall back to
// post-fetch evaluation.
type Compiler struct{}

// NewCompiler creates a cloud directory compiler.
func NewCompiler() core.Compiler { return &Compiler{} }

// Kind returns the source kind this compiler serves.
func (c *Compiler) Kind() core.Kind { return core.KindCloudDirectory }

// Compile translates the definition into an OData $filter expression plus
// query options carried in Params.
func (c *Compiler) Compile(def query.Definition, cat *catalog.FieldCatalog) (*core.NativeQuery, error) {
	nq := &core.NativeQuery{
		Kind:         core.KindCloudDirectory,
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

	var native []string
	for _, clause := range def.Filters {
		desc, ok := cat.Field(clause.Field)
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeCompile, "filter field %q not in catalog version %d", clause.Field, cat.Version)
		}
		rendered, supported, err := renderClause(desc, clause)
		if err != nil {
			return nil, err
		}
		if supported {
			native = append(native, rendered)
			continue
		}
		if err := include(clause.Field); err != nil {
			return nil, err
		}
		nq.Fallback.Filters = append(nq.Fallback.Filters, clause)
		nq.Warnings = append(nq.Warnings, core.Warning{
			Code:    catalog.WarnOperatorFallback,
			Field:   clause.Field,
			Message: fmt.Sprintf("operator %q is applied after fetch; the tenant cannot evaluate it natively", clause.Operator),
		})
	}
	nq.Statement = strings.Join(native, " and ")

	if def.GroupBy != "" {
		if err := include(def.GroupBy); err != nil {
			return nil, err
		}
		nq.Fallback.GroupBy = def.GroupBy
		nq.Warnings = append(nq.Warnings, core.Warning{
			Code:    catalog.WarnGroupFallback,
			Field:   def.GroupBy,
			Message: "grouping is applied after fetch; the tenant has no native grouping",
		})
	}

	if def.OrderBy != nil {
		desc, ok := cat.Field(def.OrderBy.Field)
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeCompile, "order field %q not in catalog version %d", def.OrderBy.Field, cat.Version)
		}
		direction := "asc"
		if def.OrderBy.Descending {
			direction = "desc"
		}
		nq.Params["$orderby"] = desc.NativeName + " " + direction
	}

	return nq, nil
}

// renderClause renders one filter clause into OData filter syntax.
// Returns supported=false for operators the tenant cannot evaluate.
func renderClause(desc catalog.FieldDescriptor, clause query.FilterClause) (rendered string, supported bool, err error) {
	attr := desc.NativeName

	switch clause.Operator {
	case catalog.OpEquals, catalog.OpNotEquals:
		literal, convErr := odataLiteral(desc.Type, clause.Value)
		if convErr != nil {
			return "", false, convErr
		}
		op := "eq"
		if clause.Operator == catalog.OpNotEquals {
			op = "ne"
		}
		if desc.Type == catalog.TypeReference {
			// references compare by identifier on the navigation property
			return fmt.Sprintf("%s/id %s %s", attr, op, literal), true, nil
		}
		return fmt.Sprintf("%s %s %s", attr, op, literal), true, nil

	case catalog.OpContains:
		if desc.Type == catalog.TypeArray {
			return fmt.Sprintf("%s/any(x: x eq %s)", attr, odataString(clause.Value)), true, nil
		}
		return fmt.Sprintf("contains(%s, %s)", attr, odataString(clause.Value)), true, nil

	case catalog.OpNotContains:
		return fmt.Sprintf("not %s/any(x: x eq %s)", attr, odataString(clause.Value)), true, nil

	case catalog.OpStartsWith:
		return fmt.Sprintf("startsWith(%s, %s)", attr, odataString(clause.Value)), true, nil

	case catalog.OpEndsWith:
		// suffix matching needs index hints the tenant does not guarantee
		return "", false, nil

	case catalog.OpIn:
		parts := strings.Split(clause.Value, ",")
		literals := make([]string, 0, len(parts))
		for _, part := range parts {
			literal, convErr := odataLiteral(desc.Type, strings.TrimSpace(part))
			if convErr != nil {
				return "", false, convErr
			}
			literals = append(literals, literal)
		}
		if desc.Type == catalog.TypeReference {
			return fmt.Sprintf("%s/id in (%s)", attr, strings.Join(literals, ", ")), true, nil
		}
		return fmt.Sprintf("%s in (%s)", attr, strings.Join(literals, ", ")), true, nil

	case catalog.OpGreaterThan, catalog.OpLessThan:
		literal, convErr := odataLiteral(desc.Type, clause.Value)
		if convErr != nil {
			return "", false, convErr
		}
		op := "gt"
		if clause.Operator == catalog.OpLessThan {
			op = "lt"
		}
		return fmt.Sprintf("%s %s %s", attr, op, literal), true, nil

	case catalog.OpBefore, catalog.OpAfter:
		ts, convErr := odataTime(clause.Value)
		if convErr != nil {
			return "", false, convErr
		}
		if clause.Operator == catalog.OpBefore {
			return fmt.Sprintf("%s lt %s", attr, ts), true, nil
		}
		return fmt.Sprintf("%s gt %s", attr, ts), true, nil

	case catalog.OpOlderThan, catalog.OpNewerThan:
		return "", false, nil

	case catalog.OpIsEmpty:
		return fmt.Sprintf("not %s/any()", attr), true, nil

	default:
		return "", false, errors.Newf(errors.ErrorTypeCompile,
			"operator %q has no cloud directory rendering for field %q", clause.Operator, clause.Field)
	}
}

// odataLiteral converts a clause value into the OData literal form for the
// field's semantic type.
func odataLiteral(t catalog.SemanticType, value string) (string, error) {
	switch t {
	case catalog.TypeBoolean:
		switch strings.ToLower(value) {
		case "true", "false":
			return strings.ToLower(value), nil
		default:
			return "", errors.Newf(errors.ErrorTypeCompile, "boolean filter value %q must be true or false", value)
		}
	case catalog.TypeInteger:
		// integers pass through unquoted, so anything non-numeric would
		// splice into the filter expression
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			return "", errors.Newf(errors.ErrorTypeCompile, "integer filter value %q is not a number", value)
		}
		return value, nil
	case catalog.TypeDatetime:
		return odataTime(value)
	default:
		return odataString(value), nil
	}
}

// odataString renders a single-quoted OData string literal.
func odataString(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

// odataTime normalizes an RFC 3339 value to UTC.
func odataTime(value string) (string, error) {
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return "", errors.Newf(errors.ErrorTypeCompile, "datetime filter value %q is not RFC 3339", value)
	}
	return ts.UTC().Format(time.RFC3339), nil
}
