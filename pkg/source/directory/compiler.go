package directory

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/prismhq/prism/pkg/catalog"
	"github.com/prismhq/prism/pkg/errors"
	"github.com/prismhq/prism/pkg/query"
	"github.com/prismhq/prism/pkg/source/core"
)

// ldapTimeFormat is the generalized-time form directory servers index.
const ldapTimeFormat = "20060102150405.0Z"

// Compiler renders query definitions into directory filter expressions.
// The directory has no server-side sort or grouping, so order_by and
// group_by always become post-fetch fallback operations. Relative datetime
// operators (older_than/newer_than) are evaluated at execution time and
// also fall back, keeping compilation deterministic.
type Compiler struct{}

// NewCompiler creates a directory compiler.
func NewCompiler() core.Compiler { return &Compiler{} }

// Kind returns the source kind this compiler serves.
func (c *Compiler) Kind() core.Kind { return core.KindDirectory }

// Compile translates the definition into an LDAP filter expression plus
// the attribute projection, with fallback operations for everything the
// directory cannot do natively.
func (c *Compiler) Compile(def query.Definition, cat *catalog.FieldCatalog) (*core.NativeQuery, error) {
	nq := &core.NativeQuery{
		Kind:         core.KindDirectory,
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
		// Relative datetime comparisons resolve against execution time,
		// so they run post-fetch to keep compilation deterministic.
		if err := include(clause.Field); err != nil {
			return nil, err
		}
		nq.Fallback.Filters = append(nq.Fallback.Filters, clause)
		nq.Warnings = append(nq.Warnings, core.Warning{
			Code:    catalog.WarnOperatorFallback,
			Field:   clause.Field,
			Message: fmt.Sprintf("operator %q is applied after fetch; the directory cannot evaluate it natively", clause.Operator),
		})
	}

	switch len(native) {
	case 0:
		nq.Statement = "(objectClass=*)"
	case 1:
		nq.Statement = native[0]
	default:
		nq.Statement = "(&" + strings.Join(native, "") + ")"
	}

	if def.GroupBy != "" {
		if err := include(def.GroupBy); err != nil {
			return nil, err
		}
		nq.Fallback.GroupBy = def.GroupBy
		nq.Warnings = append(nq.Warnings, core.Warning{
			Code:    catalog.WarnGroupFallback,
			Field:   def.GroupBy,
			Message: "grouping is applied after fetch; the directory has no native grouping",
		})
	}
	if def.OrderBy != nil {
		if err := include(def.OrderBy.Field); err != nil {
			return nil, err
		}
		order := *def.OrderBy
		nq.Fallback.OrderBy = &order
		nq.Warnings = append(nq.Warnings, core.Warning{
			Code:    catalog.WarnSortFallback,
			Field:   def.OrderBy.Field,
			Message: "ordering is applied after fetch; the directory has no native sort",
		})
	}

	return nq, nil
}

// renderClause renders one filter clause into LDAP filter syntax.
// Returns supported=false for operators that must run post-fetch.
func renderClause(desc catalog.FieldDescriptor, clause query.FilterClause) (rendered string, supported bool, err error) {
	attr := desc.NativeName
	value := clause.Value

	switch clause.Operator {
	case catalog.OpEquals, catalog.OpNotEquals:
		literal, convErr := ldapLiteral(desc.Type, value)
		if convErr != nil {
			return "", false, convErr
		}
		expr := fmt.Sprintf("(%s=%s)", attr, literal)
		if clause.Operator == catalog.OpNotEquals {
			expr = "(!" + expr + ")"
		}
		return expr, true, nil

	case catalog.OpContains:
		if desc.Type == catalog.TypeArray {
			// Multi-valued attributes match per value, not substring.
			return fmt.Sprintf("(%s=%s)", attr, ldap.EscapeFilter(value)), true, nil
		}
		return fmt.Sprintf("(%s=*%s*)", attr, ldap.EscapeFilter(value)), true, nil

	case catalog.OpNotContains:
		return fmt.Sprintf("(!(%s=%s))", attr, ldap.EscapeFilter(value)), true, nil

	case catalog.OpStartsWith:
		return fmt.Sprintf("(%s=%s*)", attr, ldap.EscapeFilter(value)), true, nil

	case catalog.OpEndsWith:
		return fmt.Sprintf("(%s=*%s)", attr, ldap.EscapeFilter(value)), true, nil

	case catalog.OpIn:
		parts := strings.Split(value, ",")
		terms := make([]string, 0, len(parts))
		for _, part := range parts {
			literal, convErr := ldapLiteral(desc.Type, strings.TrimSpace(part))
			if convErr != nil {
				return "", false, convErr
			}
			terms = append(terms, fmt.Sprintf("(%s=%s)", attr, literal))
		}
		if len(terms) == 1 {
			return terms[0], true, nil
		}
		return "(|" + strings.Join(terms, "") + ")", true, nil

	case catalog.OpGreaterThan:
		return fmt.Sprintf("(&(%s>=%s)(!(%s=%s)))", attr, ldap.EscapeFilter(value), attr, ldap.EscapeFilter(value)), true, nil

	case catalog.OpLessThan:
		return fmt.Sprintf("(&(%s<=%s)(!(%s=%s)))", attr, ldap.EscapeFilter(value), attr, ldap.EscapeFilter(value)), true, nil

	case catalog.OpBefore, catalog.OpAfter:
		ts, convErr := ldapTime(value)
		if convErr != nil {
			return "", false, convErr
		}
		if clause.Operator == catalog.OpBefore {
			return fmt.Sprintf("(%s<=%s)", attr, ts), true, nil
		}
		return fmt.Sprintf("(%s>=%s)", attr, ts), true, nil

	case catalog.OpOlderThan, catalog.OpNewerThan:
		return "", false, nil

	case catalog.OpIsEmpty:
		return fmt.Sprintf("(!(%s=*))", attr), true, nil

	default:
		return "", false, errors.Newf(errors.ErrorTypeCompile,
			"operator %q has no directory rendering for field %q", clause.Operator, clause.Field)
	}
}

// ldapLiteral converts a clause value into the directory's literal form.
func ldapLiteral(t catalog.SemanticType, value string) (string, error) {
	switch t {
	case catalog.TypeBoolean:
		switch strings.ToLower(value) {
		case "true":
			return "TRUE", nil
		case "false":
			return "FALSE", nil
		default:
			return "", errors.Newf(errors.ErrorTypeCompile, "boolean filter value %q must be true or false", value)
		}
	case catalog.TypeDatetime:
		return ldapTime(value)
	default:
		return ldap.EscapeFilter(value), nil
	}
}

// ldapTime converts an RFC 3339 value into generalized time.
func ldapTime(value string) (string, error) {
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return "", errors.Newf(errors.ErrorTypeCompile, "datetime filter value %q is not RFC 3339", value)
	}
	return ts.UTC().Format(ldapTimeFormat), nil
}
