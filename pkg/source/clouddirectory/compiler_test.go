package clouddirectory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prismhq/prism/pkg/catalog"
	"github.com/prismhq/prism/pkg/errors"
	"github.com/prismhq/prism/pkg/query"
	"github.com/prismhq/prism/pkg/source/core"
)

func testCatalog(t *testing.T) *catalog.FieldCatalog {
	t.Helper()
	return catalog.NewFieldCatalog("clouddirectory", "cred-1", 1, knownFields, nil)
}

func TestCompileFilterExpression(t *testing.T) {
	tests := []struct {
		name   string
		clause query.FilterClause
		want   string
	}{
		{
			name:   "equals quotes strings",
			clause: query.FilterClause{Field: "department", Operator: catalog.OpEquals, Value: "Engineering"},
			want:   "department eq 'Engineering'",
		},
		{
			name:   "equals on boolean is unquoted",
			clause: query.FilterClause{Field: "enabled", Operator: catalog.OpEquals, Value: "true"},
			want:   "accountEnabled eq true",
		},
		{
			name:   "single quotes are doubled",
			clause: query.FilterClause{Field: "displayName", Operator: catalog.OpEquals, Value: "O'Brien"},
			want:   "displayName eq 'O''Brien'",
		},
		{
			name:   "contains on string",
			clause: query.FilterClause{Field: "mail", Operator: catalog.OpContains, Value: "smith"},
			want:   "contains(mail, 'smith')",
		},
		{
			name:   "contains on array uses any",
			clause: query.FilterClause{Field: "memberOf", Operator: catalog.OpContains, Value: "Admins"},
			want:   "memberOf/any(x: x eq 'Admins')",
		},
		{
			name:   "starts_with",
			clause: query.FilterClause{Field: "principalName", Operator: catalog.OpStartsWith, Value: "adm"},
			want:   "startsWith(userPrincipalName, 'adm')",
		},
		{
			name:   "in renders literal list",
			clause: query.FilterClause{Field: "department", Operator: catalog.OpIn, Value: "Sales, Marketing"},
			want:   "department in ('Sales', 'Marketing')",
		},
		{
			name:   "before normalizes to UTC",
			clause: query.FilterClause{Field: "created", Operator: catalog.OpBefore, Value: "2024-03-01T02:00:00+02:00"},
			want:   "createdDateTime lt 2024-03-01T00:00:00Z",
		},
		{
			name:   "is_empty on array",
			clause: query.FilterClause{Field: "memberOf", Operator: catalog.OpIsEmpty, Value: ""},
			want:   "not memberOf/any()",
		},
		{
			name:   "reference compares by id",
			clause: query.FilterClause{Field: "manager", Operator: catalog.OpEquals, Value: "a1b2c3"},
			want:   "manager/id eq 'a1b2c3'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCompiler()
			def := query.Definition{
				Source:  "clouddirectory",
				Fields:  []string{"id"},
				Filters: []query.FilterClause{tt.clause},
				Page:    query.Pagination{Page: 1, PageSize: 50},
			}
			nq, err := c.Compile(def, testCatalog(t))
			require.NoError(t, err)
			assert.Equal(t, tt.want, nq.Statement)
		})
	}
}

func TestCompileJoinsClausesWithAnd(t *testing.T) {
	c := NewCompiler()
	def := query.Definition{
		Source: "clouddirectory",
		Fields: []string{"id", "displayName"},
		Filters: []query.FilterClause{
			{Field: "enabled", Operator: catalog.OpEquals, Value: "true"},
			{Field: "country", Operator: catalog.OpEquals, Value: "DE"},
		},
		Page: query.Pagination{Page: 1, PageSize: 50},
	}

	nq, err := c.Compile(def, testCatalog(t))
	require.NoError(t, err)
	assert.Equal(t, "accountEnabled eq true and country eq 'DE'", nq.Statement)
	assert.Equal(t, []string{"id", "displayName"}, nq.Attributes)
}

func TestCompileNativeOrdering(t *testing.T) {
	c := NewCompiler()
	def := query.Definition{
		Source:  "clouddirectory",
		Fields:  []string{"id"},
		OrderBy: &query.Order{Field: "displayName", Descending: true},
		Page:    query.Pagination{Page: 1, PageSize: 50},
	}

	nq, err := c.Compile(def, testCatalog(t))
	require.NoError(t, err)

	assert.Equal(t, "displayName desc", nq.Params["$orderby"])
	assert.Nil(t, nq.Fallback.OrderBy)
	assert.Empty(t, nq.Warnings)
}

func TestCompileEndsWithFallsBack(t *testing.T) {
	c := NewCompiler()
	def := query.Definition{
		Source: "clouddirectory",
		Fields: []string{"id"},
		Filters: []query.FilterClause{
			{Field: "mail", Operator: catalog.OpEndsWith, Value: "@corp.example"},
		},
		Page: query.Pagination{Page: 1, PageSize: 50},
	}

	nq, err := c.Compile(def, testCatalog(t))
	require.NoError(t, err)

	assert.Empty(t, nq.Statement)
	require.Len(t, nq.Fallback.Filters, 1)
	assert.Equal(t, catalog.OpEndsWith, nq.Fallback.Filters[0].Operator)
	assert.Contains(t, nq.Attributes, "mail")
	// mail is fetched for the fallback filter but stays out of the projection
	assert.Equal(t, []string{"id"}, nq.Projection)
	require.Len(t, nq.Warnings, 1)
	assert.Equal(t, catalog.WarnOperatorFallback, nq.Warnings[0].Code)
}

func TestCompileRejectsNonNumericIntegerValues(t *testing.T) {
	fields := append([]catalog.FieldDescriptor(nil), knownFields...)
	fields = append(fields, catalog.FieldDescriptor{
		Name:       "failedLogins",
		NativeName: "signInActivityCount",
		Type:       catalog.TypeInteger,
		Category:   "activity",
	})
	cat := catalog.NewFieldCatalog("clouddirectory", "cred-1", 1, fields, nil)
	c := NewCompiler()

	compile := func(value string) (*core.NativeQuery, error) {
		return c.Compile(query.Definition{
			Source: "clouddirectory",
			Fields: []string{"id"},
			Filters: []query.FilterClause{
				{Field: "failedLogins", Operator: catalog.OpGreaterThan, Value: value},
			},
			Page: query.Pagination{Page: 1, PageSize: 50},
		}, cat)
	}

	// integers render unquoted, so anything non-numeric would rewrite the
	// filter expression
	for _, value := range []string{
		"0 or startswith(displayName,'a')",
		"ten",
		"1)-",
	} {
		_, err := compile(value)
		require.Error(t, err, "value %q must not reach the filter", value)
		assert.True(t, errors.IsType(err, errors.ErrorTypeCompile))
	}

	nq, err := compile("5")
	require.NoError(t, err)
	assert.Equal(t, "signInActivityCount gt 5", nq.Statement)
}

func TestCompileGroupByFallsBack(t *testing.T) {
	c := NewCompiler()
	def := query.Definition{
		Source:  "clouddirectory",
		Fields:  []string{"id"},
		GroupBy: "department",
		Page:    query.Pagination{Page: 1, PageSize: 50},
	}

	nq, err := c.Compile(def, testCatalog(t))
	require.NoError(t, err)

	assert.Equal(t, "department", nq.Fallback.GroupBy)
	require.Len(t, nq.Warnings, 1)
	assert.Equal(t, catalog.WarnGroupFallback, nq.Warnings[0].Code)
}

func TestCompileDeterministic(t *testing.T) {
	c := NewCompiler()
	def := query.Definition{
		Source: "clouddirectory",
		Fields: []string{"id", "mail", "department"},
		Filters: []query.FilterClause{
			{Field: "enabled", Operator: catalog.OpEquals, Value: "true"},
			{Field: "created", Operator: catalog.OpNewerThan, Value: "7d"},
		},
		OrderBy: &query.Order{Field: "mail"},
		Page:    query.Pagination{Page: 1, PageSize: 100},
	}

	cat := testCatalog(t)
	first, err := c.Compile(def, cat)
	require.NoError(t, err)
	second, err := c.Compile(def, cat)
	require.NoError(t, err)

	assert.Equal(t, first.Canonical(), second.Canonical())
}
