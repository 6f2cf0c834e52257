package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prismhq/prism/pkg/catalog"
	"github.com/prismhq/prism/pkg/query"
	"github.com/prismhq/prism/pkg/source/core"
)

func TestFilterRowsRelativeDatetime(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	rows := []core.Row{
		{"name": "stale", "lastLogon": now.Add(-100 * 24 * time.Hour)},
		{"name": "fresh", "lastLogon": now.Add(-10 * 24 * time.Hour)},
		{"name": "never"},
	}

	clause := query.FilterClause{Field: "lastLogon", Operator: catalog.OpOlderThan, Value: "90d"}
	out, err := filterRows(append([]core.Row(nil), rows...), clause, catalog.TypeDatetime, now)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "stale", out[0]["name"])

	clause.Operator = catalog.OpNewerThan
	out, err = filterRows(append([]core.Row(nil), rows...), clause, catalog.TypeDatetime, now)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "fresh", out[0]["name"])
}

func TestFilterRowsEndsWith(t *testing.T) {
	rows := []core.Row{
		{"mail": "a@corp.example"},
		{"mail": "b@other.example"},
	}
	clause := query.FilterClause{Field: "mail", Operator: catalog.OpEndsWith, Value: "@corp.example"}
	out, err := filterRows(rows, clause, catalog.TypeString, time.Now())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "a@corp.example", out[0]["mail"])
}

func TestFilterRowsArrayMembership(t *testing.T) {
	rows := []core.Row{
		{"name": "admin", "memberOf": []string{"Admins", "Users"}},
		{"name": "plain", "memberOf": []string{"Users"}},
		{"name": "none"},
	}

	clause := query.FilterClause{Field: "memberOf", Operator: catalog.OpContains, Value: "Admins"}
	out, err := filterRows(append([]core.Row(nil), rows...), clause, catalog.TypeArray, time.Now())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "admin", out[0]["name"])

	clause = query.FilterClause{Field: "memberOf", Operator: catalog.OpIsEmpty}
	out, err = filterRows(append([]core.Row(nil), rows...), clause, catalog.TypeArray, time.Now())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "none", out[0]["name"])
}

func TestGroupRowsCounts(t *testing.T) {
	rows := []core.Row{
		{"department": "Engineering"},
		{"department": "Sales"},
		{"department": "Engineering"},
		{},
	}

	out := groupRows(rows, "department")
	require.Len(t, out, 3)
	assert.Equal(t, "Engineering", out[0]["department"])
	assert.Equal(t, int64(2), out[0]["count"])
	assert.Equal(t, "Sales", out[1]["department"])
	assert.Equal(t, int64(1), out[1]["count"])
	assert.Equal(t, "", out[2]["department"])
}

func TestSortRowsTyped(t *testing.T) {
	rows := []core.Row{
		{"n": int64(10)},
		{"n": int64(2)},
		{},
		{"n": int64(7)},
	}

	sortRows(rows, query.Order{Field: "n"}, catalog.TypeInteger)
	assert.Equal(t, int64(2), rows[0]["n"])
	assert.Equal(t, int64(7), rows[1]["n"])
	assert.Equal(t, int64(10), rows[2]["n"])
	_, present := rows[3]["n"]
	assert.False(t, present, "rows without the field sort last")

	sortRows(rows, query.Order{Field: "n", Descending: true}, catalog.TypeInteger)
	assert.Equal(t, int64(10), rows[0]["n"])
}

func TestPaginateWindows(t *testing.T) {
	rows := userRows(45)

	assert.Len(t, paginate(rows, 1, 20), 20)
	assert.Len(t, paginate(rows, 3, 20), 5)
	assert.Nil(t, paginate(rows, 4, 20))
}

func TestParseRelative(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"90d", 90 * 24 * time.Hour},
		{"2w", 14 * 24 * time.Hour},
		{"12h", 12 * time.Hour},
		{"30m", 30 * time.Minute},
	}
	for _, tt := range tests {
		got, err := parseRelative(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := parseRelative("ninety days")
	require.Error(t, err)
	_, err = parseRelative("")
	require.Error(t, err)
}

func TestApplyFallbackOrder(t *testing.T) {
	now := time.Now().UTC()
	nq := &core.NativeQuery{
		FieldTypes: map[string]catalog.SemanticType{
			"department": catalog.TypeString,
			"enabled":    catalog.TypeBoolean,
		},
		Fallback: core.Fallback{
			Filters: []query.FilterClause{
				{Field: "enabled", Operator: catalog.OpEquals, Value: "true"},
			},
			GroupBy: "department",
			OrderBy: &query.Order{Field: "count", Descending: true},
		},
	}

	rows := []core.Row{
		{"department": "Sales", "enabled": true},
		{"department": "Engineering", "enabled": true},
		{"department": "Engineering", "enabled": true},
		{"department": "Engineering", "enabled": false},
	}

	out, err := applyFallback(rows, nq, now)
	require.NoError(t, err)
	require.Len(t, out, 2)
	// filtered first, then grouped, then sorted by count
	assert.Equal(t, "Engineering", out[0]["department"])
	assert.Equal(t, int64(2), out[0]["count"])
}
