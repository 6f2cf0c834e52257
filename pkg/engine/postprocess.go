package engine

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prismhq/prism/pkg/catalog"
	"github.com/prismhq/prism/pkg/errors"
	"github.com/prismhq/prism/pkg/query"
	"github.com/prismhq/prism/pkg/source/core"
)

// applyFallback runs the post-fetch operations a backend could not perform
// natively, in a fixed order: filter, group, sort. now anchors relative
// datetime comparisons for the whole execution.
func applyFallback(rows []core.Row, nq *core.NativeQuery, now time.Time) ([]core.Row, error) {
	var err error
	for _, clause := range nq.Fallback.Filters {
		rows, err = filterRows(rows, clause, nq.FieldTypes[clause.Field], now)
		if err != nil {
			return nil, err
		}
	}
	if nq.Fallback.GroupBy != "" {
		rows = groupRows(rows, nq.Fallback.GroupBy)
	}
	if nq.Fallback.OrderBy != nil {
		sortRows(rows, *nq.Fallback.OrderBy, nq.FieldTypes[nq.Fallback.OrderBy.Field])
	}
	return rows, nil
}

// projectRows strips fields fetched only for fallback evaluation so rows
// carry exactly the selected projection.
func projectRows(rows []core.Row, projection []string) []core.Row {
	for i, row := range rows {
		out := make(core.Row, len(projection))
		for _, name := range projection {
			if v, ok := row[name]; ok {
				out[name] = v
			}
		}
		rows[i] = out
	}
	return rows
}

// paginate slices one 1-based page window out of the row set.
func paginate(rows []core.Row, page, pageSize int) []core.Row {
	start := (page - 1) * pageSize
	if start >= len(rows) {
		return nil
	}
	end := start + pageSize
	if end > len(rows) {
		end = len(rows)
	}
	return rows[start:end]
}

// filterRows keeps the rows matching one clause.
func filterRows(rows []core.Row, clause query.FilterClause, t catalog.SemanticType, now time.Time) ([]core.Row, error) {
	out := rows[:0]
	for _, row := range rows {
		match, err := evalClause(row, clause, t, now)
		if err != nil {
			return nil, err
		}
		if match {
			out = append(out, row)
		}
	}
	return out, nil
}

// evalClause evaluates one filter clause against a row.
func evalClause(row core.Row, clause query.FilterClause, t catalog.SemanticType, now time.Time) (bool, error) {
	value, present := row[clause.Field]

	switch clause.Operator {
	case catalog.OpIsEmpty:
		return !present || isEmptyValue(value), nil

	case catalog.OpEquals:
		return present && asString(value) == clause.Value, nil

	case catalog.OpNotEquals:
		return !present || asString(value) != clause.Value, nil

	case catalog.OpContains:
		if !present {
			return false, nil
		}
		if t == catalog.TypeArray {
			return containsString(asStrings(value), clause.Value), nil
		}
		return strings.Contains(asString(value), clause.Value), nil

	case catalog.OpNotContains:
		if !present {
			return true, nil
		}
		return !containsString(asStrings(value), clause.Value), nil

	case catalog.OpStartsWith:
		return present && strings.HasPrefix(asString(value), clause.Value), nil

	case catalog.OpEndsWith:
		return present && strings.HasSuffix(asString(value), clause.Value), nil

	case catalog.OpIn:
		if !present {
			return false, nil
		}
		have := asString(value)
		for _, want := range strings.Split(clause.Value, ",") {
			if strings.TrimSpace(want) == have {
				return true, nil
			}
		}
		return false, nil

	case catalog.OpGreaterThan, catalog.OpLessThan:
		if !present {
			return false, nil
		}
		have, ok := asInt64(value)
		if !ok {
			return false, nil
		}
		want, err := strconv.ParseInt(strings.TrimSpace(clause.Value), 10, 64)
		if err != nil {
			return false, errors.Newf(errors.ErrorTypeQuery, "integer filter value %q is not a number", clause.Value)
		}
		if clause.Operator == catalog.OpGreaterThan {
			return have > want, nil
		}
		return have < want, nil

	case catalog.OpBefore, catalog.OpAfter:
		if !present {
			return false, nil
		}
		have, ok := asTime(value)
		if !ok {
			return false, nil
		}
		want, err := time.Parse(time.RFC3339, clause.Value)
		if err != nil {
			return false, errors.Newf(errors.ErrorTypeQuery, "datetime filter value %q is not RFC 3339", clause.Value)
		}
		if clause.Operator == catalog.OpBefore {
			return have.Before(want), nil
		}
		return have.After(want), nil

	case catalog.OpOlderThan, catalog.OpNewerThan:
		if !present {
			return false, nil
		}
		have, ok := asTime(value)
		if !ok {
			return false, nil
		}
		age, err := parseRelative(clause.Value)
		if err != nil {
			return false, err
		}
		cutoff := now.Add(-age)
		if clause.Operator == catalog.OpOlderThan {
			return have.Before(cutoff), nil
		}
		return !have.Before(cutoff), nil

	default:
		return false, errors.Newf(errors.ErrorTypeQuery, "operator %q has no post-fetch evaluation", clause.Operator)
	}
}

// groupRows collapses rows into one row per distinct value of the group
// field, carrying the value and a count. Groups come out ordered by first
// appearance; an order_by fallback re-sorts afterwards.
func groupRows(rows []core.Row, field string) []core.Row {
	counts := make(map[string]int64)
	var order []string
	for _, row := range rows {
		key := ""
		if v, ok := row[field]; ok {
			key = asString(v)
		}
		if _, seen := counts[key]; !seen {
			order = append(order, key)
		}
		counts[key]++
	}

	out := make([]core.Row, 0, len(order))
	for _, key := range order {
		out = append(out, core.Row{field: key, "count": counts[key]})
	}
	return out
}

// sortRows orders rows by one field with type-aware comparison. Rows
// missing the field sort last regardless of direction.
func sortRows(rows []core.Row, order query.Order, t catalog.SemanticType) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, aOK := rows[i][order.Field]
		b, bOK := rows[j][order.Field]
		if !aOK || !bOK {
			return aOK
		}
		less := compareValues(a, b, t)
		if order.Descending {
			return compareValues(b, a, t)
		}
		return less
	})
}

// compareValues reports a < b per the semantic type.
func compareValues(a, b interface{}, t catalog.SemanticType) bool {
	switch t {
	case catalog.TypeInteger:
		ai, aOK := asInt64(a)
		bi, bOK := asInt64(b)
		if aOK && bOK {
			return ai < bi
		}
	case catalog.TypeDatetime:
		at, aOK := asTime(a)
		bt, bOK := asTime(b)
		if aOK && bOK {
			return at.Before(bt)
		}
	case catalog.TypeBoolean:
		ab, _ := a.(bool)
		bb, _ := b.(bool)
		return !ab && bb
	}
	return asString(a) < asString(b)
}

// parseRelative parses a relative age like "90d", "12h" or "30m" into a
// duration. Days and weeks are added on top of time.ParseDuration units.
func parseRelative(value string) (time.Duration, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, errors.New(errors.ErrorTypeQuery, "relative datetime value is empty")
	}

	unit := v[len(v)-1]
	if unit == 'd' || unit == 'w' {
		n, err := strconv.ParseFloat(v[:len(v)-1], 64)
		if err != nil {
			return 0, errors.Newf(errors.ErrorTypeQuery, "relative datetime value %q is not valid", value)
		}
		if unit == 'd' {
			return time.Duration(n * 24 * float64(time.Hour)), nil
		}
		return time.Duration(n * 7 * 24 * float64(time.Hour)), nil
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Newf(errors.ErrorTypeQuery, "relative datetime value %q is not valid", value)
	}
	return d, nil
}

func isEmptyValue(v interface{}) bool {
	switch tv := v.(type) {
	case nil:
		return true
	case string:
		return tv == ""
	case []string:
		return len(tv) == 0
	case []interface{}:
		return len(tv) == 0
	default:
		return false
	}
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func asString(v interface{}) string {
	switch tv := v.(type) {
	case string:
		return tv
	case bool:
		if tv {
			return "true"
		}
		return "false"
	case int64:
		return strconv.FormatInt(tv, 10)
	case int:
		return strconv.Itoa(tv)
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64)
	case time.Time:
		return tv.UTC().Format(time.RFC3339)
	case []string:
		return strings.Join(tv, ",")
	default:
		return ""
	}
}

func asInt64(v interface{}) (int64, bool) {
	switch tv := v.(type) {
	case int64:
		return tv, true
	case int:
		return int64(tv), true
	case float64:
		return int64(tv), true
	case string:
		n, err := strconv.ParseInt(tv, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func asTime(v interface{}) (time.Time, bool) {
	switch tv := v.(type) {
	case time.Time:
		return tv, true
	case string:
		ts, err := time.Parse(time.RFC3339, tv)
		return ts, err == nil
	default:
		return time.Time{}, false
	}
}

func asStrings(v interface{}) []string {
	switch tv := v.(type) {
	case []string:
		return tv
	case []interface{}:
		out := make([]string, 0, len(tv))
		for _, item := range tv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{tv}
	default:
		return nil
	}
}
