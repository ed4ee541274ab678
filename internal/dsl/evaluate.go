package dsl

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/portofcontext/vestige/internal/models"
)

// Score summarizes an evaluation: passed assertions out of total.
type Score struct {
	Passed  int     `json:"passed"`
	Total   int     `json:"total"`
	Percent float64 `json:"percent"`
}

// Result is the outcome of evaluating a compiled spec against a change set.
type Result struct {
	Passed   bool     `json:"passed"`
	Failures []string `json:"failures"`
	Score    Score    `json:"score"`
}

// Evaluate matches a compiled spec against a change set. Pure: the outcome
// depends only on the arguments. Assertion indices in failure messages are
// 1-based.
func Evaluate(spec *Spec, cs *models.ChangeSet) *Result {
	result := &Result{Failures: []string{}}
	failed := 0

	for i := range spec.Assertions {
		a := &spec.Assertions[i]
		var msgs []string
		switch a.DiffType {
		case DiffAdded:
			msgs = evalRows(a, i+1, cs.Inserts, "added")
		case DiffRemoved:
			msgs = evalRows(a, i+1, cs.Deletes, "removed")
		case DiffChanged:
			msgs = evalChanged(spec, a, i+1, cs.Updates)
		}
		if len(msgs) > 0 {
			failed++
			result.Failures = append(result.Failures, msgs...)
		}
	}

	total := len(spec.Assertions)
	result.Score = Score{
		Passed:  total - failed,
		Total:   total,
		Percent: 100,
	}
	if total > 0 {
		result.Score.Percent = float64(total-failed) / float64(total) * 100
	}
	result.Passed = failed == 0
	return result
}

// evalRows handles added and removed assertions: count rows of the entity
// that satisfy the where clause, check the count.
func evalRows(a *Assertion, n int, rows []models.Row, verb string) []string {
	count := 0
	for _, row := range rows {
		if tableOf(row) != a.Entity {
			continue
		}
		if matchWhere(a.Where, row) {
			count++
		}
	}
	if a.ExpectedCount.Contains(count) {
		return nil
	}
	return []string{fmt.Sprintf("assertion#%d %s %s %d rows, expected %s",
		n, a.Entity, verb, count, a.ExpectedCount)}
}

// evalChanged handles changed assertions. An update entry qualifies when the
// where clause matches its before or after image. In strict mode a
// qualifying entry whose changed columns exceed expected_changes fails the
// assertion outright.
func evalChanged(spec *Spec, a *Assertion, n int, updates []models.RowUpdate) []string {
	ignored := spec.ignoredColumns(a)
	expectedCols := sortedKeys(a.ExpectedChanges)

	count := 0
	var violations []string
	for _, upd := range updates {
		if upd.Table != a.Entity {
			continue
		}
		if !matchWhere(a.Where, upd.Before) && !matchWhere(a.Where, upd.After) {
			continue
		}

		changed := upd.ChangedColumns(ignored)
		sort.Strings(changed)
		if spec.Strict && len(a.ExpectedChanges) > 0 && !subsetOf(changed, a.ExpectedChanges) {
			violations = append(violations, fmt.Sprintf(
				"assertion#%d %s changed fields [%s] not subset of expected [%s]",
				n, a.Entity, strings.Join(changed, ","), strings.Join(expectedCols, ",")))
			continue
		}

		if changesSatisfied(a, changed, upd) {
			count++
		}
	}

	if len(violations) > 0 {
		return violations
	}
	if a.ExpectedCount.Contains(count) {
		return nil
	}
	return []string{fmt.Sprintf("assertion#%d %s changed %d rows, expected %s",
		n, a.Entity, count, a.ExpectedCount)}
}

// changesSatisfied checks that every expected column actually changed and
// that its from/to predicates hold against the old and new values.
func changesSatisfied(a *Assertion, changed []string, upd models.RowUpdate) bool {
	for col, fc := range a.ExpectedChanges {
		if !containsString(changed, col) {
			return false
		}
		if fc.From != nil {
			v, present := upd.Before[col]
			if !matchPredicate(fc.From, v, present) {
				return false
			}
		}
		if fc.To != nil {
			v, present := upd.After[col]
			if !matchPredicate(fc.To, v, present) {
				return false
			}
		}
	}
	return true
}

// matchWhere evaluates every clause of a where filter. An empty filter
// matches everything.
func matchWhere(where map[string]Predicate, row map[string]interface{}) bool {
	for path, p := range where {
		v, present := resolvePath(row, path)
		if !matchPredicate(p, v, present) {
			return false
		}
	}
	return true
}

// resolvePath finds a field by column name or dotted path. Dotted paths
// descend into JSON column values, decoding JSON text on the way down when
// the value arrived as a string.
func resolvePath(row map[string]interface{}, path string) (interface{}, bool) {
	if v, ok := row[path]; ok {
		return v, true
	}
	if !strings.Contains(path, ".") {
		return nil, false
	}

	var current interface{} = row
	for _, seg := range strings.Split(path, ".") {
		m, ok := asObject(current)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func asObject(v interface{}) (map[string]interface{}, bool) {
	switch obj := v.(type) {
	case map[string]interface{}:
		return obj, true
	case models.Row:
		return obj, true
	case string:
		if !looksLikeJSON(obj) {
			return nil, false
		}
		var decoded map[string]interface{}
		if err := json.Unmarshal([]byte(obj), &decoded); err != nil {
			return nil, false
		}
		return decoded, true
	default:
		return nil, false
	}
}

func subsetOf(cols []string, allowed map[string]FieldChange) bool {
	for _, col := range cols {
		if _, ok := allowed[col]; !ok {
			return false
		}
	}
	return true
}

func tableOf(row models.Row) string {
	name, _ := row[models.TableKey].(string)
	return name
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]FieldChange) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
