package dsl

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValuesEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b interface{}
		want bool
	}{
		{name: "strings", a: "x", b: "x", want: true},
		{name: "strings differ", a: "x", b: "y", want: false},
		{name: "float vs float", a: float64(5), b: float64(5), want: true},
		{name: "int vs float", a: int64(5), b: float64(5), want: true},
		{name: "bools", a: true, b: true, want: true},
		{name: "nils", a: nil, b: nil, want: true},
		{name: "nil vs value", a: nil, b: "x", want: false},
		{name: "string vs number", a: "5", b: float64(5), want: false},
		{
			name: "same instant different formats",
			a:    "2026-01-02T03:04:05+00:00", // to_jsonb form
			b:    "2026-01-02 03:04:05+00",    // wal2json form
			want: true,
		},
		{
			name: "different instants",
			a:    "2026-01-02T03:04:05Z",
			b:    "2026-01-02 03:04:06+00",
			want: false,
		},
		{
			name: "decoded map vs json text",
			a:    map[string]interface{}{"a": float64(1), "b": "x"},
			b:    `{"a": 1, "b": "x"}`,
			want: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, valuesEqual(tc.a, tc.b))
			assert.Equal(t, tc.want, valuesEqual(tc.b, tc.a), "must be symmetric")
		})
	}
}

func TestMatchOpStrings(t *testing.T) {
	tests := []struct {
		op       string
		expected interface{}
		actual   interface{}
		want     bool
	}{
		{"contains", "team", "Hello team!", true},
		{"contains", "absent", "Hello team!", false},
		{"not_contains", "absent", "Hello team!", true},
		{"i_contains", "HELLO", "Hello team!", true},
		{"starts_with", "Hello", "Hello team!", true},
		{"starts_with", "team", "Hello team!", false},
		{"ends_with", "!", "Hello team!", true},
		{"i_starts_with", "hello", "Hello team!", true},
		{"i_ends_with", "TEAM!", "Hello team!", true},
	}
	for _, tc := range tests {
		t.Run(tc.op, func(t *testing.T) {
			assert.Equal(t, tc.want, matchOp(tc.op, tc.expected, tc.actual, true),
				"%s(%v, %v)", tc.op, tc.expected, tc.actual)
		})
	}
}

func TestMatchOpContainsSerializesJSON(t *testing.T) {
	// JSONB values match against their compact serialization, whether they
	// arrive decoded or as text.
	actual := map[string]interface{}{"labels": []interface{}{"bug", "p1"}}
	assert.True(t, matchOp("contains", `"bug"`, actual, true))
	assert.True(t, matchOp("contains", `["bug","p1"]`, actual, true))
	assert.True(t, matchOp("contains", `"bug"`, `{"labels": ["bug", "p1"]}`, true))
	assert.False(t, matchOp("contains", `"feature"`, actual, true))
}

func TestMatchOpComparisons(t *testing.T) {
	assert.True(t, matchOp("gt", float64(10), float64(11), true))
	assert.False(t, matchOp("gt", float64(10), float64(10), true))
	assert.True(t, matchOp("gte", float64(10), float64(10), true))
	assert.True(t, matchOp("lt", float64(10), float64(9), true))
	assert.True(t, matchOp("lte", float64(10), float64(10), true))

	// Numbers against non-numbers never match.
	assert.False(t, matchOp("gt", float64(10), "abc", true))

	// Temporal ordering across format families.
	assert.True(t, matchOp("gt", "2026-01-01T00:00:00Z", "2026-01-02 00:00:00+00", true))
	assert.True(t, matchOp("lt", "2026-01-02T00:00:00Z", "2026-01-01 00:00:00+00", true))

	// Plain strings order lexicographically.
	assert.True(t, matchOp("lt", "b", "a", true))
}

func TestMatchOpMembership(t *testing.T) {
	set := []interface{}{"C1", "C2", float64(3)}
	assert.True(t, matchOp("in", set, "C1", true))
	assert.True(t, matchOp("in", set, int64(3), true))
	assert.False(t, matchOp("in", set, "C9", true))
	assert.True(t, matchOp("not_in", set, "C9", true))
	assert.False(t, matchOp("not_in", set, "C2", true))
}

func TestMatchOpExists(t *testing.T) {
	assert.True(t, matchOp("exists", true, "v", true))
	assert.False(t, matchOp("exists", true, nil, true), "null value does not exist")
	assert.False(t, matchOp("exists", true, nil, false))
	assert.True(t, matchOp("exists", false, nil, false))
	assert.True(t, matchOp("exists", false, nil, true))
}

func TestMatchOpAbsentFieldFailsEverythingButExists(t *testing.T) {
	for _, op := range []string{"eq", "ne", "in", "not_in", "contains", "not_contains", "gt", "regex"} {
		assert.False(t, matchOp(op, "x", nil, false), "op %s", op)
	}
}

func TestMatchOpSequences(t *testing.T) {
	tags := []interface{}{"alpha", "beta"}
	assert.True(t, matchOp("has_any", []interface{}{"beta", "gamma"}, tags, true))
	assert.False(t, matchOp("has_any", []interface{}{"gamma"}, tags, true))
	assert.True(t, matchOp("has_all", []interface{}{"alpha", "beta"}, tags, true))
	assert.False(t, matchOp("has_all", []interface{}{"alpha", "gamma"}, tags, true))

	// JSON array text from the journal.
	assert.True(t, matchOp("has_any", []interface{}{"beta"}, `["alpha", "beta"]`, true))

	// Postgres array literal from a text[] column.
	assert.True(t, matchOp("has_all", []interface{}{"alpha", "beta"}, `{alpha,beta}`, true))
	assert.True(t, matchOp("has_any", []interface{}{float64(5)}, `{1,5,9}`, true))
}

func TestParseArrayLiteral(t *testing.T) {
	assert.Equal(t,
		[]interface{}{"a", "b c", nil, float64(5)},
		parseArrayLiteral(`{a,"b c",NULL,5}`))
	assert.Empty(t, parseArrayLiteral(`{}`))
	assert.Equal(t, []interface{}{"with \"quote\""}, parseArrayLiteral(`{"with \"quote\""}`))
}

func TestMatchPredicateIsConjunction(t *testing.T) {
	p := Predicate{"starts_with": "Hello", "contains": "team"}
	assert.True(t, matchPredicate(p, "Hello team!", true))
	assert.False(t, matchPredicate(p, "Hello world!", true))
	assert.True(t, matchPredicate(Predicate{}, "anything", true), "empty predicate matches")
}

func TestStringifyCompactsJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stringify(map[string]interface{}{"a": float64(1)}))
	assert.Equal(t, `{"a":1}`, stringify(`{"a": 1}`), "json text renormalizes compact")
	assert.Equal(t, "plain", stringify("plain"))
	assert.Equal(t, "5", stringify(float64(5)))
	assert.Equal(t, "5.5", stringify(float64(5.5)))
	assert.Equal(t, "true", stringify(true))
	assert.Equal(t, "null", stringify(nil))
}

func TestCountRange(t *testing.T) {
	assert.True(t, AtLeastOne().Contains(1))
	assert.True(t, AtLeastOne().Contains(12))
	assert.False(t, AtLeastOne().Contains(0))

	r := CountRange{Min: 2, Max: 5}
	assert.False(t, r.Contains(1))
	assert.True(t, r.Contains(2))
	assert.True(t, r.Contains(5))
	assert.False(t, r.Contains(6))

	assert.Equal(t, "exactly 1", Exactly(1).String())
	assert.Equal(t, "at least 1", AtLeastOne().String())
	assert.Equal(t, "between 2 and 5", r.String())
	assert.Equal(t, "at most 4", CountRange{Min: 0, Max: 4}.String())
}
