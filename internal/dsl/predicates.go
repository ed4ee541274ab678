package dsl

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	dps "github.com/markusmobius/go-dateparser"
)

// matchPredicate evaluates an AND-composed predicate against a resolved
// value. present reports whether the field resolved at all; only the exists
// operator can match an absent field.
func matchPredicate(p Predicate, actual interface{}, present bool) bool {
	for op, expected := range p {
		if !matchOp(op, expected, actual, present) {
			return false
		}
	}
	return true
}

func matchOp(op string, expected, actual interface{}, present bool) bool {
	if op == "exists" {
		want, _ := expected.(bool)
		return want == (present && actual != nil)
	}
	if !present {
		return false
	}

	switch op {
	case "eq":
		return valuesEqual(actual, expected)
	case "ne":
		return !valuesEqual(actual, expected)
	case "in":
		return memberOf(expected, actual)
	case "not_in":
		return !memberOf(expected, actual)
	case "contains":
		return strings.Contains(stringify(actual), stringify(expected))
	case "not_contains":
		return !strings.Contains(stringify(actual), stringify(expected))
	case "i_contains":
		return strings.Contains(strings.ToLower(stringify(actual)), strings.ToLower(stringify(expected)))
	case "starts_with":
		return strings.HasPrefix(stringify(actual), stringify(expected))
	case "ends_with":
		return strings.HasSuffix(stringify(actual), stringify(expected))
	case "i_starts_with":
		return strings.HasPrefix(strings.ToLower(stringify(actual)), strings.ToLower(stringify(expected)))
	case "i_ends_with":
		return strings.HasSuffix(strings.ToLower(stringify(actual)), strings.ToLower(stringify(expected)))
	case "regex":
		re := compiledRegex(expected)
		return re != nil && re.MatchString(stringify(actual))
	case "gt":
		cmp, ok := compareValues(actual, expected)
		return ok && cmp > 0
	case "gte":
		cmp, ok := compareValues(actual, expected)
		return ok && cmp >= 0
	case "lt":
		cmp, ok := compareValues(actual, expected)
		return ok && cmp < 0
	case "lte":
		cmp, ok := compareValues(actual, expected)
		return ok && cmp <= 0
	case "has_any":
		members, _ := expected.([]interface{})
		seq, ok := sequenceOf(actual)
		if !ok {
			return false
		}
		for _, m := range members {
			if containsValue(seq, m) {
				return true
			}
		}
		return false
	case "has_all":
		members, _ := expected.([]interface{})
		seq, ok := sequenceOf(actual)
		if !ok {
			return false
		}
		for _, m := range members {
			if !containsValue(seq, m) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func memberOf(expected, actual interface{}) bool {
	members, _ := expected.([]interface{})
	return containsValue(members, actual)
}

func containsValue(seq []interface{}, v interface{}) bool {
	for _, member := range seq {
		if valuesEqual(v, member) {
			return true
		}
	}
	return false
}

// valuesEqual compares a change-set value with an expected value. Numbers
// compare as float64, temporal strings as instants, and composite values by
// compact-JSON form.
func valuesEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if na, ok := numeric(a); ok {
		nb, ok := numeric(b)
		return ok && na == nb
	}
	if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ba == bb
	}
	sa, aIsString := a.(string)
	sb, bIsString := b.(string)
	if aIsString && bIsString {
		if sa == sb {
			return true
		}
		if ta, tb, ok := timePair(sa, sb); ok {
			return ta.Equal(tb)
		}
		return false
	}
	// Composite on at least one side: compare canonical JSON text. This also
	// unifies JSON column values that arrive as decoded maps (snapshot diff)
	// with the same values arriving as JSON text (journal capture).
	if isComposite(a) || isComposite(b) {
		return stringify(a) == stringify(b)
	}
	return false
}

func isComposite(v interface{}) bool {
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		return true
	default:
		return false
	}
}

// compareValues orders two values for gt/gte/lt/lte: numerically when both
// are numbers, as instants when both are temporal, lexicographically when
// both are strings.
func compareValues(actual, expected interface{}) (int, bool) {
	if na, ok := numeric(actual); ok {
		if nb, ok := numeric(expected); ok {
			switch {
			case na < nb:
				return -1, true
			case na > nb:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}
	sa, aIsString := actual.(string)
	sb, bIsString := expected.(string)
	if !aIsString || !bIsString {
		return 0, false
	}
	if ta, tb, ok := timePair(sa, sb); ok {
		switch {
		case ta.Before(tb):
			return -1, true
		case ta.After(tb):
			return 1, true
		default:
			return 0, true
		}
	}
	return strings.Compare(sa, sb), true
}

// numeric converts any JSON-decoded number representation to float64.
func numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// stringify renders a value for the string operators. Composite values and
// strings holding JSON documents serialize to compact JSON with no
// whitespace, so both capture modes and hand-written expectations line up.
func stringify(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return "null"
	case string:
		if looksLikeJSON(s) {
			var decoded interface{}
			if err := json.Unmarshal([]byte(s), &decoded); err == nil {
				if data, err := json.Marshal(decoded); err == nil {
					return string(data)
				}
			}
		}
		return s
	case bool:
		if s {
			return "true"
		}
		return "false"
	default:
		if n, ok := numeric(v); ok {
			return strconv.FormatFloat(n, 'f', -1, 64)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

func looksLikeJSON(s string) bool {
	trimmed := strings.TrimSpace(s)
	return strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")
}

func compiledRegex(expected interface{}) *regexp.Regexp {
	switch re := expected.(type) {
	case *regexp.Regexp:
		return re
	case string:
		// Predicates built by the compiler carry a compiled pattern; this
		// branch serves hand-constructed ones.
		compiled, err := regexp.Compile(re)
		if err != nil {
			return nil
		}
		return compiled
	default:
		return nil
	}
}

// sequenceOf coerces a value into a slice for has_any/has_all. JSON arrays
// arrive decoded from the differ and as text from the journal; Postgres
// array columns arrive in their brace literal form.
func sequenceOf(v interface{}) ([]interface{}, bool) {
	switch seq := v.(type) {
	case []interface{}:
		return seq, true
	case string:
		trimmed := strings.TrimSpace(seq)
		if strings.HasPrefix(trimmed, "[") {
			var decoded []interface{}
			if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
				return decoded, true
			}
			return nil, false
		}
		if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
			return parseArrayLiteral(trimmed), true
		}
		return nil, false
	default:
		return nil, false
	}
}

// parseArrayLiteral splits a one-dimensional Postgres array literal like
// {a,"b c",NULL,5} into values. Unquoted numerics become float64, NULL
// becomes nil.
func parseArrayLiteral(s string) []interface{} {
	body := strings.TrimSuffix(strings.TrimPrefix(s, "{"), "}")
	if body == "" {
		return nil
	}
	var (
		out      []interface{}
		current  strings.Builder
		quoted   bool
		inQuotes bool
		escaped  bool
	)
	flush := func() {
		raw := current.String()
		current.Reset()
		switch {
		case quoted:
			out = append(out, raw)
		case raw == "NULL":
			out = append(out, nil)
		default:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				out = append(out, f)
			} else {
				out = append(out, raw)
			}
		}
		quoted = false
	}
	for _, r := range body {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\' && inQuotes:
			escaped = true
		case r == '"':
			inQuotes = !inQuotes
			quoted = true
		case r == ',' && !inQuotes:
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return out
}

// --- temporal handling ------------------------------------------------------

// timestampLayouts covers the machine formats the two capture paths emit:
// to_jsonb renders RFC 3339 with a T separator, wal2json renders the Postgres
// text form with a space and abbreviated offset.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// timePair resolves two strings to comparable instants. At least one side
// must parse in a machine layout; the other side may then be a human-written
// date, resolved with the date parser.
func timePair(a, b string) (time.Time, time.Time, bool) {
	ta, okA := parseTimestamp(a)
	tb, okB := parseTimestamp(b)
	switch {
	case okA && okB:
		return ta, tb, true
	case okA:
		if tb, ok := parseHumanDate(b); ok {
			return ta, tb, true
		}
	case okB:
		if ta, ok := parseHumanDate(a); ok {
			return ta, tb, true
		}
	}
	return time.Time{}, time.Time{}, false
}

func parseTimestamp(s string) (time.Time, bool) {
	if len(s) < 8 || len(s) > 40 || !strings.ContainsAny(s, "-:") {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseHumanDate(s string) (time.Time, bool) {
	parser := dps.Parser{}
	cfg := &dps.Configuration{
		PreferredDateSource: dps.CurrentPeriod,
	}
	parsed, err := parser.Parse(cfg, s)
	if err != nil || parsed.IsZero() {
		return time.Time{}, false
	}
	return parsed.Time, true
}
