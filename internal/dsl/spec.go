// Package dsl compiles and evaluates assertion specs: the declarative JSON
// documents that describe which database changes a test run must produce.
// Compilation validates against the published JSON Schema and normalizes
// shorthand into the canonical form; evaluation matches a compiled spec
// against a change set. Both are pure.
package dsl

import "fmt"

// DiffType selects which side of a change set an assertion reads.
type DiffType string

const (
	DiffAdded   DiffType = "added"
	DiffRemoved DiffType = "removed"
	DiffChanged DiffType = "changed"
)

// Predicate maps operator names to expected values. Multiple operators on
// one field are AND-composed. Values are canonical after compilation:
// numbers are float64, regex is precompiled.
type Predicate map[string]interface{}

// FieldChange gates one column of a changed assertion: From matches the old
// value, To the new one. Either side may be nil, meaning unconstrained.
type FieldChange struct {
	From Predicate
	To   Predicate
}

// Unbounded marks a CountRange with no upper limit.
const Unbounded = -1

// CountRange is the inclusive number of matching entries an assertion
// requires.
type CountRange struct {
	Min int
	Max int
}

// AtLeastOne is the default when an assertion carries no expected_count.
func AtLeastOne() CountRange {
	return CountRange{Min: 1, Max: Unbounded}
}

// Exactly requires precisely n matches.
func Exactly(n int) CountRange {
	return CountRange{Min: n, Max: n}
}

// Contains reports whether n falls inside the range.
func (c CountRange) Contains(n int) bool {
	if n < c.Min {
		return false
	}
	return c.Max == Unbounded || n <= c.Max
}

// String renders the range for failure messages.
func (c CountRange) String() string {
	switch {
	case c.Max == Unbounded && c.Min == 0:
		return "any number of"
	case c.Max == Unbounded:
		return fmt.Sprintf("at least %d", c.Min)
	case c.Min == c.Max:
		return fmt.Sprintf("exactly %d", c.Min)
	case c.Min == 0:
		return fmt.Sprintf("at most %d", c.Max)
	default:
		return fmt.Sprintf("between %d and %d", c.Min, c.Max)
	}
}

// Assertion is one compiled expectation against a change set.
type Assertion struct {
	DiffType DiffType
	Entity   string

	// Where filters entries by field predicates. Keys may be dotted paths
	// reaching into JSON column values. For changed assertions an entry
	// qualifies when the clause matches its before image or its after image.
	Where map[string]Predicate

	// IgnoreFields extends the spec-level ignore list for this assertion.
	// Changed assertions only.
	IgnoreFields []string

	// ExpectedChanges names the columns allowed (strict mode: the only
	// columns allowed) to differ, each optionally gated by from/to
	// predicates. Changed assertions only.
	ExpectedChanges map[string]FieldChange

	// ExpectedCount bounds how many entries must qualify.
	ExpectedCount CountRange
}

// Spec is the canonical compiled form of an assertion document.
type Spec struct {
	// Strict makes changed assertions reject columns outside
	// ExpectedChanges.
	Strict bool

	// IgnoreFields maps "global" or an entity name to columns excluded
	// from change detection.
	IgnoreFields map[string][]string

	Assertions []Assertion
}

// ignoredColumns collects the ignore set that applies to one assertion:
// global ignores, the entity's ignores, and the assertion's own list.
func (s *Spec) ignoredColumns(a *Assertion) map[string]bool {
	out := make(map[string]bool)
	for _, col := range s.IgnoreFields["global"] {
		out[col] = true
	}
	for _, col := range s.IgnoreFields[a.Entity] {
		out[col] = true
	}
	for _, col := range a.IgnoreFields {
		out[col] = true
	}
	return out
}
