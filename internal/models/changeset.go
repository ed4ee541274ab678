package models

// TableKey is the pseudo-column that names the owning table of a change-set
// row. It never collides with real columns because Postgres identifiers may
// not start with "__" in the service schemas the harness mimics.
const TableKey = "__table__"

// BinaryPlaceholder replaces binary column values in emitted change sets.
// The harness is not a binary differ.
const BinaryPlaceholder = "<binary>"

// Row is one table row image in a change set, keyed by column name. The
// TableKey entry carries the table name.
type Row map[string]interface{}

// Table returns the owning table name, or "" if untagged.
func (r Row) Table() string {
	if v, ok := r[TableKey].(string); ok {
		return v
	}
	return ""
}

// Columns returns a copy of the row without the table tag.
func (r Row) Columns() map[string]interface{} {
	out := make(map[string]interface{}, len(r))
	for k, v := range r {
		if k == TableKey {
			continue
		}
		out[k] = v
	}
	return out
}

// RowUpdate pairs the before and after images of one updated row.
type RowUpdate struct {
	Table  string `json:"__table__"`
	Before Row    `json:"before"`
	After  Row    `json:"after"`
}

// ChangedColumns returns the columns whose value differs between the before
// and after image, excluding the given column names. The comparison is by
// equalValue so numeric representations (int64 vs float64) do not produce
// phantom changes.
func (u *RowUpdate) ChangedColumns(exclude map[string]bool) []string {
	var changed []string
	seen := make(map[string]bool, len(u.Before)+len(u.After))
	for col := range u.Before {
		seen[col] = true
	}
	for col := range u.After {
		seen[col] = true
	}
	for col := range seen {
		if col == TableKey || exclude[col] {
			continue
		}
		before, inBefore := u.Before[col]
		after, inAfter := u.After[col]
		if inBefore != inAfter || !equalValue(before, after) {
			changed = append(changed, col)
		}
	}
	return changed
}

// ChangeSet is the canonical output of both capture mechanisms: three
// disjoint lists of row changes plus the tables the differ skipped for want
// of a primary key. Within a journal-mode run the lists preserve commit
// order; snapshot mode carries no ordering.
type ChangeSet struct {
	Inserts []Row       `json:"inserts"`
	Updates []RowUpdate `json:"updates"`
	Deletes []Row       `json:"deletes"`

	// SkippedTables lists tables excluded from diffing (no primary key).
	SkippedTables []string `json:"skipped_tables,omitempty"`
}

// NewChangeSet returns an empty change set with non-nil lists so JSON
// serialization emits [] rather than null.
func NewChangeSet() *ChangeSet {
	return &ChangeSet{
		Inserts: []Row{},
		Updates: []RowUpdate{},
		Deletes: []Row{},
	}
}

// Empty reports whether the change set contains no changes.
func (c *ChangeSet) Empty() bool {
	return len(c.Inserts) == 0 && len(c.Updates) == 0 && len(c.Deletes) == 0
}

// Size returns the total number of change entries.
func (c *ChangeSet) Size() int {
	return len(c.Inserts) + len(c.Updates) + len(c.Deletes)
}

// Tables returns the distinct table names touched by the change set.
func (c *ChangeSet) Tables() []string {
	seen := make(map[string]bool)
	var tables []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			tables = append(tables, name)
		}
	}
	for _, row := range c.Inserts {
		add(row.Table())
	}
	for _, u := range c.Updates {
		add(u.Table)
	}
	for _, row := range c.Deletes {
		add(row.Table())
	}
	return tables
}

// equalValue compares two column values, treating all numeric types as
// float64 so int64(5) equals float64(5).
func equalValue(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		// Structured values (maps, slices) fall back to string form.
		return stringify(a) == stringify(b)
	}
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
