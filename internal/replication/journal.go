package replication

import (
	"reflect"

	"github.com/portofcontext/vestige/internal/models"
)

// BuildChangeSet assembles drained journal entries into a change set. Emission
// is verbatim: every entry becomes one emitted change, so a row inserted and
// then updated within a run yields one insert and one update. The insert's
// image is advanced to the latest after-image of that row, so where clauses on
// added rows match terminal state while counts still reflect each event.
func BuildChangeSet(entries []*models.ChangeJournalEntry) *models.ChangeSet {
	cs := models.NewChangeSet()
	inserted := make(map[string][]models.Row)
	for _, e := range entries {
		switch e.Operation {
		case models.OperationInsert:
			row := taggedRow(e.TableName, e.After)
			cs.Inserts = append(cs.Inserts, row)
			inserted[e.TableName] = append(inserted[e.TableName], row)
		case models.OperationUpdate:
			cs.Updates = append(cs.Updates, models.RowUpdate{
				Table:  e.TableName,
				Before: copyRow(e.Before),
				After:  copyRow(e.After),
			})
			advance(inserted[e.TableName], e)
		case models.OperationDelete:
			cs.Deletes = append(cs.Deletes, taggedRow(e.TableName, e.Before))
		}
	}
	return cs
}

// advance refreshes the emitted insert of the row an update identifies, when
// that row was inserted within the same run. Identifying columns are the
// wal2json pk when present, the full old image otherwise; the scan runs
// newest-first so the most recently inserted match wins.
func advance(rows []models.Row, e *models.ChangeJournalEntry) {
	ident := e.PrimaryKey
	if len(ident) == 0 {
		ident = e.Before
	}
	if len(ident) == 0 {
		return
	}
	for i := len(rows) - 1; i >= 0; i-- {
		if !identifies(ident, rows[i]) {
			continue
		}
		row := rows[i]
		for k := range row {
			if k != models.TableKey {
				delete(row, k)
			}
		}
		for k, v := range e.After {
			row[k] = v
		}
		return
	}
}

// identifies reports whether every identifying column matches the row image.
func identifies(ident map[string]interface{}, row models.Row) bool {
	for col, want := range ident {
		got, ok := row[col]
		if !ok || !reflect.DeepEqual(want, got) {
			return false
		}
	}
	return true
}

func taggedRow(table string, values map[string]interface{}) models.Row {
	row := make(models.Row, len(values)+1)
	for k, v := range values {
		row[k] = v
	}
	row[models.TableKey] = table
	return row
}

func copyRow(values map[string]interface{}) models.Row {
	if values == nil {
		return nil
	}
	row := make(models.Row, len(values))
	for k, v := range values {
		row[k] = v
	}
	return row
}
