// Package replication captures committed changes in tracked namespaces
// through one global logical-replication slot and files them, per run, into
// the change journal.
package replication

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/portofcontext/vestige/internal/models"
)

// walColumn is one column entry in a wal2json format-version=2 message.
type walColumn struct {
	Name  string      `json:"name"`
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

// walMessage is one decoded wal2json format-version=2 document. With
// include-transaction=false the stream carries only row actions.
type walMessage struct {
	Action   string      `json:"action"`
	Schema   string      `json:"schema"`
	Table    string      `json:"table"`
	Columns  []walColumn `json:"columns"`  // new image (insert/update)
	Identity []walColumn `json:"identity"` // old image (update/delete)
	PK       []walColumn `json:"pk"`       // present with include-pk
}

// Change is a decoded row change, ready to be journaled.
type Change struct {
	Operation  models.Operation
	Schema     string
	Table      string
	PrimaryKey map[string]interface{}
	Before     map[string]interface{}
	After      map[string]interface{}
}

// DecodeChange parses one wal2json document. The second return is false for
// non-row actions (begin/commit/truncate/message), which carry no change.
func DecodeChange(data []byte) (*Change, bool, error) {
	var msg walMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, false, fmt.Errorf("parse wal2json message: %w", err)
	}

	var op models.Operation
	switch msg.Action {
	case "I":
		op = models.OperationInsert
	case "U":
		op = models.OperationUpdate
	case "D":
		op = models.OperationDelete
	case "B", "C", "T", "M":
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("unknown wal2json action %q", msg.Action)
	}

	c := &Change{
		Operation: op,
		Schema:    msg.Schema,
		Table:     msg.Table,
		Before:    columnMap(msg.Identity),
		After:     columnMap(msg.Columns),
	}
	c.PrimaryKey = primaryKeyMap(msg, c)
	return c, true, nil
}

// columnMap flattens a column list into name -> value, blanking binary
// columns.
func columnMap(cols []walColumn) map[string]interface{} {
	if len(cols) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(cols))
	for _, col := range cols {
		if col.Value != nil && isBinaryType(col.Type) {
			out[col.Name] = models.BinaryPlaceholder
			continue
		}
		out[col.Name] = col.Value
	}
	return out
}

// primaryKeyMap extracts the identifying columns. With include-pk enabled the
// pk list names them exactly; otherwise the replica identity serves — under
// REPLICA IDENTITY FULL that is the complete old row, which still identifies
// it.
func primaryKeyMap(msg walMessage, c *Change) map[string]interface{} {
	if len(msg.PK) > 0 {
		out := make(map[string]interface{}, len(msg.PK))
		for _, col := range msg.PK {
			if v, ok := c.After[col.Name]; ok {
				out[col.Name] = v
				continue
			}
			if v, ok := c.Before[col.Name]; ok {
				out[col.Name] = v
			}
		}
		return out
	}
	if c.Before != nil {
		return c.Before
	}
	return nil
}

func isBinaryType(typ string) bool {
	return strings.HasPrefix(typ, "bytea")
}
