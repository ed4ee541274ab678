package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// stringify renders a structured value as compact JSON for comparison.
// time.Time renders as RFC 3339 UTC so temporal values compare stably.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case []byte:
		return BinaryPlaceholder
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
