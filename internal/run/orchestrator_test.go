package run

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portofcontext/vestige/internal/dsl"
	"github.com/portofcontext/vestige/internal/models"
)

func TestResolveSpecPrefersExplicitOutput(t *testing.T) {
	o := New(Options{})
	explicit := json.RawMessage(`{"assertions":[]}`)

	raw, err := o.resolveSpec(context.Background(), &models.TestRun{}, explicit)
	require.NoError(t, err)
	assert.JSONEq(t, string(explicit), string(raw))
}

func TestResolveSpecDefaultsToEmpty(t *testing.T) {
	o := New(Options{})

	raw, err := o.resolveSpec(context.Background(), &models.TestRun{}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))
}

func TestRunResultBlobShape(t *testing.T) {
	cs := models.NewChangeSet()
	cs.Inserts = append(cs.Inserts, models.Row{"id": float64(1), models.TableKey: "users"})

	blob, err := json.Marshal(RunResult{
		Diff:     cs,
		Score:    dsl.Score{Passed: 2, Total: 3, Percent: 66.67},
		Failures: []string{"assertion#3 users added 0 rows, expected exactly 1"},
	})
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(blob, &decoded))
	assert.Contains(t, decoded, "diff")
	assert.Contains(t, decoded, "score")
	assert.Contains(t, decoded, "failures")
}

func TestRunResultEmptyFailuresSerializesAsArray(t *testing.T) {
	blob, err := json.Marshal(RunResult{
		Diff:     models.NewChangeSet(),
		Score:    dsl.Score{Passed: 0, Total: 0, Percent: 100},
		Failures: []string{},
	})
	require.NoError(t, err)
	assert.Contains(t, string(blob), `"failures":[]`)
}
