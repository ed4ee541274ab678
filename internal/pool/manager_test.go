package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/portofcontext/vestige/internal/config"
	"github.com/portofcontext/vestige/internal/metrics"
)

func TestSetTargetsReplacesPrevious(t *testing.T) {
	m := NewManager(nil, nil, metrics.NewUnregistered())

	m.SetTargets([]config.PoolTarget{
		{TemplateSchema: "slack_default", Target: 4},
		{TemplateSchema: "box_default", Target: 2},
	})
	assert.Equal(t, map[string]int{"slack_default": 4, "box_default": 2}, m.Targets())

	m.SetTargets([]config.PoolTarget{
		{TemplateSchema: "slack_default", Target: 1},
	})
	assert.Equal(t, map[string]int{"slack_default": 1}, m.Targets())
}

func TestTargetsReturnsACopy(t *testing.T) {
	m := NewManager(nil, nil, metrics.NewUnregistered())
	m.SetTargets([]config.PoolTarget{{TemplateSchema: "slack_default", Target: 4}})

	got := m.Targets()
	got["slack_default"] = 99
	assert.Equal(t, 4, m.Targets()["slack_default"])
}
