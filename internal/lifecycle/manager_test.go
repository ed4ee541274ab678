package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeComponent records start/stop calls into a shared order slice.
type fakeComponent struct {
	name     string
	order    *[]string
	startErr error
	stopErr  error
}

func (f *fakeComponent) Start(ctx context.Context) error {
	*f.order = append(*f.order, "start:"+f.name)
	return f.startErr
}

func (f *fakeComponent) Stop(ctx context.Context) error {
	*f.order = append(*f.order, "stop:"+f.name)
	return f.stopErr
}

func (f *fakeComponent) Name() string { return f.name }

func TestManagerStartsInDependencyOrder(t *testing.T) {
	var order []string
	store := &fakeComponent{name: "store", order: &order}
	worker := &fakeComponent{name: "worker", order: &order}
	server := &fakeComponent{name: "server", order: &order}

	m := NewManager()
	require.NoError(t, m.Register(store))
	require.NoError(t, m.Register(worker, store))
	require.NoError(t, m.Register(server, store, worker))

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, []string{"start:store", "start:worker", "start:server"}, order)

	order = nil
	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, []string{"stop:server", "stop:worker", "stop:store"}, order)
}

func TestManagerRollsBackOnStartFailure(t *testing.T) {
	var order []string
	store := &fakeComponent{name: "store", order: &order}
	worker := &fakeComponent{name: "worker", order: &order, startErr: errors.New("boom")}

	m := NewManager()
	require.NoError(t, m.Register(store))
	require.NoError(t, m.Register(worker, store))

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker")
	assert.Equal(t, []string{"start:store", "start:worker", "stop:store"}, order)
	assert.False(t, m.IsRunning(store))
}

func TestManagerRejectsUnknownDependency(t *testing.T) {
	var order []string
	a := &fakeComponent{name: "a", order: &order}
	b := &fakeComponent{name: "b", order: &order}

	m := NewManager()
	err := m.Register(a, b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestManagerRejectsDuplicateRegistration(t *testing.T) {
	var order []string
	a := &fakeComponent{name: "a", order: &order}

	m := NewManager()
	require.NoError(t, m.Register(a))
	err := m.Register(a)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestManagerRejectsNilAndUnnamed(t *testing.T) {
	var order []string
	m := NewManager()
	require.Error(t, m.Register(nil))
	require.Error(t, m.Register(&fakeComponent{name: "", order: &order}))
}

func TestManagerStopContinuesPastErrors(t *testing.T) {
	var order []string
	bad := &fakeComponent{name: "bad", order: &order, stopErr: errors.New("stuck")}
	good := &fakeComponent{name: "good", order: &order}

	m := NewManager()
	require.NoError(t, m.Register(good))
	require.NoError(t, m.Register(bad, good))
	require.NoError(t, m.Start(context.Background()))

	order = nil
	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, []string{"stop:bad", "stop:good"}, order)
}
