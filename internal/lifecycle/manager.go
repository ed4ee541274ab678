package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/portofcontext/vestige/internal/logging"
)

// Manager starts registered components respecting their dependency edges
// and stops them in the reverse of the order they actually started. Every
// stop runs under a per-component timeout so one stuck component cannot
// hang shutdown forever.
type Manager struct {
	components        []Component
	dependencies      map[Component][]Component
	running           map[Component]bool
	shutdownTimeout   time.Duration
	mu                sync.RWMutex
	logger            *logging.Logger
	registrationMutex sync.Mutex  // Register may not race Start or Stop
	startedComponents []Component // actual start order, consumed by Stop and rollback
}

// NewManager returns a Manager with a 30 second per-component stop timeout.
func NewManager() *Manager {
	return &Manager{
		components:      []Component{},
		dependencies:    make(map[Component][]Component),
		running:         make(map[Component]bool),
		shutdownTimeout: 30 * time.Second,
		logger:          logging.GetLogger("lifecycle.manager"),
	}
}

// Register adds a component, optionally naming the components it depends
// on. Dependencies start first and stop after their dependents, so they
// must already be registered. Nil or unnamed components, duplicates, and
// edges that would close a cycle are rejected.
func (m *Manager) Register(component Component, dependsOn ...Component) error {
	m.registrationMutex.Lock()
	defer m.registrationMutex.Unlock()

	if component == nil {
		return fmt.Errorf("nil component")
	}

	if component.Name() == "" {
		return fmt.Errorf("component has no name")
	}

	for _, c := range m.components {
		if c == component {
			return fmt.Errorf("component %s is already registered", component.Name())
		}
	}

	for _, dep := range dependsOn {
		found := false
		for _, registered := range m.components {
			if registered == dep {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("dependency %s is not registered", dep.Name())
		}
	}

	if m.wouldCreateCycle(component, dependsOn) {
		return fmt.Errorf("registering %s would create a circular dependency", component.Name())
	}

	m.components = append(m.components, component)
	m.dependencies[component] = dependsOn
	m.running[component] = false

	m.logger.Debug("Registered %s (%d dependencies)", component.Name(), len(dependsOn))
	return nil
}

// wouldCreateCycle reports whether the new edges reach back to component.
func (m *Manager) wouldCreateCycle(component Component, dependencies []Component) bool {
	visited := make(map[Component]bool)
	return m.hasCycleDFS(component, dependencies, visited)
}

func (m *Manager) hasCycleDFS(node Component, dependencies []Component, visited map[Component]bool) bool {
	for _, dep := range dependencies {
		if dep == node {
			return true
		}
		if visited[dep] {
			continue
		}
		visited[dep] = true
		if m.hasCycleDFS(node, m.dependencies[dep], visited) {
			return true
		}
	}
	return false
}

// Start brings every registered component up, dependencies first. When a
// component fails, everything already started is rolled back in reverse
// order and the failure is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.registrationMutex.Lock()
	defer m.registrationMutex.Unlock()

	m.startedComponents = []Component{}
	toStart := m.topologicalSort()

	for _, component := range toStart {
		m.logger.Info("Starting %s", component.Name())
		startTime := time.Now()

		if err := component.Start(ctx); err != nil {
			m.logger.ErrorWithErr("Start "+component.Name(), err)
			m.stopComponentsForRollback()
			return fmt.Errorf("start %s: %w", component.Name(), err)
		}

		m.mu.Lock()
		m.running[component] = true
		m.startedComponents = append(m.startedComponents, component)
		m.mu.Unlock()

		m.logger.Info("%s up in %dms", component.Name(), time.Since(startTime).Milliseconds())
	}

	m.logger.Info("All components started")
	return nil
}

// topologicalSort orders components so each appears after its dependencies.
func (m *Manager) topologicalSort() []Component {
	visited := make(map[Component]bool)
	sorted := []Component{}

	for _, component := range m.components {
		if !visited[component] {
			m.topologicalSortDFS(component, visited, &sorted)
		}
	}

	return sorted
}

func (m *Manager) topologicalSortDFS(component Component, visited map[Component]bool, sorted *[]Component) {
	visited[component] = true

	for _, dep := range m.dependencies[component] {
		if !visited[dep] {
			m.topologicalSortDFS(dep, visited, sorted)
		}
	}

	*sorted = append(*sorted, component)
}

// stopComponentsForRollback unwinds a failed Start, newest first. Rollback
// uses its own short deadline since the caller's context may already be gone.
func (m *Manager) stopComponentsForRollback() {
	for i := len(m.startedComponents) - 1; i >= 0; i-- {
		component := m.startedComponents[i]
		m.logger.Debug("Rollback stop %s", component.Name())

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := component.Stop(ctx); err != nil {
			m.logger.Warn("Rollback stop %s: %v", component.Name(), err)
		}
		cancel()

		m.mu.Lock()
		m.running[component] = false
		m.mu.Unlock()
	}
}

// Stop winds components down in the reverse of their start order. Each
// gets a fresh shutdownTimeout deadline; a component that errors or times
// out is logged and the remainder still stop.
func (m *Manager) Stop(ctx context.Context) error {
	m.registrationMutex.Lock()
	defer m.registrationMutex.Unlock()

	m.logger.Info("Stopping all components")

	for i := len(m.startedComponents) - 1; i >= 0; i-- {
		component := m.startedComponents[i]
		if !m.IsRunning(component) {
			continue
		}

		m.logger.Info("Stopping %s", component.Name())
		startTime := time.Now()

		componentCtx, cancel := context.WithTimeout(ctx, m.shutdownTimeout)
		err := component.Stop(componentCtx)
		cancel()

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				m.logger.Warn("%s missed the %dms stop deadline, abandoning it",
					component.Name(), m.shutdownTimeout.Milliseconds())
			} else {
				m.logger.ErrorWithErr("Stop "+component.Name(), err)
			}
		} else {
			m.logger.Info("%s down in %dms", component.Name(), time.Since(startTime).Milliseconds())
		}

		m.mu.Lock()
		m.running[component] = false
		m.mu.Unlock()
	}

	m.logger.Info("All components stopped")
	return nil
}

// IsRunning reports whether the component started and has not yet stopped.
func (m *Manager) IsRunning(component Component) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	running, exists := m.running[component]
	return exists && running
}

// SetShutdownTimeout overrides the per-component stop deadline.
func (m *Manager) SetShutdownTimeout(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownTimeout = timeout
	m.logger.Debug("Stop deadline set to %dms", timeout.Milliseconds())
}
