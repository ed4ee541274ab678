package replication

import "sync"

// ActiveRun marks a namespace as being watched for a journal-mode run.
type ActiveRun struct {
	EnvironmentID string
	RunID         string
}

// Registry maps namespace names to their active journal-mode run. The poll
// worker consults it to decide which decoded changes to file and which to
// discard. A namespace carries at most one active run; registering over an
// existing entry replaces it.
type Registry struct {
	mu   sync.RWMutex
	runs map[string]ActiveRun
}

func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]ActiveRun)}
}

// Register starts journaling changes in schema for the given run.
func (r *Registry) Register(schema string, run ActiveRun) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[schema] = run
}

// Unregister stops journaling for runID. When schema is non-empty only that
// entry is checked, otherwise all entries are scanned.
func (r *Registry) Unregister(runID, schema string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if schema != "" {
		if run, ok := r.runs[schema]; ok && run.RunID == runID {
			delete(r.runs, schema)
		}
		return
	}
	for s, run := range r.runs {
		if run.RunID == runID {
			delete(r.runs, s)
		}
	}
}

// CleanupEnvironment drops every registration belonging to an environment.
func (r *Registry) CleanupEnvironment(environmentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for s, run := range r.runs {
		if run.EnvironmentID == environmentID {
			delete(r.runs, s)
		}
	}
}

// Lookup returns the active run for a schema, if any.
func (r *Registry) Lookup(schema string) (ActiveRun, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[schema]
	return run, ok
}

// Snapshot copies the current registrations. The poll worker takes one per
// batch so a run ending mid-batch sees a consistent view.
func (r *Registry) Snapshot() map[string]ActiveRun {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ActiveRun, len(r.runs))
	for s, run := range r.runs {
		out[s] = run
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}
