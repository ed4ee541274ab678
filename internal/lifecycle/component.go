package lifecycle

import "context"

// Component is a long-lived piece of the server the Manager brings up and
// tears down: the replication worker, the pool refiller, the maintenance
// sweeper, the API server. Components are registered together with the
// components they depend on; the Manager derives start and stop order from
// those edges.
type Component interface {
	// Start brings the component up. It returns once the component is
	// operational; ongoing work runs in goroutines the component owns.
	// Start is called at most once per process but must tolerate a second
	// call without side effects.
	Start(ctx context.Context) error

	// Stop winds the component down, letting in-flight work finish within
	// the context deadline. A returned error is logged by the Manager and
	// never blocks the remaining components from stopping.
	Stop(ctx context.Context) error

	// Name identifies the component in logs and registration errors.
	Name() string
}
