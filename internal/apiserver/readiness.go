package apiserver

import (
	"context"

	"github.com/portofcontext/vestige/internal/logging"
	"github.com/portofcontext/vestige/internal/store"
)

// ReadinessChecker gates the /ready endpoint.
type ReadinessChecker interface {
	IsReady(ctx context.Context) bool
}

// SlotChecker reports whether the logical replication slot exists.
// *replication.Worker implements it.
type SlotChecker interface {
	SlotExists(ctx context.Context) (bool, error)
}

// Readiness answers ready once the metadata store responds and, in journal
// mode, the replication slot is present. Dropping the slot makes the process
// unready instead of silently losing change capture.
type Readiness struct {
	store  *store.Store
	slots  SlotChecker // nil outside journal mode
	logger *logging.Logger
}

func NewReadiness(st *store.Store, slots SlotChecker) *Readiness {
	return &Readiness{
		store:  st,
		slots:  slots,
		logger: logging.GetLogger("api"),
	}
}

func (r *Readiness) IsReady(ctx context.Context) bool {
	if err := r.store.Ping(ctx); err != nil {
		r.logger.Debug("Not ready: store ping failed: %v", err)
		return false
	}
	if r.slots != nil {
		exists, err := r.slots.SlotExists(ctx)
		if err != nil {
			r.logger.Debug("Not ready: slot check failed: %v", err)
			return false
		}
		if !exists {
			r.logger.Debug("Not ready: replication slot absent")
			return false
		}
	}
	return true
}
