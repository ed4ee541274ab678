package environment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/portofcontext/vestige/internal/config"
	"github.com/portofcontext/vestige/internal/logging"
)

// Maintenance runs the environment sweep on a timer. The sweep itself lives
// on the Manager; this component only owns the cadence and the lifecycle.
type Maintenance struct {
	manager  *Manager
	interval time.Duration
	logger   *logging.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewMaintenance(manager *Manager, interval time.Duration) *Maintenance {
	if interval <= 0 {
		interval = config.DefaultMaintenanceInterval
	}
	return &Maintenance{
		manager:  manager,
		interval: interval,
		logger:   logging.GetLogger("environment"),
	}
}

// Start implements lifecycle.Component.
func (t *Maintenance) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return fmt.Errorf("environment maintenance already running")
	}

	t.running = true
	t.stopCh = make(chan struct{})
	t.wg.Add(1)
	go t.loop(ctx)

	t.logger.Info("Environment maintenance started (interval=%s)", t.interval)
	return nil
}

// Stop implements lifecycle.Component.
func (t *Maintenance) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return nil
	}

	close(t.stopCh)
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("environment maintenance stop: %w", ctx.Err())
	}

	t.running = false
	t.logger.Info("Environment maintenance stopped")
	return nil
}

// Name implements lifecycle.Component.
func (t *Maintenance) Name() string { return "Environment Maintenance" }

func (t *Maintenance) loop(ctx context.Context) {
	defer t.wg.Done()

	timer := time.NewTimer(t.interval)
	defer timer.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := t.manager.Sweep(ctx); err != nil {
				t.logger.ErrorWithErr("Environment sweep failed", err)
			}
			timer.Reset(t.interval)
		}
	}
}
