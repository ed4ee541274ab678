package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/portofcontext/vestige/internal/logging"
)

// Refiller runs the pool upkeep cycle on a timer. The cycle itself lives on
// the Manager; this component only owns the cadence and the lifecycle.
type Refiller struct {
	manager  *Manager
	interval time.Duration
	logger   *logging.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewRefiller(manager *Manager, interval time.Duration) *Refiller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Refiller{
		manager:  manager,
		interval: interval,
		logger:   logging.GetLogger("pool"),
	}
}

// Start implements lifecycle.Component.
func (r *Refiller) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("pool refiller already running")
	}

	r.running = true
	r.stopCh = make(chan struct{})
	r.wg.Add(1)
	go r.loop(ctx)

	r.logger.Info("Pool refiller started (interval=%s)", r.interval)
	return nil
}

// Stop implements lifecycle.Component.
func (r *Refiller) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}

	close(r.stopCh)
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("pool refiller stop: %w", ctx.Err())
	}

	r.running = false
	r.logger.Info("Pool refiller stopped")
	return nil
}

// Name implements lifecycle.Component.
func (r *Refiller) Name() string { return "Pool Refiller" }

func (r *Refiller) loop(ctx context.Context) {
	defer r.wg.Done()

	timer := time.NewTimer(r.interval)
	defer timer.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := r.manager.Cycle(ctx); err != nil {
				r.logger.ErrorWithErr("Pool upkeep cycle failed", err)
			}
			timer.Reset(r.interval)
		}
	}
}
