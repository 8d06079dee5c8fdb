package store

import (
	"context"
	"sync"
	"time"

	"github.com/KevoDB/diskmap/pkg/common/log"
)

// vacuumScheduler runs a vacuum pass on a fixed interval until stopped
type vacuumScheduler struct {
	interval time.Duration
	run      func(ctx context.Context) error
	logger   log.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func newVacuumScheduler(interval time.Duration, run func(ctx context.Context) error, logger log.Logger) *vacuumScheduler {
	return &vacuumScheduler{
		interval: interval,
		run:      run,
		logger:   logger,
	}
}

// Start launches the background worker. Starting twice is a no-op.
func (v *vacuumScheduler) Start() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	v.cancel = cancel
	v.done = make(chan struct{})
	v.running = true

	go v.worker(ctx, v.done)
	v.logger.Info("Background vacuum every %v", v.interval)
}

// Stop cancels a pass in progress between shards and waits for the worker to exit
func (v *vacuumScheduler) Stop() {
	v.mu.Lock()
	if !v.running {
		v.mu.Unlock()
		return
	}
	v.running = false
	cancel, done := v.cancel, v.done
	v.mu.Unlock()

	cancel()
	<-done
}

func (v *vacuumScheduler) worker(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := v.run(ctx); err != nil && ctx.Err() == nil {
				v.logger.Error("Background vacuum failed: %v", err)
			}
		}
	}
}
