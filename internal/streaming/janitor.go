package streaming

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Janitor runs Manager.Sweep on a fixed interval.
type Janitor struct {
	manager  *Manager
	interval time.Duration
	cron     *cron.Cron
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
}

// NewJanitor creates a janitor sweeping every m.Limits().SweepInterval.
func NewJanitor(m *Manager, logger *zap.Logger) *Janitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{
		manager:  m,
		interval: m.Limits().SweepInterval,
		cron:     cron.New(),
		logger:   logger,
	}
}

// Start schedules the sweep. The janitor stops when ctx is done.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return nil
	}

	schedule := "@every " + j.interval.String()
	if _, err := j.cron.AddFunc(schedule, j.RunOnce); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", schedule, err)
	}
	j.cron.Start()
	j.running = true
	j.logger.Info("janitor started", zap.Duration("interval", j.interval))

	go func() {
		<-ctx.Done()
		j.Stop()
	}()
	return nil
}

// RunOnce sweeps immediately.
func (j *Janitor) RunOnce() {
	removed := j.manager.Sweep(j.manager.now())
	if len(removed) == 0 {
		j.logger.Debug("sweep found no stale operations")
	}
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running {
		return
	}
	<-j.cron.Stop().Done()
	j.running = false
	j.logger.Info("janitor stopped")
}

// Running reports whether the schedule is active.
func (j *Janitor) Running() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// NextRun returns when the next sweep is due, or nil if not scheduled.
func (j *Janitor) NextRun() *time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	entries := j.cron.Entries()
	if !j.running || len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
