package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// JanitorConfig contains queue maintenance configuration.
type JanitorConfig struct {
	// Interval is the pause between maintenance cycles.
	Interval time.Duration
	// Retention is how long terminal items are kept before cleanup.
	Retention time.Duration
}

// DefaultJanitorConfig returns default maintenance configuration.
func DefaultJanitorConfig() JanitorConfig {
	return JanitorConfig{
		Interval:  time.Minute,
		Retention: 7 * 24 * time.Hour,
	}
}

// Janitor runs periodic queue maintenance: recovering stuck items, deleting
// old terminal items, and exporting queue depth metrics.
type Janitor struct {
	service *Service
	config  JanitorConfig
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewJanitor creates a queue janitor.
func NewJanitor(service *Service, config JanitorConfig) *Janitor {
	if config.Interval <= 0 {
		config.Interval = DefaultJanitorConfig().Interval
	}
	if config.Retention <= 0 {
		config.Retention = DefaultJanitorConfig().Retention
	}
	return &Janitor{
		service: service,
		config:  config,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the maintenance loop.
func (j *Janitor) Start() {
	j.wg.Add(1)
	go j.run()
	slog.Info("queue janitor started", "interval", j.config.Interval, "retention", j.config.Retention)
}

// Stop signals the loop to finish and waits for the current cycle.
func (j *Janitor) Stop() {
	close(j.stopCh)
	j.wg.Wait()
	slog.Info("queue janitor stopped")
}

func (j *Janitor) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopCh:
			return
		case <-ticker.C:
			j.cycle(context.Background())
		}
	}
}

func (j *Janitor) cycle(ctx context.Context) {
	if _, err := j.service.RecoverStuck(ctx); err != nil {
		slog.Error("stuck item recovery failed", "error", err)
	}

	if _, err := j.service.Cleanup(ctx, j.config.Retention); err != nil {
		slog.Error("queue cleanup failed", "error", err)
	}

	stats, err := j.service.Stats(ctx)
	if err != nil {
		slog.Error("queue stats refresh failed", "error", err)
		return
	}
	RecordStats(stats)
}
