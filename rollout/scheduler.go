package rollout

import (
	"context"
	"errors"
	"sync"
	"time"

	"paperminder/server/storage"
)

// SchedulerConfig tunes the background rollout loop.
type SchedulerConfig struct {
	// TickInterval is how often scheduled rollouts are activated and
	// connected printers re-evaluated. Default 30s.
	TickInterval time.Duration
	// CacheCleanupInterval is how often expired cached messages are
	// purged. Default 1h.
	CacheCleanupInterval time.Duration
	// CacheRetention is how long undelivered messages are kept before
	// purging. Default 7 days.
	CacheRetention time.Duration
}

// Scheduler activates due rollouts and pushes firmware to already-connected
// printers so that campaign changes take effect without a reconnect. It also
// owns periodic cleanup of the stale message cache.
type Scheduler struct {
	store     storage.Store
	evaluator *Evaluator
	sender    Broadcaster
	config    SchedulerConfig

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewScheduler creates a scheduler over the store, evaluator, and registry.
func NewScheduler(store storage.Store, evaluator *Evaluator, sender Broadcaster, config SchedulerConfig) *Scheduler {
	if config.TickInterval == 0 {
		config.TickInterval = 30 * time.Second
	}
	if config.CacheCleanupInterval == 0 {
		config.CacheCleanupInterval = 1 * time.Hour
	}
	if config.CacheRetention == 0 {
		config.CacheRetention = 7 * 24 * time.Hour
	}
	return &Scheduler{
		store:     store,
		evaluator: evaluator,
		sender:    sender,
		config:    config,
	}
}

// Start begins the background loop. Calling Start on a running scheduler is
// a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.doneChan = make(chan struct{})
	s.mu.Unlock()

	go s.runLoop()
	logInfo("Rollout scheduler started", "tick", s.config.TickInterval)
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	done := s.doneChan
	s.mu.Unlock()

	<-done
	logInfo("Rollout scheduler stopped")
}

func (s *Scheduler) runLoop() {
	defer close(s.doneChan)

	ticker := time.NewTicker(s.config.TickInterval)
	cleanupTicker := time.NewTicker(s.config.CacheCleanupInterval)
	defer ticker.Stop()
	defer cleanupTicker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.Tick(context.Background())
		case <-cleanupTicker.C:
			s.cleanupCache(context.Background())
		}
	}
}

// Tick runs one scheduler pass: activate rollouts whose schedule has come
// due, then re-evaluate every connected printer.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()

	due, err := s.store.ListScheduledRolloutsDue(ctx, now)
	if err != nil {
		logWarn("Failed to list scheduled rollouts", "error", err)
	}
	for _, r := range due {
		if err := s.store.SetRolloutStatus(ctx, r.ID, storage.RolloutActive, now); err != nil {
			logWarn("Failed to activate scheduled rollout", "rollout", r.ID, "error", err)
			continue
		}
		logInfo("Activated scheduled rollout", "rollout", r.ID, "version", r.Version)
	}

	for _, id := range s.sender.ConnectedIDs() {
		p, err := s.store.GetPrinter(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			// Connected users share the registry with printers.
			continue
		}
		if err != nil {
			logWarn("Failed to load connected printer", "printer", id, "error", err)
			continue
		}
		if _, err := s.evaluator.EvaluatePrinter(ctx, p); err != nil {
			logWarn("Evaluation failed", "printer", id, "error", err)
		}
	}
}

func (s *Scheduler) cleanupCache(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.config.CacheRetention)
	n, err := s.store.DeleteExpiredCache(ctx, cutoff)
	if err != nil {
		logWarn("Cache cleanup failed", "error", err)
		return
	}
	if n > 0 {
		logInfo("Purged expired cached messages", "count", n)
	}
}
