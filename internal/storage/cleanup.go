package storage

import (
	"context"
	"sync"
	"time"

	"github.com/dgellow/authfront/internal/log"
)

// Sweeper removes expired sessions
type Sweeper interface {
	CleanupExpiredSessions(ctx context.Context) (int, error)
}

// SweepObserver is notified after every sweep, e.g. to record metrics
type SweepObserver interface {
	ObserveSweep(removed int, duration time.Duration, err error)
}

// CleanupManager handles periodic cleanup of expired sessions
type CleanupManager struct {
	store    Sweeper
	interval time.Duration
	observer SweepObserver
	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
	started  bool
}

// NewCleanupManager creates a new cleanup manager. observer may be nil.
func NewCleanupManager(store Sweeper, interval time.Duration, observer SweepObserver) *CleanupManager {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	return &CleanupManager{
		store:    store,
		interval: interval,
		observer: observer,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins the cleanup loop in a goroutine
func (cm *CleanupManager) Start(ctx context.Context) {
	log.LogInfoWithFields("cleanup", "Starting session cleanup manager", map[string]any{
		"interval": cm.interval.String(),
	})

	cm.started = true
	go cm.run(ctx)
}

// Stop gracefully stops the cleanup loop. It is safe to call more than once.
func (cm *CleanupManager) Stop() {
	cm.stopOnce.Do(func() {
		log.LogInfo("Stopping session cleanup manager...")
		close(cm.stopChan)
		if cm.started {
			<-cm.doneChan // Wait for cleanup loop to finish
		}
		log.LogInfo("Session cleanup manager stopped")
	})
}

// run is the main cleanup loop
func (cm *CleanupManager) run(ctx context.Context) {
	defer close(cm.doneChan)

	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	// Run cleanup immediately on start
	cm.Sweep(ctx)

	for {
		select {
		case <-ticker.C:
			cm.Sweep(ctx)
		case <-cm.stopChan:
			// Final cleanup on shutdown
			cm.Sweep(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep performs one cleanup pass and returns the number of removed sessions
func (cm *CleanupManager) Sweep(ctx context.Context) int {
	start := time.Now()
	count, err := cm.store.CleanupExpiredSessions(ctx)
	if cm.observer != nil {
		cm.observer.ObserveSweep(count, time.Since(start), err)
	}
	if err != nil {
		log.LogErrorWithFields("cleanup", "Failed to cleanup expired sessions", map[string]any{
			"error":   err.Error(),
			"removed": count,
		})
		return count
	}

	if count > 0 {
		log.LogInfoWithFields("cleanup", "Cleaned up expired sessions", map[string]any{
			"count": count,
		})
	}
	return count
}
