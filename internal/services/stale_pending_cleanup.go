package services

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/emilioale04/steam-clone-sub003/internal/clock"
	"github.com/emilioale04/steam-clone-sub003/internal/store"
)

const stalePendingReason = "abandoned"

// StalePendingCleanupService periodically fails pending transactions that
// were never settled, e.g. because the process died between claiming the
// idempotency key and applying the balance change. A retry with the same key
// then reuses the failed row.
type StalePendingCleanupService struct {
	store          store.LedgerStore
	clock          clock.Clock
	log            logrus.FieldLogger
	staleThreshold time.Duration // How old before a pending row is abandoned
	checkInterval  time.Duration // How often to check
	stopChan       chan struct{}
	wg             sync.WaitGroup
	mu             sync.Mutex
	isRunning      bool
}

// NewStalePendingCleanupService creates a new stale pending cleanup service
func NewStalePendingCleanupService(st store.LedgerStore, c clock.Clock, log logrus.FieldLogger, staleThreshold time.Duration) *StalePendingCleanupService {
	if staleThreshold <= 0 {
		staleThreshold = 10 * time.Minute
	}
	if c == nil {
		c = clock.NewSystem()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &StalePendingCleanupService{
		store:          st,
		clock:          c,
		log:            log,
		staleThreshold: staleThreshold,
		checkInterval:  time.Minute,
		stopChan:       make(chan struct{}),
	}
}

// Start begins the cleanup service
func (s *StalePendingCleanupService) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()

	s.log.Infof("StalePendingCleanupService started (threshold: %v, interval: %v)",
		s.staleThreshold, s.checkInterval)
}

// Stop stops the cleanup service
func (s *StalePendingCleanupService) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()
	s.log.Info("StalePendingCleanupService stopped")
}

func (s *StalePendingCleanupService) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.Cleanup(context.Background())
		}
	}
}

// Cleanup fails every pending row not touched within the threshold and
// returns how many were changed.
func (s *StalePendingCleanupService) Cleanup(ctx context.Context) int64 {
	now := s.clock.Now()
	before := now.Add(-s.staleThreshold)

	n, err := s.store.FailStalePending(ctx, before, stalePendingReason, now)
	if err != nil {
		s.log.WithError(err).Error("StalePendingCleanup: failed to expire pending transactions")
		return 0
	}
	if n > 0 {
		s.log.Infof("StalePendingCleanup: failed %d pending transactions (no update since %v)", n, before)
	}
	return n
}
