package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"codehive/collab/internal/metrics"
)

const (
	persistDebounce = 1200 * time.Millisecond
	persistRetry    = 600 * time.Millisecond
)

// FlushFunc writes the owning room's current state to the store.
type FlushFunc func(ctx context.Context) error

// PersistScheduler debounces and coalesces persistence for one room. At
// most one flush runs at a time; a request arriving during a flush arms the
// debounce timer for a later flush, and a failed flush re-arms a shorter
// retry timer, so no accepted update is ever dropped.
type PersistScheduler struct {
	flush    FlushFunc
	log      *zap.Logger
	met      *metrics.Collectors
	debounce time.Duration
	retry    time.Duration

	mu        sync.Mutex // guards the (timer, inFlight, requested) triple
	flushMu   sync.Mutex // serializes flush bodies
	timer     *time.Timer
	inFlight  bool
	requested bool
}

func NewPersistScheduler(flush FlushFunc, log *zap.Logger, met *metrics.Collectors) *PersistScheduler {
	return newPersistScheduler(flush, log, met, persistDebounce, persistRetry)
}

func newPersistScheduler(flush FlushFunc, log *zap.Logger, met *metrics.Collectors, debounce, retry time.Duration) *PersistScheduler {
	return &PersistScheduler{flush: flush, log: log, met: met, debounce: debounce, retry: retry}
}

// ScheduleFlush marks the room dirty and arms the debounce timer if none is
// armed.
func (s *PersistScheduler) ScheduleFlush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requested = true
	if s.timer == nil {
		s.timer = time.AfterFunc(s.debounce, s.fire)
	}
}

func (s *PersistScheduler) fire() {
	s.mu.Lock()
	s.timer = nil
	s.mu.Unlock()
	_ = s.Flush(context.Background())
}

// Flush performs one persist if requested. A failed persist re-marks the
// room dirty and arms the retry timer.
func (s *PersistScheduler) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if !s.requested {
		s.mu.Unlock()
		return nil
	}
	s.requested = false
	s.inFlight = true
	s.mu.Unlock()

	err := s.flush(ctx)
	if s.met != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		s.met.PersistFlushes.WithLabelValues(status).Inc()
	}

	s.mu.Lock()
	s.inFlight = false
	if err != nil {
		s.requested = true
		s.log.Error("persist flush failed", zap.Error(err))
	}
	if s.requested && s.timer == nil {
		s.timer = time.AfterFunc(s.retry, s.fire)
	}
	s.mu.Unlock()
	return err
}

// FinalFlush cancels any armed timer and forces one last flush; used during
// room teardown and server shutdown.
func (s *PersistScheduler) FinalFlush(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.requested = true
	s.mu.Unlock()
	return s.Flush(ctx)
}

// Stop cancels any armed timer without flushing.
func (s *PersistScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Pending reports whether a flush request is outstanding.
func (s *PersistScheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requested || s.inFlight
}
