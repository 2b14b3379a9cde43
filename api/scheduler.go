/*
scheduler.go - Audit outbox drain scheduler

PURPOSE:
  Periodically drains the audit outbox so change log entries whose
  post-commit drain failed (store outage, publisher error, process crash)
  still reach the change log.

DESIGN:
  - Runs a background goroutine with configurable interval
  - Drains once immediately on start
  - Each round is bounded by the interval, so a stuck store cannot pile
    up rounds
  - Failures are logged and retried on the next tick

CONFIGURATION:
  - Interval: How often to drain (AUDIT_DRAIN_INTERVAL, default 30s)
  - Enabled: Whether scheduler is active (zero interval disables it)

USAGE:
  scheduler := NewAuditDrainScheduler(engine.Recorder, interval, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: DrainAudit endpoint (manual drain)
  - ledger/audit.go: Recorder
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/billing-ledger/ledger"
)

// Drainer is the part of the recorder the scheduler needs.
type Drainer interface {
	Drain(ctx context.Context) (int, error)
}

// AuditDrainScheduler drains the audit outbox on a ticker.
type AuditDrainScheduler struct {
	Drainer  Drainer
	Interval time.Duration
	Enabled  bool
	Logger   *logrus.Logger

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewAuditDrainScheduler creates a new scheduler. A non-positive interval
// yields a disabled scheduler.
func NewAuditDrainScheduler(recorder *ledger.Recorder, interval time.Duration, logger *logrus.Logger) *AuditDrainScheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AuditDrainScheduler{
		Drainer:  recorder,
		Interval: interval,
		Enabled:  interval > 0,
		Logger:   logger,
		stop:     make(chan bool),
	}
}

// Start begins the scheduler.
func (s *AuditDrainScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.Logger.WithField("component", "audit_scheduler")
	if !s.Enabled {
		log.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan bool)
	s.wg.Add(1)

	go s.run()

	log.WithField("interval", s.Interval.String()).Info("started")
}

// Stop stops the scheduler and waits for an in-flight drain.
func (s *AuditDrainScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.Logger.WithField("component", "audit_scheduler").Info("stopped")
	}
}

func (s *AuditDrainScheduler) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.drainOnce()

	for {
		select {
		case <-s.ticker.C:
			s.drainOnce()
		case <-s.stop:
			return
		}
	}
}

func (s *AuditDrainScheduler) drainOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.Interval)
	defer cancel()

	log := s.Logger.WithField("component", "audit_scheduler")
	n, err := s.Drainer.Drain(ctx)
	if err != nil {
		log.WithError(err).WithField("delivered", n).Warn("drain failed")
		return
	}
	if n > 0 {
		log.WithField("delivered", n).Info("drained audit outbox")
	}
}
