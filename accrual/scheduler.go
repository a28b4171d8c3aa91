/*
scheduler.go - Automated accrual scheduler

PURPOSE:
  Periodically triggers an accrual run for each configured organization so
  completed periods post without an operator calling the run endpoint.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each tick runs the engine as of "today" in the organization's timezone
  - The engine's per-period run records make repeated ticks harmless

USAGE:
  scheduler := NewScheduler(engine, zones, logger, orgs...)
  scheduler.Start()
  // ... later
  scheduler.Stop()
*/
package accrual

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/leave-ledger/calendar"
	"github.com/warp/leave-ledger/core"
)

// Scheduler drives unattended accrual runs.
type Scheduler struct {
	Engine        *Engine
	Zones         calendar.Zones
	Orgs          []core.OrgID
	CheckInterval time.Duration
	Enabled       bool

	log    *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewScheduler(engine *Engine, zones calendar.Zones, log *zap.Logger, orgs ...core.OrgID) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		Engine:        engine,
		Zones:         zones,
		Orgs:          orgs,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		log:           log,
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info("accrual scheduler disabled, not starting")
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)
	go s.run()
	s.log.Info("accrual scheduler started", zap.Duration("interval", s.CheckInterval))
}

// Stop shuts the scheduler down and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.log.Info("accrual scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	// Run once on startup, then on every tick.
	s.tick()
	for {
		select {
		case <-s.ticker.C:
			s.tick()
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	for _, org := range s.Orgs {
		loc, err := s.Zones.Location(ctx, org)
		if err != nil {
			s.log.Warn("no timezone for org, skipping accrual tick",
				zap.String("org", string(org)), zap.Error(err))
			continue
		}
		asOf := calendar.DateOf(time.Now(), loc)
		if _, err := s.Engine.Run(ctx, org, asOf); err != nil {
			s.log.Error("scheduled accrual run failed",
				zap.String("org", string(org)), zap.Error(err))
		}
	}
}
