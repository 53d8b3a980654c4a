// Package scheduler activates and retires time-bounded channels. Each
// scheduled channel carries an activation window; the scheduler keeps
// the registry in step with those windows and cleans up the media
// directory on a cron cadence.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/amps-project/amps/internal/amperr"
	"github.com/amps-project/amps/internal/config"
	"github.com/amps-project/amps/internal/observability"
	"github.com/amps-project/amps/internal/registry"
)

// Registrar is the registry surface the scheduler drives.
type Registrar interface {
	Add(ch *config.Channel, origin registry.Origin) error
	Delete(id int) (*config.Channel, error)
}

// Scheduler reconciles scheduled channels against the clock. Every tick
// it compares each window to now: channels inside their window are
// added under the scheduler origin, channels past their end are
// retired, stopping any live streams through the registry's cascade.
type Scheduler struct {
	mu sync.RWMutex

	registrar Registrar
	logger    *slog.Logger
	tick      time.Duration
	now       func() time.Time

	scheduled []config.ScheduledChannel
	applied   map[int]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler over the given windows.
func New(cfg config.SchedulerConfig, registrar Registrar, scheduled []config.ScheduledChannel) *Scheduler {
	return &Scheduler{
		registrar: registrar,
		logger:    slog.Default(),
		tick:      cfg.Tick,
		now:       time.Now,
		scheduled: scheduled,
		applied:   make(map[int]bool),
	}
}

// WithLogger sets a custom logger.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = observability.WithComponent(logger, "scheduler")
	return s
}

// Start reconciles once immediately, so windows already open at boot
// activate before the server takes traffic, then ticks in the
// background.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return fmt.Errorf("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.reconcileLocked()

	s.wg.Add(1)
	go s.loop()
	s.logger.Info("scheduler started",
		slog.Duration("tick", s.tick),
		slog.Int("windows", len(s.scheduled)))
	return nil
}

// Stop halts the tick loop. Channels already activated stay in the
// registry; shutdown teardown is the server's job.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()

	s.mu.Lock()
	s.ctx = nil
	s.cancel = nil
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Reconcile()
		}
	}
}

// Replace swaps the scheduled set, retiring active channels whose
// windows disappeared. Called on config file reload.
func (s *Scheduler) Replace(scheduled []config.ScheduledChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	known := make(map[int]bool, len(scheduled))
	for _, sc := range scheduled {
		known[sc.Channel.ID] = true
	}
	for id, active := range s.applied {
		if active && !known[id] {
			s.retireLocked(id)
		}
		if !known[id] {
			delete(s.applied, id)
		}
	}
	s.scheduled = scheduled
	s.reconcileLocked()
}

// Reconcile applies one pass of window evaluation.
func (s *Scheduler) Reconcile() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconcileLocked()
}

func (s *Scheduler) reconcileLocked() {
	now := s.now()
	for i := range s.scheduled {
		sc := &s.scheduled[i]
		id := sc.Channel.ID
		want := windowOpen(sc.Schedule, now)
		have := s.applied[id]

		switch {
		case want && !have:
			s.activateLocked(sc)
		case !want && have:
			s.retireLocked(id)
			s.applied[id] = false
		}
	}
}

func (s *Scheduler) activateLocked(sc *config.ScheduledChannel) {
	ch, err := sc.Channel.Clone()
	if err != nil {
		s.logger.Error("cloning scheduled channel",
			slog.Int("id", sc.Channel.ID), slog.Any("error", err))
		return
	}
	if err := s.registrar.Add(ch, registry.OriginScheduler); err != nil {
		if amperr.IsKind(err, amperr.Conflict) {
			s.logger.Warn("scheduled channel id already taken, skipping window",
				slog.Int("id", ch.ID), slog.String("name", ch.Name))
		} else {
			s.logger.Error("activating scheduled channel",
				slog.Int("id", ch.ID), slog.Any("error", err))
		}
		return
	}
	s.applied[ch.ID] = true
	s.logger.Info("scheduled channel activated",
		slog.Int("id", ch.ID), slog.String("name", ch.Name))
}

func (s *Scheduler) retireLocked(id int) {
	if _, err := s.registrar.Delete(id); err != nil {
		if !amperr.IsKind(err, amperr.NotFound) {
			s.logger.Error("retiring scheduled channel",
				slog.Int("id", id), slog.Any("error", err))
		}
		return
	}
	s.logger.Info("scheduled channel retired", slog.Int("id", id))
}

// windowOpen reports whether now falls inside the schedule. A missing
// start is immediately eligible, a missing end never retires.
func windowOpen(w config.Schedule, now time.Time) bool {
	if w.Start != nil && now.Before(*w.Start) {
		return false
	}
	if w.End != nil && !now.Before(*w.End) {
		return false
	}
	return true
}
