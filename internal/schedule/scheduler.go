package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/HainanZhao/clawless/pkg/logger"
)

// RunFunc executes one due schedule. Implementations should enqueue rather
// than block for long; a run in progress suppresses further fires of the
// same id.
type RunFunc func(ctx context.Context, s Schedule)

// Scheduler owns the cron engine, the one-shot timers, and the store.
type Scheduler struct {
	store *Store
	cron  *cron.Cron
	loc   *time.Location
	run   RunFunc

	mu       sync.Mutex
	entries  map[string]cron.EntryID
	timers   map[string]*time.Timer
	inFlight map[string]bool
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool

	log zerolog.Logger
}

// New builds a scheduler persisting to path, evaluating cron expressions in
// loc.
func New(path string, loc *time.Location, run RunFunc) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		store:    NewStore(path),
		cron:     cron.New(cron.WithLocation(loc)),
		loc:      loc,
		run:      run,
		entries:  make(map[string]cron.EntryID),
		timers:   make(map[string]*time.Timer),
		inFlight: make(map[string]bool),
		log:      logger.Component("schedule"),
	}
}

// Start loads persisted schedules and begins firing. Past-due one-times are
// dropped; recurring entries with invalid cron are skipped with a warning.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.store.Load(); err != nil {
		return err
	}

	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.mu.Unlock()

	now := time.Now()
	for _, sched := range s.store.List() {
		if sched.Kind == KindOneTime && sched.RunAt != nil && sched.RunAt.Before(now) {
			s.log.Info().Str("id", sched.ID).Time("run_at", *sched.RunAt).Msg("dropping past-due one-time schedule")
			if err := s.store.Delete(sched.ID); err != nil {
				s.log.Warn().Err(err).Str("id", sched.ID).Msg("failed to drop expired schedule")
			}
			continue
		}
		if !sched.Active {
			continue
		}
		if err := s.register(sched); err != nil {
			s.log.Warn().Err(err).Str("id", sched.ID).Msg("skipping unregisterable schedule")
		}
	}

	s.cron.Start()
	s.log.Info().Int("schedules", len(s.store.List())).Str("timezone", s.loc.String()).Msg("scheduler started")
	return nil
}

// Stop halts firing. Running jobs are not interrupted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
}

// register wires one active schedule into cron or a timer.
func (s *Scheduler) register(sched Schedule) error {
	switch sched.Kind {
	case KindRecurring:
		entryID, err := s.cron.AddFunc(sched.CronExpression, func() { s.fire(sched.ID) })
		if err != nil {
			return fmt.Errorf("register cron %s: %w", sched.ID, err)
		}
		s.mu.Lock()
		s.entries[sched.ID] = entryID
		s.mu.Unlock()
	case KindOneTime:
		delay := time.Until(*sched.RunAt)
		if delay < 0 {
			delay = 0
		}
		s.mu.Lock()
		s.timers[sched.ID] = time.AfterFunc(delay, func() { s.fire(sched.ID) })
		s.mu.Unlock()
	}
	return nil
}

// unregister removes the schedule from cron/timers.
func (s *Scheduler) unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
}

// fire runs one due schedule, guarding against overlapping itself.
func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	if !s.started || s.inFlight[id] {
		if s.inFlight[id] {
			s.log.Warn().Str("id", id).Msg("previous run still in flight, skipping")
		}
		s.mu.Unlock()
		return
	}
	s.inFlight[id] = true
	ctx := s.ctx
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inFlight, id)
		s.mu.Unlock()
	}()

	sched, err := s.store.Get(id)
	if err != nil {
		return // deleted while due
	}
	if !sched.Active {
		return
	}

	// Stamp before the handler so a crash mid-run still shows the attempt.
	now := time.Now()
	sched.LastRun = &now
	if err := s.store.Put(sched); err != nil {
		s.log.Warn().Err(err).Str("id", id).Msg("failed to record last run")
	}

	s.log.Info().Str("id", id).Str("kind", sched.Kind).Str("type", sched.Type).Msg("schedule due")
	s.run(ctx, sched)

	if sched.Kind == KindOneTime {
		s.unregister(id)
		if err := s.store.Delete(id); err != nil && err != ErrNotFound {
			s.log.Warn().Err(err).Str("id", id).Msg("failed to remove fired one-time schedule")
		}
	}
}

// Create validates, persists, and registers a schedule. A missing id and
// created-at are filled in. One-time schedules must have a future runAt.
func (s *Scheduler) Create(sched Schedule) (Schedule, error) {
	if sched.ID == "" {
		sched.ID = NewID()
	}
	if sched.Type == "" {
		sched.Type = TypeStandard
	}
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = time.Now()
	}
	if err := sched.Validate(); err != nil {
		return Schedule{}, err
	}
	if sched.Kind == KindOneTime && !sched.RunAt.After(time.Now()) {
		return Schedule{}, fmt.Errorf("schedule: runAt must be in the future")
	}
	if err := s.store.Put(sched); err != nil {
		return Schedule{}, err
	}
	if sched.Active && s.running() {
		if err := s.register(sched); err != nil {
			return Schedule{}, err
		}
	}
	return sched, nil
}

// Update replaces an existing schedule's configuration and rewires its
// runtime handles.
func (s *Scheduler) Update(id string, sched Schedule) (Schedule, error) {
	existing, err := s.store.Get(id)
	if err != nil {
		return Schedule{}, err
	}
	sched.ID = id
	sched.CreatedAt = existing.CreatedAt
	sched.LastRun = existing.LastRun
	if err := sched.Validate(); err != nil {
		return Schedule{}, err
	}

	s.unregister(id)
	if err := s.store.Put(sched); err != nil {
		return Schedule{}, err
	}
	if sched.Active && s.running() {
		if err := s.register(sched); err != nil {
			return Schedule{}, err
		}
	}
	return sched, nil
}

// Delete removes a schedule.
func (s *Scheduler) Delete(id string) error {
	s.unregister(id)
	return s.store.Delete(id)
}

// List returns all schedules, oldest first.
func (s *Scheduler) List() []Schedule {
	return s.store.List()
}

// Get returns one schedule.
func (s *Scheduler) Get(id string) (Schedule, error) {
	return s.store.Get(id)
}

func (s *Scheduler) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}
