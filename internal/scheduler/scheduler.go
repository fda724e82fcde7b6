// Package scheduler runs recurring tasks defined by Schedule rows. A
// reload loop keeps the schedule set fresh; a minute tick evaluates cron
// expressions and dispatches due tasks onto a bounded worker set with
// per-task retry budgets.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/percolationlabs/percolate/internal/config"
	"github.com/percolationlabs/percolate/internal/store"
	"github.com/percolationlabs/percolate/pkg/models"
)

// Handler executes one task type.
type Handler func(ctx context.Context, sched models.Schedule) error

// Scheduler evaluates and dispatches recurring tasks.
type Scheduler struct {
	store  store.Store
	cfg    config.SchedulerConfig
	parser cron.Parser

	handlers map[string]Handler

	mu        sync.Mutex
	schedules []models.Schedule
	running   map[uuid.UUID]bool
	lastRun   map[uuid.UUID]time.Time

	sem chan struct{}
}

// New builds a scheduler with the standard 5-field cron grammar.
func New(st store.Store, cfg config.SchedulerConfig) *Scheduler {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	return &Scheduler{
		store:    st,
		cfg:      cfg,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		handlers: map[string]Handler{},
		running:  map[uuid.UUID]bool{},
		lastRun:  map[uuid.UUID]time.Time{},
		sem:      make(chan struct{}, workers),
	}
}

// RegisterHandler binds a task type to its handler.
func (s *Scheduler) RegisterHandler(taskType string, h Handler) {
	s.handlers[taskType] = h
}

// Start runs the reload and evaluation loops until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().
		Dur("reload_interval", s.cfg.ReloadInterval).
		Int("workers", cap(s.sem)).
		Msg("scheduler started")

	s.reload(ctx)

	reload := time.NewTicker(s.cfg.ReloadInterval)
	tick := time.NewTicker(time.Minute)
	defer reload.Stop()
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scheduler stopped")
			return
		case <-reload.C:
			s.reload(ctx)
		case now := <-tick.C:
			s.evaluate(ctx, now)
		}
	}
}

// reload refreshes the enabled schedule set.
func (s *Scheduler) reload(ctx context.Context) {
	sysCtx := store.WithUserContext(ctx, store.UserContext{RoleLevel: models.RoleLevelAdmin})
	schedules, err := s.store.ListSchedules(sysCtx, true)
	if err != nil {
		log.Warn().Err(err).Msg("schedule reload failed")
		return
	}
	s.mu.Lock()
	s.schedules = schedules
	s.mu.Unlock()
	log.Debug().Int("count", len(schedules)).Msg("schedules reloaded")
}

// evaluate dispatches every schedule whose cron expression fired since its
// last run. A schedule with an unparseable expression is disabled so it
// stops burning evaluation cycles.
func (s *Scheduler) evaluate(ctx context.Context, now time.Time) {
	s.mu.Lock()
	snapshot := make([]models.Schedule, len(s.schedules))
	copy(snapshot, s.schedules)
	s.mu.Unlock()

	for _, sched := range snapshot {
		spec, err := s.parser.Parse(sched.Cron)
		if err != nil {
			log.Warn().Err(err).Str("schedule", sched.Name).Str("cron", sched.Cron).Msg("invalid cron expression, disabling")
			s.disable(ctx, sched.ID)
			continue
		}

		s.mu.Lock()
		last, seen := s.lastRun[sched.ID]
		if !seen {
			last = now.Add(-time.Minute)
		}
		due := !spec.Next(last).After(now)
		alreadyRunning := s.running[sched.ID]
		if due && !alreadyRunning {
			s.running[sched.ID] = true
			s.lastRun[sched.ID] = now
		}
		s.mu.Unlock()

		if due && !alreadyRunning {
			go s.dispatch(ctx, sched)
		}
	}
}

// dispatch runs one task on the worker set with its retry budget.
func (s *Scheduler) dispatch(ctx context.Context, sched models.Schedule) {
	defer func() {
		s.mu.Lock()
		delete(s.running, sched.ID)
		s.mu.Unlock()
	}()

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return
	}

	handler, ok := s.handlers[sched.TaskType()]
	if !ok {
		log.Warn().Str("schedule", sched.Name).Str("task_type", sched.TaskType()).Msg("no handler for task type")
		return
	}

	sysCtx := store.WithUserContext(ctx, store.UserContext{RoleLevel: models.RoleLevelAdmin})
	if err := s.runWithRetries(sysCtx, handler, sched); err != nil {
		log.Error().Err(err).Str("schedule", sched.Name).Msg("scheduled task failed")
		s.auditFailure(sysCtx, sched, err)
		return
	}
	log.Info().Str("schedule", sched.Name).Str("task_type", sched.TaskType()).Msg("scheduled task complete")
}

func (s *Scheduler) runWithRetries(ctx context.Context, handler Handler, sched models.Schedule) error {
	budget := sched.MaxRetries()
	var err error
	for attempt := 0; attempt <= budget; attempt++ {
		if attempt > 0 {
			backoff := retryBackoff(attempt)
			log.Warn().Err(err).Str("schedule", sched.Name).Int("attempt", attempt).Dur("backoff", backoff).Msg("retrying scheduled task")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = handler(ctx, sched); err == nil {
			return nil
		}
	}
	return fmt.Errorf("exhausted %d retries: %w", budget, err)
}

// retryBackoff doubles the wait per attempt: 30s, 1m, 2m, ...
func retryBackoff(attempt int) time.Duration {
	return (30 * time.Second) << (attempt - 1)
}

// auditFailure leaves a permanent record when a task burns its whole retry
// budget; logs rotate, the audit table does not.
func (s *Scheduler) auditFailure(ctx context.Context, sched models.Schedule, taskErr error) {
	row := &models.AIResponse{
		ID:        uuid.New(),
		SessionID: "schedule:" + sched.ID.String(),
		UserID:    sched.UserID,
		Role:      "system",
		Content:   fmt.Sprintf("scheduled task %s (%s) failed: %v", sched.Name, sched.TaskType(), taskErr),
		Status:    "error",
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateAIResponse(ctx, row); err != nil {
		log.Warn().Err(err).Str("schedule", sched.Name).Msg("audit write for failed task failed")
	}
}

func (s *Scheduler) disable(ctx context.Context, id uuid.UUID) {
	sysCtx := store.WithUserContext(ctx, store.UserContext{RoleLevel: models.RoleLevelAdmin})
	if err := s.store.DisableSchedule(sysCtx, id, time.Now().UTC()); err != nil {
		log.Warn().Err(err).Str("schedule_id", id.String()).Msg("disable schedule failed")
	}
}
