// Package scheduler polls for due cron tasks and feeds them through the same
// execution path as live messages.
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sandclaw/sandclaw/internal/store"
)

// Handler executes one due task. Failures are logged per task and never
// block the tick.
type Handler func(task store.ScheduledTask) error

// Config holds scheduler settings.
type Config struct {
	PollInterval time.Duration
}

// Scheduler drives a single recurring poll timer.
type Scheduler struct {
	cfg     Config
	store   *store.Store
	handler Handler

	mu   sync.Mutex
	stop chan struct{}
}

// New creates a Scheduler. Start must be called to begin polling.
func New(cfg Config, st *store.Store, handler Handler) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	return &Scheduler{cfg: cfg, store: st, handler: handler}
}

// NextRun computes the task's next run in epoch milliseconds, strictly after
// from. Standard 5-field cron expressions.
func NextRun(expr string, from time.Time) (int64, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return 0, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return sched.Next(from).UnixMilli(), nil
}

// Start launches the poll loop. A no-op if already started.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	stop := make(chan struct{})
	s.stop = stop

	go func() {
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				s.tick(now)
			}
		}
	}()
	slog.Info("scheduler started", "poll_interval", s.cfg.PollInterval)
}

// Stop cancels the pending timer. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		return
	}
	close(s.stop)
	s.stop = nil
	slog.Info("scheduler stopped")
}

// tick processes every task due at now. The next run is computed and
// persisted before the handler fires, so a slow or failing handler cannot
// cause the same due task to be re-picked on the following tick.
func (s *Scheduler) tick(now time.Time) {
	due, err := s.store.DueTasks(now.UnixMilli())
	if err != nil {
		slog.Error("scheduler due-task query failed", "error", err)
		return
	}

	for _, task := range due {
		next, err := NextRun(task.CronExpr, now)
		if err != nil {
			// Without a parseable expression there is no cadence to keep;
			// deactivate instead of re-picking it every tick.
			slog.Error("scheduler deactivating task with invalid cron", "task", task.ID, "error", err)
			if derr := s.store.SetTaskActive(task.ID, false); derr != nil {
				slog.Error("scheduler deactivate failed", "task", task.ID, "error", derr)
			}
			continue
		}
		if err := s.store.SetTaskNextRun(task.ID, next); err != nil {
			slog.Error("scheduler next-run persist failed", "task", task.ID, "error", err)
			continue
		}

		if err := s.handler(task); err != nil {
			slog.Error("scheduled task failed", "task", task.ID, "conversation", task.ConversationID, "error", err)
		}
	}
}
