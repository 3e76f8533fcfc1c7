// Package automation hosts the background loops: the cron redeploy scheduler
// and the resource metrics collector. Both tick every minute and treat
// per-stack failures as log lines, never as loop aborts.
package automation

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/labuh/labuh/internal/models"
	"github.com/labuh/labuh/internal/stack"
)

const tickInterval = 60 * time.Second

// lookback must cover a full tick plus scheduling jitter, so a cron
// occurrence can never fall between two ticks unseen.
const lookback = 61 * time.Second

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Scheduler fires stack redeploys according to each stack's cron schedule.
type Scheduler struct {
	stacks *models.StackStore
	logs   *models.DeploymentLogStore
	engine *stack.Engine
	stopCh chan struct{}
}

func NewScheduler(stacks *models.StackStore, logs *models.DeploymentLogStore, engine *stack.Engine) *Scheduler {
	return &Scheduler{
		stacks: stacks,
		logs:   logs,
		engine: engine,
		stopCh: make(chan struct{}),
	}
}

// Start runs the loop until Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	slog.Info("cron scheduler started", "interval", tickInterval)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			slog.Info("cron scheduler stopped")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now())
		}
	}
}

func (s *Scheduler) Stop() {
	close(s.stopCh)
}

// tick scans all stacks and fires a detached redeploy for every schedule
// whose next occurrence after (now - lookback) has already passed.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	stacks, err := s.stacks.List()
	if err != nil {
		slog.Error("scheduler: list stacks", "err", err)
		return
	}

	for _, st := range stacks {
		if st.CronSchedule == "" {
			continue
		}
		due, err := Due(st.CronSchedule, now)
		if err != nil {
			slog.Warn("scheduler: bad cron expression", "stack", st.Name, "schedule", st.CronSchedule, "err", err)
			continue
		}
		if !due {
			continue
		}
		slog.Info("scheduled redeploy firing", "stack", st.Name, "schedule", st.CronSchedule)
		go s.redeploy(ctx, st)
	}
}

// Due reports whether a cron schedule has an occurrence in the window
// (now - lookback, now].
func Due(schedule string, now time.Time) (bool, error) {
	spec, err := cronParser.Parse(schedule)
	if err != nil {
		return false, err
	}
	next := spec.Next(now.Add(-lookback))
	return !next.IsZero() && !next.After(now), nil
}

// redeploy runs one scheduled redeploy with its own deployment-log row.
// Failures are logged; the loop never sees them.
func (s *Scheduler) redeploy(ctx context.Context, st *models.Stack) {
	row, err := s.logs.Start(st.ID, models.TriggerScheduled)
	if err != nil {
		slog.Error("scheduler: open deployment log", "stack", st.Name, "err", err)
		row = nil
	}

	if err := s.engine.RedeployStack(ctx, st); err != nil {
		slog.Error("scheduled redeploy failed", "stack", st.Name, "err", err)
		if row != nil {
			if ferr := s.logs.Finish(row, models.DeployFailed, err.Error()); ferr != nil {
				slog.Error("scheduler: close deployment log", "stack", st.Name, "err", ferr)
			}
		}
		return
	}

	if row != nil {
		if ferr := s.logs.Finish(row, models.DeploySuccess, "scheduled redeploy completed"); ferr != nil {
			slog.Error("scheduler: close deployment log", "stack", st.Name, "err", ferr)
		}
	}
}
