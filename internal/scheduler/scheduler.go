// Package scheduler runs periodic jobs for FlowPipe, chiefly the nudge
// drain, using cron expressions.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BTreeMap/FlowPipe/internal/nudge"
)

// DefaultDrainSpec drains due nudges once a minute.
const DefaultDrainSpec = "@every 1m"

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler. Expressions use the
// standard 5 fields or descriptors such as "@hourly" and "@every 30s".
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := cron.PrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn))
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Runner is one drain run; *nudge.Drainer implements it.
type Runner interface {
	Run(ctx context.Context) (nudge.Result, error)
}

// AddDrain runs r on expr. Each run gets its own context bounded by
// timeout and cancelled with ctx. A run still going when the next tick
// arrives causes that tick to be skipped.
func (s *Scheduler) AddDrain(ctx context.Context, expr string, r Runner, timeout time.Duration) error {
	return s.AddJob(expr, func() {
		if ctx.Err() != nil {
			return
		}
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		res, err := r.Run(runCtx)
		if err != nil {
			slog.Error("Scheduler.AddDrain: drain failed", "error", err, "processed", res.Processed)
		}
	})
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
