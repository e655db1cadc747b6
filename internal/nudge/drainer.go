package nudge

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/metrics"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Drain defaults.
const (
	DefaultBatchSize    = 20
	DefaultBudget       = 25 * time.Second
	DefaultSafetyMargin = 5 * time.Second
)

// Handler walks one due nudge.
type Handler func(ctx context.Context, n models.Nudge) error

// Result summarises one drain run. Exhausted is true when the run stopped
// because nothing was due, false when it stopped on the budget or context.
type Result struct {
	Batches   int           `json:"batches"`
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Exhausted bool          `json:"exhausted"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Drainer pulls due nudges batch by batch and hands each to a Handler until
// nothing is due or the wall-clock budget runs low.
type Drainer struct {
	sched   *Scheduler
	handle  Handler
	batch   int
	budget  time.Duration
	margin  time.Duration
	now     func() time.Time
	metrics *metrics.Metrics
}

// DrainerOption configures a Drainer.
type DrainerOption func(*Drainer)

// WithBatchSize sets how many nudges are pulled per batch.
func WithBatchSize(n int) DrainerOption {
	return func(d *Drainer) {
		if n > 0 {
			d.batch = n
		}
	}
}

// WithBudget sets the wall-clock budget of a run and the margin below which
// no new batch is started.
func WithBudget(budget, margin time.Duration) DrainerOption {
	return func(d *Drainer) {
		if budget > 0 {
			d.budget = budget
		}
		if margin >= 0 {
			d.margin = margin
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) DrainerOption {
	return func(d *Drainer) { d.now = now }
}

// WithMetrics records processed nudges and runs.
func WithMetrics(m *metrics.Metrics) DrainerOption {
	return func(d *Drainer) { d.metrics = m }
}

// NewDrainer creates a Drainer feeding due nudges to handle.
func NewDrainer(sched *Scheduler, handle Handler, opts ...DrainerOption) *Drainer {
	d := &Drainer{
		sched:  sched,
		handle: handle,
		batch:  DefaultBatchSize,
		budget: DefaultBudget,
		margin: DefaultSafetyMargin,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run drains until nothing is due, ctx is done, or less than the safety
// margin of the budget remains. A batch that has started always finishes.
func (d *Drainer) Run(ctx context.Context) (Result, error) {
	start := d.now()
	deadline := start.Add(d.budget)
	var res Result
	defer func() {
		res.Elapsed = d.now().Sub(start)
		d.metrics.DrainFinished(res.Processed)
		slog.Info("Drainer.Run: finished", "batches", res.Batches, "processed", res.Processed,
			"failed", res.Failed, "exhausted", res.Exhausted, "elapsed", res.Elapsed)
	}()

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		now := d.now()
		if deadline.Sub(now) < d.margin {
			slog.Debug("Drainer.Run: budget exhausted", "remaining", deadline.Sub(now))
			return res, nil
		}
		due, err := d.sched.DrainDue(ctx, now, d.batch)
		if err != nil {
			slog.Error("Drainer.Run: drain query failed", "error", err)
			return res, err
		}
		if len(due) == 0 {
			res.Exhausted = true
			return res, nil
		}
		res.Batches++
		for _, n := range due {
			d.process(ctx, n, &res)
		}
	}
}

func (d *Drainer) process(ctx context.Context, n models.Nudge, res *Result) {
	res.Processed++
	if err := d.handle(ctx, n); err != nil {
		res.Failed++
		d.metrics.NudgeProcessed("error")
		slog.Error("Drainer.process: nudge walk failed", "user", n.UserKey, "graph", n.GraphID, "node", n.NodeID, "error", err)
	} else {
		d.metrics.NudgeProcessed("ok")
	}
	// Drain is non-destructive; retire the nudge unless the walk re-armed it.
	if err := d.sched.CancelIfUnchanged(ctx, n); err != nil {
		slog.Error("Drainer.process: failed to retire nudge", "user", n.UserKey, "error", err)
	}
}
