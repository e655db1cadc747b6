// Package flow walks users through campaign level graphs and nudge graphs.
package flow

import (
	"context"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/metrics"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/nudge"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// Defaults for engine options.
const (
	DefaultSessionTTL   = 24 * time.Hour
	DefaultStepsPerNode = 3
)

// Sender delivers outbound messages to a user over a channel. Delivery is
// fire-and-forget: the engine logs send failures and keeps walking.
type Sender interface {
	SendText(ctx context.Context, to, text string) error
	SendChoice(ctx context.Context, to, text string, options []string, footer string) error
	SendMedia(ctx context.Context, to string, kind models.MediaKind, ref string, refType models.MediaRefType, caption string) error
	SendList(ctx context.Context, to, text string, sections []models.ListSection, opts models.ListOptions) error
}

// SchoolLookup resolves a DISE code to a school.
type SchoolLookup interface {
	LookupSchool(ctx context.Context, diseCode string) (*models.School, error)
}

// Engine runs walks against the stores. It holds no per-user state; every
// walk reads and writes the session store.
type Engine struct {
	graphs    store.GraphStore
	sessions  store.SessionStore
	campaigns store.CampaignStore
	nudges    *nudge.Scheduler
	sender    Sender
	table     HandlerTable

	defaultCampaign string
	sessionTTL      time.Duration
	stepsPerNode    int
	admins          map[string]struct{}
	now             func() time.Time
	schools         SchoolLookup
	metrics         *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithDefaultCampaign sets the campaign new users are seeded into.
func WithDefaultCampaign(id string) Option {
	return func(e *Engine) { e.defaultCampaign = id }
}

// WithSessionTTL sets the expiry horizon written on new sessions.
func WithSessionTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.sessionTTL = ttl
		}
	}
}

// WithStepsPerNode bounds a walk to n steps per node of the graphs it visits.
func WithStepsPerNode(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.stepsPerNode = n
		}
	}
}

// WithAdmins lists the users allowed to run commands on any graph kind.
func WithAdmins(keys ...string) Option {
	return func(e *Engine) {
		for _, k := range keys {
			if k != "" {
				e.admins[k] = struct{}{}
			}
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSchoolLookup sets the lookup used by DISE validation nodes. Without one
// every validation takes the invalid path.
func WithSchoolLookup(l SchoolLookup) Option {
	return func(e *Engine) { e.schools = l }
}

// WithMetrics records walk and emit counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an Engine over st. Nudges are scheduled through sched and
// messages delivered through sender.
func NewEngine(st store.Store, sched *nudge.Scheduler, sender Sender, opts ...Option) *Engine {
	e := &Engine{
		graphs:       st,
		sessions:     st,
		campaigns:    st,
		nudges:       sched,
		sender:       sender,
		table:        NewHandlerTable(),
		sessionTTL:   DefaultSessionTTL,
		stepsPerNode: DefaultStepsPerNode,
		admins:       map[string]struct{}{},
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) isAdmin(key string) bool {
	_, ok := e.admins[key]
	return ok
}
