package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/FlowPipe/internal/metrics"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

const (
	// DefaultLockTTL bounds how long a crashed dispatcher can hold a user's lock.
	DefaultLockTTL = 30 * time.Second
	// DefaultAsyncTimeout bounds one asynchronously dispatched event.
	DefaultAsyncTimeout = 60 * time.Second
)

// Dispatcher hands inbound events to the engine. Redelivered message ids
// are dropped and events for the same user are handled one at a time.
type Dispatcher struct {
	handler      InboundHandler
	dedup        store.DedupRepo
	locker       store.Locker
	resolver     InputResolver
	metrics      *metrics.Metrics
	channel      string
	lockTTL      time.Duration
	asyncTimeout time.Duration

	wg sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDedup drops events whose message id was already recorded.
func WithDedup(d store.DedupRepo) DispatcherOption {
	return func(x *Dispatcher) { x.dedup = d }
}

// WithLocker replaces the in-process per-user lock, e.g. with a Redis lock
// shared between replicas.
func WithLocker(l store.Locker) DispatcherOption {
	return func(x *Dispatcher) { x.locker = l }
}

// WithInputResolver rewrites inbound text before handling.
func WithInputResolver(r InputResolver) DispatcherOption {
	return func(x *Dispatcher) { x.resolver = r }
}

// WithDispatchMetrics records inbound dispositions.
func WithDispatchMetrics(m *metrics.Metrics) DispatcherOption {
	return func(x *Dispatcher) { x.metrics = m }
}

// WithChannel labels metrics and logs with the channel name.
func WithChannel(name string) DispatcherOption {
	return func(x *Dispatcher) { x.channel = name }
}

// WithLockTTL overrides DefaultLockTTL.
func WithLockTTL(ttl time.Duration) DispatcherOption {
	return func(x *Dispatcher) {
		if ttl > 0 {
			x.lockTTL = ttl
		}
	}
}

// NewDispatcher creates a Dispatcher for handler.
func NewDispatcher(handler InboundHandler, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		handler:      handler,
		locker:       store.NewLocalLocker(),
		channel:      ChannelCloudAPI,
		lockTTL:      DefaultLockTTL,
		asyncTimeout: DefaultAsyncTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch handles one event synchronously.
func (d *Dispatcher) Dispatch(ctx context.Context, ev models.InboundEvent) error {
	key, err := CanonicalizeRecipient(ev.SenderID)
	if err != nil {
		d.metrics.InboundReceived(d.channel, "invalid")
		return err
	}
	ev.SenderID = key
	if ev.MessageID == "" {
		ev.MessageID = uuid.NewString()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}

	if d.dedup != nil {
		fresh, err := d.dedup.RecordInbound(ctx, ev.MessageID, key)
		if err != nil {
			d.metrics.InboundReceived(d.channel, "error")
			return fmt.Errorf("failed to record inbound %s: %w", ev.MessageID, err)
		}
		if !fresh {
			slog.Info("Dispatcher.Dispatch: duplicate message dropped", "user", key, "message_id", ev.MessageID)
			d.metrics.InboundReceived(d.channel, "duplicate")
			return nil
		}
	}

	unlock, err := d.locker.Lock(ctx, key, d.lockTTL)
	if err != nil {
		d.metrics.InboundReceived(d.channel, "error")
		return fmt.Errorf("failed to lock user %s: %w", key, err)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("Dispatcher.Dispatch: unlock failed", "user", key, "error", err)
		}
	}()

	if d.resolver != nil && ev.MessageType == models.MessageTypeText {
		if resolved := d.resolver.Resolve(key, ev.Text); resolved != ev.Text {
			slog.Debug("Dispatcher.Dispatch: numbered reply resolved", "user", key, "input", ev.Text, "option", resolved)
			ev.Text = resolved
			ev.MessageType = models.MessageTypeInteractive
		}
	}

	res, err := d.handler.HandleInbound(ctx, ev)
	if err != nil {
		d.metrics.InboundReceived(d.channel, "error")
		return fmt.Errorf("failed to handle message %s from %s: %w", ev.MessageID, key, err)
	}

	if d.dedup != nil {
		if err := d.dedup.MarkProcessed(ctx, ev.MessageID); err != nil {
			slog.Warn("Dispatcher.Dispatch: failed to mark processed", "message_id", ev.MessageID, "error", err)
		}
	}
	d.metrics.InboundReceived(d.channel, "walked")
	slog.Debug("Dispatcher.Dispatch: handled", "user", key, "state", res.State, "node", res.NodeID)
	return nil
}

// Locked runs fn while holding key's user lock, so that work outside the
// inbound path, such as a nudge walk, never interleaves with a message walk.
func (d *Dispatcher) Locked(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	unlock, err := d.locker.Lock(ctx, key, d.lockTTL)
	if err != nil {
		return fmt.Errorf("failed to lock user %s: %w", key, err)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("Dispatcher.Locked: unlock failed", "user", key, "error", err)
		}
	}()
	return fn(ctx)
}

// DispatchAsync handles ev in the background, detached from ctx's
// cancellation so that webhook requests can be acknowledged immediately.
func (d *Dispatcher) DispatchAsync(ctx context.Context, ev models.InboundEvent) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.asyncTimeout)
		defer cancel()
		if err := d.Dispatch(ctx, ev); err != nil {
			d.logFailure(ev, err)
		}
	}()
}

// Start consumes events until the channel closes or ctx is done.
func (d *Dispatcher) Start(ctx context.Context, events <-chan models.InboundEvent) {
	slog.Info("Dispatcher.Start: processing inbound events", "channel", d.channel)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer slog.Info("Dispatcher.Start: stopped", "channel", d.channel)
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := d.Dispatch(ctx, ev); err != nil {
					d.logFailure(ev, err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until every background dispatch has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) logFailure(ev models.InboundEvent, err error) {
	if errors.Is(err, ErrInvalidRecipient) {
		slog.Warn("Dispatcher: dropping message from invalid sender", "sender", ev.SenderID, "error", err)
		return
	}
	slog.Error("Dispatcher: failed to handle message", "sender", ev.SenderID, "message_id", ev.MessageID, "error", err)
}
