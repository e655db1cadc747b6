package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/lockfile"
	"github.com/BTreeMap/FlowPipe/internal/lookup"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/metrics"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/nudge"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/FlowPipe/internal/whatsapp"
)

// redisPingTimeout bounds the startup connectivity check.
const redisPingTimeout = 5 * time.Second

// app holds the storage side of a running process.
type app struct {
	store   store.Store
	locker  store.Locker
	metrics *metrics.Metrics
	nudges  *nudge.Scheduler
	closers []func() error
}

// openApp opens the configured stores. Redis, when set, takes over nudges
// and per-user locks; a graph bucket, when set, takes over graphs.
func openApp(ctx context.Context, config *Config) (*app, error) {
	a := &app{metrics: metrics.New(), locker: store.NewLocalLocker()}

	base, err := openStore(config.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, base.Close)
	var st store.Store = base

	if config.RedisURL != "" {
		opt, err := redis.ParseURL(config.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		client := redis.NewClient(opt)
		a.closers = append(a.closers, client.Close)
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		err = client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to reach redis: %w", err)
		}
		st = &store.NudgeOverlay{Store: st, Nudges: store.NewRedisNudgeStore(client, redisPrefix)}
		a.locker = store.NewRedisLocker(client, redisPrefix)
		slog.Info("openApp: redis enabled for nudges and locks", "addr", opt.Addr)
	}

	if config.GraphBucket != "" {
		graphs, err := store.NewBlobGraphStore(ctx, config.GraphBucket, graphPrefix)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, graphs.Close)
		st = &store.GraphOverlay{Store: st, Graphs: graphs}
		slog.Info("openApp: graphs served from bucket", "bucket", config.GraphBucket)
	}

	a.store = st
	a.nudges = nudge.NewScheduler(st)
	return a, nil
}

// lockStateDir locks the state directory when this process keeps files in
// it. Long-running commands call it before opening anything.
func lockStateDir(config *Config) (*lockfile.Lock, error) {
	if config.Channel != "whatsmeow" && store.DetectDSNType(config.DatabaseURL) == "postgres" {
		return nil, nil
	}
	return lockfile.Acquire(config.StateDir)
}

// openStore picks the SQL backend from the DSN.
func openStore(dsn string) (store.Store, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		st, err := store.NewPostgresStore(store.WithPostgresDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return st, nil
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", dsn)
	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	return st, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("app.Close: close failed", "error", err)
		}
	}
	a.closers = nil
}

// newEngine builds the flow engine over the app's stores.
func (a *app) newEngine(config *Config, sender flow.Sender) *flow.Engine {
	var admins []string
	for _, raw := range config.Admins {
		key, err := messaging.CanonicalizeRecipient(raw)
		if err != nil {
			slog.Warn("newEngine: ignoring invalid admin number", "value", raw, "error", err)
			continue
		}
		admins = append(admins, key)
	}
	return flow.NewEngine(a.store, a.nudges, sender,
		flow.WithDefaultCampaign(config.DefaultCampaign),
		flow.WithSessionTTL(config.SessionTTL),
		flow.WithAdmins(admins...),
		flow.WithSchoolLookup(lookup.NewSchoolClient(config.SchoolURL)),
		flow.WithMetrics(a.metrics),
	)
}

// newDispatcher serializes inbound walks per user.
func (a *app) newDispatcher(eng *flow.Engine, ch *channel) *messaging.Dispatcher {
	opts := []messaging.DispatcherOption{
		messaging.WithDedup(a.store),
		messaging.WithLocker(a.locker),
		messaging.WithDispatchMetrics(a.metrics),
		messaging.WithChannel(ch.name),
	}
	if ch.resolver != nil {
		opts = append(opts, messaging.WithInputResolver(ch.resolver))
	}
	return messaging.NewDispatcher(eng, opts...)
}

// newDrainer walks due nudges under the same per-user lock as inbound
// messages.
func (a *app) newDrainer(config *Config, eng *flow.Engine, disp *messaging.Dispatcher) *nudge.Drainer {
	handle := func(ctx context.Context, n models.Nudge) error {
		return disp.Locked(ctx, n.UserKey, func(ctx context.Context) error {
			return eng.ResumeNudge(ctx, n)
		})
	}
	return nudge.NewDrainer(a.nudges, handle,
		nudge.WithBatchSize(config.NudgeBatch),
		nudge.WithBudget(config.NudgeBudget, nudge.DefaultSafetyMargin),
		nudge.WithMetrics(a.metrics),
	)
}

// channel is the outbound side of one configured messaging channel.
type channel struct {
	name     string
	sender   flow.Sender
	resolver messaging.InputResolver
	// listen feeds the channel's own inbound stream to the dispatcher, for
	// channels that are not webhook based.
	listen func(ctx context.Context, disp *messaging.Dispatcher)
	close  func()
}

// openChannel connects the configured channel.
func openChannel(ctx context.Context, config *Config) (*channel, error) {
	if err := config.validateChannel(); err != nil {
		return nil, err
	}
	switch config.Channel {
	case "whatsmeow":
		opts := []whatsapp.Option{whatsapp.WithDBDSN(config.WhatsAppDSN)}
		if config.QROutput != "" {
			opts = append(opts, whatsapp.WithQRCodeOutput(config.QROutput))
		}
		if config.NumericCode {
			opts = append(opts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to start whatsmeow client: %w", err)
		}
		sender := messaging.NewWhatsmeowSender(client)
		return &channel{
			name:     messaging.ChannelWhatsmeow,
			sender:   sender,
			resolver: sender,
			listen: func(ctx context.Context, disp *messaging.Dispatcher) {
				client.OnInbound(func(ev models.InboundEvent) {
					disp.DispatchAsync(ctx, ev)
				})
			},
			close: client.Disconnect,
		}, nil

	case "twilio":
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(config.TwilioSID),
			twiliowhatsapp.WithAuthToken(config.TwilioToken),
			twiliowhatsapp.WithFromWhats(config.TwilioFrom),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create twilio client: %w", err)
		}
		sender := messaging.NewTwilioSender(client)
		return &channel{name: messaging.ChannelTwilio, sender: sender, resolver: sender}, nil

	default:
		var opts []messaging.CloudAPIOption
		if config.CloudAPIBaseURL != "" {
			opts = append(opts, messaging.WithBaseURL(config.CloudAPIBaseURL))
		}
		sender := messaging.NewCloudAPISender(config.PhoneNumberID, config.CloudAPIToken, opts...)
		return &channel{name: messaging.ChannelCloudAPI, sender: sender}, nil
	}
}

// Close disconnects the channel, if it holds a connection.
func (c *channel) Close() {
	if c.close != nil {
		c.close()
	}
}
