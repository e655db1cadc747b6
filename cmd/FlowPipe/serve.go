package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/FlowPipe/internal/api"
	"github.com/BTreeMap/FlowPipe/internal/scheduler"
)

func newServeCmd(config *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve webhooks and the admin API, and drain due nudges",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, config)
		},
	}

	f := cmd.Flags()
	f.StringVar(&config.DefaultCampaign, "default-campaign", config.DefaultCampaign, "campaign new users start in (overrides $DEFAULT_CAMPAIGN_ID)")
	f.StringVar(&config.APIAddr, "api-addr", config.APIAddr, "HTTP listen address (overrides $API_ADDR)")
	f.StringVar(&config.Channel, "channel", config.Channel, "outbound channel: cloudapi, whatsmeow or twilio (overrides $CHANNEL)")
	f.StringVar(&config.NudgeCron, "nudge-cron", config.NudgeCron, "cron spec for in-process nudge drains, empty to disable (overrides $NUDGE_CRON)")
	f.IntVar(&config.NudgeBatch, "nudge-batch", config.NudgeBatch, "nudges claimed per drain batch (overrides $NUDGE_BATCH_SIZE)")
	f.DurationVar(&config.NudgeBudget, "nudge-budget", config.NudgeBudget, "wall-clock budget of one drain (overrides $NUDGE_BUDGET)")
	f.StringVar(&config.QROutput, "qr-output", config.QROutput, "file to write the whatsmeow login QR code to")
	f.BoolVar(&config.NumericCode, "numeric-code", config.NumericCode, "print whatsmeow pairing codes instead of QR codes (overrides $WHATSAPP_NUMERIC_CODE)")
	return cmd
}

// serve runs the server until ctx is cancelled.
func serve(ctx context.Context, config *Config) error {
	if config.DefaultCampaign == "" {
		return errors.New("a default campaign is required (set DEFAULT_CAMPAIGN_ID or --default-campaign)")
	}

	lock, err := lockStateDir(config)
	if err != nil {
		return err
	}
	defer lock.Release()

	a, err := openApp(ctx, config)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.store.GetCampaign(ctx, config.DefaultCampaign); err != nil {
		slog.Warn("serve: default campaign not found, new users will be rejected until it is imported",
			"campaign", config.DefaultCampaign, "error", err)
	}

	ch, err := openChannel(ctx, config)
	if err != nil {
		return err
	}
	defer ch.Close()

	eng := a.newEngine(config, ch.sender)
	disp := a.newDispatcher(eng, ch)
	defer disp.Wait()
	if ch.listen != nil {
		ch.listen(ctx, disp)
	}
	drainer := a.newDrainer(config, eng, disp)

	if config.NudgeCron != "" {
		cron := scheduler.NewScheduler()
		if err := cron.AddDrain(ctx, config.NudgeCron, drainer, config.NudgeBudget); err != nil {
			return fmt.Errorf("invalid nudge cron spec %q: %w", config.NudgeCron, err)
		}
		defer cron.Stop()
		slog.Info("serve: in-process nudge drains enabled", "spec", config.NudgeCron)
	} else {
		slog.Info("serve: in-process nudge drains disabled, use POST /nudges/drain")
	}

	opts := []api.Option{
		api.WithAddr(config.APIAddr),
		api.WithVerifyToken(config.VerifyToken),
		api.WithDrainer(drainer),
		api.WithMetrics(a.metrics),
	}
	if config.Channel == "twilio" {
		opts = append(opts,
			api.WithTwilioWebhook(),
			api.WithTwilioSignature(config.TwilioToken, config.TwilioWebhookURL),
		)
	}
	srv := api.NewServer(a.store, eng, disp, opts...)

	slog.Info("serve: starting", "channel", ch.name, "campaign", config.DefaultCampaign, "addr", config.APIAddr)
	return srv.Run(ctx)
}
