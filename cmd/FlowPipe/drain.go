package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newDrainCmd(config *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Run one budgeted nudge drain and exit",
		Long: "Run one budgeted nudge drain and exit. Intended for external " +
			"schedulers when in-process drains are disabled.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return drain(ctx, config)
		},
	}
	f := cmd.Flags()
	f.StringVar(&config.Channel, "channel", config.Channel, "outbound channel: cloudapi, whatsmeow or twilio (overrides $CHANNEL)")
	f.IntVar(&config.NudgeBatch, "nudge-batch", config.NudgeBatch, "nudges claimed per batch (overrides $NUDGE_BATCH_SIZE)")
	f.DurationVar(&config.NudgeBudget, "nudge-budget", config.NudgeBudget, "wall-clock budget of the drain (overrides $NUDGE_BUDGET)")
	return cmd
}

func drain(ctx context.Context, config *Config) error {
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

	ch, err := openChannel(ctx, config)
	if err != nil {
		return err
	}
	defer ch.Close()

	eng := a.newEngine(config, ch.sender)
	disp := a.newDispatcher(eng, ch)
	res, err := a.newDrainer(config, eng, disp).Run(ctx)
	if err != nil {
		return fmt.Errorf("drain failed after %d nudges: %w", res.Processed, err)
	}
	return nil
}
