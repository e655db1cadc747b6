package main

import (
	"github.com/spf13/cobra"
)

// newRootCmd builds the command tree. Flag defaults come from config, so
// flags override the environment.
func newRootCmd(config *Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "FlowPipe",
		Short:         "FlowPipe walks WhatsApp users through campaign flow graphs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			config.resolvePaths()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&config.StateDir, "state-dir", config.StateDir, "state directory for SQLite files (overrides $FLOWPIPE_STATE_DIR)")
	pf.StringVar(&config.DatabaseURL, "db-dsn", config.DatabaseURL, "Postgres URL or SQLite path (overrides $DATABASE_URL)")
	pf.StringVar(&config.RedisURL, "redis-url", config.RedisURL, "Redis URL for nudges and per-user locks (overrides $REDIS_URL)")
	pf.StringVar(&config.GraphBucket, "graph-bucket", config.GraphBucket, "bucket URL for graph documents (overrides $GRAPH_BUCKET_URL)")

	root.AddCommand(newServeCmd(config), newDrainCmd(config), newImportCmd(config))
	return root
}
