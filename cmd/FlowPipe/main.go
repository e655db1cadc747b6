// Command FlowPipe runs the campaign flow engine: the webhook and admin
// server, one-off nudge drains and graph imports.
package main

import (
	"fmt"
	"log/slog"
	"os"
)

func main() {
	loadDotEnv()
	initializeLogger(parseLogLevel(os.Getenv("FLOWPIPE_LOG_LEVEL")))

	config := loadEnvironmentConfig()
	if err := newRootCmd(&config).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initializeLogger sets up structured logging at the given level
func initializeLogger(level slog.Level) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}
