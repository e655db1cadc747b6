package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/nudge"
	"github.com/BTreeMap/FlowPipe/internal/scheduler"
	"github.com/BTreeMap/FlowPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FlowPipe state data
	DefaultStateDir = "/var/lib/flowpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "flowpipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow device store filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultAPIAddr is the default HTTP listen address
	DefaultAPIAddr = ":8080"
	// DefaultChannel is the default outbound channel
	DefaultChannel = "cloudapi"
	// redisPrefix namespaces FlowPipe keys in a shared Redis
	redisPrefix = "flowpipe:"
	// graphPrefix is the object prefix of graph documents in the bucket
	graphPrefix = "flows/"
)

// Config holds environment configuration
type Config struct {
	StateDir        string
	DatabaseURL     string
	RedisURL        string
	GraphBucket     string
	DefaultCampaign string
	APIAddr         string
	Channel         string
	LogLevel        string

	CloudAPIToken    string
	PhoneNumberID    string
	CloudAPIBaseURL  string
	VerifyToken      string
	TwilioSID        string
	TwilioToken      string
	TwilioFrom       string
	TwilioWebhookURL string
	WhatsAppDSN      string
	QROutput         string
	NumericCode      bool

	NudgeCron   string
	NudgeBatch  int
	NudgeBudget time.Duration
	Admins      []string
	SchoolURL   string
	SessionTTL  time.Duration
}

// loadDotEnv loads a .env file from the working directory when present.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}
}

// loadEnvironmentConfig reads configuration from environment variables.
// Paths derived from the state directory are resolved later by resolvePaths
// so that --state-dir can still move them.
func loadEnvironmentConfig() Config {
	_, cronSet := os.LookupEnv("NUDGE_CRON")
	config := Config{
		StateDir:        util.GetenvDefault("FLOWPIPE_STATE_DIR", DefaultStateDir),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		GraphBucket:     os.Getenv("GRAPH_BUCKET_URL"),
		DefaultCampaign: os.Getenv("DEFAULT_CAMPAIGN_ID"),
		APIAddr:         util.GetenvDefault("API_ADDR", DefaultAPIAddr),
		Channel:         util.GetenvDefault("CHANNEL", DefaultChannel),
		LogLevel:        os.Getenv("FLOWPIPE_LOG_LEVEL"),

		CloudAPIToken:    os.Getenv("WHATSAPP_API_TOKEN"),
		PhoneNumberID:    os.Getenv("PHONE_NUMBER_ID"),
		CloudAPIBaseURL:  os.Getenv("WHATSAPP_API_BASE_URL"),
		VerifyToken:      os.Getenv("WEBHOOK_VERIFY_TOKEN"),
		TwilioSID:        os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL: os.Getenv("TWILIO_WEBHOOK_URL"),
		WhatsAppDSN:      os.Getenv("WHATSAPP_DB_DSN"),
		NumericCode:      util.ParseBoolEnv("WHATSAPP_NUMERIC_CODE", false),

		NudgeCron:   os.Getenv("NUDGE_CRON"),
		NudgeBatch:  util.ParseIntEnv("NUDGE_BATCH_SIZE", nudge.DefaultBatchSize),
		NudgeBudget: util.ParseDurationEnv("NUDGE_BUDGET", nudge.DefaultBudget),
		Admins:      util.SplitListEnv("ADMIN_PHONE_NUMBERS"),
		SchoolURL:   os.Getenv("SCHOOL_LOOKUP_URL"),
		SessionTTL:  util.ParseDurationEnv("SESSION_TTL", flow.DefaultSessionTTL),
	}
	// An explicitly empty NUDGE_CRON disables in-process drains.
	if !cronSet {
		config.NudgeCron = scheduler.DefaultDrainSpec
	}

	slog.Debug("environment variables loaded",
		"FLOWPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"REDIS_URL_SET", config.RedisURL != "",
		"GRAPH_BUCKET_URL", config.GraphBucket,
		"DEFAULT_CAMPAIGN_ID", config.DefaultCampaign,
		"API_ADDR", config.APIAddr,
		"CHANNEL", config.Channel,
		"WHATSAPP_API_TOKEN_SET", config.CloudAPIToken != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "",
		"NUDGE_CRON", config.NudgeCron,
		"ADMINS", len(config.Admins))
	return config
}

// resolvePaths fills the database paths that default into the state directory.
func (c *Config) resolvePaths() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = filepath.Join(c.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", c.DatabaseURL)
	}
	if c.WhatsAppDSN == "" {
		c.WhatsAppDSN = "file:" + filepath.Join(c.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
}

// validateChannel checks that the selected channel has its credentials.
func (c *Config) validateChannel() error {
	switch c.Channel {
	case "cloudapi":
		if c.CloudAPIToken == "" || c.PhoneNumberID == "" {
			return errors.New("channel cloudapi requires WHATSAPP_API_TOKEN and PHONE_NUMBER_ID")
		}
	case "twilio":
		if c.TwilioSID == "" || c.TwilioToken == "" || c.TwilioFrom == "" {
			return errors.New("channel twilio requires TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER")
		}
	case "whatsmeow":
	default:
		return fmt.Errorf("unknown channel %q (want cloudapi, whatsmeow or twilio)", c.Channel)
	}
	return nil
}

// parseLogLevel maps FLOWPIPE_LOG_LEVEL onto a slog level, defaulting to debug.
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}
