package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration for the broker
type Config struct {
	// File paths
	FeedsPath    string
	CursorDBPath string

	// Server settings
	ServerHost string
	ServerPort int
	APIKey     string

	// Harvesting settings
	PollInterval    time.Duration
	SleepInterval   time.Duration
	ListenerTimeout time.Duration
	UserAgent       string

	// Log settings
	LogLevel zerolog.Level
}

// DefaultConfig returns an initial configuration with hardcoded defaults.
// A .env file, if present, is loaded first so the Env helpers see it.
func DefaultConfig() *Config {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	logLevel, _ := zerolog.ParseLevel(DefaultLogLevel)

	return &Config{
		FeedsPath:       GetEnvString("BROKER_FEEDS_PATH", DefaultFeedsPath),
		CursorDBPath:    GetEnvString("BROKER_CURSOR_DB_PATH", DefaultCursorDBPath),
		ServerHost:      GetEnvString("BROKER_HOST", DefaultServerHost),
		ServerPort:      GetEnvInt("BROKER_PORT", DefaultServerPort),
		APIKey:          GetEnvString("BROKER_API_KEY", ""),
		PollInterval:    GetEnvDuration("BROKER_POLL_INTERVAL", time.Duration(DefaultPollIntervalMS)*time.Millisecond),
		SleepInterval:   GetEnvDuration("BROKER_SLEEP_INTERVAL", time.Duration(DefaultSleepIntervalMS)*time.Millisecond),
		ListenerTimeout: GetEnvDuration("BROKER_LISTENER_TIMEOUT", time.Duration(DefaultListenerTimeoutS)*time.Second),
		UserAgent:       GetEnvString("BROKER_USER_AGENT", DefaultUserAgent),
		LogLevel:        GetEnvLogLevel("BROKER_LOG_LEVEL", logLevel),
	}
}

// ListenAddr returns the formatted listen address for the HTTP server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}
