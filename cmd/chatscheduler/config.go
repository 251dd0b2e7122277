package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/nkiryanov/chatscheduler/internal/logger"
	"github.com/nkiryanov/chatscheduler/internal/models"
	"github.com/nkiryanov/chatscheduler/internal/service/dispatcher"
	"github.com/nkiryanov/chatscheduler/internal/service/slack"
)

const (
	defaultListenAddr   = "localhost:8000"
	defaultLoggingLevel = logger.LevelInfo
	defaultEnvironment  = logger.EnvProduction
	defaultFrontendURL  = "http://localhost:3000"
	defaultScheduleMode = models.ScheduleLocal
)

type Config struct {
	// Default logging level
	LogLevel string

	// Address on which the service will be run
	ListenAddr string

	// Database to connect to
	DatabaseDSN string

	// Secret key
	// Signs session tokens and seals Slack tokens stored in database
	SecretKey string

	// Environment
	Environment string

	// Slack app credentials
	SlackClientID     string
	SlackClientSecret string
	SlackRedirectURI  string

	// Slack Web API base url, changed in tests only
	SlackAPIURL string

	// Frontend to redirect after OAuth; also the allowed CORS origin
	FrontendURL string

	// Who delivers scheduled messages: local dispatcher or Slack itself
	ScheduleMode string

	// How often dispatcher looks for due messages
	DispatchInterval time.Duration
}

func NewConfig() *Config {
	return &Config{
		LogLevel:         defaultLoggingLevel,
		ListenAddr:       defaultListenAddr,
		Environment:      defaultEnvironment,
		SlackAPIURL:      slack.DefaultBaseURL,
		FrontendURL:      defaultFrontendURL,
		ScheduleMode:     string(defaultScheduleMode),
		DispatchInterval: dispatcher.DefaultInterval,
	}
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		return c.LoadEnv(func(key string) string {
			return envMap[key]
		})
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) error {
	// Set option to value if it not empty
	setString := func(o *string) func(value string) error {
		return func(value string) error {
			if value != "" {
				*o = value
			}
			return nil
		}
	}
	setDuration := func(o *time.Duration) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			*o = d
			return nil
		}
	}

	envMap := map[string]func(string) error{
		"RUN_ADDRESS":         setString(&c.ListenAddr),
		"DATABASE_URI":        setString(&c.DatabaseDSN),
		"SECRET_KEY":          setString(&c.SecretKey),
		"LOG_LEVEL":           setString(&c.LogLevel),
		"ENVIRONMENT":         setString(&c.Environment),
		"SLACK_CLIENT_ID":     setString(&c.SlackClientID),
		"SLACK_CLIENT_SECRET": setString(&c.SlackClientSecret),
		"SLACK_REDIRECT_URI":  setString(&c.SlackRedirectURI),
		"SLACK_API_URL":       setString(&c.SlackAPIURL),
		"FRONTEND_URL":        setString(&c.FrontendURL),
		"SCHEDULE_MODE":       setString(&c.ScheduleMode),
		"DISPATCH_INTERVAL":   setDuration(&c.DispatchInterval),
	}

	for key, parseFn := range envMap {
		if err := parseFn(getenv(key)); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}

	return nil
}

func (c *Config) ParseFlags(args []string) error {
	fs := pflag.NewFlagSet("chatscheduler", pflag.ContinueOnError)

	fs.StringVarP(&c.ListenAddr, "address", "a", c.ListenAddr, "Server listen address")
	fs.StringVarP(&c.DatabaseDSN, "database", "d", c.DatabaseDSN, "Database connection string")
	fs.StringVarP(&c.SecretKey, "secret-key", "s", c.SecretKey, "Secret key")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (dev, prod)")
	fs.StringVar(&c.SlackClientID, "slack-client-id", c.SlackClientID, "Slack app client id")
	fs.StringVar(&c.SlackClientSecret, "slack-client-secret", c.SlackClientSecret, "Slack app client secret")
	fs.StringVar(&c.SlackRedirectURI, "slack-redirect-uri", c.SlackRedirectURI, "Slack OAuth redirect uri")
	fs.StringVar(&c.SlackAPIURL, "slack-api-url", c.SlackAPIURL, "Slack Web API base url")
	fs.StringVar(&c.FrontendURL, "frontend-url", c.FrontendURL, "Frontend url")
	fs.StringVarP(&c.ScheduleMode, "schedule-mode", "m", c.ScheduleMode, "Scheduled messages delivery (local, remote)")
	fs.DurationVarP(&c.DispatchInterval, "dispatch-interval", "i", c.DispatchInterval, "Dispatcher tick interval")

	return fs.Parse(args)
}

// Validate checks options the service can't start without
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseDSN == "" {
		errs = append(errs, errors.New("database dsn is required"))
	}
	if c.SecretKey == "" {
		errs = append(errs, errors.New("secret key is required"))
	}
	if _, err := models.ParseScheduleMode(c.ScheduleMode); err != nil {
		errs = append(errs, err)
	}
	if c.DispatchInterval <= 0 {
		errs = append(errs, fmt.Errorf("dispatch interval must be positive, got %s", c.DispatchInterval))
	}

	return errors.Join(errs...)
}
