package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"channel-recorder/channels"
	"channel-recorder/ingest"
)

const (
	sourceTelegram = "telegram"
	sourceSlack    = "slack"

	defaultLocalStorage = "./data"
	defaultPort         = "8080"
)

// config is read from the environment; command-line flags override it.
type config struct {
	Source string

	TelegramToken string
	SlackBotToken string
	SlackAppToken string

	Bucket       string
	Prefix       string
	LocalStorage string

	ChannelsFile string
	Channels     string

	Port            string
	RestoreVersions bool
	BackfillOnStart bool
	HistoryLimit    int

	AlertEmail            string
	GoogleCredentialsJSON string
	BrevoAPIKey           string
	AlertFrom             string

	LogFormat string
	LogLevel  string
}

// configFromEnv reads every setting from the environment, applying defaults.
func configFromEnv() (*config, error) {
	cfg := &config{
		Source:                strings.ToLower(envOr("SOURCE", sourceTelegram)),
		TelegramToken:         os.Getenv("TELEGRAM_BOT_TOKEN"),
		SlackBotToken:         os.Getenv("SLACK_BOT_TOKEN"),
		SlackAppToken:         os.Getenv("SLACK_APP_TOKEN"),
		Bucket:                os.Getenv("STORAGE_BUCKET"),
		Prefix:                os.Getenv("STORAGE_PREFIX"),
		LocalStorage:          os.Getenv("LOCAL_STORAGE"),
		ChannelsFile:          os.Getenv("CHANNELS_FILE"),
		Channels:              os.Getenv("CHANNELS"),
		Port:                  envOr("PORT", defaultPort),
		AlertEmail:            os.Getenv("ALERT_EMAIL"),
		GoogleCredentialsJSON: os.Getenv("GOOGLE_CREDENTIALS_JSON"),
		BrevoAPIKey:           os.Getenv("BREVO_API_KEY"),
		AlertFrom:             os.Getenv("ALERT_FROM"),
		LogFormat:             os.Getenv("LOG_FORMAT"),
		LogLevel:              os.Getenv("LOG_LEVEL"),
	}

	var err error
	if cfg.RestoreVersions, err = envBool("RESTORE_VERSIONS", true); err != nil {
		return nil, err
	}
	if cfg.BackfillOnStart, err = envBool("BACKFILL_ON_START", false); err != nil {
		return nil, err
	}
	if cfg.HistoryLimit, err = envInt("HISTORY_LIMIT", ingest.DefaultHistoryLimit); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks settings needed by the long-running worker.
func (c *config) validate() error {
	switch c.Source {
	case sourceTelegram:
		if c.TelegramToken == "" {
			return errors.New("TELEGRAM_BOT_TOKEN environment variable required")
		}
	case sourceSlack:
		if c.SlackBotToken == "" || c.SlackAppToken == "" {
			return errors.New("SLACK_BOT_TOKEN and SLACK_APP_TOKEN environment variables required")
		}
	default:
		return fmt.Errorf("unknown source %q (want telegram or slack)", c.Source)
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("history limit must be positive, got %d", c.HistoryLimit)
	}
	return nil
}

// storageMode resolves where channel text lives. Without a bucket the worker
// defaults to local development mode.
func (c *config) storageMode() (localPath, bucket string) {
	if c.LocalStorage != "" {
		return c.LocalStorage, ""
	}
	if c.Bucket == "" {
		return defaultLocalStorage, ""
	}
	return "", c.Bucket
}

// registry loads channels from a YAML file, the CHANNELS variable, or the built-in set.
func (c *config) registry() (*channels.Registry, error) {
	switch {
	case c.ChannelsFile != "":
		return channels.Load(c.ChannelsFile)
	case c.Channels != "":
		return channels.ParseEnv(c.Channels)
	default:
		return channels.Default(), nil
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func envInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
