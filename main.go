// Command channel-recorder records every new and edited channel message
// as a versioned text block in per-channel storage.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"channel-recorder/logger"
	"channel-recorder/scraper"
	"channel-recorder/storage"

	gcs "cloud.google.com/go/storage"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// app carries state shared by all subcommands.
type app struct {
	cfg    *config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "channel-recorder",
		Short:         "Record channel messages and edits as versioned text blocks",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cfg, envErr := configFromEnv()
	if cfg == nil {
		cfg = &config{}
	}
	a.cfg = cfg

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.Source, "source", cfg.Source, "event source: telegram or slack (SOURCE)")
	flags.StringVar(&cfg.ChannelsFile, "channels-file", cfg.ChannelsFile, "YAML channel registry (CHANNELS_FILE)")
	flags.StringVar(&cfg.LocalStorage, "local-storage", cfg.LocalStorage, "store channel text in this directory (LOCAL_STORAGE)")
	flags.StringVar(&cfg.Bucket, "bucket", cfg.Bucket, "Cloud Storage bucket (STORAGE_BUCKET)")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "json or text (LOG_FORMAT)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (LOG_LEVEL)")

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if envErr != nil {
			return envErr
		}
		log, err := logger.New(cfg.LogFormat, cfg.LogLevel, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		slog.SetDefault(log)
		a.logger = log
		return nil
	}

	root.AddCommand(
		newRunCmd(a),
		newBackfillCmd(a),
		newVersionsCmd(a),
		newChannelsCmd(a),
		newImportCmd(a),
	)
	return root
}

// openStore builds the channel text store. The returned func releases the client.
func (a *app) openStore(ctx context.Context) (*storage.Store, func(), error) {
	localPath, bucket := a.cfg.storageMode()

	if localPath != "" {
		if a.cfg.LocalStorage == "" {
			a.logger.Info("No STORAGE_BUCKET set, defaulting to local development mode", "storage_path", localPath)
		}
		a.logger.Info("Running in local development mode", "storage_path", localPath)
		if err := os.MkdirAll(localPath, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create local storage directory: %w", err)
		}
		return storage.New(nil, "", a.cfg.Prefix, localPath, a.logger), func() {}, nil
	}

	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize storage client: %w", err)
	}
	closeFn := func() {
		if err := client.Close(); err != nil {
			a.logger.Warn("Failed to close storage client", "error", err)
		}
	}
	a.logger.Info("Using Cloud Storage", "bucket", bucket, "prefix", a.cfg.Prefix)
	return storage.New(client, bucket, a.cfg.Prefix, "", a.logger), closeFn, nil
}

// newScraper returns the public preview scraper used for history backfill.
func (a *app) newScraper() *scraper.Scraper {
	return scraper.New(&http.Client{Timeout: 30 * time.Second}, scraper.DefaultBaseURL, a.logger.With("component", "scraper"))
}
