package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"channel-recorder/channels"
	"channel-recorder/email"
	"channel-recorder/ingest"
	"channel-recorder/metrics"
	"channel-recorder/pkg/recorder"
	"channel-recorder/server"
	"channel-recorder/slack"
	"channel-recorder/supervisor"
	"channel-recorder/telegram"

	"github.com/spf13/cobra"
)

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Listen to channels and record every new and edited message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&a.cfg.Port, "port", a.cfg.Port, "HTTP port for health, metrics and backfill (PORT)")
	cmd.Flags().BoolVar(&a.cfg.RestoreVersions, "restore-versions", a.cfg.RestoreVersions, "seed revision counters from stored text (RESTORE_VERSIONS)")
	cmd.Flags().BoolVar(&a.cfg.BackfillOnStart, "backfill", a.cfg.BackfillOnStart, "fetch recent history once at startup (BACKFILL_ON_START)")
	cmd.Flags().IntVar(&a.cfg.HistoryLimit, "history-limit", a.cfg.HistoryLimit, "posts per channel fetched by backfill (HISTORY_LIMIT)")
	return cmd
}

func (a *app) run(ctx context.Context) error {
	cfg, log := a.cfg, a.logger
	if err := cfg.validate(); err != nil {
		return err
	}

	reg, err := cfg.registry()
	if err != nil {
		return fmt.Errorf("load channels: %w", err)
	}
	log.Info("Channels configured", "count", reg.Len(), "aliases", reg.Aliases(), "source", cfg.Source)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	src, err := a.newSource(reg)
	if err != nil {
		return err
	}

	m := metrics.New()
	rec := recorder.New(recorder.DefaultLocation(), reg.Aliases()...)

	var history ingest.History
	if cfg.Source == sourceTelegram {
		history = a.newScraper()
	}
	in := ingest.New(reg, rec, store, history, m, log.With("component", "ingest"))

	if cfg.RestoreVersions {
		if err := in.Restore(ctx); err != nil {
			log.Warn("Some channels started without restored versions", "error", err)
		}
	}

	sup := supervisor.New(supervisor.DefaultPolicy, m, log)
	if alerter := a.newAlerter(ctx); alerter != nil {
		sup.OnFailure(func(ctx context.Context, f supervisor.Failure) {
			if _, err := alerter.TaskCrashed(ctx, email.Crash{
				Task:    f.Task,
				Err:     f.Err,
				Attempt: f.Attempt,
				Delay:   f.Delay,
			}); err != nil {
				log.Warn("Failed to send crash alert", "task", f.Task, "error", err)
			}
		})
	}

	// Only the telegram source has a public history to backfill from.
	var backfiller server.Backfiller
	if history != nil {
		backfiller = in
	}
	srv := server.New(&server.Config{
		Backfiller:   backfiller,
		Store:        store,
		Status:       sup,
		Registry:     reg,
		Metrics:      m.Handler(),
		Logger:       log.With("component", "server"),
		HistoryLimit: cfg.HistoryLimit,
	})

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.ListenAndServe(ctx, cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server failed", "error", err)
			cancel()
		}
	}()

	if cfg.BackfillOnStart && history != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			written, err := in.Backfill(ctx, nil, cfg.HistoryLimit)
			if err != nil {
				log.Warn("Startup backfill finished with errors", "written", written, "error", err)
				return
			}
			log.Info("Startup backfill finished", "written", written)
		}()
	}

	starts := 0
	sup.Run(ctx, src.Name(), func(ctx context.Context) error {
		// Pick up blocks another instance wrote while this one was down.
		if starts > 0 && cfg.RestoreVersions {
			if err := in.Restore(ctx); err != nil {
				log.Warn("Restore before restart incomplete", "error", err)
			}
		}
		starts++
		return src.Run(ctx, in.Handle)
	})

	log.Info("Shutting down")
	return nil
}

func (a *app) newSource(reg *channels.Registry) (recorder.Source, error) {
	switch a.cfg.Source {
	case sourceSlack:
		return slack.New(a.cfg.SlackBotToken, a.cfg.SlackAppToken, reg, a.logger)
	default:
		return telegram.New(a.cfg.TelegramToken, reg, a.logger)
	}
}

// newAlerter returns nil when ALERT_EMAIL is unset.
func (a *app) newAlerter(ctx context.Context) *email.Alerter {
	cfg, log := a.cfg, a.logger
	if cfg.AlertEmail == "" {
		return nil
	}

	var provider email.Provider
	switch {
	case cfg.BrevoAPIKey != "" && cfg.GoogleCredentialsJSON == "":
		provider = email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.AlertFrom, "channel-recorder", log)
		log.Info("Crash alerts via Brevo", "to", cfg.AlertEmail)
	default:
		svc, err := email.NewGmailService(ctx, cfg.GoogleCredentialsJSON)
		if err != nil {
			log.Warn("Failed to initialize Gmail service, using mock email", "error", err)
			provider = email.NewMockProvider(log)
			break
		}
		provider = email.NewGmailProvider(svc, log)
		log.Info("Crash alerts via Gmail", "to", cfg.AlertEmail)
	}
	return email.NewAlerter(provider, log.With("component", "alerts"), cfg.AlertEmail, email.DefaultAlertInterval)
}
