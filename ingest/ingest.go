// Package ingest turns message events into stored blocks, one channel at a time.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"channel-recorder/channels"
	"channel-recorder/metrics"
	"channel-recorder/pkg/recorder"
	"channel-recorder/scraper"
)

// DefaultHistoryLimit is how many recent posts a backfill fetches per channel.
const DefaultHistoryLimit = 200

// ErrNoHistory is returned by Backfill when no history source is configured.
var ErrNoHistory = errors.New("history backfill is not available for this source")

// Store interface for channel text persistence.
type Store interface {
	ReadChannelText(ctx context.Context, alias string) (string, error)
	Merge(ctx context.Context, alias, block string) error
}

// History interface for fetching recent channel posts.
type History interface {
	Recent(ctx context.Context, username string, limit int) ([]*scraper.Post, error)
}

// Ingestor serializes events per channel through the recorder into the store.
type Ingestor struct {
	registry *channels.Registry
	recorder *recorder.Recorder
	store    Store
	history  History
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// locks is filled once in New and only read afterwards.
	locks map[string]*sync.Mutex
}

// New creates an ingestor. history and m may be nil.
// rec must have been created with every alias in registry.
func New(registry *channels.Registry, rec *recorder.Recorder, store Store, history History, m *metrics.Metrics, logger *slog.Logger) *Ingestor {
	locks := make(map[string]*sync.Mutex, registry.Len())
	for _, alias := range registry.Aliases() {
		locks[alias] = &sync.Mutex{}
	}
	return &Ingestor{
		registry: registry,
		recorder: rec,
		store:    store,
		history:  history,
		metrics:  m,
		logger:   logger,
		locks:    locks,
	}
}

// Handle ingests one event and logs the outcome. It matches the source handler signature.
func (in *Ingestor) Handle(ctx context.Context, ev recorder.MessageEvent) {
	if _, err := in.Ingest(ctx, ev); err != nil {
		in.logger.Error("Failed to ingest message",
			"channel", ev.Channel,
			"message_id", ev.MessageID,
			"source", ev.Source,
			"error", err)
	}
}

// Ingest records an event and merges the resulting block. The revision
// counter is committed only after the merge succeeds.
// It reports whether a block was written; duplicates return false with no error.
func (in *Ingestor) Ingest(ctx context.Context, ev recorder.MessageEvent) (bool, error) {
	mu, ok := in.locks[ev.Channel]
	if !ok {
		return false, fmt.Errorf("unknown channel %q", ev.Channel)
	}
	in.metrics.EventReceived(ev.Channel, ev.Source)

	mu.Lock()
	defer mu.Unlock()

	block, ok := in.recorder.Next(ev.Channel, ev)
	if !ok {
		in.metrics.Duplicate(ev.Channel)
		in.logger.Debug("Duplicate delivery ignored",
			"channel", ev.Channel,
			"message_id", ev.MessageID,
			"source", ev.Source)
		return false, nil
	}

	start := time.Now()
	if err := in.store.Merge(ctx, ev.Channel, block.Text); err != nil {
		in.metrics.MergeFailed(ev.Channel)
		return false, fmt.Errorf("merge block v%d: %w", block.Version, err)
	}
	// The counter moves only once the block is stored, so a redelivery after
	// a failed merge is written instead of dropped as a duplicate.
	in.recorder.Commit(block)
	in.metrics.BlockWritten(ev.Channel, block.Version > 1, float64(time.Now().Unix()))

	in.logger.Info("Block saved",
		"channel", ev.Channel,
		"message_id", ev.MessageID,
		"version", block.Version,
		"source", ev.Source,
		"bytes", len(block.Text),
		"duration_ms", time.Since(start).Milliseconds())
	return true, nil
}

// Restore seeds revision counters from the stored text of every channel.
// A channel that fails to load is skipped; the joined error lists all failures.
func (in *Ingestor) Restore(ctx context.Context) error {
	var errs []error
	for _, alias := range in.registry.Aliases() {
		if err := ctx.Err(); err != nil {
			return err
		}

		text, err := in.store.ReadChannelText(ctx, alias)
		if err != nil {
			in.logger.Warn("Failed to load stored text, starting channel empty", "channel", alias, "error", err)
			errs = append(errs, fmt.Errorf("restore %s: %w", alias, err))
			continue
		}

		versions := recorder.ParseVersions(text)

		mu := in.locks[alias]
		mu.Lock()
		raised := in.recorder.Restore(alias, versions)
		mu.Unlock()

		in.metrics.Restored(alias, len(versions))
		in.logger.Info("Revision state restored",
			"channel", alias,
			"messages", len(versions),
			"raised", raised,
			"bytes", len(text))
	}
	return errors.Join(errs...)
}

// Backfill fetches up to limit recent posts per channel and ingests them as history events.
// Empty aliases means every channel. It returns how many blocks were written.
func (in *Ingestor) Backfill(ctx context.Context, aliases []string, limit int) (int, error) {
	if in.history == nil {
		return 0, ErrNoHistory
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if len(aliases) == 0 {
		aliases = in.registry.Aliases()
	}

	written := 0
	var errs []error
	for _, alias := range aliases {
		ch, ok := in.registry.Lookup(alias)
		if !ok {
			errs = append(errs, fmt.Errorf("unknown channel %q", alias))
			continue
		}

		n, err := in.backfillChannel(ctx, ch, limit)
		written += n
		if err != nil {
			if ctx.Err() != nil {
				return written, ctx.Err()
			}
			in.logger.Warn("Backfill failed", "channel", ch.Alias, "error", err)
			errs = append(errs, fmt.Errorf("backfill %s: %w", ch.Alias, err))
		}
	}
	return written, errors.Join(errs...)
}

func (in *Ingestor) backfillChannel(ctx context.Context, ch channels.Channel, limit int) (int, error) {
	posts, err := in.history.Recent(ctx, ch.Username(), limit)
	if err != nil {
		return 0, err
	}
	in.metrics.Backfilled(ch.Alias, len(posts))

	written, dups, edited := 0, 0, 0
	for _, p := range posts {
		if p.Edited {
			edited++
		}
		ok, err := in.Ingest(ctx, recorder.MessageEvent{
			Channel:   ch.Alias,
			MessageID: p.ID,
			Text:      p.Text,
			Date:      p.Date,
			Source:    recorder.SourceHistory,
		})
		if err != nil {
			return written, err
		}
		if ok {
			written++
		} else {
			dups++
		}
	}

	in.logger.Info("Backfill completed",
		"channel", ch.Alias,
		"fetched", len(posts),
		"written", written,
		"already_known", dups,
		"edited", edited)
	return written, nil
}
