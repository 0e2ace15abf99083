package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"

	"channel-recorder/ingest"
	"channel-recorder/pkg/recorder"
	"channel-recorder/storage"

	"github.com/spf13/cobra"
)

var (
	errNoHistory  = errors.New("history backfill needs the telegram source")
	errStoredText = errors.New("channel has stored text")
)

func newBackfillCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "backfill [ALIAS...]",
		Short: "Fetch recent channel history once and record unseen messages",
		Long: "Fetches up to --limit recent posts per channel from the public web preview " +
			"and records every message not already present in storage. With no aliases, all channels are backfilled.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Source != sourceTelegram {
				return errNoHistory
			}
			ctx := cmd.Context()

			reg, err := a.cfg.registry()
			if err != nil {
				return fmt.Errorf("load channels: %w", err)
			}
			store, closeStore, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			rec := recorder.New(recorder.DefaultLocation(), reg.Aliases()...)
			in := ingest.New(reg, rec, store, a.newScraper(), nil, a.logger.With("component", "ingest"))

			// Known ids must be restored first or every post would be written again.
			if err := in.Restore(ctx); err != nil {
				return fmt.Errorf("restore versions: %w", err)
			}

			written, err := in.Backfill(ctx, args, limit)
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d blocks\n", written)
			return err
		},
	}
	cmd.Flags().IntVar(&limit, "limit", a.cfg.HistoryLimit, "posts per channel (HISTORY_LIMIT)")
	return cmd
}

func newVersionsCmd(a *app) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "versions [ALIAS...]",
		Short: "Show revision counters recovered from stored channel text",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			reg, err := a.cfg.registry()
			if err != nil {
				return fmt.Errorf("load channels: %w", err)
			}

			aliases := reg.Aliases()
			if len(args) > 0 {
				aliases = aliases[:0:0]
				for _, arg := range args {
					ch, ok := reg.Lookup(arg)
					if !ok {
						return fmt.Errorf("unknown channel %q", arg)
					}
					aliases = append(aliases, ch.Alias)
				}
			}

			store, closeStore, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			rec := recorder.New(recorder.DefaultLocation(), aliases...)
			for _, alias := range aliases {
				text, err := store.ReadChannelText(ctx, alias)
				if err != nil {
					return fmt.Errorf("read %s: %w", alias, err)
				}
				rec.Restore(alias, recorder.ParseVersions(text))
			}

			writeVersions(cmd, aliases, rec.Snapshot(), verbose)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "list every message id")
	return cmd
}

func writeVersions(cmd *cobra.Command, aliases []string, snap map[string]map[string]int, verbose bool) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "CHANNEL\tMESSAGES\tEDITED\tMAX VERSION")
	for _, alias := range aliases {
		seen := snap[alias]
		edited, maxVersion := 0, 0
		for _, v := range seen {
			if v > 1 {
				edited++
			}
			maxVersion = max(maxVersion, v)
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", alias, len(seen), edited, maxVersion)

		if !verbose {
			continue
		}
		ids := make([]string, 0, len(seen))
		for id := range seen {
			ids = append(ids, id)
		}
		sortIDs(ids)
		for _, id := range ids {
			fmt.Fprintf(w, "  %s\t\t\tv%d\n", id, seen[id])
		}
	}
}

// sortIDs orders numeric ids numerically and everything else lexically after them.
func sortIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.ParseFloat(ids[i], 64)
		b, errB := strconv.ParseFloat(ids[j], 64)
		switch {
		case errA == nil && errB == nil:
			return a < b
		case errA == nil:
			return true
		case errB == nil:
			return false
		default:
			return ids[i] < ids[j]
		}
	})
}

func newChannelsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "channels",
		Short: "List configured channels and whether they have stored text",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			reg, err := a.cfg.registry()
			if err != nil {
				return fmt.Errorf("load channels: %w", err)
			}
			store, closeStore, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			listed, err := store.List(ctx)
			if err != nil {
				return fmt.Errorf("list stored channels: %w", err)
			}
			stored := make(map[string]bool, len(listed))
			for _, alias := range listed {
				stored[alias] = true
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ALIAS\tREF\tOBJECT\tSTORED")
			for _, ch := range reg.All() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", ch.Alias, ch.Ref, a.cfg.Prefix+storage.Key(ch.Alias), stored[ch.Alias])
			}
			if err := w.Flush(); err != nil {
				return err
			}

			for _, alias := range listed {
				if _, ok := reg.Lookup(alias); !ok {
					fmt.Fprintf(cmd.OutOrStdout(), "stored but not configured: %s\n", alias)
				}
			}
			return nil
		},
	}
}

func newImportCmd(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "import ALIAS FILE",
		Short: "Replace a channel's stored text with the contents of a file",
		Long: "Uploads FILE as the complete stored text of channel ALIAS, for example when moving " +
			"history between buckets or from local storage. Refuses to overwrite existing text without --force.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			reg, err := a.cfg.registry()
			if err != nil {
				return fmt.Errorf("load channels: %w", err)
			}
			ch, ok := reg.Lookup(args[0])
			if !ok {
				return fmt.Errorf("unknown channel %q", args[0])
			}

			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read import file: %w", err)
			}
			versions := recorder.ParseVersions(string(data))
			if len(data) > 0 && len(versions) == 0 {
				return fmt.Errorf("%s contains no recorded blocks", args[1])
			}

			store, closeStore, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			existing, err := store.ReadChannelText(ctx, ch.Alias)
			if err != nil {
				return fmt.Errorf("read %s: %w", ch.Alias, err)
			}
			if existing != "" && !force {
				return fmt.Errorf("%w: %s already has %d bytes of stored text", errStoredText, ch.Alias, len(existing))
			}

			if err := store.WriteChannelText(ctx, ch.Alias, string(data)); err != nil {
				return fmt.Errorf("write %s: %w", ch.Alias, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d messages into %s\n", len(versions), ch.Alias)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing stored text")
	return cmd
}
