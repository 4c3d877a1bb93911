package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ppiankov/feedsync/internal/store"
)

var (
	historySince   string
	historyLimit   int
	historyOutcome string
	historyStats   bool
	historyFormat  string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded fetches and their outcomes",
	RunE:  historyAction,
}

func init() {
	historyCmd.Flags().StringVar(&historySince, "since", "7d", "time window (e.g. 7d, 48h)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum fetches to list (0 for all)")
	historyCmd.Flags().StringVar(&historyOutcome, "outcome", "", "only list this outcome: success, connection_error, parse_error")
	historyCmd.Flags().BoolVar(&historyStats, "stats", false, "show per-feed aggregates instead of individual fetches")
	historyCmd.Flags().StringVar(&historyFormat, "format", "terminal", "output format: terminal, json")
}

func historyAction(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Storage.Disabled {
		return fmt.Errorf("storage is disabled; no history is kept")
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	sinceDur, err := parseDuration(historySince)
	if err != nil {
		return fmt.Errorf("parse --since: %w", err)
	}
	since := time.Now().Add(-sinceDur)
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if historyStats {
		stats, err := db.GetFetchStats(ctx, since)
		if err != nil {
			return fmt.Errorf("get stats: %w", err)
		}
		switch historyFormat {
		case "json":
			return writeJSON(out, stats)
		case "terminal", "":
			printFetchStats(out, stats, sinceDur)
			return nil
		default:
			return fmt.Errorf("unknown format %q (want terminal or json)", historyFormat)
		}
	}

	fetches, err := db.ListFetches(ctx, store.FetchFilter{
		Outcome: historyOutcome,
		Since:   since,
		Limit:   historyLimit,
	})
	if err != nil {
		return fmt.Errorf("list fetches: %w", err)
	}
	switch historyFormat {
	case "json":
		return writeJSON(out, fetches)
	case "terminal", "":
		printFetches(out, fetches, time.Now())
		return nil
	default:
		return fmt.Errorf("unknown format %q (want terminal or json)", historyFormat)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printFetches(w io.Writer, fetches []store.Fetch, now time.Time) {
	if len(fetches) == 0 {
		fmt.Fprintln(w, "No fetches recorded. Run 'feedsync fetch' or 'feedsync watch' first.")
		return
	}
	fmt.Fprintf(w, "  %-16s  %-8s  %-16s  %7s  %9s  %8s\n", "When", "Network", "Outcome", "Entries", "Size", "Took")
	for _, f := range fetches {
		fmt.Fprintf(w, "  %-16s  %-8s  %-16s  %7d  %9s  %8s\n",
			humanize.RelTime(f.StartedAt, now, "ago", "from now"),
			f.Network,
			f.Outcome,
			f.Entries,
			humanize.Bytes(uint64(f.Bytes)),
			f.Duration().Round(time.Millisecond),
		)
		if f.Error != "" {
			fmt.Fprintf(w, "      %s\n", f.Error)
		}
	}
}

func printFetchStats(w io.Writer, stats []store.FetchStats, since time.Duration) {
	if len(stats) == 0 {
		fmt.Fprintln(w, "No fetches recorded in this window.")
		return
	}
	fmt.Fprintf(w, "feedsync history, last %s\n\n", formatWindow(since))
	for _, s := range stats {
		fmt.Fprintf(w, "%s\n", s.URL)
		fmt.Fprintf(w, "  Fetches:      %s (%s success, %s connection errors, %s parse errors)\n",
			humanize.Comma(int64(s.Total)),
			humanize.Comma(int64(s.Success)),
			humanize.Comma(int64(s.ConnectionErrors)),
			humanize.Comma(int64(s.ParseErrors)),
		)
		fmt.Fprintf(w, "  Downloaded:   %s\n", humanize.Bytes(uint64(s.Bytes)))
		fmt.Fprintf(w, "  Last fetch:   %s\n", humanize.Time(s.LastFetch))
		if s.LastSuccess.IsZero() {
			fmt.Fprintln(w, "  Last success: never")
		} else {
			fmt.Fprintf(w, "  Last success: %s\n", humanize.Time(s.LastSuccess))
		}
		fmt.Fprintln(w)
	}
}

func formatWindow(d time.Duration) string {
	hours := int(d.Hours())
	if hours >= 24 && hours%24 == 0 {
		return fmt.Sprintf("%d days", hours/24)
	}
	return fmt.Sprintf("%dh", hours)
}
