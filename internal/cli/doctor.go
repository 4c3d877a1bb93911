package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mmcdole/gofeed"
	"github.com/spf13/cobra"

	"github.com/ppiankov/feedsync/internal/config"
	"github.com/ppiankov/feedsync/internal/netstate"
	"github.com/ppiankov/feedsync/internal/store"
)

// Feeds that have not produced a success for this long are reported.
const staleDays = 7

var doctorSkipFeed bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check config, storage, connectivity and the feed itself",
	RunE:  doctorAction,
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorSkipFeed, "offline", false, "skip the feed download check")
}

func doctorAction(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	ctx := cmd.Context()
	ok := true

	// Config dir
	if info, err := os.Stat(configDir); err != nil || !info.IsDir() {
		printInfo(out, "config directory %s missing (run 'feedsync init'); using defaults", configDir)
	} else {
		printCheck(out, true, "config directory %s", configDir)
	}

	// Config file
	cfg, err := config.Load(configDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = config.Default()
	case err != nil:
		printCheck(out, false, "config.yaml: %v", err)
		return errors.New("some checks failed")
	default:
		printCheck(out, true, "config.yaml (preference %s, format %s)", cfg.Network.Preference, cfg.Display.Format)
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg)

	// Database
	var db *store.Store
	if cfg.Storage.Disabled {
		printInfo(out, "storage disabled")
	} else {
		db, err = store.Open(cfg.Storage.Path)
		if err != nil {
			printCheck(out, false, "database: %v", err)
			ok = false
		} else {
			defer func() { _ = db.Close() }()
			printCheck(out, true, "database %s", cfg.Storage.Path)
		}
	}

	// Connectivity
	probe, err := newProbe(cfg, logger)
	if err != nil {
		printCheck(out, false, "network.interfaces: %v", err)
		ok = false
	} else if ev, err := probe.Sample(ctx); err != nil {
		printCheck(out, false, "connectivity probe: %v", err)
		ok = false
	} else {
		state := netstate.StateFromEvent(ev)
		if state.Connected() {
			printCheck(out, true, "connectivity: %s via %s", state, ev.Interface)
		} else {
			printInfo(out, "connectivity: no active network interface")
		}
	}

	// Feed
	if !doctorSkipFeed {
		if err := checkFeed(ctx, out, cfg); err != nil {
			printCheck(out, false, "feed %s: %v", cfg.Feed.URL, err)
			ok = false
		}
	}

	if db != nil {
		checkFetchHealth(ctx, out, db)
	}

	if !ok {
		return errors.New("some checks failed")
	}
	fmt.Fprintln(out, "\nAll checks passed.")
	return nil
}

// checkFeed downloads and parses the feed with gofeed, independently of
// the streaming parser, so a failure here points at the feed itself.
func checkFeed(ctx context.Context, out io.Writer, cfg *config.Config) error {
	timeout := cfg.Fetch.ConnectTimeout.Duration + cfg.Fetch.ReadTimeout.Duration
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fp := gofeed.NewParser()
	fp.UserAgent = cfg.Fetch.UserAgent
	f, err := fp.ParseURLWithContext(cfg.Feed.URL, ctx)
	if err != nil {
		return err
	}
	title := f.Title
	if title == "" {
		title = "untitled"
	}
	printCheck(out, true, "feed %q (%s %s, %d items)", title, f.FeedType, f.FeedVersion, len(f.Items))
	return nil
}

func checkFetchHealth(ctx context.Context, out io.Writer, db *store.Store) {
	since := time.Now().AddDate(0, 0, -config.DefaultRetainDays)
	stats, err := db.GetFetchStats(ctx, since)
	if err != nil || len(stats) == 0 {
		return // no data yet, skip
	}

	fmt.Fprintln(out)
	staleThreshold := time.Now().AddDate(0, 0, -staleDays)
	for _, s := range stats {
		if s.LastSuccess.IsZero() {
			printInfo(out, "never succeeded: %s (%d attempts)", s.URL, s.Total)
			continue
		}
		if s.LastSuccess.Before(staleThreshold) {
			printInfo(out, "stale: %s, last success %s", s.URL, humanize.Time(s.LastSuccess))
		}
		if s.Total >= 5 && s.ParseErrors*2 >= s.Total {
			printInfo(out, "mostly unparseable: %s, %d of %d fetches failed to parse", s.URL, s.ParseErrors, s.Total)
		}
	}
}

func printCheck(w io.Writer, pass bool, format string, args ...any) {
	mark := "FAIL"
	if pass {
		mark = " OK "
	}
	fmt.Fprintf(w, "[%s] %s\n", mark, fmt.Sprintf(format, args...))
}

func printInfo(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "[INFO] %s\n", fmt.Sprintf(format, args...))
}
