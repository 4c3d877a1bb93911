package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/feedsync/internal/config"
	"github.com/ppiankov/feedsync/internal/fetch"
	"github.com/ppiankov/feedsync/internal/netstate"
	"github.com/ppiankov/feedsync/internal/pipeline"
)

var (
	watchEvery  time.Duration
	watchFormat string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow connectivity changes and refresh the feed when allowed",
	Long: "watch keeps running, probing the network interfaces. Whenever connectivity " +
		"changes, or on SIGHUP, or every --every interval, the network preference is " +
		"re-read from config.yaml and the feed is downloaded if the connection allows it.",
	RunE: watchAction,
}

func init() {
	watchCmd.Flags().DurationVar(&watchEvery, "every", 0, "also refresh on this interval (0 disables)")
	watchCmd.Flags().StringVar(&watchFormat, "format", "", "output format: terminal, html, markdown, json (overrides display.format)")
	watchCmd.Flags().BoolVar(&noColor, "no-color", false, "disable ANSI colors")
}

func watchAction(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	probe, err := newProbe(cfg, logger)
	if err != nil {
		return err
	}
	monitor := netstate.NewMonitor(probe, netstate.WithMonitorLogger(logger))
	if err := monitor.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = monitor.Close() }()

	sink, err := newSink(cfg, cmd.OutOrStdout(), watchFormat, !noColor)
	if err != nil {
		return err
	}
	redactor, err := newRedactor(cfg)
	if err != nil {
		return err
	}

	fcfg := cfg.FetcherConfig()
	fcfg.Logger = logger
	fetcher := fetch.New(fcfg)
	opts := pipeline.Options{
		URL:         cfg.Feed.URL,
		Title:       cfg.Feed.Title,
		Fetcher:     fetcher,
		Monitor:     monitor,
		Preferences: config.NewPreferenceFile(configDir, cfg.Preferences(), logger),
		Sink:        sink,
		Redactor:    redactor,
		Logger:      logger,
		Location:    cfg.Location(),
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer func() { _ = db.Close() }()
		opts.Recorder = db
		if pruned, err := db.PruneOld(ctx, cfg.Storage.RetainDays); err != nil {
			logger.Warn("prune history failed", "error", err)
		} else if pruned > 0 {
			logger.Info("pruned old history", "rows", pruned)
		}
	}

	coord, err := pipeline.New(opts)
	if err != nil {
		return err
	}
	logger.Info("watching", "url", cfg.Feed.URL, "session", coord.SessionID(), "every", watchEvery)

	go forwardRefreshes(ctx, coord, watchEvery)

	err = coord.Run(ctx)
	logShutdown(logger, coord.Status(), fetcher.Stats(), probe.Stats())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func logShutdown(logger *slog.Logger, st pipeline.Status, fs fetch.Stats, ps netstate.ProbeStats) {
	logger.Info("stopped",
		"network", st.Network.String(),
		"showing", string(st.Current.Kind),
		"had_success", st.HasSuccess,
		"evaluations", st.Stats.Evaluations,
		"fetches", st.Stats.Fetches,
		"suppressed", st.Stats.Suppressed,
		"coalesced", st.Stats.Coalesced,
		"discarded", st.Stats.Discarded,
		"shown", st.Stats.Shown,
		"downloads", fs.Downloads,
		"attempts", fs.Attempts,
		"joined", fs.Requests-fs.Downloads,
		"download_failures", fs.Failures,
		"probe_polls", ps.Polls,
		"probe_errors", ps.Errors,
	)
}

// forwardRefreshes turns SIGHUP and the --every ticker into refresh
// requests until ctx ends.
func forwardRefreshes(ctx context.Context, coord *pipeline.Coordinator, every time.Duration) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var tick <-chan time.Time
	if every > 0 {
		t := time.NewTicker(every)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			coord.Refresh()
		case <-tick:
			coord.Refresh()
		}
	}
}
