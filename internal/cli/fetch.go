package cli

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ppiankov/feedsync/internal/config"
	"github.com/ppiankov/feedsync/internal/fetch"
	"github.com/ppiankov/feedsync/internal/netstate"
	"github.com/ppiankov/feedsync/internal/pipeline"
	"github.com/ppiankov/feedsync/internal/policy"
	"github.com/ppiankov/feedsync/internal/store"
)

var (
	fetchNetwork string
	fetchFormat  string
	fetchAny     bool
	noColor      bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Decide once, download the feed if allowed, and print it",
	RunE:  fetchAction,
}

func init() {
	fetchCmd.Flags().StringVar(&fetchNetwork, "network", "auto", "connectivity to decide against: auto, wifi, mobile, ethernet, none")
	fetchCmd.Flags().StringVar(&fetchFormat, "format", "", "output format: terminal, html, markdown, json (overrides display.format)")
	fetchCmd.Flags().BoolVar(&fetchAny, "any", false, "allow any network for this run")
	fetchCmd.Flags().BoolVar(&noColor, "no-color", false, "disable ANSI colors")
}

func fetchAction(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg)
	ctx := cmd.Context()

	state, err := sampleState(cmd, cfg, logger)
	if err != nil {
		return err
	}

	sink, err := newSink(cfg, cmd.OutOrStdout(), fetchFormat, !noColor)
	if err != nil {
		return err
	}
	redactor, err := newRedactor(cfg)
	if err != nil {
		return err
	}

	prefs := cfg.Preferences()
	if fetchAny {
		prefs.Network = policy.Any
	}

	fcfg := cfg.FetcherConfig()
	fcfg.Logger = logger
	opts := pipeline.Options{
		URL:         cfg.Feed.URL,
		Title:       cfg.Feed.Title,
		Fetcher:     fetch.New(fcfg),
		Monitor:     fixedMonitor(state),
		Preferences: policy.Static(prefs),
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
	}

	coord, err := pipeline.New(opts)
	if err != nil {
		return err
	}

	decision, doc, err := coord.Once(ctx)
	if err != nil {
		return err
	}

	if db != nil {
		if last, err := db.ListFetches(ctx, store.FetchFilter{SessionID: coord.SessionID(), Limit: 1}); err == nil && len(last) == 1 {
			f := last[0]
			logger.Info("fetch recorded",
				"outcome", f.Outcome,
				"size", humanize.Bytes(uint64(f.Bytes)),
				"took", f.Duration().Round(time.Millisecond),
			)
		}
	}

	if decision == policy.Suppress {
		fmt.Fprintf(cmd.ErrOrStderr(), "Skipped download: %s connection not allowed by preference %q.\n", state, prefs.Network)
		return nil
	}
	if doc.IsError() {
		return fmt.Errorf("%s: %s", doc.Title, doc.Message)
	}
	return nil
}

// sampleState resolves --network, probing the interfaces for "auto".
func sampleState(cmd *cobra.Command, cfg *config.Config, logger *slog.Logger) (netstate.State, error) {
	if fetchNetwork != "" && fetchNetwork != "auto" {
		typ, err := netstate.ParseNetworkType(fetchNetwork)
		if err != nil {
			return netstate.Disconnected, fmt.Errorf("parse --network: %w", err)
		}
		return netstate.StateFromEvent(netstate.Event{Type: typ, Connected: typ != netstate.TypeNone}), nil
	}

	probe, err := newProbe(cfg, logger)
	if err != nil {
		return netstate.Disconnected, err
	}
	ev, err := probe.Sample(cmd.Context())
	if err != nil {
		return netstate.Disconnected, fmt.Errorf("probe connectivity: %w", err)
	}
	logger.Debug("connectivity sampled", "type", ev.Type.String(), "interface", ev.Interface)
	return netstate.StateFromEvent(ev), nil
}
