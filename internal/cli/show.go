package cli

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ppiankov/feedsync/internal/render"
	"github.com/ppiankov/feedsync/internal/store"
)

var (
	showFormat   string
	showFeedOnly bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the last document shown, without touching the network",
	RunE:  showAction,
}

func init() {
	showCmd.Flags().StringVar(&showFormat, "format", "", "output format: terminal, html, markdown, json (overrides display.format)")
	showCmd.Flags().BoolVar(&showFeedOnly, "feed-only", false, "skip error documents and show the last successful feed")
	showCmd.Flags().BoolVar(&noColor, "no-color", false, "disable ANSI colors")
}

func showAction(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Storage.Disabled {
		return errors.New("storage is disabled; nothing to show")
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	var kinds []render.Kind
	if showFeedOnly {
		kinds = append(kinds, render.KindFeed)
	}
	stored, err := db.LatestDocument(cmd.Context(), kinds...)
	if errors.Is(err, store.ErrNotFound) {
		fmt.Fprintln(cmd.OutOrStdout(), "Nothing shown yet. Run 'feedsync fetch' first.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("latest document: %w", err)
	}

	// The file sink already holds this document; only print it.
	cfg.Display.Output = ""
	sink, err := newSink(cfg, cmd.OutOrStdout(), showFormat, !noColor)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Shown %s (session %s)\n", humanize.Time(stored.RenderedAt), stored.SessionID)
	return sink.Show(stored.Document)
}
