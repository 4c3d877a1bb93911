// Package cli provides the command-line interface for feedsync.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/feedsync/internal/config"
)

// Version and Commit are set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

var (
	configDir string
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "feedsync",
	Short: "Fetch a news feed when the network allows it",
	Long: "feedsync downloads an RSS or Atom feed only when the current connection " +
		"matches your network preference (Wi-Fi only, or any network), and shows the " +
		"newest entries in the terminal, as HTML, Markdown or JSON.",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "feedsync %s (%s)\n", Version, Commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", config.DefaultDir(), "config directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides log.level)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json (overrides log.format)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(doctorCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
