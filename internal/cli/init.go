package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/feedsync/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the config directory with an example config.yaml",
	RunE:  initAction,
}

func initAction(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	configPath := filepath.Join(configDir, config.DefaultConfigFile)
	wrote, err := writeIfNotExists(out, configPath, []byte(exampleConfig))
	if err != nil {
		return err
	}

	if wrote {
		fmt.Fprintf(out, "Initialized %s.\n", configDir)
	} else {
		fmt.Fprintf(out, "Config directory %s already initialized.\n", configDir)
	}
	return nil
}

// writeIfNotExists writes data to path if the file does not exist.
// Returns true if the file was created.
func writeIfNotExists(out io.Writer, path string, data []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(out, "  exists: %s\n", path)
		return false, nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(out, "  created: %s\n", path)
	return true, nil
}

const exampleConfig = `# feedsync configuration

feed:
  url: "http://stackoverflow.com/feeds/tag?tagnames=android&sort=newest"
  title: "Newest StackOverflow questions"

network:
  # "Wi-Fi" downloads only on Wi-Fi (or a wired link); "Any" also uses
  # mobile data. Re-read before every refresh, so edits apply live.
  preference: "Wi-Fi"
  include_summary: false
  probe_interval: 2s
  interfaces: {}
  #   usb0: mobile
  #   enp3s0: ethernet

fetch:
  connect_timeout: 15s
  read_timeout: 10s
  max_retries: 0
  retry_backoff: 1s
  max_bytes: 10485760
  # user_agent_env: FEEDSYNC_USER_AGENT

display:
  format: terminal   # terminal, html, markdown, json
  output: ""         # also write every document to this file
  timezone: "Local"

storage:
  # path defaults to $XDG_DATA_HOME/feedsync/feedsync.db
  retain_days: 30
  disabled: false

log:
  level: info
  format: text

privacy:
  redact:
    enabled: false
    links: false
    patterns: []
`
