package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/ppiankov/feedsync/internal/config"
	"github.com/ppiankov/feedsync/internal/display"
	"github.com/ppiankov/feedsync/internal/netstate"
	"github.com/ppiankov/feedsync/internal/pipeline"
	"github.com/ppiankov/feedsync/internal/privacy"
	"github.com/ppiankov/feedsync/internal/store"
)

// loadConfig reads config.yaml from --config. A missing file is not an
// error: every command works with the defaults.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configDir)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. Flags win over the config file.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, format := cfg.Log.Level, cfg.Log.Format
	if logLevel != "" {
		level = logLevel
	}
	if logFormat != "" {
		format = logFormat
	}

	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openStore opens the history database, or returns nil when storage is
// disabled.
func openStore(cfg *config.Config) (*store.Store, error) {
	if cfg.Storage.Disabled {
		return nil, nil
	}
	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return db, nil
}

// newSink shows documents on w and, when display.output is set, also
// replaces that file on every update.
func newSink(cfg *config.Config, w io.Writer, format string, color bool) (display.Sink, error) {
	if format == "" {
		format = cfg.Display.Format
	}
	f, err := display.New(format, display.Options{Color: color})
	if err != nil {
		return nil, err
	}
	sinks := display.Tee{display.NewWriterSink(w, f)}

	if cfg.Display.Output != "" {
		// Files are read by other programs; never write ANSI escapes there.
		ff, err := display.New(cfg.Display.Format, display.Options{Standalone: true})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, display.NewFileSink(cfg.Display.Output, ff))
	}
	return sinks, nil
}

func newRedactor(cfg *config.Config) (pipeline.Redactor, error) {
	if !cfg.Privacy.Redact.Enabled || len(cfg.Privacy.Redact.Patterns) == 0 {
		return nil, nil
	}
	r, err := privacy.New(cfg.Privacy.Redact.Patterns, cfg.Privacy.Redact.Links)
	if err != nil {
		return nil, fmt.Errorf("compile redact patterns: %w", err)
	}
	return r, nil
}

func newProbe(cfg *config.Config, logger *slog.Logger) (*netstate.Probe, error) {
	overrides, err := cfg.InterfaceTypes()
	if err != nil {
		return nil, err
	}
	return netstate.NewProbe(
		netstate.WithProbeInterval(cfg.Network.ProbeInterval.Duration),
		netstate.WithInterfaceTypes(overrides),
		netstate.WithProbeLogger(logger),
	), nil
}

// fixedMonitor reports one connectivity state and never transitions. The
// one-shot fetch command decides against a single sample.
type fixedMonitor netstate.State

func (m fixedMonitor) State() netstate.State                   { return netstate.State(m) }
func (m fixedMonitor) Transitions() <-chan netstate.Transition { return nil }

// parseDuration handles both Go durations and "Nd" day notation.
func parseDuration(s string) (time.Duration, error) {
	if len(s) > 1 && s[len(s)-1] == 'd' {
		var days int
		if _, err := fmt.Sscanf(s, "%dd", &days); err == nil && days > 0 {
			return time.Duration(days) * 24 * time.Hour, nil
		}
	}
	return time.ParseDuration(s)
}
