package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/feedsync/internal/policy"
)

// PreferenceFile is a policy.Provider backed by the network section of
// config.yaml. The file is re-read on every call so edits apply to the
// next policy decision without a restart.
type PreferenceFile struct {
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	last policy.Preferences
}

// NewPreferenceFile reads preferences from dir/config.yaml. fallback is
// used until the file has been read successfully once.
func NewPreferenceFile(dir string, fallback policy.Preferences, logger *slog.Logger) *PreferenceFile {
	if logger == nil {
		logger = slog.Default()
	}
	return &PreferenceFile{
		path:   filepath.Join(dir, DefaultConfigFile),
		logger: logger,
		last:   fallback,
	}
}

// Preferences returns the current snapshot. A missing or unreadable file
// keeps the last good snapshot; an unknown preference string reads as
// Wi-Fi only.
func (p *PreferenceFile) Preferences() policy.Preferences {
	p.mu.Lock()
	defer p.mu.Unlock()

	prefs, err := p.read()
	if err != nil {
		p.logger.Warn("keeping previous preferences", "path", p.path, "error", err)
		return p.last
	}
	p.last = prefs
	return prefs
}

func (p *PreferenceFile) read() (policy.Preferences, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return policy.Preferences{}, fmt.Errorf("read preferences: %w", err)
	}

	var doc struct {
		Network NetworkConfig `yaml:"network"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return policy.Preferences{}, fmt.Errorf("parse preferences: %w", err)
	}

	pref := policy.WifiOnly
	if doc.Network.Preference != "" {
		pref, err = policy.ParsePreference(doc.Network.Preference)
		if err != nil {
			p.logger.Warn("unknown network preference, using Wi-Fi only", "value", doc.Network.Preference)
		}
	}
	return policy.Preferences{Network: pref, IncludeSummary: doc.Network.IncludeSummary}, nil
}
