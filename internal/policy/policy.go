// Package policy decides whether the current connectivity allows a feed
// download under the user's network preference.
package policy

import (
	"fmt"
	"strings"

	"github.com/ppiankov/feedsync/internal/netstate"
)

// Preference is the user's network mode.
type Preference int

const (
	WifiOnly Preference = iota
	Any
)

// Labels as they appear in the config file.
const (
	WifiLabel = "Wi-Fi"
	AnyLabel  = "Any"
)

func (p Preference) String() string {
	switch p {
	case WifiOnly:
		return WifiLabel
	case Any:
		return AnyLabel
	default:
		return fmt.Sprintf("Preference(%d)", int(p))
	}
}

// ParsePreference accepts "Wi-Fi" or "Any" in any case, plus the
// "wifi" and "wifi_only" spellings.
func ParsePreference(s string) (Preference, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "wi-fi", "wifi", "wifi_only", "wifi-only":
		return WifiOnly, nil
	case "any":
		return Any, nil
	default:
		return WifiOnly, fmt.Errorf("unknown network preference %q (want %q or %q)", s, WifiLabel, AnyLabel)
	}
}

// Preferences is a snapshot of the user settings that drive one decision.
type Preferences struct {
	Network        Preference
	IncludeSummary bool
}

// Provider hands out a fresh Preferences snapshot per decision.
type Provider interface {
	Preferences() Preferences
}

// Static is a Provider that always returns the same snapshot.
type Static Preferences

func (s Static) Preferences() Preferences { return Preferences(s) }

// Decision is the outcome of evaluating a preference against connectivity.
type Decision int

const (
	Suppress Decision = iota
	Fetch
)

func (d Decision) String() string {
	if d == Fetch {
		return "fetch"
	}
	return "suppress"
}

// Decide maps (preference, connectivity) to Fetch or Suppress.
func Decide(pref Preference, state netstate.State) Decision {
	switch state {
	case netstate.ConnectedWifi:
		return Fetch
	case netstate.ConnectedMobile:
		if pref == Any {
			return Fetch
		}
		return Suppress
	default:
		return Suppress
	}
}
