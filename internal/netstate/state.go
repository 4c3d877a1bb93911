// Package netstate tracks device connectivity. A Monitor subscribes to a
// Source of connectivity events and keeps the current State, emitting a
// Transition whenever it changes.
package netstate

import (
	"fmt"
	"strings"
	"time"
)

// State is the current network class and reachability.
type State int

const (
	Disconnected State = iota
	ConnectedWifi
	ConnectedMobile
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case ConnectedWifi:
		return "wifi"
	case ConnectedMobile:
		return "mobile"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Connected reports whether any network is reachable.
func (s State) Connected() bool {
	return s == ConnectedWifi || s == ConnectedMobile
}

// NetworkType is the kind of link an event refers to.
type NetworkType int

const (
	TypeNone NetworkType = iota
	TypeWifi
	TypeMobile
	TypeEthernet
)

func (t NetworkType) String() string {
	switch t {
	case TypeWifi:
		return "wifi"
	case TypeMobile:
		return "mobile"
	case TypeEthernet:
		return "ethernet"
	default:
		return "none"
	}
}

// ParseNetworkType parses "wifi", "mobile", "ethernet" or "none".
func ParseNetworkType(s string) (NetworkType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "wifi", "wi-fi", "wlan":
		return TypeWifi, nil
	case "mobile", "cellular", "wwan":
		return TypeMobile, nil
	case "ethernet", "wired":
		return TypeEthernet, nil
	case "none", "":
		return TypeNone, nil
	default:
		return TypeNone, fmt.Errorf("unknown network type %q", s)
	}
}

// Event is one connectivity-change notification.
type Event struct {
	Type      NetworkType
	Connected bool
	Interface string // optional, for logging
}

// StateFromEvent computes the State an event implies. Wired links are
// unmetered and count as Wi-Fi for policy purposes.
func StateFromEvent(e Event) State {
	if !e.Connected {
		return Disconnected
	}
	switch e.Type {
	case TypeWifi, TypeEthernet:
		return ConnectedWifi
	case TypeMobile:
		return ConnectedMobile
	default:
		return Disconnected
	}
}

// Transition records a state change observed by the Monitor.
type Transition struct {
	From State
	To   State
	At   time.Time
}
