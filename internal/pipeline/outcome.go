package pipeline

import (
	"time"

	"github.com/ppiankov/feedsync/internal/feed"
	"github.com/ppiankov/feedsync/internal/netstate"
	"github.com/ppiankov/feedsync/internal/store"
)

// OutcomeKind tags an Outcome.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeConnectionError
	OutcomeParseError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return store.OutcomeSuccess
	case OutcomeConnectionError:
		return store.OutcomeConnectionError
	case OutcomeParseError:
		return store.OutcomeParseError
	default:
		return "unknown"
	}
}

// Outcome is the result of one fetch and parse. It is produced on a worker
// goroutine and consumed once by the coordinator.
type Outcome struct {
	Kind    OutcomeKind
	Entries []feed.Entry
	Bytes   int
	Err     error

	// Snapshot the decision was made with.
	Network        netstate.State
	IncludeSummary bool

	Started  time.Time
	Finished time.Time
}
