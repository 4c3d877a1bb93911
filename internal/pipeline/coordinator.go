// Package pipeline runs the decide, fetch, parse, render and display loop.
//
// A Coordinator owns the session: the document currently shown, whether a
// refresh is allowed, and whether a download is outstanding. Connectivity
// transitions and refresh requests are handled on the goroutine running
// Run; downloads and parsing happen on worker goroutines whose outcomes
// are sent back over a channel.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ppiankov/feedsync/internal/feed"
	"github.com/ppiankov/feedsync/internal/fetch"
	"github.com/ppiankov/feedsync/internal/netstate"
	"github.com/ppiankov/feedsync/internal/policy"
	"github.com/ppiankov/feedsync/internal/render"
	"github.com/ppiankov/feedsync/internal/store"
)

// ErrAlreadyRunning is returned by Run and Once when the coordinator is
// already in use.
var ErrAlreadyRunning = errors.New("coordinator already running")

// Fetcher starts or joins a download.
type Fetcher interface {
	FetchAsync(ctx context.Context, url string) <-chan fetch.Result
}

// Monitor exposes connectivity state and its transitions.
type Monitor interface {
	State() netstate.State
	Transitions() <-chan netstate.Transition
}

// Sink displays a document, replacing whatever was shown before.
type Sink interface {
	Show(doc render.Document) error
}

// Recorder persists fetch history. Failures are logged, never fatal.
type Recorder interface {
	RecordFetch(ctx context.Context, in store.FetchInput) (store.Fetch, error)
	SaveDocument(ctx context.Context, sessionID, url string, doc render.Document, at time.Time) error
}

// Redactor rewrites entries before they are rendered.
type Redactor interface {
	Entries(entries []feed.Entry) []feed.Entry
}

// Options configure a Coordinator. URL, Fetcher, Monitor, Preferences and
// Sink are required.
type Options struct {
	URL         string
	Title       string
	SessionID   string
	Fetcher     Fetcher
	Monitor     Monitor
	Preferences policy.Provider
	Sink        Sink
	Recorder    Recorder
	Redactor    Redactor
	Logger      *slog.Logger
	Clock       func() time.Time
	Location    *time.Location
}

// Stats are point-in-time counters.
type Stats struct {
	Evaluations int64 `json:"evaluations"`
	Fetches     int64 `json:"fetches"`
	Suppressed  int64 `json:"suppressed"`
	Coalesced   int64 `json:"coalesced"`
	Discarded   int64 `json:"discarded"`
	Shown       int64 `json:"shown"`
}

// Status is a snapshot of the session.
type Status struct {
	Network    netstate.State
	Eligible   bool
	InFlight   bool
	HasSuccess bool
	Current    render.Document
	HasCurrent bool
	Stats      Stats
}

type request struct {
	prefs   policy.Preferences
	state   netstate.State
	trigger string
}

// Coordinator runs one feed session: it decides on every connectivity
// transition or refresh, fetches off its own goroutine, and keeps the sink
// showing the latest document.
type Coordinator struct {
	opts   Options
	logger *slog.Logger

	refresh chan struct{}
	results chan Outcome
	done    chan struct{}
	running atomic.Bool

	// Written only by the goroutine in Run or Once; mu lets Status read
	// them from elsewhere.
	mu         sync.RWMutex
	current    render.Document
	hasCurrent bool
	eligible   bool
	inFlight   bool
	hasSuccess bool

	evaluations atomic.Int64
	fetches     atomic.Int64
	suppressed  atomic.Int64
	coalesced   atomic.Int64
	discarded   atomic.Int64
	shown       atomic.Int64
}

// New validates opts and creates a Coordinator.
func New(opts Options) (*Coordinator, error) {
	switch {
	case opts.URL == "":
		return nil, errors.New("pipeline: url is required")
	case opts.Fetcher == nil:
		return nil, errors.New("pipeline: fetcher is required")
	case opts.Monitor == nil:
		return nil, errors.New("pipeline: monitor is required")
	case opts.Preferences == nil:
		return nil, errors.New("pipeline: preferences provider is required")
	case opts.Sink == nil:
		return nil, errors.New("pipeline: sink is required")
	}
	if opts.Title == "" {
		opts.Title = render.DefaultTitle
	}
	if opts.SessionID == "" {
		opts.SessionID = store.NewSessionID()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		opts:    opts,
		logger:  logger.With("session", opts.SessionID),
		refresh: make(chan struct{}, 1),
		results: make(chan Outcome),
		done:    make(chan struct{}),
	}, nil
}

// SessionID identifies this coordinator's run in the fetch history.
func (c *Coordinator) SessionID() string { return c.opts.SessionID }

// Refresh asks for a policy evaluation. It never blocks; requests made
// before the previous one was handled collapse into one.
func (c *Coordinator) Refresh() {
	select {
	case c.refresh <- struct{}{}:
	default:
	}
}

// Run evaluates the policy once, then reacts to connectivity transitions,
// refresh requests and worker outcomes until ctx is cancelled. Outcomes
// that arrive after Run returns are discarded.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(c.done)

	transitions := c.opts.Monitor.Transitions()
	c.evaluate(ctx, "start")

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("coordinator stopping", "reason", context.Cause(ctx))
			return nil

		case tr, ok := <-transitions:
			if !ok {
				transitions = nil
				continue
			}
			c.logTransition(tr)
			c.evaluate(ctx, "connectivity")

		case <-c.refresh:
			c.evaluate(ctx, "refresh")

		case out := <-c.results:
			c.setInFlight(false)
			if err := c.apply(ctx, out); err != nil {
				c.logger.Error("display failed", "error", err)
			}
		}
	}
}

// Once makes a single decision and, if it allows a fetch, waits for the
// outcome and shows it. It returns the decision and the document now on
// display. It cannot be combined with Run.
func (c *Coordinator) Once(ctx context.Context) (policy.Decision, render.Document, error) {
	if !c.running.CompareAndSwap(false, true) {
		return policy.Suppress, render.Document{}, ErrAlreadyRunning
	}

	req, decision := c.decide("once")
	if decision == policy.Suppress {
		err := c.suppress()
		doc, _ := c.Current()
		return decision, doc, err
	}

	c.setInFlight(true)
	out := c.work(ctx, req)
	c.setInFlight(false)
	if err := ctx.Err(); err != nil {
		return decision, render.Document{}, err
	}
	err := c.apply(ctx, out)
	doc, _ := c.Current()
	return decision, doc, err
}

func (c *Coordinator) decide(trigger string) (request, policy.Decision) {
	prefs := c.opts.Preferences.Preferences()
	state := c.opts.Monitor.State()
	decision := policy.Decide(prefs.Network, state)
	c.evaluations.Add(1)

	c.mu.Lock()
	c.eligible = decision == policy.Fetch
	c.mu.Unlock()

	c.logger.Debug("policy evaluated",
		"trigger", trigger,
		"preference", prefs.Network.String(),
		"network", state.String(),
		"decision", decision.String(),
	)
	return request{prefs: prefs, state: state, trigger: trigger}, decision
}

func (c *Coordinator) evaluate(ctx context.Context, trigger string) {
	req, decision := c.decide(trigger)
	if decision == policy.Suppress {
		if err := c.suppress(); err != nil {
			c.logger.Error("display failed", "error", err)
		}
		return
	}

	if c.isInFlight() {
		c.coalesced.Add(1)
		c.logger.Debug("fetch already in flight, coalescing", "trigger", trigger)
		return
	}
	c.setInFlight(true)

	go func() {
		out := c.work(ctx, req)
		select {
		case c.results <- out:
		case <-c.done:
			c.discarded.Add(1)
			c.logger.Debug("discarding outcome after shutdown", "outcome", out.Kind.String())
		}
	}()
}

// suppress leaves a successfully rendered feed in place. Until the session
// has one, the unavailable document replaces whatever is shown.
func (c *Coordinator) suppress() error {
	c.suppressed.Add(1)
	c.mu.RLock()
	keep := c.hasSuccess || (c.hasCurrent && c.current.Kind == render.KindUnavailable)
	c.mu.RUnlock()
	if keep {
		return nil
	}
	return c.show(render.UnavailableDocument)
}

// work downloads and parses on the calling goroutine.
func (c *Coordinator) work(ctx context.Context, req request) Outcome {
	c.fetches.Add(1)
	out := Outcome{
		Network:        req.state,
		IncludeSummary: req.prefs.IncludeSummary,
		Started:        c.opts.Clock(),
	}

	res := <-c.opts.Fetcher.FetchAsync(ctx, c.opts.URL)
	if res.Err != nil {
		out.Kind = OutcomeConnectionError
		out.Err = res.Err
		out.Finished = c.opts.Clock()
		return out
	}

	out.Bytes = len(res.Payload)
	entries, err := feed.Parse(res.Payload)
	out.Finished = c.opts.Clock()
	if err != nil {
		out.Kind = OutcomeParseError
		out.Err = err
		return out
	}
	out.Kind = OutcomeSuccess
	out.Entries = entries
	return out
}

func (c *Coordinator) apply(ctx context.Context, out Outcome) error {
	var doc render.Document
	switch out.Kind {
	case OutcomeSuccess:
		entries := out.Entries
		if c.opts.Redactor != nil {
			entries = c.opts.Redactor.Entries(entries)
		}
		doc = render.Render(c.opts.Title, c.opts.Clock().In(c.opts.Location), entries, out.IncludeSummary)
		c.logger.Info("feed refreshed", "entries", len(entries), "bytes", out.Bytes, "took", out.Finished.Sub(out.Started))
	default:
		doc = render.ForError(out.Err)
		c.logger.Warn("feed refresh failed", "outcome", out.Kind.String(), "error", out.Err)
	}

	c.record(ctx, out)
	if err := c.show(doc); err != nil {
		return err
	}
	if out.Kind == OutcomeSuccess {
		c.mu.Lock()
		c.hasSuccess = true
		c.mu.Unlock()
	}
	c.save(ctx, doc)
	return nil
}

func (c *Coordinator) show(doc render.Document) error {
	if err := c.opts.Sink.Show(doc); err != nil {
		return err
	}
	c.mu.Lock()
	c.current = doc
	c.hasCurrent = true
	c.mu.Unlock()
	c.shown.Add(1)
	return nil
}

func (c *Coordinator) record(ctx context.Context, out Outcome) {
	if c.opts.Recorder == nil {
		return
	}
	in := store.FetchInput{
		SessionID:  c.opts.SessionID,
		URL:        c.opts.URL,
		Network:    out.Network.String(),
		Outcome:    out.Kind.String(),
		Entries:    len(out.Entries),
		Bytes:      int64(out.Bytes),
		StartedAt:  out.Started,
		FinishedAt: out.Finished,
	}
	if out.Err != nil {
		in.Error = out.Err.Error()
	}
	if _, err := c.opts.Recorder.RecordFetch(context.WithoutCancel(ctx), in); err != nil {
		c.logger.Warn("record fetch failed", "error", err)
	}
}

func (c *Coordinator) save(ctx context.Context, doc render.Document) {
	if c.opts.Recorder == nil {
		return
	}
	if err := c.opts.Recorder.SaveDocument(context.WithoutCancel(ctx), c.opts.SessionID, c.opts.URL, doc, c.opts.Clock()); err != nil {
		c.logger.Warn("save document failed", "error", err)
	}
}

func (c *Coordinator) logTransition(tr netstate.Transition) {
	switch tr.To {
	case netstate.ConnectedWifi:
		c.logger.Info("Wi-Fi reconnected", "from", tr.From.String())
	case netstate.ConnectedMobile:
		c.logger.Info("Using mobile connection", "from", tr.From.String())
	default:
		c.logger.Info("Lost connection", "from", tr.From.String())
	}
}

func (c *Coordinator) setInFlight(v bool) {
	c.mu.Lock()
	c.inFlight = v
	c.mu.Unlock()
}

func (c *Coordinator) isInFlight() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inFlight
}

// Current returns the document on display, if any.
func (c *Coordinator) Current() (render.Document, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current, c.hasCurrent
}

// Stats returns the session counters. Safe from any goroutine.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Evaluations: c.evaluations.Load(),
		Fetches:     c.fetches.Load(),
		Suppressed:  c.suppressed.Load(),
		Coalesced:   c.coalesced.Load(),
		Discarded:   c.discarded.Load(),
		Shown:       c.shown.Load(),
	}
}

// Status returns a consistent snapshot of the session flags, the current
// document and the counters. Safe from any goroutine.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	st := Status{
		Eligible:   c.eligible,
		InFlight:   c.inFlight,
		HasSuccess: c.hasSuccess,
		Current:    c.current,
		HasCurrent: c.hasCurrent,
	}
	c.mu.RUnlock()
	st.Network = c.opts.Monitor.State()
	st.Stats = c.Stats()
	return st
}
