package pipeline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/feedsync/internal/feed"
	"github.com/ppiankov/feedsync/internal/fetch"
	"github.com/ppiankov/feedsync/internal/netstate"
	"github.com/ppiankov/feedsync/internal/policy"
	"github.com/ppiankov/feedsync/internal/render"
	"github.com/ppiankov/feedsync/internal/store"
)

const twoEntryFeed = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>newest android questions</title>
  <entry>
    <title>First question</title>
    <link rel="alternate" href="https://stackoverflow.com/q/1"/>
    <summary type="html">&lt;p&gt;one&lt;/p&gt;</summary>
  </entry>
  <entry>
    <title>Second question</title>
    <link rel="alternate" href="https://stackoverflow.com/q/2"/>
    <summary type="html">two</summary>
  </entry>
</feed>`

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

var fixedNow = time.Date(2025, time.March, 7, 16, 5, 0, 0, time.UTC)

// chanSink records every shown document.
type chanSink struct {
	docs chan render.Document
}

func newChanSink() *chanSink { return &chanSink{docs: make(chan render.Document, 32)} }

func (s *chanSink) Show(doc render.Document) error {
	s.docs <- doc
	return nil
}

func (s *chanSink) next(t *testing.T) render.Document {
	t.Helper()
	select {
	case doc := <-s.docs:
		return doc
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a document")
		return render.Document{}
	}
}

func (s *chanSink) none(t *testing.T) {
	t.Helper()
	select {
	case doc := <-s.docs:
		t.Fatalf("unexpected document shown: %+v", doc)
	case <-time.After(50 * time.Millisecond):
	}
}

// mutablePrefs is a policy.Provider tests can change mid-session.
type mutablePrefs struct {
	mu    sync.Mutex
	prefs policy.Preferences
}

func (m *mutablePrefs) Preferences() policy.Preferences {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prefs
}

func (m *mutablePrefs) set(p policy.Preferences) {
	m.mu.Lock()
	m.prefs = p
	m.mu.Unlock()
}

type harness struct {
	coord   *Coordinator
	source  *netstate.Manual
	monitor *netstate.Monitor
	sink    *chanSink
	prefs   *mutablePrefs
	ctx     context.Context
	runErr  chan error
}

func newHarness(t *testing.T, fetcher Fetcher, prefs policy.Preferences, mutate ...func(*Options)) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	src := netstate.NewManual()
	mon := netstate.NewMonitor(src)
	require.NoError(t, mon.Start(ctx))

	h := &harness{
		source:  src,
		monitor: mon,
		sink:    newChanSink(),
		prefs:   &mutablePrefs{prefs: prefs},
		ctx:     ctx,
		runErr:  make(chan error, 1),
	}
	opts := Options{
		URL:         "http://feeds.test/questions",
		Title:       "Newest questions",
		Fetcher:     fetcher,
		Monitor:     mon,
		Preferences: h.prefs,
		Sink:        h.sink,
		Clock:       func() time.Time { return fixedNow },
		Location:    time.UTC,
	}
	for _, m := range mutate {
		m(&opts)
	}
	coord, err := New(opts)
	require.NoError(t, err)
	h.coord = coord

	t.Cleanup(func() {
		cancel()
		_ = mon.Close()
	})
	return h
}

func (h *harness) start() {
	h.startCtx(h.ctx)
}

func (h *harness) startCtx(ctx context.Context) {
	go func() { h.runErr <- h.coord.Run(ctx) }()
}

func (h *harness) publish(typ netstate.NetworkType) {
	h.source.Publish(netstate.Event{Type: typ, Connected: typ != netstate.TypeNone})
}

func feedServer(t *testing.T, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/atom+xml")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func withURL(url string) func(*Options) {
	return func(o *Options) { o.URL = url }
}

func TestNew_RequiresCollaborators(t *testing.T) {
	base := Options{
		URL:         "http://feeds.test",
		Fetcher:     fetch.New(fetch.Config{}),
		Monitor:     netstate.NewMonitor(netstate.NewManual()),
		Preferences: policy.Static{},
		Sink:        newChanSink(),
	}
	_, err := New(base)
	require.NoError(t, err)

	for name, mutate := range map[string]func(*Options){
		"url":     func(o *Options) { o.URL = "" },
		"fetcher": func(o *Options) { o.Fetcher = nil },
		"monitor": func(o *Options) { o.Monitor = nil },
		"prefs":   func(o *Options) { o.Preferences = nil },
		"sink":    func(o *Options) { o.Sink = nil },
	} {
		t.Run(name, func(t *testing.T) {
			o := base
			mutate(&o)
			_, err := New(o)
			assert.Error(t, err)
		})
	}
}

func TestWifiOnlyOnMobileSuppresses(t *testing.T) {
	srv, hits := feedServer(t, twoEntryFeed)
	h := newHarness(t, fetch.New(fetch.Config{}), policy.Preferences{Network: policy.WifiOnly}, withURL(srv.URL))
	h.start()

	// Nothing shown yet and disconnected: neutral unavailable document.
	assert.Equal(t, render.UnavailableDocument, h.sink.next(t))

	h.publish(netstate.TypeMobile)
	require.Eventually(t, func() bool { return h.coord.Stats().Suppressed == 2 }, waitFor, tick)
	h.sink.none(t)
	assert.Zero(t, hits.Load())
	assert.False(t, h.coord.Status().Eligible)
}

func TestSuppressKeepsPriorFeed(t *testing.T) {
	srv, hits := feedServer(t, twoEntryFeed)
	h := newHarness(t, fetch.New(fetch.Config{}), policy.Preferences{Network: policy.WifiOnly}, withURL(srv.URL))
	h.start()
	assert.Equal(t, render.KindUnavailable, h.sink.next(t).Kind)

	h.publish(netstate.TypeWifi)
	success := h.sink.next(t)
	require.Equal(t, render.KindFeed, success.Kind)

	h.publish(netstate.TypeMobile)
	require.Eventually(t, func() bool { return h.coord.Stats().Suppressed == 2 }, waitFor, tick)
	h.sink.none(t)

	current, ok := h.coord.Current()
	require.True(t, ok)
	assert.Equal(t, success, current)
	assert.Equal(t, int32(1), hits.Load())

	// Losing the network entirely does not blank the display either.
	h.publish(netstate.TypeNone)
	require.Eventually(t, func() bool { return h.coord.Stats().Suppressed == 3 }, waitFor, tick)
	h.sink.none(t)
}

func TestAnyOnMobileRendersEntries(t *testing.T) {
	srv, _ := feedServer(t, twoEntryFeed)
	h := newHarness(t, fetch.New(fetch.Config{}), policy.Preferences{Network: policy.Any}, withURL(srv.URL))
	h.start()
	assert.Equal(t, render.KindUnavailable, h.sink.next(t).Kind)

	h.publish(netstate.TypeMobile)
	doc := h.sink.next(t)

	require.Equal(t, render.KindFeed, doc.Kind)
	assert.Equal(t, "Newest questions", doc.Title)
	assert.Equal(t, "Mar 07 4:05PM", doc.Updated)
	require.Len(t, doc.Blocks, 2)
	assert.Equal(t, "https://stackoverflow.com/q/1", doc.Blocks[0].Link)
	assert.Equal(t, "https://stackoverflow.com/q/2", doc.Blocks[1].Link)
	for _, b := range doc.Blocks {
		assert.Empty(t, b.Summary)
	}
	assert.Eventually(t, func() bool { return h.coord.Status().HasSuccess }, waitFor, tick)
}

func TestIncludeSummaryCarriesSummaries(t *testing.T) {
	srv, _ := feedServer(t, twoEntryFeed)
	h := newHarness(t, fetch.New(fetch.Config{}), policy.Preferences{Network: policy.Any, IncludeSummary: true}, withURL(srv.URL))
	h.start()
	h.sink.next(t)

	h.publish(netstate.TypeWifi)
	doc := h.sink.next(t)
	require.Len(t, doc.Blocks, 2)
	assert.Equal(t, "<p>one</p>", doc.Blocks[0].Summary)
	assert.Equal(t, "two", doc.Blocks[1].Summary)
}

func TestReadTimeoutShowsConnectionError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "<feed>")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	h := newHarness(t, fetch.New(fetch.Config{ReadTimeout: 50 * time.Millisecond}), policy.Preferences{Network: policy.Any}, withURL(srv.URL))
	h.start()
	h.sink.next(t)

	h.publish(netstate.TypeWifi)
	doc := h.sink.next(t)
	assert.True(t, render.Equal(render.ConnectionErrorDocument, doc), "got %+v", doc)
}

func TestTruncatedPayloadShowsParseError(t *testing.T) {
	truncated := twoEntryFeed[:len(twoEntryFeed)/2]
	srv, _ := feedServer(t, truncated)
	h := newHarness(t, fetch.New(fetch.Config{}), policy.Preferences{Network: policy.Any}, withURL(srv.URL))
	h.start()
	h.sink.next(t)

	h.publish(netstate.TypeWifi)
	doc := h.sink.next(t)
	assert.True(t, render.Equal(render.ParseErrorDocument, doc), "got %+v", doc)
	assert.Empty(t, doc.Blocks)
	assert.False(t, h.coord.Status().HasSuccess)
}

func TestWifiArrivalFetchesWithoutRefresh(t *testing.T) {
	srv, hits := feedServer(t, twoEntryFeed)
	h := newHarness(t, fetch.New(fetch.Config{}), policy.Preferences{Network: policy.WifiOnly}, withURL(srv.URL))
	h.start()
	assert.Equal(t, render.KindUnavailable, h.sink.next(t).Kind)
	assert.Zero(t, hits.Load())

	h.publish(netstate.TypeWifi)
	doc := h.sink.next(t)
	assert.Equal(t, render.KindFeed, doc.Kind)
	assert.Equal(t, int32(1), hits.Load())
	assert.True(t, h.coord.Status().Eligible)
}

func TestErrorAfterSuccessReplacesDocument(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, twoEntryFeed)
	}))
	t.Cleanup(srv.Close)

	h := newHarness(t, fetch.New(fetch.Config{}), policy.Preferences{Network: policy.Any}, withURL(srv.URL))
	h.start()
	h.sink.next(t)
	h.publish(netstate.TypeWifi)
	require.Equal(t, render.KindFeed, h.sink.next(t).Kind)

	fail.Store(true)
	h.coord.Refresh()
	assert.Equal(t, render.KindConnectionError, h.sink.next(t).Kind)
}

func TestRefreshRereadsPreferences(t *testing.T) {
	srv, hits := feedServer(t, twoEntryFeed)
	h := newHarness(t, fetch.New(fetch.Config{}), policy.Preferences{Network: policy.WifiOnly}, withURL(srv.URL))
	h.start()
	h.sink.next(t)

	h.publish(netstate.TypeMobile)
	require.Eventually(t, func() bool { return h.coord.Stats().Suppressed == 2 }, waitFor, tick)

	h.prefs.set(policy.Preferences{Network: policy.Any})
	h.coord.Refresh()
	assert.Equal(t, render.KindFeed, h.sink.next(t).Kind)
	assert.Equal(t, int32(1), hits.Load())

	h.coord.Refresh()
	assert.Equal(t, render.KindFeed, h.sink.next(t).Kind)
	assert.Equal(t, int32(2), hits.Load())
}

// gateFetcher hands out result channels the test completes by hand.
type gateFetcher struct {
	mu      sync.Mutex
	calls   int
	pending []chan fetch.Result
	started chan struct{}
}

func newGateFetcher() *gateFetcher {
	return &gateFetcher{started: make(chan struct{}, 16)}
}

func (g *gateFetcher) FetchAsync(ctx context.Context, url string) <-chan fetch.Result {
	ch := make(chan fetch.Result, 1)
	g.mu.Lock()
	g.calls++
	g.pending = append(g.pending, ch)
	g.mu.Unlock()
	g.started <- struct{}{}
	return ch
}

func (g *gateFetcher) complete(r fetch.Result) {
	g.mu.Lock()
	ch := g.pending[0]
	g.pending = g.pending[1:]
	g.mu.Unlock()
	ch <- r
}

func (g *gateFetcher) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func waitStarted(t *testing.T, g *gateFetcher) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(waitFor):
		t.Fatal("fetch never started")
	}
}

func TestRefreshWhileInFlightIsCoalesced(t *testing.T) {
	g := newGateFetcher()
	h := newHarness(t, g, policy.Preferences{Network: policy.Any})
	h.start()
	h.sink.next(t)

	h.publish(netstate.TypeWifi)
	waitStarted(t, g)
	assert.True(t, h.coord.Status().InFlight)

	h.coord.Refresh()
	require.Eventually(t, func() bool { return h.coord.Stats().Coalesced >= 1 }, waitFor, tick)
	h.publish(netstate.TypeMobile)
	require.Eventually(t, func() bool { return h.coord.Stats().Coalesced >= 2 }, waitFor, tick)
	assert.Equal(t, 1, g.callCount())

	g.complete(fetch.Result{Payload: []byte(twoEntryFeed)})
	assert.Equal(t, render.KindFeed, h.sink.next(t).Kind)
	require.Eventually(t, func() bool { return !h.coord.Status().InFlight }, waitFor, tick)

	// Once the download finished, a new refresh fetches again.
	h.coord.Refresh()
	waitStarted(t, g)
	assert.Equal(t, 2, g.callCount())
}

func TestTeardownDiscardsLateOutcome(t *testing.T) {
	g := newGateFetcher()
	h := newHarness(t, g, policy.Preferences{Network: policy.Any})
	ctx, cancel := context.WithCancel(context.Background())
	h.startCtx(ctx)
	h.sink.next(t)

	h.publish(netstate.TypeWifi)
	waitStarted(t, g)

	cancel()
	select {
	case err := <-h.runErr:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancel")
	}

	g.complete(fetch.Result{Payload: []byte(twoEntryFeed)})
	require.Eventually(t, func() bool { return h.coord.Stats().Discarded == 1 }, waitFor, tick)
	h.sink.none(t)

	current, _ := h.coord.Current()
	assert.Equal(t, render.KindUnavailable, current.Kind)
}

func TestRunTwice(t *testing.T) {
	h := newHarness(t, newGateFetcher(), policy.Preferences{})
	h.start()
	h.sink.next(t)

	assert.ErrorIs(t, h.coord.Run(context.Background()), ErrAlreadyRunning)
	_, _, err := h.coord.Once(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestOnce(t *testing.T) {
	srv, hits := feedServer(t, twoEntryFeed)

	t.Run("fetch", func(t *testing.T) {
		h := newHarness(t, fetch.New(fetch.Config{}), policy.Preferences{Network: policy.Any}, withURL(srv.URL))
		h.publish(netstate.TypeMobile)
		require.Eventually(t, func() bool { return h.monitor.State() == netstate.ConnectedMobile }, waitFor, tick)

		decision, doc, err := h.coord.Once(context.Background())
		require.NoError(t, err)
		assert.Equal(t, policy.Fetch, decision)
		assert.Equal(t, render.KindFeed, doc.Kind)
		assert.Len(t, doc.Blocks, 2)
		assert.Equal(t, int32(1), hits.Load())
	})

	t.Run("suppress", func(t *testing.T) {
		h := newHarness(t, fetch.New(fetch.Config{}), policy.Preferences{Network: policy.WifiOnly}, withURL(srv.URL))
		decision, doc, err := h.coord.Once(context.Background())
		require.NoError(t, err)
		assert.Equal(t, policy.Suppress, decision)
		assert.Equal(t, render.UnavailableDocument, doc)
	})
}

type fakeRedactor struct{}

func (fakeRedactor) Entries(entries []feed.Entry) []feed.Entry {
	out := make([]feed.Entry, len(entries))
	for i, e := range entries {
		out[i] = feed.Entry{Title: "[REDACTED]", Link: e.Link, Summary: e.Summary}
	}
	return out
}

type memRecorder struct {
	mu      sync.Mutex
	fetches []store.FetchInput
	docs    []render.Document
	err     error
}

func (m *memRecorder) RecordFetch(ctx context.Context, in store.FetchInput) (store.Fetch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches = append(m.fetches, in)
	return store.Fetch{}, m.err
}

func (m *memRecorder) SaveDocument(ctx context.Context, sessionID, url string, doc render.Document, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = append(m.docs, doc)
	return m.err
}

func (m *memRecorder) snapshot() ([]store.FetchInput, []render.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.FetchInput(nil), m.fetches...), append([]render.Document(nil), m.docs...)
}

func TestRecorderAndRedactor(t *testing.T) {
	g := newGateFetcher()
	rec := &memRecorder{}
	h := newHarness(t, g, policy.Preferences{Network: policy.Any}, func(o *Options) {
		o.Recorder = rec
		o.Redactor = fakeRedactor{}
		o.SessionID = "session-1"
	})
	h.start()
	h.sink.next(t)

	h.publish(netstate.TypeWifi)
	waitStarted(t, g)
	g.complete(fetch.Result{Payload: []byte(twoEntryFeed)})
	doc := h.sink.next(t)
	require.Len(t, doc.Blocks, 2)
	assert.Equal(t, "[REDACTED]", doc.Blocks[0].Title)

	h.coord.Refresh()
	waitStarted(t, g)
	g.complete(fetch.Result{Err: &fetch.ConnectionError{URL: "http://feeds.test/questions", StatusCode: 502}})
	assert.Equal(t, render.KindConnectionError, h.sink.next(t).Kind)

	require.Eventually(t, func() bool {
		fetches, docs := rec.snapshot()
		return len(fetches) == 2 && len(docs) == 2
	}, waitFor, tick)

	fetches, docs := rec.snapshot()
	assert.Equal(t, store.OutcomeSuccess, fetches[0].Outcome)
	assert.Equal(t, 2, fetches[0].Entries)
	assert.Equal(t, "wifi", fetches[0].Network)
	assert.Equal(t, "session-1", fetches[0].SessionID)
	assert.Equal(t, store.OutcomeConnectionError, fetches[1].Outcome)
	assert.Contains(t, fetches[1].Error, "502")
	assert.Equal(t, render.KindFeed, docs[0].Kind)
	assert.Equal(t, render.KindConnectionError, docs[1].Kind)
}

func TestRecorderFailureIsNotFatal(t *testing.T) {
	g := newGateFetcher()
	rec := &memRecorder{err: errors.New("database is locked")}
	h := newHarness(t, g, policy.Preferences{Network: policy.Any}, func(o *Options) { o.Recorder = rec })
	h.start()
	h.sink.next(t)

	h.publish(netstate.TypeWifi)
	waitStarted(t, g)
	g.complete(fetch.Result{Payload: []byte(twoEntryFeed)})
	assert.Equal(t, render.KindFeed, h.sink.next(t).Kind)
}

func TestOutcomeKindString(t *testing.T) {
	assert.Equal(t, "success", OutcomeSuccess.String())
	assert.Equal(t, "connection_error", OutcomeConnectionError.String())
	assert.Equal(t, "parse_error", OutcomeParseError.String())
	assert.Equal(t, "unknown", OutcomeKind(42).String())
}

func TestSuppressAfterErrorShowsUnavailable(t *testing.T) {
	g := newGateFetcher()
	h := newHarness(t, g, policy.Preferences{Network: policy.Any})
	h.start()
	assert.Equal(t, render.KindUnavailable, h.sink.next(t).Kind)

	h.publish(netstate.TypeWifi)
	waitStarted(t, g)
	g.complete(fetch.Result{Err: &fetch.ConnectionError{URL: "http://feeds.test/questions", StatusCode: 500}})
	assert.Equal(t, render.KindConnectionError, h.sink.next(t).Kind)

	// No success yet, so losing the network replaces the error document.
	h.publish(netstate.TypeNone)
	assert.Equal(t, render.UnavailableDocument, h.sink.next(t))
}
