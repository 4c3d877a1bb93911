// Package fetch downloads feed documents over HTTP.
//
// A Fetcher applies a connect timeout and a read inactivity timeout,
// issues a single GET per attempt, and coalesces concurrent requests for
// the same URL into one download.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultReadTimeout    = 10 * time.Second
	DefaultMaxBytes       = 10 << 20
	DefaultRetryBackoff   = time.Second
	DefaultUserAgent      = "Mozilla/5.0 (compatible; feedsync/1.0; +https://github.com/ppiankov/feedsync)"

	maxRetryElapsed = 2 * time.Minute
	acceptHeader    = "application/atom+xml, application/rss+xml, application/xml;q=0.9, text/xml;q=0.8, */*;q=0.5"
)

var (
	// ErrReadTimeout is reported when the body stalls longer than the
	// read timeout.
	ErrReadTimeout = errors.New("read timeout")
	// ErrTooLarge is reported when the body exceeds Config.MaxBytes.
	ErrTooLarge = errors.New("response body too large")
)

// ConnectionError covers every transport-level failure: DNS, refused
// connections, timeouts, non-2xx responses and oversize bodies.
type ConnectionError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetch %s: HTTP %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Config tunes a Fetcher. Zero values take the package defaults.
type Config struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	MaxBytes       int64
	// MaxRetries is the number of extra attempts after a transient
	// failure. Zero disables retry.
	MaxRetries   int
	RetryBackoff time.Duration
	UserAgent    string
	// Transport overrides the tuned default transport.
	Transport http.RoundTripper
	Logger    *slog.Logger
}

func (c *Config) defaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultMaxBytes
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Result is the outcome of one FetchAsync call.
type Result struct {
	Payload []byte
	Err     error
	// Shared is true when the download served more than one caller.
	Shared bool
}

// Fetcher downloads URLs with single-flight semantics. It is safe for
// concurrent use.
type Fetcher struct {
	client *http.Client
	cfg    Config
	group  singleflight.Group

	requests  atomic.Int64
	downloads atomic.Int64
	attempts  atomic.Int64
	failures  atomic.Int64
}

// New creates a Fetcher.
func New(cfg Config) *Fetcher {
	cfg.defaults()
	base := cfg.Transport
	if base == nil {
		base = defaultTransport(cfg)
	}
	return &Fetcher{
		client: &http.Client{Transport: &userAgentTransport{base: base, userAgent: cfg.UserAgent}},
		cfg:    cfg,
	}
}

func defaultTransport(cfg Config) *http.Transport {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
}

// userAgentTransport injects a User-Agent header into every request.
type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.base.RoundTrip(req)
}

// Fetch downloads url, joining an outstanding download of the same URL if
// there is one. It returns a *ConnectionError on failure.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	r := <-f.FetchAsync(ctx, url)
	return r.Payload, r.Err
}

// FetchAsync starts or joins a download and returns immediately. The
// channel receives exactly one Result.
//
// The download itself is detached from ctx: cancelling ctx stops this
// caller waiting, but the download runs to completion (bounded by the
// timeouts) so other joiners still get the payload and the connection is
// released normally.
func (f *Fetcher) FetchAsync(ctx context.Context, url string) <-chan Result {
	f.requests.Add(1)
	out := make(chan Result, 1)
	ch := f.group.DoChan(url, func() (any, error) {
		return f.download(context.WithoutCancel(ctx), url)
	})

	go func() {
		select {
		case r := <-ch:
			payload, _ := r.Val.([]byte)
			out <- Result{Payload: payload, Err: r.Err, Shared: r.Shared}
		case <-ctx.Done():
			out <- Result{Err: &ConnectionError{URL: url, Err: ctx.Err()}}
		}
	}()
	return out
}

func (f *Fetcher) download(ctx context.Context, url string) ([]byte, error) {
	f.downloads.Add(1)
	log := f.cfg.Logger

	var payload []byte
	op := func() error {
		f.attempts.Add(1)
		body, err := f.get(ctx, url)
		if err == nil {
			payload = body
			return nil
		}
		if !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.WarnContext(ctx, "retrying feed download", "url", url, "backoff", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, f.newBackOff(ctx), notify); err != nil {
		f.failures.Add(1)
		var ce *ConnectionError
		if !errors.As(err, &ce) {
			err = &ConnectionError{URL: url, Err: err}
		}
		return nil, err
	}
	log.DebugContext(ctx, "feed downloaded", "url", url, "bytes", len(payload))
	return payload, nil
}

func (f *Fetcher) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = f.cfg.RetryBackoff
	exp.MaxElapsedTime = maxRetryElapsed
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(f.cfg.MaxRetries)), ctx)
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &ConnectionError{URL: url, Err: err}
	}
	req.Header.Set("Accept", acceptHeader)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &ConnectionError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &ConnectionError{URL: url, StatusCode: resp.StatusCode}
	}

	body := newIdleTimeoutReader(resp.Body, f.cfg.ReadTimeout, cancel)
	defer body.stop()

	data, err := io.ReadAll(io.LimitReader(body, f.cfg.MaxBytes+1))
	if err != nil {
		if body.expired() {
			err = fmt.Errorf("%w after %s: %w", ErrReadTimeout, f.cfg.ReadTimeout, err)
		}
		return nil, &ConnectionError{URL: url, StatusCode: resp.StatusCode, Err: err}
	}
	if int64(len(data)) > f.cfg.MaxBytes {
		return nil, &ConnectionError{URL: url, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w (limit %d bytes)", ErrTooLarge, f.cfg.MaxBytes)}
	}
	return data, nil
}

// isRetryable reports whether another attempt could succeed: timeouts,
// refused or reset connections, DNS failures, 429 and 5xx.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	// Checked first: an expired read also carries context.Canceled.
	if errors.Is(err, ErrReadTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrTooLarge) {
		return false
	}
	var ce *ConnectionError
	if errors.As(err, &ce) && ce.Err == nil {
		return ce.StatusCode == http.StatusTooManyRequests || ce.StatusCode >= 500
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Stats are point-in-time counters.
type Stats struct {
	Requests  int64 `json:"requests"`
	Downloads int64 `json:"downloads"`
	Attempts  int64 `json:"attempts"`
	Failures  int64 `json:"failures"`
}

// Stats returns the current counters. Requests minus Downloads is the
// number of callers that joined an outstanding download.
func (f *Fetcher) Stats() Stats {
	return Stats{
		Requests:  f.requests.Load(),
		Downloads: f.downloads.Load(),
		Attempts:  f.attempts.Load(),
		Failures:  f.failures.Load(),
	}
}
