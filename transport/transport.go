// Package transport serializes every request against the wiki behind a fixed
// politeness delay and a bounded retry policy.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/go-wikidump/metrics"
)

// Options configures a Transport.
type Options struct {
	// Delay is the minimum time between two sends, retries included.
	Delay time.Duration
	// Retries is the number of extra attempts after the first one.
	Retries int
	// Backoff is the wait before the first retry; it doubles afterwards.
	Backoff   time.Duration
	UserAgent string
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Transport is an http.RoundTripper that issues one request at a time,
// waits Options.Delay since the previous send, and retries transport failures
// and busy statuses on a fresh connection.
type Transport struct {
	base http.RoundTripper
	opts Options

	mu       sync.Mutex
	lastSend time.Time

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	requests int64
	retries  int64
}

// NewBaseTransport returns the connection-level transport used under
// Transport when the caller has no session of its own.
func NewBaseTransport(timeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          4,
		MaxIdleConnsPerHost:   1,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
}

// New wraps base. A nil base uses http.DefaultTransport.
func New(base http.RoundTripper, opts Options) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Transport{
		base:  base,
		opts:  opts,
		sleep: sleepContext,
		now:   time.Now,
	}
}

// RoundTrip implements http.RoundTripper. The returned error of an exhausted
// request is a *TransportError.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx := req.Context()
	state := retryState{}
	for attempt := 1; ; attempt++ {
		out, err := t.prepare(req, attempt)
		if err != nil {
			return nil, err
		}
		if err := t.waitTurn(ctx); err != nil {
			return nil, err
		}

		start := t.now()
		t.lastSend = start
		atomic.AddInt64(&t.requests, 1)
		resp, err := t.base.RoundTrip(out)

		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.opts.Metrics.IncRequest(req.Method, status)
		t.opts.Metrics.ObserveDuration(t.now().Sub(start))
		t.opts.Logger.Info("http request",
			slog.String("method", req.Method),
			slog.Int("status", status),
			slog.String("url", req.URL.String()),
			slog.Int("attempt", attempt),
		)

		if err == nil && !retryableStatus(status) {
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			discard(resp)
			return nil, ctxErr
		}

		classified := classifyError(err, status)
		t.opts.Metrics.IncError(errorTypeLabel(classified))
		if attempt > t.opts.Retries {
			discard(resp)
			return nil, &TransportError{
				Method:     req.Method,
				URL:        req.URL.String(),
				Attempts:   attempt,
				StatusCode: status,
				Err:        classified,
			}
		}

		wait := state.next(t.opts.Backoff, retryAfter(resp, t.now()))
		// an undrained close makes net/http drop the connection instead of pooling it
		discard(resp)
		t.closeIdle()
		atomic.AddInt64(&t.retries, 1)
		t.opts.Metrics.IncRetries()
		t.opts.Logger.Warn("retrying request",
			slog.String("method", req.Method),
			slog.String("url", req.URL.String()),
			slog.String("category", errorTypeLabel(classified)),
			slog.Duration("backoff", wait),
			slog.Int("attempt", attempt),
		)
		if err := t.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// CloseIdleConnections forwards to the base transport.
func (t *Transport) CloseIdleConnections() {
	t.closeIdle()
}

// Requests returns the number of attempts sent so far.
func (t *Transport) Requests() int {
	return int(atomic.LoadInt64(&t.requests))
}

// Retries returns the number of retries scheduled so far.
func (t *Transport) Retries() int {
	return int(atomic.LoadInt64(&t.retries))
}

func (t *Transport) prepare(req *http.Request, attempt int) (*http.Request, error) {
	out := req.Clone(req.Context())
	if attempt > 1 && req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return nil, fmt.Errorf("cannot retry %s %s: request body is not replayable", req.Method, req.URL)
		}
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		out.Body = body
	}
	if out.Header.Get("User-Agent") == "" && t.opts.UserAgent != "" {
		out.Header.Set("User-Agent", t.opts.UserAgent)
	}
	return out, nil
}

func (t *Transport) waitTurn(ctx context.Context) error {
	if t.lastSend.IsZero() || t.opts.Delay <= 0 {
		return ctx.Err()
	}
	remaining := t.opts.Delay - t.now().Sub(t.lastSend)
	if remaining <= 0 {
		return ctx.Err()
	}
	return t.sleep(ctx, remaining)
}

func (t *Transport) closeIdle() {
	if closer, ok := t.base.(interface{ CloseIdleConnections() }); ok {
		closer.CloseIdleConnections()
	}
}

// Backoff hands out the transport's retry waits to retries decided above
// the HTTP layer, such as fetching a file again after it failed
// verification. A Backoff serves one item.
type Backoff struct {
	base   time.Duration
	state  retryState
	sleep  func(ctx context.Context, d time.Duration) error
	onWait func()
}

// NewBackoff starts a schedule doubling from base. A nil sleep waits on a
// timer.
func NewBackoff(base time.Duration, sleep func(ctx context.Context, d time.Duration) error) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if sleep == nil {
		sleep = sleepContext
	}
	return &Backoff{base: base, sleep: sleep}
}

// NewBackoff starts a schedule with the transport's base backoff. Each wait
// counts as a retry of the transport.
func (t *Transport) NewBackoff() *Backoff {
	b := NewBackoff(t.opts.Backoff, t.sleep)
	b.onWait = func() {
		atomic.AddInt64(&t.retries, 1)
		t.opts.Metrics.IncRetries()
	}
	return b
}

// Wait sleeps for the next wait, strictly longer than the previous one, or
// until ctx is done.
func (b *Backoff) Wait(ctx context.Context) (time.Duration, error) {
	wait := b.state.next(b.base, 0)
	if b.onWait != nil {
		b.onWait()
	}
	return wait, b.sleep(ctx, wait)
}

// retryState lives for one RoundTrip call.
type retryState struct {
	attempts int
	prev     time.Duration
	total    time.Duration
}

// next returns a wait strictly longer than the previous one.
func (s *retryState) next(base, retryAfter time.Duration) time.Duration {
	s.attempts++
	shift := s.attempts - 1
	if shift > 20 {
		shift = 20
	}
	wait := base * time.Duration(1<<shift)
	if retryAfter > wait {
		wait = retryAfter
	}
	if wait <= s.prev {
		wait = s.prev + base
	}
	s.prev = wait
	s.total += wait
	return wait
}

func retryAfter(resp *http.Response, now time.Time) time.Duration {
	if resp == nil {
		return 0
	}
	value := resp.Header.Get("Retry-After")
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

func discard(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsTerminal reports whether err is an exhausted-retries failure.
func IsTerminal(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// drainLimit bounds how much of a successful body ReadBody keeps.
const drainLimit = 512 << 20

// ReadBody reads and closes resp.Body.
func ReadBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, drainLimit))
}
