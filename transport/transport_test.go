package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aluiziolira/go-wikidump/metrics"
	"github.com/jarcoal/httpmock"
	dto "github.com/prometheus/client_model/go"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestTransport returns a Transport that records its waits instead of sleeping.
func newTestTransport(base http.RoundTripper, opts Options) (*Transport, *[]time.Duration) {
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	tr := New(base, opts)
	waits := &[]time.Duration{}
	tr.sleep = func(ctx context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return ctx.Err()
	}
	return tr, waits
}

func TestTransportRetryBound(t *testing.T) {
	mock := httpmock.NewMockTransport()
	mock.RegisterResponder("GET", "http://wiki.test/api.php", httpmock.NewStringResponder(http.StatusServiceUnavailable, "busy"))

	m := metrics.NewMetrics()
	tr, _ := newTestTransport(mock, Options{Retries: 2, Backoff: time.Millisecond, Metrics: m})
	client := &http.Client{Transport: tr}

	_, err := client.Get("http://wiki.test/api.php")
	if err == nil {
		t.Fatalf("expected error after exhausted retries")
	}
	var terminal *TransportError
	if !errors.As(err, &terminal) {
		t.Fatalf("error = %v, want *TransportError", err)
	}
	if terminal.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", terminal.Attempts)
	}
	if terminal.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", terminal.StatusCode)
	}
	if got := errorTypeLabel(terminal.Err); got != "server_busy" {
		t.Fatalf("category = %q, want server_busy", got)
	}
	if got := mock.GetTotalCallCount(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
	if got := tr.Retries(); got != 2 {
		t.Fatalf("retries = %d, want 2", got)
	}
	var retries dto.Metric
	if err := m.RetriesTotal.Write(&retries); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if got := retries.Counter.GetValue(); got != 2 {
		t.Fatalf("retries metric = %v, want 2", got)
	}
	if !IsTerminal(err) {
		t.Fatalf("IsTerminal(%v) = false", err)
	}
}

func TestTransportZeroRetries(t *testing.T) {
	mock := httpmock.NewMockTransport()
	mock.RegisterResponder("GET", "http://wiki.test/index.php", httpmock.NewStringResponder(http.StatusBadGateway, ""))

	tr, waits := newTestTransport(mock, Options{Retries: 0})
	client := &http.Client{Transport: tr}

	if _, err := client.Get("http://wiki.test/index.php"); !IsTerminal(err) {
		t.Fatalf("error = %v, want terminal", err)
	}
	if got := mock.GetTotalCallCount(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
	if len(*waits) != 0 {
		t.Fatalf("waits = %v, want none", *waits)
	}
}

func TestTransportDoesNotRetryClientErrors(t *testing.T) {
	mock := httpmock.NewMockTransport()
	mock.RegisterResponder("GET", "http://wiki.test/missing", httpmock.NewStringResponder(http.StatusNotFound, "nope"))

	tr, _ := newTestTransport(mock, Options{Retries: 3})
	client := &http.Client{Transport: tr}

	resp, err := client.Get("http://wiki.test/missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if got := mock.GetTotalCallCount(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}

func TestTransportRecoversAfterTransportFailure(t *testing.T) {
	var calls int32
	mock := httpmock.NewMockTransport()
	mock.RegisterResponder("GET", "http://wiki.test/api.php", func(req *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")}
		}
		return httpmock.NewStringResponse(http.StatusOK, "ok"), nil
	})

	tr, waits := newTestTransport(mock, Options{Retries: 2, Backoff: 10 * time.Millisecond})
	client := &http.Client{Transport: tr}

	resp, err := client.Get("http://wiki.test/api.php")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := ReadBody(resp)
	if string(body) != "ok" {
		t.Fatalf("body = %q, want ok", body)
	}
	if len(*waits) != 1 || (*waits)[0] != 10*time.Millisecond {
		t.Fatalf("waits = %v, want [10ms]", *waits)
	}
}

func TestTransportFreshConnectionPerRetry(t *testing.T) {
	var served, dialed int32
	server := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&served, 1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "done")
	}))
	server.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		if state == http.StateNew {
			atomic.AddInt32(&dialed, 1)
		}
	}
	server.Start()
	defer server.Close()

	tr, _ := newTestTransport(NewBaseTransport(5*time.Second), Options{Retries: 3, Backoff: time.Millisecond})
	client := &http.Client{Transport: tr}

	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, err := ReadBody(resp)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(body) != "done" {
		t.Fatalf("body = %q, want done", body)
	}
	if got := atomic.LoadInt32(&served); got != 3 {
		t.Fatalf("served = %d, want 3", got)
	}
	if got := atomic.LoadInt32(&dialed); got != 3 {
		t.Fatalf("connections = %d, want one per attempt (3)", got)
	}
}

func TestTransportBackoffStrictlyIncreasing(t *testing.T) {
	mock := httpmock.NewMockTransport()
	mock.RegisterResponder("GET", "http://wiki.test/api.php", httpmock.NewStringResponder(http.StatusTooManyRequests, ""))

	tr, waits := newTestTransport(mock, Options{Retries: 4, Backoff: 100 * time.Millisecond})
	client := &http.Client{Transport: tr}

	if _, err := client.Get("http://wiki.test/api.php"); err == nil {
		t.Fatalf("expected error")
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}
	if len(*waits) != len(want) {
		t.Fatalf("waits = %v, want %v", *waits, want)
	}
	for i := range want {
		if (*waits)[i] != want[i] {
			t.Fatalf("waits = %v, want %v", *waits, want)
		}
	}
}

func TestBackoffSharesTransportPolicy(t *testing.T) {
	m := metrics.NewMetrics()
	tr, waits := newTestTransport(httpmock.NewMockTransport(), Options{Backoff: 50 * time.Millisecond, Metrics: m})

	b := tr.NewBackoff()
	for i := 0; i < 3; i++ {
		if _, err := b.Wait(context.Background()); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	want := []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond}
	if fmt.Sprint(*waits) != fmt.Sprint(want) {
		t.Fatalf("waits = %v, want %v", *waits, want)
	}
	if tr.Retries() != 3 {
		t.Fatalf("Retries() = %d, want 3", tr.Retries())
	}
	var retries dto.Metric
	if err := m.RetriesTotal.Write(&retries); err != nil {
		t.Fatalf("read metric: %v", err)
	}
	if retries.GetCounter().GetValue() != 3 {
		t.Fatalf("retries_total = %v, want 3", retries.GetCounter().GetValue())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewBackoff(time.Millisecond, nil).Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait(cancelled) = %v, want context.Canceled", err)
	}
}

func TestRetryStateHonoursRetryAfter(t *testing.T) {
	state := retryState{}
	base := time.Second
	inputs := []time.Duration{0, 10 * time.Second, 0, 0}
	var prev time.Duration
	for i, retryAfter := range inputs {
		wait := state.next(base, retryAfter)
		if wait <= prev {
			t.Fatalf("wait %d = %v, not greater than %v", i, wait, prev)
		}
		if wait < retryAfter {
			t.Fatalf("wait %d = %v, below Retry-After %v", i, wait, retryAfter)
		}
		prev = wait
	}
	if state.attempts != len(inputs) {
		t.Fatalf("attempts = %d, want %d", state.attempts, len(inputs))
	}
}

func TestRetryAfterParsing(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		header string
		want   time.Duration
	}{
		{name: "empty", header: "", want: 0},
		{name: "seconds", header: "7", want: 7 * time.Second},
		{name: "date", header: now.Add(30 * time.Second).Format(http.TimeFormat), want: 30 * time.Second},
		{name: "past date", header: now.Add(-time.Minute).Format(http.TimeFormat), want: 0},
		{name: "garbage", header: "soon", want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{Header: http.Header{}}
			if tt.header != "" {
				resp.Header.Set("Retry-After", tt.header)
			}
			if got := retryAfter(resp, now); got != tt.want {
				t.Fatalf("retryAfter(%q) = %v, want %v", tt.header, got, tt.want)
			}
		})
	}
}

func TestTransportEnforcesDelay(t *testing.T) {
	mock := httpmock.NewMockTransport()
	mock.RegisterResponder("GET", "http://wiki.test/a", httpmock.NewStringResponder(http.StatusOK, "a"))

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tr, waits := newTestTransport(mock, Options{Delay: 2 * time.Second})
	tr.now = func() time.Time { return clock }
	tr.sleep = func(ctx context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		clock = clock.Add(d)
		return nil
	}
	client := &http.Client{Transport: tr}

	for i := 0; i < 3; i++ {
		resp, err := client.Get("http://wiki.test/a")
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		resp.Body.Close()
		if i == 1 {
			clock = clock.Add(500 * time.Millisecond)
		}
	}
	want := []time.Duration{2 * time.Second, 1500 * time.Millisecond}
	if len(*waits) != len(want) || (*waits)[0] != want[0] || (*waits)[1] != want[1] {
		t.Fatalf("waits = %v, want %v", *waits, want)
	}
	if got := tr.Requests(); got != 3 {
		t.Fatalf("requests = %d, want 3", got)
	}
}

func TestTransportReplaysRequestBody(t *testing.T) {
	var bodies []string
	mock := httpmock.NewMockTransport()
	mock.RegisterResponder("POST", "http://wiki.test/index.php", func(req *http.Request) (*http.Response, error) {
		data, _ := io.ReadAll(req.Body)
		bodies = append(bodies, string(data))
		if len(bodies) == 1 {
			return httpmock.NewStringResponse(http.StatusInternalServerError, ""), nil
		}
		return httpmock.NewStringResponse(http.StatusOK, "<mediawiki/>"), nil
	})

	tr, _ := newTestTransport(mock, Options{Retries: 1, UserAgent: "wikidump-test"})
	client := &http.Client{Transport: tr}

	resp, err := client.Post("http://wiki.test/index.php", "application/x-www-form-urlencoded", strings.NewReader("title=Special:Export&pages=A"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if len(bodies) != 2 || bodies[0] != bodies[1] || bodies[1] != "title=Special:Export&pages=A" {
		t.Fatalf("bodies = %q, want the same form twice", bodies)
	}
}

func TestTransportStopsOnCancelledContext(t *testing.T) {
	mock := httpmock.NewMockTransport()
	mock.RegisterResponder("GET", "http://wiki.test/api.php", httpmock.NewStringResponder(http.StatusServiceUnavailable, ""))

	tr, _ := newTestTransport(mock, Options{Retries: 5})
	ctx, cancel := context.WithCancel(context.Background())
	tr.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	client := &http.Client{Transport: tr}

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://wiki.test/api.php", nil)
	_, err := client.Do(req)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if got := mock.GetTotalCallCount(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   string
	}{
		{name: "nil", err: nil, statusCode: 0, expected: "unknown"},
		{name: "context timeout", err: context.DeadlineExceeded, statusCode: 0, expected: "timeout"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, statusCode: 0, expected: "timeout"},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, statusCode: 0, expected: "connection"},
		{name: "forbidden", err: nil, statusCode: http.StatusForbidden, expected: "forbidden"},
		{name: "not found", err: nil, statusCode: http.StatusNotFound, expected: "not_found"},
		{name: "rate limited", err: nil, statusCode: http.StatusTooManyRequests, expected: "rate_limited"},
		{name: "server busy", err: nil, statusCode: http.StatusServiceUnavailable, expected: "server_busy"},
		{name: "gateway timeout", err: nil, statusCode: http.StatusGatewayTimeout, expected: "server_busy"},
		{name: "other", err: errors.New("some other error"), statusCode: 0, expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorTypeLabel(classifyError(tt.err, tt.statusCode)); got != tt.expected {
				t.Fatalf("classifyError(%v, %d) = %q, want %q", tt.err, tt.statusCode, got, tt.expected)
			}
		})
	}
}
