package images

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/aluiziolira/go-wikidump/config"
	"github.com/aluiziolira/go-wikidump/transport"
	"github.com/jarcoal/httpmock"
)

const (
	apiURL   = "http://wiki.test/w/api.php"
	indexURL = "http://wiki.test/w/index.php"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newClient(mock *httpmock.MockTransport) *transport.Client {
	tr := transport.New(mock, transport.Options{Retries: 0, Logger: quietLogger()})
	return transport.NewClient(tr, nil, apiURL, indexURL)
}

func sha1hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestTruncateName(t *testing.T) {
	if got := TruncateName("Short.png", 240); got != "Short.png" {
		t.Fatalf("short name changed to %q", got)
	}

	long := strings.Repeat("a", 296) + ".png"
	got := TruncateName(long, 240)
	if len(got) != 240 || !strings.HasSuffix(got, ".png") || !strings.HasPrefix(got, strings.Repeat("a", 204)) {
		t.Fatalf("TruncateName(long) = %q (%d bytes)", got, len(got))
	}
	if TruncateName(long, 240) != got {
		t.Fatalf("truncation is not deterministic")
	}

	wide := strings.Repeat("日", 100) + ".jpg"
	got = TruncateName(wide, 241)
	if len(got) > 241 || !utf8.ValidString(got) {
		t.Fatalf("TruncateName(wide) = %q (%d bytes), want valid utf-8 within limit", got, len(got))
	}
	if !strings.HasPrefix(got, strings.Repeat("日", 68)) || strings.HasPrefix(got, strings.Repeat("日", 69)) {
		t.Fatalf("prefix not cut on a rune boundary: %q", got)
	}
}

func TestNamerRecordsTruncationOnce(t *testing.T) {
	dir := t.TempDir()
	namer, err := NewNamer(dir, 64)
	if err != nil {
		t.Fatalf("namer: %v", err)
	}
	long := strings.Repeat("b", 100) + ".gif"
	for i := 0; i < 2; i++ {
		if err := namer.Record(long); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := namer.Record("short.gif"); err != nil {
		t.Fatalf("record short: %v", err)
	}

	again, err := NewNamer(dir, 64)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if err := again.Record(long); err != nil {
		t.Fatalf("record after reload: %v", err)
	}

	want := TruncateName(long, 64) + "\t" + long + "\n"
	if got := readFile(t, filepath.Join(dir, TruncationLog)); got != want {
		t.Fatalf("truncation log = %q, want %q", got, want)
	}
}

func TestSelectSnapshot(t *testing.T) {
	mk := func(ts string) Snapshot {
		parsed, _ := time.Parse(cdxTimestamp, ts)
		return Snapshot{Timestamp: ts, Original: "http://wiki.test/a.png", Time: parsed}
	}
	snaps := []Snapshot{mk("20201201000000"), mk("20200101000000"), mk("20300101000000")}
	upload := time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		mode config.BoosterMode
		want string
		ok   bool
	}{
		{config.BoosterClosest, "20200101000000", true},
		{config.BoosterEarliest, "20200101000000", true},
		{config.BoosterLatest, "20300101000000", true},
		{config.BoosterOff, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			got, ok := SelectSnapshot(tt.mode, snaps, upload, now)
			if ok != tt.ok || got.Timestamp != tt.want {
				t.Fatalf("SelectSnapshot = %q, %v; want %q, %v", got.Timestamp, ok, tt.want, tt.ok)
			}
		})
	}

	if _, ok := SelectSnapshot(config.BoosterEarliest, []Snapshot{mk("20300101000000")}, upload, now); ok {
		t.Fatalf("earliest should ignore captures after now")
	}
}

func TestWaybackSnapshots(t *testing.T) {
	mock := httpmock.NewMockTransport()
	mock.RegisterResponder("GET", "http://archive.test/cdx/search/cdx", func(req *http.Request) (*http.Response, error) {
		q := req.URL.Query()
		if q.Get("url") != "http://wiki.test/images/a.png" || q.Get("output") != "json" || q.Get("filter") != "statuscode:200" {
			return httpmock.NewStringResponse(http.StatusBadRequest, ""), nil
		}
		return httpmock.NewStringResponse(http.StatusOK, `[["timestamp","original"],
			["20200101000000","http://wiki.test/images/a.png"],["bogus","x"]]`), nil
	})

	wb := &Wayback{Client: newClient(mock), Base: "http://archive.test"}
	snaps, err := wb.Snapshots(context.Background(), "http://wiki.test/images/a.png")
	if err != nil {
		t.Fatalf("snapshots: %v", err)
	}
	if len(snaps) != 1 || snaps[0].Timestamp != "20200101000000" {
		t.Fatalf("snapshots = %+v", snaps)
	}
	if got := wb.URL(snaps[0]); got != "http://archive.test/web/20200101000000id_/http://wiki.test/images/a.png" {
		t.Fatalf("URL = %q", got)
	}
}
