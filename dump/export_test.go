package dump

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aluiziolira/go-wikidump/models"
	"github.com/aluiziolira/go-wikidump/pipeline"
	"github.com/aluiziolira/go-wikidump/transport"
	"github.com/jarcoal/httpmock"
)

const (
	apiURL   = "http://wiki.test/w/api.php"
	indexURL = "http://wiki.test/w/index.php"

	testHeader = "<mediawiki xmlns=\"http://www.mediawiki.org/xml/export-0.11/\" version=\"0.11\">\n" +
		"  <siteinfo>\n    <sitename>Test</sitename>\n  </siteinfo>\n"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newClient(mock *httpmock.MockTransport) *transport.Client {
	tr := transport.New(mock, transport.Options{Retries: 0, Logger: quietLogger()})
	return transport.NewClient(tr, nil, apiURL, indexURL)
}

func rev(id int, ts string) string {
	return fmt.Sprintf("    <revision>\n      <id>%d</id>\n      <timestamp>%s</timestamp>\n    </revision>\n", id, ts)
}

func page(title string, revs ...string) string {
	return "  <page>\n    <title>" + title + "</title>\n    <ns>0</ns>\n" + strings.Join(revs, "") + "  </page>\n"
}

func doc(pages ...string) string {
	return testHeader + strings.Join(pages, "") + "</mediawiki>\n"
}

var (
	revA1 = rev(1, "2020-01-01T00:00:00Z")
	revA2 = rev(2, "2020-01-02T00:00:00Z")
	revA3 = rev(3, "2020-01-03T00:00:00Z")
	revB1 = rev(4, "2021-01-01T00:00:00Z")
)

// registerExport serves Special:Export for A (three revisions), B (one) and
// a deleted page Gone. offsets records the history offsets requested for A.
func registerExport(mock *httpmock.MockTransport, offsets *[]string) {
	mock.RegisterResponder("POST", indexURL, func(req *http.Request) (*http.Response, error) {
		if err := req.ParseForm(); err != nil {
			return nil, err
		}
		form := req.PostForm
		if form.Get("title") != "Special:Export" || form.Get("action") != "submit" {
			return httpmock.NewStringResponse(http.StatusBadRequest, ""), nil
		}
		curOnly := form.Get("curonly") == "1"
		switch form.Get("pages") {
		case "A":
			if curOnly {
				return httpmock.NewStringResponse(http.StatusOK, doc(page("A", revA3))), nil
			}
			if offsets != nil {
				*offsets = append(*offsets, form.Get("offset"))
			}
			switch form.Get("offset") {
			case "1":
				return httpmock.NewStringResponse(http.StatusOK, doc(page("A", revA1, revA2))), nil
			case "2020-01-02T00:00:00Z":
				return httpmock.NewStringResponse(http.StatusOK, doc(page("A", revA3))), nil
			}
		case "B":
			return httpmock.NewStringResponse(http.StatusOK, doc(page("B", revB1))), nil
		case "Gone":
			return httpmock.NewStringResponse(http.StatusOK, doc()), nil
		case "Broken":
			return httpmock.NewStringResponse(http.StatusOK, "<html>maintenance</html>"), nil
		}
		return httpmock.NewStringResponse(http.StatusBadRequest, ""), nil
	})
}

func TestExportSourceMergesHistoryPages(t *testing.T) {
	mock := httpmock.NewMockTransport()
	var offsets []string
	registerExport(mock, &offsets)

	src := &ExportSource{Client: newClient(mock), Limit: 2}
	got, err := src.FetchPage(context.Background(), "A")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if want := page("A", revA1, revA2, revA3); got != want {
		t.Fatalf("page =\n%s\nwant\n%s", got, want)
	}
	if strings.Join(offsets, ",") != "1,2020-01-02T00:00:00Z" {
		t.Fatalf("offsets = %v", offsets)
	}
}

func TestExportSourceCurrentOnly(t *testing.T) {
	mock := httpmock.NewMockTransport()
	registerExport(mock, nil)

	src := &ExportSource{Client: newClient(mock), CurOnly: true}
	got, err := src.FetchPage(context.Background(), "A")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if want := page("A", revA3); got != want {
		t.Fatalf("page = %q, want %q", got, want)
	}

	header, err := src.FetchHeader(context.Background(), "A")
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if header != testHeader {
		t.Fatalf("header = %q, want %q", header, testHeader)
	}
}

func TestExportSourceMissingAndBroken(t *testing.T) {
	mock := httpmock.NewMockTransport()
	registerExport(mock, nil)
	src := &ExportSource{Client: newClient(mock)}

	if _, err := src.FetchPage(context.Background(), "Gone"); !errors.Is(err, models.ErrPageMissing) {
		t.Fatalf("Gone: err = %v, want ErrPageMissing", err)
	}
	_, err := src.FetchPage(context.Background(), "Broken")
	if err == nil || errors.Is(err, models.ErrPageMissing) {
		t.Fatalf("Broken: err = %v, want a non-missing failure", err)
	}
}

func writeTitles(t *testing.T, dir string, titles ...string) string {
	t.Helper()
	path := filepath.Join(dir, "titles.txt")
	content := strings.Join(titles, "\n") + "\n" + models.EndMarker + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write titles: %v", err)
	}
	return path
}

func TestRunSkipsMissingPages(t *testing.T) {
	dir := t.TempDir()
	mock := httpmock.NewMockTransport()
	registerExport(mock, nil)

	errs, err := pipeline.OpenErrorLog(filepath.Join(dir, "errors.log"))
	if err != nil {
		t.Fatalf("open error log: %v", err)
	}
	defer errs.Close()

	src := &TitleSource{
		Fetcher:    &ExportSource{Client: newClient(mock), Limit: 2},
		TitlesPath: writeTitles(t, dir, "A", "Gone", "Broken", "B"),
	}
	header, err := src.Header(context.Background())
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	dumpPath := filepath.Join(dir, "dump.xml")
	w, err := Create(dumpPath, header)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	stats, err := Run(context.Background(), w, src, RunOptions{Errors: errs, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := Stats{Pages: 2, Revisions: 4, Missing: 1, Failed: 1}
	if stats != want {
		t.Fatalf("stats = %+v, want %+v", stats, want)
	}

	data, _ := os.ReadFile(dumpPath)
	if string(data) != doc(page("A", revA1, revA2, revA3), page("B", revB1)) {
		t.Fatalf("dump =\n%s", data)
	}
	if errs.Count() != 2 {
		t.Fatalf("error log count = %d, want 2", errs.Count())
	}
	logData, _ := os.ReadFile(filepath.Join(dir, "errors.log"))
	if !strings.Contains(string(logData), "[missing] Gone:") || !strings.Contains(string(logData), "[page] Broken:") {
		t.Fatalf("error log = %q", logData)
	}
}

func TestRunResumesAfterTitle(t *testing.T) {
	dir := t.TempDir()
	mock := httpmock.NewMockTransport()
	registerExport(mock, nil)

	dumpPath := filepath.Join(dir, "dump.xml")
	existing := testHeader + page("A", revA1, revA2, revA3)
	if err := os.WriteFile(dumpPath, []byte(existing), 0o644); err != nil {
		t.Fatalf("seed dump: %v", err)
	}
	w, err := Reopen(dumpPath, int64(len(existing)))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	src := &TitleSource{
		Fetcher:    &ExportSource{Client: newClient(mock), Limit: 2},
		TitlesPath: writeTitles(t, dir, "A", "B"),
		After:      "A",
	}
	stats, err := Run(context.Background(), w, src, RunOptions{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Pages != 1 {
		t.Fatalf("pages = %d, want 1", stats.Pages)
	}
	if mock.GetTotalCallCount() != 1 {
		t.Fatalf("calls = %d, want 1", mock.GetTotalCallCount())
	}
	data, _ := os.ReadFile(dumpPath)
	if string(data) != doc(page("A", revA1, revA2, revA3), page("B", revB1)) {
		t.Fatalf("dump =\n%s", data)
	}
}

func TestRunCancelledLeavesDumpOpen(t *testing.T) {
	dir := t.TempDir()
	mock := httpmock.NewMockTransport()
	registerExport(mock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dumpPath := filepath.Join(dir, "dump.xml")
	w, err := Create(dumpPath, testHeader)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	src := &TitleSource{
		Fetcher:    &ExportSource{Client: newClient(mock)},
		TitlesPath: writeTitles(t, dir, "A", "B"),
	}
	if _, err := Run(ctx, w, src, RunOptions{Logger: quietLogger()}); !errors.Is(err, context.Canceled) {
		t.Fatalf("run = %v, want context.Canceled", err)
	}
	data, _ := os.ReadFile(dumpPath)
	if string(data) != testHeader {
		t.Fatalf("dump = %q, want header only", data)
	}
}

func TestTitleSourceHeaderFailureIsFatal(t *testing.T) {
	dir := t.TempDir()
	mock := httpmock.NewMockTransport()
	mock.RegisterResponder("POST", indexURL, httpmock.NewStringResponder(http.StatusServiceUnavailable, ""))

	src := &TitleSource{
		Fetcher:    &ExportSource{Client: newClient(mock)},
		TitlesPath: writeTitles(t, dir, "A"),
	}
	_, err := src.Header(context.Background())
	if !models.IsFatal(err) {
		t.Fatalf("header err = %v, want fatal", err)
	}
	if !transport.IsTerminal(err) {
		t.Fatalf("header err = %v, want terminal transport error inside", err)
	}
}
