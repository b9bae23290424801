package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/go-wikidump/models"
)

type mockWriter struct {
	mu      sync.Mutex
	batches [][]string
	closed  bool
	failOn  int
}

func (mw *mockWriter) Write(lines []string) error {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	if mw.failOn > 0 && len(mw.batches)+1 == mw.failOn {
		return errors.New("disk full")
	}
	copyBatch := make([]string, len(lines))
	copy(copyBatch, lines)
	mw.batches = append(mw.batches, copyBatch)
	return nil
}

func (mw *mockWriter) Close() error {
	mw.mu.Lock()
	mw.closed = true
	mw.mu.Unlock()
	return nil
}

func (mw *mockWriter) lines() []string {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	var out []string
	for _, batch := range mw.batches {
		out = append(out, batch...)
	}
	return out
}

type blockingWriter struct {
	blockCh chan struct{}
}

func (bw *blockingWriter) Write(lines []string) error {
	<-bw.blockCh
	return nil
}

func (bw *blockingWriter) Close() error {
	return nil
}

func titleItem(name string, ns int) Item {
	return Item{Key: name, Namespace: ns, Line: name}
}

func newStartedPipeline(t *testing.T, writer OutputWriter, opts Options) *Pipeline {
	t.Helper()
	p, err := NewPipeline(writer, opts)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	p.Start()
	return p
}

func TestPipelineFiltersAndDeduplicates(t *testing.T) {
	writer := &mockWriter{}
	keep := func(ns int) bool { return ns != 1 }
	p := newStartedPipeline(t, writer, Options{Keep: keep})

	err := p.Process(
		titleItem("Main Page", 0),
		titleItem("Talk:Main Page", 1),
		titleItem("Main Page", 0),
		titleItem("Help:Contents", 12),
	)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got := writer.lines()
	want := []string{"Main Page", "Help:Contents"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("lines = %v, want %v", got, want)
	}

	snapshot := p.GetMetrics()
	rejected := snapshot["rejected"].(map[string]int)
	if rejected["namespace"] != 1 {
		t.Fatalf("namespace rejections = %d, want 1", rejected["namespace"])
	}
	if rejected["duplicate"] != 1 {
		t.Fatalf("duplicate rejections = %d, want 1", rejected["duplicate"])
	}
	if p.Committed() != 2 {
		t.Fatalf("committed = %d, want 2", p.Committed())
	}
}

func TestPipelineRejectsEndMarker(t *testing.T) {
	dir := t.TempDir()
	errLog, err := OpenErrorLog(filepath.Join(dir, "errors.log"))
	if err != nil {
		t.Fatalf("open error log: %v", err)
	}
	defer errLog.Close()

	writer := &mockWriter{}
	p := newStartedPipeline(t, writer, Options{Errors: errLog})
	if err := p.Process(titleItem("A", 0), titleItem(models.EndMarker, 0), titleItem("B", 0)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	for _, line := range writer.lines() {
		if line == models.EndMarker {
			t.Fatalf("end marker was persisted as an entry")
		}
	}
	if errLog.Count() != 1 {
		t.Fatalf("error log records = %d, want 1", errLog.Count())
	}
	data, _ := os.ReadFile(filepath.Join(dir, "errors.log"))
	if !strings.Contains(string(data), "[reserved] "+models.EndMarker) {
		t.Fatalf("error log = %q, want reserved record", data)
	}
}

func TestPipelinePreservesOrder(t *testing.T) {
	writer := &mockWriter{}
	p := newStartedPipeline(t, writer, Options{BatchSize: 7})

	var want []string
	for i := 0; i < 100; i++ {
		name := "Page " + strconv.Itoa(i)
		want = append(want, name)
		if err := p.Process(titleItem(name, 0)); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := writer.lines(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("order not preserved: got %d lines", len(got))
	}
}

func TestPipelineOnCommit(t *testing.T) {
	writer := &mockWriter{}
	var mu sync.Mutex
	committed := 0
	p := newStartedPipeline(t, writer, Options{OnCommit: func(batch []Item) {
		mu.Lock()
		committed += len(batch)
		mu.Unlock()
	}})

	if err := p.Process(titleItem("A", 0), titleItem("B", 0), titleItem("C", 0)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if committed != 3 {
		t.Fatalf("committed = %d, want 3", committed)
	}
}

func TestPipelineWriteErrorStopsProcessing(t *testing.T) {
	writer := &mockWriter{failOn: 1}
	p := newStartedPipeline(t, writer, Options{BatchSize: 1})

	_ = p.Process(titleItem("A", 0))
	err := p.Close()
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("close error = %v, want write failure", err)
	}
	if err := p.Process(titleItem("B", 0)); err == nil {
		t.Fatalf("process after failure should error")
	}
}

func TestPipelineFlushWaitsForWriter(t *testing.T) {
	writer := &mockWriter{}
	p := newStartedPipeline(t, writer, Options{BatchSize: 1000, BufferSize: 1000})

	for round, names := range [][]string{{"A", "B", "C"}, {"D"}} {
		for _, name := range names {
			if err := p.Process(titleItem(name, 0)); err != nil {
				t.Fatalf("process: %v", err)
			}
		}
		if err := p.Flush(); err != nil {
			t.Fatalf("flush: %v", err)
		}
		want := []string{"A", "B", "C", "D"}[:3+round]
		if got := writer.lines(); strings.Join(got, ",") != strings.Join(want, ",") {
			t.Fatalf("round %d: written = %v, want %v", round, got, want)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.Flush(); !errors.Is(err, ErrPipelineClosed) {
		t.Fatalf("flush after close = %v, want ErrPipelineClosed", err)
	}
}

func TestPipelineFlushReportsWriteError(t *testing.T) {
	writer := &mockWriter{failOn: 1}
	p := newStartedPipeline(t, writer, Options{BatchSize: 1000})

	if err := p.Process(titleItem("A", 0)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := p.Flush(); err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("flush error = %v, want write failure", err)
	}
	_ = p.Close()
}

func TestPipelineProcessAfterClose(t *testing.T) {
	p := newStartedPipeline(t, &mockWriter{}, Options{})
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.Process(titleItem("A", 0)); !errors.Is(err, ErrPipelineClosed) {
		t.Fatalf("process after close = %v, want ErrPipelineClosed", err)
	}
}

func TestPipelineCloseTimeout(t *testing.T) {
	writer := &blockingWriter{blockCh: make(chan struct{})}
	p := newStartedPipeline(t, writer, Options{BatchSize: 1})

	if err := p.Process(titleItem("Blocked", 0)); err != nil {
		t.Fatalf("process: %v", err)
	}

	previousTimeout := drainTimeout
	drainTimeout = 25 * time.Millisecond
	t.Cleanup(func() {
		drainTimeout = previousTimeout
		close(writer.blockCh)
	})

	if err := p.Close(); err == nil || !errors.Is(err, ErrPipelineCloseTimeout) {
		t.Fatalf("expected close timeout error, got %v", err)
	}
}
