// Package pipeline commits enumerated titles and image records to their
// append-only list files through a single writer goroutine.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aluiziolira/go-wikidump/models"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	// ErrPipelineClosed is returned when Process is called after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")
	// ErrPipelineCloseTimeout is returned when the writer does not drain in time.
	ErrPipelineCloseTimeout = errors.New("pipeline: close timed out waiting for writer")
)

// drainTimeout bounds how long Close waits for pending items.
var drainTimeout = 30 * time.Second

// OutputWriter receives committed lines in order.
type OutputWriter interface {
	Write(lines []string) error
	Close() error
}

// Item is one entry bound for a list file.
type Item struct {
	// Key identifies the entry for de-duplication (title or filename).
	Key       string
	Namespace int
	Line      string
}

// request carries either an item or, with ack set, a flush barrier.
type request struct {
	item Item
	ack  chan error
}

// Options configures a Pipeline.
type Options struct {
	// Keep filters by namespace; nil keeps everything.
	Keep func(ns int) bool
	// DedupeSize bounds the number of remembered keys.
	DedupeSize int
	BufferSize int
	BatchSize  int
	// Errors receives entries rejected because they collide with the end marker.
	Errors *ErrorLog
	// OnCommit runs after each batch reached the writer.
	OnCommit func(batch []Item)
}

// Pipeline filters, de-duplicates and writes items with exactly one writer.
type Pipeline struct {
	writer    OutputWriter
	opts      Options
	itemCh    chan request
	batchSize int

	wg sync.WaitGroup

	seen *lru.Cache[string, struct{}]

	metrics metrics

	mu      sync.Mutex // guards closed/err/started
	closed  bool
	started bool
	err     error

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline around writer.
func NewPipeline(writer OutputWriter, opts Options) (*Pipeline, error) {
	if opts.DedupeSize <= 0 {
		opts.DedupeSize = 100_000
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 512
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	seen, err := lru.New[string, struct{}](opts.DedupeSize)
	if err != nil {
		return nil, fmt.Errorf("create dedupe cache: %w", err)
	}
	return &Pipeline{
		writer:    writer,
		opts:      opts,
		itemCh:    make(chan request, opts.BufferSize),
		batchSize: opts.BatchSize,
		seen:      seen,
		metrics:   newMetrics(),
		shutdown:  make(chan struct{}),
	}, nil
}

// Start launches the writer goroutine. Calling it twice is a no-op.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.started {
		return
	}
	p.started = true
	p.wg.Add(1)
	go p.worker()
}

// Process enqueues items in order.
func (p *Pipeline) Process(items ...Item) error {
	if len(items) == 0 {
		return nil
	}

	closed, err := p.state()
	if err != nil {
		return err
	}
	if closed {
		return ErrPipelineClosed
	}

	for _, item := range items {
		if err := p.enqueue(request{item: item}); err != nil {
			return err
		}
	}
	return nil
}

// Flush blocks until every item enqueued before it has reached the writer.
// The pipeline must have been started.
func (p *Pipeline) Flush() error {
	closed, err := p.state()
	if err != nil {
		return err
	}
	if closed {
		return ErrPipelineClosed
	}

	ack := make(chan error, 1)
	if err := p.enqueue(request{ack: ack}); err != nil {
		if werr := p.Err(); werr != nil {
			return werr
		}
		return err
	}
	select {
	case err := <-ack:
		return err
	case <-p.shutdown:
		if err := p.Err(); err != nil {
			return err
		}
		return ErrPipelineClosed
	}
}

// Close stops accepting items and waits for pending ones to be written. The
// writer itself is left open.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.closeOnce.Do(func() {
		close(p.itemCh)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		p.signalShutdown()
		return ErrPipelineCloseTimeout
	}
	p.signalShutdown()
	return p.Err()
}

// Err returns the first error encountered during processing.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Pipeline) GetMetrics() map[string]interface{} {
	return p.metrics.snapshot()
}

// Committed returns the number of lines handed to the writer.
func (p *Pipeline) Committed() int {
	return int(p.metrics.processedCount())
}

// StartMetricsReporting emits periodic progress logs until Close.
func (p *Pipeline) StartMetricsReporting(interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				snapshot := p.GetMetrics()
				processed := snapshot["processed"].(int64)
				rejected := snapshot["rejected"].(map[string]int)
				logger.Info("list progress",
					slog.Int64("committed", processed),
					slog.Int("filtered", rejected["namespace"]),
					slog.Int("duplicates", rejected["duplicate"]),
				)
			case <-p.shutdown:
				return
			}
		}
	}()
}

func (p *Pipeline) worker() {
	defer p.wg.Done()

	batch := make([]Item, 0, p.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		lines := make([]string, len(batch))
		for i, item := range batch {
			lines[i] = item.Line
		}
		if err := p.writer.Write(lines); err != nil {
			return err
		}
		p.metrics.addProcessed(len(batch))
		if p.opts.OnCommit != nil {
			p.opts.OnCommit(batch)
		}
		batch = batch[:0]
		return nil
	}

	for req := range p.itemCh {
		if req.ack != nil {
			err := flush()
			if err != nil {
				err = fmt.Errorf("write batch: %w", err)
				p.setErr(err)
			}
			req.ack <- err
			if err != nil {
				return
			}
			continue
		}
		item := req.item
		if !p.accept(item) {
			continue
		}
		batch = append(batch, item)
		// flush whenever the producer is idle so a crash loses at most the in-flight page
		if len(batch) >= p.batchSize || len(p.itemCh) == 0 {
			if err := flush(); err != nil {
				p.setErr(fmt.Errorf("write batch: %w", err))
				return
			}
		}
	}

	if err := flush(); err != nil {
		p.setErr(fmt.Errorf("write batch: %w", err))
	}
}

func (p *Pipeline) accept(item Item) bool {
	if p.opts.Keep != nil && !p.opts.Keep(item.Namespace) {
		p.metrics.addRejected("namespace")
		return false
	}
	if item.Key == models.EndMarker || item.Line == models.EndMarker {
		p.metrics.addRejected("reserved")
		p.opts.Errors.Log("reserved", item.Key, fmt.Errorf("entry equals the list end marker and was not persisted"))
		return false
	}
	if ok, _ := p.seen.ContainsOrAdd(item.Key, struct{}{}); ok {
		p.metrics.addRejected("duplicate")
		return false
	}
	return true
}

func (p *Pipeline) enqueue(req request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrPipelineClosed
		}
	}()

	select {
	case <-p.shutdown:
		return ErrPipelineClosed
	case p.itemCh <- req:
		return nil
	}
}

func (p *Pipeline) setErr(err error) {
	if err == nil {
		return
	}

	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return
	}
	p.err = err
	p.closed = true
	p.mu.Unlock()

	p.signalShutdown()
	// drain so blocked producers observe the shutdown
	go func() {
		for range p.itemCh {
		}
	}()
}

func (p *Pipeline) state() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.err
}

func (p *Pipeline) signalShutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}

type metrics struct {
	mu        sync.Mutex
	processed int64
	rejected  map[string]int
}

func newMetrics() metrics {
	return metrics{
		rejected: make(map[string]int),
	}
}

func (m *metrics) addProcessed(n int) {
	m.mu.Lock()
	m.processed += int64(n)
	m.mu.Unlock()
}

func (m *metrics) processedCount() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processed
}

func (m *metrics) addRejected(kind string) {
	m.mu.Lock()
	m.rejected[kind]++
	m.mu.Unlock()
}

func (m *metrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	copyRejected := make(map[string]int, len(m.rejected))
	for k, v := range m.rejected {
		copyRejected[k] = v
	}

	return map[string]interface{}{
		"processed": m.processed,
		"rejected":  copyRejected,
	}
}
