package dump

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aluiziolira/go-wikidump/checkpoint"
	"github.com/aluiziolira/go-wikidump/metrics"
	"github.com/aluiziolira/go-wikidump/models"
	"github.com/aluiziolira/go-wikidump/parser"
	"github.com/aluiziolira/go-wikidump/pipeline"
	"github.com/aluiziolira/go-wikidump/titles"
)

// Chunk is a fragment of one or more complete <page> elements.
type Chunk struct {
	XML string
	// Title is the last page title of the fragment.
	Title string
	// Cursor, when set, is persisted once the fragment is on disk.
	Cursor *checkpoint.GeneratorCursor
}

// Sink receives the output of a PageSource in order.
type Sink interface {
	Commit(ctx context.Context, chunk Chunk) error
	// Skip records a title that could not be dumped. The run continues.
	Skip(title string, err error)
}

// PageSource produces ordered page elements for the dump.
type PageSource interface {
	// Header returns the XML that precedes the first page.
	Header(ctx context.Context) (string, error)
	Stream(ctx context.Context, sink Sink) error
}

// PageFetcher retrieves one title as a complete <page> element.
type PageFetcher interface {
	// FetchPage returns models.ErrPageMissing when the wiki has no such page.
	FetchPage(ctx context.Context, title string) (string, error)
	// FetchHeader returns the export header, using title as the sample page.
	FetchHeader(ctx context.Context, title string) (string, error)
}

// TitleSource drives a PageFetcher over the TitleList, one request stream
// per title.
type TitleSource struct {
	Fetcher    PageFetcher
	TitlesPath string
	// After resumes strictly after this title.
	After string
}

// Header implements PageSource using the first listed title as sample.
func (s *TitleSource) Header(ctx context.Context) (string, error) {
	sample, err := titles.First(s.TitlesPath)
	if err != nil {
		return "", err
	}
	if sample == "" {
		sample = "Main_Page"
	}
	header, err := s.Fetcher.FetchHeader(ctx, sample)
	if err != nil {
		return "", &models.FatalConfigError{Reason: "cannot retrieve dump header", Err: err}
	}
	return header, nil
}

// Stream implements PageSource.
func (s *TitleSource) Stream(ctx context.Context, sink Sink) error {
	return titles.Scan(s.TitlesPath, s.After, func(title string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		xml, err := s.Fetcher.FetchPage(ctx, title)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			sink.Skip(title, err)
			return nil
		}
		return sink.Commit(ctx, Chunk{XML: xml, Title: title})
	})
}

// Stats counts what a Run wrote and skipped.
type Stats struct {
	Pages     int
	Revisions int
	Missing   int
	Failed    int
}

// RunOptions configures Run.
type RunOptions struct {
	// CursorPath receives generator cursors after each committed chunk.
	CursorPath string
	Errors     *pipeline.ErrorLog
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Run streams src into w and writes the footer once src is exhausted. On
// error or cancellation the dump is closed without footer.
func Run(ctx context.Context, w *Writer, src PageSource, opts RunOptions) (Stats, error) {
	r := &runner{w: w, opts: opts}
	if r.opts.Logger == nil {
		r.opts.Logger = slog.Default()
	}
	if err := src.Stream(ctx, r); err != nil {
		_ = w.Close()
		return r.stats, err
	}
	if err := w.Finish(); err != nil {
		return r.stats, err
	}
	if opts.CursorPath != "" {
		if err := checkpoint.RemoveCursor(opts.CursorPath); err != nil {
			return r.stats, err
		}
	}
	r.opts.Logger.Info("xml dump finished",
		slog.String("path", w.Path()),
		slog.Int("pages", r.stats.Pages),
		slog.Int("revisions", r.stats.Revisions),
		slog.Int("missing", r.stats.Missing),
		slog.Int("failed", r.stats.Failed),
	)
	return r.stats, nil
}

type runner struct {
	w     *Writer
	opts  RunOptions
	stats Stats
}

func (r *runner) Commit(ctx context.Context, chunk Chunk) error {
	if err := r.w.Commit(chunk.XML); err != nil {
		return err
	}
	pages := parser.CountPages(chunk.XML)
	revisions := parser.CountRevisions(chunk.XML)
	r.stats.Pages += pages
	r.stats.Revisions += revisions
	r.opts.Metrics.AddPages(pages, revisions)

	if chunk.Cursor != nil && r.opts.CursorPath != "" {
		if err := r.w.Sync(); err != nil {
			return fmt.Errorf("sync dump: %w", err)
		}
		cursor := *chunk.Cursor
		cursor.Offset = r.w.Offset()
		cursor.Pages = r.stats.Pages
		if err := checkpoint.SaveCursor(r.opts.CursorPath, cursor); err != nil {
			return err
		}
	}

	r.opts.Logger.Info("pages written",
		slog.String("title", chunk.Title),
		slog.Int("revisions", revisions),
		slog.Int("total_pages", r.stats.Pages),
	)
	return nil
}

func (r *runner) Skip(title string, err error) {
	kind := "page"
	if errors.Is(err, models.ErrPageMissing) {
		r.stats.Missing++
		kind = "missing"
	} else {
		r.stats.Failed++
	}
	r.opts.Metrics.IncError(kind)
	r.opts.Errors.Log(kind, title, err)
	r.opts.Logger.Warn("page skipped",
		slog.String("title", title),
		slog.String("reason", kind),
		slog.Any("error", err),
	)
}
