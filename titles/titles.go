// Package titles enumerates the page titles of a wiki and persists them as
// the run's TitleList.
package titles

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aluiziolira/go-wikidump/metrics"
	"github.com/aluiziolira/go-wikidump/models"
	"github.com/aluiziolira/go-wikidump/pipeline"
)

// ErrStartNotFound is returned by Scan when the resume title is not listed.
var ErrStartNotFound = errors.New("resume title not found in title list")

// Enumerator produces titles in the wiki's enumeration order, one batch per
// server response.
type Enumerator interface {
	Enumerate(ctx context.Context, emit func(batch []models.Title) error) error
}

// SaveOptions configures Save.
type SaveOptions struct {
	Keep    func(ns int) bool
	Errors  *pipeline.ErrorLog
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// Progress is the interval of progress log lines; zero disables them.
	Progress time.Duration
}

// Save enumerates src into a fresh TitleList at path. The end marker is
// written only when enumeration finished; on error the list is left
// unterminated.
func Save(ctx context.Context, src Enumerator, path string, opts SaveOptions) (int, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	writer, err := pipeline.NewListWriter(path)
	if err != nil {
		return 0, err
	}
	defer writer.Close()

	p, err := pipeline.NewPipeline(writer, pipeline.Options{
		Keep:   opts.Keep,
		Errors: opts.Errors,
		OnCommit: func(batch []pipeline.Item) {
			for range batch {
				opts.Metrics.IncTitles()
			}
		},
	})
	if err != nil {
		return 0, err
	}
	p.Start()
	p.StartMetricsReporting(opts.Progress, logger)

	enumErr := src.Enumerate(ctx, func(batch []models.Title) error {
		items := make([]pipeline.Item, 0, len(batch))
		for _, title := range batch {
			items = append(items, pipeline.Item{Key: title.Name, Namespace: title.Namespace, Line: title.Name})
		}
		if err := p.Process(items...); err != nil {
			return err
		}
		// the next request goes out only once this batch is on disk
		return p.Flush()
	})
	closeErr := p.Close()
	if enumErr != nil {
		return p.Committed(), fmt.Errorf("enumerate titles: %w", enumErr)
	}
	if closeErr != nil {
		return p.Committed(), closeErr
	}
	if err := writer.Finish(); err != nil {
		return p.Committed(), err
	}

	logger.Info("title list saved",
		slog.String("path", path),
		slog.Int("titles", p.Committed()),
	)
	return p.Committed(), nil
}

// Scan calls fn for each title of the list at path in order, stopping at the
// end marker. A non-empty after skips titles up to and including it.
func Scan(path, after string, fn func(title string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open title list: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	skipping := after != ""
	for scanner.Scan() {
		title := strings.TrimRight(scanner.Text(), "\r")
		if title == models.EndMarker {
			break
		}
		if title == "" {
			continue
		}
		if skipping {
			if title == after {
				skipping = false
			}
			continue
		}
		if err := fn(title); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read title list: %w", err)
	}
	if skipping {
		return fmt.Errorf("%w: %q", ErrStartNotFound, after)
	}
	return nil
}

// Contains reports whether title appears in the list at path.
func Contains(path, title string) (bool, error) {
	found := false
	errStop := errors.New("stop")
	err := Scan(path, "", func(t string) error {
		if t == title {
			found = true
			return errStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return false, err
	}
	return found, nil
}

// First returns the first title of the list, or "" when it is empty.
func First(path string) (string, error) {
	first := ""
	errStop := errors.New("stop")
	err := Scan(path, "", func(t string) error {
		first = t
		return errStop
	})
	if err != nil && !errors.Is(err, errStop) {
		return "", err
	}
	return first, nil
}
