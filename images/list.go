// Package images lists the uploaded files of a wiki and downloads them with
// size and hash verification.
package images

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aluiziolira/go-wikidump/metrics"
	"github.com/aluiziolira/go-wikidump/models"
	"github.com/aluiziolira/go-wikidump/pipeline"
)

// fileNamespace is the MediaWiki File: namespace.
const fileNamespace = 6

// Lister produces image records in the wiki's listing order, one batch per
// server response.
type Lister interface {
	List(ctx context.Context, emit func(batch []models.ImageRecord) error) error
}

// SaveOptions configures SaveList.
type SaveOptions struct {
	Errors  *pipeline.ErrorLog
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// Progress is the interval of progress log lines; zero disables them.
	Progress time.Duration
}

// SaveList writes a fresh ImageList at path. The end marker is appended only
// when listing finished.
func SaveList(ctx context.Context, src Lister, path string, opts SaveOptions) (int, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	writer, err := pipeline.NewListWriter(path)
	if err != nil {
		return 0, err
	}
	defer writer.Close()

	p, err := pipeline.NewPipeline(writer, pipeline.Options{Errors: opts.Errors})
	if err != nil {
		return 0, err
	}
	p.Start()
	p.StartMetricsReporting(opts.Progress, logger)

	listErr := src.List(ctx, func(batch []models.ImageRecord) error {
		items := make([]pipeline.Item, 0, len(batch))
		for _, rec := range batch {
			if strings.ContainsAny(rec.Filename+rec.URL+rec.Uploader, "\t\r\n") {
				opts.Errors.Log("image", rec.Filename, fmt.Errorf("listing entry contains a tab or line break"))
				continue
			}
			items = append(items, pipeline.Item{Key: rec.Filename, Namespace: fileNamespace, Line: rec.Line()})
		}
		if err := p.Process(items...); err != nil {
			return err
		}
		// the next request goes out only once this batch is on disk
		return p.Flush()
	})
	closeErr := p.Close()
	if listErr != nil {
		return p.Committed(), fmt.Errorf("list images: %w", listErr)
	}
	if closeErr != nil {
		return p.Committed(), closeErr
	}
	if err := writer.Finish(); err != nil {
		return p.Committed(), err
	}

	logger.Info("image list saved",
		slog.String("path", path),
		slog.Int("images", p.Committed()),
	)
	return p.Committed(), nil
}

// ReadList loads the records of the ImageList at path, stopping at the end
// marker.
func ReadList(path string) ([]models.ImageRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image list: %w", err)
	}
	defer f.Close()

	var records []models.ImageRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if text == models.EndMarker {
			break
		}
		if text == "" {
			continue
		}
		rec, err := models.ParseImageLine(text)
		if err != nil {
			return nil, &models.CorruptArtifact{Path: path, Reason: fmt.Sprintf("line %d: %v", line, err)}
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read image list: %w", err)
	}
	return records, nil
}
