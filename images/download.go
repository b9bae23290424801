package images

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aluiziolira/go-wikidump/config"
	"github.com/aluiziolira/go-wikidump/metrics"
	"github.com/aluiziolira/go-wikidump/models"
	"github.com/aluiziolira/go-wikidump/pipeline"
	"github.com/aluiziolira/go-wikidump/transport"
)

// bypassParam is the cache-busting query parameter added to origin URLs.
const bypassParam = "_wikidump_nocdn"

// Downloader fetches image binaries one at a time.
type Downloader struct {
	Client *transport.Client
	Namer  *Namer
	// Retries bounds how often a file failing verification is fetched again
	// from the origin.
	Retries int
	// Backoff starts the wait schedule between verification retries of one
	// file; nil uses the client's transport policy.
	Backoff func() *transport.Backoff
	Verify  bool
	// Lookup fills missing size and hash, usually ImageInfo against the API.
	Lookup    func(ctx context.Context, filename string) (models.ImageRecord, error)
	BypassCDN bool
	Booster   config.BoosterMode
	Wayback   *Wayback
	Interval  *config.Interval
	Errors    *pipeline.ErrorLog
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	now func() time.Time
}

// Stats counts image outcomes of one Run.
type Stats struct {
	Downloaded int
	Filtered   int
	Failed     int
}

// Keep reports whether rec passes the upload-time interval filter. Records
// without a known upload time are kept.
func (d *Downloader) Keep(rec models.ImageRecord) bool {
	if d.Interval == nil || rec.Timestamp.IsZero() {
		return true
	}
	return d.Interval.Contains(rec.Timestamp)
}

// Run downloads records[start:] in order. Per-image failures are logged and
// skipped; only cancellation and local I/O errors stop the run.
func (d *Downloader) Run(ctx context.Context, records []models.ImageRecord, start int) (Stats, error) {
	var stats Stats
	logger := d.logger()
	if err := os.MkdirAll(d.Namer.dir, 0o755); err != nil {
		return stats, fmt.Errorf("create image directory: %w", err)
	}

	for i := start; i < len(records); i++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		rec := records[i]
		if !d.Keep(rec) {
			stats.Filtered++
			d.Metrics.IncImage("filtered")
			continue
		}

		rec, err := d.complete(ctx, rec)
		if err == nil && !d.Keep(rec) {
			stats.Filtered++
			d.Metrics.IncImage("filtered")
			continue
		}
		if err == nil {
			err = d.fetch(ctx, rec)
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return stats, ctxErr
			}
			var local *localError
			if errors.As(err, &local) {
				return stats, local.err
			}
			stats.Failed++
			d.Metrics.IncImage("failed")
			d.Errors.Log("image", rec.Filename, err)
			logger.Warn("image skipped",
				slog.String("filename", rec.Filename),
				slog.Any("error", err),
			)
			continue
		}

		stats.Downloaded++
		d.Metrics.IncImage("downloaded")
		logger.Info("image downloaded",
			slog.String("filename", rec.Filename),
			slog.Int("index", i+1),
			slog.Int("total", len(records)),
		)
	}
	return stats, nil
}

// localError marks a failure of the local disk, which aborts the run.
type localError struct{ err error }

func (e *localError) Error() string { return e.err.Error() }
func (e *localError) Unwrap() error { return e.err }

// complete fills size, hash and upload time through Lookup when needed.
func (d *Downloader) complete(ctx context.Context, rec models.ImageRecord) (models.ImageRecord, error) {
	needsMeta := d.Verify && !rec.HasMetadata()
	needsTime := rec.Timestamp.IsZero() && (d.Interval != nil || d.Booster == config.BoosterClosest)
	if d.Lookup == nil || (!needsMeta && !needsTime) {
		return rec, nil
	}
	info, err := d.Lookup(ctx, rec.Filename)
	if err != nil {
		if errors.Is(err, models.ErrPageMissing) {
			return rec, err
		}
		d.logger().Warn("image metadata lookup failed",
			slog.String("filename", rec.Filename),
			slog.Any("error", err),
		)
		return rec, nil
	}
	if rec.Size < 0 {
		rec.Size = info.Size
	}
	if rec.SHA1 == "" {
		rec.SHA1 = info.SHA1
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = info.Timestamp
	}
	if rec.URL == "" {
		rec.URL = info.URL
	}
	return rec, nil
}

// fetch tries the archived capture once when boosting, then the origin with
// 1+Retries attempts. Verification failures wait out the transport backoff
// before the next attempt; transport failures were already retried below us.
func (d *Downloader) fetch(ctx context.Context, rec models.ImageRecord) error {
	if err := d.Namer.Record(rec.Filename); err != nil {
		return &localError{err: err}
	}

	backoff := d.newBackoff()
	var lastErr error
	for _, src := range d.sources(ctx, rec) {
		attempts := 1
		if src.origin {
			attempts += d.Retries
		}
		for attempt := 1; attempt <= attempts; attempt++ {
			if attempt > 1 {
				wait, err := backoff.Wait(ctx)
				if err != nil {
					return err
				}
				d.logger().Info("fetching image again",
					slog.String("filename", rec.Filename),
					slog.Duration("backoff", wait),
					slog.Int("attempt", attempt),
				)
			}
			err := d.download(ctx, rec, src)
			if err == nil {
				return nil
			}
			lastErr = err
			var mismatch *models.VerificationMismatch
			if !errors.As(err, &mismatch) {
				break
			}
			d.logger().Warn("image verification failed",
				slog.String("filename", rec.Filename),
				slog.String("source", src.url),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
		}
		var local *localError
		if errors.As(lastErr, &local) || ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

func (d *Downloader) newBackoff() *transport.Backoff {
	if d.Backoff != nil {
		return d.Backoff()
	}
	return d.Client.NewBackoff()
}

type source struct {
	url    string
	origin bool
}

func (d *Downloader) sources(ctx context.Context, rec models.ImageRecord) []source {
	origin := source{url: rec.URL, origin: true}
	if d.Booster == config.BoosterOff || d.Wayback == nil {
		return []source{origin}
	}
	snaps, err := d.Wayback.Snapshots(ctx, rec.URL)
	if err != nil {
		d.logger().Warn("wayback lookup failed",
			slog.String("filename", rec.Filename),
			slog.Any("error", err),
		)
		return []source{origin}
	}
	upload := rec.Timestamp
	if upload.IsZero() {
		upload = d.clock()
	}
	snap, ok := SelectSnapshot(d.Booster, snaps, upload, d.clock())
	if !ok {
		return []source{origin}
	}
	return []source{{url: d.Wayback.URL(snap)}, origin}
}

// download streams one source into a temporary file and renames it into
// place once verified.
func (d *Downloader) download(ctx context.Context, rec models.ImageRecord, src source) error {
	target := src.url
	var header http.Header
	if src.origin && d.BypassCDN {
		target = bypassURL(target, d.clock())
		header = http.Header{"Cache-Control": {"no-cache"}}
	}

	resp, err := d.Client.Get(ctx, target, header)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	final := d.Namer.Path(rec.Filename)
	partial := final + ".part"
	f, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return &localError{err: fmt.Errorf("create %s: %w", partial, err)}
	}
	hash := sha1.New()
	written, copyErr := io.Copy(io.MultiWriter(f, hash), resp.Body)
	closeErr := f.Close()
	if copyErr != nil {
		os.Remove(partial)
		return fmt.Errorf("download %s: %w", rec.Filename, copyErr)
	}
	if closeErr != nil {
		os.Remove(partial)
		return &localError{err: fmt.Errorf("close %s: %w", partial, closeErr)}
	}

	if d.Verify {
		if err := verify(rec, written, hex.EncodeToString(hash.Sum(nil))); err != nil {
			os.Remove(partial)
			return err
		}
	}
	if err := os.Rename(partial, final); err != nil {
		os.Remove(partial)
		return &localError{err: fmt.Errorf("store %s: %w", final, err)}
	}
	return nil
}

func verify(rec models.ImageRecord, size int64, sum string) error {
	if rec.Size >= 0 && rec.Size != size {
		return &models.VerificationMismatch{
			Filename: rec.Filename,
			Field:    "size",
			Want:     strconv.FormatInt(rec.Size, 10),
			Got:      strconv.FormatInt(size, 10),
		}
	}
	if rec.SHA1 != "" && !strings.EqualFold(rec.SHA1, sum) {
		return &models.VerificationMismatch{Filename: rec.Filename, Field: "sha1", Want: rec.SHA1, Got: sum}
	}
	return nil
}

func bypassURL(raw string, now time.Time) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set(bypassParam, strconv.FormatInt(now.Unix(), 10))
	u.RawQuery = q.Encode()
	return u.String()
}

func (d *Downloader) clock() time.Time {
	if d.now != nil {
		return d.now()
	}
	return time.Now()
}

func (d *Downloader) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}
