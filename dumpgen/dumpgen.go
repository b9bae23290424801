// Package dumpgen runs a whole dump of one wiki: title list, XML dump,
// integrity check, image list and image binaries, each phase resuming from
// whatever a previous run left in the output directory.
package dumpgen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"path/filepath"
	"time"

	"github.com/aluiziolira/go-wikidump/checkpoint"
	"github.com/aluiziolira/go-wikidump/config"
	"github.com/aluiziolira/go-wikidump/dump"
	"github.com/aluiziolira/go-wikidump/images"
	"github.com/aluiziolira/go-wikidump/integrity"
	"github.com/aluiziolira/go-wikidump/metrics"
	"github.com/aluiziolira/go-wikidump/models"
	"github.com/aluiziolira/go-wikidump/parser"
	"github.com/aluiziolira/go-wikidump/pipeline"
	"github.com/aluiziolira/go-wikidump/runstore"
	"github.com/aluiziolira/go-wikidump/titles"
	"github.com/aluiziolira/go-wikidump/tracing"
	"github.com/aluiziolira/go-wikidump/transport"
	"go.opentelemetry.io/otel/attribute"
)

// progressInterval paces the progress lines of long listings.
const progressInterval = 30 * time.Second

// Options carries the collaborators of a run that are not persisted with
// its configuration.
type Options struct {
	// Resume continues the run stored in the configured output directory.
	Resume bool
	// Base is the connection-level transport; nil dials with cfg.Timeout.
	Base http.RoundTripper
	// Jar holds the wiki session; nil starts an empty one.
	Jar http.CookieJar
	// WaybackBase overrides the Wayback Machine host.
	WaybackBase string
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Generator runs the phases of one dump in order. A Generator is used once.
type Generator struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	transport *transport.Transport
	client    *transport.Client
	errs      *pipeline.ErrorLog
}

// ResumeConfig reloads the configuration saved in dir. A directory without
// one cannot be resumed.
func ResumeConfig(dir string) (*config.Config, error) {
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, &models.FatalConfigError{Reason: fmt.Sprintf("cannot resume %s", dir), Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &models.FatalConfigError{Reason: "saved run configuration is invalid", Err: err}
	}
	return cfg, nil
}

// New validates cfg and builds the rate-limited client shared by every phase.
func New(cfg *config.Config, opts Options) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &models.FatalConfigError{Reason: "invalid configuration", Err: err}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := opts.Base
	if base == nil {
		base = transport.NewBaseTransport(cfg.Timeout)
	}
	tr := transport.New(base, transport.Options{
		Delay:     cfg.Delay,
		Retries:   cfg.Retries,
		Backoff:   cfg.RetryBackoff,
		UserAgent: cfg.UserAgent,
		Metrics:   opts.Metrics,
		Logger:    logger,
	})
	jar := opts.Jar
	if jar == nil {
		var err error
		if jar, err = cookiejar.New(nil); err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
	}

	return &Generator{
		cfg:       cfg,
		opts:      opts,
		logger:    logger,
		transport: tr,
		client:    transport.NewClient(tr, jar, cfg.API, cfg.Index),
	}, nil
}

// Run executes every enabled phase. Recoverable per-item failures end up in
// errors.log and in the result status; a returned error means the run
// stopped early and can be resumed.
func (g *Generator) Run(ctx context.Context) (*models.RunResult, error) {
	cfg := g.cfg
	result := &models.RunResult{StartTime: time.Now(), Resumed: g.opts.Resume}
	if cfg.XML {
		result.DumpPath = cfg.DumpPath()
	}

	if err := g.prepare(); err != nil {
		return nil, err
	}
	lock, err := runstore.AcquireRunLock(cfg.Path)
	if err != nil {
		return nil, &models.FatalConfigError{Reason: "cannot lock output directory", Err: err}
	}
	defer func() {
		if err := lock.Release(); err != nil {
			g.logger.Warn("release run lock", slog.Any("error", err))
		}
	}()
	if !g.opts.Resume {
		if err := cfg.Save(); err != nil {
			return nil, err
		}
	}

	errs, err := pipeline.OpenErrorLog(cfg.ErrorLogPath())
	if err != nil {
		return nil, err
	}
	defer errs.Close()
	g.errs = errs

	ctx, span := tracing.StartRun(ctx, tracing.Run{
		API:     cfg.API,
		Index:   cfg.Index,
		Path:    cfg.Path,
		Mode:    string(cfg.Mode),
		CurOnly: cfg.CurOnly,
		Resume:  g.opts.Resume,
		XML:     cfg.XML,
		Images:  cfg.Images,
	})

	g.logger.Info("dump started",
		slog.String("path", cfg.Path),
		slog.String("mode", string(cfg.Mode)),
		slog.Bool("resume", g.opts.Resume),
		slog.Bool("xml", cfg.XML),
		slog.Bool("images", cfg.Images),
	)

	err = g.phases(ctx, result)
	result.RequestCount = g.transport.Requests()
	result.RetryCount = g.transport.Retries()
	result.ErrorCount = errs.Count()
	if err == nil {
		result.Finalize()
	}
	tracing.FinishRun(span, result, err)
	return result, err
}

func (g *Generator) phases(ctx context.Context, result *models.RunResult) error {
	cfg := g.cfg
	if err := tracing.Phase(ctx, tracing.PhaseSiteInfo, g.saveSiteSnapshots); err != nil {
		return err
	}

	if cfg.XML {
		if err := tracing.Phase(ctx, tracing.PhaseTitles, func(ctx context.Context) error {
			return g.titleList(ctx, result)
		}); err != nil {
			return err
		}
		if err := tracing.Phase(ctx, tracing.PhaseDump, func(ctx context.Context) error {
			return g.dumpXML(ctx, result)
		}, attribute.String("dump.mode", string(cfg.Mode)), attribute.Bool("dump.curonly", cfg.CurOnly)); err != nil {
			return err
		}
		if err := tracing.Phase(ctx, tracing.PhaseIntegrity, func(ctx context.Context) error {
			return g.checkIntegrity(result)
		}); err != nil {
			return err
		}
	}

	if cfg.Images {
		var records []models.ImageRecord
		if err := tracing.Phase(ctx, tracing.PhaseImageList, func(ctx context.Context) error {
			var err error
			records, err = g.imageList(ctx)
			return err
		}); err != nil {
			return err
		}
		result.Images = len(records)
		if err := tracing.Phase(ctx, tracing.PhaseImages, func(ctx context.Context) error {
			return g.downloadImages(ctx, records, result)
		}, attribute.Int("images.count", len(records))); err != nil {
			return err
		}
	}
	return nil
}

// prepare refuses to start a fresh run over an existing one and to resume a
// directory holding nothing to resume.
func (g *Generator) prepare() error {
	cfg := g.cfg
	saved := filepath.Join(cfg.Path, config.FileName)
	if !g.opts.Resume {
		if runstore.Exists(saved) {
			return &models.FatalConfigError{Reason: fmt.Sprintf("%s already holds a dump; resume it or choose another path", cfg.Path)}
		}
		return runstore.Mkdir(cfg.Path)
	}

	if !runstore.Exists(saved) {
		return &models.FatalConfigError{Reason: "resume requested but no saved run configuration found", Err: config.ErrNoSavedConfig}
	}
	for _, artifact := range []string{cfg.TitlesPath(), cfg.DumpPath(), cfg.ImageListPath()} {
		if runstore.Exists(artifact) {
			return nil
		}
	}
	return &models.FatalConfigError{Reason: fmt.Sprintf("resume requested but no checkpoint artifacts found in %s", cfg.Path)}
}

// snapshot is a page describing the wiki, saved once per output directory.
type snapshot struct {
	name  string
	path  string
	fetch func(ctx context.Context) ([]byte, error)
}

// saveSiteSnapshots stores the siteinfo query, the front page and
// Special:Version next to the dump. Snapshots already on disk are kept and
// failing to fetch one is not fatal.
func (g *Generator) saveSiteSnapshots(ctx context.Context) error {
	cfg := g.cfg
	var snapshots []snapshot
	if cfg.API != "" {
		snapshots = append(snapshots, snapshot{name: "siteinfo", path: cfg.SiteInfoPath(), fetch: func(ctx context.Context) ([]byte, error) {
			return g.client.PostAPI(ctx, url.Values{
				"action":        {"query"},
				"meta":          {"siteinfo"},
				"siprop":        {"general|namespaces|statistics"},
				"format":        {"json"},
				"formatversion": {"2"},
			})
		}})
	}
	if cfg.Index != "" {
		snapshots = append(snapshots,
			snapshot{name: "index.php", path: cfg.IndexPagePath(), fetch: g.indexPage(nil)},
			snapshot{name: "Special:Version", path: cfg.SpecialVersionPath(), fetch: g.indexPage(url.Values{"title": {"Special:Version"}})},
		)
	}

	saved := 0
	for _, snap := range snapshots {
		if runstore.Exists(snap.path) {
			continue
		}
		body, err := snap.fetch(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			g.logger.Warn("site snapshot unavailable", slog.String("page", snap.name), slog.Any("error", err))
			continue
		}
		if err := runstore.WriteBytes(snap.path, body); err != nil {
			return err
		}
		saved++
	}
	if saved == 0 {
		tracing.Skip(ctx, "snapshots present or unavailable")
	}
	return nil
}

func (g *Generator) indexPage(params url.Values) func(ctx context.Context) ([]byte, error) {
	return func(ctx context.Context) ([]byte, error) {
		body, err := g.client.GetIndex(ctx, params)
		if err != nil {
			return nil, err
		}
		return []byte(parser.RedactIPs(string(body))), nil
	}
}

func (g *Generator) titleList(ctx context.Context, result *models.RunResult) error {
	cfg := g.cfg
	path := cfg.TitlesPath()
	decision, err := checkpoint.LocateList(path)
	if err != nil {
		return err
	}
	switch decision.State {
	case checkpoint.Complete:
		n, err := countTitles(path)
		if err != nil {
			return err
		}
		result.Titles = n
		g.logger.Info("title list already complete", slog.String("path", path), slog.Int("titles", n))
		tracing.Skip(ctx, "title list complete")
		return nil
	case checkpoint.IncompleteAt:
		g.logger.Warn("title list incomplete, enumerating again",
			slog.String("path", path),
			slog.String("last_title", decision.Marker),
		)
	}

	var src titles.Enumerator
	if cfg.API != "" {
		src = &titles.APIEnumerator{Client: g.client, ChunkSize: cfg.ChunkSize, Keep: cfg.Keep, Logger: g.logger}
	} else {
		src = &titles.IndexEnumerator{Client: g.client, Keep: cfg.Keep, Logger: g.logger}
	}
	n, err := titles.Save(ctx, src, path, titles.SaveOptions{
		Keep:     cfg.Keep,
		Errors:   g.errs,
		Metrics:  g.opts.Metrics,
		Logger:   g.logger,
		Progress: progressInterval,
	})
	result.Titles = n
	return err
}

func countTitles(path string) (int, error) {
	n := 0
	err := titles.Scan(path, "", func(string) error {
		n++
		return nil
	})
	return n, err
}

func (g *Generator) dumpXML(ctx context.Context, result *models.RunResult) error {
	cfg := g.cfg
	path := cfg.DumpPath()
	decision, err := checkpoint.LocateDump(path)
	if err != nil {
		return err
	}
	if decision.State == checkpoint.Complete {
		g.logger.Info("xml dump already complete", slog.String("path", path))
		tracing.Skip(ctx, "xml dump complete")
		return nil
	}

	var (
		w          *dump.Writer
		src        dump.PageSource
		cursorPath string
	)
	if cfg.Mode == config.ModeGenerator {
		cursorPath = cfg.CursorPath()
		w, src, err = g.openGenerator(ctx, decision)
	} else {
		w, src, err = g.openTitleDump(ctx, decision)
	}
	if err != nil {
		return err
	}

	stats, err := dump.Run(ctx, w, src, dump.RunOptions{
		CursorPath: cursorPath,
		Errors:     g.errs,
		Metrics:    g.opts.Metrics,
		Logger:     g.logger,
	})
	result.PagesWritten = stats.Pages
	result.PagesMissing = stats.Missing
	result.PagesFailed = stats.Failed
	return err
}

func (g *Generator) fetcher() dump.PageFetcher {
	if g.cfg.Mode == config.ModeAPIPage {
		return &dump.APIPageSource{Client: g.client, CurOnly: g.cfg.CurOnly, ChunkSize: g.cfg.ChunkSize}
	}
	return &dump.ExportSource{Client: g.client, CurOnly: g.cfg.CurOnly}
}

// openTitleDump continues the dump after its last complete page when that
// page is in the title list, and starts it over otherwise.
func (g *Generator) openTitleDump(ctx context.Context, decision checkpoint.Decision) (*dump.Writer, dump.PageSource, error) {
	path := g.cfg.DumpPath()
	src := &dump.TitleSource{Fetcher: g.fetcher(), TitlesPath: g.cfg.TitlesPath()}

	if decision.State == checkpoint.IncompleteAt {
		listed, err := titles.Contains(src.TitlesPath, decision.Marker)
		if err != nil {
			return nil, nil, err
		}
		if listed {
			w, err := reopen(path, decision.Offset)
			if err != nil {
				return nil, nil, err
			}
			src.After = decision.Marker
			g.logger.Info("resuming xml dump",
				slog.String("path", path),
				slog.String("after", decision.Marker),
				slog.Int64("offset", decision.Offset),
			)
			return w, src, nil
		}
		corrupt := &models.CorruptArtifact{
			Path:   path,
			Reason: fmt.Sprintf("last page %q is not in the title list", decision.Marker),
		}
		g.logger.Warn("regenerating xml dump", slog.Any("error", corrupt))
	}

	w, err := create(ctx, path, src)
	if err != nil {
		return nil, nil, err
	}
	return w, src, nil
}

// openGenerator resumes from the saved cursor when the dump still holds
// everything the cursor accounts for.
func (g *Generator) openGenerator(ctx context.Context, decision checkpoint.Decision) (*dump.Writer, dump.PageSource, error) {
	cfg := g.cfg
	path := cfg.DumpPath()
	sample, err := titles.First(cfg.TitlesPath())
	if err != nil {
		return nil, nil, err
	}
	src := &dump.GeneratorSource{
		Client:      g.client,
		ChunkSize:   cfg.ChunkSize,
		Keep:        cfg.Keep,
		SampleTitle: sample,
		Logger:      g.logger,
	}

	cursor, ok, err := checkpoint.LoadCursor(cfg.CursorPath())
	if err != nil {
		return nil, nil, err
	}
	if ok && decision.State == checkpoint.IncompleteAt && cursor.Offset > 0 && cursor.Offset <= decision.Offset {
		w, err := reopen(path, cursor.Offset)
		if err != nil {
			return nil, nil, err
		}
		src.Resume = &cursor
		g.logger.Info("resuming xml dump from generator cursor",
			slog.String("path", path),
			slog.Int("namespace", cursor.Namespace),
			slog.Int64("offset", cursor.Offset),
		)
		return w, src, nil
	}
	if ok {
		g.logger.Warn("discarding generator cursor that does not match the dump",
			slog.Int64("cursor_offset", cursor.Offset),
			slog.String("dump", decision.String()),
		)
		if err := checkpoint.RemoveCursor(cfg.CursorPath()); err != nil {
			return nil, nil, err
		}
	}

	w, err := create(ctx, path, src)
	if err != nil {
		return nil, nil, err
	}
	return w, src, nil
}

func create(ctx context.Context, path string, src dump.PageSource) (*dump.Writer, error) {
	header, err := src.Header(ctx)
	if err != nil {
		return nil, err
	}
	return dump.Create(path, header)
}

func reopen(path string, offset int64) (*dump.Writer, error) {
	if err := checkpoint.TruncateDump(path, offset); err != nil {
		return nil, err
	}
	return dump.Reopen(path, offset)
}

func (g *Generator) checkIntegrity(result *models.RunResult) error {
	report, err := integrity.Check(g.cfg.DumpPath())
	if err != nil {
		return err
	}
	if !report.Consistent() {
		warning := report.Warning()
		result.IntegrityWarning = warning
		g.logger.Warn("xml dump integrity check failed",
			slog.String("path", g.cfg.DumpPath()),
			slog.String("warning", warning),
		)
		return nil
	}
	g.logger.Info("xml dump integrity verified",
		slog.String("path", g.cfg.DumpPath()),
		slog.Int("pages", report.Pages()),
	)
	return nil
}

// imageList returns the complete ImageList, listing the wiki again when the
// saved one is unfinished or unreadable.
func (g *Generator) imageList(ctx context.Context) ([]models.ImageRecord, error) {
	path := g.cfg.ImageListPath()
	decision, err := checkpoint.LocateList(path)
	if err != nil {
		return nil, err
	}
	if decision.State == checkpoint.Complete {
		records, err := images.ReadList(path)
		var corrupt *models.CorruptArtifact
		if !errors.As(err, &corrupt) {
			return records, err
		}
		g.logger.Warn("regenerating image list", slog.Any("error", corrupt))
	} else if decision.State == checkpoint.IncompleteAt {
		g.logger.Warn("image list incomplete, listing again",
			slog.String("path", path),
			slog.String("last_entry", decision.Marker),
		)
	}

	var src images.Lister
	if g.cfg.API != "" {
		src = &images.APILister{Client: g.client, ChunkSize: g.cfg.ChunkSize, Logger: g.logger}
	} else {
		src = &images.IndexLister{Client: g.client, ChunkSize: g.cfg.ChunkSize, Logger: g.logger}
	}
	if _, err := images.SaveList(ctx, src, path, images.SaveOptions{
		Errors:   g.errs,
		Metrics:  g.opts.Metrics,
		Logger:   g.logger,
		Progress: progressInterval,
	}); err != nil {
		return nil, err
	}
	return images.ReadList(path)
}

func (g *Generator) downloadImages(ctx context.Context, records []models.ImageRecord, result *models.RunResult) error {
	cfg := g.cfg
	done := cfg.ImagesDonePath()
	if runstore.Exists(done) {
		g.logger.Info("images already downloaded", slog.String("dir", cfg.ImagesDir()))
		tracing.Skip(ctx, "images done")
		return nil
	}

	namer, err := images.NewNamer(cfg.ImagesDir(), cfg.FilenameLimit)
	if err != nil {
		return err
	}
	d := &images.Downloader{
		Client:    g.client,
		Namer:     namer,
		Retries:   cfg.Retries,
		Verify:    !cfg.DisableImageVerify,
		BypassCDN: cfg.BypassCDN,
		Booster:   cfg.Booster,
		Errors:    g.errs,
		Metrics:   g.opts.Metrics,
		Logger:    g.logger,
	}
	if cfg.API != "" {
		d.Lookup = func(ctx context.Context, filename string) (models.ImageRecord, error) {
			return images.ImageInfo(ctx, g.client, filename)
		}
	}
	if cfg.Booster != config.BoosterOff {
		d.Wayback = &images.Wayback{Client: g.client, Base: g.opts.WaybackBase}
	}
	if cfg.ImageInterval != "" {
		interval, err := config.ParseInterval(cfg.ImageInterval)
		if err != nil {
			return err
		}
		d.Interval = &interval
	}

	decision, err := checkpoint.LocateImages(records, cfg.ImagesDir(), namer.Name, d.Keep)
	if err != nil {
		return err
	}
	start := 0
	switch decision.State {
	case checkpoint.Complete:
		start = len(records)
	case checkpoint.IncompleteAt:
		start = decision.Index
		g.logger.Info("resuming image download",
			slog.String("from", decision.Marker),
			slog.Int("index", decision.Index),
			slog.Int("total", len(records)),
		)
	}

	stats, err := d.Run(ctx, records, start)
	result.ImagesDownloaded = stats.Downloaded
	result.ImagesFiltered = stats.Filtered
	result.ImagesFailed = stats.Failed
	if err != nil {
		return err
	}
	return runstore.WriteBytes(done, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"))
}
