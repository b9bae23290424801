package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aluiziolira/go-wikidump/config"
	"github.com/aluiziolira/go-wikidump/dumpgen"
	"github.com/aluiziolira/go-wikidump/metrics"
	"github.com/aluiziolira/go-wikidump/models"
	"github.com/aluiziolira/go-wikidump/tracing"
	"github.com/aluiziolira/go-wikidump/transport"
	"github.com/charmbracelet/lipgloss"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	exitFatal       = 1
	exitWithErrors  = 2
	exitUnreachable = 3
	exitInterrupted = 130
)

type flags struct {
	api, index, path, date string
	xml, images, curOnly   bool
	mode                   string
	namespaces, exclude    string
	chunk, retries         int
	delay, backoff         time.Duration
	timeout                time.Duration
	userAgent              string
	filenameLimit          int
	bypassCDN, noVerify    bool
	interval               string
	booster                int
	resume, verbose        bool
	metricsAddr            string
}

func main() {
	defaults := config.DefaultConfig()
	f := flags{}

	apiDefault, _ := config.EnvString("WIKIDUMP_API")
	indexDefault, _ := config.EnvString("WIKIDUMP_INDEX")
	pathDefault, _ := config.EnvString("WIKIDUMP_PATH")
	metricsDefault, _ := config.EnvString("WIKIDUMP_METRICS_ADDR")
	uaDefault := defaults.UserAgent
	if value, ok := config.EnvString("WIKIDUMP_USER_AGENT"); ok {
		uaDefault = value
	}
	delayDefault := defaults.Delay
	if value, ok, err := config.EnvDuration("WIKIDUMP_DELAY"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid WIKIDUMP_DELAY: %v\n", err)
		os.Exit(exitFatal)
	} else if ok {
		delayDefault = value
	}
	retriesDefault := defaults.Retries
	if value, ok, err := config.EnvInt("WIKIDUMP_RETRIES"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid WIKIDUMP_RETRIES: %v\n", err)
		os.Exit(exitFatal)
	} else if ok {
		retriesDefault = value
	}

	flag.StringVar(&f.api, "api", apiDefault, "URL of the wiki's api.php")
	flag.StringVar(&f.index, "index", indexDefault, "URL of the wiki's index.php")
	flag.StringVar(&f.path, "path", pathDefault, "Output directory (default <wiki>-<date>-wikidump)")
	flag.StringVar(&f.date, "date", defaults.Date, "Dump date used in file names (YYYYMMDD)")
	flag.BoolVar(&f.xml, "xml", defaults.XML, "Dump page revisions as XML")
	flag.BoolVar(&f.images, "images", defaults.Images, "Download uploaded files")
	flag.BoolVar(&f.curOnly, "curonly", false, "Dump only the current revision of each page")
	flag.StringVar(&f.mode, "mode", string(defaults.Mode), "Revision source: export, api or generator")
	flag.StringVar(&f.namespaces, "namespaces", "all", "Namespaces to dump: all or a comma separated list")
	flag.StringVar(&f.exclude, "exnamespaces", "", "Comma separated namespaces to skip")
	flag.IntVar(&f.chunk, "chunk", defaults.ChunkSize, "Items requested per API call")
	flag.DurationVar(&f.delay, "delay", delayDefault, "Minimum time between two requests")
	flag.IntVar(&f.retries, "retries", retriesDefault, "Extra attempts after a failed request")
	flag.DurationVar(&f.backoff, "retry-backoff", defaults.RetryBackoff, "Wait before the first retry; doubles afterwards")
	flag.DurationVar(&f.timeout, "timeout", defaults.Timeout, "Connect and response header timeout")
	flag.StringVar(&f.userAgent, "user-agent", uaDefault, "User-Agent header")
	flag.IntVar(&f.filenameLimit, "filename-limit", defaults.FilenameLimit, "Maximum image file name length in bytes")
	flag.BoolVar(&f.bypassCDN, "bypass-cdn", false, "Add a cache-busting parameter to image URLs")
	flag.BoolVar(&f.noVerify, "disable-image-verify", false, "Skip size and sha1 checks of downloaded images")
	flag.StringVar(&f.interval, "image-interval", "", "Only download images uploaded in <start>/<end> (ISO 8601)")
	flag.IntVar(&f.booster, "booster", 0, "Wayback snapshot for images: 0 off, 1 earliest, 2 latest, 3 closest")
	flag.BoolVar(&f.resume, "resume", false, "Resume the dump stored in -path")
	flag.BoolVar(&f.verbose, "v", false, "Enable verbose logging")
	flag.StringVar(&f.metricsAddr, "metrics-addr", metricsDefault, "Prometheus metrics listen address (e.g. :9090)")
	flag.Parse()

	os.Exit(run(f))
}

func run(f flags) int {
	logger, level := newLogger(f.verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	cfg, err := buildConfig(f)
	if err != nil {
		if models.IsFatal(err) {
			slog.Error("dump aborted", slog.Any("error", err))
		} else {
			slog.Error("invalid configuration", slog.Any("error", err))
		}
		return exitFatal
	}
	cfg.Verbose = f.verbose
	cfg.MetricsAddr = f.metricsAddr

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, finishing the current write")
	}()

	shutdownTracing, err := tracing.Setup(ctx, tracing.FromEnv(cfg.Prefix()))
	if err != nil {
		slog.Error("tracing setup failed", slog.Any("error", err))
		return exitFatal
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Error("tracing shutdown failed", slog.Any("error", err))
		}
	}()

	m := metrics.NewMetrics()
	gen, err := dumpgen.New(cfg, dumpgen.Options{Resume: f.resume, Metrics: m, Logger: logger})
	if err != nil {
		slog.Error("initialising dump", slog.Any("error", err))
		return exitFatal
	}

	result, err := runWithMetrics(ctx, gen, m, cfg.MetricsAddr)
	if result != nil {
		printSummary(result, cfg)
	}
	return exitCode(ctx, result, err)
}

func buildConfig(f flags) (*config.Config, error) {
	if f.resume {
		if f.path == "" {
			return nil, fmt.Errorf("-resume requires -path")
		}
		return dumpgen.ResumeConfig(f.path)
	}

	cfg := config.DefaultConfig()
	cfg.API = strings.TrimSpace(f.api)
	cfg.Index = strings.TrimSpace(f.index)
	cfg.Date = f.date
	cfg.XML = f.xml
	cfg.Images = f.images
	cfg.CurOnly = f.curOnly
	cfg.Mode = config.RevisionMode(strings.ToLower(f.mode))
	cfg.ChunkSize = f.chunk
	cfg.Delay = f.delay
	cfg.Retries = f.retries
	cfg.RetryBackoff = f.backoff
	cfg.Timeout = f.timeout
	cfg.UserAgent = f.userAgent
	cfg.FilenameLimit = f.filenameLimit
	cfg.BypassCDN = f.bypassCDN
	cfg.DisableImageVerify = f.noVerify
	cfg.ImageInterval = f.interval
	cfg.Booster = config.BoosterMode(f.booster)

	all, ids, err := config.ParseNamespaces(f.namespaces)
	if err != nil {
		return nil, err
	}
	cfg.AllNamespaces, cfg.Namespaces = all, ids
	if cfg.ExcludeNamespaces, err = config.ParseExcludedNamespaces(f.exclude); err != nil {
		return nil, err
	}

	cfg.Path = f.path
	if cfg.Path == "" {
		cfg.Path = cfg.DefaultPath()
	}
	return cfg, cfg.Validate()
}

// runWithMetrics runs the dump with the metrics endpoint served beside it.
func runWithMetrics(ctx context.Context, gen *dumpgen.Generator, m *metrics.Metrics, addr string) (*models.RunResult, error) {
	group, gctx := errgroup.WithContext(ctx)

	var server *http.Server
	if addr != "" {
		server = &http.Server{
			Addr:              addr,
			Handler:           promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		group.Go(func() error {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		slog.Info("metrics server enabled", slog.String("addr", addr))
	}

	var result *models.RunResult
	group.Go(func() error {
		defer func() {
			if server == nil {
				return
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				slog.Error("metrics server shutdown failed", slog.Any("error", err))
			}
		}()
		var err error
		result, err = gen.Run(gctx)
		return err
	})

	err := group.Wait()
	return result, err
}

func exitCode(ctx context.Context, result *models.RunResult, err error) int {
	switch {
	case err == nil && result.Status == models.StatusCompletedWithErrors:
		slog.Warn("dump completed with errors, see errors.log", slog.Int("errors", result.ErrorCount))
		return exitWithErrors
	case err == nil:
		return 0
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		slog.Warn("dump interrupted; run again with -resume to continue")
		return exitInterrupted
	case transport.IsTerminal(err):
		slog.Error("wiki stopped answering after all retries; run again with -resume later", slog.Any("error", err))
		return exitUnreachable
	case models.IsFatal(err):
		slog.Error("dump aborted", slog.Any("error", err))
		return exitFatal
	default:
		slog.Error("dump failed; run again with -resume to continue", slog.Any("error", err))
		return exitFatal
	}
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(18)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	panelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func printSummary(result *models.RunResult, cfg *config.Config) {
	status := okStyle.Render(result.Status.String())
	if result.Status == models.StatusCompletedWithErrors {
		status = warnStyle.Render(result.Status.String())
	}
	end := result.EndTime
	if end.IsZero() {
		end = time.Now()
	}

	row := func(label, value string) string {
		return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
	}
	rows := []string{
		titleStyle.Render("Dump summary"),
		row("Status", status),
		row("Resumed", fmt.Sprintf("%v", result.Resumed)),
		row("Output", cfg.Path),
	}
	if cfg.XML {
		rows = append(rows,
			row("Titles", fmt.Sprintf("%d", result.Titles)),
			row("Pages written", fmt.Sprintf("%d", result.PagesWritten)),
			row("Pages skipped", fmt.Sprintf("%d missing, %d failed", result.PagesMissing, result.PagesFailed)),
			row("Dump file", result.DumpPath),
		)
	}
	if cfg.Images {
		rows = append(rows,
			row("Images", fmt.Sprintf("%d listed", result.Images)),
			row("Downloaded", fmt.Sprintf("%d (%d filtered, %d failed)", result.ImagesDownloaded, result.ImagesFiltered, result.ImagesFailed)),
		)
	}
	rows = append(rows,
		row("Requests", fmt.Sprintf("%d (%d retries)", result.RequestCount, result.RetryCount)),
		row("Errors logged", fmt.Sprintf("%d", result.ErrorCount)),
		row("Duration", end.Sub(result.StartTime).Round(time.Second).String()),
	)
	if result.IntegrityWarning != "" {
		rows = append(rows, row("Integrity", warnStyle.Render(result.IntegrityWarning)))
	}

	fmt.Println(panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...)))
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stderr) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
