// Package tracing puts OpenTelemetry spans around a dump run and its phases.
// Tracing stays off unless OTEL_ENABLED or an OTLP endpoint is set.
package tracing

import (
	"context"
	"os"
	"strconv"

	"github.com/aluiziolira/go-wikidump/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

const TracerName = "go-wikidump"

// Span names of a run and its phases.
const (
	SpanRun        = "wikidump.run"
	PhaseSiteInfo  = "wikidump.siteinfo"
	PhaseTitles    = "wikidump.titles"
	PhaseDump      = "wikidump.xml"
	PhaseIntegrity = "wikidump.integrity"
	PhaseImageList = "wikidump.images.list"
	PhaseImages    = "wikidump.images.download"
)

// Config holds tracing configuration.
type Config struct {
	Enabled bool
	// OTLPEndpoint selects the OTLP/HTTP exporter; empty writes spans to stderr.
	OTLPEndpoint string
	SampleRate   float64
	// Wiki is the prefix of the dumped wiki, attached to every span.
	Wiki string
}

// FromEnv reads OTEL_ENABLED, OTEL_EXPORTER_OTLP_ENDPOINT and
// OTEL_TRACES_SAMPLER_ARG.
func FromEnv(wiki string) Config {
	cfg := Config{
		Enabled:      os.Getenv("OTEL_ENABLED") == "true" || os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "",
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SampleRate:   1.0,
		Wiki:         wiki,
	}
	if v, err := strconv.ParseFloat(os.Getenv("OTEL_TRACES_SAMPLER_ARG"), 64); err == nil {
		cfg.SampleRate = v
	}
	return cfg
}

// Setup installs the global tracer provider and returns its shutdown func.
func Setup(ctx context.Context, config Config) (func(context.Context) error, error) {
	if !config.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	res, err := newResource(config)
	if err != nil {
		return nil, err
	}

	var exporter sdktrace.SpanExporter
	if config.OTLPEndpoint != "" {
		exporter, err = otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(config.OTLPEndpoint),
			otlptracehttp.WithInsecure(),
		)
	} else {
		// stderr keeps spans out of the dump summary on stdout
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	}
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(config.SampleRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// newResource describes the dumper. The service attributes carry no schema
// URL of their own so they merge with whatever schema the SDK default uses.
func newResource(config Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(TracerName)}
	if config.Wiki != "" {
		attrs = append(attrs, attribute.String("wikidump.wiki", config.Wiki))
	}
	return resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Tracer returns the dumper's tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// Run describes the dump a run span covers.
type Run struct {
	API, Index string
	Path       string
	Mode       string
	CurOnly    bool
	Resume     bool
	XML        bool
	Images     bool
}

// StartRun opens the span that parents every phase of one dump.
func StartRun(ctx context.Context, run Run) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("dump.path", run.Path),
		attribute.Bool("dump.resume", run.Resume),
		attribute.Bool("dump.xml", run.XML),
		attribute.Bool("dump.images", run.Images),
	}
	if run.XML {
		attrs = append(attrs,
			attribute.String("dump.mode", run.Mode),
			attribute.Bool("dump.curonly", run.CurOnly),
		)
	}
	if run.API != "" {
		attrs = append(attrs, attribute.String("wiki.api", run.API))
	}
	if run.Index != "" {
		attrs = append(attrs, attribute.String("wiki.index", run.Index))
	}
	return Tracer().Start(ctx, SpanRun, trace.WithAttributes(attrs...))
}

// FinishRun tags the run span with the counts of result, records err and
// ends the span.
func FinishRun(span trace.Span, result *models.RunResult, err error) {
	defer span.End()
	if result != nil {
		span.SetAttributes(
			attribute.Int("dump.titles", result.Titles),
			attribute.Int("dump.pages_written", result.PagesWritten),
			attribute.Int("dump.pages_skipped", result.PagesMissing+result.PagesFailed),
			attribute.Int("images.downloaded", result.ImagesDownloaded),
			attribute.Int("images.failed", result.ImagesFailed),
			attribute.Int("http.requests", result.RequestCount),
			attribute.Int("http.retries", result.RetryCount),
			attribute.Int("errors.logged", result.ErrorCount),
		)
		if result.IntegrityWarning != "" {
			span.AddEvent("integrity warning", trace.WithAttributes(attribute.String("warning", result.IntegrityWarning)))
		}
	}
	RecordError(span, err)
}

// Phase runs fn inside a span named name. A returned error is recorded on the
// span and marks it failed.
func Phase(ctx context.Context, name string, fn func(ctx context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
	defer span.End()

	err := fn(ctx)
	RecordError(span, err)
	return err
}

// Skip marks the current phase as satisfied by an artifact from an earlier run.
func Skip(ctx context.Context, reason string) {
	trace.SpanFromContext(ctx).AddEvent("phase skipped", trace.WithAttributes(attribute.String("reason", reason)))
}

// RecordError records err on span.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
