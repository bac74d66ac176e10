package sink

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/mchahed99/heimdall-sub000/pkg/runechain"
	"github.com/mchahed99/heimdall-sub000/pkg/ward"
)

// OTLPConfig configures the trace sink.
type OTLPConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	Insecure       bool          `yaml:"insecure"`
	ServiceName    string        `yaml:"service_name"`
	ServiceVersion string        `yaml:"service_version"`
	BatchTimeout   time.Duration `yaml:"batch_timeout"`
}

// OTLPSink emits one span per rune so interceptions show up alongside
// the rest of a deployment's traces.
type OTLPSink struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

func NewOTLPSink(ctx context.Context, cfg OTLPConfig) (*OTLPSink, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "bifrost"
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 5 * time.Second
	}

	opts := []otlptracehttp.Option{}
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("sink: create trace exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("sink: create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
	)
	return &OTLPSink{
		provider: provider,
		tracer:   provider.Tracer("bifrost.interception"),
	}, nil
}

func (s *OTLPSink) Name() string { return "otlp" }

func (s *OTLPSink) Emit(ctx context.Context, r *runechain.Rune) error {
	start, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		start = time.Now()
	}
	end := start
	if r.DurationMs != nil {
		end = start.Add(time.Duration(*r.DurationMs * float64(time.Millisecond)))
	}

	attrs := []attribute.KeyValue{
		attribute.String("bifrost.session_id", r.SessionID),
		attribute.String("bifrost.tool", r.ToolName),
		attribute.String("bifrost.decision", string(r.Decision)),
		attribute.Int64("bifrost.sequence", int64(r.Sequence)),
		attribute.StringSlice("bifrost.matched_wards", r.MatchedWards),
	}
	if r.RiskTier != "" {
		attrs = append(attrs, attribute.String("bifrost.risk_tier", r.RiskTier))
	}

	_, span := s.tracer.Start(ctx, "tool_call."+r.ToolName,
		trace.WithTimestamp(start),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	if r.Decision == ward.DecisionHalt {
		span.SetStatus(codes.Error, r.Rationale)
	}
	span.End(trace.WithTimestamp(end))
	return nil
}

func (s *OTLPSink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.provider.Shutdown(ctx)
}
