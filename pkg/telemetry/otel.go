package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/tillerhq/tiller/pkg/contracts"
)

const instrumentationName = "tiller.broker"

// Config configures the OTEL recorder.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // gRPC endpoint, e.g. "localhost:4317"
	SampleRate     float64       // 0.0 to 1.0
	BatchTimeout   time.Duration // span batch flush interval
	Insecure       bool          // plaintext OTLP (dev only)
}

// DefaultOTELConfig samples everything and points at a local collector.
func DefaultOTELConfig() Config {
	return Config{
		ServiceName:    "tiller",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// OTEL is the OpenTelemetry-backed Recorder. It owns the trace and metric
// providers it creates; call Shutdown on exit to flush.
type OTEL struct {
	cfg            Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	logger         *slog.Logger

	proposals          metric.Int64Counter
	approvalsCreated   metric.Int64Counter
	approvalsResponded metric.Int64Counter
	executions         metric.Int64Counter
	auditAppends       metric.Int64Counter
	chainChecks        metric.Int64Counter
	policyEvalMS       metric.Float64Histogram
	executeMS          metric.Float64Histogram
	queueWaitMS        metric.Float64Histogram
}

var _ Recorder = (*OTEL)(nil)

// NewOTEL builds the providers, registers them globally, and creates the
// broker's instruments.
func NewOTEL(ctx context.Context, cfg Config) (*OTEL, error) {
	o := &OTEL{
		cfg:    cfg,
		logger: slog.Default().With("component", "telemetry"),
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	if err := o.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := o.initMeterProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init meter provider: %w", err)
	}

	o.tracer = otel.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(cfg.ServiceVersion),
	)
	meter := otel.Meter(instrumentationName,
		metric.WithInstrumentationVersion(cfg.ServiceVersion),
	)
	if err := o.initInstruments(meter); err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}

	o.logger.InfoContext(ctx, "telemetry initialized",
		"service", cfg.ServiceName,
		"endpoint", cfg.OTLPEndpoint,
		"sample_rate", cfg.SampleRate,
	)
	return o, nil
}

func (o *OTEL) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(o.cfg.OTLPEndpoint)}
	if o.cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case o.cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case o.cfg.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(o.cfg.SampleRate)
	}

	o.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(o.cfg.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(o.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (o *OTEL) initMeterProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(o.cfg.OTLPEndpoint)}
	if o.cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}

	o.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(o.meterProvider)
	return nil
}

func (o *OTEL) initInstruments(meter metric.Meter) error {
	var err error

	if o.proposals, err = meter.Int64Counter("tiller.proposals_total",
		metric.WithDescription("Proposals by terminal outcome"),
		metric.WithUnit("{proposal}"),
	); err != nil {
		return err
	}
	if o.approvalsCreated, err = meter.Int64Counter("tiller.approvals_created_total",
		metric.WithDescription("Approval requests by required level"),
		metric.WithUnit("{approval}"),
	); err != nil {
		return err
	}
	if o.approvalsResponded, err = meter.Int64Counter("tiller.approvals_responded_total",
		metric.WithDescription("Approval responses by action"),
		metric.WithUnit("{response}"),
	); err != nil {
		return err
	}
	if o.executions, err = meter.Int64Counter("tiller.executions_total",
		metric.WithDescription("Cartridge executions by success"),
		metric.WithUnit("{execution}"),
	); err != nil {
		return err
	}
	if o.auditAppends, err = meter.Int64Counter("tiller.audit_appended_total",
		metric.WithDescription("Audit ledger appends"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return err
	}
	if o.chainChecks, err = meter.Int64Counter("tiller.chain_verifications_total",
		metric.WithDescription("Audit chain verification passes by result"),
		metric.WithUnit("{verification}"),
	); err != nil {
		return err
	}

	buckets := metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000)
	if o.policyEvalMS, err = meter.Float64Histogram("tiller.policy_eval_ms",
		metric.WithDescription("Policy evaluation latency"),
		metric.WithUnit("ms"), buckets,
	); err != nil {
		return err
	}
	if o.executeMS, err = meter.Float64Histogram("tiller.execute_ms",
		metric.WithDescription("Cartridge execute latency"),
		metric.WithUnit("ms"), buckets,
	); err != nil {
		return err
	}
	if o.queueWaitMS, err = meter.Float64Histogram("tiller.queue_wait_ms",
		metric.WithDescription("Time between enqueue and worker pickup"),
		metric.WithUnit("ms"), buckets,
	); err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops both providers.
func (o *OTEL) Shutdown(ctx context.Context) error {
	if o.tracerProvider != nil {
		if err := o.tracerProvider.Shutdown(ctx); err != nil {
			o.logger.ErrorContext(ctx, "shutdown trace provider", "error", err)
		}
	}
	if o.meterProvider != nil {
		if err := o.meterProvider.Shutdown(ctx); err != nil {
			o.logger.ErrorContext(ctx, "shutdown meter provider", "error", err)
		}
	}
	return nil
}

func (o *OTEL) ProposalDecided(ctx context.Context, outcome string) {
	o.proposals.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (o *OTEL) ApprovalCreated(ctx context.Context, level contracts.ApprovalLevel) {
	o.approvalsCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("level", string(level))))
}

func (o *OTEL) ApprovalResponded(ctx context.Context, action contracts.ResponseAction) {
	o.approvalsResponded.Add(ctx, 1, metric.WithAttributes(attribute.String("action", string(action))))
}

func (o *OTEL) ExecutionFinished(ctx context.Context, success bool) {
	o.executions.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

func (o *OTEL) AuditAppended(ctx context.Context) {
	o.auditAppends.Add(ctx, 1)
}

func (o *OTEL) ChainVerified(ctx context.Context, valid bool) {
	o.chainChecks.Add(ctx, 1, metric.WithAttributes(attribute.Bool("valid", valid)))
}

func (o *OTEL) PolicyEvalTook(ctx context.Context, d time.Duration) {
	o.policyEvalMS.Record(ctx, float64(d)/float64(time.Millisecond))
}

func (o *OTEL) ExecuteTook(ctx context.Context, d time.Duration) {
	o.executeMS.Record(ctx, float64(d)/float64(time.Millisecond))
}

func (o *OTEL) QueueWaitTook(ctx context.Context, d time.Duration) {
	o.queueWaitMS.Record(ctx, float64(d)/float64(time.Millisecond))
}

// StartSpan opens an internal span; the returned EndSpan records the error,
// if any, and ends it.
func (o *OTEL) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, EndSpan) {
	ctx, span := o.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}
