package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Resource attribute keys describing how this instance is deployed.
const (
	AttrRetryBackend = attribute.Key("stenograph.retry.backend")
	AttrTranscriber  = attribute.Key("stenograph.stt.provider")
	AttrSessionMode  = attribute.Key("stenograph.session.mode")
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName defaults to "stenograph".
	ServiceName    string
	ServiceVersion string

	// InstanceID distinguishes replicas that share a retry backend.
	// Default: a random UUID.
	InstanceID string

	// RetryBackend, Transcriber and SessionMode are reported as resource
	// attributes so dashboards can split by deployment shape.
	RetryBackend string
	Transcriber  string
	SessionMode  string

	// TraceExporter receives finished spans. When nil, spans are recorded
	// but not exported.
	TraceExporter sdktrace.SpanExporter

	// TraceSampleRatio samples that fraction of new traces. Values outside
	// (0, 1) sample everything.
	TraceSampleRatio float64

	// Registry receives the exported metrics. Default: a fresh registry
	// with the Go runtime and process collectors.
	Registry *prometheus.Registry
}

// Telemetry holds the SDK providers created by [InitProvider].
type Telemetry struct {
	// Metrics are the instruments bound to this telemetry's meter provider.
	Metrics *Metrics

	// Handler serves Registry in the Prometheus text format.
	Handler http.Handler

	Resource *resource.Resource

	shutdown []func(context.Context) error
}

// Shutdown flushes and closes the exporters.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// InitProvider builds the meter provider (bridged to Prometheus) and the
// tracer provider, registers both as the global OTel providers and returns
// them with the instrument set and /metrics handler. Call Shutdown before
// exiting.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "stenograph"
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	tel := &Telemetry{
		Handler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Resource: res,
	}

	// --- Metrics: Prometheus exporter bridge ---
	promExp, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	tel.shutdown = append(tel.shutdown, mp.Shutdown)
	if tel.Metrics, err = NewMetrics(mp); err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}
	otel.SetMeterProvider(mp)

	// --- Traces ---
	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if r := cfg.TraceSampleRatio; r > 0 && r < 1 {
		tpOpts = append(tpOpts, sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(r))))
	}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	tel.shutdown = append(tel.shutdown, tp.Shutdown)

	return tel, nil
}

// newResource describes this instance. OTEL_RESOURCE_ATTRIBUTES and
// OTEL_SERVICE_NAME override the configured values.
func newResource(ctx context.Context, cfg ProviderConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceInstanceID(cfg.InstanceID),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	for k, v := range map[attribute.Key]string{
		AttrRetryBackend: cfg.RetryBackend,
		AttrTranscriber:  cfg.Transcriber,
		AttrSessionMode:  cfg.SessionMode,
	} {
		if v != "" {
			attrs = append(attrs, k.String(v))
		}
	}

	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(attrs...),
		resource.WithFromEnv(),
	)
	if err != nil && !errors.Is(err, resource.ErrPartialResource) {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}
	return res, nil
}
