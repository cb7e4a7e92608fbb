// Package telemetry installs the process-wide OpenTelemetry tracer provider
// that the session, provisioning and generation spans report to.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	ServiceName        = "ifcgeom"
	DefaultEnvironment = "dev"
	DefaultEndpoint    = "http://localhost:4318"
	// DisabledEndpoint turns tracing off: no exporter is started and the
	// global tracer provider is left untouched.
	DisabledEndpoint = "none"

	BatchTimeout = 5 * time.Second
	BatchSize    = 512

	envCertificate = "OTEL_EXPORTER_OTLP_CERTIFICATE"
)

var environmentKeys = []string{"IFCGEOM_ENV", "ENVIRONMENT", "ENV"}

// newExporter is swapped out by tests.
var newExporter = func(ctx context.Context, endpoint string, tlsConfig *tls.Config) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
	if tlsConfig != nil {
		opts = append(opts, otlptracehttp.WithTLSClientConfig(tlsConfig))
	}
	return otlptracehttp.New(ctx, opts...)
}

// Options selects where spans go and how the process is described.
type Options struct {
	// Endpoint is the OTLP/HTTP collector URL. Empty means DefaultEndpoint.
	Endpoint string
	// Environment defaults to the first of IFCGEOM_ENV, ENVIRONMENT and ENV.
	Environment    string
	ServiceVersion string
	// Certificate is a PEM bundle trusted for the collector connection.
	// Empty falls back to OTEL_EXPORTER_OTLP_CERTIFICATE.
	Certificate string
	// Fallback receives span summaries when the collector exporter cannot
	// be created. Nil means os.Stderr.
	Fallback io.Writer
}

// Provider owns the installed tracer provider.
type Provider struct {
	Endpoint string
	Console  bool

	tp   *sdktrace.TracerProvider
	once sync.Once
	err  error
}

// Enabled reports whether spans are being recorded.
func (p *Provider) Enabled() bool {
	return p != nil && p.tp != nil
}

// Shutdown flushes pending spans. Calling it more than once is harmless.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	p.once.Do(func() {
		flushCtx, cancel := context.WithTimeout(ctx, BatchTimeout)
		defer cancel()
		p.err = p.tp.Shutdown(flushCtx)
	})
	return p.err
}

// Init installs a batching tracer provider exporting over OTLP/HTTP. When the
// exporter cannot be built the spans are summarised to opts.Fallback instead.
func Init(ctx context.Context, opts Options) (*Provider, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if strings.EqualFold(endpoint, DisabledEndpoint) {
		return &Provider{Endpoint: DisabledEndpoint}, nil
	}

	fallback := opts.Fallback
	if fallback == nil {
		fallback = os.Stderr
	}

	provider := &Provider{Endpoint: endpoint}
	exporter, err := buildExporter(ctx, endpoint, opts.Certificate)
	if err != nil {
		fmt.Fprintf(fallback, "warning: tracing to %s unavailable (%v), printing spans instead\n", endpoint, err)
		exporter = &consoleExporter{out: fallback}
		provider.Console = true
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", firstNonEmpty(opts.ServiceVersion, "dev")),
		attribute.String("environment", environment(opts.Environment)),
	))
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	provider.tp = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(BatchTimeout),
			sdktrace.WithMaxExportBatchSize(BatchSize),
		),
	)
	otel.SetTracerProvider(provider.tp)
	return provider, nil
}

func buildExporter(ctx context.Context, endpoint, certificate string) (sdktrace.SpanExporter, error) {
	certificate = firstNonEmpty(certificate, os.Getenv(envCertificate))
	var tlsConfig *tls.Config
	if certificate != "" {
		pool, err := loadCertPool(certificate)
		if err != nil {
			return nil, err
		}
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}
	}
	return newExporter(ctx, endpoint, tlsConfig)
}

func loadCertPool(path string) (*x509.CertPool, error) {
	// #nosec G304 -- the certificate path comes from operator configuration.
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read collector certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("collector certificate: no PEM certificates in " + path)
	}
	return pool, nil
}

func environment(explicit string) string {
	if value := strings.TrimSpace(explicit); value != "" {
		return strings.ToLower(value)
	}
	for _, key := range environmentKeys {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return strings.ToLower(value)
		}
	}
	return DefaultEnvironment
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			return value
		}
	}
	return ""
}

// consoleExporter prints one line per span: name, duration, status and the
// span attributes in key order.
type consoleExporter struct {
	mu  sync.Mutex
	out io.Writer
}

func (e *consoleExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, span := range spans {
		elapsed := span.EndTime().Sub(span.StartTime()).Round(time.Millisecond)
		line := fmt.Sprintf("[span] %s %s %s", span.Name(), elapsed, span.Status().Code)
		if attrs := formatAttributes(span.Attributes()); attrs != "" {
			line += " " + attrs
		}
		if _, err := fmt.Fprintln(e.out, line); err != nil {
			return err
		}
	}
	return nil
}

func (e *consoleExporter) Shutdown(context.Context) error { return nil }

func formatAttributes(attrs []attribute.KeyValue) string {
	if len(attrs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(attrs))
	for _, kv := range attrs {
		parts = append(parts, string(kv.Key)+"="+kv.Value.Emit())
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}
