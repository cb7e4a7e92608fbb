package telemetry

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type recordingExporter struct {
	spans    []sdktrace.ReadOnlySpan
	shutdown bool
}

func (r *recordingExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	r.spans = append(r.spans, spans...)
	return nil
}

func (r *recordingExporter) Shutdown(context.Context) error {
	r.shutdown = true
	return nil
}

func stubExporter(t *testing.T, exporter sdktrace.SpanExporter, err error) *string {
	t.Helper()
	endpoint := new(string)
	previous := newExporter
	newExporter = func(_ context.Context, target string, _ *tls.Config) (sdktrace.SpanExporter, error) {
		*endpoint = target
		return exporter, err
	}
	t.Cleanup(func() { newExporter = previous })
	return endpoint
}

func TestInitExportsSessionSpansWithResource(t *testing.T) {
	recorder := &recordingExporter{}
	endpoint := stubExporter(t, recorder, nil)

	provider, err := Init(context.Background(), Options{
		Endpoint:       "http://collector:4318",
		Environment:    "CI",
		ServiceVersion: "v0.3.0",
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if *endpoint != "http://collector:4318" || !provider.Enabled() || provider.Console {
		t.Fatalf("provider = %+v, endpoint %q", provider, *endpoint)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "session.open")
	span.End()
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}

	if !recorder.shutdown || len(recorder.spans) != 1 {
		t.Fatalf("recorder = %d spans, shutdown %v", len(recorder.spans), recorder.shutdown)
	}
	res := map[string]string{}
	for _, kv := range recorder.spans[0].Resource().Attributes() {
		res[string(kv.Key)] = kv.Value.AsString()
	}
	want := map[string]string{"service.name": ServiceName, "service.version": "v0.3.0", "environment": "ci"}
	for key, value := range want {
		if res[key] != value {
			t.Fatalf("resource %s = %q, want %q", key, res[key], value)
		}
	}
}

func TestInitDefaultsEndpoint(t *testing.T) {
	endpoint := stubExporter(t, &recordingExporter{}, nil)

	provider, err := Init(context.Background(), Options{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer provider.Shutdown(context.Background())

	if *endpoint != DefaultEndpoint {
		t.Fatalf("endpoint = %q, want %q", *endpoint, DefaultEndpoint)
	}
}

func TestInitDisabledLeavesProviderAlone(t *testing.T) {
	endpoint := stubExporter(t, &recordingExporter{}, nil)

	provider, err := Init(context.Background(), Options{Endpoint: "NONE"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if provider.Enabled() || *endpoint != "" {
		t.Fatalf("tracing should be off, exporter built for %q", *endpoint)
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown of disabled provider: %v", err)
	}
}

func TestInitFallsBackToConsole(t *testing.T) {
	stubExporter(t, nil, errors.New("connection refused"))

	var out bytes.Buffer
	provider, err := Init(context.Background(), Options{Endpoint: "http://collector:4318", Fallback: &out})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !provider.Console {
		t.Fatal("expected console fallback")
	}

	_, span := otel.Tracer("test").Start(context.Background(), "generator.run")
	span.SetAttributes(attribute.Int("entities", 3), attribute.String("format", "cbor"))
	span.End()
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	text := out.String()
	if !strings.Contains(text, "connection refused") {
		t.Fatalf("missing warning: %q", text)
	}
	if !strings.Contains(text, "[span] generator.run") || !strings.Contains(text, "entities=3 format=cbor") {
		t.Fatalf("missing span summary: %q", text)
	}
}

func TestInitRejectsUnreadableCertificate(t *testing.T) {
	stubExporter(t, &recordingExporter{}, nil)
	bad := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(bad, []byte("not a certificate"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	var out bytes.Buffer
	provider, err := Init(context.Background(), Options{Certificate: bad, Fallback: &out})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer provider.Shutdown(context.Background())
	if !provider.Console || !strings.Contains(out.String(), "no PEM certificates") {
		t.Fatalf("bad certificate should force console fallback: %q", out.String())
	}
}

func TestEnvironmentLookupOrder(t *testing.T) {
	t.Setenv("IFCGEOM_ENV", "")
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("ENV", "")
	if got := environment(""); got != DefaultEnvironment {
		t.Fatalf("environment = %q, want default", got)
	}
	t.Setenv("ENV", "Staging")
	if got := environment(""); got != "staging" {
		t.Fatalf("environment = %q, want staging", got)
	}
	t.Setenv("IFCGEOM_ENV", "prod")
	if got := environment(""); got != "prod" {
		t.Fatalf("environment = %q, want prod", got)
	}
	if got := environment("local"); got != "local" {
		t.Fatalf("explicit environment ignored: %q", got)
	}
}
