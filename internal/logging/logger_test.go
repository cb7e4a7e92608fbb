package logging

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestNewWritesJSONRecordsToDir(t *testing.T) {
	dir := t.TempDir()

	logger, err := New(context.Background(), WithDir(dir), WithRunID("run-7"), WithLevel("debug"))
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Logger.Debug("entity decoded", "id", 42)
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if filepath.Dir(logger.Path()) != dir {
		t.Fatalf("log path = %q, want file under %q", logger.Path(), dir)
	}
	if !strings.HasSuffix(logger.Path(), "-run-7.log") {
		t.Fatalf("log path = %q, want run id suffix", logger.Path())
	}

	data, err := os.ReadFile(logger.Path())
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	text := string(data)
	for _, want := range []string{`"msg":"logger initialized"`, `"msg":"entity decoded"`, `"run_id":"run-7"`} {
		if !strings.Contains(text, want) {
			t.Fatalf("log output missing %s:\n%s", want, text)
		}
	}
}

func TestWithSpanStampsTraceIDs(t *testing.T) {
	logger, err := New(context.Background(), WithDir(t.TempDir()))
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer logger.Close()

	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))

	logger.WithSpan(ctx)
	if logger.traceID != traceID.String() || logger.spanID != spanID.String() {
		t.Fatalf("ids = %q/%q, want %q/%q", logger.traceID, logger.spanID, traceID, spanID)
	}

	logger.WithSpan(context.Background())
	if logger.traceID != traceID.String() {
		t.Fatal("span-less context cleared the trace id")
	}
}

func TestNilRuntimeLoggerIsSafe(t *testing.T) {
	var logger *RuntimeLogger
	if logger.Path() != "" {
		t.Fatal("nil logger path not empty")
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("close nil logger: %v", err)
	}
	if logger.WithRunID("x") != nil {
		t.Fatal("nil logger WithRunID returned non-nil")
	}
}

func TestNewPrunesOldestLogFiles(t *testing.T) {
	dir := t.TempDir()
	old := []string{"ifcgeom-20250101-000000.log", "ifcgeom-20250102-000000.log", "ifcgeom-20250103-000000-run.log"}
	for _, name := range append(old, "notes.txt") {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}\n"), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	logger, err := New(context.Background(), WithDir(dir), WithRetain(2))
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer logger.Close()

	left, err := filepath.Glob(filepath.Join(dir, "ifcgeom-*.log"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(left) != 2 {
		t.Fatalf("log files = %v, want the newest old file plus the new one", left)
	}
	if filepath.Base(left[0]) != old[2] || left[1] != logger.Path() {
		t.Fatalf("kept %v", left)
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Fatalf("unrelated file removed: %v", err)
	}
}
