// Package logging writes one JSON log file per invocation, tagged with the
// run and trace that produced it.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/trace"
)

// Option configures RuntimeLogger creation.
type Option func(*newOptions)

type newOptions struct {
	runID  string
	dir    string
	level  log.Level
	retain int
}

// DefaultRetain is how many log files New keeps in the log directory,
// counting the one it creates.
const DefaultRetain = 20

// WithRunID configures the run_id field used in emitted log records.
func WithRunID(runID string) Option {
	return func(opts *newOptions) {
		opts.runID = strings.TrimSpace(runID)
	}
}

// WithDir writes the log file under dir instead of ~/.ifcgeom/logs.
func WithDir(dir string) Option {
	return func(opts *newOptions) {
		opts.dir = strings.TrimSpace(dir)
	}
}

// WithLevel sets the minimum level written to the log file. Unknown names
// keep the info level.
func WithLevel(level string) Option {
	return func(opts *newOptions) {
		if parsed, err := log.ParseLevel(strings.TrimSpace(level)); err == nil {
			opts.level = parsed
		}
	}
}

// WithRetain keeps at most n log files; older ones are deleted when a new
// logger opens. Zero or less keeps everything.
func WithRetain(n int) Option {
	return func(opts *newOptions) {
		opts.retain = n
	}
}

// RuntimeLogger writes structured JSON logs to disk.
type RuntimeLogger struct {
	Logger     *log.Logger
	file       *os.File
	path       string
	baseLogger *log.Logger
	runID      string
	traceID    string
	spanID     string
}

// New initializes logging under ~/.ifcgeom/logs without writing to stdout.
// When ctx carries a span, its trace and span IDs are stamped on every record.
func New(ctx context.Context, options ...Option) (*RuntimeLogger, error) {
	resolved := resolveOptions(options)

	logDir := resolved.dir
	if logDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		logDir = filepath.Join(homeDir, ".ifcgeom", "logs")
	}
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	if resolved.retain > 0 {
		if err := prune(logDir, resolved.retain-1); err != nil {
			return nil, fmt.Errorf("prune log directory: %w", err)
		}
	}

	fileName := "ifcgeom-" + time.Now().UTC().Format("20060102-150405")
	if resolved.runID != "" {
		fileName += "-" + resolved.runID
	}
	filePath := filepath.Join(logDir, fileName+".log")
	// #nosec G304 -- filePath is constructed from trusted local paths.
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	logger := log.NewWithOptions(file, log.Options{
		Level:           resolved.level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	logger.SetFormatter(log.JSONFormatter)

	runtimeLogger := &RuntimeLogger{
		file:       file,
		path:       filePath,
		baseLogger: logger,
		runID:      resolved.runID,
	}
	if spanContext := trace.SpanContextFromContext(ctx); spanContext.IsValid() {
		runtimeLogger.traceID = spanContext.TraceID().String()
		runtimeLogger.spanID = spanContext.SpanID().String()
	}
	runtimeLogger.rebuildLogger()
	runtimeLogger.Logger.With("log_file", filePath).Info("logger initialized")

	return runtimeLogger, nil
}

// Discard returns a logger that drops everything. Packages fall back to it
// when the caller supplies no logger.
func Discard() *log.Logger {
	return log.New(io.Discard)
}

// WithRunID updates the run_id field for subsequent log records.
func (r *RuntimeLogger) WithRunID(runID string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.runID = strings.TrimSpace(runID)
	r.rebuildLogger()
	return r
}

// WithSpan stamps trace_id and span_id from the span carried by ctx.
func (r *RuntimeLogger) WithSpan(ctx context.Context) *RuntimeLogger {
	if r == nil {
		return nil
	}
	spanContext := trace.SpanContextFromContext(ctx)
	if !spanContext.IsValid() {
		return r
	}
	r.traceID = spanContext.TraceID().String()
	r.spanID = spanContext.SpanID().String()
	r.rebuildLogger()
	return r
}

// Close flushes and closes the log file.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Path returns the current log file path.
func (r *RuntimeLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

func (r *RuntimeLogger) rebuildLogger() {
	if r == nil || r.baseLogger == nil {
		return
	}
	r.Logger = r.baseLogger.With(
		"run_id", r.runID,
		"trace_id", r.traceID,
		"span_id", r.spanID,
	)
}

// prune deletes the oldest ifcgeom-*.log files in dir until keep remain.
// Log names sort by creation time.
func prune(dir string, keep int) error {
	names, err := filepath.Glob(filepath.Join(dir, "ifcgeom-*.log"))
	if err != nil {
		return err
	}
	sort.Strings(names)
	for len(names) > keep {
		if err := os.Remove(names[0]); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		names = names[1:]
	}
	return nil
}

func resolveOptions(options []Option) newOptions {
	resolved := newOptions{level: log.InfoLevel, retain: DefaultRetain}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(&resolved)
	}
	return resolved
}
