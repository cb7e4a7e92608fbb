// Package tracing wraps client operations in OpenTelemetry spans with a
// uniform set of attributes: duration, outcome and bounded text events.
package tracing

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MaxEventTextBytes bounds text attached to span events.
const MaxEventTextBytes = 1024

// Span tracks one traced operation. End is safe to call more than once.
type Span struct {
	span      trace.Span
	startedAt time.Time

	mu    sync.Mutex
	ended bool
}

// Start begins a span named name on the tracer named tracerName.
func Start(
	ctx context.Context,
	tracerName string,
	name string,
	attrs ...attribute.KeyValue,
) (context.Context, *Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	spanCtx, span := otel.Tracer(tracerName).Start(
		ctx,
		name,
		trace.WithAttributes(attrs...),
	)
	return spanCtx, &Span{span: span, startedAt: time.Now()}
}

// SetAttributes adds attributes to a running span.
func (s *Span) SetAttributes(attrs ...attribute.KeyValue) {
	if s == nil {
		return
	}
	s.span.SetAttributes(attrs...)
}

// AddText records text as an "output" event, trimmed and truncated to
// MaxEventTextBytes. Blank text adds nothing.
func (s *Span) AddText(event string, text string) {
	if s == nil {
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.span.AddEvent(
		event,
		trace.WithAttributes(attribute.String("output", Truncate(text, MaxEventTextBytes))),
	)
}

// End stamps duration_ms and the outcome, then ends the span.
func (s *Span) End(err error) {
	if s == nil {
		return
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.mu.Unlock()

	s.span.SetAttributes(attribute.Int64("duration_ms", time.Since(s.startedAt).Milliseconds()))
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}

// Truncate shortens value to at most limit bytes, marking the cut.
func Truncate(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	const marker = "...[truncated]"
	if limit <= len(marker) {
		return value[:limit]
	}
	return value[:limit-len(marker)] + marker
}
