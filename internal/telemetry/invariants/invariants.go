// Package invariants records protocol and lifecycle rule breaks as span
// events, so a trace of a failed session shows which rule the server broke.
package invariants

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// EventName is the span event added for every violation.
const EventName = "invariant.violation"

type Severity string

const (
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Invariant is one rule the client watches.
type Invariant struct {
	Name     string
	Rule     string
	Severity Severity
}

var (
	StateTransitionLegal = Invariant{
		Name:     "state_transition_legal",
		Rule:     "session transition is allowed by the state table",
		Severity: SeverityWarn,
	}
	ServerVersionMatches = Invariant{
		Name:     "server_version_matches",
		Rule:     "server reports the protocol version this client speaks",
		Severity: SeverityError,
	}
	FrameSequence = Invariant{
		Name:     "frame_sequence",
		Rule:     "reply tag matches the request",
		Severity: SeverityError,
	}
	FrameWithinLimit = Invariant{
		Name:     "frame_within_limit",
		Rule:     "frame payload fits the configured limit",
		Severity: SeverityError,
	}
	ExitWithinPollBudget = Invariant{
		Name:     "exit_within_poll_budget",
		Rule:     "server exits on its own during shutdown",
		Severity: SeverityWarn,
	}
)

var (
	disabled atomic.Bool
	counts   sync.Map // name -> *atomic.Int64
)

// SetEnabled turns violation reporting on or off for the whole process.
func SetEnabled(enabled bool) { disabled.Store(!enabled) }

func Enabled() bool { return !disabled.Load() }

// Violations returns how many times the named invariant was reported since
// process start.
func Violations(name string) int64 {
	if counter, ok := counts.Load(name); ok {
		return counter.(*atomic.Int64).Load()
	}
	return 0
}

// Report adds a violation event to the span in ctx. Without a recording span
// a one-off span is started to carry the event.
func Report(ctx context.Context, inv Invariant, where, reason string, extra ...attribute.KeyValue) {
	if !Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	name := strings.TrimSpace(inv.Name)
	if name == "" {
		name = "unknown_invariant"
	}
	severity := inv.Severity
	if severity != SeverityWarn {
		severity = SeverityError
	}

	counter, _ := counts.LoadOrStore(name, new(atomic.Int64))
	counter.(*atomic.Int64).Add(1)

	attrs := append([]attribute.KeyValue{
		attribute.String("invariant.name", name),
		attribute.String("invariant.severity", string(severity)),
		attribute.String("invariant.rule", inv.Rule),
		attribute.String("invariant.where", where),
		attribute.String("invariant.reason", reason),
	}, extra...)

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		_, span = otel.Tracer("ifcgeom/invariants").Start(ctx, EventName)
		defer span.End()
	}
	span.AddEvent(EventName, trace.WithAttributes(attrs...))
}

// CheckStateTransitionLegal reports an illegal session transition.
func CheckStateTransitionLegal(ctx context.Context, where, from, to string, legal bool) bool {
	if !legal {
		Report(ctx, StateTransitionLegal, where, fmt.Sprintf("illegal transition %s -> %s", from, to),
			attribute.String("session.from", from), attribute.String("session.to", to))
	}
	return legal
}

// CheckServerVersion reports a Hello that names another protocol version.
func CheckServerVersion(ctx context.Context, where, expected, reported string) bool {
	if expected == reported {
		return true
	}
	Report(ctx, ServerVersionMatches, where, fmt.Sprintf("expected %q, server reported %q", expected, reported),
		attribute.String("version.expected", expected), attribute.String("version.reported", reported))
	return false
}

// CheckFrameSequence reports a reply whose tag is not the one requested.
func CheckFrameSequence(ctx context.Context, where, want, got string) bool {
	if want == got {
		return true
	}
	Report(ctx, FrameSequence, where, fmt.Sprintf("expected %s frame, got %s", want, got),
		attribute.String("frame.want", want), attribute.String("frame.got", got))
	return false
}

// CheckFrameWithinLimit reports an oversized frame declaration.
func CheckFrameWithinLimit(ctx context.Context, where string, within bool, detail string) bool {
	if !within {
		if detail = strings.TrimSpace(detail); detail == "" {
			detail = "payload length exceeds limit"
		}
		Report(ctx, FrameWithinLimit, where, detail)
	}
	return within
}

// CheckExitWithinPollBudget reports a server that had to be terminated.
func CheckExitWithinPollBudget(ctx context.Context, where string, exited bool, polls, budget int) bool {
	if !exited {
		Report(ctx, ExitWithinPollBudget, where, fmt.Sprintf("still running after %d polls (budget %d)", polls, budget),
			attribute.Int("shutdown.polls", polls), attribute.Int("shutdown.budget", budget))
	}
	return exited
}
