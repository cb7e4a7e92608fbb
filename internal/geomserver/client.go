// Package geomserver is a client for IfcGeomServer, the IfcOpenShell
// geometry engine that runs as a child process and talks a framed binary
// protocol over its standard input and output.
//
// A Client owns one server process. Open starts it and checks the protocol
// version; LoadModel uploads a model; Next pulls tessellated entities one at
// a time while HasNext reports true; Close says goodbye and stops the
// process. Any protocol or pipe failure stops the process and closes the
// session. A Client is not safe for concurrent use.
package geomserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dsconsultants/ifcgeom/internal/command"
	"github.com/dsconsultants/ifcgeom/internal/events"
	"github.com/dsconsultants/ifcgeom/internal/geometry"
	"github.com/dsconsultants/ifcgeom/internal/process"
	"github.com/dsconsultants/ifcgeom/internal/telemetry/invariants"
	"github.com/dsconsultants/ifcgeom/internal/tracing"
	"github.com/dsconsultants/ifcgeom/internal/wire"
)

const tracerName = "ifcgeom/geomserver"

// Options configures a session.
type Options struct {
	// ExpectedVersion defaults to command.Version. The server's Hello must
	// match it exactly.
	ExpectedVersion string
	Limits          wire.Limits
	Logger          *log.Logger
	Bus             events.Bus
}

// Transition is the payload of a state transition event.
type Transition struct {
	From State
	To   State
}

// Client is one protocol session with a running server.
type Client struct {
	manager  *process.Manager
	proc     process.Process
	in       *bufio.Reader
	out      *bufio.Writer
	state    State
	hasMore  bool
	version  string
	expected string
	limits   wire.Limits
	logger   *log.Logger
	bus      events.Bus

	// aborted is set when a context cancellation killed the process.
	aborted atomic.Bool
}

// Open starts the server at path through manager and performs the version
// handshake. On failure the process is already stopped and no Client is
// returned: a *process.LaunchError when the executable cannot start, a
// *HandshakeFramingError when the first frame is not a Hello, a
// *VersionMismatchError when the versions differ, or an *IOError.
func Open(ctx context.Context, manager *process.Manager, path string, opts Options) (client *Client, err error) {
	if manager == nil {
		return nil, errors.New("geomserver: process manager is required")
	}

	ctx, span := tracing.Start(ctx, tracerName, "geomserver.open", attribute.String("executable", path))
	defer func() { span.End(err) }()

	c := newClient(manager, opts)
	proc, err := manager.Spawn(ctx, path)
	if err != nil {
		return nil, err
	}
	c.attach(proc)
	c.moveTo(StateHandshaking)

	stop := c.abortOnCancel(ctx)
	defer stop()

	tag, err := command.ReadTag(c.in)
	if err != nil {
		return nil, c.handshakeFailed(ctx, err)
	}
	if tag != command.TagHello {
		c.logger.Error("invalid welcome message received", "tag", tag)
		c.shutdown(ctx, false)
		return nil, &HandshakeFramingError{Got: tag}
	}

	var hello command.Hello
	if err := command.ReadPayload(c.in, &hello, c.limits); err != nil {
		return nil, c.handshakeFailed(ctx, err)
	}
	span.SetAttributes(attribute.String("server_version", hello.Version))

	if !invariants.CheckServerVersion(ctx, "geomserver.open", c.expected, hello.Version) {
		c.publish(events.EventTypeHandshake, events.SeverityError, hello.Version)
		c.shutdown(ctx, true)
		return nil, &VersionMismatchError{Expected: c.expected, Reported: hello.Version}
	}

	c.version = hello.Version
	c.moveTo(StateReady)
	c.publish(events.EventTypeHandshake, events.SeverityInfo, hello.Version)
	c.logger.Info("connected to geometry server", "version", hello.Version, "pid", proc.PID())
	return c, nil
}

// handshakeFailed stops a server whose greeting could not be read.
func (c *Client) handshakeFailed(ctx context.Context, err error) error {
	c.shutdown(ctx, false)
	if c.aborted.Load() && ctx.Err() != nil {
		return fmt.Errorf("geomserver: handshake: %w", ctx.Err())
	}
	return &IOError{Op: "handshake", Err: err}
}

func newClient(manager *process.Manager, opts Options) *Client {
	expected := opts.ExpectedVersion
	if expected == "" {
		expected = command.Version
	}

	limits := opts.Limits
	if limits.MaxPayloadBytes <= 0 {
		limits = wire.DefaultLimits()
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Client{
		manager:  manager,
		state:    StateUninitialized,
		expected: expected,
		limits:   limits,
		logger:   logger.WithPrefix("geomserver"),
		bus:      opts.Bus,
	}
}

func (c *Client) attach(proc process.Process) {
	c.proc = proc
	c.in = bufio.NewReader(proc.Stdout())
	c.out = bufio.NewWriter(proc.Stdin())
}

// LoadModel uploads a model of unknown length. The whole model is read into
// memory first to learn its size.
func (c *Client) LoadModel(ctx context.Context, model io.Reader) error {
	return c.upload(ctx, command.NewModel(model))
}

// LoadModelSized streams exactly size bytes of model to the server.
func (c *Client) LoadModelSized(ctx context.Context, model io.Reader, size int64) error {
	if size < 0 {
		return fmt.Errorf("geomserver: negative model size %d", size)
	}
	return c.upload(ctx, command.NewSizedModel(model, size))
}

func (c *Client) upload(ctx context.Context, model *command.Model) (err error) {
	ctx, span := tracing.Start(ctx, tracerName, "geomserver.load_model", attribute.Int64("size", model.Size))
	defer func() { span.End(err) }()

	if err := c.enter(ctx, StateUploading); err != nil {
		return err
	}

	stop := c.abortOnCancel(ctx)
	defer stop()

	if err := command.Write(c.out, model); err != nil {
		return c.fail(ctx, "upload model", err)
	}
	if err := c.askForMore(); err != nil {
		return c.fail(ctx, "upload model", err)
	}

	span.SetAttributes(attribute.Bool("has_more", c.hasMore))
	c.publish(events.EventTypeModelLoaded, events.SeverityInfo, model.Size)
	return nil
}

// HasNext reports whether Next will yield an entity.
func (c *Client) HasNext() bool {
	return c.state == StatePulling && c.hasMore
}

// Next pulls the entity under the server's cursor and advances it. Calling
// Next when HasNext is false returns ErrNoMoreEntities, or ErrClosed on a
// closed session. Protocol and pipe failures close the session and are
// returned as a wrapped *command.SequenceError or an *IOError.
func (c *Client) Next(ctx context.Context) (geometry.Entity, error) {
	if c.state == StateClosed {
		return geometry.Entity{}, ErrClosed
	}
	if !c.HasNext() {
		return geometry.Entity{}, ErrNoMoreEntities
	}

	stop := c.abortOnCancel(ctx)
	defer stop()

	if err := command.Write(c.out, command.Get{}); err != nil {
		return geometry.Entity{}, c.fail(ctx, "get entity", err)
	}
	var frame command.EntityFrame
	if err := command.Receive(c.in, &frame, c.limits); err != nil {
		return geometry.Entity{}, c.fail(ctx, "get entity", err)
	}
	if err := command.Write(c.out, command.Next{}); err != nil {
		return geometry.Entity{}, c.fail(ctx, "next entity", err)
	}
	if err := c.askForMore(); err != nil {
		return geometry.Entity{}, c.fail(ctx, "next entity", err)
	}

	c.publish(events.EventTypeEntity, events.SeverityInfo, frame.Entity.ID)
	return frame.Entity, nil
}

// askForMore reads the More reply that follows an upload or a Next and
// moves the session to Pulling or, when the server is done, Ready.
func (c *Client) askForMore() error {
	c.hasMore = false

	var more command.More
	if err := command.Receive(c.in, &more, c.limits); err != nil {
		return err
	}

	c.hasMore = more.More
	if c.hasMore {
		c.moveTo(StatePulling)
	} else {
		c.moveTo(StateReady)
	}
	return nil
}

// SetDeflection sets the tessellation tolerance for models loaded later.
func (c *Client) SetDeflection(ctx context.Context, deflection float64) error {
	return c.configure(ctx, "set deflection", command.Deflection{Value: deflection})
}

// ApplySetting switches a server-side toggle for models loaded later.
func (c *Client) ApplySetting(ctx context.Context, id command.SettingID, enabled bool) error {
	return c.configure(ctx, "apply setting", command.NewBoolSetting(id, enabled))
}

func (c *Client) configure(ctx context.Context, op string, msg command.Encoder) error {
	if c.state == StateClosed {
		return ErrClosed
	}
	if c.state != StateReady {
		return fmt.Errorf("%w: %s while %s", ErrInvalidState, op, c.state)
	}
	if err := command.Write(c.out, msg); err != nil {
		return c.fail(ctx, op, err)
	}
	return nil
}

// Close ends the session. It returns a *NonZeroExitError when the server
// exits on its own with a non-zero status and nil otherwise, including on
// every call after the first.
func (c *Client) Close() error {
	return c.CloseContext(context.Background())
}

// CloseContext is Close with a context for the shutdown span.
func (c *Client) CloseContext(ctx context.Context) (err error) {
	if c == nil || c.state == StateClosed {
		return nil
	}

	ctx, span := tracing.Start(ctx, tracerName, "geomserver.close")
	defer func() { span.End(err) }()

	report := c.shutdown(ctx, true)
	span.SetAttributes(
		attribute.String("outcome", string(report.Outcome)),
		attribute.Int("polls", report.Polls),
	)
	if report.Outcome == process.OutcomeNonZeroExit {
		return &NonZeroExitError{Code: report.ExitCode}
	}
	return nil
}

// Version returns the version the server reported in its Hello.
func (c *Client) Version() string {
	return c.version
}

// State returns the session state.
func (c *Client) State() State {
	return c.state
}

// Running reports whether the session still owns a server process.
func (c *Client) Running() bool {
	return c.proc != nil
}

// fail closes a session whose stream can no longer be trusted and returns
// the error the caller sees. No goodbye is attempted.
func (c *Client) fail(ctx context.Context, op string, err error) error {
	where := "geomserver." + strings.ReplaceAll(op, " ", "_")
	var sequenceErr *command.SequenceError
	if errors.As(err, &sequenceErr) {
		invariants.CheckFrameSequence(ctx, where, sequenceErr.Want.String(), sequenceErr.Got.String())
		c.logger.Error("invalid command sequence encountered", "op", op, "want", sequenceErr.Want, "got", sequenceErr.Got)
	} else {
		invariants.CheckFrameWithinLimit(ctx, where, !errors.Is(err, wire.ErrPayloadTooLarge), err.Error())
		c.logger.Error("session failed", "op", op, "err", err)
	}

	c.shutdown(ctx, false)
	if c.aborted.Load() && ctx.Err() != nil {
		return fmt.Errorf("geomserver: %s: %w", op, ctx.Err())
	}
	return classify(op, err)
}

// shutdown stops the process and clears the handle and both streams
// together. With farewell set the server is first asked for its
// conversion log and told goodbye.
func (c *Client) shutdown(ctx context.Context, farewell bool) process.Report {
	c.hasMore = false

	var goodbye process.Farewell
	if farewell && c.proc != nil {
		goodbye = c.farewell(c.in, c.out)
	}
	report := c.manager.Shutdown(ctx, goodbye)

	c.proc, c.in, c.out = nil, nil, nil
	c.moveTo(StateClosed)
	return report
}

// farewell captures everything it uses so the exchange never touches fields
// that shutdown clears while it may still be running.
func (c *Client) farewell(in *bufio.Reader, out *bufio.Writer) process.Farewell {
	limits, logger, bus, pid := c.limits, c.logger, c.bus, c.pid()
	return func(context.Context) error {
		if err := command.Write(out, command.GetLog{}); err != nil {
			return fmt.Errorf("send %s: %w", command.TagGetLog, err)
		}
		var serverLog command.Log
		if err := command.Receive(in, &serverLog, limits); err != nil {
			return fmt.Errorf("receive %s: %w", command.TagLog, err)
		}
		if text := strings.TrimSpace(serverLog.Text); text != "" {
			logger.Info("server conversion log", "log", text)
			publish(bus, pid, events.EventTypeServerLog, events.SeverityInfo, text)
		}

		if err := command.Write(out, command.Bye{}); err != nil {
			return fmt.Errorf("send %s: %w", command.TagBye, err)
		}
		var bye command.Bye
		if err := command.Receive(in, &bye, limits); err != nil {
			return fmt.Errorf("receive %s: %w", command.TagBye, err)
		}
		return nil
	}
}

// abortOnCancel kills the process when ctx is cancelled so that a blocked
// pipe read returns, and marks the session aborted.
func (c *Client) abortOnCancel(ctx context.Context) func() {
	c.aborted.Store(false)
	proc := c.proc
	if proc == nil || ctx.Done() == nil {
		return func() {}
	}
	stop := context.AfterFunc(ctx, func() {
		c.aborted.Store(true)
		_ = proc.Kill()
	})
	return func() { stop() }
}

// enter moves the session to to, or explains why it cannot.
func (c *Client) enter(ctx context.Context, to State) error {
	if c.state == StateClosed {
		return ErrClosed
	}
	if !invariants.CheckStateTransitionLegal(ctx, "geomserver.enter", c.state.String(), to.String(), CanTransition(c.state, to)) {
		return &TransitionError{From: c.state, To: to}
	}
	c.moveTo(to)
	return nil
}

// moveTo applies a transition the protocol flow guarantees to be legal.
func (c *Client) moveTo(to State) {
	from := c.state
	if from == to && to != StatePulling {
		return
	}
	if !CanTransition(from, to) {
		panic(fmt.Sprintf("geomserver: illegal transition %s -> %s", from, to))
	}
	c.state = to
	c.logger.Debug("session state changed", "from", from, "to", to)
	c.publish(events.EventTypeStateTransition, events.SeverityInfo, Transition{From: from, To: to})
}

func (c *Client) pid() string {
	if c.proc == nil {
		return ""
	}
	return strconv.Itoa(c.proc.PID())
}

func (c *Client) publish(eventType string, severity string, payload any) {
	publish(c.bus, c.pid(), eventType, severity, payload)
}

func publish(bus events.Bus, pid string, eventType string, severity string, payload any) {
	if bus == nil {
		return
	}
	bus.Publish(events.Event{
		Type:       eventType,
		EntityType: "session",
		EntityID:   pid,
		Severity:   severity,
		Payload:    payload,
	})
}
