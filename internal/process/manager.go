// Package process owns the IfcGeomServer child process: starting it and
// bringing it down again in a bounded number of steps, whatever state the
// protocol stream is in.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dsconsultants/ifcgeom/internal/events"
	"github.com/dsconsultants/ifcgeom/internal/telemetry/invariants"
)

const (
	// DefaultPollInterval is the wait between exit-status checks during shutdown.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultPollAttempts bounds the exit-status checks before the process is
	// terminated.
	DefaultPollAttempts = 20
)

var (
	// ErrLaunch matches every *LaunchError.
	ErrLaunch = errors.New("process: launch failed")
	// ErrAlreadyRunning is returned by Spawn while a process is active.
	ErrAlreadyRunning = errors.New("process: a server process is already running")
	// ErrFarewellTimeout reports a goodbye exchange that did not finish in time.
	ErrFarewellTimeout = errors.New("process: farewell exchange timed out")
)

// LaunchError reports an executable that could not be started.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("process: launch %s: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() []error {
	return []error{ErrLaunch, e.Err}
}

// Outcome classifies how a shutdown ended the process.
type Outcome string

const (
	// OutcomeNotRunning means there was no process to stop.
	OutcomeNotRunning Outcome = "not_running"
	// OutcomeExited means the process exited with status 0 on its own.
	OutcomeExited Outcome = "exited"
	// OutcomeNonZeroExit means the process exited on its own with a non-zero status.
	OutcomeNonZeroExit Outcome = "nonzero_exit"
	// OutcomeForced means the process outlived the poll window and was terminated.
	OutcomeForced Outcome = "forced"
)

// Report describes one shutdown.
type Report struct {
	Path        string
	PID         int
	Outcome     Outcome
	ExitCode    int
	Polls       int
	FarewellErr error
}

// Farewell is the goodbye exchange run against a live process before its
// exit is awaited. It must return once the process pipes are closed.
type Farewell func(ctx context.Context) error

// Options configures a process manager.
type Options struct {
	Launcher        Launcher
	Bus             events.Bus
	Logger          *log.Logger
	Stderr          io.Writer
	PollInterval    time.Duration
	PollAttempts    int
	// FarewellTimeout bounds the goodbye exchange. It defaults to the poll
	// budget, PollInterval times PollAttempts.
	FarewellTimeout time.Duration
}

// Manager spawns one server process at a time and shuts it down.
type Manager struct {
	launcher        Launcher
	bus             events.Bus
	logger          *log.Logger
	pollInterval    time.Duration
	pollAttempts    int
	farewellTimeout time.Duration
	sleep           func(time.Duration)

	mu   sync.Mutex
	proc Process
	path string
}

// New creates a process manager with default dependencies where omitted.
func New(opts Options) (*Manager, error) {
	launcher := opts.Launcher
	if launcher == nil {
		launcher = ExecLauncher{Stderr: opts.Stderr}
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	pollAttempts := opts.PollAttempts
	if pollAttempts <= 0 {
		pollAttempts = DefaultPollAttempts
	}

	farewellTimeout := opts.FarewellTimeout
	if farewellTimeout <= 0 {
		farewellTimeout = pollInterval * time.Duration(pollAttempts)
	}

	return &Manager{
		launcher:        launcher,
		bus:             opts.Bus,
		logger:          logger.WithPrefix("process"),
		pollInterval:    pollInterval,
		pollAttempts:    pollAttempts,
		farewellTimeout: farewellTimeout,
		sleep:           time.Sleep,
	}, nil
}

// Spawn starts the executable at path.
func (m *Manager) Spawn(ctx context.Context, path string, args ...string) (Process, error) {
	if m == nil {
		return nil, errors.New("process manager is nil")
	}

	path = strings.TrimSpace(path)
	if path == "" {
		return nil, &LaunchError{Err: errors.New("executable path is required")}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proc != nil {
		return nil, ErrAlreadyRunning
	}

	proc, err := m.launcher.Launch(ctx, path, args...)
	if err != nil {
		var launchErr *LaunchError
		if errors.As(err, &launchErr) {
			return nil, err
		}
		return nil, &LaunchError{Path: path, Err: err}
	}

	m.proc = proc
	m.path = path
	m.logger.Info("server process started", "path", path, "pid", proc.PID())
	m.publish(events.Event{
		Type:       events.EventTypeProcessSpawn,
		EntityType: "process",
		EntityID:   strconv.Itoa(proc.PID()),
		Severity:   events.SeverityInfo,
		Payload:    path,
	})
	return proc, nil
}

// Active reports whether a spawned process has not been shut down yet.
func (m *Manager) Active() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.proc != nil
}

// Shutdown stops the active process. It runs farewell (when non-nil) within
// the farewell timeout, then polls for an exit, terminates a process that is
// still running after the last poll, and finally kills it and closes both
// pipes. Time spent in farewell comes out of the poll window, so with default
// options a server that ignores the goodbye is terminated after one poll
// budget. A second call finds nothing to stop and sends no signals.
//
// Shutdown never fails; what happened is in the returned Report.
func (m *Manager) Shutdown(ctx context.Context, farewell Farewell) Report {
	if m == nil {
		return Report{Outcome: OutcomeNotRunning}
	}

	m.mu.Lock()
	proc, path := m.proc, m.path
	m.proc, m.path = nil, ""
	m.mu.Unlock()

	if proc == nil {
		return Report{Outcome: OutcomeNotRunning}
	}

	report := Report{Path: path, PID: proc.PID()}
	logger := m.logger.With("pid", report.PID)

	attempts := m.pollAttempts
	var pending <-chan error
	if farewell != nil {
		started := time.Now()
		pending, report.FarewellErr = m.runFarewell(ctx, farewell)
		if report.FarewellErr != nil {
			logger.Warn("farewell exchange failed", "err", report.FarewellErr)
		}
		attempts = m.remainingPolls(time.Since(started))
	}

	report.Outcome, report.ExitCode, report.Polls = m.waitForExit(ctx, proc, attempts)
	switch report.Outcome {
	case OutcomeExited:
		logger.Info("server process exited", "polls", report.Polls)
	case OutcomeNonZeroExit:
		logger.Warn("server process exited with non-zero status", "code", report.ExitCode)
	case OutcomeForced:
		invariants.CheckExitWithinPollBudget(ctx, "process.shutdown", false, report.Polls, m.pollAttempts)
		logger.Warn("server process did not exit, terminating", "polls", report.Polls)
		if err := proc.Terminate(); err != nil {
			logger.Error("terminate server process", "err", err)
		}
	}

	if err := proc.Kill(); err != nil {
		logger.Error("kill server process", "err", err)
	}
	if err := proc.Stdin().Close(); err != nil {
		logger.Debug("close stdin", "err", err)
	}
	if err := proc.Stdout().Close(); err != nil {
		logger.Debug("close stdout", "err", err)
	}

	if pending != nil {
		select {
		case <-pending:
		case <-time.After(m.pollInterval):
			logger.Error("farewell exchange still blocked after pipes closed")
		}
	}

	severity := events.SeverityInfo
	if report.Outcome != OutcomeExited {
		severity = events.SeverityWarn
	}
	m.publish(events.Event{
		Type:       events.EventTypeProcessExit,
		EntityType: "process",
		EntityID:   strconv.Itoa(report.PID),
		Severity:   severity,
		Payload:    report,
	})
	return report
}

func (m *Manager) runFarewell(ctx context.Context, farewell Farewell) (<-chan error, error) {
	done := make(chan error, 1)
	go func() {
		done <- farewell(ctx)
	}()

	timer := time.NewTimer(m.farewellTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return nil, err
	case <-timer.C:
		return done, ErrFarewellTimeout
	case <-ctx.Done():
		return done, ctx.Err()
	}
}

// remainingPolls is the number of poll sleeps left in the budget after spent.
func (m *Manager) remainingPolls(spent time.Duration) int {
	left := m.pollInterval*time.Duration(m.pollAttempts) - spent
	if left <= 0 {
		return 0
	}
	return min(int((left+m.pollInterval-1)/m.pollInterval), m.pollAttempts)
}

// waitForExit checks the exit status, sleeping between checks at most
// attempts times.
func (m *Manager) waitForExit(ctx context.Context, proc Process, attempts int) (Outcome, int, int) {
	for polls := 1; ; polls++ {
		if code, exited := proc.ExitStatus(); exited {
			if code != 0 {
				return OutcomeNonZeroExit, code, polls
			}
			return OutcomeExited, 0, polls
		}
		if polls > attempts {
			return OutcomeForced, 0, polls
		}

		select {
		case <-ctx.Done():
			return OutcomeForced, 0, polls
		default:
		}
		m.sleep(m.pollInterval)
	}
}

func (m *Manager) publish(event events.Event) {
	if m.bus != nil {
		m.bus.Publish(event)
	}
}
