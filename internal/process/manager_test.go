package process

import (
	"context"
	"errors"
	"io"
	"os"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dsconsultants/ifcgeom/internal/events"
)

func TestSpawnWrapsLaunchFailures(t *testing.T) {
	t.Parallel()

	cause := errors.New("exec format error")
	manager := newTestManager(t, &fakeLauncher{err: cause}, nil)

	_, err := manager.Spawn(context.Background(), "/opt/ifc/IfcGeomServer")
	if !errors.Is(err, ErrLaunch) {
		t.Fatalf("spawn error = %v, want ErrLaunch", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("spawn error = %v, want wrapped cause", err)
	}
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) || launchErr.Path != "/opt/ifc/IfcGeomServer" {
		t.Fatalf("spawn error = %#v, want *LaunchError with path", err)
	}
	if manager.Active() {
		t.Fatal("manager active after failed spawn")
	}
}

func TestSpawnRejectsEmptyPathAndSecondProcess(t *testing.T) {
	t.Parallel()

	manager := newTestManager(t, &fakeLauncher{}, nil)

	if _, err := manager.Spawn(context.Background(), "  "); !errors.Is(err, ErrLaunch) {
		t.Fatalf("empty path error = %v, want ErrLaunch", err)
	}
	if _, err := manager.Spawn(context.Background(), "server"); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if _, err := manager.Spawn(context.Background(), "server"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second spawn error = %v, want ErrAlreadyRunning", err)
	}
}

func TestShutdownWithoutProcessIsNotRunning(t *testing.T) {
	t.Parallel()

	manager := newTestManager(t, &fakeLauncher{}, nil)
	report := manager.Shutdown(context.Background(), func(context.Context) error {
		t.Fatal("farewell ran without a process")
		return nil
	})
	if report.Outcome != OutcomeNotRunning {
		t.Fatalf("outcome = %s, want %s", report.Outcome, OutcomeNotRunning)
	}
}

func TestShutdownCleanExitAfterFarewell(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	bus := events.NewRecorder()
	manager := newTestManager(t, launcher, bus)
	if _, err := manager.Spawn(context.Background(), "server"); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	proc := launcher.last()

	report := manager.Shutdown(context.Background(), func(context.Context) error {
		proc.exit(0)
		return nil
	})

	if report.Outcome != OutcomeExited || report.Polls != 1 {
		t.Fatalf("report = %+v, want exited on first poll", report)
	}
	if proc.terminations != 0 || proc.kills != 1 {
		t.Fatalf("signals = term:%d kill:%d, want term:0 kill:1", proc.terminations, proc.kills)
	}
	if !proc.stdin.closed || !proc.stdout.closed {
		t.Fatal("pipes left open")
	}
	if manager.Active() {
		t.Fatal("manager still active")
	}

	exits := bus.OfType(events.EventTypeProcessExit)
	if len(exits) != 1 {
		t.Fatalf("exit events = %d, want 1", len(exits))
	}
	if got := exits[0].Payload.(Report).Outcome; got != OutcomeExited {
		t.Fatalf("event outcome = %s, want %s", got, OutcomeExited)
	}
	if len(bus.OfType(events.EventTypeProcessSpawn)) != 1 {
		t.Fatal("missing spawn event")
	}
}

func TestShutdownReportsNonZeroExit(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	manager := newTestManager(t, launcher, nil)
	if _, err := manager.Spawn(context.Background(), "server"); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	proc := launcher.last()

	var slept int
	manager.sleep = func(time.Duration) {
		slept++
		if slept == 3 {
			proc.exit(2)
		}
	}

	report := manager.Shutdown(context.Background(), nil)
	if report.Outcome != OutcomeNonZeroExit || report.ExitCode != 2 {
		t.Fatalf("report = %+v, want non-zero exit 2", report)
	}
	if report.Polls != 4 {
		t.Fatalf("polls = %d, want 4", report.Polls)
	}
	if proc.terminations != 0 {
		t.Fatalf("terminations = %d, want 0", proc.terminations)
	}
}

func TestShutdownForcesProcessThatNeverExits(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	manager := newTestManager(t, launcher, nil)
	if _, err := manager.Spawn(context.Background(), "server"); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	proc := launcher.last()

	var sleeps []time.Duration
	manager.sleep = func(d time.Duration) {
		sleeps = append(sleeps, d)
	}

	report := manager.Shutdown(context.Background(), nil)
	if report.Outcome != OutcomeForced {
		t.Fatalf("outcome = %s, want %s", report.Outcome, OutcomeForced)
	}
	if len(sleeps) != DefaultPollAttempts {
		t.Fatalf("sleeps = %d, want %d", len(sleeps), DefaultPollAttempts)
	}
	if sleeps[0] != DefaultPollInterval {
		t.Fatalf("poll interval = %s, want %s", sleeps[0], DefaultPollInterval)
	}
	if proc.terminations != 1 || proc.kills != 1 {
		t.Fatalf("signals = term:%d kill:%d, want exactly one of each", proc.terminations, proc.kills)
	}

	second := manager.Shutdown(context.Background(), nil)
	if second.Outcome != OutcomeNotRunning {
		t.Fatalf("second outcome = %s, want %s", second.Outcome, OutcomeNotRunning)
	}
	if proc.terminations != 1 || proc.kills != 1 {
		t.Fatalf("second shutdown signalled again: term:%d kill:%d", proc.terminations, proc.kills)
	}
}

func TestShutdownBoundsBlockedFarewell(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	manager := newTestManager(t, launcher, nil)
	manager.farewellTimeout = 20 * time.Millisecond
	manager.sleep = func(time.Duration) {}
	if _, err := manager.Spawn(context.Background(), "server"); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	proc := launcher.last()

	returned := make(chan struct{})
	report := manager.Shutdown(context.Background(), func(context.Context) error {
		defer close(returned)
		<-proc.stdout.closedCh
		return io.ErrClosedPipe
	})

	if !errors.Is(report.FarewellErr, ErrFarewellTimeout) {
		t.Fatalf("farewell error = %v, want ErrFarewellTimeout", report.FarewellErr)
	}
	select {
	case <-returned:
	default:
		t.Fatal("shutdown returned before the farewell goroutine finished")
	}
}

func TestFarewellTimeDrawsDownPollBudget(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	manager, err := New(Options{
		Launcher:     launcher,
		Logger:       log.New(io.Discard),
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if manager.farewellTimeout != 10*time.Millisecond*DefaultPollAttempts {
		t.Fatalf("farewell timeout = %s, want the poll budget", manager.farewellTimeout)
	}
	var sleeps int
	manager.sleep = func(time.Duration) { sleeps++ }
	if _, err := manager.Spawn(context.Background(), "server"); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	report := manager.Shutdown(context.Background(), func(context.Context) error {
		time.Sleep(150 * time.Millisecond)
		return nil
	})
	if report.Outcome != OutcomeForced {
		t.Fatalf("outcome = %s, want %s", report.Outcome, OutcomeForced)
	}
	if sleeps > 5 {
		t.Fatalf("poll sleeps = %d after a 150ms farewell, want at most 5 of the 200ms budget", sleeps)
	}
}

func TestRemainingPolls(t *testing.T) {
	t.Parallel()

	manager := newTestManager(t, &fakeLauncher{}, nil)
	cases := []struct {
		spent time.Duration
		want  int
	}{
		{0, DefaultPollAttempts},
		{time.Microsecond, DefaultPollAttempts},
		{DefaultPollInterval, DefaultPollAttempts - 1},
		{1950 * time.Millisecond, 1},
		{2 * time.Second, 0},
		{7 * time.Second, 0},
	}
	for _, tc := range cases {
		if got := manager.remainingPolls(tc.spent); got != tc.want {
			t.Fatalf("remainingPolls(%s) = %d, want %d", tc.spent, got, tc.want)
		}
	}
}

func TestExecLauncherKeepsOutputReadableAfterExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("helper process relies on unix pipes")
	}

	launcher := ExecLauncher{Env: []string{"IFCGEOM_HELPER_PROCESS=echo"}}
	proc, err := launcher.Launch(context.Background(), os.Args[0], "-test.run=TestHelperProcess")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	defer func() { _ = proc.Kill() }()

	if _, err := proc.Stdin().Write([]byte("ping")); err != nil {
		t.Fatalf("write stdin: %v", err)
	}
	if err := proc.Stdin().Close(); err != nil {
		t.Fatalf("close stdin: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	code, exited := proc.ExitStatus()
	for !exited && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		code, exited = proc.ExitStatus()
	}
	if !exited || code != 3 {
		t.Fatalf("exit status = %d/%v, want 3/true", code, exited)
	}

	out, err := io.ReadAll(proc.Stdout())
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	if string(out) != "ping" {
		t.Fatalf("stdout = %q, want ping", out)
	}
}

func TestManagerTerminatesHangingExecProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("helper process relies on unix signals")
	}

	manager, err := New(Options{
		Launcher:     ExecLauncher{Env: []string{"IFCGEOM_HELPER_PROCESS=hang"}},
		Logger:       log.New(io.Discard),
		PollInterval: 10 * time.Millisecond,
		PollAttempts: 2,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := manager.Spawn(context.Background(), os.Args[0], "-test.run=TestHelperProcess"); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	report := manager.Shutdown(context.Background(), nil)
	if report.Outcome != OutcomeForced {
		t.Fatalf("outcome = %s, want %s", report.Outcome, OutcomeForced)
	}
}

func TestHelperProcess(t *testing.T) {
	switch os.Getenv("IFCGEOM_HELPER_PROCESS") {
	case "echo":
		data, _ := io.ReadAll(os.Stdin)
		_, _ = os.Stdout.Write(data)
		os.Exit(3)
	case "hang":
		time.Sleep(time.Minute)
		os.Exit(0)
	}
}

func newTestManager(t *testing.T, launcher Launcher, bus events.Bus) *Manager {
	t.Helper()

	manager, err := New(Options{
		Launcher: launcher,
		Bus:      bus,
		Logger:   log.New(io.Discard),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	manager.sleep = func(time.Duration) {}
	return manager
}

type fakeLauncher struct {
	mu    sync.Mutex
	err   error
	procs []*fakeProcess
}

func (f *fakeLauncher) Launch(_ context.Context, _ string, _ ...string) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	proc := &fakeProcess{
		pid:    1000 + len(f.procs),
		stdin:  newFakePipe(),
		stdout: newFakePipe(),
	}
	f.procs = append(f.procs, proc)
	return proc, nil
}

func (f *fakeLauncher) last() *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[len(f.procs)-1]
}

type fakeProcess struct {
	pid          int
	stdin        *fakePipe
	stdout       *fakePipe
	mu           sync.Mutex
	exited       bool
	code         int
	terminations int
	kills        int
}

func (p *fakeProcess) PID() int              { return p.pid }
func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *fakeProcess) Stdout() io.ReadCloser { return p.stdout }

func (p *fakeProcess) ExitStatus() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, p.exited
}

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminations++
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.kills++
	p.mu.Unlock()
	p.exit(-1)
	return nil
}

func (p *fakeProcess) exit(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.exited {
		p.exited = true
		p.code = code
	}
}

type fakePipe struct {
	once     sync.Once
	closed   bool
	closedCh chan struct{}
}

func newFakePipe() *fakePipe {
	return &fakePipe{closedCh: make(chan struct{})}
}

func (p *fakePipe) Read([]byte) (int, error)    { return 0, io.EOF }
func (p *fakePipe) Write(b []byte) (int, error) { return len(b), nil }

func (p *fakePipe) Close() error {
	p.once.Do(func() {
		p.closed = true
		close(p.closedCh)
	})
	return nil
}
