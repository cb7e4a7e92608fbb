package testutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dsconsultants/ifcgeom/internal/command"
	"github.com/dsconsultants/ifcgeom/internal/geometry"
	"github.com/dsconsultants/ifcgeom/internal/process"
	"github.com/dsconsultants/ifcgeom/internal/wire"
)

// TerminatedExitCode is the status a FakeProcess reports after Terminate
// when it is configured to honour it.
const TerminatedExitCode = 143

// FakeProcess is an in-memory process.Process. Its pipes are io.Pipes whose
// far ends belong to a FakeServer.
type FakeProcess struct {
	pid             int
	exitOnTerminate bool

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	mu           sync.Mutex
	exited       bool
	code         int
	terminations int
	kills        int
}

// NewFakeProcess returns a running fake. With exitOnTerminate the process
// ends on Terminate; otherwise only Kill or Exit end it.
func NewFakeProcess(pid int, exitOnTerminate bool) *FakeProcess {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	return &FakeProcess{
		pid:             pid,
		exitOnTerminate: exitOnTerminate,
		stdinR:          stdinR,
		stdinW:          stdinW,
		stdoutR:         stdoutR,
		stdoutW:         stdoutW,
	}
}

func (p *FakeProcess) PID() int {
	return p.pid
}

func (p *FakeProcess) Stdin() io.WriteCloser {
	return p.stdinW
}

func (p *FakeProcess) Stdout() io.ReadCloser {
	return p.stdoutR
}

func (p *FakeProcess) ExitStatus() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, p.exited
}

func (p *FakeProcess) Terminate() error {
	p.mu.Lock()
	p.terminations++
	exit := p.exitOnTerminate
	p.mu.Unlock()

	if exit {
		p.Exit(TerminatedExitCode)
	}
	return nil
}

func (p *FakeProcess) Kill() error {
	p.mu.Lock()
	p.kills++
	p.mu.Unlock()

	p.Exit(-1)
	return nil
}

// Exit ends the process with code unless it has already ended, and closes
// the server ends of both pipes.
func (p *FakeProcess) Exit(code int) {
	p.mu.Lock()
	if !p.exited {
		p.exited = true
		p.code = code
	}
	p.mu.Unlock()

	_ = p.stdinR.Close()
	_ = p.stdoutW.Close()
}

// Terminations counts Terminate calls.
func (p *FakeProcess) Terminations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminations
}

// Kills counts Kill calls.
func (p *FakeProcess) Kills() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kills
}

// FakeServer plays the server side of the protocol over a FakeProcess.
// Helpers record the first failure and turn into no-ops afterwards, so a
// script can be written straight through; check Err once it is done.
type FakeServer struct {
	proc *FakeProcess
	in   io.Reader

	mu       sync.Mutex
	err      error
	received []command.Tag
	drained  int64
	done     chan struct{}
}

func newFakeServer(proc *FakeProcess) *FakeServer {
	return &FakeServer{
		proc: proc,
		in:   proc.stdinR,
		done: make(chan struct{}),
	}
}

// Process returns the fake process the server runs in.
func (s *FakeServer) Process() *FakeProcess {
	return s.proc
}

// Send writes one frame to the client.
func (s *FakeServer) Send(tag command.Tag, payload []byte) {
	if s.Err() != nil {
		return
	}
	s.fail(command.WriteRawFrame(s.proc.stdoutW, tag, payload))
}

// SendHello greets the client with version.
func (s *FakeServer) SendHello(version string) {
	s.Send(command.TagHello, encode(func(w *wire.Writer) error { return w.WriteString(version) }))
}

// SendMore answers a "more?" step.
func (s *FakeServer) SendMore(more bool) {
	var v int32
	if more {
		v = 1
	}
	s.Send(command.TagMore, encode(func(w *wire.Writer) error { return w.WriteInt32(v) }))
}

// SendEntity sends one entity frame.
func (s *FakeServer) SendEntity(entity geometry.Entity) {
	s.Send(command.TagEntity, encode(func(w *wire.Writer) error { return command.EncodeEntity(w, entity) }))
}

// SendLog sends the conversion log.
func (s *FakeServer) SendLog(text string) {
	s.Send(command.TagLog, encode(func(w *wire.Writer) error { return w.WriteString(text) }))
}

// Receive reads one frame from the client.
func (s *FakeServer) Receive() (command.Tag, []byte) {
	if s.Err() != nil {
		return 0, nil
	}
	tag, err := command.ReadTag(s.in)
	if err != nil {
		s.fail(fmt.Errorf("read tag: %w", err))
		return 0, nil
	}
	r := wire.NewReader(s.in)
	n, err := r.ReadInt32()
	if err != nil {
		s.fail(fmt.Errorf("read %s length: %w", tag, err))
		return tag, nil
	}
	payload, err := r.ReadPayload(n, wire.DefaultLimits())
	if err != nil {
		s.fail(fmt.Errorf("read %s payload: %w", tag, err))
		return tag, nil
	}

	s.mu.Lock()
	s.received = append(s.received, tag)
	s.mu.Unlock()
	return tag, payload
}

// Expect reads one frame and records a failure unless its tag is want.
func (s *FakeServer) Expect(want command.Tag) []byte {
	tag, payload := s.Receive()
	if s.Err() != nil {
		return nil
	}
	if tag != want {
		s.fail(&command.SequenceError{Want: want, Got: tag})
		return nil
	}
	return payload
}

// ServeEntities answers the upload and pull steps for entities: More after
// the Model frame, then Get/Entity/Next/More per entity.
func (s *FakeServer) ServeEntities(entities ...geometry.Entity) {
	s.Expect(command.TagModel)
	s.SendMore(len(entities) > 0)
	for i, entity := range entities {
		s.Expect(command.TagGet)
		s.SendEntity(entity)
		s.Expect(command.TagNext)
		s.SendMore(i < len(entities)-1)
	}
}

// Farewell answers GetLog with logText, acknowledges Bye and exits with
// code.
func (s *FakeServer) Farewell(logText string, code int) {
	s.Expect(command.TagGetLog)
	s.SendLog(logText)
	s.Expect(command.TagBye)
	s.Send(command.TagBye, nil)
	s.proc.Exit(code)
}

// Received lists the tags of every frame read by Receive, in order.
func (s *FakeServer) Received() []command.Tag {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]command.Tag(nil), s.received...)
}

// Drained counts bytes the client sent after the script finished.
func (s *FakeServer) Drained() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drained
}

// Err returns the first failure seen by a helper.
func (s *FakeServer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Wait blocks until the script has returned and the client side of stdin is
// gone, or ctx is done.
func (s *FakeServer) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *FakeServer) run(script Script) {
	defer close(s.done)
	if script != nil {
		script(s)
	}

	n, _ := io.Copy(io.Discard, s.in)
	s.mu.Lock()
	s.drained = n
	s.mu.Unlock()
}

func (s *FakeServer) fail(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Script is the server side of one session.
type Script func(*FakeServer)

// FakeLauncher is a process.Launcher that starts FakeProcesses running
// Script.
type FakeLauncher struct {
	Script          Script
	ExitOnTerminate bool
	// Err makes every launch fail.
	Err error

	mu       sync.Mutex
	servers  []*FakeServer
	launches []string
}

func (l *FakeLauncher) Launch(ctx context.Context, path string, _ ...string) (process.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches = append(l.launches, path)
	if l.Err != nil {
		return nil, l.Err
	}

	proc := NewFakeProcess(4242+len(l.servers), l.ExitOnTerminate)
	server := newFakeServer(proc)
	l.servers = append(l.servers, server)
	go server.run(l.Script)
	return proc, nil
}

// Server returns the most recently launched server.
func (l *FakeLauncher) Server() *FakeServer {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.servers) == 0 {
		return nil
	}
	return l.servers[len(l.servers)-1]
}

// Launches lists the launched paths.
func (l *FakeLauncher) Launches() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.launches...)
}

// ErrScriptedFailure is a ready-made launch failure.
var ErrScriptedFailure = errors.New("testutil: scripted failure")

func encode(fn func(*wire.Writer) error) []byte {
	var buf bytes.Buffer
	if err := fn(wire.NewWriter(&buf)); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

var (
	_ process.Process  = (*FakeProcess)(nil)
	_ process.Launcher = (*FakeLauncher)(nil)
)
