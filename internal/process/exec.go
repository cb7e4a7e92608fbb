package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// Process is a running server child and our ends of its standard pipes.
type Process interface {
	PID() int
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	// ExitStatus reports the exit code once the process has ended. It never
	// blocks.
	ExitStatus() (code int, exited bool)
	// Terminate asks the process to stop (SIGTERM where supported).
	Terminate() error
	// Kill stops the process unconditionally. Killing an ended process is
	// not an error.
	Kill() error
}

// Launcher starts server processes.
type Launcher interface {
	Launch(ctx context.Context, path string, args ...string) (Process, error)
}

// ExecLauncher starts processes with os/exec. Stderr receives the child's
// diagnostic output; nil discards it. Env entries are added to the inherited
// environment.
type ExecLauncher struct {
	Stderr io.Writer
	Dir    string
	Env    []string
}

// Launch starts path with piped stdin and stdout. The process outlives ctx;
// its lifetime belongs to Manager.Shutdown.
func (l ExecLauncher) Launch(ctx context.Context, path string, args ...string) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = l.Dir
	cmd.Stderr = l.Stderr
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}

	// Pipes are created by hand because exec.Cmd.Wait closes the pipes it
	// owns as soon as the child exits, which would drop unread replies.
	stdinRead, stdinWrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutRead, stdoutWrite, err := os.Pipe()
	if err != nil {
		closeAll(stdinRead, stdinWrite)
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	cmd.Stdin = stdinRead
	cmd.Stdout = stdoutWrite

	if err := cmd.Start(); err != nil {
		closeAll(stdinRead, stdinWrite, stdoutRead, stdoutWrite)
		return nil, err
	}
	closeAll(stdinRead, stdoutWrite)

	proc := &execProcess{
		cmd:    cmd,
		stdin:  stdinWrite,
		stdout: stdoutRead,
		done:   make(chan struct{}),
	}
	go proc.wait()
	return proc, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	done   chan struct{}

	mu   sync.Mutex
	code int
}

func (p *execProcess) wait() {
	_ = p.cmd.Wait()

	p.mu.Lock()
	p.code = p.cmd.ProcessState.ExitCode()
	p.mu.Unlock()
	close(p.done)
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Stdin() io.WriteCloser {
	return p.stdin
}

func (p *execProcess) Stdout() io.ReadCloser {
	return p.stdout
}

func (p *execProcess) ExitStatus() (int, bool) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.code, true
	default:
		return 0, false
	}
}

func (p *execProcess) Terminate() error {
	err := p.cmd.Process.Signal(syscall.SIGTERM)
	if err == nil || errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	// Windows has no SIGTERM; its closest polite stop is the kill itself.
	return p.Kill()
}

func (p *execProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func closeAll(files ...*os.File) {
	for _, file := range files {
		_ = file.Close()
	}
}

var _ Launcher = ExecLauncher{}
var _ Process = (*execProcess)(nil)
