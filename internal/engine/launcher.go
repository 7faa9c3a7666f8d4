// Package engine runs the conversion engine as a separate OS process.
package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Spec describes one engine invocation.
type Spec struct {
	// Dir is the job directory, used as working directory.
	Dir string
	// Args are appended after the launcher's fixed arguments.
	Args []string
	// LogFile receives stdout and stderr, relative to Dir.
	LogFile string
	Env     []string
}

// Launcher starts engine processes.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (*Run, error)
}

// Run is a started engine process.
type Run struct {
	pid  int
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

// NewRun returns a Run that finishes when wait returns. It lets other
// Launcher implementations report completion the same way.
func NewRun(pid int, wait func() error) *Run {
	r := &Run{pid: pid, done: make(chan struct{})}
	go r.finish(wait)
	return r
}

func (r *Run) finish(wait func() error) {
	err := wait()
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	close(r.done)
}

// PID returns the process id, or 0 when unknown.
func (r *Run) PID() int {
	return r.pid
}

// Done is closed when the process has exited.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Err returns the exit error once Done is closed.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Wait blocks until the process exits or ctx is done.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Alive reports whether a process with pid still exists. An unknown pid
// counts as alive.
func Alive(pid int) bool {
	if pid <= 0 {
		return true
	}
	return processAlive(pid)
}

// Stop terminates the process group, waiting grace between SIGTERM and SIGKILL.
func (r *Run) Stop(grace time.Duration) {
	if r.cmd == nil {
		return
	}
	select {
	case <-r.done:
		return
	default:
	}
	terminateProcess(r.cmd, grace)
}

// ExecLauncher runs Command with Args followed by the Spec arguments.
type ExecLauncher struct {
	Command string
	Args    []string
	Env     []string
}

func NewExecLauncher(command string, args, env []string) *ExecLauncher {
	return &ExecLauncher{Command: command, Args: args, Env: env}
}

// Launch starts the engine. The process is not bound to ctx: it keeps
// running after the request that started it returns.
func (l *ExecLauncher) Launch(ctx context.Context, spec Spec) (*Run, error) {
	if strings.TrimSpace(l.Command) == "" {
		return nil, fmt.Errorf("engine command is required")
	}
	if strings.TrimSpace(spec.Dir) == "" {
		return nil, fmt.Errorf("engine working directory is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(spec.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}

	args := append(append([]string{}, l.Args...), spec.Args...)
	cmd := exec.Command(l.Command, args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(append(os.Environ(), l.Env...), spec.Env...)

	var logFile *os.File
	if spec.LogFile != "" {
		f, err := os.OpenFile(filepath.Join(spec.Dir, spec.LogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open engine log: %w", err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}
	configureProcess(cmd)

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return nil, fmt.Errorf("start engine: %w", err)
	}

	r := &Run{pid: cmd.Process.Pid, cmd: cmd, done: make(chan struct{})}
	go r.finish(func() error {
		err := cmd.Wait()
		if logFile != nil {
			_ = logFile.Close()
		}
		return err
	})
	return r, nil
}
