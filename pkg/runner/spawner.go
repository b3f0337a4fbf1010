package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// Exit codes a terminated child reports
const (
	ExitSIGTERM      = -int(syscall.SIGTERM)
	ExitShellSIGTERM = 128 + int(syscall.SIGTERM)
)

// Command describes a child process of a job
type Command struct {
	Path   string
	Args   []string
	Dir    string
	Env    []string
	Stdout string
	Stderr string
}

// Child is a spawned job process
type Child interface {
	PID() int
	// Wait blocks until the child exits and returns its exit code. A child
	// killed by a signal reports the negated signal number.
	Wait() int
	// Terminate asks the child to stop
	Terminate() error
}

// Spawner starts job processes
type Spawner interface {
	Spawn(ctx context.Context, cmd Command) (Child, error)
}

// ProcessSpawner runs commands as OS processes in their own process group so
// that termination reaches every process a playbook started
type ProcessSpawner struct{}

// Spawn starts the command with stdout and stderr appended to the given files
func (ProcessSpawner) Spawn(ctx context.Context, c Command) (Child, error) {
	stdout, err := os.OpenFile(c.Stdout, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout log: %w", err)
	}
	stderr, err := os.OpenFile(c.Stderr, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("failed to open stderr log: %w", err)
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start %s: %w", c.Path, err)
	}
	return &process{cmd: cmd, files: []*os.File{stdout, stderr}}, nil
}

type process struct {
	cmd   *exec.Cmd
	files []*os.File

	once sync.Once
	code int
}

func (p *process) PID() int {
	return p.cmd.Process.Pid
}

func (p *process) Wait() int {
	p.once.Do(func() {
		err := p.cmd.Wait()
		for _, f := range p.files {
			f.Close()
		}
		p.code = exitCode(err)
	})
	return p.code
}

func (p *process) Terminate() error {
	// negative pid signals the whole group
	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to terminate process %d: %w", p.cmd.Process.Pid, err)
	}
	return nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return exitErr.ExitCode()
}

// funcChild runs an in-process step as if it were a child process
type funcChild struct {
	done chan struct{}
	code int
}

func runFunc(fn func() int) *funcChild {
	c := &funcChild{done: make(chan struct{})}
	go func() {
		defer close(c.done)
		c.code = fn()
	}()
	return c
}

func (c *funcChild) PID() int { return 0 }

func (c *funcChild) Wait() int {
	<-c.done
	return c.code
}

func (c *funcChild) Terminate() error {
	return errors.New("internal steps cannot be terminated")
}
