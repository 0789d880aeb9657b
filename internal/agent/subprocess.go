// Package agent hosts the workers that drive the LLM CLI subprocess through
// the planning and execution stages.
package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// stopGrace is how long a subprocess gets between SIGTERM and SIGKILL.
const stopGrace = 10 * time.Second

// SubprocessConfig defines how to spawn one agent subprocess.
type SubprocessConfig struct {
	Command    string
	Args       []string
	Env        map[string]string
	WorkingDir string
}

// Subprocess manages the lifecycle of a single agent process. The process
// runs in its own group so the stop signal reaches every child.
type Subprocess struct {
	cfg        SubprocessConfig
	cmd        *exec.Cmd
	stdout     io.ReadCloser
	stderr     io.ReadCloser
	stderrTail *tailBuffer
	done       chan struct{}
	err        error
	pgid       int
	mu         sync.Mutex
}

// NewSubprocess creates a Subprocess from the given config.
func NewSubprocess(cfg SubprocessConfig) *Subprocess {
	return &Subprocess{cfg: cfg}
}

// Start launches the process with stdin closed; the task descriptor travels
// through the file named in the arguments, never through the pipe.
func (s *Subprocess) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return fmt.Errorf("subprocess already started")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cmd := exec.CommandContext(ctx, s.cfg.Command, s.cfg.Args...)
	if s.cfg.WorkingDir != "" {
		cmd.Dir = s.cfg.WorkingDir
	}
	if len(s.cfg.Env) > 0 {
		env := append([]string{}, os.Environ()...)
		for k, v := range s.cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return s.Stop() }

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start subprocess: %w", err)
	}
	s.cmd = cmd
	s.stdout = stdout
	s.stderr = stderr
	s.stderrTail = newTailBuffer(defaultStderrTail)
	s.done = make(chan struct{})

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		s.err = err
		close(s.done)
		s.mu.Unlock()
	}()

	if cmd.Process != nil {
		s.pgid, _ = syscall.Getpgid(cmd.Process.Pid)
	}
	return nil
}

// Stdout returns the process stdout pipe.
func (s *Subprocess) Stdout() io.ReadCloser {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdout
}

// Stderr returns the process stderr pipe.
func (s *Subprocess) Stderr() io.ReadCloser {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stderr
}

// StderrTail returns the retained tail of stderr for error reporting.
func (s *Subprocess) StderrTail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stderrTail == nil {
		return ""
	}
	return s.stderrTail.String()
}

// NoteStderr feeds a stderr line into the retained tail.
func (s *Subprocess) NoteStderr(line string) {
	s.mu.Lock()
	tail := s.stderrTail
	s.mu.Unlock()
	if tail != nil {
		_, _ = tail.Write(append([]byte(line), '\n'))
	}
}

// Wait blocks until the process exits and returns its exit error.
func (s *Subprocess) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop terminates the process group: SIGTERM, then SIGKILL after the grace
// window.
func (s *Subprocess) Stop() error {
	s.mu.Lock()
	cmd := s.cmd
	done := s.done
	pgid := s.pgid
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if pgid == 0 {
		pgid = cmd.Process.Pid
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	select {
	case <-done:
		return nil
	case <-time.After(stopGrace):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		return nil
	}
}

// ExitCode reports the process exit code, or -1 before exit.
func (s *Subprocess) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.ProcessState == nil {
		return -1
	}
	return s.cmd.ProcessState.ExitCode()
}

const defaultStderrTail = 8 * 1024

type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = defaultStderrTail
	}
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(p) >= t.max {
		t.buf = append(t.buf[:0], p[len(p)-t.max:]...)
		return len(p), nil
	}
	if len(t.buf)+len(p) > t.max {
		excess := len(t.buf) + len(p) - t.max
		t.buf = t.buf[excess:]
	}
	t.buf = append(t.buf, p...)
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.buf) == 0 {
		return ""
	}
	copyBuf := make([]byte, len(t.buf))
	copy(copyBuf, t.buf)
	return string(copyBuf)
}
