package ffmpeg

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/amps-project/amps/internal/observability"
)

// stderrTailSize bounds how many recent stderr lines are retained for
// failure diagnostics.
const stderrTailSize = 100

// Command runs one transcoder child. Stdout is exposed as a pipe for
// the fan-out reader; stderr is drained continuously so the child never
// blocks on it, with the most recent lines kept for error reports.
type Command struct {
	plan   *Plan
	logger *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdout   io.ReadCloser
	started  time.Time
	waitErr  error
	waitDone chan struct{}

	stderrMu   sync.RWMutex
	stderrTail []string
	stderrDone chan struct{}
}

// NewCommand wraps a plan for execution.
func NewCommand(plan *Plan, logger *slog.Logger) *Command {
	if logger == nil {
		logger = slog.Default()
	}
	return &Command{
		plan:   plan,
		logger: observability.WithComponent(logger, "ffmpeg"),
	}
}

// String renders the command line for logs.
func (c *Command) String() string {
	return strings.Join(c.plan.Argv, " ")
}

// Plan returns the plan this command was built from.
func (c *Command) Plan() *Plan { return c.plan }

// Start launches the child. For piped plans Stdout() is readable after
// Start returns; segmented plans inherit /dev/null stdout.
func (c *Command) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd != nil {
		return fmt.Errorf("command already started")
	}

	cmd := exec.Command(c.plan.Argv[0], c.plan.Argv[1:]...)
	cmd.Env = c.plan.Env
	cmd.Dir = c.plan.Dir
	cmd.Stdin = nil

	if c.plan.PipeStdout {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("stdout pipe: %w", err)
		}
		c.stdout = stdout
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", c.plan.Argv[0], err)
	}
	c.cmd = cmd
	c.started = time.Now()
	c.stderrDone = make(chan struct{})
	go c.captureStderr(stderr)

	c.logger.Debug("child started",
		slog.Int("pid", cmd.Process.Pid),
		slog.String("command", c.String()))
	return nil
}

// captureStderr drains the child's stderr, keeping a bounded tail.
func (c *Command) captureStderr(r io.Reader) {
	defer close(c.stderrDone)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		c.stderrMu.Lock()
		c.stderrTail = append(c.stderrTail, line)
		if len(c.stderrTail) > stderrTailSize {
			c.stderrTail = c.stderrTail[len(c.stderrTail)-stderrTailSize:]
		}
		c.stderrMu.Unlock()
		c.logger.Debug("child stderr", slog.String("line", line))
	}
}

// Stdout returns the piped stdout reader, nil for segmented plans.
func (c *Command) Stdout() io.ReadCloser {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stdout
}

// PID returns the child's process id, 0 before Start.
func (c *Command) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Started returns when the child was launched.
func (c *Command) Started() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Signal delivers sig to the child.
func (c *Command) Signal(sig os.Signal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil || c.cmd.Process == nil {
		return fmt.Errorf("command not started")
	}
	err := c.cmd.Process.Signal(sig)
	if err != nil && err == os.ErrProcessDone {
		return nil
	}
	return err
}

// Terminate asks the child to exit with SIGTERM.
func (c *Command) Terminate() error { return c.Signal(syscall.SIGTERM) }

// Kill forcibly ends the child.
func (c *Command) Kill() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil || c.cmd.Process == nil {
		return fmt.Errorf("command not started")
	}
	if err := c.cmd.Process.Kill(); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}

// Wait blocks until the child exits and returns its exit error. Safe to
// call from multiple goroutines; all callers observe the same result.
func (c *Command) Wait() error {
	c.mu.Lock()
	if c.cmd == nil {
		c.mu.Unlock()
		return fmt.Errorf("command not started")
	}
	if c.waitDone != nil {
		done := c.waitDone
		c.mu.Unlock()
		<-done
		c.mu.Lock()
		err := c.waitErr
		c.mu.Unlock()
		return err
	}
	done := make(chan struct{})
	c.waitDone = done
	cmd := c.cmd
	c.mu.Unlock()

	// cmd.Wait closes the stderr pipe, so the tail reader must finish
	// before it runs or trailing lines are lost.
	if c.stderrDone != nil {
		<-c.stderrDone
	}
	err := cmd.Wait()

	c.mu.Lock()
	c.waitErr = err
	c.mu.Unlock()
	close(done)
	return err
}

// StderrTail returns a copy of the retained stderr lines.
func (c *Command) StderrTail() []string {
	c.stderrMu.RLock()
	defer c.stderrMu.RUnlock()
	out := make([]string, len(c.stderrTail))
	copy(out, c.stderrTail)
	return out
}
