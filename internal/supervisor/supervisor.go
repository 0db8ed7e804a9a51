// Package supervisor launches child processes, watches their output for
// readiness, and stops them with a graceful signal followed by a hard kill.
package supervisor

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lightfastai/e2eenv/internal/env"
	"github.com/lightfastai/e2eenv/internal/errors"
	"github.com/lightfastai/e2eenv/internal/logger"
)

const (
	// DefaultGrace is how long Stop waits after SIGTERM before SIGKILL
	DefaultGrace = 5 * time.Second
	// DefaultReadyTimeout bounds how long Start waits for a readiness line
	DefaultReadyTimeout = 3 * time.Minute

	tailLines     = 20
	maxLineLength = 1024 * 1024
	drainGrace    = 500 * time.Millisecond
)

// ErrEmptyCommand is returned for a Spec without a command
var ErrEmptyCommand = stderrors.New("empty command")

// Spec describes a process to launch
type Spec struct {
	Name    string
	Command []string
	// Env is layered over the parent environment
	Env map[string]string
	Dir string

	ReadyPatterns []string
	ErrorPatterns []string
	ReadyTimeout  time.Duration
	// Strict turns a readiness timeout into an error
	Strict bool

	// Output receives every output line verbatim. When nil, lines are logged
	// at verbose level with a [name] prefix.
	Output io.Writer
}

// Supervisor tracks every process it started until they are stopped
type Supervisor struct {
	grace time.Duration

	mu    sync.Mutex
	procs []*Process
	outMu sync.Mutex
}

// New creates a Supervisor. A zero grace uses DefaultGrace.
func New(grace time.Duration) *Supervisor {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Supervisor{grace: grace}
}

// Processes returns every tracked process, oldest first
func (s *Supervisor) Processes() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Process(nil), s.procs...)
}

// Start launches spec and blocks until the process prints a readiness line,
// exits, the readiness timeout passes, or ctx is cancelled.
//
// A non-zero exit before readiness is an error. A zero exit returns the
// process in StateExited. On timeout the process is assumed to be up unless
// spec.Strict is set. The process stays tracked in every case, so StopAll
// still reaches it.
func (s *Supervisor) Start(ctx context.Context, spec Spec) (*Process, error) {
	p, err := s.launch(spec)
	if err != nil {
		return nil, err
	}

	timeout := spec.ReadyTimeout
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.ready:
		p.ReadyConfirmed = true
		p.setState(StateRunning)
		logger.Verbose("%s is ready (pid %d, %s)", p.Name, p.PID, time.Since(p.StartedAt).Round(time.Millisecond))
		return p, nil

	case <-p.done:
		// A readiness line printed just before exiting still counts
		select {
		case <-p.ready:
			p.ReadyConfirmed = true
		default:
		}
		if p.exitCode != 0 && !p.ReadyConfirmed {
			return nil, errors.ProcessExited(p.Name, p.exitCode, p.LastOutput())
		}
		logger.Warn("%s exited with code %d before reporting readiness", p.Name, p.exitCode)
		return p, nil

	case <-timer.C:
		if spec.Strict {
			return p, errors.ReadinessTimeout(p.Name, timeout.String())
		}
		logger.Warn("%s printed no readiness line within %s, assuming it is up", p.Name, timeout)
		p.setState(StateRunning)
		return p, nil

	case <-ctx.Done():
		return p, ctx.Err()
	}
}

// Exec runs spec to completion and returns its exit code. If ctx is cancelled
// the process is stopped and ctx.Err() is returned.
func (s *Supervisor) Exec(ctx context.Context, spec Spec) (int, error) {
	p, err := s.launch(spec)
	if err != nil {
		return -1, err
	}
	p.setState(StateRunning)

	select {
	case <-p.done:
		return p.exitCode, nil
	case <-ctx.Done():
		if err := s.Stop(p); err != nil {
			logger.Warn("Failed to stop %s: %v", p.Name, err)
		}
		return -1, ctx.Err()
	}
}

func (s *Supervisor) launch(spec Spec) (*Process, error) {
	if len(spec.Command) == 0 {
		return nil, errors.ProcessStartFailed(spec.Name, spec.Command, ErrEmptyCommand)
	}

	// #nosec G204 - commands come from the project's own e2eenv.config.yml
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = env.BuildExecEnv(spec.Env)
	setProcessGroup(cmd)

	// Plain pipes instead of StdoutPipe: Wait must not block on a grandchild
	// that inherited the write ends and keeps them open.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, errors.ProcessStartFailed(spec.Name, spec.Command, err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdoutR, stdoutW)
		return nil, errors.ProcessStartFailed(spec.Name, spec.Command, err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	logger.Debug("Starting %s: %v (dir %q)", spec.Name, spec.Command, spec.Dir)
	err = cmd.Start()
	closeAll(stdoutW, stderrW)
	if err != nil {
		closeAll(stdoutR, stderrR)
		return nil, errors.ProcessStartFailed(spec.Name, spec.Command, err)
	}

	p := &Process{
		Name:      spec.Name,
		Command:   spec.Command,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		cmd:       cmd,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		drained:   make(chan struct{}),
		outputs:   []*os.File{stdoutR, stderrR},
		tail:      newTail(tailLines),
	}
	p.setState(StateStarting)

	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.mu.Unlock()

	readyM := newMatcher(spec.ReadyPatterns)
	errorM := newMatcher(spec.ErrorPatterns)

	var g errgroup.Group
	g.Go(func() error { return s.pump(p, stdoutR, spec.Output, readyM, errorM) })
	g.Go(func() error { return s.pump(p, stderrR, spec.Output, readyM, errorM) })

	go func() {
		if err := g.Wait(); err != nil {
			logger.Debug("%s output: %v", p.Name, err)
		}
		p.closeOutputs()
		close(p.drained)
	}()

	go func() {
		p.waitErr = cmd.Wait()
		p.exitCode = exitCode(p.waitErr)

		// Lines written just before exit are usually still in the pipe
		select {
		case <-p.drained:
		case <-time.After(drainGrace):
			logger.Debug("%s exited but its output is still open, not waiting for EOF", p.Name)
		}

		p.setState(StateExited)
		logger.Debug("%s (pid %d) exited with code %d", p.Name, p.PID, p.exitCode)
		close(p.done)
	}()

	return p, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// pump reads r line by line until EOF, recording, echoing and matching each line
func (s *Supervisor) pump(p *Process, r io.Reader, out io.Writer, readyM, errorM matcher) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineLength)

	for scanner.Scan() {
		line := scanner.Text()
		p.tail.Add(line)

		if out != nil {
			s.outMu.Lock()
			_, _ = fmt.Fprintln(out, line)
			s.outMu.Unlock()
		} else {
			logger.Verbose("[%s] %s", p.Name, line)
		}

		if errorM.Match(line) {
			logger.Error("%s reported: %s", p.Name, line)
		}
		if readyM.Match(line) {
			p.markReady()
		}
	}

	err := scanner.Err()
	if err != nil {
		// Keep the child from blocking on a full pipe
		_, _ = io.Copy(io.Discard, r)
	}
	return err
}

// Stop sends SIGTERM to the process group, waits for the grace period, then
// sends SIGKILL. Stopping an exited process is a no-op.
func (s *Supervisor) Stop(p *Process) error {
	if p.exited() {
		// Reap anything the leader left behind in its group
		_ = kill(p.PID)
		p.closeOutputs()
		return nil
	}

	logger.Verbose("Stopping %s (pid %d)", p.Name, p.PID)
	if err := terminate(p.PID); err != nil {
		logger.Debug("SIGTERM to %s failed: %v", p.Name, err)
	}

	select {
	case <-p.done:
		_ = kill(p.PID)
		p.closeOutputs()
		return nil
	case <-time.After(s.grace):
	}

	logger.Warn("%s did not exit within %s, killing it", p.Name, s.grace)
	if err := kill(p.PID); err != nil {
		return fmt.Errorf("failed to kill %s (pid %d): %w", p.Name, p.PID, err)
	}

	select {
	case <-p.done:
		p.closeOutputs()
		return nil
	case <-time.After(s.grace):
		return fmt.Errorf("%s (pid %d) still running after SIGKILL", p.Name, p.PID)
	}
}

// StopAll stops every tracked process, newest first. Failures are logged and
// never returned. It may be called any number of times.
func (s *Supervisor) StopAll() {
	procs := s.Processes()
	for i := len(procs) - 1; i >= 0; i-- {
		if err := s.Stop(procs[i]); err != nil {
			logger.Error("%v", err)
		}
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
