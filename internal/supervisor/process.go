package supervisor

import (
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a supervised process
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateExited
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Process is a child process owned by a Supervisor
type Process struct {
	Name      string
	Command   []string
	PID       int
	StartedAt time.Time
	// ReadyConfirmed is true when a readiness line was observed, false when
	// Start gave up waiting and assumed the process was up
	ReadyConfirmed bool

	cmd   *exec.Cmd
	state atomic.Int32

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	drained   chan struct{}
	exitCode  int
	waitErr   error

	outputs   []*os.File
	closeOnce sync.Once

	tail *tail
}

// State returns the current lifecycle state
func (p *Process) State() State {
	return State(p.state.Load())
}

func (p *Process) setState(s State) {
	p.state.Store(int32(s))
}

// Done is closed once the process has exited. Output still held open by a
// background child does not delay it.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode returns the exit code, or -1 if the process was killed by a signal.
// Only meaningful after Done is closed.
func (p *Process) ExitCode() int {
	<-p.done
	return p.exitCode
}

// LastOutput returns the most recent output lines
func (p *Process) LastOutput() []string {
	return p.tail.Lines()
}

func (p *Process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// closeOutputs releases the read ends of the output pipes, unblocking the
// pumps if something in the process group still holds the write ends
func (p *Process) closeOutputs() {
	p.closeOnce.Do(func() {
		for _, f := range p.outputs {
			_ = f.Close()
		}
	})
}

func (p *Process) markReady() {
	p.readyOnce.Do(func() { close(p.ready) })
}

// matcher does case-insensitive substring matching against a fixed set of patterns
type matcher []string

func newMatcher(patterns []string) matcher {
	m := make(matcher, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			m = append(m, strings.ToLower(p))
		}
	}
	return m
}

func (m matcher) Match(line string) bool {
	if len(m) == 0 {
		return false
	}
	lower := strings.ToLower(line)
	for _, p := range m {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// tail keeps the last n lines written to it
type tail struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newTail(max int) *tail {
	return &tail{max: max}
}

func (t *tail) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *tail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}
