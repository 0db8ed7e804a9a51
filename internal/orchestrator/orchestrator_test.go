package orchestrator

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightfastai/e2eenv/internal/config"
	"github.com/lightfastai/e2eenv/internal/env"
	"github.com/lightfastai/e2eenv/internal/errors"
	"github.com/lightfastai/e2eenv/internal/health"
	"github.com/lightfastai/e2eenv/internal/hooks"
	"github.com/lightfastai/e2eenv/internal/patch"
	"github.com/lightfastai/e2eenv/internal/ports"
	"github.com/lightfastai/e2eenv/internal/supervisor"
)

const cypressConfig = `module.exports = { e2e: { baseUrl: 'http://localhost:3000' } }
`

type fakeSupervisor struct {
	mu       sync.Mutex
	started  []supervisor.Spec
	executed []supervisor.Spec
	stopAll  int

	startErr map[string]error
	panicOn  string
	execCode int
	onExec   func(spec supervisor.Spec)
}

func (f *fakeSupervisor) Start(ctx context.Context, spec supervisor.Spec) (*supervisor.Process, error) {
	f.mu.Lock()
	f.started = append(f.started, spec)
	f.mu.Unlock()

	if spec.Name == f.panicOn {
		panic("boom")
	}
	if err := f.startErr[spec.Name]; err != nil {
		return nil, err
	}
	return &supervisor.Process{Name: spec.Name, PID: 4000 + len(f.started), ReadyConfirmed: true}, nil
}

func (f *fakeSupervisor) Exec(ctx context.Context, spec supervisor.Spec) (int, error) {
	f.mu.Lock()
	f.executed = append(f.executed, spec)
	f.mu.Unlock()

	if f.onExec != nil {
		f.onExec(spec)
	}
	return f.execCode, nil
}

func (f *fakeSupervisor) StopAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopAll++
}

func (f *fakeSupervisor) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for _, s := range f.started {
		names = append(names, s.Name)
	}
	return names
}

type fakeAllocator struct {
	ports map[ports.Role]int
	err   error
}

func (f *fakeAllocator) Allocate(role ports.Role, preferred, low, high int) (ports.Assignment, error) {
	if f.err != nil {
		return ports.Assignment{}, f.err
	}
	return ports.Assignment{Role: role, Port: f.ports[role], RangeLow: low, RangeHigh: high}, nil
}

func healthy(ctx context.Context, url string, timeout time.Duration) health.Probe {
	return health.Probe{URL: url, Healthy: true, Attempts: 1}
}

type testRun struct {
	o          *Orchestrator
	sup        *fakeSupervisor
	root       string
	target     string
	notified   int
	stopNotify int
}

func newTestRun(t *testing.T) *testRun {
	t.Helper()

	root := t.TempDir()
	target := filepath.Join(root, "cypress.config.js")
	require.NoError(t, os.WriteFile(target, []byte(cypressConfig), 0o644))

	cfg := config.Default()
	cfg.Frontend.Env = map[string]string{"PUBLIC_URL": "${FRONTEND_URL}"}

	tr := &testRun{sup: &fakeSupervisor{}, root: root, target: target}
	o := New(cfg, root)
	o.supervisor = tr.sup
	o.allocator = &fakeAllocator{ports: map[ports.Role]int{ports.RoleFrontend: 3007, ports.RoleBackend: 5009}}
	o.health = healthy
	o.testOutput = io.Discard
	o.notify = func(chan<- os.Signal, ...os.Signal) { tr.notified++ }
	o.stopNotify = func(chan<- os.Signal) { tr.stopNotify++ }
	tr.o = o
	return tr
}

func (tr *testRun) assertCleanedUp(t *testing.T) {
	t.Helper()

	assert.Equal(t, 1, tr.sup.stopAll, "StopAll must run exactly once")
	assert.Equal(t, 1, tr.stopNotify, "signal handlers must be released")

	got, err := os.ReadFile(tr.target)
	require.NoError(t, err)
	assert.Equal(t, cypressConfig, string(got), "patched file must be restored")

	_, err = os.Stat(filepath.Join(tr.root, ".env.e2e"))
	assert.True(t, os.IsNotExist(err), "env file must be removed")

	backups, err := filepath.Glob(tr.target + ".e2eenv-*.bak")
	require.NoError(t, err)
	assert.Empty(t, backups)

	entries, err := tr.o.manifest.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func envOf(spec supervisor.Spec) map[string]string {
	return spec.Env
}

func TestRunSuccess(t *testing.T) {
	tr := newTestRun(t)

	var duringTests struct {
		config  string
		envVars map[string]string
	}
	tr.sup.onExec = func(spec supervisor.Spec) {
		data, _ := os.ReadFile(tr.target)
		duringTests.config = string(data)
		duringTests.envVars, _ = env.LoadEnvFile(filepath.Join(tr.root, ".env.e2e"))
	}

	out := tr.o.Run(context.Background())

	require.NoError(t, out.Cause)
	assert.Equal(t, 0, out.ExitCode)
	assert.Equal(t, PhaseDone, out.Phase)
	assert.Equal(t, PhaseDone, tr.o.Phase())
	assert.Equal(t, 3007, out.Frontend.Port)
	assert.Equal(t, 5009, out.Backend.Port)
	assert.Equal(t, 1, tr.notified)

	assert.Equal(t, []string{"backend", "frontend"}, tr.sup.names(), "backend starts before frontend")

	assert.Contains(t, duringTests.config, "baseUrl: 'http://localhost:3007'")
	assert.Equal(t, map[string]string{
		"PORT":              "3007",
		"REACT_APP_API_URL": "http://localhost:5009/api",
		"SERVER_PORT":       "5009",
		"NODE_ENV":          "test",
		"BROWSER":           "none",
	}, duringTests.envVars)

	backend := envOf(tr.sup.started[0])
	assert.Equal(t, "5009", backend["SERVER_PORT"])
	assert.Equal(t, "http://localhost:3007", envOf(tr.sup.started[1])["PUBLIC_URL"])

	require.Len(t, tr.sup.executed, 1)
	testEnv := envOf(tr.sup.executed[0])
	assert.Equal(t, "http://localhost:3007", testEnv["CYPRESS_BASE_URL"])
	assert.Equal(t, []string{"npx", "cypress", "run"}, tr.sup.executed[0].Command)

	assert.Equal(t, 0, out.Summary.ExitCode)
	assert.Equal(t, 0, out.Summary.Errors)

	tr.assertCleanedUp(t)
}

func TestRunTestFailure(t *testing.T) {
	tr := newTestRun(t)
	tr.sup.execCode = 2

	out := tr.o.Run(context.Background())

	assert.Equal(t, 1, out.ExitCode)
	assert.Equal(t, PhaseRunningTests, out.Phase)
	assert.True(t, errors.IsType(out.Cause, errors.ErrTestsFailed))
	tr.assertCleanedUp(t)
}

func TestRunBackendExitsBeforeReady(t *testing.T) {
	tr := newTestRun(t)
	tr.sup.startErr = map[string]error{
		"backend": errors.ProcessExited("backend", 1, []string{"Error: Cannot find module 'express'"}),
	}

	out := tr.o.Run(context.Background())

	assert.Equal(t, 1, out.ExitCode)
	assert.Equal(t, PhaseStartingBackend, out.Phase)
	assert.True(t, errors.IsType(out.Cause, errors.ErrProcessExited))
	assert.Equal(t, []string{"backend"}, tr.sup.names(), "frontend must not start")
	assert.Empty(t, tr.sup.executed)
	tr.assertCleanedUp(t)
}

func TestRunPanicDuringFrontendStart(t *testing.T) {
	tr := newTestRun(t)
	tr.sup.panicOn = "frontend"

	out := tr.o.Run(context.Background())

	assert.Equal(t, 1, out.ExitCode)
	assert.Equal(t, PhaseStartingFrontend, out.Phase)
	require.Error(t, out.Cause)
	assert.Contains(t, out.Cause.Error(), "panic while starting frontend: boom")
	tr.assertCleanedUp(t)
}

func TestRunInterrupted(t *testing.T) {
	tr := newTestRun(t)
	tr.o.health = func(ctx context.Context, url string, timeout time.Duration) health.Probe {
		if strings.Contains(url, "3007") {
			tr.o.signals <- syscall.SIGINT
			<-ctx.Done()
			return health.Probe{URL: url, LastError: ctx.Err()}
		}
		return healthy(ctx, url, timeout)
	}

	out := tr.o.Run(context.Background())

	assert.Equal(t, 1, out.ExitCode)
	assert.Equal(t, PhaseAwaitingFrontendHealth, out.Phase)
	assert.True(t, errors.IsType(out.Cause, errors.ErrInterrupted))
	assert.ErrorIs(t, out.Cause, context.Canceled)
	assert.Empty(t, tr.sup.executed, "tests must not run after an interrupt")
	tr.assertCleanedUp(t)
}

func TestRunHealthTimeout(t *testing.T) {
	unhealthyBackend := func(ctx context.Context, url string, timeout time.Duration) health.Probe {
		if strings.Contains(url, "5009") {
			return health.Probe{URL: url, Attempts: 3, Elapsed: timeout, LastError: assert.AnError}
		}
		return healthy(ctx, url, timeout)
	}

	t.Run("lenient continues", func(t *testing.T) {
		tr := newTestRun(t)
		tr.o.health = unhealthyBackend

		out := tr.o.Run(context.Background())

		require.NoError(t, out.Cause)
		assert.Equal(t, 0, out.ExitCode)
		assert.Equal(t, 1, out.Summary.Warnings)
		tr.assertCleanedUp(t)
	})

	t.Run("strict fails", func(t *testing.T) {
		tr := newTestRun(t)
		tr.o.health = unhealthyBackend
		tr.o.cfg.Strict = true

		out := tr.o.Run(context.Background())

		assert.Equal(t, 1, out.ExitCode)
		assert.Equal(t, PhaseAwaitingBackendHealth, out.Phase)
		assert.True(t, errors.IsType(out.Cause, errors.ErrHealthTimeout))
		assert.Equal(t, []string{"backend"}, tr.sup.names())
		tr.assertCleanedUp(t)
	})
}

func TestRunNoPortAvailable(t *testing.T) {
	tr := newTestRun(t)
	tr.o.allocator = &fakeAllocator{err: errors.NoPortAvailable("frontend", 3000, 3000, 3999)}

	out := tr.o.Run(context.Background())

	assert.Equal(t, 1, out.ExitCode)
	assert.Equal(t, PhaseAllocatingPorts, out.Phase)
	assert.True(t, errors.IsType(out.Cause, errors.ErrNoPortAvailable))
	assert.Empty(t, tr.sup.names())
	tr.assertCleanedUp(t)
}

func TestRunPatchPatternNotFound(t *testing.T) {
	tr := newTestRun(t)
	require.NoError(t, os.WriteFile(tr.target, []byte(cypressConfig), 0o644))
	tr.o.cfg.Patches = append(tr.o.cfg.Patches, config.Patch{
		File:    "cypress.config.js",
		Pattern: `apiUrl: '[^']*'`,
		Replace: "apiUrl: '${BACKEND_URL}'",
	})

	out := tr.o.Run(context.Background())

	assert.Equal(t, 1, out.ExitCode)
	assert.Equal(t, PhasePatchingConfig, out.Phase)
	assert.True(t, errors.IsType(out.Cause, errors.ErrPatchFailed))
	assert.ErrorIs(t, out.Cause, patch.ErrPatternNotFound)
	assert.Empty(t, tr.sup.names())
	tr.assertCleanedUp(t)
}

func TestRunRecoversStaleBackups(t *testing.T) {
	tr := newTestRun(t)

	// A previous run patched the file and was killed before restoring it
	crashed := patch.NewPatcher(tr.o.fs, "crashed", tr.o.manifest)
	fn, err := patch.RegexTransform(`localhost:\d+`, "localhost:3999")
	require.NoError(t, err)
	require.NoError(t, crashed.Patch(tr.target, fn))

	var duringTests string
	tr.sup.onExec = func(supervisor.Spec) {
		data, _ := os.ReadFile(tr.target)
		duringTests = string(data)
	}

	out := tr.o.Run(context.Background())

	require.NoError(t, out.Cause)
	assert.Contains(t, duringTests, "localhost:3007")
	tr.assertCleanedUp(t)
}

func TestRunKeepsExistingEnvFile(t *testing.T) {
	tr := newTestRun(t)
	envFile := filepath.Join(tr.root, ".env.e2e")
	userEnv := "SECRET=keepme\n"
	require.NoError(t, os.WriteFile(envFile, []byte(userEnv), 0o600))

	var duringTests map[string]string
	tr.sup.onExec = func(supervisor.Spec) {
		duringTests, _ = env.LoadEnvFile(envFile)
	}

	out := tr.o.Run(context.Background())
	require.NoError(t, out.Cause)

	assert.Equal(t, "3007", duringTests["PORT"])
	assert.NotContains(t, duringTests, "SECRET")

	got, err := os.ReadFile(envFile)
	require.NoError(t, err)
	assert.Equal(t, userEnv, string(got), "user's env file must survive the run")

	info, err := os.Stat(envFile)
	require.NoError(t, err)
	if runtime.GOOS != "windows" {
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}

	entries, err := tr.o.manifest.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunLeavesActiveRunBackupsAlone(t *testing.T) {
	tr := newTestRun(t)

	other := filepath.Join(tr.root, "other.config.js")
	require.NoError(t, os.WriteFile(other, []byte("patched by a live run\n"), 0o644))
	backup := other + ".e2eenv-1.bak"
	require.NoError(t, os.WriteFile(backup, []byte("original\n"), 0o644))
	// Our parent process stands in for a concurrent run that is still alive
	live := patch.Entry{OriginalPath: other, BackupPath: backup, RunID: "live", PID: os.Getppid()}
	require.NoError(t, tr.o.manifest.Add(live))

	out := tr.o.Run(context.Background())
	require.NoError(t, out.Cause)

	got, err := os.ReadFile(other)
	require.NoError(t, err)
	assert.Equal(t, "patched by a live run\n", string(got))

	entries, err := tr.o.manifest.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "live", entries[0].RunID)
}

func TestRunPreStartHookOverrides(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("hook scripts are shell scripts")
	}

	tr := newTestRun(t)
	hookDir := filepath.Join(tr.root, hooks.Dir)
	require.NoError(t, os.MkdirAll(hookDir, 0o755))
	script := "#!/bin/sh\necho \"backend:DATABASE_URL=postgres://localhost/e2e_$E2EENV_BACKEND_PORT\"\necho \"test:CYPRESS_RETRIES=2\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(hookDir, "db.sh"), []byte(script), 0o755))
	tr.o.cfg.Hooks = map[string][]string{"preStart": {"db.sh"}}

	out := tr.o.Run(context.Background())
	require.NoError(t, out.Cause)

	assert.Equal(t, "postgres://localhost/e2e_5009", envOf(tr.sup.started[0])["DATABASE_URL"])
	assert.NotContains(t, envOf(tr.sup.started[1]), "DATABASE_URL")
	assert.Equal(t, "2", envOf(tr.sup.executed[0])["CYPRESS_RETRIES"])
}

func TestCleanupRunsOnce(t *testing.T) {
	tr := newTestRun(t)

	tr.o.cleanup()
	tr.o.cleanup()

	assert.Equal(t, 1, tr.sup.stopAll)
	assert.Equal(t, PhaseCleaningUp, tr.o.Phase())
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "idle", PhaseIdle.String())
	assert.Equal(t, "awaiting frontend health", PhaseAwaitingFrontendHealth.String())
	assert.Equal(t, "unknown", Phase(99).String())
}
