// Package orchestrator drives one end-to-end test run: allocate ports, patch
// config, boot backend then frontend, run the tests, and tear everything down
// on every exit path.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/lightfastai/e2eenv/internal/config"
	"github.com/lightfastai/e2eenv/internal/env"
	"github.com/lightfastai/e2eenv/internal/errors"
	"github.com/lightfastai/e2eenv/internal/health"
	"github.com/lightfastai/e2eenv/internal/hooks"
	"github.com/lightfastai/e2eenv/internal/logger"
	"github.com/lightfastai/e2eenv/internal/patch"
	"github.com/lightfastai/e2eenv/internal/ports"
	"github.com/lightfastai/e2eenv/internal/supervisor"
)

// teardownHookTimeout bounds postTeardown hooks, which run after the run
// context may already be cancelled
const teardownHookTimeout = time.Minute

// Supervisor starts and stops child processes
type Supervisor interface {
	Start(ctx context.Context, spec supervisor.Spec) (*supervisor.Process, error)
	Exec(ctx context.Context, spec supervisor.Spec) (int, error)
	StopAll()
}

// PortAllocator hands out one port per role
type PortAllocator interface {
	Allocate(role ports.Role, preferred, low, high int) (ports.Assignment, error)
}

// HealthFunc waits for url to answer
type HealthFunc func(ctx context.Context, url string, timeout time.Duration) health.Probe

// Outcome is the result of a run
type Outcome struct {
	// ExitCode is 0 only when the test command exited 0
	ExitCode int
	// Phase is PhaseDone on success, otherwise the phase that failed
	Phase Phase
	Cause error

	Frontend ports.Assignment
	Backend  ports.Assignment
	Summary  *health.Result
}

// Orchestrator owns every resource of one run. Create one per invocation.
type Orchestrator struct {
	cfg   *config.Config
	root  string
	runID string

	fs         afero.Fs
	manifest   *patch.Manifest
	patcher    *patch.Patcher
	allocator  PortAllocator
	supervisor Supervisor
	health     HealthFunc
	hooks      *hooks.Manager
	envFile    string
	testOutput io.Writer

	mu          sync.Mutex
	phase       Phase
	interrupted os.Signal
	summary     *health.Result
	vars        env.RunVars
	exitCode    int

	cleanupOnce sync.Once
	signals     chan os.Signal
	notify      func(c chan<- os.Signal, sig ...os.Signal)
	stopNotify  func(c chan<- os.Signal)
}

// New creates an Orchestrator for cfg, whose config file lives in root
func New(cfg *config.Config, root string) *Orchestrator {
	runID := uuid.NewString()
	fs := afero.NewOsFs()
	manifest := patch.NewManifest(filepath.Join(root, config.StateDirName))
	checker := health.NewChecker(cfg.Timeouts.HealthInterval.Std())

	return &Orchestrator{
		cfg:        cfg,
		root:       root,
		runID:      runID,
		fs:         fs,
		manifest:   manifest,
		patcher:    patch.NewPatcher(fs, runID, manifest),
		allocator:  ports.NewAllocator(),
		supervisor: supervisor.New(cfg.Timeouts.StopGrace.Std()),
		health:     checker.WaitUntilHealthy,
		hooks:      hooks.NewManager(cfg, root),
		envFile:    filepath.Join(root, cfg.Env.File),
		testOutput: os.Stdout,
		summary:    health.NewResult("e2eenv Run Summary"),
		signals:    make(chan os.Signal, 2),
		notify:     signal.Notify,
		stopNotify: signal.Stop,
	}
}

// RunID identifies this run in backups and hook environments
func (o *Orchestrator) RunID() string {
	return o.runID
}

// Phase returns the current phase
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
	logger.Debug("phase: %s", p)
}

// Run executes the whole run and always cleans up before returning. SIGINT
// and SIGTERM cancel the run; a panic inside Run is recovered and reported
// as the failure cause.
func (o *Orchestrator) Run(ctx context.Context) (out Outcome) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.notify(o.signals, os.Interrupt, syscall.SIGTERM)
	go o.watchSignals(ctx, cancel)

	defer func() {
		if r := recover(); r != nil {
			logger.Debug("%s", debug.Stack())
			out.Cause = fmt.Errorf("panic while %s: %v", o.Phase(), r)
		}

		out.Phase = PhaseDone
		if out.Cause != nil {
			out.Phase = o.Phase()
			out.ExitCode = 1
			if sig := o.signal(); sig != nil && !errors.IsType(out.Cause, errors.ErrInterrupted) {
				out.Cause = errors.Interrupted(sig.String()).WithCause(out.Cause)
			}
			o.summary.AddCheck(health.NewCheck("Run", health.StatusError, fmt.Sprintf("Failed while %s", out.Phase)).
				WithError(out.Cause))
		}

		o.mu.Lock()
		o.exitCode = out.ExitCode
		o.mu.Unlock()

		o.cleanup()

		out.Summary = o.summary
		o.summary.ExitCode = out.ExitCode
		o.setPhase(PhaseDone)
	}()

	out.Cause = o.run(ctx, &out)
	return out
}

func (o *Orchestrator) watchSignals(ctx context.Context, cancel context.CancelFunc) {
	select {
	case sig := <-o.signals:
		o.mu.Lock()
		o.interrupted = sig
		o.mu.Unlock()
		logger.Warn("Received %s, shutting down", sig)
		cancel()
	case <-ctx.Done():
	}
}

func (o *Orchestrator) signal() os.Signal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.interrupted
}

func (o *Orchestrator) run(ctx context.Context, out *Outcome) error {
	o.recoverStaleBackups()

	o.setPhase(PhaseAllocatingPorts)
	frontend, backend, err := o.allocatePorts()
	if err != nil {
		return err
	}
	out.Frontend, out.Backend = frontend, backend

	o.vars = env.RunVars{
		FrontendPort: frontend.Port,
		BackendPort:  backend.Port,
		APIPath:      o.cfg.Env.APIPath,
		NodeEnv:      o.cfg.Env.NodeEnv,
	}
	placeholders := o.vars.Placeholders()

	o.setPhase(PhasePatchingConfig)
	if err := o.applyPatches(placeholders); err != nil {
		return err
	}
	if err := o.writeEnvFile(); err != nil {
		return err
	}

	overrides, err := o.hooks.Execute(ctx, hooks.PreStart, o.hookContext())
	if err != nil {
		return err
	}

	o.setPhase(PhaseStartingBackend)
	if err := o.startServer(ctx, "backend", o.cfg.Backend, overrides.For(hooks.ScopeBackend)); err != nil {
		return err
	}

	o.setPhase(PhaseAwaitingBackendHealth)
	if err := o.awaitHealth(ctx, "Backend", env.Expand(o.cfg.Backend.HealthURL, placeholders)); err != nil {
		return err
	}

	o.setPhase(PhaseStartingFrontend)
	if err := o.startServer(ctx, "frontend", o.cfg.Frontend, overrides.For(hooks.ScopeFrontend)); err != nil {
		return err
	}

	o.setPhase(PhaseAwaitingFrontendHealth)
	if err := o.awaitHealth(ctx, "Frontend", env.Expand(o.cfg.Frontend.HealthURL, placeholders)); err != nil {
		return err
	}

	o.setPhase(PhaseRunningTests)
	return o.runTests(ctx, overrides.For(hooks.ScopeTest))
}

// writeEnvFile writes the run env file through the patcher, so a file the
// user already had is backed up and restored instead of lost
func (o *Orchestrator) writeEnvFile() error {
	data, err := env.RenderEnvFile(o.vars.FileVars())
	if err != nil {
		return errors.EnvWriteFailed(o.envFile, err)
	}
	if err := o.patcher.Generate(o.envFile, data); err != nil {
		return errors.EnvWriteFailed(o.envFile, err)
	}
	return nil
}

// recoverStaleBackups restores files left patched by a run that was killed
// before it could clean up. Entries of a run that is still going are left alone.
func (o *Orchestrator) recoverStaleBackups() {
	entries, err := o.manifest.Entries()
	if err != nil {
		logger.Warn("Cannot read backup manifest: %v", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	restored, skipped, err := patch.Recover(o.fs, o.manifest, false)
	if err != nil {
		logger.Error("%v", err)
	}
	if restored > 0 {
		logger.Warn("Restored %d file(s) left patched by an earlier run", restored)
	}
	if skipped > 0 {
		logger.Warn("%d file(s) belong to another e2eenv run that is still active", skipped)
	}
}

func (o *Orchestrator) allocatePorts() (ports.Assignment, ports.Assignment, error) {
	allocate := func(role ports.Role, s config.Server) (ports.Assignment, error) {
		a, err := o.allocator.Allocate(role, s.Port, s.PortRange.Low, s.PortRange.High)
		if err != nil {
			return a, err
		}
		if a.Port != s.Port {
			owner := ""
			if a.HeldBy != "" {
				owner = " by " + a.HeldBy
			}
			logger.Warn("Preferred %s port %d is in use%s, using %d", role, s.Port, owner, a.Port)
		}
		return a, nil
	}

	backend, err := allocate(ports.RoleBackend, o.cfg.Backend)
	if err != nil {
		return ports.Assignment{}, ports.Assignment{}, err
	}
	frontend, err := allocate(ports.RoleFrontend, o.cfg.Frontend)
	if err != nil {
		return ports.Assignment{}, ports.Assignment{}, err
	}

	logger.Success("Ports: %s %s", frontend, backend)
	o.summary.AddCheck(health.NewCheck("Ports", health.StatusPass, fmt.Sprintf("%s %s", frontend, backend)))
	return frontend, backend, nil
}

func (o *Orchestrator) applyPatches(placeholders map[string]string) error {
	for _, p := range o.cfg.Patches {
		fn, err := patch.RegexTransform(p.Pattern, env.Expand(p.Replace, placeholders))
		if err != nil {
			return errors.PatchFailed(p.File, err)
		}
		if err := o.patcher.Patch(filepath.Join(o.root, p.File), fn); err != nil {
			return err
		}
	}

	if len(o.cfg.Patches) > 0 {
		logger.Success("Patched %d file(s)", len(o.cfg.Patches))
		o.summary.AddCheck(health.NewCheck("Config Patches", health.StatusPass, fmt.Sprintf("%d file(s) patched", len(o.cfg.Patches))))
	}
	return nil
}

// childEnv layers the run env file, the command's configured env and hook
// overrides, in that order
func (o *Orchestrator) childEnv(base map[string]string, cmd config.Command, overrides map[string]string) map[string]string {
	placeholders := o.vars.Placeholders()
	service := make(map[string]string, len(cmd.Env))
	for k, v := range cmd.Env {
		service[k] = env.Expand(v, placeholders)
	}

	layered := &env.LayeredEnv{Base: base, Service: service, Overrides: overrides}
	stats := layered.Stats()
	logger.Debug("env: %d base, %d configured, %d hook vars", stats.BaseVars, stats.ServiceVars, stats.OverrideVars)
	return layered.Merge()
}

func (o *Orchestrator) commandSpec(name string, cmd config.Command, base, overrides map[string]string) supervisor.Spec {
	placeholders := o.vars.Placeholders()
	args := make([]string, len(cmd.Args))
	for i, a := range cmd.Args {
		args[i] = env.Expand(a, placeholders)
	}

	return supervisor.Spec{
		Name:    name,
		Command: args,
		Env:     o.childEnv(base, cmd, overrides),
		Dir:     filepath.Join(o.root, cmd.Dir),
	}
}

func (o *Orchestrator) startServer(ctx context.Context, name string, s config.Server, overrides map[string]string) error {
	spec := o.commandSpec(name, s.Command, o.vars.FileVars(), overrides)
	spec.ReadyPatterns = s.ReadyPatterns
	spec.ErrorPatterns = s.ErrorPatterns
	spec.ReadyTimeout = o.cfg.Timeouts.Ready.Std()
	spec.Strict = o.cfg.Strict

	logger.Info("Starting %s: %v", name, spec.Command)
	p, err := o.supervisor.Start(ctx, spec)
	if err != nil {
		return err
	}

	check := health.NewCheck(titleCase(name)+" Process", health.StatusPass, fmt.Sprintf("pid %d", p.PID))
	switch {
	case p.State() == supervisor.StateExited:
		check = check.WithStatus(health.StatusWarn).WithMessage(fmt.Sprintf("exited with code %d before reporting readiness", p.ExitCode()))
	case !p.ReadyConfirmed:
		check = check.WithStatus(health.StatusWarn).WithMessage("no readiness line seen, assumed ready")
	default:
		logger.Success("%s is up (pid %d)", name, p.PID)
	}
	o.summary.AddCheck(check)
	return nil
}

func (o *Orchestrator) awaitHealth(ctx context.Context, name, url string) error {
	logger.Verbose("Waiting for %s at %s", name, url)
	probe := o.health(ctx, url, o.cfg.Timeouts.Health.Std())
	o.summary.AddCheck(probe.Check(name+" Health", o.cfg.Strict))

	if probe.Healthy {
		logger.Success("%s is healthy (%s)", name, url)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.cfg.Strict {
		return errors.HealthTimeout(name, url, probe.Attempts, probe.LastError)
	}
	logger.Warn("%s did not become healthy at %s within %s, continuing", name, url, o.cfg.Timeouts.Health.Std())
	return nil
}

func (o *Orchestrator) runTests(ctx context.Context, overrides map[string]string) error {
	base := o.vars.FileVars()
	base[env.KeyCypressBaseURL] = o.vars.FrontendURL()

	spec := o.commandSpec("test", o.cfg.Test, base, overrides)
	spec.Output = o.testOutput

	logger.Info("Running tests: %v", spec.Command)
	started := time.Now()
	code, err := o.supervisor.Exec(ctx, spec)
	if err != nil {
		return err
	}

	check := health.NewCheck("Tests", health.StatusPass, "passed").WithElapsed(time.Since(started))
	if code != 0 {
		o.summary.AddCheck(check.WithStatus(health.StatusError).WithMessage(fmt.Sprintf("exited with code %d", code)))
		return errors.TestsFailed(spec.Command, code)
	}
	o.summary.AddCheck(check)
	logger.Success("Tests passed")
	return nil
}

// cleanup stops every process, restores every patched file and the env file,
// then runs postTeardown hooks. It runs once no matter how Run exits.
func (o *Orchestrator) cleanup() {
	o.cleanupOnce.Do(func() {
		o.setPhase(PhaseCleaningUp)
		defer o.stopNotify(o.signals)

		o.supervisor.StopAll()

		check := health.NewCheck("Cleanup", health.StatusPass, "processes stopped, files restored")
		if err := o.patcher.RestoreAll(); err != nil {
			check = check.WithStatus(health.StatusError).
				WithMessage("some files could not be restored").
				WithError(err).
				WithFixAction("Run 'e2eenv restore'")
		}
		o.summary.AddCheck(check)

		ctx, cancel := context.WithTimeout(context.Background(), teardownHookTimeout)
		defer cancel()
		hookCtx := o.hookContext()
		o.mu.Lock()
		hookCtx.ExitCode = o.exitCode
		o.mu.Unlock()
		o.hooks.ExecuteWithFallback(ctx, hooks.PostTeardown, hookCtx)
	})
}

func (o *Orchestrator) hookContext() hooks.HookContext {
	hc := hooks.HookContext{
		RunID:        o.runID,
		ProjectRoot:  o.root,
		FrontendPort: o.vars.FrontendPort,
		BackendPort:  o.vars.BackendPort,
	}
	if o.vars.FrontendPort != 0 {
		hc.FrontendURL = o.vars.FrontendURL()
		hc.BackendURL = o.vars.BackendURL()
	}
	return hc
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
