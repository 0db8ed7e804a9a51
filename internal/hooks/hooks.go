// Package hooks runs the optional lifecycle scripts listed under 'hooks' in
// e2eenv.config.yml.
package hooks

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lightfastai/e2eenv/internal/config"
	"github.com/lightfastai/e2eenv/internal/errors"
	"github.com/lightfastai/e2eenv/internal/logger"
)

// Dir is where hook scripts live, relative to the project root
var Dir = filepath.Join(config.StateDirName, "hooks")

// Manager handles the execution of lifecycle hooks
type Manager struct {
	config      *config.Config
	projectRoot string

	// output receives the hooks' stdout and stderr
	output io.Writer
}

// NewManager creates a new hook manager
func NewManager(cfg *config.Config, projectRoot string) *Manager {
	return &Manager{
		config:      cfg,
		projectRoot: projectRoot,
		output:      os.Stderr,
	}
}

// Execute runs all hooks for event in order and returns the env overrides
// they printed. The first failing hook aborts the rest.
func (m *Manager) Execute(ctx context.Context, event HookEvent, hookCtx HookContext) (*EnvOverrides, error) {
	if !event.IsValid() {
		return nil, fmt.Errorf("invalid hook event: %s", event)
	}

	scripts := m.config.HookScripts(event.String())
	if len(scripts) == 0 {
		return NewEnvOverrides(), nil
	}

	logger.Info("Running %s hooks (%d scripts)...", event, len(scripts))

	hookCtx.Event = event
	allOverrides := NewEnvOverrides()
	for _, script := range scripts {
		overrides, err := m.executeScript(ctx, script, hookCtx)
		if err != nil {
			return nil, errors.HookFailed(event.String(), script, err)
		}
		// Later scripts override earlier ones
		allOverrides.Merge(overrides)
	}

	return allOverrides, nil
}

func (m *Manager) executeScript(ctx context.Context, scriptName string, hookCtx HookContext) (*EnvOverrides, error) {
	hookPath := filepath.Join(m.projectRoot, Dir, scriptName)

	info, err := os.Stat(hookPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("hook script not found: %s", hookPath)
		}
		return nil, fmt.Errorf("failed to stat hook script: %w", err)
	}

	if info.Mode()&0o111 == 0 {
		logger.Warn("hook script %s is not executable, attempting to run anyway", scriptName)
	}

	// #nosec G204 - Script path is controlled by config file (trusted source)
	cmd := exec.CommandContext(ctx, hookPath)
	cmd.Env = append(os.Environ(), m.buildEnv(hookCtx)...)
	cmd.Dir = m.projectRoot

	var stdout strings.Builder
	cmd.Stdout = io.MultiWriter(m.output, &stdout)
	cmd.Stderr = m.output

	logger.Verbose("Executing hook: %s", scriptName)

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("hook execution failed: %w", err)
	}

	overrides, err := ParseEnvOverrides(stdout.String())
	if err != nil {
		return nil, fmt.Errorf("failed to parse env overrides from hook output: %w", err)
	}

	if !overrides.IsEmpty() {
		logger.Verbose("Hook %s produced %d global and %d scoped env override set(s)",
			scriptName, len(overrides.Global), len(overrides.Scoped))
	}

	return overrides, nil
}

// buildEnv constructs the environment variables to pass to the hook script
func (m *Manager) buildEnv(hookCtx HookContext) []string {
	env := []string{
		fmt.Sprintf("E2EENV_EVENT=%s", hookCtx.Event),
		fmt.Sprintf("E2EENV_RUN_ID=%s", hookCtx.RunID),
		fmt.Sprintf("E2EENV_PROJECT_ROOT=%s", hookCtx.ProjectRoot),
		fmt.Sprintf("E2EENV_FRONTEND_PORT=%d", hookCtx.FrontendPort),
		fmt.Sprintf("E2EENV_BACKEND_PORT=%d", hookCtx.BackendPort),
		fmt.Sprintf("E2EENV_FRONTEND_URL=%s", hookCtx.FrontendURL),
		fmt.Sprintf("E2EENV_BACKEND_URL=%s", hookCtx.BackendURL),
	}

	if hookCtx.Event == PostTeardown {
		env = append(env, "E2EENV_EXIT_CODE="+strconv.Itoa(hookCtx.ExitCode))
	}

	return env
}

// ExecuteWithFallback runs hooks but continues even if they fail, logging
// errors. Used for postTeardown, which must not block cleanup.
func (m *Manager) ExecuteWithFallback(ctx context.Context, event HookEvent, hookCtx HookContext) *EnvOverrides {
	overrides, err := m.Execute(ctx, event, hookCtx)
	if err != nil {
		logger.Warn("hook execution failed (continuing anyway): %v", err)
		return NewEnvOverrides()
	}
	return overrides
}
