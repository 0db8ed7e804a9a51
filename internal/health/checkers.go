package health

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/lightfastai/e2eenv/internal/config"
	"github.com/lightfastai/e2eenv/internal/env"
	"github.com/lightfastai/e2eenv/internal/patch"
	"github.com/lightfastai/e2eenv/internal/ports"
)

// CheckerContext holds the context for running doctor checks
type CheckerContext struct {
	Config      *config.Config
	ConfigErr   error
	ProjectRoot string
	Manifest    *patch.Manifest
	Verbose     bool

	// Injected for tests
	LookPath  func(file string) (string, error)
	PortInUse func(port int) bool
	Describe  func(port int) string
}

// NewCheckerContext returns a context wired to the real system
func NewCheckerContext(cfg *config.Config, cfgErr error, root string) *CheckerContext {
	return &CheckerContext{
		Config:      cfg,
		ConfigErr:   cfgErr,
		ProjectRoot: root,
		Manifest:    patch.NewManifest(filepath.Join(root, config.StateDirName)),
		LookPath:    exec.LookPath,
		PortInUse:   ports.IsPortInUse,
		Describe:    ports.Describe,
	}
}

// RunDoctor runs every check. Checks that need a config are skipped when
// none was loaded.
func RunDoctor(ctx *CheckerContext) *Result {
	result := NewResult("e2eenv Doctor")
	result.SortBySeverity = true

	result.AddCheck(CheckConfigFile(ctx))
	if ctx.Config != nil {
		result.AddCheck(CheckCommands(ctx))
		result.AddCheck(CheckPreferredPorts(ctx))
		result.AddCheck(CheckPatchTargets(ctx))
		result.AddCheck(CheckEnvFile(ctx))
	}
	result.AddCheck(CheckStaleBackups(ctx))

	result.ExitCode = result.DetermineExitCode()
	return result
}

// CheckConfigFile validates the configuration file
func CheckConfigFile(ctx *CheckerContext) Check {
	check := NewCheck("Configuration File", StatusPass, "")

	if ctx.Config == nil {
		check = check.
			WithStatus(StatusError).
			WithMessage(fmt.Sprintf("No usable %s", config.ConfigFileName)).
			WithError(ctx.ConfigErr)
		if ctx.ConfigErr == nil || strings.Contains(ctx.ConfigErr.Error(), "not found") {
			return check.WithFixAction("Run 'e2eenv init' to create a configuration file")
		}
		return check.WithFixAction(fmt.Sprintf("Fix the errors in %s", config.ConfigFileName))
	}

	return check.
		WithMessage("Valid configuration").
		WithDetails(
			fmt.Sprintf("Location: %s", filepath.Join(ctx.ProjectRoot, config.ConfigFileName)),
			fmt.Sprintf("Version: %d", ctx.Config.Version),
			fmt.Sprintf("Patches: %d", len(ctx.Config.Patches)),
			fmt.Sprintf("Strict: %t", ctx.Config.Strict),
		)
}

// CheckCommands verifies that every configured executable can be found
func CheckCommands(ctx *CheckerContext) Check {
	check := NewCheck("Commands", StatusPass, "")

	commands := []struct {
		name string
		cmd  config.Command
	}{
		{"backend", ctx.Config.Backend.Command},
		{"frontend", ctx.Config.Frontend.Command},
		{"test", ctx.Config.Test},
	}

	var found, missing []string
	for _, c := range commands {
		if len(c.cmd.Args) == 0 {
			missing = append(missing, fmt.Sprintf("%s: no command configured", c.name))
			continue
		}
		bin := c.cmd.Args[0]
		path, err := resolveExecutable(ctx, bin, c.cmd.Dir)
		if err != nil {
			missing = append(missing, fmt.Sprintf("%s: %s not found", c.name, bin))
			continue
		}
		found = append(found, fmt.Sprintf("%s: %s", c.name, path))
	}

	if len(missing) > 0 {
		return check.
			WithStatus(StatusError).
			WithMessage(fmt.Sprintf("%d command(s) cannot be found", len(missing))).
			WithDetails(missing...).
			WithFixAction("Install the missing tools or fix the command in e2eenv.config.yml")
	}

	return check.
		WithMessage(fmt.Sprintf("All %d command(s) found", len(found))).
		WithDetails(found...)
}

func resolveExecutable(ctx *CheckerContext, bin, dir string) (string, error) {
	if strings.ContainsRune(bin, '/') || strings.ContainsRune(bin, filepath.Separator) {
		path := bin
		if !filepath.IsAbs(path) {
			path = filepath.Join(ctx.ProjectRoot, dir, bin)
		}
		if _, err := os.Stat(path); err != nil {
			return "", err
		}
		return path, nil
	}
	return ctx.LookPath(bin)
}

// CheckPreferredPorts warns when a preferred port is taken. The run still
// works by falling back to the configured range.
func CheckPreferredPorts(ctx *CheckerContext) Check {
	check := NewCheck("Preferred Ports", StatusPass, "")

	servers := []struct {
		role   ports.Role
		server config.Server
	}{
		{ports.RoleFrontend, ctx.Config.Frontend},
		{ports.RoleBackend, ctx.Config.Backend},
	}

	var busy, details []string
	for _, s := range servers {
		line := fmt.Sprintf("%s: %d (fallback %d-%d)", s.role, s.server.Port, s.server.PortRange.Low, s.server.PortRange.High)
		if ctx.PortInUse(s.server.Port) {
			owner := ctx.Describe(s.server.Port)
			if owner == "" {
				owner = "an unknown process"
			}
			busy = append(busy, fmt.Sprintf("%s: port %d in use by %s", s.role, s.server.Port, owner))
			continue
		}
		details = append(details, line)
	}

	if len(busy) > 0 {
		return check.
			WithStatus(StatusWarn).
			WithMessage(fmt.Sprintf("%d preferred port(s) in use, a fallback port will be used", len(busy))).
			WithDetails(append(busy, details...)...).
			WithFixAction("Stop the listed processes to keep the preferred ports")
	}

	return check.
		WithMessage("Preferred ports are free").
		WithDetails(details...)
}

// CheckPatchTargets verifies every patch target exists and matches its pattern
func CheckPatchTargets(ctx *CheckerContext) Check {
	check := NewCheck("Patch Targets", StatusPass, "")

	if len(ctx.Config.Patches) == 0 {
		return check.WithMessage("No patches configured")
	}

	var ok, problems []string
	for _, p := range ctx.Config.Patches {
		path := filepath.Join(ctx.ProjectRoot, p.File)

		// #nosec G304 - path comes from the project config
		contents, err := os.ReadFile(path)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", p.File, err))
			continue
		}

		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: invalid pattern %q: %v", p.File, p.Pattern, err))
			continue
		}
		if !re.Match(contents) {
			problems = append(problems, fmt.Sprintf("%s: pattern %q does not match", p.File, p.Pattern))
			continue
		}
		ok = append(ok, fmt.Sprintf("%s: matches %q", p.File, p.Pattern))
	}

	if len(problems) > 0 {
		return check.
			WithStatus(StatusError).
			WithMessage(fmt.Sprintf("%d patch target(s) cannot be patched", len(problems))).
			WithDetails(problems...).
			WithFixAction("Fix the file path or pattern under 'patches' in e2eenv.config.yml")
	}

	return check.
		WithMessage(fmt.Sprintf("All %d patch target(s) match", len(ok))).
		WithDetails(ok...)
}

// CheckStaleBackups reports backups left behind by a run that never cleaned up
func CheckStaleBackups(ctx *CheckerContext) Check {
	check := NewCheck("Config Backups", StatusPass, "")

	if ctx.Manifest == nil {
		return check.WithMessage("No backup manifest")
	}

	entries, err := ctx.Manifest.Entries()
	if err != nil {
		return check.
			WithStatus(StatusError).
			WithMessage("Backup manifest cannot be read").
			WithError(err).
			WithDetails("Location: " + ctx.Manifest.Path()).
			WithFixAction("Restore the *.e2eenv-*.bak files by hand, then delete the manifest")
	}

	if len(entries) == 0 {
		return check.WithMessage("No outstanding backups")
	}

	details := make([]string, 0, len(entries))
	for _, e := range entries {
		details = append(details, fmt.Sprintf("%s (backup %s, run %s, pid %d)", e.OriginalPath, e.BackupPath, e.RunID, e.PID))
	}

	return check.
		WithStatus(StatusWarn).
		WithMessage(fmt.Sprintf("%d file(s) still patched by an earlier run", len(entries))).
		WithDetails(details...).
		WithFixAction("Run 'e2eenv restore'")
}

// CheckEnvFile warns about a run env file that an earlier run generated and
// never removed. A file the user keeps at that path is fine: a run backs it up
// and puts it back.
func CheckEnvFile(ctx *CheckerContext) Check {
	check := NewCheck("Env File", StatusPass, "")
	path := filepath.Join(ctx.ProjectRoot, ctx.Config.Env.File)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return check.WithMessage(fmt.Sprintf("%s is not present", ctx.Config.Env.File))
	}

	if !generatedByEarlierRun(ctx.Manifest, path) {
		return check.WithMessage(fmt.Sprintf("%s exists and will be restored after each run", ctx.Config.Env.File))
	}

	vars, err := env.LoadEnvFile(path)
	if err != nil {
		return check.
			WithStatus(StatusWarn).
			WithMessage(fmt.Sprintf("%s was left by an earlier run and cannot be parsed", ctx.Config.Env.File)).
			WithError(err).
			WithFixAction("Run 'e2eenv restore'")
	}

	details := make([]string, 0, 2)
	for _, key := range []string{env.KeyPort, env.KeyServerPort} {
		if v, ok := vars[key]; ok {
			details = append(details, fmt.Sprintf("%s=%s", key, v))
		}
	}

	return check.
		WithStatus(StatusWarn).
		WithMessage(fmt.Sprintf("%s was left by an earlier run", ctx.Config.Env.File)).
		WithDetails(details...).
		WithFixAction("Run 'e2eenv restore'")
}

func generatedByEarlierRun(manifest *patch.Manifest, path string) bool {
	if manifest == nil {
		return false
	}
	entries, err := manifest.Entries()
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.Generated && filepath.Clean(e.OriginalPath) == filepath.Clean(path) {
			return true
		}
	}
	return false
}
