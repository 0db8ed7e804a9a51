package errors

import (
	"fmt"
	"strings"
)

// ConfigNotFound returns an error for when the config file is not found
func ConfigNotFound(startDir string) *Error {
	return New(ErrConfigNotFound, "Configuration file not found").
		WithContext("Searched from", startDir).
		WithFixes(
			"Run 'e2eenv init' to create a new configuration",
			"Or pass an explicit path with --config",
		)
}

// ConfigInvalid returns an error for invalid config file
func ConfigInvalid(reason string, cause error) *Error {
	err := New(ErrConfigInvalid, "Configuration file is invalid").
		WithContext("Reason", reason).
		WithFixes(
			"Check the YAML syntax in e2eenv.config.yml",
			"Run 'e2eenv doctor' for a full report",
		)
	if cause != nil {
		err = err.WithCause(cause)
	}
	return err
}

// ConfigExists returns an error when trying to init but config already exists
func ConfigExists(path string) *Error {
	return New(ErrConfigExists, "Configuration already exists").
		WithContext("File", path).
		WithFixes(
			"Use --force to overwrite existing config",
			"Or edit e2eenv.config.yml manually",
		)
}

// NoPortAvailable returns an error when neither the preferred port nor any
// port in the fallback range can be bound.
func NoPortAvailable(role string, preferred, low, high int) *Error {
	return New(ErrNoPortAvailable, fmt.Sprintf("No free port available for %s", role)).
		WithContext("Preferred port", fmt.Sprintf("%d", preferred)).
		WithContext("Range", fmt.Sprintf("%d-%d", low, high)).
		WithFixes(
			"Stop processes holding ports in this range ('e2eenv ports' lists them)",
			fmt.Sprintf("Widen the %s port range in e2eenv.config.yml", role),
		)
}

// InvalidPortRange returns an error for a malformed port range
func InvalidPortRange(low, high int) *Error {
	return New(ErrInvalidPortRange, fmt.Sprintf("Invalid port range %d-%d", low, high)).
		WithFix("Ports must be within 1-65535 and the range low bound must not exceed the high bound")
}

// PatchFailed returns an error when a config file could not be patched
func PatchFailed(path string, cause error) *Error {
	err := New(ErrPatchFailed, "Failed to patch configuration file").
		WithContext("File", path).
		WithFixes(
			"Check that the file exists and is writable",
			"Check the patch pattern in e2eenv.config.yml",
		)
	if cause != nil {
		err = err.WithCause(cause)
	}
	return err
}

// RestoreFailed returns an error when a backup could not be written back
func RestoreFailed(path, backupPath string, cause error) *Error {
	err := New(ErrRestoreFailed, "Failed to restore configuration file").
		WithContext("File", path).
		WithContext("Backup", backupPath).
		WithFixes(
			"Copy the backup file over the original manually",
			"Or run 'e2eenv restore'",
		)
	if cause != nil {
		err = err.WithCause(cause)
	}
	return err
}

// ManifestCorrupted returns an error for an unreadable backup manifest
func ManifestCorrupted(path string, cause error) *Error {
	err := New(ErrManifestCorrupted, "Backup manifest is corrupted").
		WithContext("File", path).
		WithFixes(
			"Inspect the *.e2eenv-*.bak files next to your config files and restore them manually",
			"Then delete the manifest file",
		)
	if cause != nil {
		err = err.WithCause(cause)
	}
	return err
}

// EnvWriteFailed returns an error when the temporary env file cannot be written
func EnvWriteFailed(path string, cause error) *Error {
	err := New(ErrEnvWriteFailed, "Failed to write env file").
		WithContext("File", path).
		WithFix("Check that the project directory is writable")
	if cause != nil {
		err = err.WithCause(cause)
	}
	return err
}

// ProcessStartFailed returns an error when a child process could not be launched
func ProcessStartFailed(name string, command []string, cause error) *Error {
	err := New(ErrProcessStartFailed, fmt.Sprintf("Failed to start %s", name)).
		WithContext("Command", strings.Join(command, " ")).
		WithFixes(
			"Check that the command is installed and on PATH",
			"Run 'e2eenv doctor' to verify required commands",
		)
	if cause != nil {
		err = err.WithCause(cause)
	}
	return err
}

// ProcessExited returns an error when a server exits before signalling readiness
func ProcessExited(name string, exitCode int, lastOutput []string) *Error {
	err := New(ErrProcessExited, fmt.Sprintf("%s exited before becoming ready", name)).
		WithContext("Exit code", fmt.Sprintf("%d", exitCode))

	if len(lastOutput) > 0 {
		output := strings.Join(lastOutput, "\n")
		// Limit output to reasonable length
		if len(output) > 500 {
			output = output[len(output)-500:]
		}
		err = err.WithContext("Last output", output)
	}

	return err.WithFixes(
		"Check the output above for the startup failure",
		"Run the server command by hand to reproduce",
	)
}

// ReadinessTimeout returns an error when no readiness line appeared in strict mode
func ReadinessTimeout(name string, timeout string) *Error {
	return New(ErrReadinessTimeout, fmt.Sprintf("%s did not report readiness", name)).
		WithContext("Timeout", timeout).
		WithFixes(
			"Add the server's startup message to readyPatterns",
			"Increase readyTimeout, or disable strict mode",
		)
}

// HealthTimeout returns an error when a health endpoint never answered in strict mode
func HealthTimeout(name, url string, attempts int, cause error) *Error {
	err := New(ErrHealthTimeout, fmt.Sprintf("%s health check timed out", name)).
		WithContext("URL", url).
		WithContext("Attempts", fmt.Sprintf("%d", attempts)).
		WithFixes(
			"Check that healthURL points at an endpoint the server exposes",
			"Increase healthTimeout, or disable strict mode",
		)
	if cause != nil {
		err = err.WithCause(cause)
	}
	return err
}

// TestsFailed returns an error when the test command exits non-zero
func TestsFailed(command []string, exitCode int) *Error {
	return New(ErrTestsFailed, "Test command failed").
		WithContext("Command", strings.Join(command, " ")).
		WithContext("Exit code", fmt.Sprintf("%d", exitCode))
}

// Interrupted returns an error recording the signal that aborted the run
func Interrupted(signal string) *Error {
	return New(ErrInterrupted, "Run interrupted").
		WithContext("Signal", signal)
}

// CommandFailed returns an error when command execution fails
func CommandFailed(cmd string, exitCode int, stderr string) *Error {
	err := New(ErrCommandFailed, fmt.Sprintf("Command '%s' failed", cmd)).
		WithContext("Command", cmd).
		WithContext("Exit code", fmt.Sprintf("%d", exitCode))

	if stderr != "" {
		if len(stderr) > 500 {
			stderr = stderr[:500] + "..."
		}
		err = err.WithContext("Error output", stderr)
	}

	return err.WithFixes(
		"Check the error output above",
		"Ensure the command is correct and dependencies are installed",
	)
}

// HookFailed returns an error when a lifecycle hook fails
func HookFailed(event, script string, cause error) *Error {
	err := New(ErrHookFailed, fmt.Sprintf("%s hook failed", event)).
		WithContext("Script", script)
	if cause != nil {
		err = err.WithCause(cause)
	}
	return err.WithFix("Run the hook script by hand to reproduce")
}

// PermissionDenied returns an error for permission issues
func PermissionDenied(path string, operation string, cause error) *Error {
	err := New(ErrPermissionDenied, fmt.Sprintf("Permission denied: %s", operation)).
		WithContext("Path", path)

	if cause != nil {
		err = err.WithCause(cause)
	}

	return err.WithFixes(
		"Check file/directory permissions",
		"Ensure you have access to the path",
	)
}
