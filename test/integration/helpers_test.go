package integration

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

var (
	buildOnce sync.Once
	binPath   string
	buildErr  error
)

// TestHelper provides utility functions for integration tests
type TestHelper struct {
	t          *testing.T
	TempDir    string
	ProjectDir string
	Bin        string
}

// NewTestHelper creates a project directory and builds the e2eenv binary
// (once per test binary)
func NewTestHelper(t *testing.T) *TestHelper {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "e2eenv-bin-")
		if err != nil {
			buildErr = err
			return
		}
		binPath = filepath.Join(dir, "e2eenv")
		buildErr = buildBinary(binPath)
	})
	if buildErr != nil {
		t.Fatalf("failed to build e2eenv binary: %v", buildErr)
	}

	tempDir := t.TempDir()
	projectDir := filepath.Join(tempDir, "project")
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		t.Fatalf("failed to create project directory: %v", err)
	}

	return &TestHelper{
		t:          t,
		TempDir:    tempDir,
		ProjectDir: projectDir,
		Bin:        binPath,
	}
}

// Command returns an unstarted e2eenv command running in the project directory
func (h *TestHelper) Command(args ...string) *exec.Cmd {
	cmd := exec.Command(h.Bin, args...)
	cmd.Dir = h.ProjectDir
	cmd.Env = append(os.Environ(), "NO_COLOR=1")
	return cmd
}

// Run executes the e2eenv binary with the given arguments
func (h *TestHelper) Run(args ...string) (string, string, int) {
	h.t.Helper()

	cmd := h.Command(args...)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			h.t.Fatalf("failed to run command: %v", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode
}

// WriteFile writes content to a file relative to the project directory
func (h *TestHelper) WriteFile(relativePath, content string) {
	h.t.Helper()

	fullPath := filepath.Join(h.ProjectDir, relativePath)
	dir := filepath.Dir(fullPath)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		h.t.Fatalf("failed to create directory %s: %v", dir, err)
	}

	if err := os.WriteFile(fullPath, []byte(content), 0o644); err != nil {
		h.t.Fatalf("failed to write file %s: %v", fullPath, err)
	}
}

// ReadFile reads content from a file relative to the project directory
func (h *TestHelper) ReadFile(relativePath string) string {
	h.t.Helper()

	fullPath := filepath.Join(h.ProjectDir, relativePath)
	content, err := os.ReadFile(fullPath)
	if err != nil {
		h.t.Fatalf("failed to read file %s: %v", fullPath, err)
	}

	return string(content)
}

// FileExists checks if a file exists relative to the project directory
func (h *TestHelper) FileExists(relativePath string) bool {
	h.t.Helper()

	_, err := os.Stat(filepath.Join(h.ProjectDir, relativePath))
	return err == nil
}

// Backups lists leftover *.bak files in the project directory
func (h *TestHelper) Backups() []string {
	h.t.Helper()

	matches, err := filepath.Glob(filepath.Join(h.ProjectDir, "*.bak"))
	if err != nil {
		h.t.Fatalf("failed to glob backups: %v", err)
	}
	return matches
}

// AssertFileContains checks if a file contains a specific string
func (h *TestHelper) AssertFileContains(relativePath, expectedContent string) {
	h.t.Helper()

	content := h.ReadFile(relativePath)
	if !strings.Contains(content, expectedContent) {
		h.t.Errorf("file %s does not contain expected content\nExpected substring: %s\nActual content:\n%s",
			relativePath, expectedContent, content)
	}
}

// AssertExitCode checks if the exit code matches the expected value
func (h *TestHelper) AssertExitCode(exitCode, expected int, output string) {
	h.t.Helper()

	if exitCode != expected {
		h.t.Errorf("unexpected exit code: got %d, want %d\nOutput: %s", exitCode, expected, output)
	}
}

// AssertOutputContains checks if output contains a specific string
func (h *TestHelper) AssertOutputContains(output, expected string) {
	h.t.Helper()

	if !strings.Contains(output, expected) {
		h.t.Errorf("output does not contain expected string\nExpected: %s\nActual: %s", expected, output)
	}
}

// buildBinary builds the e2eenv binary to the specified path
func buildBinary(outputPath string) error {
	projectRoot, err := filepath.Abs(filepath.Join("..", ".."))
	if err != nil {
		return fmt.Errorf("failed to get project root: %w", err)
	}

	cmd := exec.Command("go", "build", "-o", outputPath, "./cmd/e2eenv")
	cmd.Dir = projectRoot
	cmd.Env = os.Environ()

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to build e2eenv: %w\nOutput: %s", err, output)
	}

	return nil
}
