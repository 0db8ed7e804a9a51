package main

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightfastai/e2eenv/internal/config"
	"github.com/lightfastai/e2eenv/internal/env"
	"github.com/lightfastai/e2eenv/internal/errors"
	"github.com/lightfastai/e2eenv/internal/health"
	"github.com/lightfastai/e2eenv/internal/patch"
	"github.com/lightfastai/e2eenv/internal/ports"
)

// execute runs the root command with args, resetting flag state left by earlier tests
func execute(t *testing.T, out io.Writer, args ...string) error {
	t.Helper()

	verboseFlag, debugFlag, configPath = false, false, ""
	strictFlag, forceInit, doctorJSON, portsJSON, restoreForce = false, false, false, false, false

	if args == nil {
		// A nil slice makes cobra fall back to os.Args
		args = []string{}
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	return rootCmd.Execute()
}

func writeDefaultConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	cfg := config.Default()
	require.NoError(t, config.SaveConfig(cfg, filepath.Join(dir, config.ConfigFileName)))
	return cfg
}

func TestInitCreatesConfig(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	var out bytes.Buffer
	require.NoError(t, execute(t, &out, "init"))
	assert.Contains(t, out.String(), "Initialized configuration")

	cfg, err := config.LoadConfigFrom(filepath.Join(dir, config.ConfigFileName))
	require.NoError(t, err)
	assert.Equal(t, config.Default().Frontend.Args, cfg.Frontend.Args)
	assert.Equal(t, config.Default().Test.Args, cfg.Test.Args)
	assert.Len(t, cfg.Patches, 1)

	data, err := os.ReadFile(filepath.Join(dir, config.ConfigFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "# - file: "+config.APIClientPatch.File)
}

func TestInitRefusesToOverwrite(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	path := filepath.Join(dir, config.ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("version: 1\n"), 0o600))

	err := execute(t, io.Discard, "init")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrConfigExists))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "version: 1\n", string(data))

	var out bytes.Buffer
	require.NoError(t, execute(t, &out, "init", "--force"))
	assert.Contains(t, out.String(), "Overwriting existing configuration")

	_, err = config.LoadConfigFrom(path)
	assert.NoError(t, err)
}

func TestRunWithoutConfig(t *testing.T) {
	chdir(t, t.TempDir())

	err := execute(t, io.Discard)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrConfigNotFound))
}

func TestLoadConfigExplicitPath(t *testing.T) {
	dir := t.TempDir()
	custom := filepath.Join(dir, "custom.yml")
	require.NoError(t, config.SaveConfig(config.Default(), custom))

	configPath = custom
	t.Cleanup(func() { configPath = "" })

	cfg, root, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, dir, root)
	assert.Equal(t, config.SupportedVersion, cfg.Version)

	configPath = filepath.Join(dir, "missing.yml")
	_, _, err = loadConfig()
	assert.True(t, errors.IsType(err, errors.ErrConfigNotFound))
}

func TestLoadConfigInvalid(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.ConfigFileName), []byte("version: 7\n"), 0o600))

	_, _, err := loadConfig()
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrConfigInvalid))
}

func TestDoctorJSONWithoutConfig(t *testing.T) {
	chdir(t, t.TempDir())

	var out bytes.Buffer
	err := execute(t, &out, "doctor", "--json")

	var exit *exitError
	require.True(t, stderrors.As(err, &exit))
	assert.Equal(t, 2, exit.code)

	var result health.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.Equal(t, "e2eenv Doctor", result.Title)
	assert.Equal(t, 2, result.ExitCode)
	require.NotEmpty(t, result.Checks)
	assert.Equal(t, "Configuration File", result.Checks[0].Name)
	assert.Equal(t, health.StatusError, result.Checks[0].Status)
}

func TestRestoreNothing(t *testing.T) {
	chdir(t, t.TempDir())

	var out bytes.Buffer
	require.NoError(t, execute(t, &out, "restore"))
	assert.Contains(t, out.String(), "Nothing to restore")
}

func TestRestoreLeftoverRun(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	cfg := writeDefaultConfig(t, dir)

	target := filepath.Join(dir, "cypress.config.js")
	original := "baseUrl: 'http://localhost:3000'\n"
	require.NoError(t, os.WriteFile(target, []byte(original), 0o644))

	// A run that was killed after patching
	manifest := patch.NewManifest(filepath.Join(dir, config.StateDirName))
	patcher := patch.NewPatcher(afero.NewOsFs(), "killed-run", manifest)
	transform, err := patch.RegexTransform(`localhost:\d+`, "localhost:3999")
	require.NoError(t, err)
	require.NoError(t, patcher.Patch(target, transform))

	envFile := filepath.Join(dir, cfg.Env.File)
	data, err := env.RenderEnvFile(map[string]string{"PORT": "3999"})
	require.NoError(t, err)
	require.NoError(t, patcher.Generate(envFile, data))

	var out bytes.Buffer
	require.NoError(t, execute(t, &out, "restore"))
	assert.Contains(t, out.String(), "Restored 2 file(s)")

	data, err = os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, original, string(data))

	_, err = os.Stat(envFile)
	assert.True(t, os.IsNotExist(err))

	entries, err := manifest.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRestoreKeepsUserEnvFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	cfg := writeDefaultConfig(t, dir)

	// Present before any run and not recorded in the manifest
	envFile := filepath.Join(dir, cfg.Env.File)
	require.NoError(t, os.WriteFile(envFile, []byte("SECRET=keepme\n"), 0o600))

	var out bytes.Buffer
	require.NoError(t, execute(t, &out, "restore"))
	assert.Contains(t, out.String(), "Nothing to restore")

	data, err := os.ReadFile(envFile)
	require.NoError(t, err)
	assert.Equal(t, "SECRET=keepme\n", string(data))
}

func TestRestoreSkipsActiveRun(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	writeDefaultConfig(t, dir)

	target := filepath.Join(dir, "cypress.config.js")
	patched := "baseUrl: 'http://localhost:3999'\n"
	require.NoError(t, os.WriteFile(target, []byte(patched), 0o644))
	backup := target + ".e2eenv-1.bak"
	require.NoError(t, os.WriteFile(backup, []byte("baseUrl: 'http://localhost:3000'\n"), 0o644))

	manifest := patch.NewManifest(filepath.Join(dir, config.StateDirName))
	require.NoError(t, manifest.Add(patch.Entry{OriginalPath: target, BackupPath: backup, RunID: "live", PID: os.Getppid()}))

	var out bytes.Buffer
	require.NoError(t, execute(t, &out, "restore"))
	assert.Contains(t, out.String(), "Skipped 1 file(s)")
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, patched, string(data))

	out.Reset()
	require.NoError(t, execute(t, &out, "restore", "--force"))
	assert.Contains(t, out.String(), "Restored 1 file(s)")
	data, err = os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "baseUrl: 'http://localhost:3000'\n", string(data))
}

func TestBuildPortReportsBusyPreferred(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port
	low := busy - 20

	cfg := config.Default()
	cfg.Backend.Port = busy
	cfg.Backend.PortRange = config.PortRange{Low: low, High: busy}
	cfg.Frontend.Port = busy
	cfg.Frontend.PortRange = config.PortRange{Low: low, High: busy}

	reports := buildPortReports(cfg, ports.NewAllocator())
	require.Len(t, reports, 2)

	backend, frontend := reports[0], reports[1]
	assert.Equal(t, string(ports.RoleBackend), backend.Role)
	assert.True(t, backend.InUse)
	assert.Empty(t, backend.Error)
	assert.NotEqual(t, busy, backend.Assigned)
	assert.NotZero(t, backend.Assigned)

	assert.Equal(t, string(ports.RoleFrontend), frontend.Role)
	assert.True(t, frontend.InUse)
	assert.NotEqual(t, backend.Assigned, frontend.Assigned)

	var table bytes.Buffer
	outputPortsTable(&table, reports)
	assert.Contains(t, table.String(), "backend:")
	assert.Contains(t, table.String(), fmt.Sprintf("next run: %d", backend.Assigned))

	var out bytes.Buffer
	require.NoError(t, outputPortsJSON(&out, reports))
	var decoded struct {
		Ports []portReport `json:"ports"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, reports, decoded.Ports)
}

func TestBuildPortReportsExhausted(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	cfg := config.Default()
	cfg.Backend.Port = busy
	cfg.Backend.PortRange = config.PortRange{Low: busy, High: busy}

	reports := buildPortReports(cfg, ports.NewAllocator())
	assert.NotEmpty(t, reports[0].Error)
	assert.Zero(t, reports[0].Assigned)

	var table bytes.Buffer
	outputPortsTable(&table, reports)
	assert.Contains(t, table.String(), "none available")
}

func TestReportError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantOut  string
	}{
		{
			name:     "exit error is silent",
			err:      &exitError{code: 2},
			wantCode: 2,
		},
		{
			name:     "structured error prints fixes",
			err:      errors.ConfigExists("/tmp/e2eenv.config.yml"),
			wantCode: 1,
			wantOut:  "How to fix",
		},
		{
			name:     "plain error",
			err:      stderrors.New("boom"),
			wantCode: 1,
			wantOut:  "Error: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			assert.Equal(t, tt.wantCode, reportError(&out, tt.err))
			if tt.wantOut == "" {
				assert.Empty(t, out.String())
			} else {
				assert.Contains(t, out.String(), tt.wantOut)
			}
		})
	}
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir from Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
