package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ConfigFileName is the name of the configuration file
	ConfigFileName = "e2eenv.config.yml"
	// SupportedVersion is the currently supported config schema version
	SupportedVersion = 1
	// StateDirName holds run state (backup manifest, hooks) under the project root
	StateDirName = ".e2eenv"
)

// Environment variables that override values from the config file.
const (
	EnvFrontendPort = "FRONTEND_PORT"
	EnvBackendPort  = "BACKEND_PORT"
	EnvStrict       = "E2EENV_STRICT"
)

// ErrNotFound is returned when no config file exists in the search path
var ErrNotFound = errors.New("config file not found")

var (
	// DefaultReadyPatterns are substrings that mark a dev server as booted
	DefaultReadyPatterns = []string{
		"listening on",
		"compiled successfully",
		"ready",
		"server running",
		"started server on",
	}
	// DefaultErrorPatterns are substrings that usually mean the server will not boot
	DefaultErrorPatterns = []string{
		"failed to compile",
		"cannot find module",
		"module not found",
		"eaddrinuse",
	}
)

// Config represents the e2eenv.config.yml structure
type Config struct {
	Version  int                 `yaml:"version"`
	Frontend Server              `yaml:"frontend"`
	Backend  Server              `yaml:"backend"`
	Test     Command             `yaml:"test"`
	Patches  []Patch             `yaml:"patches,omitempty"`
	Env      EnvConfig           `yaml:"env,omitempty"`
	Timeouts Timeouts            `yaml:"timeouts,omitempty"`
	Hooks    map[string][]string `yaml:"hooks,omitempty"`

	// Strict turns readiness and health timeouts into fatal errors instead of warnings
	Strict bool `yaml:"strict,omitempty"`
}

// Command is an argv to run relative to the project root
type Command struct {
	Args []string          `yaml:"command"`
	Dir  string            `yaml:"dir,omitempty"`
	Env  map[string]string `yaml:"env,omitempty"`
}

// Server describes one of the two supervised dev servers
type Server struct {
	Command       `yaml:",inline"`
	Port          int       `yaml:"port,omitempty"`
	PortRange     PortRange `yaml:"portRange,omitempty"`
	HealthURL     string    `yaml:"healthURL,omitempty"`
	ReadyPatterns []string  `yaml:"readyPatterns,omitempty"`
	ErrorPatterns []string  `yaml:"errorPatterns,omitempty"`
}

// PortRange is an inclusive fallback range scanned when the preferred port is busy
type PortRange struct {
	Low  int `yaml:"low"`
	High int `yaml:"high"`
}

// Patch is a temporary find/replace applied to a file for the duration of a run.
// Replace may reference ${FRONTEND_PORT} and ${BACKEND_PORT}.
type Patch struct {
	File    string `yaml:"file"`
	Pattern string `yaml:"pattern"`
	Replace string `yaml:"replace"`
}

// EnvConfig controls the temporary env file handed to child processes
type EnvConfig struct {
	// File is the path of the generated env file (relative to project root)
	File    string `yaml:"file,omitempty"`
	APIPath string `yaml:"apiPath,omitempty"`
	NodeEnv string `yaml:"nodeEnv,omitempty"`
}

// Timeouts groups every wait the orchestrator performs
type Timeouts struct {
	Ready          Duration `yaml:"ready,omitempty"`
	Health         Duration `yaml:"health,omitempty"`
	HealthInterval Duration `yaml:"healthInterval,omitempty"`
	StopGrace      Duration `yaml:"stopGrace,omitempty"`
}

// Duration is a time.Duration written as a Go duration string ("90s", "3m") in YAML
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// APIClientPatch rewrites a hard-coded API base URL in the app's HTTP client.
// 'e2eenv init' writes it commented out below the active patches, since
// projects keep that constant in different files.
var APIClientPatch = Patch{
	File:    "src/api/config.js",
	Pattern: `http://localhost:\d+/api`,
	Replace: "http://localhost:${BACKEND_PORT}/api",
}

// Default returns the configuration written by 'e2eenv init'
func Default() *Config {
	cfg := &Config{
		Version: SupportedVersion,
		Frontend: Server{
			Command: Command{Args: []string{"npm", "start"}},
		},
		Backend: Server{
			Command:   Command{Args: []string{"npm", "run", "server"}},
			HealthURL: "http://localhost:${BACKEND_PORT}/api/health",
		},
		Test: Command{Args: []string{"npx", "cypress", "run"}},
		Patches: []Patch{
			{
				File:    "cypress.config.js",
				Pattern: `localhost:\d+`,
				Replace: "localhost:${FRONTEND_PORT}",
			},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every omitted field
func (c *Config) ApplyDefaults() {
	applyServerDefaults(&c.Frontend, 3000, "http://localhost:${FRONTEND_PORT}")
	applyServerDefaults(&c.Backend, 5000, "http://localhost:${BACKEND_PORT}")

	if c.Env.File == "" {
		c.Env.File = ".env.e2e"
	}
	if c.Env.APIPath == "" {
		c.Env.APIPath = "/api"
	}
	if c.Env.NodeEnv == "" {
		c.Env.NodeEnv = "test"
	}

	if c.Timeouts.Ready == 0 {
		c.Timeouts.Ready = Duration(3 * time.Minute)
	}
	if c.Timeouts.Health == 0 {
		c.Timeouts.Health = Duration(2 * time.Minute)
	}
	if c.Timeouts.HealthInterval == 0 {
		c.Timeouts.HealthInterval = Duration(2 * time.Second)
	}
	if c.Timeouts.StopGrace == 0 {
		c.Timeouts.StopGrace = Duration(5 * time.Second)
	}
}

func applyServerDefaults(s *Server, port int, healthURL string) {
	if s.Port == 0 {
		s.Port = port
	}
	if s.PortRange.Low == 0 && s.PortRange.High == 0 {
		// Fallback range starts at the preferred port's thousand, e.g. 3000-3999
		base := port - port%1000
		s.PortRange = PortRange{Low: base, High: base + 999}
	}
	if s.HealthURL == "" {
		s.HealthURL = healthURL
	}
	if len(s.ReadyPatterns) == 0 {
		s.ReadyPatterns = append([]string(nil), DefaultReadyPatterns...)
	}
	if len(s.ErrorPatterns) == 0 {
		s.ErrorPatterns = append([]string(nil), DefaultErrorPatterns...)
	}
}

// ApplyEnvOverrides applies FRONTEND_PORT, BACKEND_PORT and E2EENV_STRICT
func (c *Config) ApplyEnvOverrides(getenv func(string) string) error {
	if v := getenv(EnvFrontendPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid port %q", EnvFrontendPort, v)
		}
		c.Frontend.Port = port
	}
	if v := getenv(EnvBackendPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid port %q", EnvBackendPort, v)
		}
		c.Backend.Port = port
	}
	if v := getenv(EnvStrict); v != "" {
		strict, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: invalid boolean %q", EnvStrict, v)
		}
		c.Strict = strict
	}
	return nil
}

// HookScripts returns the scripts registered for a hook event
func (c *Config) HookScripts(event string) []string {
	if c.Hooks == nil {
		return nil
	}
	return c.Hooks[event]
}

// LoadConfig searches for e2eenv.config.yml starting from startDir and walking up
// the directory tree until it finds the file or reaches the root.
// It returns the parsed config and the absolute path of the project root (where the config was found).
func LoadConfig(startDir string) (*Config, string, error) {
	searchDir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve %s: %w", startDir, err)
	}

	for {
		configPath := filepath.Join(searchDir, ConfigFileName)

		if _, err := os.Stat(configPath); err == nil {
			config, err := LoadConfigFrom(configPath)
			if err != nil {
				return nil, "", err
			}
			return config, searchDir, nil
		}

		parentDir := filepath.Dir(searchDir)
		if parentDir == searchDir {
			return nil, "", fmt.Errorf("%w: no %s in %s or any parent directory", ErrNotFound, ConfigFileName, startDir)
		}
		searchDir = parentDir
	}
}

// LoadConfigFrom loads a config from a specific path. Defaults and environment
// overrides are applied before validation.
func LoadConfigFrom(path string) (*Config, error) {
	config, err := parseConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	config.ApplyDefaults()
	if err := config.ApplyEnvOverrides(os.Getenv); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config in %s: %w", path, err)
	}

	return config, nil
}

// parseConfig reads and parses a YAML config file
func parseConfig(path string) (*Config, error) {
	// #nosec G304 - path is from trusted source (config file search or --config flag)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return &config, nil
}

// validateConfig checks that the config has valid structure and values
func validateConfig(config *Config) error {
	if config.Version == 0 {
		return fmt.Errorf("version field is required")
	}
	if config.Version != SupportedVersion {
		return fmt.Errorf("unsupported config version %d (expected %d)", config.Version, SupportedVersion)
	}

	if err := validateServer(config.Frontend); err != nil {
		return fmt.Errorf("frontend: %w", err)
	}
	if err := validateServer(config.Backend); err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	if err := validateCommand(config.Test); err != nil {
		return fmt.Errorf("test: %w", err)
	}

	for i, patch := range config.Patches {
		if err := validatePatch(patch); err != nil {
			return fmt.Errorf("patches[%d]: %w", i, err)
		}
	}

	if filepath.IsAbs(config.Env.File) {
		return fmt.Errorf("env.file must be relative to project root, got absolute path: %s", config.Env.File)
	}

	return nil
}

func validateCommand(cmd Command) error {
	if len(cmd.Args) == 0 || cmd.Args[0] == "" {
		return fmt.Errorf("command is required")
	}
	if filepath.IsAbs(cmd.Dir) {
		return fmt.Errorf("dir must be relative to project root, got absolute path: %s", cmd.Dir)
	}
	return nil
}

func validateServer(s Server) error {
	if err := validateCommand(s.Command); err != nil {
		return err
	}
	if !validPort(s.Port) {
		return fmt.Errorf("port %d out of range", s.Port)
	}
	if !validPort(s.PortRange.Low) || !validPort(s.PortRange.High) || s.PortRange.Low > s.PortRange.High {
		return fmt.Errorf("invalid portRange %d-%d", s.PortRange.Low, s.PortRange.High)
	}
	return nil
}

func validatePatch(p Patch) error {
	if p.File == "" {
		return fmt.Errorf("file is required")
	}
	if filepath.IsAbs(p.File) {
		return fmt.Errorf("file must be relative to project root, got absolute path: %s", p.File)
	}
	if p.Pattern == "" {
		return fmt.Errorf("pattern is required")
	}
	if _, err := regexp.Compile(p.Pattern); err != nil {
		return fmt.Errorf("invalid pattern %q: %w", p.Pattern, err)
	}
	return nil
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}

// SaveConfig writes a config to the specified path atomically
func SaveConfig(config *Config, path string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return writeAtomic(path, data)
}

// SaveDefaultConfig writes Default to path with APIClientPatch as a commented
// example right after the patches list
func SaveDefaultConfig(path string) error {
	var doc yaml.Node
	if err := doc.Encode(Default()); err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	example, err := yaml.Marshal([]Patch{APIClientPatch})
	if err != nil {
		return fmt.Errorf("failed to marshal example patch: %w", err)
	}
	comment := "If the app's HTTP client hard-codes the backend URL, add a patch like:\n" +
		strings.TrimRight(string(example), "\n")

	for i := 0; i+1 < len(doc.Content); i += 2 {
		if doc.Content[i].Value != "patches" {
			continue
		}
		if next := i + 2; next < len(doc.Content) {
			doc.Content[next].HeadComment = commentLines(comment)
		} else {
			doc.Content[i+1].FootComment = commentLines(comment)
		}
		break
	}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return writeAtomic(path, data)
}

func commentLines(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = "# " + line
	}
	return strings.Join(lines, "\n")
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tempFile := path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary config: %w", err)
	}

	if err := os.Rename(tempFile, path); err != nil {
		_ = os.Remove(tempFile) // Clean up temp file on error
		return fmt.Errorf("failed to save config: %w", err)
	}

	return nil
}
