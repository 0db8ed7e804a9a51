package hooks

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
)

// Scope names accepted in hook output
const (
	ScopeGlobal   = "GLOBAL"
	ScopeBackend  = "backend"
	ScopeFrontend = "frontend"
	ScopeTest     = "test"
)

// EnvOverrides represents environment variable overrides parsed from hook output
type EnvOverrides struct {
	// Global applies to every child process
	Global map[string]string

	// Scoped maps a process scope (backend, frontend, test) to its overrides
	Scoped map[string]map[string]string
}

// NewEnvOverrides creates a new empty EnvOverrides
func NewEnvOverrides() *EnvOverrides {
	return &EnvOverrides{
		Global: make(map[string]string),
		Scoped: make(map[string]map[string]string),
	}
}

var (
	scopePattern = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9_-]*):`)
	keyPattern   = regexp.MustCompile(`^(export\s+)?[A-Za-z_][A-Za-z0-9_.]*\s*=`)
)

// ParseEnvOverrides parses hook stdout into environment variable overrides.
//
//	KEY=VALUE          -> applies to every process
//	GLOBAL:KEY=VALUE   -> same as above
//	backend:KEY=VALUE  -> backend only (also frontend, test)
//
// Values follow dotenv quoting rules. Any other line is ignored so hooks can
// print progress messages.
func ParseEnvOverrides(output string) (*EnvOverrides, error) {
	overrides := NewEnvOverrides()

	for lineNum, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		scope := ScopeGlobal
		assignment := line
		if m := scopePattern.FindStringSubmatch(line); m != nil && strings.Index(line, ":") < strings.Index(line, "=") {
			scope = m[1]
			assignment = strings.TrimSpace(line[len(m[0]):])
		}

		if !keyPattern.MatchString(assignment) {
			continue
		}

		vars, err := godotenv.Unmarshal(assignment)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid override %q: %w", lineNum+1, line, err)
		}

		target := overrides.Global
		if !strings.EqualFold(scope, ScopeGlobal) {
			scope = strings.ToLower(scope)
			if overrides.Scoped[scope] == nil {
				overrides.Scoped[scope] = make(map[string]string)
			}
			target = overrides.Scoped[scope]
		}
		for k, v := range vars {
			target[k] = v
		}
	}

	return overrides, nil
}

// Merge merges other into e; other wins on conflicts
func (e *EnvOverrides) Merge(other *EnvOverrides) {
	for k, v := range other.Global {
		e.Global[k] = v
	}

	for scope, vars := range other.Scoped {
		if e.Scoped[scope] == nil {
			e.Scoped[scope] = make(map[string]string)
		}
		for k, v := range vars {
			e.Scoped[scope][k] = v
		}
	}
}

// For returns the overrides that apply to one scope: global values overlaid
// with that scope's own values
func (e *EnvOverrides) For(scope string) map[string]string {
	result := make(map[string]string, len(e.Global))
	for k, v := range e.Global {
		result[k] = v
	}
	for k, v := range e.Scoped[scope] {
		result[k] = v
	}
	return result
}

// IsEmpty returns true if there are no overrides
func (e *EnvOverrides) IsEmpty() bool {
	return len(e.Global) == 0 && len(e.Scoped) == 0
}
