package env

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// LayeredEnv represents the environment handed to one child process
type LayeredEnv struct {
	Base      map[string]string // Generated run env file (ports, NODE_ENV, ...)
	Service   map[string]string // Per-command env from e2eenv.config.yml
	Overrides map[string]string // KEY=value lines printed by preStart hooks
}

// Merge merges all layers into a single environment map
// Priority (lowest to highest): Base → Service → Overrides
func (e *LayeredEnv) Merge() map[string]string {
	result := make(map[string]string)

	for k, v := range e.Base {
		result[k] = v
	}
	for k, v := range e.Service {
		result[k] = v
	}
	for k, v := range e.Overrides {
		result[k] = v
	}

	return result
}

// Stats returns statistics about the environment layers
func (e *LayeredEnv) Stats() EnvStats {
	return EnvStats{
		BaseVars:     len(e.Base),
		ServiceVars:  len(e.Service),
		OverrideVars: len(e.Overrides),
		TotalVars:    len(e.Merge()),
	}
}

// EnvStats contains statistics about environment layers
type EnvStats struct {
	BaseVars     int
	ServiceVars  int
	OverrideVars int
	TotalVars    int
}

// BuildExecEnv returns os.Environ() with vars added or replacing existing keys,
// in the KEY=value form exec.Cmd expects
func BuildExecEnv(vars map[string]string) []string {
	return buildExecEnv(os.Environ(), vars)
}

func buildExecEnv(parent []string, vars map[string]string) []string {
	execEnv := make([]string, 0, len(parent)+len(vars))
	for _, kv := range parent {
		key, _, _ := strings.Cut(kv, "=")
		if _, overridden := vars[key]; overridden {
			continue
		}
		execEnv = append(execEnv, kv)
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		execEnv = append(execEnv, fmt.Sprintf("%s=%s", k, vars[k]))
	}

	return execEnv
}
