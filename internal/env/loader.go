package env

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Loader handles reading and writing env files
type Loader struct {
	// stat allows for dependency injection in tests
	stat func(path string) (os.FileInfo, error)
}

// NewLoader creates a new Loader with default implementations
func NewLoader() *Loader {
	return &Loader{
		stat: os.Stat,
	}
}

// LoadEnvFile loads environment variables from a file into a map.
// Returns an empty map if the file doesn't exist (non-fatal).
// Parsing follows godotenv: quoting, escapes, inline comments and ${VAR} expansion.
func (l *Loader) LoadEnvFile(path string) (map[string]string, error) {
	if _, err := l.stat(path); err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, fmt.Errorf("failed to stat env file: %w", err)
	}

	env, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse env file: %w", err)
	}

	return env, nil
}

// LoadEnvFile is a convenience function that creates a loader and loads a file
func LoadEnvFile(path string) (map[string]string, error) {
	return NewLoader().LoadEnvFile(path)
}

// RenderEnvFile formats vars as sorted KEY="value" lines
func RenderEnvFile(vars map[string]string) ([]byte, error) {
	content, err := godotenv.Marshal(vars)
	if err != nil {
		return nil, fmt.Errorf("failed to render env file: %w", err)
	}
	return []byte(content + "\n"), nil
}
