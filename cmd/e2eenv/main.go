package main

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lightfastai/e2eenv/internal/config"
	"github.com/lightfastai/e2eenv/internal/errors"
	"github.com/lightfastai/e2eenv/internal/logger"
)

// CLI entry point for the e2eenv tool

var (
	// Version information - will be set via ldflags during build
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	verboseFlag bool
	debugFlag   bool
	configPath  string
)

var rootCmd = &cobra.Command{
	Use:   "e2eenv",
	Short: "Run end-to-end tests against throwaway dev servers",
	Long: `e2eenv boots a frontend and a backend dev server on free ports, points the
test runner at them, runs the tests and puts everything back the way it was.

Running e2eenv without a subcommand performs a full run (see 'e2eenv run').`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.Init(verboseFlag, debugFlag)
	},
	RunE: runRun,
}

func init() {
	// Custom version template that includes commit and build date
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
Commit: {{.Annotations.commit}}
Built: {{.Annotations.date}}
`)

	if rootCmd.Annotations == nil {
		rootCmd.Annotations = make(map[string]string)
	}
	rootCmd.Annotations["commit"] = commit
	rootCmd.Annotations["date"] = date

	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Show server output and detailed progress")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Show debug output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to e2eenv.config.yml (default: search upwards from the current directory)")
	_ = rootCmd.MarkPersistentFlagFilename("config", "yml", "yaml")

	rootCmd.Flags().BoolVar(&strictFlag, "strict", false, "Treat readiness and health timeouts as fatal")
}

// exitError carries a process exit code for a failure that has already been reported
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// loadConfig loads --config if given, otherwise searches upwards from the
// working directory. It returns the config and the project root.
func loadConfig() (*config.Config, string, error) {
	if configPath != "" {
		abs, err := filepath.Abs(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("failed to resolve %s: %w", configPath, err)
		}
		if _, err := os.Stat(abs); os.IsNotExist(err) {
			return nil, "", errors.ConfigNotFound(abs).WithCause(config.ErrNotFound)
		}
		cfg, err := config.LoadConfigFrom(abs)
		if err != nil {
			return nil, "", errors.ConfigInvalid("failed to load "+abs, err)
		}
		return cfg, filepath.Dir(abs), nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get current directory: %w", err)
	}
	cfg, root, err := config.LoadConfig(cwd)
	if stderrors.Is(err, config.ErrNotFound) {
		return nil, "", errors.ConfigNotFound(cwd).WithCause(err)
	}
	if err != nil {
		return nil, "", errors.ConfigInvalid("failed to load "+config.ConfigFileName, err)
	}
	return cfg, root, nil
}

// reportError prints err and returns the exit code it maps to
func reportError(w io.Writer, err error) int {
	var exit *exitError
	if stderrors.As(err, &exit) {
		return exit.code
	}

	var e *errors.Error
	if stderrors.As(err, &e) {
		fmt.Fprintln(w, e.Format())
		return 1
	}
	fmt.Fprintf(w, "Error: %v\n", err)
	return 1
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(reportError(os.Stderr, err))
	}
}
