package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lightfastai/e2eenv/internal/health"
)

var doctorJSON bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that a run would be able to start",
	Long: `Run health checks against the configuration and the machine without starting
anything.

The doctor command performs the following checks:
  - Configuration file validation
  - Configured executables can be found
  - Preferred ports are free
  - Patch targets exist and contain their patterns
  - No leftover run env file
  - No backups left behind by an interrupted run

Exit codes:
  0 - All checks passed
  1 - Some checks passed with warnings
  2 - Some checks failed with errors

Examples:
  # Run all health checks
  e2eenv doctor

  # Output results as JSON for CI/automation
  e2eenv doctor --json`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "Output results as JSON")
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, root, err := loadConfig()
	if err != nil {
		root = fallbackRoot()
	}

	checkCtx := health.NewCheckerContext(cfg, err, root)
	checkCtx.Verbose = verboseFlag
	result := health.RunDoctor(checkCtx)

	if doctorJSON {
		jsonOutput, err := result.FormatJSON()
		if err != nil {
			return fmt.Errorf("failed to format JSON output: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), jsonOutput)
	} else {
		fmt.Fprint(cmd.OutOrStdout(), result.Format(verboseFlag))
	}

	if result.ExitCode != 0 {
		return &exitError{code: result.ExitCode}
	}
	return nil
}

// fallbackRoot is the project root assumed when no config could be loaded:
// the directory of --config, or the working directory
func fallbackRoot() string {
	if configPath != "" {
		if abs, err := filepath.Abs(configPath); err == nil {
			return filepath.Dir(abs)
		}
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}
