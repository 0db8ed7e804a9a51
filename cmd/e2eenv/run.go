package main

import (
	stderrors "errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lightfastai/e2eenv/internal/errors"
	"github.com/lightfastai/e2eenv/internal/logger"
	"github.com/lightfastai/e2eenv/internal/orchestrator"
)

var strictFlag bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start both dev servers, run the tests and clean up",
	Long: `Run performs one complete test run:

  1. Restore files left patched by an earlier run that was killed
  2. Pick free ports for the backend and frontend
  3. Patch the configured files and write the run env file
  4. Start the backend, then the frontend, waiting for each to become healthy
  5. Run the test command against the frontend
  6. Stop both servers and restore every patched file and the env file

Cleanup happens on success, on failure and on Ctrl-C.

Exit codes:
  0 - Tests passed
  1 - Tests failed or the environment could not be brought up

Examples:
  # Run with e2eenv.config.yml from this directory or a parent
  e2eenv run

  # Fail instead of warning when a server never reports ready
  e2eenv run --strict

  # Stream server output
  e2eenv run --verbose`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&strictFlag, "strict", false, "Treat readiness and health timeouts as fatal")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, root, err := loadConfig()
	if err != nil {
		return err
	}
	if strictFlag {
		cfg.Strict = true
	}

	o := orchestrator.New(cfg, root)
	logger.Verbose("Run %s in %s", o.RunID(), root)

	out := o.Run(cmd.Context())

	w := cmd.ErrOrStderr()
	fmt.Fprint(w, out.Summary.Format(verboseFlag))

	var e *errors.Error
	if out.Cause != nil && stderrors.As(out.Cause, &e) && len(e.Fixes) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, e.Format())
	}

	if out.ExitCode != 0 {
		return &exitError{code: out.ExitCode}
	}
	return nil
}
