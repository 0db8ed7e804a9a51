package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lightfastai/e2eenv/internal/config"
	"github.com/lightfastai/e2eenv/internal/errors"
)

var forceInit bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new e2eenv configuration",
	Long: `Creates a new e2eenv.config.yml in the current directory for a typical
npm frontend, npm backend and Cypress setup.

If a configuration file already exists, use --force to overwrite it.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite existing configuration file")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	path := filepath.Join(cwd, config.ConfigFileName)
	out := cmd.OutOrStdout()

	if _, err := os.Stat(path); err == nil {
		if !forceInit {
			return errors.ConfigExists(path)
		}
		fmt.Fprintf(out, "[e2eenv] Overwriting existing configuration at %s\n", path)
	}

	if err := config.SaveDefaultConfig(path); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintf(out, "[e2eenv] Initialized configuration at %s\n", path)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Adjust the frontend, backend and test commands, and the patches list")
	fmt.Fprintln(out, "  2. Check the setup with: e2eenv doctor")
	fmt.Fprintln(out, "  3. Run your tests with: e2eenv")

	return nil
}
