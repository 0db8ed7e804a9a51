package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/lightfastai/e2eenv/internal/config"
	"github.com/lightfastai/e2eenv/internal/logger"
	"github.com/lightfastai/e2eenv/internal/patch"
)

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore files left patched by an interrupted run",
	Long: `Restore puts back every file recorded in the backup manifest and deletes the
files a run generated, such as its env file. Use it after a run was killed with
SIGKILL or the machine went down mid-run. A normal run does this automatically
before it starts.

Files belonging to an e2eenv run that is still active are skipped unless --force
is given.`,
	Args: cobra.NoArgs,
	RunE: runRestore,
}

var restoreForce bool

func init() {
	restoreCmd.Flags().BoolVar(&restoreForce, "force", false, "Restore files even if their run still appears to be active")
	rootCmd.AddCommand(restoreCmd)
}

func runRestore(cmd *cobra.Command, args []string) error {
	_, root, err := loadConfig()
	if err != nil {
		logger.Verbose("No usable config (%v), restoring from %s", err, fallbackRoot())
		root = fallbackRoot()
	}

	manifest := patch.NewManifest(filepath.Join(root, config.StateDirName))
	restored, skipped, restoreErr := patch.Recover(afero.NewOsFs(), manifest, restoreForce)

	out := cmd.OutOrStdout()
	if restored == 0 && skipped == 0 && restoreErr == nil {
		fmt.Fprintln(out, "[e2eenv] Nothing to restore")
	}
	if restored > 0 {
		fmt.Fprintf(out, "[e2eenv] Restored %d file(s)\n", restored)
	}
	if skipped > 0 {
		fmt.Fprintf(out, "[e2eenv] Skipped %d file(s) owned by a running e2eenv; use --force to restore them anyway\n", skipped)
	}

	return restoreErr
}
