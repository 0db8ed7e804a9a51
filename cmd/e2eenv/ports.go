package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/lightfastai/e2eenv/internal/config"
	"github.com/lightfastai/e2eenv/internal/ports"
)

var portsJSON bool

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "Show the configured ports and which ones a run would get",
	Long: `Show the preferred port and fallback range for the backend and frontend,
whether the preferred port is busy (and by what, where that can be determined)
and the port a run started now would be given.

FRONTEND_PORT and BACKEND_PORT override the preferred ports.

Examples:
  e2eenv ports           # Human-readable table
  e2eenv ports --json    # Output as JSON`,
	Args: cobra.NoArgs,
	RunE: runPorts,
}

func init() {
	portsCmd.Flags().BoolVar(&portsJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(portsCmd)
}

// portReport describes one role's port situation
type portReport struct {
	Role      string `json:"role"`
	Preferred int    `json:"preferred"`
	RangeLow  int    `json:"rangeLow"`
	RangeHigh int    `json:"rangeHigh"`
	InUse     bool   `json:"inUse"`
	HeldBy    string `json:"heldBy,omitempty"`
	Assigned  int    `json:"assigned,omitempty"`
	Error     string `json:"error,omitempty"`
}

func runPorts(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	reports := buildPortReports(cfg, ports.NewAllocator())

	if portsJSON {
		return outputPortsJSON(cmd.OutOrStdout(), reports)
	}
	outputPortsTable(cmd.OutOrStdout(), reports)
	return nil
}

// buildPortReports allocates in the same order as a run so the assigned
// ports match what a run would get
func buildPortReports(cfg *config.Config, allocator *ports.Allocator) []portReport {
	servers := []struct {
		role   ports.Role
		server config.Server
	}{
		{ports.RoleBackend, cfg.Backend},
		{ports.RoleFrontend, cfg.Frontend},
	}

	reports := make([]portReport, 0, len(servers))
	for _, s := range servers {
		r := portReport{
			Role:      string(s.role),
			Preferred: s.server.Port,
			RangeLow:  s.server.PortRange.Low,
			RangeHigh: s.server.PortRange.High,
			InUse:     ports.IsPortInUse(s.server.Port),
		}

		assignment, err := allocator.Allocate(s.role, s.server.Port, s.server.PortRange.Low, s.server.PortRange.High)
		if err != nil {
			r.Error = err.Error()
			if r.InUse {
				r.HeldBy = ports.Describe(s.server.Port)
			}
		} else {
			r.Assigned = assignment.Port
			r.HeldBy = assignment.HeldBy
		}
		reports = append(reports, r)
	}
	return reports
}

// outputPortsTable prints reports in a human-readable table format
func outputPortsTable(w io.Writer, reports []portReport) {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	for _, r := range reports {
		status := green("free")
		if r.InUse {
			holder := r.HeldBy
			if holder == "" {
				holder = "an unknown process"
			}
			status = yellow("in use by " + holder)
		}

		assigned := red("none available")
		if r.Error == "" {
			assigned = fmt.Sprintf("%d", r.Assigned)
		}

		fmt.Fprintf(w, "%-9s preferred %-5d (%s)  range %d-%d  next run: %s\n",
			r.Role+":", r.Preferred, status, r.RangeLow, r.RangeHigh, assigned)
	}
}

// outputPortsJSON prints reports in JSON format
func outputPortsJSON(w io.Writer, reports []portReport) error {
	data, err := json.MarshalIndent(map[string]interface{}{"ports": reports}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	fmt.Fprintln(w, string(data))
	return nil
}
