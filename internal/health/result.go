// Package health polls server health endpoints and models pass/warn/error
// check results for the run summary and the doctor command.
package health

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
)

// Status is the outcome of one check
type Status string

const (
	// StatusPass indicates the check passed
	StatusPass Status = "pass"
	// StatusWarn indicates the check passed with warnings
	StatusWarn Status = "warn"
	// StatusError indicates the check failed
	StatusError Status = "error"
)

type statusStyle struct {
	severity int
	icon     string
	paint    func(format string, a ...interface{}) string
}

var styles = map[Status]statusStyle{
	StatusPass:  {0, "✓", color.GreenString},
	StatusWarn:  {1, "⚠", color.YellowString},
	StatusError: {2, "✗", color.RedString},
}

func (s Status) style() statusStyle {
	if st, ok := styles[s]; ok {
		return st
	}
	return statusStyle{0, "?", color.WhiteString}
}

// Severity returns the numeric severity of a status (higher is worse)
func (s Status) Severity() int {
	return s.style().severity
}

// Check is one line of a run summary or doctor report
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message"`
	FixAction   string        `json:"fixAction,omitempty"`
	Details     []string      `json:"details,omitempty"`
	ErrorString string        `json:"error,omitempty"`
	Elapsed     time.Duration `json:"elapsedNs,omitempty"`
}

// NewCheck creates a check
func NewCheck(name string, status Status, message string) Check {
	return Check{Name: name, Status: status, Message: message}
}

// WithDetails appends detail lines, shown for non-passing checks or in verbose mode
func (c Check) WithDetails(details ...string) Check {
	c.Details = append(c.Details, details...)
	return c
}

// WithFixAction sets the suggestion shown for non-passing checks
func (c Check) WithFixAction(action string) Check {
	c.FixAction = action
	return c
}

// WithError records err's message; a nil err is ignored
func (c Check) WithError(err error) Check {
	if err != nil {
		c.ErrorString = err.Error()
	}
	return c
}

func (c Check) WithStatus(status Status) Check {
	c.Status = status
	return c
}

func (c Check) WithMessage(message string) Check {
	c.Message = message
	return c
}

// WithElapsed records how long the checked step took
func (c Check) WithElapsed(d time.Duration) Check {
	c.Elapsed = d
	return c
}

// Result is an ordered list of checks with per-status counts
type Result struct {
	Title       string  `json:"title"`
	Checks      []Check `json:"checks"`
	TotalChecks int     `json:"totalChecks"`
	Passed      int     `json:"passed"`
	Warnings    int     `json:"warnings"`
	Errors      int     `json:"errors"`
	ExitCode    int     `json:"exitCode"`

	// SortBySeverity lists errors first when formatting. A run summary keeps
	// the order the steps happened in.
	SortBySeverity bool `json:"-"`
}

// NewResult creates an empty result shown under title
func NewResult(title string) *Result {
	return &Result{Title: title, Checks: make([]Check, 0)}
}

// AddCheck appends check and updates the counts
func (r *Result) AddCheck(check Check) {
	r.Checks = append(r.Checks, check)
	r.TotalChecks++

	switch check.Status {
	case StatusPass:
		r.Passed++
	case StatusWarn:
		r.Warnings++
	case StatusError:
		r.Errors++
	}
}

// Worst returns the most severe status recorded, StatusPass when empty
func (r *Result) Worst() Status {
	switch {
	case r.Errors > 0:
		return StatusError
	case r.Warnings > 0:
		return StatusWarn
	}
	return StatusPass
}

// DetermineExitCode maps Worst to 0 (pass), 1 (warnings) or 2 (errors)
func (r *Result) DetermineExitCode() int {
	return r.Worst().Severity()
}

var overallText = map[Status]string{
	StatusPass:  "OK",
	StatusWarn:  "WARNINGS",
	StatusError: "FAILED",
}

// Format renders the result for a terminal. Details and passing checks'
// errors are only shown when verbose.
func (r *Result) Format(verbose bool) string {
	var sb strings.Builder
	bold := color.New(color.Bold).Sprint

	worst := r.Worst().style()
	fmt.Fprintf(&sb, "\n%s\n%s\n", bold(r.Title), strings.Repeat("=", 50))
	fmt.Fprintf(&sb, "%s %s  %d passed", worst.icon, worst.paint("%s", overallText[r.Worst()]), r.Passed)
	if r.Warnings > 0 {
		fmt.Fprintf(&sb, ", %s", color.YellowString("%d warning(s)", r.Warnings))
	}
	if r.Errors > 0 {
		fmt.Fprintf(&sb, ", %s", color.RedString("%d error(s)", r.Errors))
	}
	sb.WriteString("\n\n")

	checks := r.Checks
	if r.SortBySeverity {
		checks = append([]Check(nil), r.Checks...)
		sort.SliceStable(checks, func(i, j int) bool {
			return checks[i].Status.Severity() > checks[j].Status.Severity()
		})
	}

	for _, check := range checks {
		st := check.Status.style()
		fmt.Fprintf(&sb, "%s %s: %s", st.icon, bold(check.Name), st.paint("%s", string(check.Status)))
		if check.Elapsed > 0 {
			fmt.Fprintf(&sb, " (%s)", check.Elapsed.Round(10*time.Millisecond))
		}
		sb.WriteString("\n")

		if check.Message != "" {
			fmt.Fprintf(&sb, "  %s\n", check.Message)
		}

		failing := check.Status != StatusPass
		if verbose || failing {
			for _, detail := range check.Details {
				fmt.Fprintf(&sb, "  - %s\n", detail)
			}
		}
		if check.FixAction != "" && failing {
			fmt.Fprintf(&sb, "  %s Fix: %s\n", color.CyanString("ℹ"), check.FixAction)
		}
		if check.ErrorString != "" && (verbose || check.Status == StatusError) {
			fmt.Fprintf(&sb, "  Error: %s\n", color.RedString("%s", check.ErrorString))
		}
	}

	return sb.String()
}

// FormatJSON formats the result as indented JSON
func (r *Result) FormatJSON() (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	return string(data), nil
}
