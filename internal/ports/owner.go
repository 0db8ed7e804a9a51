package ports

import (
	"context"
	"encoding/csv"
	"fmt"
	"net"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// ownerLookupTimeout bounds the lsof/netstat call so diagnostics never stall a run
const ownerLookupTimeout = 3 * time.Second

// Owner identifies the process listening on a port
type Owner struct {
	PID  int
	Name string
	User string
}

// String implements fmt.Stringer
func (o Owner) String() string {
	if o.User == "" {
		return fmt.Sprintf("%s (pid %d)", o.Name, o.PID)
	}
	return fmt.Sprintf("%s (pid %d, user %s)", o.Name, o.PID, o.User)
}

// IsPortInUse reports whether port cannot be bound on all interfaces
func IsPortInUse(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return true
	}
	_ = listener.Close()
	return false
}

// Describe returns a one-line description of whoever listens on port, or "" when unknown
func Describe(port int) string {
	ctx, cancel := context.WithTimeout(context.Background(), ownerLookupTimeout)
	defer cancel()

	owner, err := LookupOwner(ctx, port)
	if err != nil {
		return ""
	}
	return owner.String()
}

// LookupOwner finds the process listening on port with lsof (Linux, macOS)
// or netstat and tasklist (Windows)
func LookupOwner(ctx context.Context, port int) (*Owner, error) {
	switch runtime.GOOS {
	case "darwin", "linux":
		// #nosec G204 - port is an integer
		out, err := exec.CommandContext(ctx, "lsof", "-nP", fmt.Sprintf("-iTCP:%d", port), "-sTCP:LISTEN", "-FpcL").Output()
		if err != nil {
			return nil, fmt.Errorf("lsof: %w", err)
		}
		return parseLsofFields(string(out), port)

	case "windows":
		out, err := exec.CommandContext(ctx, "netstat", "-ano", "-p", "tcp").Output()
		if err != nil {
			return nil, fmt.Errorf("netstat: %w", err)
		}
		owner, err := parseNetstat(string(out), port)
		if err != nil {
			return nil, err
		}
		// #nosec G204 - pid is an integer
		if list, err := exec.CommandContext(ctx, "tasklist", "/FI", fmt.Sprintf("PID eq %d", owner.PID), "/FO", "CSV", "/NH").Output(); err == nil {
			if name := parseTasklistName(string(list)); name != "" {
				owner.Name = name
			}
		}
		return owner, nil
	}

	return nil, fmt.Errorf("unsupported platform: %s", runtime.GOOS)
}

// parseLsofFields parses `lsof -F pcL` output: one field per line, each
// prefixed with its identifier. Only the first process is used.
func parseLsofFields(output string, port int) (*Owner, error) {
	var owner *Owner
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if len(line) < 2 {
			continue
		}
		value := line[1:]

		switch line[0] {
		case 'p':
			if owner != nil {
				return owner, nil
			}
			pid, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("bad pid %q in lsof output", value)
			}
			owner = &Owner{PID: pid}
		case 'c':
			if owner != nil {
				owner.Name = value
			}
		case 'L':
			if owner != nil {
				owner.User = value
			}
		}
	}

	if owner == nil {
		return nil, fmt.Errorf("no process listening on port %d", port)
	}
	return owner, nil
}

// parseNetstat finds the LISTENING row whose local address ends in :port
func parseNetstat(output string, port int) (*Owner, error) {
	suffix := fmt.Sprintf(":%d", port)

	for _, line := range strings.Split(output, "\n") {
		// Proto  Local Address  Foreign Address  State  PID
		fields := strings.Fields(line)
		if len(fields) < 5 || fields[3] != "LISTENING" || !strings.HasSuffix(fields[1], suffix) {
			continue
		}
		pid, err := strconv.Atoi(fields[4])
		if err != nil {
			continue
		}
		return &Owner{PID: pid, Name: "unknown"}, nil
	}

	return nil, fmt.Errorf("no process listening on port %d", port)
}

// parseTasklistName returns the image name from `tasklist /FO CSV /NH` output
func parseTasklistName(output string) string {
	output = strings.TrimSpace(output)
	if !strings.HasPrefix(output, `"`) {
		// "INFO: No tasks are running which match the specified criteria."
		return ""
	}
	record, err := csv.NewReader(strings.NewReader(output)).Read()
	if err != nil || len(record) == 0 {
		return ""
	}
	return record[0]
}
