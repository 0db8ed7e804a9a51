package logger

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
)

var (
	// VerboseEnabled controls whether Verbose messages are displayed
	VerboseEnabled bool
	// DebugEnabled controls whether Debug messages are displayed (also enables Verbose)
	DebugEnabled bool

	mu     sync.Mutex
	output io.Writer
)

// Init initializes the logger based on flags and environment variables
func Init(verbose, debug bool) {
	VerboseEnabled = verbose || debug
	DebugEnabled = debug

	// Support E2EENV_DEBUG environment variable
	if os.Getenv("E2EENV_DEBUG") == "1" {
		DebugEnabled = true
		VerboseEnabled = true
	}
}

// SetOutput redirects all log output. A nil writer restores stderr.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
}

// write serializes lines from the control goroutine and the child output pumps.
func write(prefix, format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()

	w := output
	if w == nil {
		w = os.Stderr
	}
	fmt.Fprintf(w, prefix+format+"\n", args...)
}

// Verbose prints verbose messages (shown when --verbose or --debug is enabled)
func Verbose(format string, args ...interface{}) {
	if VerboseEnabled {
		write("", format, args...)
	}
}

// Debug prints debug messages (shown only when --debug is enabled)
func Debug(format string, args ...interface{}) {
	if DebugEnabled {
		write(color.New(color.Faint).Sprint("[debug] "), format, args...)
	}
}

// Info prints informational messages (always shown)
func Info(format string, args ...interface{}) {
	write("", format, args...)
}

// Success prints success messages with a checkmark (always shown)
func Success(format string, args ...interface{}) {
	write(color.GreenString("✓ "), format, args...)
}

// Warn prints warnings (always shown)
func Warn(format string, args ...interface{}) {
	write(color.YellowString("Warning: "), format, args...)
}

// Error prints error messages (always shown)
func Error(format string, args ...interface{}) {
	write(color.RedString("Error: "), format, args...)
}
