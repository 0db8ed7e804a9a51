package logger

import (
	"bytes"
	"os"
	"sync"
	"testing"

	"github.com/fatih/color"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()

	color.NoColor = true
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(nil) })
	return &buf
}

func TestInit(t *testing.T) {
	tests := []struct {
		name        string
		verbose     bool
		debug       bool
		envVar      string
		wantVerbose bool
		wantDebug   bool
	}{
		{
			name:        "no flags",
			wantVerbose: false,
			wantDebug:   false,
		},
		{
			name:        "verbose flag",
			verbose:     true,
			wantVerbose: true,
			wantDebug:   false,
		},
		{
			name:        "debug flag",
			debug:       true,
			wantVerbose: true,
			wantDebug:   true,
		},
		{
			name:        "env var",
			envVar:      "1",
			wantVerbose: true,
			wantDebug:   true,
		},
		{
			name:        "env var with verbose flag",
			verbose:     true,
			envVar:      "1",
			wantVerbose: true,
			wantDebug:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envVar != "" {
				t.Setenv("E2EENV_DEBUG", tt.envVar)
			} else {
				os.Unsetenv("E2EENV_DEBUG")
			}

			VerboseEnabled = false
			DebugEnabled = false

			Init(tt.verbose, tt.debug)

			if VerboseEnabled != tt.wantVerbose {
				t.Errorf("VerboseEnabled = %v, want %v", VerboseEnabled, tt.wantVerbose)
			}
			if DebugEnabled != tt.wantDebug {
				t.Errorf("DebugEnabled = %v, want %v", DebugEnabled, tt.wantDebug)
			}
		})
	}
}

func TestVerbose(t *testing.T) {
	tests := []struct {
		name        string
		verbose     bool
		debug       bool
		format      string
		args        []interface{}
		wantContent string
	}{
		{
			name:        "verbose enabled",
			verbose:     true,
			format:      "test message",
			wantContent: "test message\n",
		},
		{
			name:        "debug enabled",
			debug:       true,
			format:      "test message",
			wantContent: "test message\n",
		},
		{
			name:        "neither enabled",
			format:      "test message",
			wantContent: "",
		},
		{
			name:        "with args",
			verbose:     true,
			format:      "test %s %d",
			args:        []interface{}{"message", 42},
			wantContent: "test message 42\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := capture(t)

			VerboseEnabled = tt.verbose || tt.debug
			DebugEnabled = tt.debug

			Verbose(tt.format, tt.args...)

			if got := buf.String(); got != tt.wantContent {
				t.Errorf("Verbose() output = %q, want %q", got, tt.wantContent)
			}
		})
	}
}

func TestDebug(t *testing.T) {
	buf := capture(t)

	DebugEnabled = false
	Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("Debug() should not output when disabled, got %q", buf.String())
	}

	DebugEnabled = true
	defer func() { DebugEnabled = false }()
	Debug("debug %s %d", "value", 123)

	want := "[debug] debug value 123\n"
	if got := buf.String(); got != want {
		t.Errorf("Debug() output = %q, want %q", got, want)
	}
}

func TestSeverityTags(t *testing.T) {
	tests := []struct {
		name string
		log  func(string, ...interface{})
		want string
	}{
		{"info", Info, "info message\n"},
		{"success", Success, "✓ info message\n"},
		{"warn", Warn, "Warning: info message\n"},
		{"error", Error, "Error: info message\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := capture(t)

			tt.log("info %s", "message")

			if got := buf.String(); got != tt.want {
				t.Errorf("output = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConcurrentWritesDoNotInterleave(t *testing.T) {
	buf := capture(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			Info("line-%02d", n)
		}(i)
	}
	wg.Wait()

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 20 {
		t.Fatalf("expected 20 lines, got %d", len(lines))
	}
	for _, line := range lines {
		if len(line) != len("line-00") {
			t.Errorf("interleaved line: %q", line)
		}
	}
}
