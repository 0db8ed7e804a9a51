package hooks

// HookEvent represents a lifecycle event that can trigger hooks
type HookEvent string

const (
	// PreStart runs after ports are allocated and before the backend starts.
	// KEY=VALUE lines it prints are added to the child environments.
	PreStart HookEvent = "preStart"

	// PostTeardown runs after processes are stopped and files restored
	PostTeardown HookEvent = "postTeardown"
)

// String returns the string representation of a HookEvent
func (e HookEvent) String() string {
	return string(e)
}

// IsValid checks if a HookEvent is one of the recognized events
func (e HookEvent) IsValid() bool {
	switch e {
	case PreStart, PostTeardown:
		return true
	default:
		return false
	}
}

// HookContext contains all the context information passed to a hook
type HookContext struct {
	Event HookEvent

	// RunID identifies the orchestrator run
	RunID string

	// ProjectRoot is where e2eenv.config.yml lives; hooks run there
	ProjectRoot string

	FrontendPort int
	BackendPort  int
	FrontendURL  string
	BackendURL   string

	// ExitCode is the run's exit code, set for PostTeardown only
	ExitCode int
}
