package orchestrator

// Phase is a step of the run state machine. Phases only move forward.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAllocatingPorts
	PhasePatchingConfig
	PhaseStartingBackend
	PhaseAwaitingBackendHealth
	PhaseStartingFrontend
	PhaseAwaitingFrontendHealth
	PhaseRunningTests
	PhaseCleaningUp
	PhaseDone
)

var phaseNames = [...]string{
	PhaseIdle:                   "idle",
	PhaseAllocatingPorts:        "allocating ports",
	PhasePatchingConfig:         "patching config",
	PhaseStartingBackend:        "starting backend",
	PhaseAwaitingBackendHealth:  "awaiting backend health",
	PhaseStartingFrontend:       "starting frontend",
	PhaseAwaitingFrontendHealth: "awaiting frontend health",
	PhaseRunningTests:           "running tests",
	PhaseCleaningUp:             "cleaning up",
	PhaseDone:                   "done",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}
