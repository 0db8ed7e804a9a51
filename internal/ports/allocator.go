package ports

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/lightfastai/e2eenv/internal/errors"
	"github.com/lightfastai/e2eenv/internal/logger"
)

// Role identifies which server a port is allocated for
type Role string

const (
	// RoleFrontend is the dev server the browser tests talk to
	RoleFrontend Role = "frontend"
	// RoleBackend is the API server the frontend talks to
	RoleBackend Role = "backend"
)

// ErrNoPortAvailable is returned when the preferred port and the whole fallback range are taken
var ErrNoPortAvailable = stderrors.New("no port available")

// Assignment records the port a role received for the duration of a run
type Assignment struct {
	Role      Role `json:"role"`
	Port      int  `json:"port"`
	RangeLow  int  `json:"rangeLow"`
	RangeHigh int  `json:"rangeHigh"`
	// HeldBy describes the outside process on the preferred port when the
	// assignment had to fall back to the range
	HeldBy string `json:"heldBy,omitempty"`
}

// String implements fmt.Stringer
func (a Assignment) String() string {
	return fmt.Sprintf("%s=%d", a.Role, a.Port)
}

// Allocator hands out ports for one run and never returns the same port twice
type Allocator struct {
	mu       sync.Mutex
	reserved map[int]Role

	// inUse and describe allow for dependency injection in tests
	inUse    func(port int) bool
	describe func(port int) string
}

// NewAllocator creates an Allocator that probes ports with a throwaway listener
func NewAllocator() *Allocator {
	return &Allocator{
		reserved: make(map[int]Role),
		inUse:    IsPortInUse,
		describe: Describe,
	}
}

// Allocate returns preferred if it can be bound, otherwise the first bindable
// port in low..high. The port is released before returning, so another process
// may grab it before the caller's server starts; that race is accepted.
func (a *Allocator) Allocate(role Role, preferred, low, high int) (Assignment, error) {
	if !validPort(preferred) || !validPort(low) || !validPort(high) || low > high {
		return Assignment{}, errors.InvalidPortRange(low, high).
			WithContext("Preferred port", fmt.Sprintf("%d", preferred))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	assignment := Assignment{Role: role, RangeLow: low, RangeHigh: high}

	if a.free(preferred) {
		assignment.Port = preferred
		a.reserved[preferred] = role
		logger.Verbose("Allocated preferred port %d for %s", preferred, role)
		return assignment, nil
	}

	if _, ours := a.reserved[preferred]; !ours {
		assignment.HeldBy = a.describe(preferred)
	}
	logger.Verbose("Preferred %s port %d is busy, scanning %d-%d", role, preferred, low, high)

	for port := low; port <= high; port++ {
		if port == preferred {
			continue
		}
		if a.free(port) {
			assignment.Port = port
			a.reserved[port] = role
			logger.Verbose("Allocated port %d for %s", port, role)
			return assignment, nil
		}
	}

	return Assignment{}, errors.NoPortAvailable(string(role), preferred, low, high).
		WithCause(ErrNoPortAvailable)
}

// Reserved returns the roles holding each port handed out so far
func (a *Allocator) Reserved() map[int]Role {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[int]Role, len(a.reserved))
	for port, role := range a.reserved {
		out[port] = role
	}
	return out
}

func (a *Allocator) free(port int) bool {
	if _, taken := a.reserved[port]; taken {
		return false
	}
	return !a.inUse(port)
}

// Allocate probes a single preferred port and range without tracking reservations
func Allocate(preferred, low, high int) (int, error) {
	assignment, err := NewAllocator().Allocate("port", preferred, low, high)
	if err != nil {
		return 0, err
	}
	return assignment.Port, nil
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}
