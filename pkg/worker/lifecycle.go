package worker

import (
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/petrijr/stepflow/pkg/api"
)

// State is a Worker lifecycle state.
type State string

const (
	StateCreated  State = "created"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

var stateOrder = []State{StateCreated, StateStarting, StateRunning, StateStopping, StateStopped}

// Lifecycle tracks a worker through Created, Starting, Running, Stopping and
// Stopped. Only the next state or the current one may be entered.
type Lifecycle struct {
	mu     sync.RWMutex
	state  State
	logger *zap.Logger
}

// NewLifecycle returns a Lifecycle in StateCreated.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{state: StateCreated, logger: logger}
}

func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Lifecycle) IsRunning() bool { return l.State() == StateRunning }

// IsStopping reports whether shutdown has begun.
func (l *Lifecycle) IsStopping() bool {
	s := l.State()
	return s == StateStopping || s == StateStopped
}

// Transition moves to the given state. Repeating the current state is a
// no-op; anything but the next state fails with *api.TransitionError.
func (l *Lifecycle) Transition(to State) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if to == l.state {
		return nil
	}
	from := slices.Index(stateOrder, l.state)
	if next := slices.Index(stateOrder, to); next < 0 || next != from+1 {
		return &api.TransitionError{From: string(l.state), To: string(to)}
	}
	l.logger.Debug("worker state changed", zap.String("from", string(l.state)), zap.String("to", string(to)))
	l.state = to
	return nil
}
