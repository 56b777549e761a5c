// Package broadcast implements the broadcaster side of a live session: the
// stream lifecycle state machine, the per-viewer peer connection fan-out,
// the mic admission handshake and the connection health monitor.
package broadcast

import (
	"errors"
	"fmt"
	"sync"
)

// State is one stream lifecycle state.
type State string

const (
	StateIdle          State = "idle"
	StateStarting      State = "starting"
	StateLive          State = "live"
	StateScreenSharing State = "screenSharing"
	StateRecording     State = "recording"
	StateStopping      State = "stopping"
	StateError         State = "error"
)

// ErrInvalidTransition is returned when a requested lifecycle transition is
// not in the adjacency list. The current state is left unchanged.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// transitions is the fixed adjacency list. error is reachable from every
// non-idle state and only recovers to idle.
var transitions = map[State][]State{
	StateIdle:          {StateStarting},
	StateStarting:      {StateLive, StateStopping, StateError},
	StateLive:          {StateScreenSharing, StateRecording, StateStopping, StateError},
	StateScreenSharing: {StateLive, StateRecording, StateStopping, StateError},
	StateRecording:     {StateLive, StateScreenSharing, StateStopping, StateError},
	StateStopping:      {StateIdle, StateError},
	StateError:         {StateIdle},
}

// Controls describes which operator affordances are enabled in a state.
type Controls struct {
	CanStart       bool `json:"can_start"`
	CanStop        bool `json:"can_stop"`
	CanScreenShare bool `json:"can_screen_share"`
	CanRecord      bool `json:"can_record"`
	CanModerateMic bool `json:"can_moderate_mic"`
}

// TransitionFunc observes committed lifecycle transitions (telemetry, audit).
type TransitionFunc func(from, to State)

// Lifecycle is the stream lifecycle state machine. It drives which operator
// actions are valid; the registry stays the authority on whether the
// session is actually live, and Reconcile folds that truth back in.
type Lifecycle struct {
	mu       sync.Mutex
	state    State
	onChange []TransitionFunc
}

// NewLifecycle creates a machine in the idle state.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: StateIdle}
}

// OnTransition registers an observer for committed transitions.
func (l *Lifecycle) OnTransition(fn TransitionFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Can reports whether a transition to the given state is currently legal.
func (l *Lifecycle) Can(to State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.canLocked(to)
}

func (l *Lifecycle) canLocked(to State) bool {
	for _, s := range transitions[l.state] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves the machine to the given state. An illegal transition is
// rejected with ErrInvalidTransition and never silently succeeds.
func (l *Lifecycle) Transition(to State) error {
	l.mu.Lock()
	if !l.canLocked(to) {
		from := l.state
		l.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	from := l.state
	l.state = to
	observers := make([]TransitionFunc, len(l.onChange))
	copy(observers, l.onChange)
	l.mu.Unlock()

	for _, fn := range observers {
		fn(from, to)
	}
	return nil
}

// Fail forces the machine into the error state from any non-idle state.
// In idle there is nothing to fail; the call is a no-op.
func (l *Lifecycle) Fail() {
	l.mu.Lock()
	if l.state == StateIdle || l.state == StateError {
		l.mu.Unlock()
		return
	}
	from := l.state
	l.state = StateError
	observers := make([]TransitionFunc, len(l.onChange))
	copy(observers, l.onChange)
	l.mu.Unlock()

	for _, fn := range observers {
		fn(from, StateError)
	}
}

// Reconcile folds the registry's authoritative liveness back into the
// machine: if the machine believes it is streaming but the registry says the
// session is gone, the machine fails over to error (no direct resume).
func (l *Lifecycle) Reconcile(sessionLive bool) {
	l.mu.Lock()
	streaming := l.state == StateLive || l.state == StateScreenSharing || l.state == StateRecording
	l.mu.Unlock()
	if streaming && !sessionLive {
		l.Fail()
	}
}

// ControlsFor returns the operator affordances for a state.
func ControlsFor(s State) Controls {
	switch s {
	case StateIdle, StateError:
		return Controls{CanStart: true}
	case StateLive:
		return Controls{CanStop: true, CanScreenShare: true, CanRecord: true, CanModerateMic: true}
	case StateScreenSharing:
		return Controls{CanStop: true, CanScreenShare: true, CanRecord: true, CanModerateMic: true}
	case StateRecording:
		return Controls{CanStop: true, CanScreenShare: true, CanRecord: true, CanModerateMic: true}
	default: // starting, stopping
		return Controls{}
	}
}

// Controls returns the affordances for the current state.
func (l *Lifecycle) Controls() Controls {
	return ControlsFor(l.State())
}
