package broadcast

import (
	"errors"
	"testing"
)

func TestLifecycleHappyPath(t *testing.T) {
	l := NewLifecycle()
	if l.State() != StateIdle {
		t.Fatalf("initial state = %s, want idle", l.State())
	}

	steps := []State{StateStarting, StateLive, StateScreenSharing, StateRecording, StateLive, StateStopping, StateIdle}
	for _, to := range steps {
		if err := l.Transition(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	if l.State() != StateIdle {
		t.Errorf("final state = %s, want idle", l.State())
	}
}

func TestLifecycleRejectsIllegalTransitions(t *testing.T) {
	cases := []struct {
		from State
		to   State
	}{
		{StateIdle, StateLive},
		{StateIdle, StateRecording},
		{StateStarting, StateScreenSharing},
		{StateStopping, StateLive},
		{StateError, StateLive},
	}
	for _, tc := range cases {
		l := &Lifecycle{state: tc.from}
		if err := l.Transition(tc.to); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s -> %s: expected ErrInvalidTransition, got %v", tc.from, tc.to, err)
		}
		if l.State() != tc.from {
			t.Errorf("%s -> %s: state changed on rejected transition", tc.from, tc.to)
		}
	}
}

func TestLifecycleFail(t *testing.T) {
	l := NewLifecycle()

	// Nothing to fail in idle.
	l.Fail()
	if l.State() != StateIdle {
		t.Fatalf("fail in idle moved to %s", l.State())
	}

	if err := l.Transition(StateStarting); err != nil {
		t.Fatal(err)
	}
	if err := l.Transition(StateLive); err != nil {
		t.Fatal(err)
	}
	l.Fail()
	if l.State() != StateError {
		t.Fatalf("state after fail = %s, want error", l.State())
	}

	// Error recovers only through idle.
	if err := l.Transition(StateIdle); err != nil {
		t.Fatalf("error -> idle: %v", err)
	}
}

func TestLifecycleReconcile(t *testing.T) {
	l := NewLifecycle()
	_ = l.Transition(StateStarting)
	_ = l.Transition(StateLive)

	l.Reconcile(true)
	if l.State() != StateLive {
		t.Fatalf("reconcile with live session moved to %s", l.State())
	}

	l.Reconcile(false)
	if l.State() != StateError {
		t.Fatalf("reconcile with dead session left state %s, want error", l.State())
	}

	// Idle never reconciles into error.
	l2 := NewLifecycle()
	l2.Reconcile(false)
	if l2.State() != StateIdle {
		t.Errorf("idle reconcile moved to %s", l2.State())
	}
}

func TestLifecycleObservers(t *testing.T) {
	l := NewLifecycle()
	var seen [][2]State
	l.OnTransition(func(from, to State) { seen = append(seen, [2]State{from, to}) })

	_ = l.Transition(StateStarting)
	_ = l.Transition(StateLive)
	_ = l.Transition(StateIdle) // rejected, must not notify

	want := [][2]State{{StateIdle, StateStarting}, {StateStarting, StateLive}}
	if len(seen) != len(want) {
		t.Fatalf("observer fired %d times, want %d", len(seen), len(want))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition[%d] = %v, want %v", i, seen[i], want[i])
		}
	}
}

func TestControls(t *testing.T) {
	if c := ControlsFor(StateIdle); !c.CanStart || c.CanStop {
		t.Errorf("idle controls wrong: %+v", c)
	}
	if c := ControlsFor(StateLive); !c.CanStop || !c.CanScreenShare || !c.CanRecord || !c.CanModerateMic {
		t.Errorf("live controls wrong: %+v", c)
	}
	if c := ControlsFor(StateStarting); c.CanStart || c.CanStop {
		t.Errorf("starting controls wrong: %+v", c)
	}
	if c := ControlsFor(StateError); !c.CanStart {
		t.Errorf("error controls wrong: %+v", c)
	}
}
