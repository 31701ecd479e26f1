package turn

import (
	"sync"
	"testing"
)

type recordingListener struct {
	mu      sync.Mutex
	changes []StateChange
}

func (r *recordingListener) OnStateChange(event StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, event)
}

func (r *recordingListener) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.ToState
	}
	return out
}

func TestStateMachineHappyPath(t *testing.T) {
	sm := newStateMachine()
	listener := &recordingListener{}
	sm.AddListener(listener)

	for _, s := range []State{StateListening, StateThinking, StateSpeaking, StateListening} {
		if err := sm.Transition(s, "test"); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}

	got := listener.states()
	want := []State{StateListening, StateThinking, StateSpeaking, StateListening}
	if len(got) != len(want) {
		t.Fatalf("expected %d changes, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("change %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestStateMachineRejectsInvalidTransitions(t *testing.T) {
	cases := []struct {
		from, to State
	}{
		{StateIdle, StateThinking},
		{StateIdle, StateSpeaking},
		{StateListening, StateSpeaking},
		{StateThinking, StateListening},
		{StateSpeaking, StateThinking},
		{StateError, StateSpeaking},
	}
	for _, c := range cases {
		sm := &stateMachine{currentState: c.from}
		err := sm.Transition(c.to, "test")
		if err == nil {
			t.Errorf("expected %s -> %s to be rejected", c.from, c.to)
		}
		if sm.State() != c.from {
			t.Errorf("rejected transition must not change state, got %s", sm.State())
		}
	}
}

func TestStateMachineIdleReachableFromEverywhere(t *testing.T) {
	for _, from := range []State{StateIdle, StateListening, StateThinking, StateSpeaking, StateError} {
		sm := &stateMachine{currentState: from}
		if err := sm.Transition(StateIdle, "stopped"); err != nil {
			t.Errorf("%s -> IDLE must be allowed: %v", from, err)
		}
	}
}

func TestStateMachineErrorRecovery(t *testing.T) {
	sm := newStateMachine()
	if err := sm.Transition(StateListening, "turn start"); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := sm.Transition(StateError, "no_speech_detected"); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := sm.Transition(StateListening, "recovery"); err != nil {
		t.Fatalf("error phase must recover into listening: %v", err)
	}
}
