package turn

import (
	"sync"
	"time"
)

// StateChange represents a state transition event.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes turn state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// stateMachine owns the conversation phase. Exactly one exists per loop and
// it is the single source of truth for which subsystem may be active.
type stateMachine struct {
	currentState State
	mu           sync.RWMutex

	stateChangeListeners []StateListener
}

func newStateMachine() *stateMachine {
	return &stateMachine{currentState: StateIdle}
}

// State returns the current state.
func (tm *stateMachine) State() State {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.currentState
}

// transitionValid checks if a state transition is valid (must be called with lock held).
// StateIdle is reachable from every state: stop() works regardless of phase.
func (tm *stateMachine) transitionValid(from, to State) bool {
	if to == StateIdle {
		return true
	}

	validTransitions := map[State][]State{
		StateIdle:      {StateListening},
		StateListening: {StateThinking, StateError},
		StateThinking:  {StateSpeaking, StateError},
		StateSpeaking:  {StateListening, StateError},
		StateError:     {StateListening},
	}

	allowedStates, exists := validTransitions[from]
	if !exists {
		return false
	}
	for _, allowed := range allowedStates {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state with validation.
func (tm *stateMachine) Transition(state State, reason string) error {
	tm.mu.Lock()

	if !tm.transitionValid(tm.currentState, state) {
		err := &InvalidTransitionError{From: tm.currentState, To: state}
		tm.mu.Unlock()
		return err
	}

	oldState := tm.currentState
	tm.currentState = state

	event := StateChange{
		FromState: oldState,
		ToState:   state,
		Timestamp: time.Now(),
		Reason:    reason,
	}

	// Notify listeners outside the lock to avoid deadlocks.
	listeners := make([]StateListener, len(tm.stateChangeListeners))
	copy(listeners, tm.stateChangeListeners)
	tm.mu.Unlock()

	for _, listener := range listeners {
		listener.OnStateChange(event)
	}
	return nil
}

// AddListener registers a listener for state change events.
func (tm *stateMachine) AddListener(listener StateListener) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.stateChangeListeners = append(tm.stateChangeListeners, listener)
}

// InvalidTransitionError represents an invalid state transition attempt
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}
