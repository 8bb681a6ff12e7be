package hedge

import "sync"

type State string

type Event string

const (
	StateIdle        State = "IDLE"
	StateEvaluating  State = "EVALUATING"
	StateOpening     State = "OPENING"
	StateNeutral     State = "NEUTRAL"
	StateRebalancing State = "REBALANCING"
	StateClosing     State = "CLOSING"
	StateClosed      State = "CLOSED"
	StateEmergency   State = "EMERGENCY_EXIT"
)

const (
	EventTick       Event = "TICK"
	EventEnter      Event = "ENTER"
	EventHold       Event = "HOLD"
	EventOpened     Event = "OPENED"
	EventOpenFailed Event = "OPEN_FAILED"
	EventDrift      Event = "DRIFT"
	EventRebalanced Event = "REBALANCED"
	EventExit       Event = "EXIT"
	EventEmergency  Event = "EMERGENCY"
	EventDone       Event = "DONE"
)

type StateMachine struct {
	mu    sync.Mutex
	State State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{State: StateIdle}
}

func (s *StateMachine) Apply(event Event) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = nextState(s.State, event)
	return s.State
}

func (s *StateMachine) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

// Restore forces the machine into a recovered state on startup.
func (s *StateMachine) Restore(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
}

func nextState(current State, event Event) State {
	if event == EventEmergency {
		switch current {
		case StateClosed:
			return current
		case StateRebalancing, StateClosing:
			// already unwinding or about to; no separate detour
			return StateClosing
		default:
			return StateEmergency
		}
	}
	switch current {
	case StateIdle:
		if event == EventTick {
			return StateEvaluating
		}
	case StateEvaluating:
		if event == EventEnter {
			return StateOpening
		}
		if event == EventHold {
			return StateIdle
		}
	case StateOpening:
		if event == EventOpened {
			return StateNeutral
		}
		if event == EventOpenFailed {
			return StateEvaluating
		}
	case StateNeutral:
		if event == EventDrift {
			return StateRebalancing
		}
		if event == EventExit {
			return StateClosing
		}
	case StateRebalancing:
		if event == EventRebalanced {
			return StateNeutral
		}
		if event == EventExit {
			return StateClosing
		}
	case StateClosing:
		if event == EventDone {
			return StateClosed
		}
	case StateEmergency:
		if event == EventDone {
			return StateClosed
		}
	case StateClosed:
		if event == EventTick {
			return StateIdle
		}
	}
	return current
}
