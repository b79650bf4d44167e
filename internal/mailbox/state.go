package mailbox

import "go.uber.org/zap"

// State is a step in a mailbox session's lifecycle.
type State string

const (
	StateDisconnected    State = "disconnected"
	StateConnecting      State = "connecting"
	StateAuthenticated   State = "authenticated"
	StateMailboxSelected State = "mailbox_selected"
	StateSearching       State = "searching"
	StateFetching        State = "fetching"
	StateClosing         State = "closing"
	StateError           State = "error"
)

// transitions lists the forward path. Error is reachable from every
// state except Disconnected and leads back to Disconnected.
var transitions = map[State][]State{
	StateDisconnected:    {StateConnecting},
	StateConnecting:      {StateAuthenticated},
	StateAuthenticated:   {StateMailboxSelected, StateClosing},
	StateMailboxSelected: {StateSearching, StateClosing},
	StateSearching:       {StateFetching, StateClosing},
	StateFetching:        {StateClosing},
	StateClosing:         {StateDisconnected},
	StateError:           {StateDisconnected},
}

// Machine tracks one session's state.
type Machine struct {
	state  State
	logger *zap.Logger
}

// NewMachine starts in Disconnected.
func NewMachine(logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{state: StateDisconnected, logger: logger}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// To moves to next, or returns *IllegalTransitionError and stays put.
func (m *Machine) To(next State) error {
	if !m.allowed(next) {
		return &IllegalTransitionError{From: m.state, To: next}
	}
	m.logger.Debug("session state", zap.String("from", string(m.state)), zap.String("to", string(next)))
	m.state = next
	return nil
}

// Fail records err, passes through Error and lands in Disconnected.
func (m *Machine) Fail(err error) {
	if m.state == StateDisconnected {
		return
	}
	m.logger.Warn("session failed", zap.String("state", string(m.state)), zap.Error(err))
	_ = m.To(StateError)
	_ = m.To(StateDisconnected)
}

func (m *Machine) allowed(next State) bool {
	if next == StateError {
		return m.state != StateDisconnected
	}
	for _, s := range transitions[m.state] {
		if s == next {
			return true
		}
	}
	return false
}
