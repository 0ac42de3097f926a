package turn

import (
	"fmt"
	"time"

	"github.com/BaSui01/roundtable/types"
)

// validTransitions 定义合法的状态转换
var validTransitions = map[types.TurnState][]types.TurnState{
	types.TurnPlanned: {types.TurnRunning, types.TurnCancelled}, // cancelled: pre-emptive stop
	types.TurnRunning: {types.TurnCompleted, types.TurnFailed, types.TurnCancelled},
}

// CanTransition 检查状态转换是否合法
func CanTransition(from, to types.TurnState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s types.TurnState) bool {
	switch s {
	case types.TurnCompleted, types.TurnFailed, types.TurnCancelled:
		return true
	}
	return false
}

// IsCompleted reports whether s is the successful terminal state.
func IsCompleted(s types.TurnState) bool {
	return s == types.TurnCompleted
}

// ErrInvalidTransition 非法状态转换错误
type ErrInvalidTransition struct {
	Key  types.TurnKey
	From types.TurnState
	To   types.TurnState
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid turn transition for %s: %s -> %s", e.Key, e.From, e.To)
}

// Unwrap exposes the INVALID_TRANSITION code to types.GetErrorCode.
func (e *ErrInvalidTransition) Unwrap() error {
	return types.NewError(types.ErrInvalidTransition, fmt.Sprintf("%s -> %s", e.From, e.To))
}

// Machine drives turns through their lifecycle.
type Machine struct {
	now func() time.Time
}

// NewMachine creates a Machine. A nil clock uses time.Now.
func NewMachine(clock func() time.Time) *Machine {
	if clock == nil {
		clock = time.Now
	}
	return &Machine{now: clock}
}

// Transition moves t to the requested state and stamps the matching time.
// On error t is left untouched.
func (m *Machine) Transition(t *types.Turn, to types.TurnState) error {
	if t == nil {
		return types.NewInvalidInputError("nil turn")
	}
	if !CanTransition(t.State, to) {
		return &ErrInvalidTransition{Key: t.Key, From: t.State, To: to}
	}

	now := m.now()
	switch {
	case to == types.TurnRunning:
		t.StartedAt = &now
	case IsTerminal(to):
		t.EndedAt = &now
	}
	t.State = to
	return nil
}

// Start moves a planned turn to running.
func (m *Machine) Start(t *types.Turn) error {
	return m.Transition(t, types.TurnRunning)
}

// Complete records the produced message and moves the turn to completed.
func (m *Machine) Complete(t *types.Turn, messageID string) error {
	if err := m.Transition(t, types.TurnCompleted); err != nil {
		return err
	}
	t.MessageID = messageID
	return nil
}

// Fail moves the turn to failed and keeps the cause.
func (m *Machine) Fail(t *types.Turn, cause error) error {
	if err := m.Transition(t, types.TurnFailed); err != nil {
		return err
	}
	if cause != nil {
		t.Error = cause.Error()
	}
	return nil
}

// Cancel moves a planned or running turn to cancelled.
func (m *Machine) Cancel(t *types.Turn, reason string) error {
	if err := m.Transition(t, types.TurnCancelled); err != nil {
		return err
	}
	t.Error = reason
	return nil
}
