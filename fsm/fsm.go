// Package fsm is the order state machine: the legal trade state transitions
// and the settlement of a trade from its orders and fills.
package fsm

import (
	"errors"
	"fmt"
	"time"

	"github.com/rustyeddy/tradeloop/ledger"
)

var (
	ErrIllegalTransition = errors.New("fsm: illegal transition")
	ErrFillOverflow      = errors.New("fsm: fills exceed order quantity")
)

var transitions = map[ledger.TradeState][]ledger.TradeState{
	ledger.StateIdle:         {ledger.StateEntryPending},
	ledger.StateEntryPending: {ledger.StateOpen, ledger.StateIdle},
	ledger.StateOpen:         {ledger.StateExitPending},
	ledger.StateExitPending:  {ledger.StateClosed, ledger.StateOpen, ledger.StateExitPending},
}

// CanTransition reports whether from -> to is a single legal step. Every
// state except CLOSED may move to ERROR. ERROR only leaves through
// ClearError.
func CanTransition(from, to ledger.TradeState) bool {
	if to == ledger.StateError {
		return from != ledger.StateClosed
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Reachable reports whether to can be reached from from through legal steps
// without passing through ERROR. A state always reaches itself.
func Reachable(from, to ledger.TradeState) bool {
	if from == to {
		return true
	}
	seen := map[ledger.TradeState]bool{from: true}
	queue := []ledger.TradeState{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range transitions[cur] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// Transition moves t to state to in one legal step.
func Transition(t *ledger.Trade, to ledger.TradeState, at time.Time) error {
	if !CanTransition(t.State, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, t.ID, t.State, to)
	}
	t.State = to
	t.UpdatedAt = at
	return nil
}

// MarkError parks t in ERROR with a note. Automated handling stops until an
// operator clears it.
func MarkError(t *ledger.Trade, note string, at time.Time) error {
	if err := Transition(t, ledger.StateError, at); err != nil {
		return err
	}
	t.Note = note
	return nil
}

// ClearError is the manual ERROR -> CLOSED transition.
func ClearError(t *ledger.Trade, note string, at time.Time) error {
	if t.State != ledger.StateError {
		return fmt.Errorf("%w: %s is %s, not ERROR", ErrIllegalTransition, t.ID, t.State)
	}
	t.State = ledger.StateClosed
	t.ExitReason = ledger.ExitManual
	if t.ExitTime.IsZero() {
		t.ExitTime = at
	}
	if note != "" {
		t.Note = note
	}
	t.UpdatedAt = at
	return nil
}
