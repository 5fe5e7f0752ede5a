package valueobject

import (
	"errors"
)

var (
	ErrInvalidAccountState = errors.New("invalid account state")
)

type AccountState string

const (
	AccountStateActive  AccountState = "active"
	AccountStateOnHold  AccountState = "on_hold"
	AccountStateInGrace AccountState = "in_grace"
	AccountStatePaused  AccountState = "paused"
)

// NewAccountState creates a new AccountState value object
func NewAccountState(state string) (AccountState, error) {
	s := AccountState(state)
	switch s {
	case AccountStateActive, AccountStateOnHold, AccountStateInGrace, AccountStatePaused:
		return s, nil
	default:
		return "", ErrInvalidAccountState
	}
}

// String returns the string representation of the state
func (s AccountState) String() string {
	return string(s)
}

// Priority orders account states for derivation when multiple signals are
// present: Paused > OnHold > InGrace > Active.
func (s AccountState) Priority() int {
	switch s {
	case AccountStatePaused:
		return 3
	case AccountStateOnHold:
		return 2
	case AccountStateInGrace:
		return 1
	default:
		return 0
	}
}
