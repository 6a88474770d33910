package model

import (
	"errors"
	"fmt"
	"time"
)

// SignalStatus is the lifecycle state of a Signal.
type SignalStatus string

const (
	SignalNew          SignalStatus = "new"
	SignalWatching     SignalStatus = "watching"
	SignalRejected     SignalStatus = "rejected"
	SignalPositionOpen SignalStatus = "position_open"
	SignalClosed       SignalStatus = "closed"
)

// ErrInvalidTransition is returned for a status change outside the signal graph.
var ErrInvalidTransition = errors.New("invalid signal transition")

var signalGraph = map[SignalStatus][]SignalStatus{
	SignalNew:          {SignalWatching, SignalRejected},
	SignalWatching:     {SignalPositionOpen, SignalClosed},
	SignalPositionOpen: {SignalClosed},
}

// CanTransition reports whether from -> to is an edge of the signal graph.
func CanTransition(from, to SignalStatus) bool {
	for _, next := range signalGraph[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s SignalStatus) Terminal() bool {
	return s == SignalRejected || s == SignalClosed
}

// Active reports whether the signal still awaits or holds a trade.
func (s SignalStatus) Active() bool {
	return s == SignalNew || s == SignalWatching || s == SignalPositionOpen
}

// Signal is a rule match for one symbol of one tenant.
type Signal struct {
	ID           string       `json:"id"`
	TenantID     string       `json:"tenant_id"`
	Symbol       string       `json:"symbol"`
	TriggeredAt  time.Time    `json:"triggered_at"`
	TriggerPrice float64      `json:"trigger_price"`
	Status       SignalStatus `json:"status"`
	CloseReason  string       `json:"close_reason,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Transition moves the signal along the status graph.
func (s *Signal) Transition(to SignalStatus, at time.Time) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}
	s.Status = to
	s.UpdatedAt = at
	return nil
}
