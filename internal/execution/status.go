package execution

import (
	"time"

	"OpenMEE-Chain/internal/supertx"
)

// Status is the lifecycle state of a supertransaction.
type Status string

const (
	StatusSubmitted    Status = "SUBMITTED"
	StatusPending      Status = "PENDING"
	StatusMinedSuccess Status = "MINED_SUCCESS"
	StatusMinedFailure Status = "MINED_FAILURE"
	StatusExpired      Status = "EXPIRED"
	StatusDropped      Status = "DROPPED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusMinedSuccess, StatusMinedFailure, StatusExpired, StatusDropped:
		return true
	default:
		return false
	}
}

// Known reports whether s is one of the defined statuses.
func (s Status) Known() bool {
	switch s {
	case StatusSubmitted, StatusPending, StatusMinedSuccess, StatusMinedFailure, StatusExpired, StatusDropped:
		return true
	default:
		return false
	}
}

// Snapshot is one status read from the relay.
type Snapshot struct {
	Status        Status `json:"status"`
	Confirmations uint64 `json:"confirmations"`
	BlockNumber   uint64 `json:"blockNumber,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Receipt is the outcome of waiting on a handle.
type Receipt struct {
	Handle        supertx.Handle `json:"handle"`
	Status        Status         `json:"status"`
	Confirmations uint64         `json:"confirmations"`
	Required      uint64         `json:"required"`
	BlockNumber   uint64         `json:"blockNumber,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	ObservedAt    time.Time      `json:"observedAt"`
}

// Succeeded reports whether every instruction executed and the required
// depth was reached.
func (r Receipt) Succeeded() bool {
	return r.Status == StatusMinedSuccess
}

// advance is the receipt state machine. It never leaves a terminal state,
// never moves PENDING back to SUBMITTED and only reports MINED_SUCCESS once
// the observed confirmations reach required. Failure statuses are taken as
// reported.
func advance(current Status, snap Snapshot, required uint64) Status {
	if current.Terminal() {
		return current
	}
	switch snap.Status {
	case StatusMinedSuccess:
		if snap.Confirmations >= required {
			return StatusMinedSuccess
		}
		return StatusPending
	case StatusMinedFailure, StatusExpired, StatusDropped:
		return snap.Status
	case StatusPending:
		return StatusPending
	case StatusSubmitted:
		if current == StatusPending {
			return StatusPending
		}
		return StatusSubmitted
	default:
		return current
	}
}
