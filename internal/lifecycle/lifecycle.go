// Package lifecycle validates transaction status transitions. It holds no
// state and performs no I/O.
package lifecycle

import (
	"fmt"

	"github.com/jmehdipour/txbus/internal/model"
)

const (
	ReasonTerminal   = "terminal state"
	ReasonNotAllowed = "edge not allowed"
)

// InvalidTransitionError is returned when a requested status change is not legal.
type InvalidTransitionError struct {
	Reason  string
	Current model.Status
	Target  model.Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s: %s", e.Current, e.Target, e.Reason)
}

var edges = map[model.Status][]model.Status{
	model.StatusPending: {
		model.StatusProcessing,
		model.StatusRejected,
	},
	model.StatusProcessing: {
		model.StatusAwaitingApproval,
		model.StatusSettlementInProgress,
		model.StatusFailed,
		model.StatusRejected,
	},
	model.StatusAwaitingApproval: {
		model.StatusSettlementInProgress,
		model.StatusRejected,
		model.StatusCancelled,
	},
	model.StatusSettlementInProgress: {
		model.StatusCompleted,
		model.StatusFailed,
	},
}

// IsTerminal reports whether s has no outgoing edges.
func IsTerminal(s model.Status) bool {
	switch s {
	case model.StatusCompleted, model.StatusFailed, model.StatusRejected, model.StatusCancelled:
		return true
	default:
		return false
	}
}

// Targets returns the statuses reachable from current in one step.
func Targets(current model.Status) []model.Status {
	out := make([]model.Status, len(edges[current]))
	copy(out, edges[current])
	return out
}

func CanTransition(current, target model.Status) bool {
	for _, t := range edges[current] {
		if t == target {
			return true
		}
	}
	return false
}

// Transition returns target when current -> target is an allowed edge.
func Transition(current, target model.Status) (model.Status, error) {
	if IsTerminal(current) {
		return "", &InvalidTransitionError{Reason: ReasonTerminal, Current: current, Target: target}
	}
	if !CanTransition(current, target) {
		return "", &InvalidTransitionError{Reason: ReasonNotAllowed, Current: current, Target: target}
	}
	return target, nil
}
