package order

import "fmt"

// InvalidTransitionError reports an edge that is not in the transition table.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order: invalid transition %s -> %s", e.From, e.To)
}

// transitions is the full lifecycle graph, built once and never mutated.
//
// Two matching flows are legal: the current one
// (standby -> executing -> selecting -> in_progress) and the legacy direct
// pairing flow (standby -> pairing -> in_progress). Waiting states roll back
// to standby on timeout. completed is the only terminal status and nothing
// transitions to itself.
var transitions = map[Status]map[Status]bool{
	StatusStandby: set(StatusExecuting, StatusPairing),

	StatusExecuting: set(StatusSelecting, StatusStandby),
	StatusSelecting: set(StatusInProgress, StatusStandby),
	StatusPairing:   set(StatusInProgress, StatusStandby),

	StatusInProgress: set(StatusDelivered, StatusRefundRequested, StatusCancelRequested),
	StatusDelivered:  set(StatusAccepted, StatusAutoAccepted, StatusRefundRequested, StatusCancelRequested),

	StatusAccepted:     set(StatusPaid),
	StatusAutoAccepted: set(StatusPaid),

	StatusRefundRequested: set(StatusDisputed, StatusRefunded),
	StatusCancelRequested: set(StatusDisputed, StatusRefunded),

	// A dispute can be withdrawn, returning the order to where it was.
	StatusDisputed:         set(StatusAdminArbitrating, StatusDelivered, StatusInProgress),
	StatusAdminArbitrating: set(StatusPaid, StatusRefunded),

	StatusPaid:     set(StatusCompleted),
	StatusRefunded: set(StatusCompleted),

	StatusCompleted: {},
}

func set(statuses ...Status) map[Status]bool {
	m := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		m[s] = true
	}
	return m
}

// AllStatuses lists every order status, for exhaustive validation.
var AllStatuses = []Status{
	StatusStandby, StatusExecuting, StatusSelecting, StatusPairing,
	StatusInProgress, StatusDelivered, StatusAccepted, StatusAutoAccepted,
	StatusRefundRequested, StatusCancelRequested, StatusDisputed,
	StatusAdminArbitrating, StatusPaid, StatusRefunded, StatusCompleted,
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// AssertTransition returns an *InvalidTransitionError if from -> to is not
// a legal edge.
func AssertTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// AllowedTransitions returns the set of legal successor statuses for from.
// The returned slice is a copy; callers may mutate it freely.
func AllowedTransitions(from Status) []Status {
	allowed := transitions[from]
	out := make([]Status, 0, len(allowed))
	for _, s := range AllStatuses {
		if allowed[s] {
			out = append(out, s)
		}
	}
	return out
}
