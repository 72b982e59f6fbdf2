package alert

// State is the single source of truth for where an alert is in its review.
// The coarse Status shown to external consumers is derived from it.
type State string

const (
	// StatePendingReview means waiting for a reviewer to pick the alert up
	StatePendingReview State = "pending_review"

	// StateUnderReview means a reviewer is working the alert
	StateUnderReview State = "under_review"

	// StatePendingApproval means the review is done and awaits sign-off
	StatePendingApproval State = "pending_approval"

	// StateApproved means the match was confirmed (terminal)
	StateApproved State = "approved"

	// StateRejected means the match was dismissed as a false positive (terminal)
	StateRejected State = "rejected"

	// StateEscalated is accepted from external data but never entered by the
	// engine; escalation restarts the review in StatePendingReview.
	StateEscalated State = "escalated"

	// StateClosed means administratively closed (terminal)
	StateClosed State = "closed"
)

// Status is the coarse lifecycle view of an alert.
type Status string

const (
	StatusOpen          Status = "open"
	StatusUnderReview   Status = "under_review"
	StatusEscalated     Status = "escalated"
	StatusClosed        Status = "closed"
	StatusFalsePositive Status = "false_positive"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePendingReview, StateUnderReview, StatePendingApproval,
		StateApproved, StateRejected, StateEscalated, StateClosed:
		return true
	}
	return false
}

// Terminal reports whether no further command may change the alert.
func (s State) Terminal() bool {
	return s == StateApproved || s == StateRejected || s == StateClosed
}

// Valid reports whether s is a known coarse status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusUnderReview, StatusEscalated, StatusClosed, StatusFalsePositive:
		return true
	}
	return false
}

// DeriveStatus maps a state and escalation level onto the coarse status.
func DeriveStatus(s State, escalationLevel int) Status {
	switch s {
	case StatePendingReview:
		if escalationLevel > 0 {
			return StatusEscalated
		}
		return StatusOpen
	case StateUnderReview, StatePendingApproval:
		return StatusUnderReview
	case StateEscalated:
		return StatusEscalated
	case StateApproved, StateClosed:
		return StatusClosed
	case StateRejected:
		return StatusFalsePositive
	default:
		return StatusOpen
	}
}

// allowed lists the states each command may start from.
var allowed = map[ActionType][]State{
	ActionAssigned:             {StatePendingReview, StateUnderReview},
	ActionReviewed:             {StatePendingReview, StateUnderReview, StatePendingApproval},
	ActionSubmittedForApproval: {StateUnderReview},
	ActionApproved:             {StatePendingApproval, StateUnderReview},
	ActionRejected:             {StatePendingApproval, StateUnderReview},
	ActionEscalated:            {StatePendingReview, StateUnderReview, StatePendingApproval, StateEscalated},
	ActionClosed:               {StatePendingReview, StateUnderReview, StatePendingApproval, StateEscalated},
	ActionSLABreached:          {StatePendingReview, StateUnderReview, StatePendingApproval, StateEscalated},
}

// CheckTransition returns a *TransitionError when action may not be applied
// to an alert currently in state from.
func CheckTransition(from State, action ActionType) error {
	for _, s := range allowed[action] {
		if s == from {
			return nil
		}
	}
	return &TransitionError{From: from, Action: action}
}
