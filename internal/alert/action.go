package alert

import "time"

// ActionType names the command an audit entry records.
type ActionType string

const (
	ActionCreated              ActionType = "created"
	ActionAssigned             ActionType = "assigned"
	ActionReviewed             ActionType = "reviewed"
	ActionSubmittedForApproval ActionType = "submitted_for_approval"
	ActionApproved             ActionType = "approved"
	ActionRejected             ActionType = "rejected"
	ActionEscalated            ActionType = "escalated"
	ActionClosed               ActionType = "closed"
	ActionSLABreached          ActionType = "sla_breached"
)

// Action is an append-only audit entry. Once committed it is never changed.
type Action struct {
	ID               string     `json:"id"`
	AlertID          string     `json:"alert_id"`
	Type             ActionType `json:"action_type"`
	PerformedBy      string     `json:"performed_by"`
	PreviousState    State      `json:"previous_status,omitempty"`
	NewState         State      `json:"new_status"`
	PreviousAssignee string     `json:"previous_assignee,omitempty"`
	NewAssignee      string     `json:"new_assignee,omitempty"`
	Comments         string     `json:"comments,omitempty"`
	Reason           string     `json:"reason,omitempty"`
	At               time.Time  `json:"action_date"`
}
