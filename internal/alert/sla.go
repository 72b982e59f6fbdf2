package alert

import "time"

// SLA status labels. OnTime is set at creation and escalation; Overdue is only
// ever written by the SLA sweep.
const (
	SLAOnTime  = "OnTime"
	SLAOverdue = "Overdue"
)

// SLAHours returns the review deadline in hours for a priority.
func SLAHours(p Priority) int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 8
	case PriorityMedium:
		return 24
	default:
		return 48
	}
}

// DueDate is createdAt plus the priority's SLA hours.
func DueDate(createdAt time.Time, p Priority) time.Time {
	return createdAt.Add(time.Duration(SLAHours(p)) * time.Hour)
}
