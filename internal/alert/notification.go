package alert

import "time"

// NotificationType categorizes a reviewer notification.
type NotificationType string

const (
	NotificationDispatched NotificationType = "alert_dispatched"
	NotificationAssigned   NotificationType = "alert_assigned"
	NotificationEscalated  NotificationType = "alert_escalated"
)

// NotificationTTL is how long a notification stays relevant in an inbox.
const NotificationTTL = 7 * 24 * time.Hour

// Notification is a message addressed to a user (and the role they were
// picked for). Delivery is handled downstream of the store.
type Notification struct {
	ID         string           `json:"id"`
	Type       NotificationType `json:"type"`
	Title      string           `json:"title"`
	Message    string           `json:"message"`
	Payload    map[string]any   `json:"payload,omitempty"`
	TargetUser string           `json:"target_user,omitempty"`
	TargetRole string           `json:"target_role,omitempty"`
	Recipient  string           `json:"recipient,omitempty"`
	Read       bool             `json:"read"`
	ReadAt     *time.Time       `json:"read_at,omitempty"`
	ReadBy     string           `json:"read_by,omitempty"`
	Priority   Priority         `json:"priority"`
	CreatedAt  time.Time        `json:"created_at"`
	ExpiresAt  *time.Time       `json:"expires_at,omitempty"`
}

// AlertID returns the alert the notification is about, if recorded in the payload.
func (n *Notification) AlertID() string {
	id, _ := n.Payload["alert_id"].(string)
	return id
}

// NotificationFilter narrows an inbox listing.
type NotificationFilter struct {
	TargetUser string
	UnreadOnly bool
	Limit      int
}
