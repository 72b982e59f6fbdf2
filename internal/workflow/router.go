package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/directory"
)

// TargetRole picks the role that should first see an alert of a given priority.
func TargetRole(a *alert.Alert) directory.Role {
	switch a.Priority {
	case alert.PriorityCritical:
		return directory.RoleManager
	case alert.PriorityHigh:
		return directory.RoleComplianceOfficer
	default:
		return directory.RoleAnalyst
	}
}

// Router picks the reviewer a new alert goes to and builds the notifications
// raised by assignment and escalation.
type Router struct {
	dir      directory.Directory
	selector directory.Selector
}

// NewRouter creates a router. With a nil selector the directory's first
// active user with the target role is chosen.
func NewRouter(dir directory.Directory, selector directory.Selector) *Router {
	return &Router{dir: dir, selector: selector}
}

// Dispatch assigns a to a user holding TargetRole(a), searching the whole
// directory, and returns the notification for that user. It returns nil when
// nobody holds the role; a stays unassigned and that is not an error.
//
// Dispatch does not deduplicate: every call yields a new notification.
func (r *Router) Dispatch(ctx context.Context, a *alert.Alert, now time.Time) (*alert.Notification, error) {
	role := TargetRole(a)

	u, err := r.pick(ctx, role)
	if err != nil {
		return nil, fmt.Errorf("find %s for dispatch: %w", role, err)
	}
	if u == nil {
		return nil, nil
	}

	a.AssignedTo = u.ID
	return newNotification(alert.NotificationDispatched, a, u, now,
		fmt.Sprintf("New %s alert", a.Priority),
		fmt.Sprintf("%s alert %s has been assigned to you for review.", typeLabel(a.Type), a.ID),
	), nil
}

// pick chooses an active holder of role. Picks are confirmed against the
// directory because the lists may be cached.
func (r *Router) pick(ctx context.Context, role directory.Role) (*directory.User, error) {
	sel := r.selector
	if sel == nil {
		u, ok, err := r.dir.FindFirstActiveByRole(ctx, role)
		if err != nil || !ok {
			return nil, err
		}
		fresh, err := directory.SelectActive(ctx, r.dir, directory.FirstMatch{}, string(role), []*directory.User{u})
		if err != nil || fresh != nil {
			return fresh, err
		}
		// the first match went stale; fall through to the full list
		sel = directory.FirstMatch{}
	}
	users, err := r.dir.FindActiveByRole(ctx, role)
	if err != nil {
		return nil, err
	}
	return directory.SelectActive(ctx, r.dir, sel, string(role), users)
}

// AssignmentNotice tells u that a was assigned to them by someone.
func AssignmentNotice(a *alert.Alert, u *directory.User, by string, now time.Time) *alert.Notification {
	n := newNotification(alert.NotificationAssigned, a, u, now,
		"Alert assigned to you",
		fmt.Sprintf("%s assigned %s alert %s to you.", by, typeLabel(a.Type), a.ID),
	)
	n.Payload["assigned_by"] = by
	return n
}

// EscalationNotice tells senior that a was escalated to them.
func EscalationNotice(a *alert.Alert, senior *directory.User, by, reason string, now time.Time) *alert.Notification {
	msg := fmt.Sprintf("%s escalated %s alert %s to you (level %d).", by, typeLabel(a.Type), a.ID, a.EscalationLevel)
	if reason != "" {
		msg += " Reason: " + reason
	}
	n := newNotification(alert.NotificationEscalated, a, senior, now, "Alert escalated to you", msg)
	n.Payload["escalated_by"] = by
	n.Payload["escalation_level"] = a.EscalationLevel
	return n
}

func newNotification(typ alert.NotificationType, a *alert.Alert, u *directory.User, now time.Time, title, msg string) *alert.Notification {
	recipient := u.Email
	if recipient == "" {
		recipient = u.ID
	}
	expires := now.Add(alert.NotificationTTL)
	return &alert.Notification{
		ID:         uuid.NewString(),
		Type:       typ,
		Title:      title,
		Message:    msg,
		TargetUser: u.ID,
		TargetRole: string(u.Role),
		Recipient:  recipient,
		Priority:   a.Priority,
		CreatedAt:  now,
		ExpiresAt:  &expires,
		Payload: map[string]any{
			"alert_id":   a.ID,
			"alert_type": string(a.Type),
			"priority":   string(a.Priority),
		},
	}
}

func typeLabel(t alert.Type) string {
	switch t {
	case alert.TypePEP:
		return "PEP"
	case alert.TypeSanctions:
		return "Sanctions"
	case alert.TypeAdverseMedia:
		return "Adverse media"
	case alert.TypeNameSimilarity:
		return "Name similarity"
	default:
		return string(t)
	}
}
