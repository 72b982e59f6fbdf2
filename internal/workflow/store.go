package workflow

import (
	"context"
	"time"

	"github.com/linnemanlabs/warden/internal/alert"
)

// Change is one atomic unit of work: the new alert state, the single audit
// entry that explains it, and any notifications it raised.
type Change struct {
	Alert *alert.Alert

	// ExpectedVersion is the version the change was computed from. Zero means
	// the alert must not exist yet.
	ExpectedVersion int64

	Action        *alert.Action
	Notifications []*alert.Notification
}

// Store is the persistence interface for alerts, their audit trail and the
// notifications raised for reviewers.
type Store interface {
	Get(ctx context.Context, id string) (*alert.Alert, bool, error)
	Query(ctx context.Context, f alert.Filter) (*alert.Page, error)

	// Commit writes c.Alert, c.Action and c.Notifications together or not at
	// all. It fails with alert.ErrConflict when the stored version is not
	// c.ExpectedVersion.
	Commit(ctx context.Context, c *Change) error

	// Actions returns the audit trail for an alert, newest first.
	Actions(ctx context.Context, alertID string) ([]*alert.Action, error)

	Notifications(ctx context.Context, f alert.NotificationFilter) ([]*alert.Notification, error)
	MarkNotificationRead(ctx context.Context, id, by string, at time.Time) (bool, error)

	// ListOverdue returns non-terminal alerts still marked on time whose due
	// date is before now, earliest due first.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*alert.Alert, error)
}

// Notifier hands committed notifications to the delivery side. It must not
// block on delivery.
type Notifier interface {
	Notify(ctx context.Context, n *alert.Notification) error
}
