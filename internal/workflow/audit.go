package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/warden/internal/alert"
)

var errSecondAction = errors.New("change already carries an audit entry")

// AuditTrail attaches exactly one immutable action to each change and reads
// the trail back.
type AuditTrail struct {
	store Store
}

// NewAuditTrail creates an audit trail over store.
func NewAuditTrail(store Store) *AuditTrail {
	return &AuditTrail{store: store}
}

// Append binds entry to c. The entry is written when c is committed and is
// never changed afterwards.
func (t *AuditTrail) Append(c *Change, entry *alert.Action) error {
	if c.Action != nil {
		return errSecondAction
	}
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}
	entry.AlertID = c.Alert.ID
	c.Action = entry
	return nil
}

// History returns the actions recorded for alertID, most recent first.
func (t *AuditTrail) History(ctx context.Context, alertID string) ([]*alert.Action, error) {
	actions, err := t.store.Actions(ctx, alertID)
	if err != nil {
		return nil, fmt.Errorf("load actions for %s: %w", alertID, err)
	}
	return actions, nil
}
