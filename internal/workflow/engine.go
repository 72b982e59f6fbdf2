package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/directory"
)

const tracerName = "github.com/linnemanlabs/warden/internal/workflow"

// SystemActor performs commands no person asked for, such as the SLA sweep.
const SystemActor = "system"

// DefaultOutcome is recorded on approval when the approver gives none.
const DefaultOutcome = "Approved"

// Engine runs every command that changes an alert. It keeps no lock of its
// own: concurrent commands on one alert are serialized by the store's version
// check, and the loser gets alert.ErrConflict.
type Engine struct {
	store    Store
	dir      directory.Directory
	resolver *directory.Resolver
	router   *Router
	audit    *AuditTrail
	notifier Notifier
	logger   log.Logger
	hooks    EngineHooks
	tracer   trace.Tracer
	now      func() time.Time
}

// NewEngine wires the engine. notifier may be nil, in which case committed
// notifications are only stored.
func NewEngine(store Store, dir directory.Directory, resolver *directory.Resolver, router *Router, notifier Notifier, logger log.Logger, hooks EngineHooks) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{
		store:    store,
		dir:      dir,
		resolver: resolver,
		router:   router,
		audit:    NewAuditTrail(store),
		notifier: notifier,
		logger:   logger,
		hooks:    hooks,
		tracer:   otel.Tracer(tracerName),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create opens a new alert in PendingReview, dispatches it to a reviewer of
// the priority's target role and records the Created action.
func (e *Engine) Create(ctx context.Context, d *alert.Draft) (*alert.Alert, error) {
	begin := time.Now()
	ctx, span := e.tracer.Start(ctx, "workflow.Create", trace.WithAttributes(
		attribute.String("warden.alert.type", string(d.Type)),
		attribute.String("warden.alert.priority", string(d.Priority)),
	))
	defer span.End()

	a, err := e.create(ctx, d)
	L := e.logger.With("command", "create")
	if a != nil {
		L = L.With("alert_id", a.ID)
		span.SetAttributes(attribute.String("warden.alert.id", a.ID))
	}
	e.finish(ctx, span, L, "create", begin, err)
	return a, err
}

func (e *Engine) create(ctx context.Context, d *alert.Draft) (*alert.Alert, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	now := e.now()
	by := d.CreatedBy
	if by == "" {
		by = SystemActor
	}

	a := &alert.Alert{
		ID:               ulid.Make().String(),
		CustomerID:       d.CustomerID,
		WatchlistEntryID: d.WatchlistEntryID,
		Department:       d.Department,
		Context:          d.Context,
		Type:             d.Type,
		SimilarityScore:  d.SimilarityScore,
		MatchAlgorithm:   d.MatchAlgorithm,
		State:            alert.StatePendingReview,
		Priority:         d.Priority,
		DueDate:          alert.DueDate(now, d.Priority),
		SLAStatus:        alert.SLAOnTime,
		SLAHours:         alert.SLAHours(d.Priority),
		CreatedBy:        by,
		UpdatedBy:        by,
		LastAction:       alert.ActionCreated,
		LastActionAt:     now,
		CreatedAt:        now,
		UpdatedAt:        now,
		Version:          1,
	}

	c := &Change{Alert: a}
	n, err := e.router.Dispatch(ctx, a, now)
	if err != nil {
		return nil, err
	}
	if n != nil {
		c.Notifications = append(c.Notifications, n)
	}

	entry := &alert.Action{
		Type:        alert.ActionCreated,
		PerformedBy: by,
		NewState:    a.State,
		NewAssignee: a.AssignedTo,
		At:          now,
	}
	if a.AssignedTo != "" {
		entry.Comments = "dispatched to " + a.AssignedTo
	}
	if err := e.audit.Append(c, entry); err != nil {
		return nil, err
	}

	if err := e.commit(ctx, c); err != nil {
		return nil, err
	}
	e.deliver(ctx, c.Notifications)
	e.hooks.transition("", a.State)
	return a.Clone(), nil
}

// Assign hands the alert to an active reviewer and moves it to UnderReview.
// Reassigning an alert already under review is allowed.
func (e *Engine) Assign(ctx context.Context, id, assignee, by, comments string) (*alert.Alert, error) {
	return e.mutate(ctx, "assign", id, by, alert.ActionAssigned,
		func(ctx context.Context, next *alert.Alert, entry *alert.Action, now time.Time) ([]*alert.Notification, error) {
			if assignee == "" {
				return nil, alert.Invalid("assignee_id", "required")
			}
			u, ok, err := e.dir.GetUser(ctx, assignee)
			if err != nil {
				return nil, fmt.Errorf("look up assignee %s: %w", assignee, err)
			}
			if !ok {
				return nil, alert.Invalid("assignee_id", "unknown user "+assignee)
			}
			if !u.Active {
				return nil, alert.Invalid("assignee_id", "user "+assignee+" is inactive")
			}

			next.AssignedTo = u.ID
			next.CurrentReviewer = u.ID
			next.State = alert.StateUnderReview
			entry.Comments = comments
			return []*alert.Notification{AssignmentNotice(next, u, by, now)}, nil
		})
}

// Review records that reviewer has worked the alert. Re-entry is allowed, so
// notes can be added repeatedly and a pending approval can be reopened.
func (e *Engine) Review(ctx context.Context, id, reviewer, notes string) (*alert.Alert, error) {
	return e.mutate(ctx, "review", id, reviewer, alert.ActionReviewed,
		func(_ context.Context, next *alert.Alert, entry *alert.Action, now time.Time) ([]*alert.Notification, error) {
			next.CurrentReviewer = reviewer
			next.ReviewedBy = reviewer
			next.ReviewedAt = &now
			if notes != "" {
				next.OutcomeNotes = notes
			}
			next.State = alert.StateUnderReview
			entry.Comments = notes
			return nil, nil
		})
}

// SubmitForApproval moves a reviewed alert to PendingApproval.
func (e *Engine) SubmitForApproval(ctx context.Context, id, by, comments string) (*alert.Alert, error) {
	return e.mutate(ctx, "submit", id, by, alert.ActionSubmittedForApproval,
		func(_ context.Context, next *alert.Alert, entry *alert.Action, _ time.Time) ([]*alert.Notification, error) {
			next.State = alert.StatePendingApproval
			entry.Comments = comments
			return nil, nil
		})
}

// Approve confirms the match. The alert becomes Approved (coarse status Closed).
func (e *Engine) Approve(ctx context.Context, id, approver, comments, outcome string) (*alert.Alert, error) {
	return e.mutate(ctx, "approve", id, approver, alert.ActionApproved,
		func(_ context.Context, next *alert.Alert, entry *alert.Action, now time.Time) ([]*alert.Notification, error) {
			if outcome == "" {
				outcome = DefaultOutcome
			}
			next.State = alert.StateApproved
			next.ApprovedBy = approver
			next.ApprovedAt = &now
			next.ApprovalComments = comments
			next.Outcome = outcome
			entry.Comments = comments
			return nil, nil
		})
}

// Reject dismisses the match as a false positive. A reason is required.
func (e *Engine) Reject(ctx context.Context, id, rejecter, reason string) (*alert.Alert, error) {
	return e.mutate(ctx, "reject", id, rejecter, alert.ActionRejected,
		func(_ context.Context, next *alert.Alert, entry *alert.Action, now time.Time) ([]*alert.Notification, error) {
			if reason == "" {
				return nil, alert.Invalid("reason", "required")
			}
			next.State = alert.StateRejected
			next.RejectedBy = rejecter
			next.RejectedAt = &now
			next.RejectionReason = reason
			entry.Reason = reason
			return nil, nil
		})
}

// Escalate hands the alert to the next senior reviewer above by and restarts
// its review at a higher escalation level with a fresh SLA. When no senior
// exists it fails with alert.ErrEscalationUnavailable and changes nothing.
func (e *Engine) Escalate(ctx context.Context, id, by, reason string) (*alert.Alert, error) {
	return e.mutate(ctx, "escalate", id, by, alert.ActionEscalated,
		func(ctx context.Context, next *alert.Alert, entry *alert.Action, now time.Time) ([]*alert.Notification, error) {
			senior, ok, err := e.resolver.NextSenior(ctx, by, next.Department)
			if err != nil {
				return nil, fmt.Errorf("resolve senior of %s: %w", by, err)
			}
			if !ok {
				return nil, fmt.Errorf("%w: no active senior above %s", alert.ErrEscalationUnavailable, by)
			}

			next.EscalationLevel++
			next.EscalatedTo = senior.ID
			next.EscalatedAt = &now
			next.AssignedTo = senior.ID
			next.CurrentReviewer = senior.ID
			next.State = alert.StatePendingReview
			next.DueDate = alert.DueDate(now, next.Priority)
			next.SLAStatus = alert.SLAOnTime
			entry.Reason = reason
			return []*alert.Notification{EscalationNotice(next, senior, by, reason, now)}, nil
		})
}

// Close ends the review administratively without a match decision.
func (e *Engine) Close(ctx context.Context, id, by, reason string) (*alert.Alert, error) {
	return e.mutate(ctx, "close", id, by, alert.ActionClosed,
		func(_ context.Context, next *alert.Alert, entry *alert.Action, _ time.Time) ([]*alert.Notification, error) {
			next.State = alert.StateClosed
			entry.Reason = reason
			return nil, nil
		})
}

// Redispatch routes the alert again by its current priority, typically after
// the priority changed out of band. It follows Assign's preconditions and
// creates a new notification on every call.
func (e *Engine) Redispatch(ctx context.Context, id, by string) (*alert.Alert, error) {
	return e.mutate(ctx, "redispatch", id, by, alert.ActionAssigned,
		func(ctx context.Context, next *alert.Alert, entry *alert.Action, now time.Time) ([]*alert.Notification, error) {
			n, err := e.router.Dispatch(ctx, next, now)
			if err != nil {
				return nil, err
			}
			if n == nil {
				return nil, fmt.Errorf("%w: no active %s to dispatch to", alert.ErrEscalationUnavailable, TargetRole(next))
			}
			entry.Comments = "redispatched to " + next.AssignedTo
			return []*alert.Notification{n}, nil
		})
}

// Get returns an alert by ID.
func (e *Engine) Get(ctx context.Context, id string) (*alert.Alert, error) {
	a, ok, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get alert %s: %w", id, err)
	}
	if !ok {
		return nil, &alert.NotFoundError{Kind: "alert", ID: id}
	}
	return a, nil
}

// List returns one page of alerts matching f.
func (e *Engine) List(ctx context.Context, f alert.Filter) (*alert.Page, error) {
	f.Normalize()
	p, err := e.store.Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	return p, nil
}

// History returns the audit trail of an alert, most recent first.
func (e *Engine) History(ctx context.Context, id string) ([]*alert.Action, error) {
	if _, err := e.Get(ctx, id); err != nil {
		return nil, err
	}
	return e.audit.History(ctx, id)
}

// HierarchyChain lists the seniors above userID, nearest first.
func (e *Engine) HierarchyChain(ctx context.Context, userID string) ([]string, error) {
	_, ok, err := e.dir.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	if !ok {
		return nil, &alert.NotFoundError{Kind: "user", ID: userID}
	}
	return e.resolver.Chain(ctx, userID)
}

// Notifications lists a reviewer's inbox.
func (e *Engine) Notifications(ctx context.Context, f alert.NotificationFilter) ([]*alert.Notification, error) {
	if f.TargetUser == "" {
		return nil, alert.Invalid("target_user", "required")
	}
	ns, err := e.store.Notifications(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return ns, nil
}

// MarkNotificationRead flags a notification as read by by.
func (e *Engine) MarkNotificationRead(ctx context.Context, id, by string) error {
	if by == "" {
		return alert.Invalid("performed_by", "required")
	}
	ok, err := e.store.MarkNotificationRead(ctx, id, by, e.now())
	if err != nil {
		return fmt.Errorf("mark notification %s read: %w", id, err)
	}
	if !ok {
		return &alert.NotFoundError{Kind: "notification", ID: id}
	}
	return nil
}

// mutation applies one command to next, a private copy of the stored alert,
// filling in the command-specific parts of entry. It returns the
// notifications the command raises.
type mutation func(ctx context.Context, next *alert.Alert, entry *alert.Action, now time.Time) ([]*alert.Notification, error)

// mutate runs the load, check, apply, commit, deliver sequence shared by
// every command on an existing alert.
func (e *Engine) mutate(ctx context.Context, command, id, by string, action alert.ActionType, fn mutation) (*alert.Alert, error) {
	begin := time.Now()
	ctx, span := e.tracer.Start(ctx, "workflow."+command, trace.WithAttributes(
		attribute.String("warden.alert.id", id),
		attribute.String("warden.actor", by),
		attribute.String("warden.action", string(action)),
	))
	defer span.End()

	L := e.logger.With("alert_id", id, "command", command, "actor", by)
	a, err := e.apply(ctx, id, by, action, fn)
	e.finish(ctx, span, L, command, begin, err)
	return a, err
}

func (e *Engine) apply(ctx context.Context, id, by string, action alert.ActionType, fn mutation) (*alert.Alert, error) {
	if by == "" {
		return nil, alert.Invalid("performed_by", "required")
	}

	cur, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := alert.CheckTransition(cur.State, action); err != nil {
		return nil, err
	}

	now := e.now()
	next := cur.Clone()
	entry := &alert.Action{
		Type:             action,
		PerformedBy:      by,
		PreviousState:    cur.State,
		PreviousAssignee: cur.AssignedTo,
		At:               now,
	}

	notes, err := fn(ctx, next, entry, now)
	if err != nil {
		return nil, err
	}

	next.UpdatedAt = now
	next.UpdatedBy = by
	next.LastAction = action
	next.LastActionAt = now
	next.Version = cur.Version + 1
	entry.NewState = next.State
	entry.NewAssignee = next.AssignedTo

	c := &Change{Alert: next, ExpectedVersion: cur.Version, Notifications: notes}
	if err := e.audit.Append(c, entry); err != nil {
		return nil, err
	}
	if err := e.commit(ctx, c); err != nil {
		return nil, err
	}

	e.deliver(ctx, notes)
	if cur.State != next.State {
		e.hooks.transition(cur.State, next.State)
	}
	return next.Clone(), nil
}

// commit is the last point at which cancellation is honored.
func (e *Engine) commit(ctx context.Context, c *Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.store.Commit(ctx, c); err != nil {
		if errors.Is(err, alert.ErrConflict) {
			return err
		}
		return fmt.Errorf("commit %s for %s: %w", c.Action.Type, c.Alert.ID, err)
	}
	return nil
}

// deliver hands committed notifications to the notifier. Failures are logged
// and never undo the commit.
func (e *Engine) deliver(ctx context.Context, notes []*alert.Notification) {
	for _, n := range notes {
		handedOff := false
		if e.notifier != nil {
			if err := e.notifier.Notify(context.WithoutCancel(ctx), n); err != nil {
				e.logger.Warn(ctx, "notification hand-off failed",
					"notification_id", n.ID,
					"target_user", n.TargetUser,
					"error", err.Error(),
				)
			} else {
				handedOff = true
			}
		}
		e.hooks.notification(n.Type, handedOff)
	}
}

// finish records the outcome of a command on its span, log and hooks.
func (e *Engine) finish(ctx context.Context, span trace.Span, L log.Logger, command string, begin time.Time, err error) {
	outcome := Outcome(err)
	span.SetAttributes(attribute.String("warden.outcome", outcome))
	e.hooks.command(command, outcome, time.Since(begin).Seconds())

	switch outcome {
	case "ok":
		L.Info(ctx, "command applied")
	case "internal":
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		L.Error(ctx, err, "command failed")
	default:
		L.Info(ctx, "command refused", "outcome", outcome, "reason", err.Error())
	}
}

// Outcome classifies a command error into a stable label for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, alert.ErrNotFound):
		return "not_found"
	case errors.Is(err, alert.ErrValidation):
		return "invalid"
	case errors.Is(err, alert.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, alert.ErrConflict):
		return "conflict"
	case errors.Is(err, alert.ErrEscalationUnavailable):
		return "escalation_unavailable"
	case errors.Is(err, errAlreadyOverdue):
		return "skipped"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}
