// Package pgstore provides a PostgreSQL implementation of workflow.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/workflow"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/workflow/pgstore")

//go:embed schema.sql
var schema string

// DefaultNotificationLimit applies when a filter leaves Limit unset.
const DefaultNotificationLimit = 50

// Store persists alerts, their audit trail and notifications in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The pool stays
// owned by the caller.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const alertColumns = `id, customer_id, watchlist_entry_id, department, context, alert_type,
	similarity_score::text, match_algorithm, state, priority, assigned_to, current_reviewer,
	reviewed_by, reviewed_at, approved_by, approved_at, rejected_by, rejected_at,
	rejection_reason, approval_comments, outcome, outcome_notes, due_date, escalated_to,
	escalated_at, sla_status, sla_hours, escalation_level, created_by, updated_by,
	last_action, last_action_at, created_at, updated_at, version`

const actionColumns = `id, alert_id, action_type, performed_by, previous_state, new_state,
	previous_assignee, new_assignee, comments, reason, action_at`

const notificationColumns = `id, notification_type, title, message, payload, target_user,
	target_role, recipient, is_read, read_at, read_by, priority, created_at, expires_at`

// Get retrieves an alert by ID.
func (s *Store) Get(ctx context.Context, id string) (*alert.Alert, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	a, err := scanAlert(s.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		recordErr(span, err)
		return nil, false, err
	}
	return a, true, nil
}

// Query returns one page of alerts matching f, newest first.
func (s *Store) Query(ctx context.Context, f alert.Filter) (*alert.Page, error) {
	ctx, span := startSpan(ctx, "pgstore.Query", "SELECT")
	defer span.End()

	f.Normalize()
	where, args := filterClause(f)

	page := &alert.Page{Page: f.Page, PageSize: f.PageSize, Alerts: []*alert.Alert{}}
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM alerts`+where, args...).Scan(&page.Total); err != nil {
		err = fmt.Errorf("count alerts: %w", err)
		recordErr(span, err)
		return nil, err
	}

	args = append(args, f.PageSize, f.Offset())
	query := `SELECT ` + alertColumns + ` FROM alerts` + where +
		` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))

	alerts, err := s.listAlerts(ctx, query, args...)
	if err != nil {
		recordErr(span, err)
		return nil, err
	}
	page.Alerts = alerts
	return page, nil
}

// Commit writes the alert, its action and its notifications in one
// transaction. An update only applies to the version it was computed from.
func (s *Store) Commit(ctx context.Context, c *workflow.Change) error {
	ctx, span := startSpan(ctx, "pgstore.Commit", "UPSERT")
	defer span.End()
	span.SetAttributes(attribute.String("warden.alert.id", c.Alert.ID))

	err := s.commit(ctx, c)
	if err != nil && !errors.Is(err, alert.ErrConflict) {
		recordErr(span, err)
	}
	return err
}

func (s *Store) commit(ctx context.Context, c *workflow.Change) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if c.ExpectedVersion == 0 {
		err = insertAlert(ctx, tx, c.Alert)
	} else {
		err = updateAlert(ctx, tx, c.Alert, c.ExpectedVersion)
	}
	if err != nil {
		return err
	}

	if c.Action != nil {
		if err := insertAction(ctx, tx, c.Action); err != nil {
			return err
		}
	}
	for _, n := range c.Notifications {
		if err := insertNotification(ctx, tx, n); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Actions returns the audit trail for an alert, newest first.
func (s *Store) Actions(ctx context.Context, alertID string) ([]*alert.Action, error) {
	ctx, span := startSpan(ctx, "pgstore.Actions", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+actionColumns+` FROM alert_actions WHERE alert_id = $1 ORDER BY seq DESC`, alertID)
	if err != nil {
		err = fmt.Errorf("query actions: %w", err)
		recordErr(span, err)
		return nil, err
	}
	defer rows.Close()

	out := []*alert.Action{}
	for rows.Next() {
		var act alert.Action
		var typ, prev, next string
		if err := rows.Scan(&act.ID, &act.AlertID, &typ, &act.PerformedBy, &prev, &next,
			&act.PreviousAssignee, &act.NewAssignee, &act.Comments, &act.Reason, &act.At); err != nil {
			err = fmt.Errorf("scan action: %w", err)
			recordErr(span, err)
			return nil, err
		}
		act.Type = alert.ActionType(typ)
		act.PreviousState = alert.State(prev)
		act.NewState = alert.State(next)
		out = append(out, &act)
	}
	if err := rows.Err(); err != nil {
		err = fmt.Errorf("iterate actions: %w", err)
		recordErr(span, err)
		return nil, err
	}
	return out, nil
}

// Notifications lists notifications newest first.
func (s *Store) Notifications(ctx context.Context, f alert.NotificationFilter) ([]*alert.Notification, error) {
	ctx, span := startSpan(ctx, "pgstore.Notifications", "SELECT")
	defer span.End()

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultNotificationLimit
	}

	var conds []string
	var args []any
	if f.TargetUser != "" {
		args = append(args, f.TargetUser)
		conds = append(conds, "target_user = $"+strconv.Itoa(len(args)))
	}
	if f.UnreadOnly {
		conds = append(conds, "NOT is_read")
	}
	args = append(args, limit)
	query := `SELECT ` + notificationColumns + ` FROM notifications` + joinWhere(conds) +
		` ORDER BY seq DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		err = fmt.Errorf("query notifications: %w", err)
		recordErr(span, err)
		return nil, err
	}
	defer rows.Close()

	out := []*alert.Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			recordErr(span, err)
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		err = fmt.Errorf("iterate notifications: %w", err)
		recordErr(span, err)
		return nil, err
	}
	return out, nil
}

// MarkNotificationRead flags a notification as read, keeping the first reader.
func (s *Store) MarkNotificationRead(ctx context.Context, id, by string, at time.Time) (bool, error) {
	ctx, span := startSpan(ctx, "pgstore.MarkNotificationRead", "UPDATE")
	defer span.End()

	var found bool
	err := s.pool.QueryRow(ctx,
		`WITH upd AS (
			UPDATE notifications SET is_read = TRUE, read_by = $2, read_at = $3
			WHERE id = $1 AND NOT is_read
			RETURNING id
		)
		SELECT EXISTS (SELECT 1 FROM upd) OR EXISTS (SELECT 1 FROM notifications WHERE id = $1)`,
		id, by, at,
	).Scan(&found)
	if err != nil {
		err = fmt.Errorf("mark notification read: %w", err)
		recordErr(span, err)
		return false, err
	}
	return found, nil
}

// ListOverdue returns non-terminal on-time alerts due before now.
func (s *Store) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*alert.Alert, error) {
	ctx, span := startSpan(ctx, "pgstore.ListOverdue", "SELECT")
	defer span.End()

	if limit <= 0 {
		limit = workflow.SweepBatchSize
	}
	alerts, err := s.listAlerts(ctx,
		`SELECT `+alertColumns+` FROM alerts
		 WHERE sla_status = $1 AND due_date < $2 AND state NOT IN ('approved', 'rejected', 'closed')
		 ORDER BY due_date, id LIMIT $3`,
		alert.SLAOnTime, now, limit)
	if err != nil {
		recordErr(span, err)
		return nil, err
	}
	return alerts, nil
}

func (s *Store) listAlerts(ctx context.Context, query string, args ...any) ([]*alert.Alert, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	out := []*alert.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return out, nil
}

func insertAlert(ctx context.Context, tx pgx.Tx, a *alert.Alert) error {
	_, err := tx.Exec(ctx, `INSERT INTO alerts (`+alertInsertColumns+`) VALUES (`+placeholders(35)+`)`,
		alertArgs(a)...)
	if err != nil {
		if isUniqueViolation(err) {
			return alert.ErrConflict
		}
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func updateAlert(ctx context.Context, tx pgx.Tx, a *alert.Alert, expected int64) error {
	args := append(alertArgs(a), expected)
	tag, err := tx.Exec(ctx, `UPDATE alerts SET (`+alertInsertColumns+`) = (`+placeholders(35)+`)
		WHERE id = $1 AND version = $36`, args...)
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return alert.ErrConflict
	}
	return nil
}

// alertInsertColumns matches the order of alertArgs.
const alertInsertColumns = `id, customer_id, watchlist_entry_id, department, context, alert_type,
	similarity_score, match_algorithm, state, priority, assigned_to, current_reviewer,
	reviewed_by, reviewed_at, approved_by, approved_at, rejected_by, rejected_at,
	rejection_reason, approval_comments, outcome, outcome_notes, due_date, escalated_to,
	escalated_at, sla_status, sla_hours, escalation_level, created_by, updated_by,
	last_action, last_action_at, created_at, updated_at, version`

func alertArgs(a *alert.Alert) []any {
	return []any{
		a.ID, a.CustomerID, a.WatchlistEntryID, a.Department, string(a.Context), string(a.Type),
		a.SimilarityScore, a.MatchAlgorithm, string(a.State), string(a.Priority), a.AssignedTo, a.CurrentReviewer,
		a.ReviewedBy, a.ReviewedAt, a.ApprovedBy, a.ApprovedAt, a.RejectedBy, a.RejectedAt,
		a.RejectionReason, a.ApprovalComments, a.Outcome, a.OutcomeNotes, a.DueDate, a.EscalatedTo,
		a.EscalatedAt, a.SLAStatus, a.SLAHours, a.EscalationLevel, a.CreatedBy, a.UpdatedBy,
		string(a.LastAction), a.LastActionAt, a.CreatedAt, a.UpdatedAt, a.Version,
	}
}

func insertAction(ctx context.Context, tx pgx.Tx, act *alert.Action) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO alert_actions (`+actionColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		act.ID, act.AlertID, string(act.Type), act.PerformedBy, string(act.PreviousState), string(act.NewState),
		act.PreviousAssignee, act.NewAssignee, act.Comments, act.Reason, act.At,
	)
	if err != nil {
		return fmt.Errorf("insert action %s: %w", act.Type, err)
	}
	return nil
}

func insertNotification(ctx context.Context, tx pgx.Tx, n *alert.Notification) error {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO notifications (id, notification_type, title, message, payload, target_user,
			target_role, recipient, is_read, read_at, read_by, priority, created_at, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		n.ID, string(n.Type), n.Title, n.Message, payload, n.TargetUser,
		n.TargetRole, n.Recipient, n.Read, n.ReadAt, n.ReadBy, string(n.Priority), n.CreatedAt, n.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func scanAlert(row pgx.Row) (*alert.Alert, error) {
	var (
		a                                    alert.Alert
		ctxName, typ, score, state, priority string
		lastAction                           string
	)
	err := row.Scan(
		&a.ID, &a.CustomerID, &a.WatchlistEntryID, &a.Department, &ctxName, &typ,
		&score, &a.MatchAlgorithm, &state, &priority, &a.AssignedTo, &a.CurrentReviewer,
		&a.ReviewedBy, &a.ReviewedAt, &a.ApprovedBy, &a.ApprovedAt, &a.RejectedBy, &a.RejectedAt,
		&a.RejectionReason, &a.ApprovalComments, &a.Outcome, &a.OutcomeNotes, &a.DueDate, &a.EscalatedTo,
		&a.EscalatedAt, &a.SLAStatus, &a.SLAHours, &a.EscalationLevel, &a.CreatedBy, &a.UpdatedBy,
		&lastAction, &a.LastActionAt, &a.CreatedAt, &a.UpdatedAt, &a.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan alert: %w", err)
	}

	a.Context = alert.Context(ctxName)
	a.Type = alert.Type(typ)
	a.State = alert.State(state)
	a.Priority = alert.Priority(priority)
	a.LastAction = alert.ActionType(lastAction)
	if a.SimilarityScore, err = decimal.NewFromString(score); err != nil {
		return nil, fmt.Errorf("parse similarity score %q: %w", score, err)
	}
	return &a, nil
}

func scanNotification(row pgx.Row) (*alert.Notification, error) {
	var (
		n             alert.Notification
		typ, priority string
		payload       []byte
	)
	if err := row.Scan(&n.ID, &typ, &n.Title, &n.Message, &payload, &n.TargetUser,
		&n.TargetRole, &n.Recipient, &n.Read, &n.ReadAt, &n.ReadBy, &priority, &n.CreatedAt, &n.ExpiresAt); err != nil {
		return nil, fmt.Errorf("scan notification: %w", err)
	}
	n.Type = alert.NotificationType(typ)
	n.Priority = alert.Priority(priority)
	if err := json.Unmarshal(payload, &n.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal notification payload: %w", err)
	}
	return &n, nil
}

// filterClause translates f into a WHERE clause. The coarse status is
// expanded into the states that derive it.
func filterClause(f alert.Filter) (string, []any) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	switch f.Status {
	case alert.StatusOpen:
		conds = append(conds, "(state = 'pending_review' AND escalation_level = 0)")
	case alert.StatusUnderReview:
		conds = append(conds, "state IN ('under_review', 'pending_approval')")
	case alert.StatusEscalated:
		conds = append(conds, "((state = 'pending_review' AND escalation_level > 0) OR state = 'escalated')")
	case alert.StatusClosed:
		conds = append(conds, "state IN ('approved', 'closed')")
	case alert.StatusFalsePositive:
		conds = append(conds, "state = 'rejected'")
	}
	if f.State != "" {
		conds = append(conds, "state = "+arg(string(f.State)))
	}
	if f.AssignedTo != "" {
		conds = append(conds, "assigned_to = "+arg(f.AssignedTo))
	}
	if f.Priority != "" {
		conds = append(conds, "priority = "+arg(string(f.Priority)))
	}
	return joinWhere(conds), args
}

func joinWhere(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func placeholders(n int) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(",")
		}
		b.WriteString("$" + strconv.Itoa(i))
	}
	return b.String()
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func recordErr(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
