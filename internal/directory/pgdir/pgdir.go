// Package pgdir provides a read-only PostgreSQL implementation of directory.Directory.
package pgdir

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/warden/internal/directory"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/directory/pgdir")

//go:embed schema.sql
var schema string

const userColumns = `id, name, email, role, department, active`

// natural order for list queries; selection strategies depend on it being stable.
const naturalOrder = ` ORDER BY created_at, id`

// Directory reads reviewers from the directory_users table.
type Directory struct {
	pool *pgxpool.Pool
}

// New ensures the directory table exists and returns a ready Directory.
func New(ctx context.Context, pool *pgxpool.Pool) (*Directory, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply directory schema: %w", err)
	}
	return &Directory{pool: pool}, nil
}

// GetUser looks up a user by ID regardless of the active flag.
func (d *Directory) GetUser(ctx context.Context, id string) (*directory.User, bool, error) {
	ctx, span := startSpan(ctx, "pgdir.GetUser")
	defer span.End()

	var u directory.User
	var role string
	err := d.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM directory_users WHERE id = $1`, id).
		Scan(&u.ID, &u.Name, &u.Email, &role, &u.Department, &u.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		recordErr(span, err)
		return nil, false, fmt.Errorf("get user: %w", err)
	}
	u.Role = directory.Role(role)
	return &u, true, nil
}

// FindActiveByRoleAndDepartment lists active users holding role in department.
func (d *Directory) FindActiveByRoleAndDepartment(ctx context.Context, role directory.Role, department string) ([]*directory.User, error) {
	ctx, span := startSpan(ctx, "pgdir.FindActiveByRoleAndDepartment")
	defer span.End()

	users, err := d.list(ctx,
		`SELECT `+userColumns+` FROM directory_users WHERE active AND role = $1 AND department = $2`+naturalOrder,
		string(role), department)
	if err != nil {
		recordErr(span, err)
	}
	return users, err
}

// FindFirstActiveByRole returns the first active user with role in natural order.
func (d *Directory) FindFirstActiveByRole(ctx context.Context, role directory.Role) (*directory.User, bool, error) {
	ctx, span := startSpan(ctx, "pgdir.FindFirstActiveByRole")
	defer span.End()

	users, err := d.list(ctx,
		`SELECT `+userColumns+` FROM directory_users WHERE active AND role = $1`+naturalOrder+` LIMIT 1`,
		string(role))
	if err != nil {
		recordErr(span, err)
		return nil, false, err
	}
	if len(users) == 0 {
		return nil, false, nil
	}
	return users[0], true, nil
}

// FindActiveByRole lists active users holding role in any department.
func (d *Directory) FindActiveByRole(ctx context.Context, role directory.Role) ([]*directory.User, error) {
	ctx, span := startSpan(ctx, "pgdir.FindActiveByRole")
	defer span.End()

	users, err := d.list(ctx,
		`SELECT `+userColumns+` FROM directory_users WHERE active AND role = $1`+naturalOrder,
		string(role))
	if err != nil {
		recordErr(span, err)
	}
	return users, err
}

func (d *Directory) list(ctx context.Context, query string, args ...any) ([]*directory.User, error) {
	rows, err := d.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var out []*directory.User
	for rows.Next() {
		var u directory.User
		var role string
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &role, &u.Department, &u.Active); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.Role = directory.Role(role)
		out = append(out, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return out, nil
}

func startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
}

func recordErr(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
