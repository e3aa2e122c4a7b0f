// Package sessionsql stores sessions in PostgreSQL. The compare-and-swap
// transition is a row-locked read-check-update inside one transaction.
package sessionsql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/verimeet/broker/internal/serviceerr"
	"github.com/verimeet/broker/internal/session"
)

type Repository struct {
	db *pgxpool.Pool
}

var _ session.Repository = (*Repository)(nil)

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{
		db: db,
	}
}

const sessionColumns = `id, state, purpose, auth_plugin_id, comm_plugin_id, attributes,
	auth_redirect_url, comm_redirect_url, failure_reason, created_at, updated_at, expires_at`

func (r *Repository) Create(ctx context.Context, s session.Session) error {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now()
	}

	if _, err := r.db.Exec(
		ctx, `INSERT INTO sessions (`+sessionColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12);`,
		s.ID, s.State, s.Purpose, s.AuthPluginID, s.CommPluginID, s.Attributes,
		s.AuthRedirectURL, s.CommRedirectURL, s.FailureReason, s.CreatedAt, s.UpdatedAt, s.ExpiresAt,
	); err != nil {
		if err, ok := handlePgError(err); ok {
			return err
		}

		return fmt.Errorf("inserting into sessions: %w", err)
	}

	return nil
}

func (r *Repository) Load(ctx context.Context, id string) (session.Session, error) {
	s, err := r.load(ctx, r.db, id, "")
	if err != nil {
		return session.Session{}, err
	}

	if s.Expired(time.Now()) {
		// Lazy flip through the same CAS gate the engine uses.
		expired, err := r.Transition(ctx, id, s.State, session.StateExpired, nil)
		if err == nil {
			return expired, nil
		}

		return r.load(ctx, r.db, id, "")
	}

	return s, nil
}

func (r *Repository) Transition(ctx context.Context, id string, expected, next session.State, mutate func(*session.Session) error) (session.Session, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return session.Session{}, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	s, err := r.load(ctx, tx, id, " FOR UPDATE")
	if err != nil {
		return session.Session{}, err
	}

	if s.Expired(time.Now()) {
		s.State = session.StateExpired
		s.UpdatedAt = time.Now()
		if err := r.update(ctx, tx, s); err != nil {
			return session.Session{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return session.Session{}, fmt.Errorf("committing tx: %w", err)
		}

		return session.Session{}, serviceerr.ErrExpired
	}

	if s.State != expected {
		if s.State == session.StateExpired {
			return session.Session{}, serviceerr.ErrExpired
		}

		return session.Session{}, serviceerr.ErrConflict
	}

	if mutate != nil {
		if err := mutate(&s); err != nil {
			return session.Session{}, err
		}
	}

	s.State = next
	s.UpdatedAt = time.Now()

	if err := r.update(ctx, tx, s); err != nil {
		return session.Session{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return session.Session{}, fmt.Errorf("committing tx: %w", err)
	}

	return s, nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("deleting from sessions: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return serviceerr.ErrNotFound
	}

	return nil
}

func (r *Repository) List(ctx context.Context) ([]session.Session, error) {
	rows, err := r.db.Query(ctx, `SELECT `+sessionColumns+` FROM sessions;`)
	if err != nil {
		return nil, fmt.Errorf("selecting from sessions: %w", err)
	}
	defer rows.Close()

	var sessions []session.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}

		sessions = append(sessions, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}

	return sessions, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *Repository) load(ctx context.Context, q querier, id, locking string) (session.Session, error) {
	row := q.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`+locking+`;`, id)

	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return session.Session{}, serviceerr.ErrNotFound
		}

		return session.Session{}, err
	}

	return s, nil
}

func (r *Repository) update(ctx context.Context, tx pgx.Tx, s session.Session) error {
	if _, err := tx.Exec(
		ctx, `UPDATE sessions
SET (state, attributes, auth_redirect_url, comm_redirect_url, failure_reason, updated_at) =
	($2, $3, $4, $5, $6, $7)
WHERE id = $1;`,
		s.ID, s.State, s.Attributes, s.AuthRedirectURL, s.CommRedirectURL, s.FailureReason, s.UpdatedAt,
	); err != nil {
		return fmt.Errorf("updating sessions: %w", err)
	}

	return nil
}

func scanSession(row pgx.Row) (s session.Session, _ error) {
	if err := row.Scan(
		&s.ID, &s.State, &s.Purpose, &s.AuthPluginID, &s.CommPluginID, &s.Attributes,
		&s.AuthRedirectURL, &s.CommRedirectURL, &s.FailureReason, &s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt,
	); err != nil {
		return session.Session{}, err
	}

	return s, nil
}

func handlePgError(err error) (error, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return serviceerr.ErrConflict, true
	}

	return err, false
}
