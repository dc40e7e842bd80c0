package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/georgysavva/scany/pgxscan"

	"github.com/example/errand-matching/internal/db"
	"github.com/example/errand-matching/internal/models"
)

type sessionRow struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	Payload   []byte    `db:"payload"`
	ExpiresAt time.Time `db:"expires_at"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r *sessionRow) toModel() (*models.Session, error) {
	s := &models.Session{
		ID:        r.ID,
		UserID:    r.UserID,
		ExpiresAt: r.ExpiresAt,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		Payload:   map[string]string{},
	}
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, &s.Payload); err != nil {
			return nil, fmt.Errorf("decode session payload: %w", err)
		}
	}
	return s, nil
}

const sessionColumns = `id, user_id, payload, expires_at, created_at, updated_at`

// PostgresBackend keeps sessions in the sessions table; the unique user_id
// column makes the collision policy a single upsert.
type PostgresBackend struct {
	db db.DB
}

func NewPostgresBackend(database db.DB) *PostgresBackend {
	return &PostgresBackend{db: database}
}

func (b *PostgresBackend) Insert(ctx context.Context, s *models.Session, replace bool, now time.Time) error {
	payload, err := json.Marshal(s.Payload)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO sessions (id, user_id, payload, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3::jsonb, $4, $5, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			id = EXCLUDED.id,
			payload = EXCLUDED.payload,
			expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at`
	if !replace {
		// an expired row never blocks a new session
		query += ` WHERE sessions.expires_at <= $6`
		tag, err := b.db.Exec(ctx, query, s.ID, s.UserID, string(payload), s.ExpiresAt, s.CreatedAt, now)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return &models.DuplicateSessionError{UserID: s.UserID}
		}
		return nil
	}
	if _, err := b.db.Exec(ctx, query, s.ID, s.UserID, string(payload), s.ExpiresAt, s.CreatedAt); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (b *PostgresBackend) get(ctx context.Context, key, query, arg string, now time.Time) (*models.Session, error) {
	var row sessionRow
	err := b.db.Get(ctx, &row, query, arg)
	if pgxscan.NotFound(err) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if !now.Before(row.ExpiresAt) {
		if _, err := b.db.Exec(ctx, `DELETE FROM sessions WHERE id = $1 AND expires_at <= $2`, row.ID, now); err != nil {
			return nil, fmt.Errorf("purge session: %w", err)
		}
		return nil, notFound(key)
	}
	return row.toModel()
}

func (b *PostgresBackend) GetByUser(ctx context.Context, userID string, now time.Time) (*models.Session, error) {
	return b.get(ctx, userID, `SELECT `+sessionColumns+` FROM sessions WHERE user_id = $1`, userID, now)
}

func (b *PostgresBackend) GetByID(ctx context.Context, id string, now time.Time) (*models.Session, error) {
	return b.get(ctx, id, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id, now)
}

// Merge relies on jsonb concatenation, so concurrent patches never lose keys.
func (b *PostgresBackend) Merge(ctx context.Context, id string, patch map[string]string, now time.Time) (*models.Session, error) {
	raw, err := json.Marshal(patch)
	if err != nil {
		return nil, err
	}
	var row sessionRow
	err = b.db.Get(ctx, &row, `
		UPDATE sessions SET payload = payload || $2::jsonb, updated_at = $3
		WHERE id = $1 AND expires_at > $3
		RETURNING `+sessionColumns, id, string(raw), now)
	if pgxscan.NotFound(err) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("merge session: %w", err)
	}
	return row.toModel()
}

func (b *PostgresBackend) SetExpiry(ctx context.Context, id string, expiresAt, now time.Time) (*models.Session, error) {
	var row sessionRow
	err := b.db.Get(ctx, &row, `
		UPDATE sessions SET expires_at = $2, updated_at = $3
		WHERE id = $1 AND expires_at > $3
		RETURNING `+sessionColumns, id, expiresAt, now)
	if pgxscan.NotFound(err) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("extend session: %w", err)
	}
	return row.toModel()
}

func (b *PostgresBackend) Delete(ctx context.Context, id string) error {
	tag, err := b.db.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(id)
	}
	return nil
}

func (b *PostgresBackend) DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	var ids []string
	err := b.db.Select(ctx, &ids, `
		DELETE FROM sessions WHERE id IN (
			SELECT id FROM sessions WHERE expires_at <= $1 ORDER BY expires_at LIMIT $2
		) RETURNING id`, now, limit)
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	return len(ids), nil
}
