// Package postgres is the durable session store. Rows carry the full
// session plus a JSONB metadata column; expiry sweeps work off the
// expiry_time index.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/voicewire/voicewire/pkg/session"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate brings the schema up to date. Run once at startup before the
// pool serves traffic.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("postgres: set dialect: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Store implements session.DurableStore on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (st *Store) Insert(ctx context.Context, s *session.Session) error {
	md, err := json.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal metadata: %w", err)
	}
	_, err = st.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, status, start_time, last_active_time, expiry_time, connection_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.UserID, string(s.Status), s.StartTime, s.LastActiveTime, s.ExpiryTime, s.ConnectionID, md)
	if err != nil {
		return fmt.Errorf("postgres: insert session: %w", err)
	}
	return nil
}

func (st *Store) Get(ctx context.Context, id string) (*session.Session, error) {
	row := st.pool.QueryRow(ctx, `
		SELECT id, user_id, status, start_time, last_active_time, expiry_time, connection_id, metadata
		FROM sessions WHERE id = $1`, id)

	var (
		s      session.Session
		status string
		md     []byte
	)
	err := row.Scan(&s.ID, &s.UserID, &status, &s.StartTime, &s.LastActiveTime, &s.ExpiryTime, &s.ConnectionID, &md)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, session.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get session: %w", err)
	}
	s.Status = session.Status(status)
	if err := json.Unmarshal(md, &s.Metadata); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal metadata: %w", err)
	}
	return &s, nil
}

func (st *Store) Update(ctx context.Context, s *session.Session) error {
	md, err := json.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal metadata: %w", err)
	}
	tag, err := st.pool.Exec(ctx, `
		UPDATE sessions
		SET status = $2, last_active_time = $3, expiry_time = $4, connection_id = $5, metadata = $6
		WHERE id = $1`,
		s.ID, string(s.Status), s.LastActiveTime, s.ExpiryTime, s.ConnectionID, md)
	if err != nil {
		return fmt.Errorf("postgres: update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (st *Store) MarkExpired(ctx context.Context, id string, at time.Time) error {
	tag, err := st.pool.Exec(ctx, `
		UPDATE sessions SET status = $2, expiry_time = $3 WHERE id = $1`,
		id, string(session.StatusExpired), at)
	if err != nil {
		return fmt.Errorf("postgres: mark session expired: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (st *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := st.pool.Query(ctx, `
		SELECT id FROM sessions WHERE expiry_time < $1 ORDER BY expiry_time LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expired sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan expired session: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list expired sessions: %w", err)
	}
	return ids, nil
}

func (st *Store) DeleteBatch(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := st.pool.Exec(ctx, `DELETE FROM sessions WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
