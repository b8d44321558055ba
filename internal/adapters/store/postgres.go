package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Telehealth/internal/core"
	"github.com/dkeye/Telehealth/internal/domain"
	"github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS telehealth_sessions (
	id         TEXT PRIMARY KEY,
	doc        JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS telehealth_idempotency (
	key        TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// pushAudit appends to doc.auditLog in a single statement.
const pushAudit = `
UPDATE telehealth_sessions
SET doc = jsonb_set(doc, '{auditLog}',
		CASE WHEN jsonb_typeof(doc->'auditLog') = 'array' THEN doc->'auditLog' ELSE '[]'::jsonb END || $2::jsonb),
	updated_at = $3
WHERE id = $1
RETURNING doc`

type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// OpenPostgres connects through lib/pq and makes sure the tables exist.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	p := NewPostgres(db)
	if err := p.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Create(ctx context.Context, s *domain.Session) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO telehealth_sessions (id, doc, updated_at) VALUES ($1, $2, $3)`,
		string(s.ID), doc, s.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrExists
	}
	return err
}

func (p *Postgres) FindByID(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx, `SELECT doc FROM telehealth_sessions WHERE id = $1`, string(id)).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(id, doc)
}

func (p *Postgres) FindByIDAndUpdate(ctx context.Context, id domain.SessionID, u core.SessionUpdate) (*domain.Session, error) {
	now := time.Now().UTC()
	if onlyPush(u) {
		entries, err := json.Marshal(u.PushAudit)
		if err != nil {
			return nil, err
		}
		var doc []byte
		err = p.db.QueryRowContext(ctx, pushAudit, string(id), entries, now).Scan(&doc)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		return decode(id, doc)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var doc []byte
	err = tx.QueryRowContext(ctx, `SELECT doc FROM telehealth_sessions WHERE id = $1 FOR UPDATE`, string(id)).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s, err := decode(id, doc)
	if err != nil {
		return nil, err
	}
	u.Apply(s, now)
	next, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE telehealth_sessions SET doc = $2, updated_at = $3 WHERE id = $1`, string(id), next, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *Postgres) Claim(ctx context.Context, key string, id domain.SessionID) (domain.SessionID, bool, error) {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO telehealth_idempotency (key, session_id) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`,
		key, string(id))
	if err != nil {
		return "", false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return id, true, nil
	}
	var existing string
	err = p.db.QueryRowContext(ctx, `SELECT session_id FROM telehealth_idempotency WHERE key = $1`, key).Scan(&existing)
	if err != nil {
		return "", false, err
	}
	return domain.SessionID(existing), false, nil
}

func (p *Postgres) Release(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM telehealth_idempotency WHERE key = $1`, key)
	return err
}

func onlyPush(u core.SessionUpdate) bool {
	return u.Status == nil && u.ActualStart == nil && u.EndedAt == nil &&
		u.EndReason == nil && u.EncryptionVerified == nil && len(u.PushAudit) > 0
}

func decode(id domain.SessionID, doc []byte) (*domain.Session, error) {
	var s domain.Session
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &s, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
