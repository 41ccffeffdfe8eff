package presence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store is the persistence contract for presence rows.
// The Postgres table is the source of truth; the Tracker's cache and the
// change feed are derived views.
type Store interface {
	Get(ctx context.Context, expertID string) (Record, bool, error)
	GetBulk(ctx context.Context, expertIDs []string) ([]Record, error)
	Upsert(ctx context.Context, rec Record) error
	TouchActivity(ctx context.Context, expertID string, at time.Time) (Record, bool, error)
}

// PostgresStore persists presence in the expert_presence table:
//
//	expert_id UUID PRIMARY KEY,
//	status TEXT NOT NULL,
//	accepting_calls BOOLEAN NOT NULL,
//	last_activity TIMESTAMPTZ NOT NULL,
//	previous_status TEXT,
//	updated_at TIMESTAMPTZ NOT NULL
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const presenceColumns = "expert_id, status, accepting_calls, last_activity, previous_status, updated_at"

func (s *PostgresStore) Get(ctx context.Context, expertID string) (Record, bool, error) {
	const q = `
SELECT ` + presenceColumns + `
FROM expert_presence
WHERE expert_id = $1
`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, q, expertID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	return rec, true, nil
}

func (s *PostgresStore) GetBulk(ctx context.Context, expertIDs []string) ([]Record, error) {
	if len(expertIDs) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(expertIDs))
	args := make([]any, len(expertIDs))
	for i, id := range expertIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	q := `
SELECT ` + presenceColumns + `
FROM expert_presence
WHERE expert_id IN (` + strings.Join(placeholders, ",") + `)
`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Upsert(ctx context.Context, rec Record) error {
	const q = `
INSERT INTO expert_presence (expert_id, status, accepting_calls, last_activity, previous_status, updated_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (expert_id)
DO UPDATE SET status = EXCLUDED.status,
              accepting_calls = EXCLUDED.accepting_calls,
              last_activity = EXCLUDED.last_activity,
              previous_status = EXCLUDED.previous_status,
              updated_at = EXCLUDED.updated_at
`
	_, err := s.db.ExecContext(ctx, q,
		rec.ExpertID,
		string(rec.Status),
		rec.AcceptingCalls,
		rec.LastActivity,
		nullableStatus(rec.PreviousStatus),
		rec.UpdatedAt,
	)
	return err
}

// TouchActivity bumps last_activity without changing status. Returns the
// updated row so the caller can refresh its cache and publish the change.
func (s *PostgresStore) TouchActivity(ctx context.Context, expertID string, at time.Time) (Record, bool, error) {
	const q = `
UPDATE expert_presence
SET last_activity = $2, updated_at = $2
WHERE expert_id = $1
RETURNING ` + presenceColumns + `
`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, q, expertID, at))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	return rec, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var status string
	var prev sql.NullString
	if err := row.Scan(
		&rec.ExpertID,
		&status,
		&rec.AcceptingCalls,
		&rec.LastActivity,
		&prev,
		&rec.UpdatedAt,
	); err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	if prev.Valid {
		rec.PreviousStatus = Status(prev.String)
	}
	return rec, nil
}

func nullableStatus(s Status) any {
	if s == "" {
		return nil
	}
	return string(s)
}
