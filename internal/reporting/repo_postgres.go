package reporting

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"counsel-platform/internal/calls"
	"counsel-platform/internal/wallet"
)

// PostgresRepo reads directly from the session and ledger tables. Reporting
// is read-only; it never writes.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) ListSessions(ctx context.Context, expertID string, from, to time.Time) ([]calls.Session, error) {
	query := `
		SELECT id, caller_id, expert_id, call_type, status,
		       cost_minor, currency, selected_minutes, duration_seconds,
		       answered_at, created_at
		FROM call_sessions
		WHERE expert_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, expertID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []calls.Session
	for rows.Next() {
		var s calls.Session
		var answered sql.NullTime
		if err := rows.Scan(&s.ID, &s.CallerID, &s.ExpertID, &s.CallType, &s.Status,
			&s.CostMinor, &s.Currency, &s.SelectedMinutes, &s.DurationSeconds,
			&answered, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if answered.Valid {
			t := answered.Time
			s.AnsweredAt = &t
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) ListRefunds(ctx context.Context, expertID string, from, to time.Time) ([]wallet.Transaction, error) {
	query := `
		SELECT id, user_id, type, amount_minor, currency, reason,
		       COALESCE(metadata::text, ''), created_at
		FROM wallet_transactions
		WHERE type = 'credit'
		  AND metadata->>'expert_id' = $1
		  AND created_at >= $2 AND created_at < $3
		ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, expertID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list refunds: %w", err)
	}
	defer rows.Close()

	var out []wallet.Transaction
	for rows.Next() {
		var t wallet.Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.AmountMinor, &t.Currency,
			&t.Reason, &t.Metadata, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan refund: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
