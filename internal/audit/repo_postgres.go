package audit

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresRepo appends events to audit_events. INSERT only; the table should
// carry a policy rejecting UPDATE/DELETE.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	query := `
		INSERT INTO audit_events
			(id, type, actor_user_id, actor_role, ip_address,
			 target_user_id, session_id, transaction_id,
			 message, metadata, created_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''),
			NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''),
			NULLIF($9, ''), NULLIF($10, '')::jsonb, $11)`

	_, err := r.db.ExecContext(ctx, query,
		e.ID, e.Type, e.ActorUserID, e.ActorRole, e.IPAddress,
		e.TargetUserID, e.SessionID, e.TransactionID,
		e.Message, e.Metadata, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}
