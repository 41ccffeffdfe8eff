package calls

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Repository is the persistence contract for sessions and requests.
type Repository interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, bool, error)
	UpdateSession(ctx context.Context, s Session) error

	CreateRequest(ctx context.Context, r Request) error

	// GetActiveRequest returns the request only while it is still actionable:
	// status pending and expires_at in the future. Expired rows are invisible
	// here even though their stored status still reads pending.
	GetActiveRequest(ctx context.Context, id string, now time.Time) (Request, bool, error)

	UpdateRequest(ctx context.Context, r Request) error

	// CancelPendingRequests voids every still-pending request for a session.
	CancelPendingRequests(ctx context.Context, sessionID string, now time.Time) (int64, error)

	// ListActiveRequestsForExpert feeds the expert's incoming-call view.
	ListActiveRequestsForExpert(ctx context.Context, expertID string, now time.Time) ([]Request, error)

	// CancelAppointment marks a linked appointment cancelled unless it
	// already is. Missing rows are a no-op.
	CancelAppointment(ctx context.Context, appointmentID string, now time.Time) error
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) CreateSession(ctx context.Context, s Session) error {
	query := `
		INSERT INTO call_sessions
			(id, caller_id, expert_id, call_type, channel_name,
			 caller_token, caller_uid, expert_token, expert_uid, credential_expires_at,
			 cost_minor, currency, selected_minutes, status,
			 start_time, end_time, answered_at, duration_seconds,
			 appointment_id, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18,
			NULLIF($19, ''), NULLIF($20, '')::jsonb, $21, $22)`

	_, err := r.db.ExecContext(ctx, query,
		s.ID, s.CallerID, s.ExpertID, s.CallType, s.ChannelName,
		s.CallerCredential.Token, s.CallerCredential.UID,
		s.ExpertCredential.Token, s.ExpertCredential.UID, s.CallerCredential.ExpiresAt,
		s.CostMinor, s.Currency, s.SelectedMinutes, s.Status,
		s.StartTime, s.EndTime, s.AnsweredAt, s.DurationSeconds,
		s.AppointmentID, s.Metadata, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

const sessionColumns = `id, caller_id, expert_id, call_type, channel_name,
	caller_token, caller_uid, expert_token, expert_uid, credential_expires_at,
	cost_minor, currency, selected_minutes, status,
	start_time, end_time, answered_at, duration_seconds,
	COALESCE(appointment_id, ''), COALESCE(metadata::text, ''), created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var s Session
	var start, end, answered sql.NullTime
	var credExpires time.Time
	err := row.Scan(&s.ID, &s.CallerID, &s.ExpertID, &s.CallType, &s.ChannelName,
		&s.CallerCredential.Token, &s.CallerCredential.UID,
		&s.ExpertCredential.Token, &s.ExpertCredential.UID, &credExpires,
		&s.CostMinor, &s.Currency, &s.SelectedMinutes, &s.Status,
		&start, &end, &answered, &s.DurationSeconds,
		&s.AppointmentID, &s.Metadata, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return Session{}, err
	}
	s.CallerCredential.ExpiresAt = credExpires
	s.ExpertCredential.ExpiresAt = credExpires
	if start.Valid {
		t := start.Time
		s.StartTime = &t
	}
	if end.Valid {
		t := end.Time
		s.EndTime = &t
	}
	if answered.Valid {
		t := answered.Time
		s.AnsweredAt = &t
	}
	return s, nil
}

func (r *PostgresRepository) GetSession(ctx context.Context, id string) (Session, bool, error) {
	query := `SELECT ` + sessionColumns + ` FROM call_sessions WHERE id = $1`
	s, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("get session: %w", err)
	}
	return s, true, nil
}

func (r *PostgresRepository) UpdateSession(ctx context.Context, s Session) error {
	query := `
		UPDATE call_sessions
		SET status = $2, start_time = $3, end_time = $4, answered_at = $5,
		    duration_seconds = $6, metadata = NULLIF($7, '')::jsonb, updated_at = $8
		WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query,
		s.ID, s.Status, s.StartTime, s.EndTime, s.AnsweredAt,
		s.DurationSeconds, s.Metadata, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (r *PostgresRepository) CreateRequest(ctx context.Context, req Request) error {
	query := `
		INSERT INTO call_requests
			(id, session_id, caller_id, expert_id, channel_name,
			 expert_token, expert_uid, credential_expires_at,
			 status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.db.ExecContext(ctx, query,
		req.ID, req.SessionID, req.CallerID, req.ExpertID, req.ChannelName,
		req.ExpertCredential.Token, req.ExpertCredential.UID, req.ExpertCredential.ExpiresAt,
		req.Status, req.ExpiresAt, req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return nil
}

const requestColumns = `id, session_id, caller_id, expert_id, channel_name,
	expert_token, expert_uid, credential_expires_at,
	status, expires_at, created_at, updated_at`

func scanRequest(row interface{ Scan(...any) error }) (Request, error) {
	var req Request
	err := row.Scan(&req.ID, &req.SessionID, &req.CallerID, &req.ExpertID, &req.ChannelName,
		&req.ExpertCredential.Token, &req.ExpertCredential.UID, &req.ExpertCredential.ExpiresAt,
		&req.Status, &req.ExpiresAt, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return Request{}, err
	}
	return req, nil
}

func (r *PostgresRepository) GetActiveRequest(ctx context.Context, id string, now time.Time) (Request, bool, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM call_requests
		WHERE id = $1 AND status = 'pending' AND expires_at > $2`

	req, err := scanRequest(r.db.QueryRowContext(ctx, query, id, now))
	if err == sql.ErrNoRows {
		return Request{}, false, nil
	}
	if err != nil {
		return Request{}, false, fmt.Errorf("get active request: %w", err)
	}
	return req, true, nil
}

func (r *PostgresRepository) UpdateRequest(ctx context.Context, req Request) error {
	query := `
		UPDATE call_requests
		SET status = $2, updated_at = $3
		WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, req.ID, req.Status, req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (r *PostgresRepository) CancelPendingRequests(ctx context.Context, sessionID string, now time.Time) (int64, error) {
	query := `
		UPDATE call_requests
		SET status = 'cancelled', updated_at = $2
		WHERE session_id = $1 AND status = 'pending'`

	res, err := r.db.ExecContext(ctx, query, sessionID, now)
	if err != nil {
		return 0, fmt.Errorf("cancel pending requests: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *PostgresRepository) ListActiveRequestsForExpert(ctx context.Context, expertID string, now time.Time) ([]Request, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM call_requests
		WHERE expert_id = $1 AND status = 'pending' AND expires_at > $2
		ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, expertID, now)
	if err != nil {
		return nil, fmt.Errorf("list active requests: %w", err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) CancelAppointment(ctx context.Context, appointmentID string, now time.Time) error {
	query := `
		UPDATE appointments
		SET status = 'cancelled', updated_at = $2
		WHERE id = $1 AND status <> 'cancelled'`

	if _, err := r.db.ExecContext(ctx, query, appointmentID, now); err != nil {
		return fmt.Errorf("cancel appointment: %w", err)
	}
	return nil
}
