package pricing

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresRepo reads effective-dated rates from the expert_rates table:
//
//	expert_id UUID NOT NULL,
//	call_type TEXT NOT NULL,
//	rate_per_minute_minor BIGINT NOT NULL,
//	currency TEXT NOT NULL,
//	effective_from TIMESTAMPTZ NOT NULL,
//	effective_to TIMESTAMPTZ
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) FindExpertRate(ctx context.Context, expertID string, callType CallType, at time.Time) (ExpertRate, bool, error) {
	query := `
		SELECT expert_id, call_type, rate_per_minute_minor, currency, effective_from, effective_to
		FROM expert_rates
		WHERE expert_id = $1 AND call_type = $2
		  AND effective_from <= $3
		  AND (effective_to IS NULL OR effective_to > $3)
		ORDER BY effective_from DESC
		LIMIT 1`

	var rate ExpertRate
	var to sql.NullTime
	err := r.db.QueryRowContext(ctx, query, expertID, callType, at).Scan(
		&rate.ExpertID, &rate.CallType, &rate.RatePerMinuteMinor, &rate.Currency,
		&rate.EffectiveFrom, &to)
	if err == sql.ErrNoRows {
		return ExpertRate{}, false, nil
	}
	if err != nil {
		return ExpertRate{}, false, fmt.Errorf("find expert rate: %w", err)
	}
	if to.Valid {
		t := to.Time
		rate.EffectiveTo = &t
	}
	return rate, true, nil
}
