package wallet

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"counsel-platform/pkg/utils"
)

// Ledger abstracts ledger persistence so the service can be tested without
// a live database.
type Ledger interface {
	// FindPriorSettlement looks for an existing credit for the same economic
	// event: first by idempotency key, then by reference id, then by the
	// session id recorded in metadata (legacy rows predating reference_id).
	FindPriorSettlement(ctx context.Context, userID, idempotencyKey, referenceID, reason string) (Transaction, bool, error)

	// Insert appends one ledger entry. A duplicate idempotency key surfaces
	// as the driver's unique-violation error, unwrapped.
	Insert(ctx context.Context, t Transaction) error

	// DerivedBalance recomputes the balance from the ledger: non-expired
	// credits plus (negative) debits.
	DerivedBalance(ctx context.Context, userID string, at time.Time) (int64, error)

	// UpsertBalance writes the projection row.
	UpsertBalance(ctx context.Context, userID, currency string, balanceMinor int64, at time.Time) error

	// InsertAndProject appends one entry and refreshes the projection in a
	// single transaction. Used by top-ups, charges and admin adjustments
	// where atomicity is preferred over the settlement flow's soft
	// projection step.
	InsertAndProject(ctx context.Context, t Transaction) error

	GetBalance(ctx context.Context, userID string) (Balance, bool, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]Transaction, error)
	FindByIdempotencyKey(ctx context.Context, userID, key string) (Transaction, bool, error)
}

// PostgresLedger is the production Ledger on database/sql.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

const transactionColumns = `id, user_id, type, amount_minor, currency, reason,
	COALESCE(reference_id, ''), COALESCE(reference_type, ''),
	idempotency_key, expires_at, COALESCE(metadata::text, ''), created_at`

func scanTransaction(row interface{ Scan(...any) error }) (Transaction, error) {
	var t Transaction
	var expires sql.NullTime
	err := row.Scan(&t.ID, &t.UserID, &t.Type, &t.AmountMinor, &t.Currency, &t.Reason,
		&t.ReferenceID, &t.ReferenceType, &t.IdempotencyKey, &expires, &t.Metadata, &t.CreatedAt)
	if err != nil {
		return Transaction{}, err
	}
	if expires.Valid {
		exp := expires.Time
		t.ExpiresAt = &exp
	}
	return t, nil
}

func (l *PostgresLedger) FindPriorSettlement(ctx context.Context, userID, idempotencyKey, referenceID, reason string) (Transaction, bool, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM wallet_transactions
		WHERE user_id = $1 AND type = 'credit' AND reason = $2
		  AND (idempotency_key = $3
		       OR reference_id = $4
		       OR metadata->>'call_session_id' = $4)
		ORDER BY created_at DESC
		LIMIT 1`

	t, err := scanTransaction(l.db.QueryRowContext(ctx, query, userID, reason, idempotencyKey, referenceID))
	if err == sql.ErrNoRows {
		return Transaction{}, false, nil
	}
	if err != nil {
		return Transaction{}, false, fmt.Errorf("find prior settlement: %w", err)
	}
	return t, true, nil
}

func (l *PostgresLedger) FindByIdempotencyKey(ctx context.Context, userID, key string) (Transaction, bool, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM wallet_transactions
		WHERE user_id = $1 AND idempotency_key = $2`

	t, err := scanTransaction(l.db.QueryRowContext(ctx, query, userID, key))
	if err == sql.ErrNoRows {
		return Transaction{}, false, nil
	}
	if err != nil {
		return Transaction{}, false, fmt.Errorf("find by idempotency key: %w", err)
	}
	return t, true, nil
}

func (l *PostgresLedger) Insert(ctx context.Context, t Transaction) error {
	query := `
		INSERT INTO wallet_transactions
			(id, user_id, type, amount_minor, currency, reason,
			 reference_id, reference_type, idempotency_key, expires_at, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10, NULLIF($11, '')::jsonb, $12)`

	_, err := l.db.ExecContext(ctx, query,
		t.ID, t.UserID, t.Type, t.AmountMinor, t.Currency, t.Reason,
		t.ReferenceID, t.ReferenceType, t.IdempotencyKey, t.ExpiresAt, t.Metadata, t.CreatedAt)
	return err
}

func (l *PostgresLedger) DerivedBalance(ctx context.Context, userID string, at time.Time) (int64, error) {
	// Debits always count; credits only while unexpired.
	query := `
		SELECT COALESCE(SUM(amount_minor), 0)
		FROM wallet_transactions
		WHERE user_id = $1
		  AND (type = 'debit' OR expires_at IS NULL OR expires_at > $2)`

	var balance int64
	if err := l.db.QueryRowContext(ctx, query, userID, at).Scan(&balance); err != nil {
		return 0, fmt.Errorf("derive balance: %w", err)
	}
	return balance, nil
}

func (l *PostgresLedger) UpsertBalance(ctx context.Context, userID, currency string, balanceMinor int64, at time.Time) error {
	query := `
		INSERT INTO wallet_balances (user_id, currency, balance_minor, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET balance_minor = EXCLUDED.balance_minor,
		    currency = EXCLUDED.currency,
		    updated_at = EXCLUDED.updated_at`

	_, err := l.db.ExecContext(ctx, query, userID, currency, balanceMinor, at)
	if err != nil {
		return fmt.Errorf("upsert balance: %w", err)
	}
	return nil
}

func (l *PostgresLedger) GetBalance(ctx context.Context, userID string) (Balance, bool, error) {
	query := `
		SELECT user_id, currency, balance_minor, updated_at
		FROM wallet_balances
		WHERE user_id = $1`

	var b Balance
	err := l.db.QueryRowContext(ctx, query, userID).Scan(&b.UserID, &b.Currency, &b.BalanceMinor, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return Balance{}, false, nil
	}
	if err != nil {
		return Balance{}, false, fmt.Errorf("get balance: %w", err)
	}
	return b, true, nil
}

func (l *PostgresLedger) ListTransactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `
		SELECT ` + transactionColumns + `
		FROM wallet_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := l.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) InsertAndProject(ctx context.Context, t Transaction) error {
	return utils.WithTx(ctx, l.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		query := `
			INSERT INTO wallet_transactions
				(id, user_id, type, amount_minor, currency, reason,
				 reference_id, reference_type, idempotency_key, expires_at, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10, NULLIF($11, '')::jsonb, $12)`
		if _, err := tx.ExecContext(ctx, query,
			t.ID, t.UserID, t.Type, t.AmountMinor, t.Currency, t.Reason,
			t.ReferenceID, t.ReferenceType, t.IdempotencyKey, t.ExpiresAt, t.Metadata, t.CreatedAt); err != nil {
			return err
		}

		recompute := `
			SELECT COALESCE(SUM(amount_minor), 0)
			FROM wallet_transactions
			WHERE user_id = $1
			  AND (type = 'debit' OR expires_at IS NULL OR expires_at > $2)`
		var balance int64
		if err := tx.QueryRowContext(ctx, recompute, t.UserID, t.CreatedAt).Scan(&balance); err != nil {
			return fmt.Errorf("derive balance: %w", err)
		}

		project := `
			INSERT INTO wallet_balances (user_id, currency, balance_minor, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id) DO UPDATE
			SET balance_minor = EXCLUDED.balance_minor,
			    currency = EXCLUDED.currency,
			    updated_at = EXCLUDED.updated_at`
		_, err := tx.ExecContext(ctx, project, t.UserID, t.Currency, balance, t.CreatedAt)
		return err
	})
}
