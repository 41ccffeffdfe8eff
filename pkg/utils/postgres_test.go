package utils

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestPostgresPoolConfig_Defaults(t *testing.T) {
	got := PostgresPoolConfig{}.withDefaults()
	if got.MaxOpenConns != 25 {
		t.Fatalf("expected 25 max open conns, got %d", got.MaxOpenConns)
	}
	if got.ConnMaxLifetime != 30*time.Minute {
		t.Fatalf("expected 30m lifetime, got %v", got.ConnMaxLifetime)
	}
	if got.PingTimeout != 5*time.Second {
		t.Fatalf("expected 5s ping timeout, got %v", got.PingTimeout)
	}
}

func TestPostgresPoolConfig_ExplicitValuesKept(t *testing.T) {
	in := PostgresPoolConfig{MaxOpenConns: 5, MaxIdleConns: 2, PingTimeout: time.Second}
	got := in.withDefaults()
	if got.MaxOpenConns != 5 || got.MaxIdleConns != 2 {
		t.Fatalf("explicit values overridden: %+v", got)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	uv := &pgconn.PgError{Code: "23505"}
	if !IsUniqueViolation(uv) {
		t.Fatalf("expected unique violation")
	}
	if !IsUniqueViolation(fmt.Errorf("insert: %w", uv)) {
		t.Fatalf("expected wrapped unique violation to match")
	}
	if IsUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatalf("fk violation must not match")
	}
	if IsUniqueViolation(errors.New("plain")) {
		t.Fatalf("plain error must not match")
	}
}
