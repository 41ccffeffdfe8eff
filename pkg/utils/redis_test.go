package utils

import (
	"context"
	"testing"
	"time"
)

func TestRedisConfig_Defaults(t *testing.T) {
	got := RedisConfig{}.withDefaults()
	if got.DialTimeout != 3*time.Second {
		t.Fatalf("expected 3s dial timeout, got %v", got.DialTimeout)
	}
	if got.PoolSize != 20 {
		t.Fatalf("expected pool size 20, got %d", got.PoolSize)
	}
}

func TestAcquireCallSlot_RejectsInvalidArgs(t *testing.T) {
	ctx := context.Background()

	if _, err := AcquireCallSlot(ctx, nil, "k", 1, time.Second); err == nil {
		t.Fatalf("expected error for nil client")
	}
	// Args are validated before any network call, so a non-nil client is not needed here.
	if err := ReleaseCallSlot(ctx, nil, "k"); err == nil {
		t.Fatalf("expected error for nil client")
	}
}

func TestOpenRedis_RequiresAddr(t *testing.T) {
	if _, err := OpenRedis(context.Background(), RedisConfig{}); err == nil {
		t.Fatalf("expected error for empty addr")
	}
}
