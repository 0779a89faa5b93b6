package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/celebmerge/pkg/ledger"
)

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}

	return client
}

func TestNew(t *testing.T) {
	tests := []struct {
		name       string
		client     redis.UniversalClient
		config     Config
		wantErr    bool
		wantPrefix string
	}{
		{
			name:    "nil client",
			client:  nil,
			config:  DefaultConfig(),
			wantErr: true,
		},
		{
			name:       "default config",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:     DefaultConfig(),
			wantPrefix: "celebmerge:usage:",
		},
		{
			name:       "empty prefix falls back to default",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:     Config{},
			wantPrefix: "celebmerge:usage:",
		},
		{
			name:       "custom prefix",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:     Config{KeyPrefix: "test:"},
			wantPrefix: "test:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mirror, err := New(tt.client, tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got := mirror.key("u1"); got != tt.wantPrefix+"u1" {
				t.Errorf("key() = %q, want %q", got, tt.wantPrefix+"u1")
			}
		})
	}
}

func TestMirror_LoadMissing(t *testing.T) {
	client := setupTestRedis(t)
	mirror, err := New(client, DefaultConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	entry, err := mirror.Load(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if entry != nil {
		t.Errorf("Expected nil entry, got %+v", entry)
	}
}

func TestMirror_StoreLoad(t *testing.T) {
	client := setupTestRedis(t)
	mirror, err := New(client, DefaultConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	want := &ledger.MirrorEntry{UsageCount: 3, Regime: ledger.RegimePaid, CreditedUses: 10, UpdatedAt: now}
	if err := mirror.Store(ctx, "user1", want); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	got, err := mirror.Load(ctx, "user1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if *got != *want {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}

	ttl, err := client.TTL(ctx, mirror.key("user1")).Result()
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl <= 0 {
		t.Errorf("Expected TTL to be set, got %v", ttl)
	}
}

func TestMirror_StoreKeepsNewer(t *testing.T) {
	client := setupTestRedis(t)
	mirror, err := New(client, Config{KeyPrefix: "test:"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	if err := mirror.Store(ctx, "user1", &ledger.MirrorEntry{UsageCount: 5, Regime: ledger.RegimeFree, UpdatedAt: now}); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	stale := &ledger.MirrorEntry{UsageCount: 1, Regime: ledger.RegimeFree, UpdatedAt: now.Add(-time.Minute)}
	if err := mirror.Store(ctx, "user1", stale); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	got, err := mirror.Load(ctx, "user1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.UsageCount != 5 {
		t.Errorf("Stale write replaced newer entry: %+v", got)
	}
}

func TestMirror_StoreNil(t *testing.T) {
	mirror, err := New(redis.NewClient(&redis.Options{Addr: "localhost:6379"}), DefaultConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := mirror.Store(context.Background(), "user1", nil); err != nil {
		t.Errorf("Store(nil) = %v, want nil", err)
	}
}
