// Package redis provides a Redis implementation of the ledger.Mirror interface.
// Each user's mirrored usage is a hash; writes go through a Lua script so an older
// snapshot never overwrites a newer one.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/celebmerge/pkg/ledger"
)

// Mirror implements ledger.Mirror using Redis
type Mirror struct {
	client redis.UniversalClient
	config Config
	store  *redis.Script
}

// Config holds Redis mirror configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "celebmerge:usage:")
	KeyPrefix string

	// TTL expires mirrored entries (0 = no expiration)
	TTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "celebmerge:usage:",
		TTL:       30 * 24 * time.Hour,
	}
}

// storeScript writes the entry unless the stored one is newer
const storeScript = `
	local key = KEYS[1]
	local updatedAt = tonumber(ARGV[4])
	local ttl = tonumber(ARGV[5])

	local current = redis.call('HGET', key, 'updatedAt')
	if current and tonumber(current) > updatedAt then
		return 0
	end

	redis.call('HSET', key, 'usageCount', ARGV[1], 'regime', ARGV[2], 'creditedUses', ARGV[3], 'updatedAt', ARGV[4])
	if ttl > 0 then
		redis.call('EXPIRE', key, ttl)
	end
	return 1
`

// New creates a new Redis mirror.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Mirror, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultConfig().KeyPrefix
	}

	return &Mirror{
		client: client,
		config: config,
		store:  redis.NewScript(storeScript),
	}, nil
}

// Load implements ledger.Mirror
func (m *Mirror) Load(ctx context.Context, userID string) (*ledger.MirrorEntry, error) {
	fields, err := m.client.HGetAll(ctx, m.key(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load mirror entry: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	entry := &ledger.MirrorEntry{Regime: ledger.Regime(fields["regime"])}
	if entry.UsageCount, err = strconv.Atoi(fields["usageCount"]); err != nil {
		return nil, fmt.Errorf("failed to parse usageCount: %w", err)
	}
	if v := fields["creditedUses"]; v != "" {
		if entry.CreditedUses, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("failed to parse creditedUses: %w", err)
		}
	}
	if v := fields["updatedAt"]; v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse updatedAt: %w", err)
		}
		entry.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return entry, nil
}

// Store implements ledger.Mirror
func (m *Mirror) Store(ctx context.Context, userID string, entry *ledger.MirrorEntry) error {
	if entry == nil {
		return nil
	}
	updatedAt := entry.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	err := m.store.Run(ctx, m.client, []string{m.key(userID)},
		entry.UsageCount,
		string(entry.Regime),
		entry.CreditedUses,
		updatedAt.UnixMilli(),
		int64(m.config.TTL.Seconds()),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to store mirror entry: %w", err)
	}
	return nil
}

// Ping checks the Redis connection
func (m *Mirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

func (m *Mirror) key(userID string) string {
	return m.config.KeyPrefix + userID
}
