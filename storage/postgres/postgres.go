// Package postgres provides a PostgreSQL implementation of the ledger.Storage interface.
// Updates run in transactions with SELECT FOR UPDATE; credited payments are keyed by
// payment intent id so that crediting is idempotent.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/celebmerge/pkg/ledger"
)

// Schema creates the tables used by Storage
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	user_id         TEXT PRIMARY KEY,
	usage_count     INTEGER NOT NULL DEFAULT 0,
	total_uses      INTEGER NOT NULL DEFAULT 0,
	last_used       TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL,
	regime          TEXT,
	credited_uses   INTEGER NOT NULL DEFAULT 0,
	payment_history JSONB NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS payments (
	payment_intent_id TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	uses              INTEGER NOT NULL,
	amount            BIGINT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS payments_user_id_idx ON payments (user_id);
`

// Storage implements ledger.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Migrate creates missing tables on startup
	Migrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		Migrate:         true,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{pool: pool, config: config}
	if config.Migrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate creates the tables if they do not exist
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const selectRecord = `SELECT usage_count, total_uses, last_used, created_at, regime, credited_uses, payment_history
	FROM users WHERE user_id = $1`

// GetRecord implements ledger.Storage
func (s *Storage) GetRecord(ctx context.Context, userID string) (*ledger.Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, selectRecord, userID), userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrRecordNotFound
		}
		return nil, wrapErr("get record", err)
	}
	return rec, nil
}

// CreateRecord implements ledger.Storage
func (s *Storage) CreateRecord(ctx context.Context, rec *ledger.Record) (*ledger.Record, error) {
	if rec == nil || rec.UserID == "" {
		return nil, ledger.ErrInvalidUserID
	}

	history, err := json.Marshal(historyRows(rec.PaymentHistory))
	if err != nil {
		return nil, fmt.Errorf("failed to encode payment history: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO users (user_id, usage_count, total_uses, last_used, created_at, regime, credited_uses, payment_history)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (user_id) DO NOTHING`,
		rec.UserID, rec.UsageCount, rec.TotalUses, rec.LastUsed, rec.CreatedAt,
		nullableRegime(rec.Regime), rec.CreditedUses, history,
	)
	if err != nil {
		return nil, wrapErr("create record", err)
	}
	return s.GetRecord(ctx, rec.UserID)
}

// IncrementUsage implements ledger.Storage.
// A missing record is created with a count of one.
func (s *Storage) IncrementUsage(ctx context.Context, userID string, at time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (user_id, usage_count, created_at, last_used, regime)
			VALUES ($1, 1, $2, $2, 'free')
			ON CONFLICT (user_id) DO UPDATE
			SET usage_count = users.usage_count + 1, last_used = EXCLUDED.last_used
			RETURNING usage_count`,
		userID, at,
	).Scan(&count)
	if err != nil {
		return 0, wrapErr("increment usage", err)
	}
	return count, nil
}

// ResetUsage implements ledger.Storage
func (s *Storage) ResetUsage(ctx context.Context, userID string, creditedUses int, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (user_id, usage_count, created_at, last_used, regime, credited_uses)
			VALUES ($1, 0, $2, $2, 'paid', $3)
			ON CONFLICT (user_id) DO UPDATE
			SET usage_count = 0, last_used = EXCLUDED.last_used, regime = 'paid', credited_uses = EXCLUDED.credited_uses`,
		userID, at, creditedUses,
	)
	if err != nil {
		return wrapErr("reset usage", err)
	}
	return nil
}

// ApplyPayment implements ledger.Storage
func (s *Storage) ApplyPayment(ctx context.Context, credit *ledger.PaymentCredit) (*ledger.Record, error) {
	if credit == nil || credit.UserID == "" {
		return nil, ledger.ErrInvalidUserID
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, wrapErr("begin transaction", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// The primary key on payments makes a replayed intent a no-op
	tag, err := tx.Exec(ctx,
		`INSERT INTO payments (payment_intent_id, user_id, uses, amount, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (payment_intent_id) DO NOTHING`,
		credit.PaymentIntentID, credit.UserID, credit.Uses, credit.Amount, credit.Timestamp,
	)
	if err != nil {
		return nil, wrapErr("record payment", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ledger.ErrPaymentAlreadyApplied
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO users (user_id, created_at) VALUES ($1, $2)
			ON CONFLICT (user_id) DO NOTHING`,
		credit.UserID, credit.Timestamp,
	)
	if err != nil {
		return nil, wrapErr("ensure record", err)
	}

	rec, err := scanRecord(tx.QueryRow(ctx, selectRecord+" FOR UPDATE", credit.UserID), credit.UserID)
	if err != nil {
		return nil, wrapErr("lock record", err)
	}
	rec.Credit(credit)

	history, err := json.Marshal(historyRows(rec.PaymentHistory))
	if err != nil {
		return nil, fmt.Errorf("failed to encode payment history: %w", err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE users SET usage_count = $2, total_uses = $3, last_used = $4, regime = $5,
			credited_uses = $6, payment_history = $7
			WHERE user_id = $1`,
		rec.UserID, rec.UsageCount, rec.TotalUses, rec.LastUsed, string(rec.Regime), rec.CreditedUses, history,
	)
	if err != nil {
		return nil, wrapErr("update record", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, wrapErr("commit", err)
	}
	return rec, nil
}

// SetUsage implements ledger.Storage
func (s *Storage) SetUsage(ctx context.Context, userID string, entry *ledger.MirrorEntry) error {
	if entry == nil {
		return nil
	}
	regime := entry.Regime
	if regime == "" {
		regime = ledger.RegimeFree
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (user_id, usage_count, created_at, last_used, regime, credited_uses)
			VALUES ($1, $2, $3, $3, $4, $5)
			ON CONFLICT (user_id) DO UPDATE
			SET usage_count = EXCLUDED.usage_count, last_used = EXCLUDED.last_used,
				regime = EXCLUDED.regime, credited_uses = EXCLUDED.credited_uses`,
		userID, entry.UsageCount, entry.UpdatedAt, string(regime), entry.CreditedUses,
	)
	if err != nil {
		return wrapErr("set usage", err)
	}
	return nil
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return wrapErr("ping", err)
	}
	return nil
}

// historyRow is the JSONB form of a payment history entry
type historyRow struct {
	PaymentIntentID string    `json:"paymentIntentId"`
	Uses            int       `json:"uses"`
	Amount          int64     `json:"amount"`
	Timestamp       time.Time `json:"timestamp"`
}

func historyRows(entries []ledger.PaymentEntry) []historyRow {
	rows := make([]historyRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, historyRow(e))
	}
	return rows
}

func scanRecord(row pgx.Row, userID string) (*ledger.Record, error) {
	var (
		rec     = &ledger.Record{UserID: userID}
		regime  *string
		history []byte
	)
	if err := row.Scan(&rec.UsageCount, &rec.TotalUses, &rec.LastUsed, &rec.CreatedAt,
		&regime, &rec.CreditedUses, &history); err != nil {
		return nil, err
	}
	if regime != nil {
		rec.Regime = ledger.Regime(*regime)
	}

	var rows []historyRow
	if len(history) > 0 {
		if err := json.Unmarshal(history, &rows); err != nil {
			return nil, fmt.Errorf("failed to decode payment history: %w", err)
		}
	}
	for _, r := range rows {
		rec.PaymentHistory = append(rec.PaymentHistory, ledger.PaymentEntry(r))
	}
	return rec, nil
}

func nullableRegime(r ledger.Regime) *string {
	if r == "" {
		return nil
	}
	s := string(r)
	return &s
}

// wrapErr marks connection failures with ledger.ErrStorageUnavailable
func wrapErr(op string, err error) error {
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) {
		return fmt.Errorf("failed to %s: %w: %v", op, ledger.ErrStorageUnavailable, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
