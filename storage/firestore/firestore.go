// Package firestore provides a Firestore implementation of the ledger.Storage interface.
// Usage records live in users/{userId}; every credited payment also gets a
// payments/{paymentIntentId} document, which makes crediting idempotent.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/celebmerge/pkg/ledger"
)

const pingDocID = "_ping"

// Storage implements ledger.Storage using Google Cloud Firestore
type Storage struct {
	client             *firestore.Client
	usersCollection    string
	paymentsCollection string
}

// Config holds Firestore storage configuration
type Config struct {
	// UsersCollection is the Firestore collection for usage records
	// Default: "users"
	UsersCollection string

	// PaymentsCollection is the Firestore collection for credited payments
	// Default: "payments"
	PaymentsCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.UsersCollection == "" {
		config.UsersCollection = "users"
	}
	if config.PaymentsCollection == "" {
		config.PaymentsCollection = "payments"
	}

	return &Storage{
		client:             client,
		usersCollection:    config.UsersCollection,
		paymentsCollection: config.PaymentsCollection,
	}, nil
}

// GetRecord implements ledger.Storage
func (s *Storage) GetRecord(ctx context.Context, userID string) (*ledger.Record, error) {
	snap, err := s.userDoc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ledger.ErrRecordNotFound
		}
		return nil, wrapErr("get record", err)
	}
	if !snap.Exists() {
		return nil, ledger.ErrRecordNotFound
	}
	return decodeRecord(userID, snap.Data()), nil
}

// CreateRecord implements ledger.Storage
func (s *Storage) CreateRecord(ctx context.Context, rec *ledger.Record) (*ledger.Record, error) {
	if rec == nil || rec.UserID == "" {
		return nil, ledger.ErrInvalidUserID
	}

	_, err := s.userDoc(rec.UserID).Create(ctx, encodeRecord(rec))
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return s.GetRecord(ctx, rec.UserID)
		}
		return nil, wrapErr("create record", err)
	}
	created := *rec
	return &created, nil
}

// IncrementUsage implements ledger.Storage with a transaction-safe read-modify-write
func (s *Storage) IncrementUsage(ctx context.Context, userID string, at time.Time) (int, error) {
	doc := s.userDoc(userID)
	var newCount int

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		if snap == nil || !snap.Exists() {
			newCount = 1
			return tx.Create(doc, map[string]interface{}{
				"usageCount": newCount,
				"totalUses":  0,
				"createdAt":  at,
				"lastUsed":   at,
				"regime":     string(ledger.RegimeFree),
			})
		}

		newCount = getInt(snap.Data(), "usageCount") + 1
		return tx.Update(doc, []firestore.Update{
			{Path: "usageCount", Value: newCount},
			{Path: "lastUsed", Value: at},
		})
	})
	if err != nil {
		return 0, wrapErr("increment usage", err)
	}
	return newCount, nil
}

// ResetUsage implements ledger.Storage
func (s *Storage) ResetUsage(ctx context.Context, userID string, creditedUses int, at time.Time) error {
	_, err := s.userDoc(userID).Set(ctx, map[string]interface{}{
		"usageCount":   0,
		"regime":       string(ledger.RegimePaid),
		"creditedUses": creditedUses,
		"lastUsed":     at,
	}, firestore.MergeAll)
	if err != nil {
		return wrapErr("reset usage", err)
	}
	return nil
}

// ApplyPayment implements ledger.Storage.
// The payment document and the user record are written in one transaction.
func (s *Storage) ApplyPayment(ctx context.Context, credit *ledger.PaymentCredit) (*ledger.Record, error) {
	if credit == nil || credit.UserID == "" {
		return nil, ledger.ErrInvalidUserID
	}

	userDoc := s.userDoc(credit.UserID)
	paymentDoc := s.client.Collection(s.paymentsCollection).Doc(credit.PaymentIntentID)
	var rec *ledger.Record

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		paymentSnap, err := tx.Get(paymentDoc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if paymentSnap != nil && paymentSnap.Exists() {
			return ledger.ErrPaymentAlreadyApplied
		}

		userSnap, err := tx.Get(userDoc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if userSnap != nil && userSnap.Exists() {
			rec = decodeRecord(credit.UserID, userSnap.Data())
		} else {
			rec = &ledger.Record{UserID: credit.UserID, CreatedAt: credit.Timestamp}
		}
		rec.Credit(credit)

		if err := tx.Set(userDoc, encodeRecord(rec)); err != nil {
			return err
		}
		return tx.Create(paymentDoc, map[string]interface{}{
			"userId":    credit.UserID,
			"uses":      credit.Uses,
			"amount":    credit.Amount,
			"timestamp": credit.Timestamp,
		})
	})
	if err != nil {
		if errors.Is(err, ledger.ErrPaymentAlreadyApplied) {
			return nil, err
		}
		return nil, wrapErr("apply payment", err)
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

	_, err := s.userDoc(userID).Set(ctx, map[string]interface{}{
		"usageCount":   entry.UsageCount,
		"regime":       string(regime),
		"creditedUses": entry.CreditedUses,
		"lastUsed":     entry.UpdatedAt,
	}, firestore.MergeAll)
	if err != nil {
		return wrapErr("set usage", err)
	}
	return nil
}

// Ping implements ledger.Storage. A missing document still proves the backend answered.
func (s *Storage) Ping(ctx context.Context) error {
	_, err := s.userDoc(pingDocID).Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return wrapErr("ping", err)
	}
	return nil
}

func (s *Storage) userDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.usersCollection).Doc(userID)
}

// wrapErr marks transport failures with ledger.ErrStorageUnavailable
func wrapErr(op string, err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("failed to %s: %w: %v", op, ledger.ErrStorageUnavailable, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func encodeRecord(rec *ledger.Record) map[string]interface{} {
	history := make([]map[string]interface{}, 0, len(rec.PaymentHistory))
	for _, p := range rec.PaymentHistory {
		history = append(history, map[string]interface{}{
			"paymentIntentId": p.PaymentIntentID,
			"uses":            p.Uses,
			"amount":          p.Amount,
			"timestamp":       p.Timestamp,
		})
	}

	data := map[string]interface{}{
		"usageCount":     rec.UsageCount,
		"totalUses":      rec.TotalUses,
		"createdAt":      rec.CreatedAt,
		"paymentHistory": history,
		"creditedUses":   rec.CreditedUses,
	}
	if rec.Regime != "" {
		data["regime"] = string(rec.Regime)
	}
	if rec.LastUsed != nil {
		data["lastUsed"] = *rec.LastUsed
	}
	return data
}

func decodeRecord(userID string, data map[string]interface{}) *ledger.Record {
	rec := &ledger.Record{
		UserID:       userID,
		UsageCount:   getInt(data, "usageCount"),
		TotalUses:    getInt(data, "totalUses"),
		CreatedAt:    getTime(data, "createdAt"),
		Regime:       ledger.Regime(getString(data, "regime")),
		CreditedUses: getInt(data, "creditedUses"),
	}
	if lastUsed := getTime(data, "lastUsed"); !lastUsed.IsZero() {
		rec.LastUsed = &lastUsed
	}

	if items, ok := data["paymentHistory"].([]interface{}); ok {
		for _, item := range items {
			entry, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			rec.PaymentHistory = append(rec.PaymentHistory, ledger.PaymentEntry{
				PaymentIntentID: getString(entry, "paymentIntentId"),
				Uses:            getInt(entry, "uses"),
				Amount:          int64(getInt(entry, "amount")),
				Timestamp:       getTime(entry, "timestamp"),
			})
		}
	}
	return rec
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
