package stripe

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/celebmerge/pkg/billing"
	"github.com/mihaimyh/celebmerge/pkg/ledger"
	"github.com/mihaimyh/celebmerge/storage/memory"
)

const (
	testWebhookSecret = "whsec_test_secret"
	testUserID        = "test-user-123"
	testIntentID      = "pi_test_123"
)

// fakeIntents is an in-memory stand-in for the Stripe payment intent service
type fakeIntents struct {
	mu          sync.Mutex
	intents     map[string]*stripe.PaymentIntent
	createErr   error
	retrieveErr error
	created     []*stripe.PaymentIntentCreateParams
	retrieved   int
}

func newFakeIntents() *fakeIntents {
	return &fakeIntents{intents: make(map[string]*stripe.PaymentIntent)}
}

func (f *fakeIntents) Create(_ context.Context, params *stripe.PaymentIntentCreateParams) (*stripe.PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, params)
	if f.createErr != nil {
		return nil, f.createErr
	}
	pi := &stripe.PaymentIntent{
		ID:           testIntentID,
		ClientSecret: testIntentID + "_secret_abc",
		Amount:       *params.Amount,
		Currency:     stripe.Currency(*params.Currency),
		Status:       stripe.PaymentIntentStatusRequiresPaymentMethod,
	}
	f.intents[pi.ID] = pi
	return pi, nil
}

func (f *fakeIntents) Retrieve(_ context.Context, id string, _ *stripe.PaymentIntentRetrieveParams) (*stripe.PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retrieved++
	if f.retrieveErr != nil {
		return nil, f.retrieveErr
	}
	pi, ok := f.intents[id]
	if !ok {
		return nil, errors.New("no such payment_intent")
	}
	return pi, nil
}

func (f *fakeIntents) set(id string, status stripe.PaymentIntentStatus, amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intents[id] = &stripe.PaymentIntent{ID: id, Status: status, Amount: amount, Currency: stripe.CurrencyUSD}
}

func newTestBridge(t *testing.T, intents PaymentIntents) (*Bridge, *memory.Storage) {
	t.Helper()
	store := memory.New()
	bridge, err := NewBridge(Config{
		Config: billing.Config{
			Storage:           store,
			MaxPaymentHistory: 50,
		},
		StripeWebhookSecret: testWebhookSecret,
		PaymentIntents:      intents,
	})
	if err != nil {
		t.Fatalf("NewBridge failed: %v", err)
	}
	return bridge, store
}

func TestNewBridge_RequiresStorage(t *testing.T) {
	_, err := NewBridge(Config{StripeAPIKey: "sk_test_123"})
	if !errors.Is(err, billing.ErrProviderNotConfigured) {
		t.Errorf("expected ErrProviderNotConfigured, got %v", err)
	}
}

func TestNewBridge_BuildsClientFromAPIKey(t *testing.T) {
	bridge, err := NewBridge(Config{
		Config:       billing.Config{Storage: memory.New()},
		StripeAPIKey: "sk_test_123",
	})
	if err != nil {
		t.Fatalf("NewBridge failed: %v", err)
	}
	if bridge.intents == nil {
		t.Error("expected payment intent service from API key")
	}
	if bridge.Name() != "stripe" {
		t.Errorf("Name() = %q, want stripe", bridge.Name())
	}
}

func TestCreatePaymentIntent(t *testing.T) {
	intents := newFakeIntents()
	bridge, _ := newTestBridge(t, intents)
	bridge.description = "Additional image generations"

	resp, err := bridge.CreatePaymentIntent(context.Background(), &billing.CreateIntentRequest{
		Amount:   99,
		Currency: "USD",
		Metadata: map[string]interface{}{"userId": testUserID},
	})
	if err != nil {
		t.Fatalf("CreatePaymentIntent failed: %v", err)
	}
	if resp.ClientSecret == "" || resp.PaymentIntentID != testIntentID {
		t.Errorf("unexpected response %+v", resp)
	}

	params := intents.created[0]
	if *params.Currency != "usd" {
		t.Errorf("currency = %q, want usd", *params.Currency)
	}
	if params.AutomaticPaymentMethods == nil || !*params.AutomaticPaymentMethods.Enabled {
		t.Error("automatic payment methods should be enabled")
	}
	if params.Metadata["userId"] != testUserID {
		t.Errorf("metadata = %v", params.Metadata)
	}
	if *params.Description != "Additional image generations" {
		t.Errorf("description = %q", *params.Description)
	}
}

func TestCreatePaymentIntent_MissingFields(t *testing.T) {
	intents := newFakeIntents()
	bridge, _ := newTestBridge(t, intents)

	tests := []struct {
		name string
		req  *billing.CreateIntentRequest
	}{
		{"nil request", nil},
		{"no amount", &billing.CreateIntentRequest{Currency: "usd"}},
		{"no currency", &billing.CreateIntentRequest{Amount: 99}},
		{"negative amount", &billing.CreateIntentRequest{Amount: -1, Currency: "usd"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := bridge.CreatePaymentIntent(context.Background(), tt.req)
			if !errors.Is(err, billing.ErrMissingFields) {
				t.Errorf("expected ErrMissingFields, got %v", err)
			}
		})
	}
	if len(intents.created) != 0 {
		t.Errorf("processor called %d times for invalid requests", len(intents.created))
	}
}

func TestCreatePaymentIntent_NotConfigured(t *testing.T) {
	bridge, _ := newTestBridge(t, nil)

	_, err := bridge.CreatePaymentIntent(context.Background(), &billing.CreateIntentRequest{Amount: 99, Currency: "usd"})
	if !errors.Is(err, billing.ErrProviderNotConfigured) {
		t.Errorf("expected ErrProviderNotConfigured, got %v", err)
	}
}

func TestCreatePaymentIntent_ProcessorError(t *testing.T) {
	intents := newFakeIntents()
	intents.createErr = errors.New("card_declined")
	bridge, _ := newTestBridge(t, intents)

	_, err := bridge.CreatePaymentIntent(context.Background(), &billing.CreateIntentRequest{Amount: 99, Currency: "usd"})
	if !errors.Is(err, billing.ErrProviderAPIError) {
		t.Errorf("expected ErrProviderAPIError, got %v", err)
	}
}

func TestUpdateUsage_CreditsSucceededIntent(t *testing.T) {
	intents := newFakeIntents()
	intents.set(testIntentID, stripe.PaymentIntentStatusSucceeded, 99)
	bridge, store := newTestBridge(t, intents)
	ctx := context.Background()

	// user already used up the free allowance
	if _, err := store.CreateRecord(ctx, &ledger.Record{UserID: testUserID, UsageCount: 3}); err != nil {
		t.Fatal(err)
	}

	resp, err := bridge.UpdateUsage(ctx, &billing.UpdateUsageRequest{
		UserID:          testUserID,
		PaymentIntentID: testIntentID,
		Uses:            2,
	})
	if err != nil {
		t.Fatalf("UpdateUsage failed: %v", err)
	}
	if !resp.Success || resp.Message != "Usage updated successfully" {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.NewUsageCount != 0 || resp.TotalUses != 2 {
		t.Errorf("newUsageCount=%d totalUses=%d, want 0 and 2", resp.NewUsageCount, resp.TotalUses)
	}

	rec, err := store.GetRecord(ctx, testUserID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.UsageCount != 0 || rec.Regime != ledger.RegimePaid || rec.CreditedUses != 2 {
		t.Errorf("record not credited: %+v", rec)
	}
	if len(rec.PaymentHistory) != 1 || rec.PaymentHistory[0].Amount != 99 {
		t.Errorf("payment history = %+v", rec.PaymentHistory)
	}
}

func TestUpdateUsage_PaymentNotCompleted(t *testing.T) {
	statuses := []stripe.PaymentIntentStatus{
		stripe.PaymentIntentStatusRequiresPaymentMethod,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusProcessing,
		stripe.PaymentIntentStatusCanceled,
	}
	for _, status := range statuses {
		t.Run(string(status), func(t *testing.T) {
			intents := newFakeIntents()
			intents.set(testIntentID, status, 99)
			bridge, store := newTestBridge(t, intents)

			_, err := bridge.UpdateUsage(context.Background(), &billing.UpdateUsageRequest{
				UserID:          testUserID,
				PaymentIntentID: testIntentID,
				Uses:            2,
			})
			if !errors.Is(err, billing.ErrPaymentNotCompleted) {
				t.Fatalf("expected ErrPaymentNotCompleted, got %v", err)
			}
			if _, err := store.GetRecord(context.Background(), testUserID); !errors.Is(err, ledger.ErrRecordNotFound) {
				t.Errorf("record must stay untouched, got %v", err)
			}
		})
	}
}

func TestUpdateUsage_ReplayDoesNotCreditTwice(t *testing.T) {
	intents := newFakeIntents()
	intents.set(testIntentID, stripe.PaymentIntentStatusSucceeded, 99)
	bridge, store := newTestBridge(t, intents)
	ctx := context.Background()
	req := &billing.UpdateUsageRequest{UserID: testUserID, PaymentIntentID: testIntentID, Uses: 2}

	if _, err := bridge.UpdateUsage(ctx, req); err != nil {
		t.Fatal(err)
	}
	if _, err := store.IncrementUsage(ctx, testUserID, bridge.now()); err != nil {
		t.Fatal(err)
	}

	resp, err := bridge.UpdateUsage(ctx, req)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if !resp.Success || resp.TotalUses != 2 || resp.NewUsageCount != 1 {
		t.Errorf("unexpected replay response %+v", resp)
	}

	rec, _ := store.GetRecord(ctx, testUserID)
	if len(rec.PaymentHistory) != 1 {
		t.Errorf("payment history length = %d, want 1", len(rec.PaymentHistory))
	}
}

func TestUpdateUsage_MissingFields(t *testing.T) {
	intents := newFakeIntents()
	bridge, _ := newTestBridge(t, intents)

	_, err := bridge.UpdateUsage(context.Background(), &billing.UpdateUsageRequest{UserID: testUserID})
	if !errors.Is(err, billing.ErrMissingFields) {
		t.Fatalf("expected ErrMissingFields, got %v", err)
	}
	var missing *billing.MissingFieldsError
	if !errors.As(err, &missing) || len(missing.Fields) != 2 {
		t.Errorf("expected two missing fields, got %v", err)
	}
	if intents.retrieved != 0 {
		t.Error("processor must not be called for invalid requests")
	}
}

func TestUpdateUsage_LookupFailure(t *testing.T) {
	intents := newFakeIntents()
	intents.retrieveErr = errors.New("api unavailable")
	bridge, _ := newTestBridge(t, intents)

	_, err := bridge.UpdateUsage(context.Background(), &billing.UpdateUsageRequest{
		UserID: testUserID, PaymentIntentID: testIntentID, Uses: 2,
	})
	if !errors.Is(err, billing.ErrProviderAPIError) {
		t.Errorf("expected ErrProviderAPIError, got %v", err)
	}
}

type failingStorage struct {
	*memory.Storage
}

func (failingStorage) ApplyPayment(context.Context, *ledger.PaymentCredit) (*ledger.Record, error) {
	return nil, ledger.ErrStorageUnavailable
}

func TestUpdateUsage_StoreFailure(t *testing.T) {
	intents := newFakeIntents()
	intents.set(testIntentID, stripe.PaymentIntentStatusSucceeded, 99)
	bridge, err := NewBridge(Config{
		Config:         billing.Config{Storage: failingStorage{memory.New()}},
		PaymentIntents: intents,
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = bridge.UpdateUsage(context.Background(), &billing.UpdateUsageRequest{
		UserID: testUserID, PaymentIntentID: testIntentID, Uses: 2,
	})
	if !errors.Is(err, billing.ErrStoreWrite) {
		t.Errorf("expected ErrStoreWrite, got %v", err)
	}
}
