package api

import (
	"github.com/mihaimyh/celebmerge/pkg/appconfig"
	"github.com/mihaimyh/celebmerge/pkg/ledger"
)

// GenerateRequest is the JSON form of a generation request; images are data URLs
type GenerateRequest struct {
	First  string `json:"first"`
	Second string `json:"second"`
	Scene  string `json:"scene,omitempty"`
}

// GenerateResponse carries the merged image
type GenerateResponse struct {
	Image   string           `json:"image"`
	Text    string           `json:"text,omitempty"`
	Message string           `json:"message"`
	Usage   ledger.UsageView `json:"usage"`
	Notice  string           `json:"notice,omitempty"`
}

// ErrorResponse is written for every failed request
type ErrorResponse struct {
	Error     string            `json:"error"`
	RequestID string            `json:"requestId,omitempty"`
	Usage     *ledger.UsageView `json:"usage,omitempty"`
}

// PaymentRequired is the body answered when a user has no generations left
func PaymentRequired(usage ledger.UsageView) ErrorResponse {
	return ErrorResponse{Error: PaymentRequiredMessage, Usage: &usage}
}

// ConfirmPaymentRequest reports a payment confirmed by the client
type ConfirmPaymentRequest struct {
	PaymentIntentID string `json:"paymentIntentId"`
}

// ConfirmPaymentResponse returns the usage after the credit
type ConfirmPaymentResponse struct {
	Success   bool             `json:"success"`
	TotalUses int              `json:"totalUses"`
	Usage     ledger.UsageView `json:"usage"`
}

// ConfigView is the public part of the configuration
type ConfigView struct {
	Usage   UsageSettings   `json:"usage"`
	Payment PaymentSettings `json:"payment"`
	UI      UISettings      `json:"ui"`
}

// UsageSettings mirrors appconfig.UsageConfig
type UsageSettings struct {
	FreeLimit        int     `json:"freeLimit"`
	PaymentAmount    float64 `json:"paymentAmount"`
	PaymentUses      int     `json:"paymentUses"`
	WarningThreshold int     `json:"warningThreshold"`
}

// PaymentSettings mirrors appconfig.PaymentConfig
type PaymentSettings struct {
	Currency    string `json:"currency"`
	Description string `json:"description"`
	AmountMinor int64  `json:"amountMinor"`
}

// UISettings mirrors appconfig.UIConfig
type UISettings struct {
	ShowUsageWarning   bool `json:"showUsageWarning"`
	EnablePaymentModal bool `json:"enablePaymentModal"`
	ShowOfflineMode    bool `json:"showOfflineMode"`
}

// ValidationResponse reports the problems found in a proposed configuration
type ValidationResponse struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

func newConfigView(c appconfig.Config) ConfigView {
	return ConfigView{
		Usage: UsageSettings{
			FreeLimit:        c.Usage.FreeLimit,
			PaymentAmount:    c.Usage.PaymentAmount,
			PaymentUses:      c.Usage.PaymentUses,
			WarningThreshold: c.Usage.WarningThreshold,
		},
		Payment: PaymentSettings{
			Currency:    c.Payment.Currency,
			Description: c.Payment.Description,
			AmountMinor: c.PaymentAmountMinor(),
		},
		UI: UISettings{
			ShowUsageWarning:   c.UI.ShowUsageWarning,
			EnablePaymentModal: c.UI.EnablePaymentModal,
			ShowOfflineMode:    c.UI.ShowOfflineMode,
		},
	}
}

// apply overlays the view on base; fields the view does not carry keep base's values
func (v ConfigView) apply(base appconfig.Config) appconfig.Config {
	base.Usage.FreeLimit = v.Usage.FreeLimit
	base.Usage.PaymentAmount = v.Usage.PaymentAmount
	base.Usage.PaymentUses = v.Usage.PaymentUses
	base.Usage.WarningThreshold = v.Usage.WarningThreshold
	base.Payment.Currency = v.Payment.Currency
	base.Payment.Description = v.Payment.Description
	base.UI.ShowUsageWarning = v.UI.ShowUsageWarning
	base.UI.EnablePaymentModal = v.UI.EnablePaymentModal
	base.UI.ShowOfflineMode = v.UI.ShowOfflineMode
	return base
}
