package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// CreateIntentRequest asks for a payment intent. Amount is in minor units.
// Metadata values may be any JSON scalar; they are sent to the processor as strings.
type CreateIntentRequest struct {
	Amount   int64                  `json:"amount" validate:"required,gt=0"`
	Currency string                 `json:"currency" validate:"required"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// MetadataStrings returns the metadata with every value rendered as a string.
// Null values are dropped; objects and arrays are rendered as JSON.
func (r *CreateIntentRequest) MetadataStrings() map[string]string {
	out := make(map[string]string, len(r.Metadata))
	for k, v := range r.Metadata {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool, int, int64:
			out[k] = fmt.Sprint(val)
		default:
			raw, err := json.Marshal(val)
			if err != nil {
				out[k] = fmt.Sprint(val)
				continue
			}
			out[k] = string(raw)
		}
	}
	return out
}

// CreateIntentResponse carries what the client needs to confirm the payment
type CreateIntentResponse struct {
	ClientSecret    string `json:"clientSecret"`
	PaymentIntentID string `json:"paymentIntentId"`
}

// UpdateUsageRequest credits a user once the payment intent succeeded
type UpdateUsageRequest struct {
	UserID          string `json:"userId" validate:"required"`
	PaymentIntentID string `json:"paymentIntentId" validate:"required"`
	Uses            int    `json:"uses" validate:"required,gt=0"`
}

// UnmarshalJSON accepts uses as a number or a numeric string
func (r *UpdateUsageRequest) UnmarshalJSON(data []byte) error {
	type plain UpdateUsageRequest
	var raw struct {
		plain
		Uses json.RawMessage `json:"uses"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = UpdateUsageRequest(raw.plain)

	uses, err := parseUses(raw.Uses)
	if err != nil {
		return err
	}
	r.Uses = uses
	return nil
}

func parseUses(raw json.RawMessage) (int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("uses must be an integer: %w", err)
		}
		return n, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("uses must be an integer: %w", err)
	}
	return n, nil
}

// UpdateUsageResponse reports the credited record
type UpdateUsageResponse struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	NewUsageCount int    `json:"newUsageCount"`
	TotalUses     int    `json:"totalUses"`
}

// PaymentEvent is a verified payment event delivered by a webhook
type PaymentEvent struct {
	Provider        string
	EventType       string
	PaymentIntentID string
	// UserID comes from the intent metadata and may be empty
	UserID         string
	Amount         int64
	Currency       string
	Succeeded      bool
	EventTimestamp time.Time
	Metadata       map[string]string
}

var validate = newValidator()

// newValidator reports fields by their JSON names
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks that all required fields are present.
// The returned error wraps ErrMissingFields and names the offending fields.
func Validate(req interface{}) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	names := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		names = append(names, fe.Field())
	}
	return &MissingFieldsError{Fields: names}
}

// MissingFieldsError lists the fields a request lacked
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return ErrMissingFields.Error() + ": " + strings.Join(e.Fields, ", ")
}

func (e *MissingFieldsError) Unwrap() error {
	return ErrMissingFields
}
