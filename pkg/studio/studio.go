// Package studio runs a generation for a user: it checks the usage limit, merges the
// photos and records the use only once the merge succeeded.
package studio

import (
	"context"
	"errors"
	"fmt"

	"github.com/mihaimyh/celebmerge/pkg/imagemerge"
	"github.com/mihaimyh/celebmerge/pkg/ledger"
)

// SuccessMessage is shown with a generated image
const SuccessMessage = "Your celebrity-level photo is ready!"

// ErrPaymentRequired is returned when the user has no generations left
var ErrPaymentRequired = errors.New("usage limit reached, payment required")

// Merger composes two images into one
type Merger interface {
	Merge(ctx context.Context, req imagemerge.MergeRequest) (*imagemerge.MergeResult, error)
}

// Result is a finished generation together with the user's usage after it
type Result struct {
	Image   imagemerge.Image
	Text    string
	Message string
	Usage   ledger.UsageView
	// Notice is set when the use could not be recorded remotely
	Notice string
}

// Studio orchestrates generations
type Studio struct {
	ledger  *ledger.Ledger
	merger  Merger
	logger  ledger.Logger
	metrics ledger.Metrics
}

// Option configures a Studio
type Option func(*Studio)

// WithLogger sets the logger (default: NoopLogger)
func WithLogger(logger ledger.Logger) Option {
	return func(s *Studio) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics collector (default: NoopMetrics)
func WithMetrics(metrics ledger.Metrics) Option {
	return func(s *Studio) {
		s.metrics = metrics
	}
}

// New creates a studio
func New(l *ledger.Ledger, merger Merger, opts ...Option) *Studio {
	s := &Studio{
		ledger:  l,
		merger:  merger,
		logger:  &ledger.NoopLogger{},
		metrics: &ledger.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Generate merges the two photos for userID.
// The usage counter is incremented only after the merge returned an image.
func (s *Studio) Generate(ctx context.Context, userID string, req imagemerge.MergeRequest) (*Result, error) {
	session, err := s.ledger.Session(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load usage: %w", err)
	}

	if session.HasReachedLimit() {
		s.metrics.RecordLimitReached(string(session.Regime()))
		return nil, ErrPaymentRequired
	}

	merged, err := s.merger.Merge(ctx, req)
	if err != nil {
		s.logger.Warn("image generation failed",
			ledger.Field{Key: "userId", Value: userID},
			ledger.Field{Key: "error", Value: err},
		)
		return nil, err
	}

	result := &Result{
		Image:   merged.Image,
		Text:    merged.Text,
		Message: SuccessMessage,
	}
	if err := session.Increment(ctx); err != nil {
		s.logger.Error("failed to record usage after generation",
			ledger.Field{Key: "userId", Value: userID},
			ledger.Field{Key: "error", Value: err},
		)
		result.Notice = "Your photo is ready, but usage could not be recorded."
	}

	result.Usage = session.Snapshot()
	if result.Notice == "" {
		result.Notice = result.Usage.Notice
	}
	return result, nil
}
