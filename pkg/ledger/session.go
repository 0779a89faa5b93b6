package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Session is the usage state of one user together with its storage mode.
// Once a session is local-only it stays that way until Reconnect succeeds.
type Session struct {
	ledger *Ledger
	userID string

	mu           sync.Mutex
	mode         Mode
	usageCount   int
	regime       Regime
	creditedUses int
	notice       string
}

// UserID returns the user the session belongs to
func (s *Session) UserID() string {
	return s.userID
}

// Load reads the user's record, creating it when absent.
// A connectivity error switches the session to the mirror and is not returned.
// Any other error is returned and usage keeps its last known value.
func (s *Session) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode == ModeLocalOnly {
		return nil
	}

	l := s.ledger
	rec, err := l.storage.GetRecord(ctx, s.userID)
	if errors.Is(err, ErrRecordNotFound) {
		rec, err = l.storage.CreateRecord(ctx, &Record{
			UserID:     s.userID,
			UsageCount: 0,
			CreatedAt:  l.now(),
			Regime:     RegimeFree,
		})
	}
	if err != nil {
		if s.canFallback(err) {
			l.logger.Warn("record store unreachable, using local mirror",
				Field{"userId", s.userID},
				Field{"error", err},
			)
			s.loadMirror(ctx)
			s.demote(NoticeOffline)
			return nil
		}
		l.logger.Error("failed to load usage record",
			Field{"userId", s.userID},
			Field{"error", err},
		)
		return err
	}

	s.regime, s.creditedUses = rec.ResolveRegime(l.settings.FreeLimit(), l.settings.PaymentUses())
	s.usageCount = rec.UsageCount
	if s.mode != ModeRemote {
		s.mode = ModeRemote
		l.metrics.RecordModeChange(string(ModeRemote))
	}
	s.storeMirror(ctx)
	return nil
}

// Increment records one consumed generation.
func (s *Session) Increment(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.ledger
	switch s.mode {
	case ModeUnknown:
		return ErrSessionNotLoaded
	case ModeRemote:
		count, err := l.storage.IncrementUsage(ctx, s.userID, l.now())
		if err == nil {
			s.usageCount = count
			s.storeMirror(ctx)
			l.metrics.RecordIncrement(l.backend, true)
			return nil
		}
		l.metrics.RecordIncrement(l.backend, false)
		if !s.canFallback(err) {
			return fmt.Errorf("failed to increment usage: %w", err)
		}
		l.logger.Warn("record store unreachable, saving usage locally",
			Field{"userId", s.userID},
			Field{"error", err},
		)
		s.demote(NoticeSavedLocally)
	}

	s.usageCount++
	s.storeMirror(ctx)
	l.metrics.RecordIncrement(mirrorBackend, true)
	return nil
}

// CreditPayment resets usage to zero and moves the user to the paid regime with the
// configured payment uses.
func (s *Session) CreditPayment(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.ledger
	credited := l.settings.PaymentUses()
	backend := mirrorBackend

	switch s.mode {
	case ModeUnknown:
		return ErrSessionNotLoaded
	case ModeRemote:
		err := l.storage.ResetUsage(ctx, s.userID, credited, l.now())
		switch {
		case err == nil:
			backend = l.backend
		case s.canFallback(err):
			l.metrics.RecordCredit(l.backend, false)
			l.logger.Warn("record store unreachable, crediting payment locally",
				Field{"userId", s.userID},
				Field{"error", err},
			)
			s.demote(NoticeSavedLocally)
		default:
			l.metrics.RecordCredit(l.backend, false)
			return fmt.Errorf("failed to credit payment: %w", err)
		}
	}

	s.usageCount = 0
	s.regime = RegimePaid
	s.creditedUses = credited
	s.storeMirror(ctx)
	l.metrics.RecordCredit(backend, true)
	l.logger.Info("payment credited",
		Field{"userId", s.userID},
		Field{"creditedUses", credited},
		Field{"backend", backend},
	)
	return nil
}

// Reconnect probes the record store and, when it answers, writes the session's usage
// back to it and returns the session to remote mode.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.ledger
	switch s.mode {
	case ModeUnknown:
		return ErrSessionNotLoaded
	case ModeRemote:
		return nil
	}

	if err := l.storage.Ping(ctx); err != nil {
		return fmt.Errorf("record store still unreachable: %w", err)
	}
	if err := l.storage.SetUsage(ctx, s.userID, s.entry()); err != nil {
		return fmt.Errorf("failed to reconcile usage: %w", err)
	}

	s.mode = ModeRemote
	s.notice = ""
	l.metrics.RecordModeChange(string(ModeRemote))
	l.logger.Info("usage reconciled with record store",
		Field{"userId", s.userID},
		Field{"usageCount", s.usageCount},
	)
	return nil
}

// UsageCount returns the number of generations consumed since the last credit
func (s *Session) UsageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usageCount
}

// Mode returns the session's storage mode
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Regime returns the limit regime that applies to the user
func (s *Session) Regime() Regime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regime
}

// EffectiveLimit returns the usage threshold that currently applies
func (s *Session) EffectiveLimit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effectiveLimit()
}

// HasReachedLimit reports whether another generation must be paid for
func (s *Session) HasReachedLimit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usageCount >= s.effectiveLimit()
}

// RemainingUses returns how many generations are left, never negative
func (s *Session) RemainingUses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining()
}

// ShouldShowWarning reports whether the usage warning applies
func (s *Session) ShouldShowWarning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.settings.ShouldShowWarning(s.usageCount)
}

// Snapshot returns a consistent view of the session
func (s *Session) Snapshot() UsageView {
	s.mu.Lock()
	defer s.mu.Unlock()

	view := UsageView{
		UserID:          s.userID,
		UsageCount:      s.usageCount,
		EffectiveLimit:  s.effectiveLimit(),
		RemainingUses:   s.remaining(),
		HasReachedLimit: s.usageCount >= s.effectiveLimit(),
		ShowWarning:     s.ledger.settings.ShouldShowWarning(s.usageCount),
		Regime:          s.regime,
		Mode:            s.mode,
	}
	if s.ledger.settings.UI.ShowOfflineMode {
		view.Notice = s.notice
	}
	return view
}

func (s *Session) effectiveLimit() int {
	if s.regime == RegimePaid {
		return s.creditedUses
	}
	return s.ledger.settings.FreeLimit()
}

func (s *Session) remaining() int {
	remaining := s.effectiveLimit() - s.usageCount
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (s *Session) canFallback(err error) bool {
	return s.ledger.settings.Store.EnableOfflineMode && IsConnectivityError(err)
}

func (s *Session) demote(notice string) {
	s.notice = notice
	if s.mode != ModeLocalOnly {
		s.mode = ModeLocalOnly
		s.ledger.metrics.RecordModeChange(string(ModeLocalOnly))
	}
}

// loadMirror replaces the in-memory usage with the mirrored entry.
// An unreadable mirror keeps the last known usage.
func (s *Session) loadMirror(ctx context.Context) {
	l := s.ledger
	entry, err := l.mirror.Load(ctx, s.userID)
	if err != nil {
		l.logger.Warn("failed to read local mirror",
			Field{"userId", s.userID},
			Field{"error", err},
		)
		return
	}
	if entry == nil {
		s.usageCount = 0
		s.regime = RegimeFree
		s.creditedUses = 0
		return
	}

	legacy := Record{UsageCount: entry.UsageCount, Regime: entry.Regime, CreditedUses: entry.CreditedUses}
	s.usageCount = entry.UsageCount
	s.regime, s.creditedUses = legacy.ResolveRegime(l.settings.FreeLimit(), l.settings.PaymentUses())
}

// storeMirror copies the session into the mirror. Failures are logged; the
// in-memory state stays authoritative for the session.
func (s *Session) storeMirror(ctx context.Context) {
	l := s.ledger
	if l.mirror == nil {
		return
	}
	if err := l.mirror.Store(ctx, s.userID, s.entry()); err != nil {
		l.logger.Warn("failed to update local mirror",
			Field{"userId", s.userID},
			Field{"error", err},
		)
	}
}

func (s *Session) entry() *MirrorEntry {
	return &MirrorEntry{
		UsageCount:   s.usageCount,
		Regime:       s.regime,
		CreditedUses: s.creditedUses,
		UpdatedAt:    s.ledger.now(),
	}
}
