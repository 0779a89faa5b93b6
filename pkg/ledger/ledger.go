package ledger

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mihaimyh/celebmerge/pkg/appconfig"
)

const (
	// NoticeOffline is shown when a session fell back to the mirror during load
	NoticeOffline = "Connection issue. Using offline mode."
	// NoticeSavedLocally is shown when a write went to the mirror instead of the store
	NoticeSavedLocally = "Connection issue. Usage saved locally."

	mirrorBackend = "mirror"
)

// Config configures a Ledger
type Config struct {
	// Settings is the configuration snapshot used for limits and warnings
	Settings appconfig.Config

	// Storage is the remote record store (required)
	Storage Storage

	// Mirror is the local fallback store. Required when Settings.Store.EnableOfflineMode is set.
	Mirror Mirror

	// Backend names the remote store in metrics (default: "remote")
	Backend string

	// Metrics is used for tracking ledger operations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Now returns the current time (default: time.Now in UTC)
	Now func() time.Time
}

// Ledger tracks consumed generations per user and hands out one Session per user id.
type Ledger struct {
	settings appconfig.Config
	storage  Storage
	mirror   Mirror
	backend  string
	metrics  Metrics
	logger   Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	loads    singleflight.Group
}

// New creates a ledger from the given configuration
func New(cfg Config) (*Ledger, error) {
	if cfg.Storage == nil {
		return nil, ErrStorageUnavailable
	}
	if cfg.Settings.Store.EnableOfflineMode && cfg.Mirror == nil {
		return nil, ErrMirrorUnavailable
	}
	if cfg.Backend == "" {
		cfg.Backend = "remote"
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Ledger{
		settings: cfg.Settings,
		storage:  cfg.Storage,
		mirror:   cfg.Mirror,
		backend:  cfg.Backend,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      cfg.Now,
		sessions: make(map[string]*Session),
	}, nil
}

// Settings returns the configuration snapshot the ledger was built with
func (l *Ledger) Settings() appconfig.Config {
	return l.settings
}

// Session returns the user's session, loading it on first use.
// Remote-backed sessions are re-read on every call so that payments credited by the
// bridge become visible; local-only sessions are never re-read.
func (l *Ledger) Session(ctx context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}

	s := l.lookup(userID)
	_, err, _ := l.loads.Do(userID, func() (interface{}, error) {
		return nil, s.Load(ctx)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NewSession returns a fresh, unloaded session that is not shared through the ledger.
func (l *Ledger) NewSession(userID string) *Session {
	return &Session{
		ledger: l,
		userID: userID,
		mode:   ModeUnknown,
		regime: RegimeFree,
	}
}

// Release drops the cached session of a user so the next Session call starts over.
// Local-only sessions are kept: they return to the store only through Reconnect.
// Reports whether a session was dropped.
func (l *Ledger) Release(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.sessions[userID]
	if !ok || s.Mode() == ModeLocalOnly {
		return false
	}
	delete(l.sessions, userID)
	return true
}

func (l *Ledger) lookup(userID string) *Session {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.sessions[userID]
	if !ok {
		s = l.NewSession(userID)
		l.sessions[userID] = s
	}
	return s
}
