// Package session keeps one form controller per browser session and evicts idle sessions.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/SocialSupport/internal/form"
	"github.com/BTreeMap/SocialSupport/internal/store"
)

const (
	DefaultIdleTimeout   = 2 * time.Hour
	DefaultSweepInterval = 5 * time.Minute
)

// ErrInvalidID is returned for ids that are not UUIDs.
var ErrInvalidID = errors.New("invalid session id")

// NewID returns a fresh random session or client id.
func NewID() string {
	return uuid.NewString()
}

// ValidID reports whether id looks like an id issued by NewID.
func ValidID(id string) bool {
	_, err := uuid.Parse(strings.TrimSpace(id))
	return err == nil && id != ""
}

// Config holds what every controller of the registry shares.
type Config struct {
	// Template provides Schema, Translator, Submitter, Notifier and Now. Store, History,
	// SessionID and Language are filled per session.
	Template form.Config
	// Persistent backs the per-client form store. May be nil.
	Persistent store.Backend
	// History keeps submissions per session. May be nil.
	History *store.History
}

// Opts holds the eviction settings.
type Opts struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
}

// Option configures a Registry.
type Option func(*Opts)

// WithIdleTimeout sets how long a session may stay unused before eviction.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.IdleTimeout = d
	}
}

// WithSweepInterval sets how often Run looks for idle sessions.
func WithSweepInterval(d time.Duration) Option {
	return func(o *Opts) {
		o.SweepInterval = d
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

type entry struct {
	ctrl     *form.Controller
	clientID string
	lastSeen time.Time
}

// Registry maps session ids to controllers.
type Registry struct {
	cfg           Config
	idleTimeout   time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	o := Opts{IdleTimeout: DefaultIdleTimeout, SweepInterval: DefaultSweepInterval, Now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	return &Registry{
		cfg:           cfg,
		idleTimeout:   o.IdleTimeout,
		sweepInterval: o.SweepInterval,
		now:           o.Now,
		sessions:      make(map[string]*entry),
	}
}

// History returns the history log shared by all sessions.
func (r *Registry) History() *store.History {
	return r.cfg.History
}

// Controller returns the controller of sessionID, creating it on first use. clientID scopes the
// persisted form data; lang is only used when the controller is created.
func (r *Registry) Controller(ctx context.Context, clientID, sessionID, lang string) (*form.Controller, error) {
	if !ValidID(clientID) || !ValidID(sessionID) {
		return nil, ErrInvalidID
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.sessions[sessionID]; ok && e.clientID == clientID {
		e.lastSeen = r.now()
		return e.ctrl, nil
	}

	cfg := r.cfg.Template
	cfg.Store = store.NewFormStore(r.cfg.Persistent, clientID)
	cfg.History = r.cfg.History
	cfg.SessionID = sessionID
	cfg.Language = lang
	ctrl := form.New(ctx, cfg)
	r.sessions[sessionID] = &entry{ctrl: ctrl, clientID: clientID, lastSeen: r.now()}
	slog.Debug("Registry.Controller: session created", "sessions", len(r.sessions))
	return ctrl, nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep evicts sessions idle for longer than the idle timeout and clears their history.
// It returns the number of evicted sessions.
func (r *Registry) Sweep(ctx context.Context) int {
	if r.idleTimeout <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.idleTimeout)

	r.mu.Lock()
	var expired []string
	for id, e := range r.sessions {
		if e.lastSeen.Before(cutoff) {
			expired = append(expired, id)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		r.cfg.History.Clear(ctx, id)
	}
	if len(expired) > 0 {
		slog.Info("Registry.Sweep: evicted idle sessions", "count", len(expired))
	}
	return len(expired)
}

// Run sweeps idle sessions periodically. It blocks until the context is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	slog.Info("Registry.Run: starting session sweeper", "interval", r.sweepInterval, "idle_timeout", r.idleTimeout)

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Registry.Run: stopping")
			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}
