// Package store provides the key/value backends behind the form's persistent data and the
// per-session submission history.
//
// Values are opaque JSON documents addressed by (scope, key). A scope is a browser client or
// session id; keys are the fixed names used by FormStore and History.
package store

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
)

// ErrClosed is returned by a backend after Close.
var ErrClosed = errors.New("store closed")

// Backend is a scoped key/value store.
type Backend interface {
	// Get returns the value stored under key. ok is false when nothing is stored.
	Get(ctx context.Context, scope, key string) (value []byte, ok bool, err error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, scope, key string, value []byte) error
	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, scope, key string) error
	Close() error
}

// Opts holds configuration options for opening a backend.
type Opts struct {
	DSN  string
	Kind string
}

// Option defines a configuration option for opening a backend.
type Option func(*Opts)

// WithSQLiteDSN selects an SQLite database file.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Kind = "sqlite3"
	}
}

// WithPostgresDSN selects a PostgreSQL database.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Kind = "postgres"
	}
}

// DetectDSNType returns "postgres" for PostgreSQL URLs or key=value connection strings and
// "sqlite3" for everything else (treated as a file path).
func DetectDSNType(dsn string) string {
	trimmed := strings.TrimSpace(dsn)
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(trimmed, "=") {
		for _, field := range strings.Fields(trimmed) {
			name, _, ok := strings.Cut(field, "=")
			if !ok {
				continue
			}
			switch name {
			case "host", "user", "dbname", "password", "port", "sslmode":
				return "postgres"
			}
		}
	}
	return "sqlite3"
}

// Open returns the backend selected by the options, or an in-memory backend when no DSN is
// configured.
func Open(opts ...Option) (Backend, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch cfg.Kind {
	case "postgres":
		return NewPostgresBackend(opts...)
	case "sqlite3":
		return NewSQLiteBackend(opts...)
	}
	slog.Debug("Store.Open: no database DSN provided, using in-memory backend")
	return NewMemoryBackend(), nil
}

// MemoryBackend keeps values in process memory.
type MemoryBackend struct {
	mu     sync.RWMutex
	data   map[string]map[string][]byte
	closed bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string]map[string][]byte)}
}

func (m *MemoryBackend) Get(_ context.Context, scope, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	v, ok := m.data[scope][key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryBackend) Set(_ context.Context, scope, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	entries, ok := m.data[scope]
	if !ok {
		entries = make(map[string][]byte)
		m.data[scope] = entries
	}
	entries[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryBackend) Remove(_ context.Context, scope, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if entries, ok := m.data[scope]; ok {
		delete(entries, key)
		if len(entries) == 0 {
			delete(m.data, scope)
		}
	}
	return nil
}

// Scopes returns the number of scopes currently holding data.
func (m *MemoryBackend) Scopes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.data = nil
	return nil
}
