package store

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/BTreeMap/SocialSupport/internal/models"
)

// Fixed keys of the persistent form entries.
const (
	FormDataKey     = "socialSupportFormData"
	FormResponseKey = "socialSupportFormResponse"
)

// FormStore persists the in-progress form data and the last submission response of one
// browser client. Storage failures are logged and reported as "no data"; they are never
// returned to the caller. A FormStore without a backend does nothing.
type FormStore struct {
	backend Backend
	scope   string
}

// NewFormStore binds backend to the client scope. backend may be nil.
func NewFormStore(backend Backend, scope string) *FormStore {
	return &FormStore{backend: backend, scope: scope}
}

// LoadData returns the persisted form data, or nil when none is stored.
func (f *FormStore) LoadData(ctx context.Context) models.FormData {
	var data models.FormData
	if !f.get(ctx, FormDataKey, &data) {
		return nil
	}
	return data
}

// SaveData persists the form data.
func (f *FormStore) SaveData(ctx context.Context, data models.FormData) {
	f.set(ctx, FormDataKey, data)
}

// LoadResponse returns the last submission response, or nil when none is stored.
func (f *FormStore) LoadResponse(ctx context.Context) models.FormData {
	var data models.FormData
	if !f.get(ctx, FormResponseKey, &data) {
		return nil
	}
	return data
}

// SaveResponse persists the last submission response.
func (f *FormStore) SaveResponse(ctx context.Context, data models.FormData) {
	f.set(ctx, FormResponseKey, data)
}

// Clear removes both the form data and the submission response.
func (f *FormStore) Clear(ctx context.Context) {
	f.remove(ctx, FormDataKey)
	f.remove(ctx, FormResponseKey)
}

func (f *FormStore) get(ctx context.Context, key string, dst interface{}) bool {
	if f == nil || f.backend == nil {
		return false
	}
	raw, ok, err := f.backend.Get(ctx, f.scope, key)
	if err != nil {
		slog.Warn("FormStore.get: backend read failed, treating as empty", "key", key, "error", err)
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		slog.Warn("FormStore.get: malformed stored JSON, treating as empty", "key", key, "error", err)
		return false
	}
	return true
}

func (f *FormStore) set(ctx context.Context, key string, v interface{}) {
	if f == nil || f.backend == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		slog.Warn("FormStore.set: marshal failed", "key", key, "error", err)
		return
	}
	if err := f.backend.Set(ctx, f.scope, key, raw); err != nil {
		slog.Warn("FormStore.set: backend write failed", "key", key, "error", err)
	}
}

func (f *FormStore) remove(ctx context.Context, key string) {
	if f == nil || f.backend == nil {
		return
	}
	if err := f.backend.Remove(ctx, f.scope, key); err != nil {
		slog.Warn("FormStore.remove: backend remove failed", "key", key, "error", err)
	}
}
