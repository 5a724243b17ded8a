package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"

	"github.com/BTreeMap/SocialSupport/internal/models"
)

// HistoryKey is the key of the submission list within a session scope.
const HistoryKey = "history"

// History is the session-scoped list of past submissions, newest first. It shares the
// failure tolerance of FormStore.
type History struct {
	backend Backend
	// mu serialises read-modify-write appends across sessions sharing a backend.
	mu sync.Mutex
}

// NewHistory creates a History over backend. backend may be nil.
func NewHistory(backend Backend) *History {
	return &History{backend: backend}
}

// Append stores entry in front of the session's list and returns the updated list. An id that
// is not newer than the latest entry's (two submissions in one millisecond) is moved to the
// latest id plus one, so ids stay unique within a session.
func (h *History) Append(ctx context.Context, session string, entry models.HistoryEntry) []models.HistoryEntry {
	if h == nil || h.backend == nil {
		return []models.HistoryEntry{entry}
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	prev := h.read(ctx, session)
	if len(prev) > 0 {
		entry.ID = nextID(entry.ID, prev[0].ID)
	}
	list := append([]models.HistoryEntry{entry}, prev...)
	raw, err := json.Marshal(list)
	if err != nil {
		slog.Warn("History.Append: marshal failed", "error", err)
		return list
	}
	if err := h.backend.Set(ctx, session, HistoryKey, raw); err != nil {
		slog.Warn("History.Append: backend write failed", "error", err)
	}
	slog.Debug("History.Append: entry stored", "id", entry.ID, "count", len(list))
	return list
}

// List returns the session's entries, newest first.
func (h *History) List(ctx context.Context, session string) []models.HistoryEntry {
	if h == nil || h.backend == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.read(ctx, session)
}

// GetByID returns the entry with the given id.
func (h *History) GetByID(ctx context.Context, session, id string) (models.HistoryEntry, bool) {
	for _, e := range h.List(ctx, session) {
		if e.ID == id {
			return e, true
		}
	}
	return models.HistoryEntry{}, false
}

// Clear drops the session's list.
func (h *History) Clear(ctx context.Context, session string) {
	if h == nil || h.backend == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.backend.Remove(ctx, session, HistoryKey); err != nil {
		slog.Warn("History.Clear: backend remove failed", "error", err)
	}
}

// nextID returns id, or latest+1 when id does not sort after latest.
func nextID(id, latest string) string {
	n, err1 := strconv.ParseInt(id, 10, 64)
	last, err2 := strconv.ParseInt(latest, 10, 64)
	if err1 != nil || err2 != nil || n > last {
		return id
	}
	return strconv.FormatInt(last+1, 10)
}

func (h *History) read(ctx context.Context, session string) []models.HistoryEntry {
	raw, ok, err := h.backend.Get(ctx, session, HistoryKey)
	if err != nil {
		slog.Warn("History.read: backend read failed, treating as empty", "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	var list []models.HistoryEntry
	if err := json.Unmarshal(raw, &list); err != nil {
		slog.Warn("History.read: malformed stored JSON, treating as empty", "error", err)
		return nil
	}
	return list
}
