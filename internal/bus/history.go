package bus

import (
	"sync"
	"time"
)

// HistoryEntry is the audit record for one routed message. Snapshotted
// at append time; Status and ResponseID reflect the live message so late
// resolutions are visible to audit queries.
type HistoryEntry struct {
	Message    *Message
	RecordedAt time.Time
}

// History is a bounded ring of routed messages, resolved or not,
// queryable by trace id.
type History struct {
	mu      sync.RWMutex
	entries []HistoryEntry
	start   int
	count   int
}

// NewHistory creates a history retaining the last limit messages.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = 1000
	}
	return &History{entries: make([]HistoryEntry, limit)}
}

// Append records a message, evicting the oldest entry when full.
func (h *History) Append(msg *Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry := HistoryEntry{Message: msg, RecordedAt: time.Now().UTC()}
	if h.count < len(h.entries) {
		h.entries[(h.start+h.count)%len(h.entries)] = entry
		h.count++
		return
	}
	h.entries[h.start] = entry
	h.start = (h.start + 1) % len(h.entries)
}

// All returns retained entries oldest-first.
func (h *History) All() []HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]HistoryEntry, 0, h.count)
	for i := 0; i < h.count; i++ {
		out = append(out, h.entries[(h.start+i)%len(h.entries)])
	}
	return out
}

// ByTrace returns retained entries for one causal chain, oldest-first.
func (h *History) ByTrace(traceID string) []HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []HistoryEntry
	for i := 0; i < h.count; i++ {
		entry := h.entries[(h.start+i)%len(h.entries)]
		if entry.Message.TraceID == traceID {
			out = append(out, entry)
		}
	}
	return out
}

// Len returns the number of retained entries.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}
