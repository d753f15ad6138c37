package contextstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryTier is the volatile per-process fast tier: a map keyed by id
// plus secondary index sets for cheap filtered lookup. Contents are lost
// on restart and must be treated as advisory.
type MemoryTier struct {
	logger *zap.Logger

	mu      sync.RWMutex
	objects map[string]*memoryEntry

	byType     map[string]map[string]struct{}
	bySession  map[string]map[string]struct{}
	byAgent    map[string]map[string]struct{}
	byTask     map[string]map[string]struct{}
	byWorkflow map[string]map[string]struct{}
	byTag      map[string]map[string]struct{}

	seq uint64
}

type memoryEntry struct {
	obj *Object
	seq uint64
}

// NewMemoryTier creates an empty in-memory fast tier.
func NewMemoryTier(logger *zap.Logger) *MemoryTier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryTier{
		logger:     logger,
		objects:    make(map[string]*memoryEntry),
		byType:     make(map[string]map[string]struct{}),
		bySession:  make(map[string]map[string]struct{}),
		byAgent:    make(map[string]map[string]struct{}),
		byTask:     make(map[string]map[string]struct{}),
		byWorkflow: make(map[string]map[string]struct{}),
		byTag:      make(map[string]map[string]struct{}),
	}
}

// Name returns the tier name.
func (t *MemoryTier) Name() string { return TierFast }

// Store writes the object, replacing any existing copy with the same id.
func (t *MemoryTier) Store(ctx context.Context, obj *Object) error {
	if err := obj.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	id := obj.Metadata.ContextID
	if old, ok := t.objects[id]; ok {
		t.unindexLocked(old.obj)
	}

	t.seq++
	t.objects[id] = &memoryEntry{obj: obj.Clone(), seq: t.seq}
	t.indexLocked(obj)
	return nil
}

// GetByID returns the object or ErrNotFound. Expired entries are evicted.
func (t *MemoryTier) GetByID(ctx context.Context, id string) (*Object, error) {
	t.mu.RLock()
	entry, ok := t.objects[id]
	t.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if entry.obj.Expired(time.Now()) {
		t.mu.Lock()
		if cur, still := t.objects[id]; still && cur == entry {
			t.unindexLocked(cur.obj)
			delete(t.objects, id)
		}
		t.mu.Unlock()
		return nil, ErrNotFound
	}
	return entry.obj.Clone(), nil
}

// FindByFilter intersects index sets for the set predicates, then checks
// remaining predicates per object. Results come back in insertion order.
func (t *MemoryTier) FindByFilter(ctx context.Context, filter Filter) ([]*Object, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	candidates := t.candidatesLocked(filter)
	now := time.Now()

	entries := make([]*memoryEntry, 0, len(candidates))
	for id := range candidates {
		entry, ok := t.objects[id]
		if !ok || entry.obj.Expired(now) {
			continue
		}
		if filter.Matches(entry.obj) {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	limit := filter.Limit
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	out := make([]*Object, 0, limit)
	for _, entry := range entries[:limit] {
		out = append(out, entry.obj.Clone())
	}
	return out, nil
}

// candidatesLocked picks the narrowest index set for the filter, falling
// back to the full id set when no indexed predicate is present.
func (t *MemoryTier) candidatesLocked(filter Filter) map[string]struct{} {
	var narrowest map[string]struct{}
	consider := func(set map[string]struct{}, ok bool) {
		if !ok {
			narrowest = map[string]struct{}{}
			return
		}
		if narrowest == nil || len(set) < len(narrowest) {
			narrowest = set
		}
	}

	if filter.ContextType != "" {
		set, ok := t.byType[filter.ContextType]
		consider(set, ok)
	}
	if filter.SessionID != "" {
		set, ok := t.bySession[filter.SessionID]
		consider(set, ok)
	}
	if filter.AgentID != "" {
		set, ok := t.byAgent[filter.AgentID]
		consider(set, ok)
	}
	if filter.TaskID != "" {
		set, ok := t.byTask[filter.TaskID]
		consider(set, ok)
	}
	if filter.WorkflowID != "" {
		set, ok := t.byWorkflow[filter.WorkflowID]
		consider(set, ok)
	}
	for _, tag := range filter.Tags {
		set, ok := t.byTag[tag]
		consider(set, ok)
	}

	if narrowest == nil {
		all := make(map[string]struct{}, len(t.objects))
		for id := range t.objects {
			all[id] = struct{}{}
		}
		return all
	}
	return narrowest
}

// Delete removes the object. Absent ids are ignored.
func (t *MemoryTier) Delete(ctx context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.objects[id]; ok {
		t.unindexLocked(entry.obj)
		delete(t.objects, id)
	}
	return nil
}

// Healthy always reports true for the in-memory tier.
func (t *MemoryTier) Healthy(ctx context.Context) bool { return true }

// Close drops all entries.
func (t *MemoryTier) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.objects = make(map[string]*memoryEntry)
	t.byType = make(map[string]map[string]struct{})
	t.bySession = make(map[string]map[string]struct{})
	t.byAgent = make(map[string]map[string]struct{})
	t.byTask = make(map[string]map[string]struct{})
	t.byWorkflow = make(map[string]map[string]struct{})
	t.byTag = make(map[string]map[string]struct{})
	return nil
}

// Len returns the number of stored objects.
func (t *MemoryTier) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.objects)
}

func (t *MemoryTier) indexLocked(obj *Object) {
	id := obj.Metadata.ContextID
	addTo(t.byType, obj.Metadata.ContextType, id)
	addTo(t.bySession, obj.Metadata.SessionID, id)
	addTo(t.byAgent, obj.Metadata.AgentID, id)
	addTo(t.byTask, obj.Metadata.TaskID, id)
	addTo(t.byWorkflow, obj.Metadata.WorkflowID, id)
	for _, tag := range obj.Metadata.Tags {
		addTo(t.byTag, tag, id)
	}
}

func (t *MemoryTier) unindexLocked(obj *Object) {
	id := obj.Metadata.ContextID
	removeFrom(t.byType, obj.Metadata.ContextType, id)
	removeFrom(t.bySession, obj.Metadata.SessionID, id)
	removeFrom(t.byAgent, obj.Metadata.AgentID, id)
	removeFrom(t.byTask, obj.Metadata.TaskID, id)
	removeFrom(t.byWorkflow, obj.Metadata.WorkflowID, id)
	for _, tag := range obj.Metadata.Tags {
		removeFrom(t.byTag, tag, id)
	}
}

func addTo(index map[string]map[string]struct{}, key, id string) {
	if key == "" {
		return
	}
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

func removeFrom(index map[string]map[string]struct{}, key, id string) {
	if key == "" {
		return
	}
	if set, ok := index[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}

var _ Tier = (*MemoryTier)(nil)
