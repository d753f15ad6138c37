package contextstore

import (
	"context"
	"errors"
)

// Tier names. The service addresses tiers by name so deployments can run
// any subset.
const (
	TierFast     = "fast"
	TierDurable  = "durable"
	TierSemantic = "semantic"
)

var (
	// ErrNotFound indicates the object does not exist in the queried tier(s).
	ErrNotFound = errors.New("context object not found")

	// ErrInvalidObject indicates the object fails validation.
	ErrInvalidObject = errors.New("invalid context object")

	// ErrTierUnavailable indicates a tier is down or misconfigured.
	ErrTierUnavailable = errors.New("storage tier unavailable")

	// ErrAllTiersFailed indicates no attempted tier accepted the operation.
	ErrAllTiersFailed = errors.New("all storage tiers failed")

	// ErrUnknownTier indicates a tier name not configured for this deployment.
	ErrUnknownTier = errors.New("unknown storage tier")

	// ErrSemanticUnavailable indicates semantic search cannot run, either
	// because no semantic tier is configured or the query has no text.
	ErrSemanticUnavailable = errors.New("semantic search unavailable")
)

// Filter selects objects by metadata predicates. Zero-value fields are
// ignored. Text is only meaningful to the semantic tier.
type Filter struct {
	ContextType string
	SessionID   string
	AgentID     string
	TaskID      string
	WorkflowID  string
	Tags        []string
	Text        string
	Limit       int
}

// Empty reports whether the filter has no metadata predicates.
func (f Filter) Empty() bool {
	return f.ContextType == "" && f.SessionID == "" && f.AgentID == "" &&
		f.TaskID == "" && f.WorkflowID == "" && len(f.Tags) == 0
}

// Matches reports whether the object satisfies every set predicate.
func (f Filter) Matches(obj *Object) bool {
	if f.ContextType != "" && obj.Metadata.ContextType != f.ContextType {
		return false
	}
	if f.SessionID != "" && obj.Metadata.SessionID != f.SessionID {
		return false
	}
	if f.AgentID != "" && obj.Metadata.AgentID != f.AgentID {
		return false
	}
	if f.TaskID != "" && obj.Metadata.TaskID != f.TaskID {
		return false
	}
	if f.WorkflowID != "" && obj.Metadata.WorkflowID != f.WorkflowID {
		return false
	}
	for _, tag := range f.Tags {
		if !obj.HasTag(tag) {
			return false
		}
	}
	return true
}

// Tier is a single storage tier. Implementations must be safe for
// concurrent use.
type Tier interface {
	// Name returns the tier name (fast, durable, semantic).
	Name() string

	// Store writes the object, replacing any existing copy with the same id.
	Store(ctx context.Context, obj *Object) error

	// GetByID returns the object or ErrNotFound. Expired objects are
	// treated as absent.
	GetByID(ctx context.Context, id string) (*Object, error)

	// FindByFilter returns objects matching the filter, up to
	// filter.Limit (unlimited when zero).
	FindByFilter(ctx context.Context, filter Filter) ([]*Object, error)

	// Delete removes the object. Deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error

	// Healthy reports whether the tier can currently serve requests.
	Healthy(ctx context.Context) bool

	// Close releases tier resources.
	Close() error
}

// EdgeRecorder is implemented by tiers that maintain an explicit
// relationship edge table. The durable tier implements it; bridge
// operations record edges through it.
type EdgeRecorder interface {
	// RecordEdge persists a directed relationship between two objects.
	RecordEdge(ctx context.Context, fromID, toID, relation string) error

	// RelatedIDs returns ids with a recorded edge from the given id.
	RelatedIDs(ctx context.Context, id string) ([]string, error)
}
