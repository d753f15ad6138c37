// Package contextstore provides tiered persistence for context objects:
// a volatile fast tier, a durable relational tier, and a semantic vector
// tier, fronted by a single service with promotion between tiers.
package contextstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// Well-known context types. Content is opaque to the store; the type only
// drives secondary indexing and compaction.
const (
	TypeSession    = "session"
	TypeAgentState = "agent_state"
	TypeTask       = "task"
	TypeWorkflow   = "workflow"
	TypeMessageLog = "message_log"
	TypeToolCall   = "tool_call"
	TypeReview     = "review"
)

// Metadata describes a context object. It matches the persisted record
// shape used for export and import.
type Metadata struct {
	ContextID         string    `json:"context_id"`
	ContextType       string    `json:"context_type"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	SessionID         string    `json:"session_id,omitempty"`
	AgentID           string    `json:"agent_id,omitempty"`
	TaskID            string    `json:"task_id,omitempty"`
	WorkflowID        string    `json:"workflow_id,omitempty"`
	ParentContextID   string    `json:"parent_context_id,omitempty"`
	RelatedContextIDs []string  `json:"related_context_ids"`
	Tags              []string  `json:"tags"`
}

// Object is a stored context object: metadata plus an opaque content
// payload. Tiers and ExpiresAt are runtime bookkeeping and are not part
// of the exported record shape.
type Object struct {
	Metadata Metadata       `json:"metadata"`
	Content  map[string]any `json:"content"`

	// ExpiresAt, when set, makes the object invisible to reads after
	// the deadline. Tiers enforce it on read; the fast tiers may also
	// evict eagerly.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// Tiers lists the tier names that currently hold a copy. Maintained
	// by the service, advisory only.
	Tiers []string `json:"-"`

	// RelatedSummaries is populated by Get when related population is
	// requested. Never persisted.
	RelatedSummaries []Summary `json:"-"`
}

// Summary is a lightweight view of a related object, attached by Get
// when related population is requested.
type Summary struct {
	ContextID   string   `json:"context_id"`
	ContextType string   `json:"context_type"`
	SessionID   string   `json:"session_id,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Snippet     string   `json:"snippet,omitempty"`
}

// exportRecord is the wire shape for ExportJSON/ImportJSON.
type exportRecord struct {
	Metadata Metadata       `json:"metadata"`
	Content  map[string]any `json:"content"`
}

// Validate checks that the object can be stored.
func (o *Object) Validate() error {
	if o == nil {
		return fmt.Errorf("%w: object is nil", ErrInvalidObject)
	}
	if o.Metadata.ContextID == "" {
		return fmt.Errorf("%w: context id is required", ErrInvalidObject)
	}
	if o.Metadata.ContextType == "" {
		return fmt.Errorf("%w: context type is required", ErrInvalidObject)
	}
	return nil
}

// Expired reports whether the object's expiry has passed at the given time.
func (o *Object) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && now.After(*o.ExpiresAt)
}

// Clone returns a deep copy of the object. Content is copied one level
// deep; nested values are shared.
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	clone := &Object{Metadata: o.Metadata}
	clone.Metadata.RelatedContextIDs = append([]string(nil), o.Metadata.RelatedContextIDs...)
	clone.Metadata.Tags = append([]string(nil), o.Metadata.Tags...)
	if o.Content != nil {
		clone.Content = make(map[string]any, len(o.Content))
		for k, v := range o.Content {
			clone.Content[k] = v
		}
	}
	if o.ExpiresAt != nil {
		t := *o.ExpiresAt
		clone.ExpiresAt = &t
	}
	clone.Tiers = append([]string(nil), o.Tiers...)
	return clone
}

// AddRelated appends id to the related set if not already present.
// Returns true if the set changed.
func (o *Object) AddRelated(id string) bool {
	for _, existing := range o.Metadata.RelatedContextIDs {
		if existing == id {
			return false
		}
	}
	o.Metadata.RelatedContextIDs = append(o.Metadata.RelatedContextIDs, id)
	return true
}

// HasTag reports whether the object carries the given tag.
func (o *Object) HasTag(tag string) bool {
	for _, t := range o.Metadata.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Summarize produces the lightweight view used for related population.
func (o *Object) Summarize() Summary {
	return Summary{
		ContextID:   o.Metadata.ContextID,
		ContextType: o.Metadata.ContextType,
		SessionID:   o.Metadata.SessionID,
		Tags:        append([]string(nil), o.Metadata.Tags...),
		Snippet:     snippet(o.SummaryText(), 200),
	}
}

// SummaryText builds the text indexed by the semantic tier: well-known
// content fields first, then remaining string values in key order.
func (o *Object) SummaryText() string {
	var parts []string
	for _, key := range []string{"title", "summary", "description"} {
		if s, ok := o.Content[key].(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	var rest []string
	for k, v := range o.Content {
		switch k {
		case "title", "summary", "description":
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			rest = append(rest, k+": "+s)
		}
	}
	sort.Strings(rest)
	parts = append(parts, rest...)
	if len(parts) == 0 {
		parts = append(parts, o.Metadata.ContextType)
	}
	return strings.Join(parts, "\n")
}

// ExportJSON serializes the object to the persisted record shape.
func (o *Object) ExportJSON() ([]byte, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	rec := exportRecord{Metadata: o.Metadata, Content: o.Content}
	if rec.Metadata.RelatedContextIDs == nil {
		rec.Metadata.RelatedContextIDs = []string{}
	}
	if rec.Metadata.Tags == nil {
		rec.Metadata.Tags = []string{}
	}
	return json.Marshal(rec)
}

// ImportJSON parses an exported record back into an Object.
func ImportJSON(data []byte) (*Object, error) {
	var rec exportRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidObject, err)
	}
	obj := &Object{Metadata: rec.Metadata, Content: rec.Content}
	if err := obj.Validate(); err != nil {
		return nil, err
	}
	return obj, nil
}

// snippet truncates s to at most max bytes without splitting a rune.
func snippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
