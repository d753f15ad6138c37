// Package review implements the mandatory review gate agents pass
// through before and after performing work. Requests are queued by
// priority, evaluated against per-type criterion sets, and their
// outcomes persisted as context objects.
package review

import (
	"errors"
	"fmt"
	"time"

	"github.com/tmnsystems/secondbrain-sub001/internal/bus"
)

var (
	// ErrNotFound indicates the request id is unknown to the gate.
	ErrNotFound = errors.New("review request not found")

	// ErrNotCancellable indicates the request left the pending queue
	// and can no longer be cancelled.
	ErrNotCancellable = errors.New("review request is not cancellable")

	// ErrInvalidTransition indicates an attempt to move a request out
	// of a terminal state.
	ErrInvalidTransition = errors.New("invalid review status transition")

	// ErrNotCompleted indicates an operation that requires a completed
	// request was called on a pending or in-progress one.
	ErrNotCompleted = errors.New("review request is not completed")

	// ErrInvalidReviewType indicates an unrecognized review type string.
	ErrInvalidReviewType = errors.New("invalid review type")
)

// ReviewType classifies what a request is asking to have reviewed.
type ReviewType string

const (
	TypePreImplementation  ReviewType = "pre_implementation"
	TypePostImplementation ReviewType = "post_implementation"
	TypeStrategicAlignment ReviewType = "strategic_alignment"
	TypeCodeQuality        ReviewType = "code_quality"
	TypeSecurity           ReviewType = "security"
	TypePerformance        ReviewType = "performance"
)

// ParseReviewType validates and converts a review type string.
func ParseReviewType(s string) (ReviewType, error) {
	switch rt := ReviewType(s); rt {
	case TypePreImplementation, TypePostImplementation, TypeStrategicAlignment,
		TypeCodeQuality, TypeSecurity, TypePerformance:
		return rt, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidReviewType, s)
	}
}

// ReviewStatus is the request's position in the gate state machine:
// pending -> in_progress -> {approved, rejected, changes_requested},
// with cancelled reachable only from pending.
type ReviewStatus string

const (
	StatusPending          ReviewStatus = "pending"
	StatusInProgress       ReviewStatus = "in_progress"
	StatusApproved         ReviewStatus = "approved"
	StatusRejected         ReviewStatus = "rejected"
	StatusChangesRequested ReviewStatus = "changes_requested"
	StatusCancelled        ReviewStatus = "cancelled"
)

// Terminal reports whether the status ends the request's lifecycle.
func (s ReviewStatus) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusChangesRequested, StatusCancelled:
		return true
	default:
		return false
	}
}

// Feedback is the outcome of one evaluated criterion.
type Feedback struct {
	Criterion string    `json:"criterion"`
	Passed    bool      `json:"passed"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ReviewRequest is one unit of work passing through the gate.
type ReviewRequest struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	ReviewType  ReviewType     `json:"review_type"`
	Requester   string         `json:"requester"`
	Priority    bus.Priority   `json:"priority"`
	Status      ReviewStatus   `json:"status"`
	Content     map[string]any `json:"content,omitempty"`
	Feedback    []Feedback     `json:"feedback,omitempty"`

	// Approval is true iff every evaluated criterion passed.
	Approval bool `json:"approval"`

	ImplementationID       string     `json:"implementation_id,omitempty"`
	ImplementedAt          *time.Time `json:"implemented_at,omitempty"`
	ImplementationVerified bool       `json:"implementation_verified"`

	CancelReason string `json:"cancel_reason,omitempty"`

	CreatedAt         time.Time  `json:"created_at"`
	ReviewStartedAt   *time.Time `json:"review_started_at,omitempty"`
	ReviewCompletedAt *time.Time `json:"review_completed_at,omitempty"`
}

// Clone returns an independent copy safe to hand to callers.
func (r *ReviewRequest) Clone() *ReviewRequest {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Feedback = append([]Feedback(nil), r.Feedback...)
	if r.Content != nil {
		clone.Content = make(map[string]any, len(r.Content))
		for k, v := range r.Content {
			clone.Content[k] = v
		}
	}
	if r.ImplementedAt != nil {
		t := *r.ImplementedAt
		clone.ImplementedAt = &t
	}
	if r.ReviewStartedAt != nil {
		t := *r.ReviewStartedAt
		clone.ReviewStartedAt = &t
	}
	if r.ReviewCompletedAt != nil {
		t := *r.ReviewCompletedAt
		clone.ReviewCompletedAt = &t
	}
	return &clone
}
