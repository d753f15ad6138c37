package review

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmnsystems/secondbrain-sub001/internal/bus"
)

func newTestGate(t *testing.T) Service {
	t.Helper()
	svc, err := NewService(&Config{})
	require.NoError(t, err)
	return svc
}

func approvableContent() map[string]any {
	return map[string]any{
		"goal":  "ship the feature",
		"steps": []string{"design", "implement", "test"},
	}
}

func TestSubmit_EnqueuesPending(t *testing.T) {
	gate := newTestGate(t)

	req, err := gate.Submit(context.Background(), "add cache", approvableContent(),
		TypePreImplementation, "planner-1", bus.PriorityNormal)
	require.NoError(t, err)

	assert.NotEmpty(t, req.ID)
	assert.Equal(t, StatusPending, req.Status)
	assert.Nil(t, req.ReviewStartedAt)
	assert.Nil(t, req.ReviewCompletedAt)
	assert.Equal(t, 1, gate.QueueLen())
}

func TestSubmit_InvalidType(t *testing.T) {
	gate := newTestGate(t)
	_, err := gate.Submit(context.Background(), "x", nil, ReviewType("vibes"), "a", bus.PriorityNormal)
	assert.ErrorIs(t, err, ErrInvalidReviewType)
}

func TestProcessNext_PriorityOrderWithFIFOTies(t *testing.T) {
	gate := newTestGate(t)
	ctx := context.Background()

	low, err := gate.Submit(ctx, "low", approvableContent(), TypePreImplementation, "a", bus.PriorityLow)
	require.NoError(t, err)
	high1, err := gate.Submit(ctx, "high-1", approvableContent(), TypePreImplementation, "a", bus.PriorityHigh)
	require.NoError(t, err)
	normal, err := gate.Submit(ctx, "normal", approvableContent(), TypePreImplementation, "a", bus.PriorityNormal)
	require.NoError(t, err)
	high2, err := gate.Submit(ctx, "high-2", approvableContent(), TypePreImplementation, "a", bus.PriorityHigh)
	require.NoError(t, err)

	var order []string
	for i := 0; i < 4; i++ {
		req, err := gate.ProcessNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, req)
		order = append(order, req.ID)
	}

	assert.Equal(t, []string{high1.ID, high2.ID, normal.ID, low.ID}, order,
		"priority descending, submission order among equals")

	next, err := gate.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, next, "empty queue yields nil")
}

func TestProcessNext_ApprovesWhenAllCriteriaPass(t *testing.T) {
	gate := newTestGate(t)
	ctx := context.Background()

	submitted, err := gate.Submit(ctx, "add cache", approvableContent(),
		TypePreImplementation, "planner-1", bus.PriorityNormal)
	require.NoError(t, err)

	req, err := gate.ProcessNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, req)

	assert.Equal(t, submitted.ID, req.ID)
	assert.Equal(t, StatusApproved, req.Status)
	assert.True(t, req.Approval)
	assert.Len(t, req.Feedback, 3, "strategic-alignment, completeness, feasibility")
	require.NotNil(t, req.ReviewStartedAt)
	require.NotNil(t, req.ReviewCompletedAt)
	assert.False(t, req.ReviewCompletedAt.Before(*req.ReviewStartedAt))
}

func TestProcessNext_MissingStepsRequestsChanges(t *testing.T) {
	gate := newTestGate(t)
	ctx := context.Background()

	_, err := gate.Submit(ctx, "vague plan", map[string]any{"goal": "do the thing"},
		TypePreImplementation, "planner-1", bus.PriorityNormal)
	require.NoError(t, err)

	req, err := gate.ProcessNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, req)

	assert.Equal(t, StatusChangesRequested, req.Status)
	assert.False(t, req.Approval)

	var completeness *Feedback
	for i := range req.Feedback {
		if req.Feedback[i].Criterion == "completeness" {
			completeness = &req.Feedback[i]
		}
	}
	require.NotNil(t, completeness)
	assert.False(t, completeness.Passed)
}

func TestProcessNext_EvaluatorPanicFailsClosed(t *testing.T) {
	gate := newTestGate(t)
	ctx := context.Background()

	gate.RegisterEvaluator(TypeCodeQuality, func(content map[string]any) Feedback {
		panic("evaluator bug")
	})

	_, err := gate.Submit(ctx, "risky change", nil, TypeCodeQuality, "a", bus.PriorityNormal)
	require.NoError(t, err)

	req, err := gate.ProcessNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, req)

	assert.Equal(t, StatusChangesRequested, req.Status)
	assert.False(t, req.Approval)

	last := req.Feedback[len(req.Feedback)-1]
	assert.False(t, last.Passed)
	assert.Contains(t, last.Note, "evaluator bug")
}

func TestStatus_DistinguishesUnknownFromPending(t *testing.T) {
	gate := newTestGate(t)

	_, err := gate.Status("no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)

	submitted, err := gate.Submit(context.Background(), "x", approvableContent(),
		TypePreImplementation, "a", bus.PriorityNormal)
	require.NoError(t, err)

	req, err := gate.Status(submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, req.Status)
}

func TestCompletedAtSetOnlyByEvaluation(t *testing.T) {
	gate := newTestGate(t)
	ctx := context.Background()

	pending, err := gate.Submit(ctx, "stays pending", approvableContent(),
		TypePreImplementation, "a", bus.PriorityLow)
	require.NoError(t, err)

	cancelled, err := gate.Submit(ctx, "gets cancelled", approvableContent(),
		TypePreImplementation, "a", bus.PriorityLow)
	require.NoError(t, err)
	require.NoError(t, gate.Cancel(cancelled.ID, "superseded"))

	evaluated, err := gate.Submit(ctx, "gets evaluated", approvableContent(),
		TypePreImplementation, "a", bus.PriorityHigh)
	require.NoError(t, err)
	_, err = gate.ProcessNext(ctx)
	require.NoError(t, err)

	for _, tc := range []struct {
		id        string
		completed bool
	}{
		{pending.ID, false},
		{cancelled.ID, false},
		{evaluated.ID, true},
	} {
		req, err := gate.Status(tc.id)
		require.NoError(t, err)
		if tc.completed {
			assert.NotNil(t, req.ReviewCompletedAt)
			assert.True(t, req.Status.Terminal())
		} else {
			assert.Nil(t, req.ReviewCompletedAt)
		}
	}
}

func TestCancel_OnlyWhilePending(t *testing.T) {
	gate := newTestGate(t)
	ctx := context.Background()

	req, err := gate.Submit(ctx, "cancel me", approvableContent(),
		TypePreImplementation, "a", bus.PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, gate.Cancel(req.ID, "no longer needed"))

	got, err := gate.Status(req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, "no longer needed", got.CancelReason)
	assert.Equal(t, 0, gate.QueueLen())

	// Cancelled requests never surface from the queue.
	next, err := gate.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestCancel_EvaluatedRequestRejected(t *testing.T) {
	gate := newTestGate(t)
	ctx := context.Background()

	req, err := gate.Submit(ctx, "x", approvableContent(), TypePreImplementation, "a", bus.PriorityNormal)
	require.NoError(t, err)
	_, err = gate.ProcessNext(ctx)
	require.NoError(t, err)

	err = gate.Cancel(req.ID, "too late")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.ErrorIs(t, gate.Cancel("ghost", "x"), ErrNotFound)
}

func TestNotifyAndVerifyImplementation(t *testing.T) {
	gate := newTestGate(t)
	ctx := context.Background()

	req, err := gate.Submit(ctx, "x", approvableContent(), TypePreImplementation, "a", bus.PriorityNormal)
	require.NoError(t, err)

	// Not yet completed.
	assert.ErrorIs(t, gate.NotifyImplementation(req.ID, "impl-1"), ErrNotCompleted)
	assert.ErrorIs(t, gate.VerifyImplementation(req.ID, true, "ok"), ErrNotCompleted)

	_, err = gate.ProcessNext(ctx)
	require.NoError(t, err)

	require.NoError(t, gate.NotifyImplementation(req.ID, "impl-1"))

	got, err := gate.Status(req.ID)
	require.NoError(t, err)
	assert.Equal(t, "impl-1", got.ImplementationID)
	require.NotNil(t, got.ImplementedAt)
	assert.False(t, got.ImplementationVerified)

	baseline := len(got.Feedback)

	// Each verification appends; the flag tracks the latest call.
	require.NoError(t, gate.VerifyImplementation(req.ID, false, "tests missing"))
	require.NoError(t, gate.VerifyImplementation(req.ID, true, "tests added"))

	got, err = gate.Status(req.ID)
	require.NoError(t, err)
	assert.Len(t, got.Feedback, baseline+2)
	assert.True(t, got.ImplementationVerified)
	assert.True(t, got.Approval, "verification is independent of the original approval")
}

func TestRegisterEvaluator_AppendsToDefaults(t *testing.T) {
	gate := newTestGate(t)
	ctx := context.Background()

	gate.RegisterEvaluator(TypePreImplementation, func(content map[string]any) Feedback {
		return Feedback{Criterion: "house-style", Passed: true, Note: "fine"}
	})

	_, err := gate.Submit(ctx, "x", approvableContent(), TypePreImplementation, "a", bus.PriorityNormal)
	require.NoError(t, err)

	req, err := gate.ProcessNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, req)

	assert.Len(t, req.Feedback, 4)
	assert.Equal(t, "house-style", req.Feedback[3].Criterion)
	assert.Equal(t, StatusApproved, req.Status)
}
