package review

import (
	"context"
	"fmt"
	"time"

	"github.com/tmnsystems/secondbrain-sub001/internal/bus"
)

// BusAgentID is the gate's identity on the message bus.
const BusAgentID = "review-gate"

// Message types the gate answers on the bus.
const (
	MsgReviewRequest = "review_request"
	MsgReviewStatus  = "review_status"
	MsgReviewCancel  = "review_cancel"
)

// RegisterBusAgent registers the gate as a bus agent so any agent can
// submit, query, and cancel reviews by message. A review_request is
// queued, the queue is driven until that request reaches a terminal
// status, and the verdict is returned as the correlated response.
func RegisterBusAgent(b bus.Service, gate Service) error {
	if b == nil {
		return fmt.Errorf("bus is required")
	}
	if gate == nil {
		return fmt.Errorf("review gate is required")
	}

	if err := b.RegisterAgent(BusAgentID, "Review Gate", "reviewer"); err != nil {
		return fmt.Errorf("registering review gate agent: %w", err)
	}

	handlers := map[string]bus.Handler{
		MsgReviewRequest: func(ctx context.Context, msg *bus.Message) (bus.Payload, error) {
			return handleReviewRequest(ctx, gate, msg)
		},
		MsgReviewStatus: func(ctx context.Context, msg *bus.Message) (bus.Payload, error) {
			return handleReviewStatus(gate, msg)
		},
		MsgReviewCancel: func(ctx context.Context, msg *bus.Message) (bus.Payload, error) {
			return handleReviewCancel(gate, msg)
		},
	}
	for msgType, handler := range handlers {
		if err := b.RegisterHandler(BusAgentID, msgType, handler); err != nil {
			return fmt.Errorf("registering %s handler: %w", msgType, err)
		}
	}
	return nil
}

// handleReviewRequest submits the request and evaluates the queue until
// it terminates, honoring priority order for anything queued ahead.
func handleReviewRequest(ctx context.Context, gate Service, msg *bus.Message) (bus.Payload, error) {
	title, _ := msg.Payload["title"].(string)
	reviewType, _ := msg.Payload["review_type"].(string)
	content, _ := msg.Payload["content"].(map[string]any)

	priority := msg.Priority
	if p, ok := msg.Payload["priority"].(string); ok {
		if parsed, err := bus.ParsePriority(p); err == nil {
			priority = parsed
		}
	}

	req, err := gate.Submit(ctx, title, content, ReviewType(reviewType), msg.Sender, priority)
	if err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		current, err := gate.Status(req.ID)
		if err != nil {
			return nil, err
		}
		if current.Status.Terminal() {
			return verdictPayload(current), nil
		}
		processed, err := gate.ProcessNext(ctx)
		if err != nil {
			return nil, err
		}
		if processed == nil {
			// In progress under a concurrent processor; yield until
			// its terminal status lands.
			time.Sleep(time.Millisecond)
		}
	}
}

func handleReviewStatus(gate Service, msg *bus.Message) (bus.Payload, error) {
	requestID, _ := msg.Payload["request_id"].(string)
	req, err := gate.Status(requestID)
	if err != nil {
		return nil, err
	}
	return verdictPayload(req), nil
}

func handleReviewCancel(gate Service, msg *bus.Message) (bus.Payload, error) {
	requestID, _ := msg.Payload["request_id"].(string)
	reason, _ := msg.Payload["reason"].(string)
	if err := gate.Cancel(requestID, reason); err != nil {
		return nil, err
	}
	req, err := gate.Status(requestID)
	if err != nil {
		return nil, err
	}
	return verdictPayload(req), nil
}

// verdictPayload flattens a request into a bus payload.
func verdictPayload(req *ReviewRequest) bus.Payload {
	return bus.Payload{
		"type":        "review_verdict",
		"request_id":  req.ID,
		"title":       req.Title,
		"review_type": string(req.ReviewType),
		"status":      string(req.Status),
		"approval":    req.Approval,
		"feedback":    feedbackContent(req.Feedback),
	}
}
