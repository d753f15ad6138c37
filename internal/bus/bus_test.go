package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) Service {
	t.Helper()
	svc, err := NewService(&Config{DefaultTimeout: 5 * time.Second, HistoryLimit: 100})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func registerEcho(t *testing.T, svc Service, agentID, msgType string, respond Payload) {
	t.Helper()
	require.NoError(t, svc.RegisterAgent(agentID, agentID, "worker"))
	require.NoError(t, svc.RegisterHandler(agentID, msgType, func(ctx context.Context, msg *Message) (Payload, error) {
		return respond, nil
	}))
}

func TestSend_PingPong(t *testing.T) {
	svc := newTestBus(t)
	registerEcho(t, svc, "agent-b", "ping", Payload{"type": "pong"})

	msg := NewMessage("agent-a", "agent-b", "ping", Payload{"type": "ping"})
	msg.Timeout = 5 * time.Second

	resp, err := svc.Send(context.Background(), msg)
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.Equal(t, "pong", resp.Payload["type"])
	assert.Equal(t, msg.ID, resp.ParentID, "response correlates to the original message")
	assert.Equal(t, msg.TraceID, resp.TraceID)
	assert.Equal(t, resp.ID, msg.ResponseID())
	assert.Equal(t, 0, svc.PendingCount(), "correlation entry is cleared")
}

func TestSend_UnknownRecipientReturnsNil(t *testing.T) {
	svc := newTestBus(t)

	msg := NewMessage("agent-a", "nobody", "ping", Payload{"type": "ping"})
	resp, err := svc.Send(context.Background(), msg)

	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, 0, svc.PendingCount(), "no dangling correlation entry")
	assert.Equal(t, StatusFailed, msg.Status())
}

func TestSend_NoHandlerForTypeReturnsNil(t *testing.T) {
	svc := newTestBus(t)
	registerEcho(t, svc, "agent-b", "ping", Payload{"type": "pong"})

	resp, err := svc.Send(context.Background(), NewMessage("agent-a", "agent-b", "unhandled", nil))
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, 0, svc.PendingCount())
}

func TestSend_TimeoutClearsCorrelation(t *testing.T) {
	svc := newTestBus(t)

	release := make(chan struct{})
	require.NoError(t, svc.RegisterAgent("slow", "slow", "worker"))
	require.NoError(t, svc.RegisterHandler("slow", "work", func(ctx context.Context, msg *Message) (Payload, error) {
		<-release
		return Payload{"type": "done"}, nil
	}))

	msg := NewMessage("agent-a", "slow", "work", nil)
	msg.Timeout = 50 * time.Millisecond

	start := time.Now()
	resp, err := svc.Send(context.Background(), msg)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.Nil(t, resp)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, 0, svc.PendingCount(), "timed-out correlation entry is discarded")
	assert.Equal(t, StatusTimeout, msg.Status())

	// The handler was not cancelled; its late result is dropped.
	close(release)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, svc.PendingCount())
}

func TestDefaultConfig_NoSendTimeout(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, time.Duration(0), cfg.DefaultTimeout, "sends wait indefinitely unless a timeout is set")
	assert.Equal(t, 1000, cfg.HistoryLimit)
}

func TestSend_NoTimeoutOutlivesSlowHandler(t *testing.T) {
	svc, err := NewService(DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	require.NoError(t, svc.RegisterAgent("slow", "slow", "worker"))
	require.NoError(t, svc.RegisterHandler("slow", "work", func(ctx context.Context, msg *Message) (Payload, error) {
		time.Sleep(100 * time.Millisecond)
		return Payload{"type": "done"}, nil
	}))

	// No message timeout and no bus default: the send blocks until the
	// handler answers rather than expiring.
	resp, err := svc.Send(context.Background(), NewMessage("agent-a", "slow", "work", nil))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "done", resp.Payload["type"])
}

func TestSend_NoTimeoutHonorsCallerContext(t *testing.T) {
	svc, err := NewService(DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	require.NoError(t, svc.RegisterAgent("slow", "slow", "worker"))
	require.NoError(t, svc.RegisterHandler("slow", "work", func(ctx context.Context, msg *Message) (Payload, error) {
		<-release
		return Payload{"type": "done"}, nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	resp, err := svc.Send(ctx, NewMessage("agent-a", "slow", "work", nil))
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, 0, svc.PendingCount())
}

func TestSend_HandlerErrorBecomesSyntheticResponse(t *testing.T) {
	svc := newTestBus(t)
	require.NoError(t, svc.RegisterAgent("flaky", "flaky", "worker"))
	require.NoError(t, svc.RegisterHandler("flaky", "work", func(ctx context.Context, msg *Message) (Payload, error) {
		return nil, assert.AnError
	}))

	resp, err := svc.Send(context.Background(), NewMessage("agent-a", "flaky", "work", nil))
	require.NoError(t, err, "handler failure is not a bus failure")
	require.NotNil(t, resp)
	assert.Equal(t, "error", resp.Payload["type"])
	assert.Contains(t, resp.Payload["error"], assert.AnError.Error())
}

func TestSend_HandlerPanicBecomesSyntheticResponse(t *testing.T) {
	svc := newTestBus(t)
	require.NoError(t, svc.RegisterAgent("crashy", "crashy", "worker"))
	require.NoError(t, svc.RegisterHandler("crashy", "work", func(ctx context.Context, msg *Message) (Payload, error) {
		panic("boom")
	}))

	resp, err := svc.Send(context.Background(), NewMessage("agent-a", "crashy", "work", nil))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "error", resp.Payload["type"])
	assert.Contains(t, resp.Payload["error"], "boom")
}

func TestSend_AllHandlersInvoked(t *testing.T) {
	svc := newTestBus(t)
	require.NoError(t, svc.RegisterAgent("multi", "multi", "worker"))

	var calls atomic.Int32
	for i := 0; i < 3; i++ {
		require.NoError(t, svc.RegisterHandler("multi", "work", func(ctx context.Context, msg *Message) (Payload, error) {
			calls.Add(1)
			return Payload{"type": "ok"}, nil
		}))
	}

	resp, err := svc.Send(context.Background(), NewMessage("agent-a", "multi", "work", nil))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPublish_FansOutToSubscribers(t *testing.T) {
	svc := newTestBus(t)

	for _, id := range []string{"a1", "a2"} {
		registerEcho(t, svc, id, "news", Payload{"type": "ack", "from": id})
		require.NoError(t, svc.Subscribe(id, "news"))
	}
	// Registered but not subscribed.
	registerEcho(t, svc, "a3", "news", Payload{"type": "ack", "from": "a3"})

	msg := NewMessage("publisher", "", "news", Payload{"type": "news"})
	responses, err := svc.Publish(context.Background(), msg)
	require.NoError(t, err)
	require.Len(t, responses, 2)

	froms := []any{responses[0].Payload["from"], responses[1].Payload["from"]}
	assert.ElementsMatch(t, []any{"a1", "a2"}, froms)
}

func TestPublish_FailureIsolation(t *testing.T) {
	svc := newTestBus(t)

	registerEcho(t, svc, "good", "news", Payload{"type": "ack"})
	require.NoError(t, svc.Subscribe("good", "news"))

	require.NoError(t, svc.RegisterAgent("bad", "bad", "worker"))
	require.NoError(t, svc.RegisterHandler("bad", "news", func(ctx context.Context, msg *Message) (Payload, error) {
		panic("subscriber exploded")
	}))
	require.NoError(t, svc.Subscribe("bad", "news"))

	responses, err := svc.Publish(context.Background(), NewMessage("publisher", "", "news", Payload{"type": "news"}))
	require.NoError(t, err)
	// The good ack and the synthetic error for the bad subscriber.
	assert.Len(t, responses, 2)
}

func TestBroadcast_MapsRecipientsToResponses(t *testing.T) {
	svc := newTestBus(t)

	registerEcho(t, svc, "ok1", "status", Payload{"type": "fine"})
	registerEcho(t, svc, "ok2", "status", Payload{"type": "fine"})
	require.NoError(t, svc.RegisterAgent("thrower", "thrower", "worker"))
	require.NoError(t, svc.RegisterHandler("thrower", "status", func(ctx context.Context, msg *Message) (Payload, error) {
		panic("no status for you")
	}))

	results, err := svc.Broadcast(context.Background(), "coordinator",
		Payload{"type": "status"}, []string{"ok1", "ok2", "thrower"}, nil)
	require.NoError(t, err, "broadcast itself never raises on per-recipient failure")
	require.Len(t, results, 3)

	assert.Equal(t, "fine", results["ok1"].Payload["type"])
	assert.Equal(t, "fine", results["ok2"].Payload["type"])
	require.NotNil(t, results["thrower"])
	assert.Equal(t, "error", results["thrower"].Payload["type"])
}

func TestBroadcast_DefaultsToAllAgentsExceptSender(t *testing.T) {
	svc := newTestBus(t)

	registerEcho(t, svc, "w1", "check", Payload{"type": "ok"})
	registerEcho(t, svc, "w2", "check", Payload{"type": "ok"})
	require.NoError(t, svc.RegisterAgent("coordinator", "coordinator", "lead"))

	results, err := svc.Broadcast(context.Background(), "coordinator", Payload{"type": "check"}, nil, []string{"w2"})
	require.NoError(t, err)

	assert.Contains(t, results, "w1")
	assert.NotContains(t, results, "w2", "excluded recipient")
	assert.NotContains(t, results, "coordinator", "sender never broadcasts to itself")
}

func TestBroadcast_UnknownRecipientIsNilEntry(t *testing.T) {
	svc := newTestBus(t)
	registerEcho(t, svc, "w1", "check", Payload{"type": "ok"})

	results, err := svc.Broadcast(context.Background(), "coordinator",
		Payload{"type": "check"}, []string{"w1", "ghost"}, nil)
	require.NoError(t, err)

	require.Contains(t, results, "ghost")
	assert.Nil(t, results["ghost"])
	assert.NotNil(t, results["w1"])
}

func TestSend_RecordedInHistoryByTrace(t *testing.T) {
	svc := newTestBus(t)
	registerEcho(t, svc, "agent-b", "ping", Payload{"type": "pong"})

	msg := NewMessage("agent-a", "agent-b", "ping", Payload{"type": "ping"})
	_, err := svc.Send(context.Background(), msg)
	require.NoError(t, err)

	chain := svc.History().ByTrace(msg.TraceID)
	require.Len(t, chain, 2, "request and response share the trace")
	assert.Equal(t, msg.ID, chain[0].Message.ID)
	assert.Equal(t, msg.ID, chain[1].Message.ParentID)
}

func TestSend_AfterCloseFails(t *testing.T) {
	svc := newTestBus(t)
	registerEcho(t, svc, "agent-b", "ping", Payload{"type": "pong"})
	require.NoError(t, svc.Close())

	_, err := svc.Send(context.Background(), NewMessage("agent-a", "agent-b", "ping", nil))
	assert.Error(t, err)
}

func TestRegistry_RolesAndStates(t *testing.T) {
	svc := newTestBus(t)
	require.NoError(t, svc.RegisterAgent("planner-1", "Planner", "planner"))

	role, err := svc.Registry().Role("planner-1")
	require.NoError(t, err)
	assert.Equal(t, "planner", role)

	_, err = svc.Registry().Role("ghost")
	assert.ErrorIs(t, err, ErrAgentNotFound)

	require.NoError(t, svc.Registry().SetState("planner-1", StateWaiting))
	assert.ErrorIs(t, svc.Registry().SetState("ghost", StateIdle), ErrAgentNotFound)
}
