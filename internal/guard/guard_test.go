package guard

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/tmnsystems/secondbrain-sub001/internal/bus"
)

func newTestGuard(t *testing.T, cfg *Config) (Service, bus.Service) {
	t.Helper()
	b, err := bus.NewService(bus.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	g, err := NewService(b, cfg)
	require.NoError(t, err)
	return g, b
}

func grantAll(t *testing.T, g Service, agentID, role string) {
	t.Helper()
	require.NoError(t, g.RegisterCredential(Credential{AgentID: agentID, Secret: "s3cret-" + agentID}))
	require.NoError(t, g.AddPolicy(Policy{Pattern: "*", Roles: []string{role}, Level: LevelAdmin}))
}

func TestSignAndValidate_RoundTrip(t *testing.T) {
	g, b := newTestGuard(t, nil)
	require.NoError(t, b.RegisterAgent("planner-1", "Planner", "planner"))
	grantAll(t, g, "planner-1", "planner")

	msg := bus.NewMessage("planner-1", "executor-1", "task_request", bus.Payload{"type": "task_request"})
	require.NoError(t, g.Sign(msg))

	assert.NotEmpty(t, msg.Payload["_sig"])
	assert.NotEmpty(t, msg.Payload["_sig_ts"])
	assert.NoError(t, g.Validate(msg))
}

func TestValidate_MissingSignature(t *testing.T) {
	g, _ := newTestGuard(t, nil)

	msg := bus.NewMessage("planner-1", "executor-1", "ping", bus.Payload{"type": "ping"})
	err := g.Validate(msg)

	reason, ok := ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, RejectInvalidSignature, reason)
}

func TestValidate_TamperedMessage(t *testing.T) {
	g, b := newTestGuard(t, nil)
	require.NoError(t, b.RegisterAgent("planner-1", "Planner", "planner"))
	grantAll(t, g, "planner-1", "planner")

	msg := bus.NewMessage("planner-1", "executor-1", "ping", bus.Payload{"type": "ping"})
	require.NoError(t, g.Sign(msg))

	// Redirecting a signed message invalidates its signature.
	msg.Recipient = "attacker"
	err := g.Validate(msg)

	reason, ok := ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, RejectInvalidSignature, reason)
}

func TestValidate_UnknownSender(t *testing.T) {
	g, _ := newTestGuard(t, nil)

	msg := bus.NewMessage("stranger", "executor-1", "ping", bus.Payload{
		"type":    "ping",
		"_sig":    "deadbeef",
		"_sig_ts": strconv.FormatInt(time.Now().Unix(), 10),
	})
	reason, ok := ReasonOf(g.Validate(msg))
	require.True(t, ok)
	assert.Equal(t, RejectInvalidSignature, reason)
}

func TestValidate_StaleTimestamp(t *testing.T) {
	g, b := newTestGuard(t, &Config{FreshnessWindow: time.Minute})
	require.NoError(t, b.RegisterAgent("planner-1", "Planner", "planner"))
	require.NoError(t, g.RegisterCredential(Credential{AgentID: "planner-1", Secret: "s3cret"}))

	msg := bus.NewMessage("planner-1", "executor-1", "ping", bus.Payload{"type": "ping"})
	require.NoError(t, g.Sign(msg))

	// Rewind the embedded timestamp past the freshness window and
	// re-sign for that moment so only staleness trips.
	old := time.Now().Add(-10 * time.Minute).Unix()
	msg.Payload["_sig_ts"] = strconv.FormatInt(old, 10)
	msg.Payload["_sig"] = computeSignature("s3cret", msg.ID, msg.Sender, msg.Recipient, old)

	reason, ok := ReasonOf(g.Validate(msg))
	require.True(t, ok)
	assert.Equal(t, RejectExpired, reason)
}

func TestValidate_ExpiredCredential(t *testing.T) {
	g, b := newTestGuard(t, nil)
	require.NoError(t, b.RegisterAgent("planner-1", "Planner", "planner"))
	require.NoError(t, g.RegisterCredential(Credential{
		AgentID:   "planner-1",
		Secret:    "s3cret",
		ExpiresAt: time.Now().Add(-time.Hour),
	}))

	msg := bus.NewMessage("planner-1", "executor-1", "ping", bus.Payload{"type": "ping"})
	require.NoError(t, g.Sign(msg))

	reason, ok := ReasonOf(g.Validate(msg))
	require.True(t, ok)
	assert.Equal(t, RejectExpired, reason)
}

func TestValidate_Unauthorized(t *testing.T) {
	g, b := newTestGuard(t, nil)
	require.NoError(t, b.RegisterAgent("doc-1", "Documenter", "documenter"))
	require.NoError(t, g.RegisterCredential(Credential{AgentID: "doc-1", Secret: "s3cret"}))
	require.NoError(t, g.AddPolicy(Policy{Pattern: "docs.*", Roles: []string{"documenter"}, Level: LevelWrite}))

	// Write to an in-scope resource passes.
	msg := bus.NewMessage("doc-1", "executor-1", "create_page", bus.Payload{
		"type":     "create_page",
		"resource": "docs.pages",
	})
	require.NoError(t, g.Sign(msg))
	assert.NoError(t, g.Validate(msg))

	// Out-of-scope resource is denied.
	msg = bus.NewMessage("doc-1", "executor-1", "create_task", bus.Payload{
		"type":     "create_task",
		"resource": "tasks.backlog",
	})
	require.NoError(t, g.Sign(msg))
	reason, ok := ReasonOf(g.Validate(msg))
	require.True(t, ok)
	assert.Equal(t, RejectUnauthorized, reason)

	// Execute requires more than the granted write level.
	msg = bus.NewMessage("doc-1", "executor-1", "execute_publish", bus.Payload{
		"type":     "execute_publish",
		"resource": "docs.pages",
	})
	require.NoError(t, g.Sign(msg))
	reason, ok = ReasonOf(g.Validate(msg))
	require.True(t, ok)
	assert.Equal(t, RejectUnauthorized, reason)
}

func TestValidate_CredentialPermissionOverridesPolicies(t *testing.T) {
	g, b := newTestGuard(t, nil)
	require.NoError(t, b.RegisterAgent("exec-1", "Executor", "executor"))
	require.NoError(t, g.RegisterCredential(Credential{
		AgentID:     "exec-1",
		Secret:      "s3cret",
		Permissions: map[string]Level{"deploy": LevelExecute},
	}))

	msg := bus.NewMessage("exec-1", "infra", "execute_deploy", bus.Payload{
		"type":     "execute_deploy",
		"resource": "deploy",
	})
	require.NoError(t, g.Sign(msg))
	assert.NoError(t, g.Validate(msg), "explicit grant works with no policies at all")
}

func TestValidate_RateLimited(t *testing.T) {
	g, b := newTestGuard(t, &Config{
		FreshnessWindow: time.Minute,
		RateLimit:       rate.Limit(1),
		RateBurst:       2,
	})
	require.NoError(t, b.RegisterAgent("spammer", "Spammer", "worker"))
	grantAll(t, g, "spammer", "worker")

	var rateLimited bool
	for i := 0; i < 5; i++ {
		msg := bus.NewMessage("spammer", "target", "ping", bus.Payload{"type": "ping"})
		require.NoError(t, g.Sign(msg))
		if err := g.Validate(msg); err != nil {
			reason, ok := ReasonOf(err)
			require.True(t, ok)
			assert.Equal(t, RejectRateLimited, reason)
			rateLimited = true
			break
		}
	}
	assert.True(t, rateLimited, "burst exhausted within five sends")
}

func TestSend_ForwardsToBus(t *testing.T) {
	g, b := newTestGuard(t, nil)

	require.NoError(t, b.RegisterAgent("a", "A", "worker"))
	require.NoError(t, b.RegisterAgent("be", "B", "worker"))
	require.NoError(t, b.RegisterHandler("be", "ping", func(ctx context.Context, msg *bus.Message) (bus.Payload, error) {
		return bus.Payload{"type": "pong"}, nil
	}))
	grantAll(t, g, "a", "worker")

	msg := bus.NewMessage("a", "be", "ping", bus.Payload{"type": "ping"})
	resp, err := g.Send(context.Background(), msg)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "pong", resp.Payload["type"])
}

func TestSend_RejectedMessageNeverReachesBus(t *testing.T) {
	g, b := newTestGuard(t, nil)
	require.NoError(t, b.RegisterAgent("be", "B", "worker"))

	var handled bool
	require.NoError(t, b.RegisterHandler("be", "ping", func(ctx context.Context, msg *bus.Message) (bus.Payload, error) {
		handled = true
		return bus.Payload{"type": "pong"}, nil
	}))

	msg := bus.NewMessage("nobody", "be", "ping", bus.Payload{"type": "ping"})
	_, err := g.Send(context.Background(), msg)

	reason, ok := ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, RejectInvalidSignature, reason)
	assert.False(t, handled)
	assert.Equal(t, 0, b.History().Len())
}

func TestRevokeCredential(t *testing.T) {
	g, b := newTestGuard(t, nil)
	require.NoError(t, b.RegisterAgent("a", "A", "worker"))
	grantAll(t, g, "a", "worker")

	msg := bus.NewMessage("a", "be", "ping", bus.Payload{"type": "ping"})
	require.NoError(t, g.Sign(msg))
	require.NoError(t, g.Validate(msg))

	g.RevokeCredential("a")
	reason, ok := ReasonOf(g.Validate(msg))
	require.True(t, ok)
	assert.Equal(t, RejectInvalidSignature, reason)
}

func TestCheckFreshness_RevokedMidValidation(t *testing.T) {
	g, b := newTestGuard(t, nil)
	require.NoError(t, b.RegisterAgent("a", "A", "worker"))
	grantAll(t, g, "a", "worker")

	msg := bus.NewMessage("a", "be", "ping", bus.Payload{"type": "ping"})
	require.NoError(t, g.Sign(msg))

	// A revoke landing after the signature check must yield a denial,
	// not a panic, when freshness looks the credential up again.
	g.RevokeCredential("a")

	s := g.(*service)
	reason, ok := ReasonOf(s.checkFreshness(msg))
	require.True(t, ok)
	assert.Equal(t, RejectInvalidSignature, reason)
}

func TestPolicyPatternMatching(t *testing.T) {
	tests := []struct {
		pattern  string
		resource string
		want     bool
	}{
		{"*", "anything", true},
		{"tasks", "tasks", true},
		{"tasks", "tasks.backlog", false},
		{"tasks.*", "tasks.backlog", true},
		{"tasks.*", "tasks.", true},
		{"tasks.*", "tasks", false},
		{"tasks.*", "task", false},
	}
	for _, tt := range tests {
		p := Policy{Pattern: tt.pattern}
		assert.Equal(t, tt.want, p.matchesResource(tt.resource),
			"pattern %q vs %q", tt.pattern, tt.resource)
	}
}

func TestRequiredLevelInference(t *testing.T) {
	tests := []struct {
		msgType string
		want    Level
	}{
		{"execute_deploy", LevelExecute},
		{"executeTask", LevelExecute},
		{"review_request", LevelWrite},
		{"create_page", LevelWrite},
		{"status_query", LevelRead},
		{"ping", LevelRead},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, requiredLevel(tt.msgType), "type %q", tt.msgType)
	}
}

func TestLevelOrderingAndParse(t *testing.T) {
	assert.True(t, LevelNone < LevelRead)
	assert.True(t, LevelRead < LevelWrite)
	assert.True(t, LevelWrite < LevelExecute)
	assert.True(t, LevelExecute < LevelAdmin)

	lvl, err := ParseLevel("EXECUTE")
	require.NoError(t, err)
	assert.Equal(t, LevelExecute, lvl)

	_, err = ParseLevel("root")
	assert.Error(t, err)
}
