package httppoll

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openagents/openagents/internal/common/config"
	"github.com/openagents/openagents/internal/common/logger"
	"github.com/openagents/openagents/internal/event"
	"github.com/openagents/openagents/internal/mod"
	"github.com/openagents/openagents/internal/queue"
	"github.com/openagents/openagents/internal/router"
	"github.com/openagents/openagents/internal/topology"
	"github.com/openagents/openagents/internal/transport"
	"github.com/openagents/openagents/pkg/wire"
)

// fakeCore registers agents straight into the topology and answers system
// events with a canned response.
type fakeCore struct {
	topo         *topology.Topology
	system       *event.Response
	unregistered []string
}

func (c *fakeCore) HandleSystem(ctx context.Context, ev *event.Event, auth router.AuthInfo) *event.Response {
	if c.system != nil {
		return c.system
	}
	return event.OK(map[string]any{"system": ev.Name})
}

func (c *fakeCore) RegisterAgent(reg topology.Registration, subscriptions []string) error {
	if err := c.topo.RegisterAgent(reg); err != nil {
		return err
	}
	if len(subscriptions) > 0 {
		return c.topo.UpdateSubscriptions(reg.AgentID, subscriptions)
	}
	return nil
}

func (c *fakeCore) UnregisterAgent(agentID string) {
	c.unregistered = append(c.unregistered, agentID)
	c.topo.UnregisterAgent(agentID)
}

type fixture struct {
	transport *Transport
	engine    *gin.Engine
	core      *fakeCore
	queues    *queue.Manager
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	require.NoError(t, err)

	topo := topology.New(config.TopologyConfig{
		HeartbeatInterval: 30, HeartbeatFactor: 3, SweepInterval: 10, ClaimTTL: 30,
	}, nil, log)
	queues := queue.NewManager(config.QueueConfig{
		Capacity: 100, PollMax: 10, PollMaxLimit: 100, PollWaitLimit: 30000,
	}, log)
	pipeline := mod.NewPipeline(nil, log)
	rt := router.New(config.RouterConfig{EmitBuffer: 16, DrainTimeout: 1}, topo, pipeline, log)
	core := &fakeCore{topo: topo}

	tr := New("127.0.0.1", config.TransportSpec{
		Type:   config.TransportHTTP,
		Config: config.ModeMap{"auth_token": token},
	})
	tr.Bind(transport.Deps{
		Router:   rt,
		Topology: topo,
		Queues:   queues,
		Core:     core,
		Pipeline: pipeline,
		Config:   &config.Config{},
		Network:  transport.NetworkInfo{Name: "testnet", Host: "127.0.0.1"},
		Log:      log,
	})
	rt.RegisterDeliverer(tr)

	return &fixture{transport: tr, engine: tr.buildEngine(), core: core, queues: queues}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) register(t *testing.T, agentID string, subscriptions ...string) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/register", "", wire.RegisterRequest{
		AgentID:       agentID,
		Subscriptions: subscriptions,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "testnet")
}

func TestRegister(t *testing.T) {
	f := newFixture(t, "")

	f.register(t, "alice")
	assert.True(t, f.queues.Has("alice"))

	t.Run("duplicate id conflicts and keeps the live queue", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/register", "", wire.RegisterRequest{AgentID: "alice"})
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.True(t, f.queues.Has("alice"))
	})

	t.Run("missing agent_id", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/register", "", wire.RegisterRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("reclaim takes over the id", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/register", "", wire.RegisterRequest{
			AgentID: "alice", Reclaim: true,
		})
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestBearerAuth(t *testing.T) {
	f := newFixture(t, "secret")

	t.Run("health is open", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/health", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing token rejected", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/register", "", wire.RegisterRequest{AgentID: "alice"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong token rejected", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/register", "wrong", wire.RegisterRequest{AgentID: "alice"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("correct token accepted", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/register", "secret", wire.RegisterRequest{AgentID: "alice"})
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestSendEventAndPoll(t *testing.T) {
	f := newFixture(t, "")
	f.register(t, "alice")
	f.register(t, "bob")

	rec := f.do(t, http.MethodPost, "/api/send_event", "", map[string]any{
		"event_name":        "agent.message",
		"source_id":         "alice",
		"destination_id":    "agent:bob",
		"payload":           map[string]any{"text": "hi"},
		"requires_response": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[wire.SendResult](t, rec)
	require.True(t, result.Success)
	assert.Equal(t, float64(1), result.Data["recipients"])

	t.Run("the recipient polls the event", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/poll?agent_id=bob", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		poll := decode[wire.PollResult](t, rec)
		require.True(t, poll.Success)
		require.Len(t, poll.Messages, 1)
		assert.Equal(t, "agent.message", poll.Messages[0]["event_name"])
		assert.Equal(t, "alice", poll.Messages[0]["source_id"])
	})

	t.Run("a second poll finds the queue empty", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/poll?agent_id=bob", "", nil)
		poll := decode[wire.PollResult](t, rec)
		require.True(t, poll.Success)
		assert.Empty(t, poll.Messages)
	})

	t.Run("invalid event body", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/send_event", "", map[string]any{
			"source_id": "alice",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("system events answer from the core", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/send_event", "", map[string]any{
			"event_name":        "system.list_agents",
			"source_id":         "alice",
			"requires_response": true,
		})
		require.Equal(t, http.StatusOK, rec.Code)
		result := decode[wire.SendResult](t, rec)
		require.True(t, result.Success)
		assert.Equal(t, "system.list_agents", result.Data["system"])
	})
}

func TestPollErrors(t *testing.T) {
	f := newFixture(t, "")

	t.Run("missing agent_id", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/poll", "", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown agent", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/poll?agent_id=ghost", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		poll := decode[wire.PollResult](t, rec)
		assert.False(t, poll.Success)
	})
}

func TestUnregister(t *testing.T) {
	f := newFixture(t, "")
	f.register(t, "alice")

	rec := f.do(t, http.MethodPost, "/api/unregister", "", wire.UnregisterRequest{AgentID: "alice"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"alice"}, f.core.unregistered)
	assert.False(t, f.queues.Has("alice"))

	t.Run("missing agent_id", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/unregister", "", wire.UnregisterRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestDeliverRequiresOwnBinding(t *testing.T) {
	f := newFixture(t, "")

	ev, err := event.New("agent.message", "alice")
	require.NoError(t, err)
	assert.Error(t, f.transport.Deliver(ev, otherBinding{}))
}

type otherBinding struct{}

func (otherBinding) TransportName() string { return "other" }
