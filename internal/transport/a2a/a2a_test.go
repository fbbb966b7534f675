package a2a

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
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
	"github.com/openagents/openagents/pkg/jsonrpc"
)

type fakeCore struct {
	topo         *topology.Topology
	unregistered []string
}

func (c *fakeCore) HandleSystem(ctx context.Context, ev *event.Event, auth router.AuthInfo) *event.Response {
	return event.OK(map[string]any{"system": ev.Name})
}

func (c *fakeCore) RegisterAgent(reg topology.Registration, subscriptions []string) error {
	return c.topo.RegisterAgent(reg)
}

func (c *fakeCore) UnregisterAgent(agentID string) {
	c.unregistered = append(c.unregistered, agentID)
	c.topo.UnregisterAgent(agentID)
}

// echoMod answers routed user messages so message/send tasks can settle.
type echoMod struct {
	mod.Base
	verdict func(ev *event.Event) mod.Verdict
}

func (m *echoMod) ID() string             { return "echo" }
func (m *echoMod) Manifest() mod.Manifest { return mod.Manifest{ID: "echo", Name: "Echo"} }
func (m *echoMod) Initialize(ctx context.Context, mc mod.Context) error {
	m.Bind(mc)
	return nil
}
func (m *echoMod) ProcessEvent(ev *event.Event) mod.Verdict {
	if m.verdict != nil {
		return m.verdict(ev)
	}
	return mod.PassVerdict()
}

type fixture struct {
	transport *Transport
	topo      *topology.Topology
	core      *fakeCore
}

func newFixture(t *testing.T, mods ...mod.Mod) *fixture {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	require.NoError(t, err)

	topo := topology.New(config.TopologyConfig{
		HeartbeatInterval: 30, HeartbeatFactor: 3, SweepInterval: 10, ClaimTTL: 30,
	}, nil, log)
	queues := queue.NewManager(config.QueueConfig{
		Capacity: 100, PollMax: 10, PollMaxLimit: 100, PollWaitLimit: 30000,
	}, log)
	pipeline := mod.NewPipeline(mods, log)
	rt := router.New(config.RouterConfig{EmitBuffer: 16, DrainTimeout: 1}, topo, pipeline, log)
	core := &fakeCore{topo: topo}

	tr := New("127.0.0.1", config.TransportSpec{Type: config.TransportA2A, Config: config.ModeMap{}})
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
	return &fixture{transport: tr, topo: topo, core: core}
}

func (f *fixture) call(t *testing.T, method string, params any) *jsonrpc.Response {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		require.NoError(t, err)
		raw = data
	}
	return f.transport.dispatch(context.Background(), &jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      1,
		Method:  method,
		Params:  raw,
	})
}

func TestAgentCard(t *testing.T) {
	f := newFixture(t, &echoMod{})

	resp := f.call(t, MethodAgentCard, nil)
	require.Nil(t, resp.Error)
	card := resp.Result.(AgentCard)
	assert.Equal(t, ProtocolVersion, card.ProtocolVersion)
	assert.Equal(t, "testnet", card.Name)
	assert.Contains(t, card.URL, "/a2a")

	// Loaded mods appear as skills.
	require.Len(t, card.Skills, 1)
	assert.Equal(t, "echo", card.Skills[0].ID)
}

func TestMessageSend(t *testing.T) {
	t.Run("a handled message completes the task", func(t *testing.T) {
		f := newFixture(t, &echoMod{verdict: func(ev *event.Event) mod.Verdict {
			return mod.RespondVerdict(event.OK(map[string]any{"echo": ev.Payload["text"]}))
		}})

		resp := f.call(t, MethodMessageSend, map[string]any{
			"message": map[string]any{
				"role":  "user",
				"parts": []map[string]any{{"type": "text", "text": "hello"}},
			},
			"contextId": "ctx-1",
		})
		require.Nil(t, resp.Error)
		task := resp.Result.(Task)
		assert.Equal(t, StateCompleted, task.State)
		assert.Equal(t, "ctx-1", task.ContextID)
		require.Len(t, task.Artifacts, 1)
		data := task.Artifacts[0].Parts[0].Data
		assert.Equal(t, true, data["success"])
	})

	t.Run("a rejected message fails the task", func(t *testing.T) {
		f := newFixture(t, &echoMod{verdict: func(ev *event.Event) mod.Verdict {
			return mod.RespondVerdict(event.Errorf("nope", "not today"))
		}})

		resp := f.call(t, MethodMessageSend, map[string]any{
			"message": map[string]any{
				"role":  "user",
				"parts": []map[string]any{{"type": "text", "text": "hello"}},
			},
		})
		require.Nil(t, resp.Error)
		task := resp.Result.(Task)
		assert.Equal(t, StateFailed, task.State)
	})

	t.Run("message without parts is invalid", func(t *testing.T) {
		f := newFixture(t)
		resp := f.call(t, MethodMessageSend, map[string]any{
			"message": map[string]any{"role": "user"},
		})
		require.NotNil(t, resp.Error)
		assert.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
	})
}

func TestTasks(t *testing.T) {
	f := newFixture(t, &echoMod{verdict: func(ev *event.Event) mod.Verdict {
		return mod.RespondVerdict(event.OK(nil))
	}})

	sent := f.call(t, MethodMessageSend, map[string]any{
		"message": map[string]any{
			"role":  "user",
			"parts": []map[string]any{{"type": "text", "text": "job"}},
		},
	})
	require.Nil(t, sent.Error)
	taskID := sent.Result.(Task).ID

	t.Run("tasks/get returns the task", func(t *testing.T) {
		resp := f.call(t, MethodTasksGet, map[string]any{"id": taskID})
		require.Nil(t, resp.Error)
		assert.Equal(t, taskID, resp.Result.(Task).ID)
	})

	t.Run("tasks/list includes it", func(t *testing.T) {
		resp := f.call(t, MethodTasksList, nil)
		require.Nil(t, resp.Error)
		tasks := resp.Result.(map[string]any)["tasks"].([]Task)
		require.Len(t, tasks, 1)
	})

	t.Run("a completed task is not cancellable", func(t *testing.T) {
		resp := f.call(t, MethodTasksCancel, map[string]any{"id": taskID})
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeTaskNotCancellable, resp.Error.Code)
	})

	t.Run("unknown task", func(t *testing.T) {
		resp := f.call(t, MethodTasksGet, map[string]any{"id": "missing"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeTaskNotFound, resp.Error.Code)
	})

	t.Run("unknown method", func(t *testing.T) {
		resp := f.call(t, "tasks/resubmit", nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, jsonrpc.CodeMethodNotFound, resp.Error.Code)
	})
}

func TestAgentsAnnounce(t *testing.T) {
	f := newFixture(t)

	resp := f.call(t, MethodAgentsAnnounce, map[string]any{
		"url":      "http://peer.example:8800/a2a",
		"agent_id": "remote-1",
		"skills":   []map[string]any{{"id": "translate", "name": "Translate"}},
	})
	require.Nil(t, resp.Error)

	agents := f.topo.ListAgents(topology.Filter{IncludeRemote: true})
	require.Len(t, agents, 1)
	assert.Equal(t, "remote-1", agents[0].AgentID)

	t.Run("re-announcing refreshes the peer", func(t *testing.T) {
		resp := f.call(t, MethodAgentsAnnounce, map[string]any{
			"url":      "http://peer.example:9900/a2a",
			"agent_id": "remote-1",
		})
		require.Nil(t, resp.Error)
		agents := f.topo.ListAgents(topology.Filter{IncludeRemote: true})
		require.Len(t, agents, 1)
	})

	t.Run("announced skills are discoverable", func(t *testing.T) {
		skills := f.topo.AllSkills()
		found := false
		for _, s := range skills {
			if s.ID == "translate" {
				found = true
			}
		}
		assert.True(t, found)
	})

	t.Run("missing url", func(t *testing.T) {
		resp := f.call(t, MethodAgentsAnnounce, map[string]any{"agent_id": "remote-2"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
	})

	t.Run("withdraw removes the peer", func(t *testing.T) {
		resp := f.call(t, MethodAgentsWithdraw, map[string]any{"agent_id": "remote-1"})
		require.Nil(t, resp.Error)
		assert.Empty(t, f.topo.ListAgents(topology.Filter{IncludeRemote: true}))
		assert.Equal(t, []string{"remote-1"}, f.core.unregistered)
	})
}

func TestAgentsList(t *testing.T) {
	f := newFixture(t)
	require.Nil(t, f.call(t, MethodAgentsAnnounce, map[string]any{
		"url": "http://peer.example:8800/a2a", "agent_id": "remote-1",
	}).Error)

	t.Run("default includes remote peers", func(t *testing.T) {
		resp := f.call(t, MethodAgentsList, nil)
		require.Nil(t, resp.Error)
		agents := resp.Result.(map[string]any)["agents"].([]topology.Summary)
		assert.Len(t, agents, 1)
	})

	t.Run("remote peers can be filtered out", func(t *testing.T) {
		resp := f.call(t, MethodAgentsList, map[string]any{"include_remote": false})
		require.Nil(t, resp.Error)
		agents := resp.Result.(map[string]any)["agents"].([]topology.Summary)
		assert.Empty(t, agents)
	})
}

func TestEventsSend(t *testing.T) {
	f := newFixture(t, &echoMod{verdict: func(ev *event.Event) mod.Verdict {
		if strings.HasPrefix(ev.Name, "custom.") {
			return mod.RespondVerdict(event.OK(map[string]any{"seen": ev.Name}))
		}
		return mod.PassVerdict()
	}})

	t.Run("routes through the pipeline", func(t *testing.T) {
		resp := f.call(t, MethodEventsSend, map[string]any{
			"event_name":        "custom.op",
			"source_id":         "alice",
			"requires_response": true,
		})
		require.Nil(t, resp.Error)
		result := resp.Result.(*event.Response)
		require.True(t, result.Success)
		assert.Equal(t, "custom.op", result.Data["seen"])
	})

	t.Run("system events answer from the core", func(t *testing.T) {
		resp := f.call(t, MethodEventsSend, map[string]any{
			"event_name": "system.list_agents",
			"source_id":  "alice",
		})
		require.Nil(t, resp.Error)
		result := resp.Result.(*event.Response)
		assert.Equal(t, "system.list_agents", result.Data["system"])
	})

	t.Run("invalid event", func(t *testing.T) {
		resp := f.call(t, MethodEventsSend, map[string]any{"source_id": "alice"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
	})
}

func TestRPCAuth(t *testing.T) {
	f := newFixture(t)
	f.transport.authToken = "secret"

	do := func(token string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(rec)
		body := `{"jsonrpc":"2.0","id":1,"method":"agent/card"}`
		c.Request = httptest.NewRequest(http.MethodPost, "/a2a", strings.NewReader(body))
		c.Request.Header.Set("Content-Type", "application/json")
		if token != "" {
			c.Request.Header.Set("Authorization", "Bearer "+token)
		}
		f.transport.handleRPC(c)
		return rec
	}

	t.Run("missing token", func(t *testing.T) {
		rec := do("")
		var resp jsonrpc.Response
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeAuthRequired, resp.Error.Code)
	})

	t.Run("correct token", func(t *testing.T) {
		rec := do("secret")
		var resp jsonrpc.Response
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Nil(t, resp.Error)
	})
}
