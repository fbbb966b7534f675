package stream

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
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

const frameWait = 2 * time.Second

type fakeCore struct {
	topo *topology.Topology
}

func (c *fakeCore) HandleSystem(ctx context.Context, ev *event.Event, auth router.AuthInfo) *event.Response {
	return event.OK(map[string]any{"system": ev.Name, "agent_id": auth.AgentID})
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
	c.topo.UnregisterAgent(agentID)
}

// responderMod answers custom.* events so routed responses can be observed
// on the wire.
type responderMod struct {
	mod.Base
}

func (m *responderMod) ID() string             { return "responder" }
func (m *responderMod) Manifest() mod.Manifest { return mod.Manifest{ID: "responder"} }
func (m *responderMod) Initialize(ctx context.Context, mc mod.Context) error {
	m.Bind(mc)
	return nil
}
func (m *responderMod) ProcessEvent(ev *event.Event) mod.Verdict {
	if strings.HasPrefix(ev.Name, "custom.") {
		return mod.RespondVerdict(event.OK(map[string]any{"seen": ev.Name}))
	}
	return mod.PassVerdict()
}

type fixture struct {
	transport *Transport
	server    *httptest.Server
	url       string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	require.NoError(t, err)

	topo := topology.New(config.TopologyConfig{
		HeartbeatInterval: 30, HeartbeatFactor: 3, SweepInterval: 10, ClaimTTL: 30,
	}, nil, log)
	queues := queue.NewManager(config.QueueConfig{
		Capacity: 100, PollMax: 10, PollMaxLimit: 100, PollWaitLimit: 30000,
	}, log)
	pipeline := mod.NewPipeline([]mod.Mod{&responderMod{}}, log)
	rt := router.New(config.RouterConfig{EmitBuffer: 16, DrainTimeout: 1}, topo, pipeline, log)

	tr := New("127.0.0.1", config.TransportSpec{Type: config.TransportStream, Config: config.ModeMap{}})
	tr.Bind(transport.Deps{
		Router:   rt,
		Topology: topo,
		Queues:   queues,
		Core:     &fakeCore{topo: topo},
		Pipeline: pipeline,
		Config:   &config.Config{},
		Network:  transport.NetworkInfo{Name: "testnet", Host: "127.0.0.1"},
		Log:      log,
	})
	rt.RegisterDeliverer(tr)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.GET("/stream", tr.handleStream)
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	return &fixture{
		transport: tr,
		server:    srv,
		url:       "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream",
	}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEventFrame(t *testing.T, conn *websocket.Conn, ev map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(wire.Frame{Type: wire.FrameEvent, Event: ev}))
}

func readFrame(t *testing.T, conn *websocket.Conn) wire.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(frameWait)))
	var frame wire.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

// connect dials and completes the register handshake for agentID.
func (f *fixture) connect(t *testing.T, agentID string, subscriptions ...string) *websocket.Conn {
	t.Helper()
	conn := f.dial(t)
	payload := map[string]any{"agent_id": agentID}
	if len(subscriptions) > 0 {
		payload["subscriptions"] = subscriptions
	}
	sendEventFrame(t, conn, map[string]any{
		"event_name": event.SystemRegister,
		"source_id":  agentID,
		"payload":    payload,
	})
	frame := readFrame(t, conn)
	require.Equal(t, wire.FrameResponse, frame.Type)
	require.True(t, frame.Response.Success, frame.Response.Message)
	return conn
}

func TestHandshake(t *testing.T) {
	f := newFixture(t)

	conn := f.dial(t)
	sendEventFrame(t, conn, map[string]any{
		"event_name": event.SystemRegister,
		"source_id":  "alice",
		"payload":    map[string]any{"agent_id": "alice", "capabilities": []string{"chat"}},
	})

	frame := readFrame(t, conn)
	require.Equal(t, wire.FrameResponse, frame.Type)
	require.True(t, frame.Response.Success)
	assert.Equal(t, "alice", frame.Response.Data["agent_id"])
	assert.Equal(t, "testnet", frame.Response.Data["network"])
}

func TestHandshakeRequired(t *testing.T) {
	f := newFixture(t)

	conn := f.dial(t)
	sendEventFrame(t, conn, map[string]any{
		"event_name": "agent.message",
		"source_id":  "alice",
	})

	frame := readFrame(t, conn)
	require.Equal(t, wire.FrameResponse, frame.Type)
	assert.False(t, frame.Response.Success)
	assert.Equal(t, event.CodeNotAuthorized, frame.Response.ErrorCode)

	// The server hangs up after the rejected first frame.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(frameWait)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestDuplicateRegistration(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "alice")

	conn := f.dial(t)
	sendEventFrame(t, conn, map[string]any{
		"event_name": event.SystemRegister,
		"source_id":  "alice",
		"payload":    map[string]any{"agent_id": "alice"},
	})
	frame := readFrame(t, conn)
	assert.False(t, frame.Response.Success)
}

func TestReclaimEvictsOldSession(t *testing.T) {
	f := newFixture(t)
	first := f.connect(t, "alice")

	conn := f.dial(t)
	sendEventFrame(t, conn, map[string]any{
		"event_name": event.SystemRegister,
		"source_id":  "alice",
		"payload":    map[string]any{"agent_id": "alice", "reclaim": true},
	})
	frame := readFrame(t, conn)
	require.True(t, frame.Response.Success)

	// The evicted stream is closed by the reclaim.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(frameWait)))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}
}

func TestRoutedResponse(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, "alice")

	sendEventFrame(t, conn, map[string]any{
		"event_id":          "ev-1",
		"event_name":        "custom.op",
		"source_id":         "alice",
		"requires_response": true,
	})

	frame := readFrame(t, conn)
	require.Equal(t, wire.FrameResponse, frame.Type)
	assert.Equal(t, "ev-1", frame.ResponseTo)
	require.True(t, frame.Response.Success)
	assert.Equal(t, "custom.op", frame.Response.Data["seen"])
}

func TestSystemEvents(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, "alice")

	sendEventFrame(t, conn, map[string]any{
		"event_id":   "ev-sys",
		"event_name": event.SystemListAgents,
		"source_id":  "alice",
	})

	frame := readFrame(t, conn)
	require.Equal(t, wire.FrameResponse, frame.Type)
	assert.Equal(t, event.SystemListAgents, frame.Response.Data["system"])
	assert.Equal(t, "alice", frame.Response.Data["agent_id"])
}

func TestEventDelivery(t *testing.T) {
	f := newFixture(t)
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	sendEventFrame(t, alice, map[string]any{
		"event_name":     "agent.message",
		"source_id":      "alice",
		"destination_id": "agent:bob",
		"payload":        map[string]any{"text": "hi bob"},
	})

	frame := readFrame(t, bob)
	require.Equal(t, wire.FrameEvent, frame.Type)
	assert.Equal(t, "agent.message", frame.Event["event_name"])
	assert.Equal(t, "alice", frame.Event["source_id"])

	t.Run("subscription fan-out reaches streaming agents", func(t *testing.T) {
		carol := f.connect(t, "carol", "notice.*")

		sendEventFrame(t, alice, map[string]any{
			"event_name": "notice.posted",
			"source_id":  "alice",
		})

		frame := readFrame(t, carol)
		require.Equal(t, wire.FrameEvent, frame.Type)
		assert.Equal(t, "notice.posted", frame.Event["event_name"])
	})
}

func TestSpoofedSourceRejected(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, "alice")
	f.connect(t, "bob")

	sendEventFrame(t, conn, map[string]any{
		"event_id":       "ev-spoof",
		"event_name":     "agent.message",
		"source_id":      "bob",
		"destination_id": "agent:alice",
	})

	frame := readFrame(t, conn)
	require.Equal(t, wire.FrameResponse, frame.Type)
	assert.False(t, frame.Response.Success)
	assert.Equal(t, event.CodeNotAuthorized, frame.Response.ErrorCode)
}

func TestInvalidFrames(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, "alice")

	t.Run("unknown frame type", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(wire.Frame{Type: "mystery"}))
		frame := readFrame(t, conn)
		assert.False(t, frame.Response.Success)
		assert.Equal(t, event.CodeInvalidEvent, frame.Response.ErrorCode)
	})

	t.Run("malformed event", func(t *testing.T) {
		sendEventFrame(t, conn, map[string]any{"source_id": "alice"})
		frame := readFrame(t, conn)
		assert.False(t, frame.Response.Success)
		assert.Equal(t, event.CodeInvalidEvent, frame.Response.ErrorCode)
	})
}

func TestDisconnectUnregisters(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, "alice")

	require.NoError(t, conn.Close())

	topo := f.transport.deps.Topology
	assert.Eventually(t, func() bool {
		return len(topo.ListAgents(topology.Filter{IncludeLocal: true})) == 0
	}, frameWait, 10*time.Millisecond)
}
