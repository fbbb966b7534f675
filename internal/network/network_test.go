package network

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openagents/openagents/internal/common/config"
	"github.com/openagents/openagents/internal/common/logger"
	"github.com/openagents/openagents/internal/event"
	"github.com/openagents/openagents/internal/events"
	"github.com/openagents/openagents/internal/events/bus"
	"github.com/openagents/openagents/internal/mod"
	"github.com/openagents/openagents/internal/mods/delegation"
	"github.com/openagents/openagents/internal/mods/messaging"
	"github.com/openagents/openagents/internal/router"
	"github.com/openagents/openagents/internal/topology"
)

const eventually = 2 * time.Second

// memBinding marks an agent as connected to the in-memory test transport.
type memBinding struct{ agentID string }

func (b memBinding) TransportName() string { return "mem" }

// memTransport records deliveries per agent.
type memTransport struct {
	mu        sync.Mutex
	delivered map[string][]*event.Event
}

func newMemTransport() *memTransport {
	return &memTransport{delivered: make(map[string][]*event.Event)}
}

func (m *memTransport) Name() string { return "mem" }

func (m *memTransport) Deliver(ev *event.Event, binding topology.Binding) error {
	b := binding.(memBinding)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered[b.agentID] = append(m.delivered[b.agentID], ev)
	return nil
}

func (m *memTransport) named(agentID, name string) []*event.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*event.Event
	for _, ev := range m.delivered[agentID] {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	network   *Network
	transport *memTransport
}

func newFixture(t *testing.T, mods ...config.ModSpec) *fixture {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	require.NoError(t, err)

	descriptor := &config.Descriptor{
		Name:      "testnet",
		Mode:      "centralized",
		Host:      "127.0.0.1",
		Mods:      mods,
		Workspace: t.TempDir(),
	}
	cfg := &config.Config{
		Router:   config.RouterConfig{EmitBuffer: 64, DrainTimeout: 1},
		Queue:    config.QueueConfig{Capacity: 100, PollMax: 10, PollMaxLimit: 100, PollWaitLimit: 30000},
		Topology: config.TopologyConfig{HeartbeatInterval: 30, HeartbeatFactor: 3, SweepInterval: 10, ClaimTTL: 30},
	}

	n, err := New(descriptor, cfg, mod.DefaultLoader, log)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { n.Stop(context.Background()) })

	tr := newMemTransport()
	n.Router().RegisterDeliverer(tr)
	return &fixture{network: n, transport: tr}
}

func (f *fixture) addAgent(t *testing.T, id string, subscriptions ...string) {
	t.Helper()
	require.NoError(t, f.network.RegisterAgent(topology.Registration{
		AgentID: id,
		Binding: memBinding{agentID: id},
	}, subscriptions))
}

func (f *fixture) route(t *testing.T, name, source string, opts ...event.Option) *event.Response {
	t.Helper()
	ev, err := event.New(name, source, opts...)
	require.NoError(t, err)
	resp, err := f.network.Router().Route(context.Background(), ev, router.AuthInfo{AgentID: source, Transport: "mem"})
	require.NoError(t, err)
	return resp
}

func (f *fixture) system(t *testing.T, name, source string, payload map[string]any) *event.Response {
	t.Helper()
	ev, err := event.New(name, source, event.WithPayload(payload))
	require.NoError(t, err)
	return f.network.HandleSystem(context.Background(), ev, router.AuthInfo{AgentID: source, Transport: "mem"})
}

func TestSystemListAgents(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "alice")
	f.addAgent(t, "bob")

	resp := f.system(t, event.SystemListAgents, "alice", nil)
	require.True(t, resp.Success)
	assert.Equal(t, 2, resp.Data["count"])

	t.Run("capability filter", func(t *testing.T) {
		require.NoError(t, f.network.RegisterAgent(topology.Registration{
			AgentID:      "carol",
			Capabilities: []string{"translate"},
			Binding:      memBinding{agentID: "carol"},
		}, nil))
		resp := f.system(t, event.SystemListAgents, "alice", map[string]any{"capability": "translate"})
		assert.Equal(t, 1, resp.Data["count"])
	})

	t.Run("pattern filter matches subscriptions", func(t *testing.T) {
		require.NoError(t, f.network.Topology().UpdateSubscriptions("carol", []string{"task.*"}))
		resp := f.system(t, event.SystemListAgents, "alice", map[string]any{"pattern": "task.created"})
		assert.Equal(t, 1, resp.Data["count"])
	})
}

func TestSystemModIntrospection(t *testing.T) {
	f := newFixture(t, config.ModSpec{ID: messaging.ModID})

	resp := f.system(t, event.SystemListMods, "alice", nil)
	require.True(t, resp.Success)
	assert.Equal(t, 1, resp.Data["count"])

	t.Run("manifest by id", func(t *testing.T) {
		resp := f.system(t, event.SystemGetModManifest, "alice", map[string]any{"mod_id": messaging.ModID})
		require.True(t, resp.Success)
		manifest := resp.Data["manifest"].(mod.Manifest)
		assert.Equal(t, messaging.ModID, manifest.ID)
	})

	t.Run("unknown mod", func(t *testing.T) {
		resp := f.system(t, event.SystemGetModManifest, "alice", map[string]any{"mod_id": "nope"})
		assert.False(t, resp.Success)
	})
}

func TestSystemAgentLifecycle(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "alice")

	t.Run("ping", func(t *testing.T) {
		resp := f.system(t, event.SystemPingAgent, "bob", map[string]any{"agent_id": "alice"})
		require.True(t, resp.Success)
		assert.Equal(t, true, resp.Data["alive"])

		resp = f.system(t, event.SystemPingAgent, "bob", map[string]any{"agent_id": "ghost"})
		assert.Equal(t, event.CodeUnknownAgent, resp.ErrorCode)
	})

	t.Run("heartbeat", func(t *testing.T) {
		resp := f.system(t, event.SystemHeartbeat, "alice", nil)
		assert.True(t, resp.Success)
	})

	t.Run("claim blocks registration until released", func(t *testing.T) {
		resp := f.system(t, event.SystemClaimAgentID, "alice", map[string]any{"agent_id": "future"})
		require.True(t, resp.Success)

		err := f.network.RegisterAgent(topology.Registration{
			AgentID: "future", Binding: memBinding{agentID: "future"},
		}, nil)
		assert.ErrorIs(t, err, topology.ErrIDClaimed)
	})

	t.Run("subscribe", func(t *testing.T) {
		resp := f.system(t, event.SystemSubscribe, "alice", map[string]any{
			"patterns": []any{"metrics.*"},
		})
		require.True(t, resp.Success)
	})

	t.Run("announce skills", func(t *testing.T) {
		resp := f.system(t, event.SystemAnnounceSkills, "alice", map[string]any{
			"skills": []any{map[string]any{"id": "chat", "name": "Chat"}},
		})
		require.True(t, resp.Success)
		assert.Equal(t, 1, resp.Data["announced"])
	})

	t.Run("register is transport-surface only", func(t *testing.T) {
		resp := f.system(t, event.SystemRegister, "alice", nil)
		assert.False(t, resp.Success)
	})

	t.Run("unregister", func(t *testing.T) {
		resp := f.system(t, event.SystemUnregister, "alice", nil)
		require.True(t, resp.Success)
		_, found := f.network.Topology().Get("alice")
		assert.False(t, found)
	})

	t.Run("unknown system event", func(t *testing.T) {
		resp := f.system(t, "system.reboot", "alice", nil)
		assert.False(t, resp.Success)
	})
}

func TestSystemPollMessages(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "alice")
	f.network.Queues().Ensure("alice")

	ev, err := event.New("agent.notice", "net", event.WithSourceType(event.SourceNetwork))
	require.NoError(t, err)
	require.NoError(t, f.network.Queues().Enqueue("alice", ev))

	resp := f.system(t, event.SystemPollMessages, "alice", nil)
	require.True(t, resp.Success)
	assert.Equal(t, 1, resp.Data["count"])

	t.Run("unknown agent", func(t *testing.T) {
		resp := f.system(t, event.SystemPollMessages, "ghost", nil)
		assert.False(t, resp.Success)
	})
}

func TestDirectMessageRoundTrip(t *testing.T) {
	f := newFixture(t, config.ModSpec{ID: messaging.ModID})
	f.addAgent(t, "alice")
	f.addAgent(t, "bob")

	resp := f.route(t, messaging.EventDirectPost, "alice",
		event.WithPayload(map[string]any{"to": "bob", "text": "hi bob"}),
		event.WithRequiresResponse())
	require.NotNil(t, resp)
	require.True(t, resp.Success, resp.Message)

	assert.Eventually(t, func() bool {
		return len(f.transport.named("bob", messaging.NotifyDirect)) == 1
	}, eventually, 10*time.Millisecond)

	// The sender does not get their own notification.
	assert.Empty(t, f.transport.named("alice", messaging.NotifyDirect))
}

func TestChannelFanOut(t *testing.T) {
	f := newFixture(t, config.ModSpec{ID: messaging.ModID})
	f.addAgent(t, "alice")
	f.addAgent(t, "bob")
	f.addAgent(t, "carol")

	resp := f.route(t, messaging.EventChannelPost, "alice",
		event.WithPayload(map[string]any{"channel": "general", "text": "hello all"}),
		event.WithRequiresResponse())
	require.True(t, resp.Success, resp.Message)

	assert.Eventually(t, func() bool {
		return len(f.transport.named("bob", messaging.NotifyChannel)) == 1 &&
			len(f.transport.named("carol", messaging.NotifyChannel)) == 1
	}, eventually, 10*time.Millisecond)
	assert.Empty(t, f.transport.named("alice", messaging.NotifyChannel))
}

func TestSubscriptionOnlyRouting(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "alice")
	f.addAgent(t, "observer", "metrics.*")

	resp := f.route(t, "metrics.cpu", "alice", event.WithRequiresResponse())
	require.True(t, resp.Success)
	assert.Equal(t, 1, resp.Data["recipients"])
	require.Len(t, f.transport.named("observer", "metrics.cpu"), 1)
}

func TestTaskHandOff(t *testing.T) {
	f := newFixture(t, config.ModSpec{ID: delegation.ModID})
	f.addAgent(t, "alice")
	f.addAgent(t, "bob")

	created := f.route(t, delegation.EventTaskCreate, "alice",
		event.WithPayload(map[string]any{"title": "summarize", "priority": 7}),
		event.WithRequiresResponse())
	require.True(t, created.Success)
	taskID := created.Data["task_id"].(string)

	claimed := f.route(t, delegation.EventTaskClaimNext, "bob", event.WithRequiresResponse())
	require.True(t, claimed.Success)
	assert.Equal(t, taskID, claimed.Data["task_id"])

	// Claiming notifies the assignee.
	assert.Eventually(t, func() bool {
		return len(f.transport.named("bob", delegation.NotifyAssigned)) == 1
	}, eventually, 10*time.Millisecond)

	done := f.route(t, delegation.EventTaskComplete, "bob",
		event.WithPayload(map[string]any{"task_id": taskID}),
		event.WithRequiresResponse())
	require.True(t, done.Success)

	// Completion notifies the requester privately.
	assert.Eventually(t, func() bool {
		return len(f.transport.named("alice", delegation.NotifyCompleted)) == 1
	}, eventually, 10*time.Millisecond)
	assert.Empty(t, f.transport.named("bob", delegation.NotifyCompleted))
}

func TestUnregisterAgentIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "alice")

	f.network.UnregisterAgent("alice")
	f.network.UnregisterAgent("alice")
	_, found := f.network.Topology().Get("alice")
	assert.False(t, found)
}

func TestEmitEventReachesSubscribers(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "watcher", "audit.*")

	ev, err := event.New("audit.login", "mod", event.WithSourceType(event.SourceMod))
	require.NoError(t, err)
	require.NoError(t, f.network.EmitEvent(ev))

	assert.Eventually(t, func() bool {
		return len(f.transport.named("watcher", "audit.login")) == 1
	}, eventually, 10*time.Millisecond)
}

func TestLifecycleBusSubjects(t *testing.T) {
	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	require.NoError(t, err)

	descriptor := &config.Descriptor{
		Name:      "testnet",
		Mode:      "centralized",
		Host:      "127.0.0.1",
		Mods:      []config.ModSpec{{ID: delegation.ModID}},
		Workspace: t.TempDir(),
	}
	cfg := &config.Config{
		Router:   config.RouterConfig{EmitBuffer: 64, DrainTimeout: 1},
		Queue:    config.QueueConfig{Capacity: 100, PollMax: 10, PollMaxLimit: 100, PollWaitLimit: 30000},
		Topology: config.TopologyConfig{HeartbeatInterval: 30, HeartbeatFactor: 3, SweepInterval: 10, ClaimTTL: 30},
	}
	n, err := New(descriptor, cfg, mod.DefaultLoader, log)
	require.NoError(t, err)

	var mu sync.Mutex
	seen := make(map[string][]string) // subject -> mod ids (empty string for network subjects)
	record := func(ctx context.Context, ev *bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		modID, _ := ev.Data["mod_id"].(string)
		seen[ev.Type] = append(seen[ev.Type], modID)
		return nil
	}
	_, err = n.bus.Subscribe("mod.*", record)
	require.NoError(t, err)
	_, err = n.bus.Subscribe("network.*", record)
	require.NoError(t, err)

	require.NoError(t, n.Start(context.Background()))
	mu.Lock()
	assert.Equal(t, []string{delegation.ModID}, seen[events.ModInitialized])
	assert.Len(t, seen[events.NetworkStarted], 1)
	mu.Unlock()

	n.Stop(context.Background())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{delegation.ModID}, seen[events.ModShutdown])
	assert.Len(t, seen[events.NetworkStopped], 1)
}
