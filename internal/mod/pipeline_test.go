package mod

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openagents/openagents/internal/common/logger"
	"github.com/openagents/openagents/internal/event"
)

// scriptMod is a test mod whose ProcessEvent behavior is injected.
type scriptMod struct {
	Base
	id      string
	process func(ev *event.Event) Verdict
	seen    []string
}

func (m *scriptMod) ID() string         { return m.id }
func (m *scriptMod) Manifest() Manifest { return Manifest{ID: m.id, Name: m.id} }

func (m *scriptMod) Initialize(ctx context.Context, mc Context) error {
	m.Bind(mc)
	return nil
}

func (m *scriptMod) ProcessEvent(ev *event.Event) Verdict {
	m.seen = append(m.seen, ev.Name)
	if m.process != nil {
		return m.process(ev)
	}
	return PassVerdict()
}

func testPipeline(t *testing.T, mods ...Mod) *Pipeline {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	require.NoError(t, err)
	return NewPipeline(mods, log)
}

func pipelineEvent(t *testing.T, name string, opts ...event.Option) *event.Event {
	t.Helper()
	ev, err := event.New(name, "alice", opts...)
	require.NoError(t, err)
	return ev
}

func TestProcess(t *testing.T) {
	t.Run("runs mods in declared order", func(t *testing.T) {
		first := &scriptMod{id: "first"}
		second := &scriptMod{id: "second"}
		p := testPipeline(t, first, second)

		_, v := p.Process(pipelineEvent(t, "agent.message"))

		assert.Equal(t, Pass, v.Kind)
		assert.Equal(t, []string{"agent.message"}, first.seen)
		assert.Equal(t, []string{"agent.message"}, second.seen)
	})

	t.Run("mutation before pass propagates", func(t *testing.T) {
		mutator := &scriptMod{id: "mutator", process: func(ev *event.Event) Verdict {
			ev.Payload["tagged"] = true
			return PassVerdict()
		}}
		var observed bool
		watcher := &scriptMod{id: "watcher", process: func(ev *event.Event) Verdict {
			observed, _ = ev.Payload["tagged"].(bool)
			return PassVerdict()
		}}
		p := testPipeline(t, mutator, watcher)

		original := pipelineEvent(t, "agent.message")
		routed, v := p.Process(original)

		assert.Equal(t, Pass, v.Kind)
		assert.True(t, observed)
		assert.Equal(t, true, routed.Payload["tagged"])
		// The caller's event is never aliased by mod mutations.
		assert.NotContains(t, original.Payload, "tagged")
	})

	t.Run("respond stops the chain", func(t *testing.T) {
		responder := &scriptMod{id: "responder", process: func(ev *event.Event) Verdict {
			return RespondVerdict(event.OK(map[string]any{"answered": true}))
		}}
		never := &scriptMod{id: "never"}
		p := testPipeline(t, responder, never)

		_, v := p.Process(pipelineEvent(t, "agent.message"))

		assert.Equal(t, Respond, v.Kind)
		assert.True(t, v.Response.Success)
		assert.Empty(t, never.seen)
	})

	t.Run("absorb stops the chain", func(t *testing.T) {
		absorber := &scriptMod{id: "absorber", process: func(ev *event.Event) Verdict {
			return AbsorbVerdict()
		}}
		never := &scriptMod{id: "never"}
		p := testPipeline(t, absorber, never)

		_, v := p.Process(pipelineEvent(t, "agent.message"))

		assert.Equal(t, Absorb, v.Kind)
		assert.Empty(t, never.seen)
	})
}

func TestProcessModDestination(t *testing.T) {
	t.Run("only the targeted mod sees the event", func(t *testing.T) {
		target := &scriptMod{id: "target", process: func(ev *event.Event) Verdict {
			return RespondVerdict(event.OK(nil))
		}}
		other := &scriptMod{id: "other"}
		p := testPipeline(t, other, target)

		_, v := p.Process(pipelineEvent(t, "custom.op", event.WithDestination("mod:target")))

		assert.Equal(t, Respond, v.Kind)
		assert.Empty(t, other.seen)
		assert.Len(t, target.seen, 1)
	})

	t.Run("a pass from the targeted mod becomes absorb", func(t *testing.T) {
		target := &scriptMod{id: "target"}
		p := testPipeline(t, target)

		_, v := p.Process(pipelineEvent(t, "custom.op", event.WithDestination("mod:target")))

		assert.Equal(t, Absorb, v.Kind)
	})

	t.Run("unknown mod destination with requires_response fails", func(t *testing.T) {
		p := testPipeline(t)

		_, v := p.Process(pipelineEvent(t, "custom.op",
			event.WithDestination("mod:missing"),
			event.WithRequiresResponse()))

		require.Equal(t, Respond, v.Kind)
		assert.False(t, v.Response.Success)
		assert.Equal(t, event.CodeModRejected, v.Response.ErrorCode)
	})

	t.Run("unknown mod destination without requires_response absorbs", func(t *testing.T) {
		p := testPipeline(t)

		_, v := p.Process(pipelineEvent(t, "custom.op", event.WithDestination("mod:missing")))

		assert.Equal(t, Absorb, v.Kind)
	})
}

func TestProcessPanicRecovery(t *testing.T) {
	t.Run("panic on a response-requiring event produces a failure response", func(t *testing.T) {
		boom := &scriptMod{id: "boom", process: func(ev *event.Event) Verdict {
			panic("kaboom")
		}}
		p := testPipeline(t, boom)

		_, v := p.Process(pipelineEvent(t, "agent.message", event.WithRequiresResponse()))

		require.Equal(t, Respond, v.Kind)
		assert.False(t, v.Response.Success)
		assert.Equal(t, event.CodeModRejected, v.Response.ErrorCode)
	})

	t.Run("panic otherwise continues with the next mod", func(t *testing.T) {
		boom := &scriptMod{id: "boom", process: func(ev *event.Event) Verdict {
			panic("kaboom")
		}}
		next := &scriptMod{id: "next"}
		p := testPipeline(t, boom, next)

		_, v := p.Process(pipelineEvent(t, "agent.message"))

		assert.Equal(t, Pass, v.Kind)
		assert.Len(t, next.seen, 1)
	})

	t.Run("panic in a lifecycle hook is contained", func(t *testing.T) {
		boom := &panicLifecycleMod{scriptMod: scriptMod{id: "boom"}}
		calm := &scriptMod{id: "calm"}
		p := testPipeline(t, boom, calm)

		assert.NotPanics(t, func() { p.OnRegisterAgent("alice", nil) })
	})
}

type panicLifecycleMod struct{ scriptMod }

func (m *panicLifecycleMod) OnRegisterAgent(agentID string, metadata map[string]any) {
	panic("lifecycle kaboom")
}

func TestPipelineAccessors(t *testing.T) {
	a := &scriptMod{id: "a"}
	b := &scriptMod{id: "b"}
	p := testPipeline(t, a, b)

	mods := p.Mods()
	require.Len(t, mods, 2)
	assert.Equal(t, "a", mods[0].ID())
	assert.Equal(t, "b", mods[1].ID())

	got, ok := p.Get("b")
	require.True(t, ok)
	assert.Equal(t, "b", got.ID())

	_, ok = p.Get("missing")
	assert.False(t, ok)
}

func TestInitialize(t *testing.T) {
	t.Run("fails without a context for every mod", func(t *testing.T) {
		p := testPipeline(t, &scriptMod{id: "a"})

		err := p.Initialize(context.Background(), map[string]Context{})

		assert.Error(t, err)
	})

	t.Run("initializes mods in declared order", func(t *testing.T) {
		a := &scriptMod{id: "a"}
		p := testPipeline(t, a)

		err := p.Initialize(context.Background(), map[string]Context{
			"a": {ModID: "a"},
		})

		require.NoError(t, err)
		assert.Equal(t, "a", a.ModContext().ModID)
	})
}
