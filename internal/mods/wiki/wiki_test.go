package wiki

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openagents/openagents/internal/common/logger"
	"github.com/openagents/openagents/internal/event"
	"github.com/openagents/openagents/internal/mod"
)

type fakeNet struct {
	emitted []*event.Event
}

func (f *fakeNet) EmitEvent(ev *event.Event) error {
	f.emitted = append(f.emitted, ev)
	return nil
}

func (f *fakeNet) JoinChannel(channel, agentID string) {}

func (f *fakeNet) ChannelMembers(channel string) []string { return nil }

func (f *fakeNet) AgentIDs() []string { return nil }

func newTestMod(t *testing.T) (*Mod, *fakeNet) {
	t.Helper()
	m, net, err := openTestMod(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m, net
}

func openTestMod(stateDir string) (*Mod, *fakeNet, error) {
	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	if err != nil {
		return nil, nil, err
	}
	m := New()
	net := &fakeNet{}
	err = m.Initialize(context.Background(), mod.Context{
		ModID:    ModID,
		StateDir: stateDir,
		Network:  net,
		Logger:   log,
	})
	return m, net, err
}

func send(t *testing.T, m *Mod, name, source string, payload map[string]any) *event.Response {
	t.Helper()
	ev, err := event.New(name, source,
		event.WithPayload(payload),
		event.WithRequiresResponse())
	require.NoError(t, err)
	v := m.ProcessEvent(ev)
	require.Equal(t, mod.Respond, v.Kind)
	return v.Response
}

func createPage(t *testing.T, m *Mod, author, title, content string) string {
	t.Helper()
	resp := send(t, m, EventPageCreate, author, map[string]any{"title": title, "content": content})
	require.True(t, resp.Success, resp.Message)
	return resp.Data["slug"].(string)
}

func TestPageCreate(t *testing.T) {
	m, _ := newTestMod(t)

	resp := send(t, m, EventPageCreate, "alice", map[string]any{
		"title": "Getting Started", "content": "Welcome.",
	})
	require.True(t, resp.Success)
	assert.Equal(t, "getting-started", resp.Data["slug"])
	assert.Equal(t, 1, resp.Data["version"])

	t.Run("duplicate slug rejected", func(t *testing.T) {
		resp := send(t, m, EventPageCreate, "bob", map[string]any{
			"title": "Getting  Started!", "content": "again",
		})
		require.False(t, resp.Success)
		assert.Equal(t, "page_exists", resp.ErrorCode)
	})

	t.Run("title is required", func(t *testing.T) {
		resp := send(t, m, EventPageCreate, "alice", map[string]any{"content": "orphan"})
		assert.False(t, resp.Success)
	})

	t.Run("punctuation-only title", func(t *testing.T) {
		resp := send(t, m, EventPageCreate, "alice", map[string]any{"title": "???", "content": "x"})
		assert.False(t, resp.Success)
	})
}

func TestPageUpdate(t *testing.T) {
	m, net := newTestMod(t)
	slug := createPage(t, m, "alice", "Home", "v1")

	resp := send(t, m, EventPageUpdate, "bob", map[string]any{
		"slug": slug, "content": "v2", "comment": "fix typo",
	})
	require.True(t, resp.Success)
	assert.Equal(t, 2, resp.Data["version"])

	require.Len(t, net.emitted, 1)
	assert.Equal(t, NotifyPageUpdated, net.emitted[0].Name)
	assert.Equal(t, slug, net.emitted[0].Payload["slug"])

	t.Run("get returns the latest revision", func(t *testing.T) {
		resp := send(t, m, EventPageGet, "carol", map[string]any{"slug": slug})
		require.True(t, resp.Success)
		assert.Equal(t, "v2", resp.Data["content"])
		assert.Equal(t, "bob", resp.Data["author"])
		assert.Equal(t, 2, resp.Data["version"])
		assert.Equal(t, 2, resp.Data["latest"])
	})

	t.Run("get by version returns the old revision", func(t *testing.T) {
		resp := send(t, m, EventPageGet, "carol", map[string]any{"slug": slug, "version": 1})
		require.True(t, resp.Success)
		assert.Equal(t, "v1", resp.Data["content"])
		assert.Equal(t, "alice", resp.Data["author"])
		assert.Equal(t, 2, resp.Data["latest"])
	})

	t.Run("optimistic concurrency conflict", func(t *testing.T) {
		resp := send(t, m, EventPageUpdate, "carol", map[string]any{
			"slug": slug, "content": "stale", "expected_version": 1,
		})
		require.False(t, resp.Success)
		assert.Equal(t, "version_conflict", resp.ErrorCode)
		assert.Equal(t, 2, resp.Data["current_version"])
	})

	t.Run("matching expected version succeeds", func(t *testing.T) {
		resp := send(t, m, EventPageUpdate, "carol", map[string]any{
			"slug": slug, "content": "v3", "expected_version": 2,
		})
		require.True(t, resp.Success)
		assert.Equal(t, 3, resp.Data["version"])
	})

	t.Run("unknown page", func(t *testing.T) {
		resp := send(t, m, EventPageUpdate, "bob", map[string]any{"slug": "nope", "content": "x"})
		require.False(t, resp.Success)
		assert.Equal(t, "page_not_found", resp.ErrorCode)
	})
}

func TestPageHistory(t *testing.T) {
	m, _ := newTestMod(t)
	slug := createPage(t, m, "alice", "Log", "one")
	send(t, m, EventPageUpdate, "bob", map[string]any{"slug": slug, "content": "two", "comment": "second"})
	send(t, m, EventPageUpdate, "carol", map[string]any{"slug": slug, "content": "three"})

	resp := send(t, m, EventPageHistory, "alice", map[string]any{"slug": slug})
	require.True(t, resp.Success)
	assert.Equal(t, 3, resp.Data["total"])
	revs := resp.Data["revisions"].([]any)
	require.Len(t, revs, 3)
	assert.Equal(t, 3, revs[0].(map[string]any)["version"])
	assert.Equal(t, "carol", revs[0].(map[string]any)["author"])
	assert.Equal(t, "alice", revs[2].(map[string]any)["author"])

	t.Run("pagination", func(t *testing.T) {
		resp := send(t, m, EventPageHistory, "alice", map[string]any{
			"slug": slug, "limit": 1, "offset": 1,
		})
		revs := resp.Data["revisions"].([]any)
		require.Len(t, revs, 1)
		assert.Equal(t, 2, revs[0].(map[string]any)["version"])
		assert.Equal(t, "second", revs[0].(map[string]any)["comment"])
	})

	t.Run("limit out of range", func(t *testing.T) {
		resp := send(t, m, EventPageHistory, "alice", map[string]any{"slug": slug, "limit": 1000})
		assert.False(t, resp.Success)
	})

	t.Run("unknown page", func(t *testing.T) {
		resp := send(t, m, EventPageHistory, "alice", map[string]any{"slug": "nope"})
		assert.Equal(t, "page_not_found", resp.ErrorCode)
	})
}

func TestPageListAndSearch(t *testing.T) {
	m, _ := newTestMod(t)
	createPage(t, m, "alice", "Zebra Notes", "stripes everywhere")
	createPage(t, m, "alice", "Apple Notes", "orchard inventory")

	t.Run("list is ordered by title", func(t *testing.T) {
		resp := send(t, m, EventPageList, "bob", nil)
		require.True(t, resp.Success)
		assert.Equal(t, 2, resp.Data["count"])
		pages := resp.Data["pages"].([]any)
		assert.Equal(t, "apple-notes", pages[0].(Page).Slug)
		assert.Equal(t, "zebra-notes", pages[1].(Page).Slug)
	})

	t.Run("search matches title", func(t *testing.T) {
		resp := send(t, m, EventPageSearch, "bob", map[string]any{"query": "Zebra"})
		require.True(t, resp.Success)
		assert.Equal(t, 1, resp.Data["count"])
	})

	t.Run("search matches latest content only", func(t *testing.T) {
		resp := send(t, m, EventPageSearch, "bob", map[string]any{"query": "orchard"})
		require.Equal(t, 1, resp.Data["count"])

		send(t, m, EventPageUpdate, "bob", map[string]any{"slug": "apple-notes", "content": "rewritten"})
		resp = send(t, m, EventPageSearch, "bob", map[string]any{"query": "orchard"})
		assert.Equal(t, 0, resp.Data["count"])
	})

	t.Run("query is required", func(t *testing.T) {
		resp := send(t, m, EventPageSearch, "bob", nil)
		assert.False(t, resp.Success)
	})
}

func TestPageDelete(t *testing.T) {
	m, _ := newTestMod(t)
	slug := createPage(t, m, "alice", "Ephemeral", "gone soon")

	resp := send(t, m, EventPageDelete, "alice", map[string]any{"slug": slug})
	require.True(t, resp.Success)
	assert.Equal(t, true, resp.Data["deleted"])

	resp = send(t, m, EventPageGet, "alice", map[string]any{"slug": slug})
	assert.Equal(t, "page_not_found", resp.ErrorCode)

	t.Run("deleting twice fails", func(t *testing.T) {
		resp := send(t, m, EventPageDelete, "alice", map[string]any{"slug": slug})
		assert.Equal(t, "page_not_found", resp.ErrorCode)
	})

	t.Run("slug can be recreated afterwards", func(t *testing.T) {
		resp := send(t, m, EventPageCreate, "bob", map[string]any{"title": "Ephemeral", "content": "back"})
		require.True(t, resp.Success)
		assert.Equal(t, 1, resp.Data["version"])
	})
}

func TestPersistenceAcrossReopen(t *testing.T) {
	stateDir := t.TempDir()

	first, _, err := openTestMod(stateDir)
	require.NoError(t, err)
	slug := createPage(t, first, "alice", "Durable", "v1")
	send(t, first, EventPageUpdate, "bob", map[string]any{"slug": slug, "content": "v2"})
	require.NoError(t, first.Shutdown(context.Background()))

	second, _, err := openTestMod(stateDir)
	require.NoError(t, err)
	defer second.Shutdown(context.Background())

	resp := send(t, second, EventPageGet, "carol", map[string]any{"slug": slug})
	require.True(t, resp.Success)
	assert.Equal(t, "v2", resp.Data["content"])
	assert.Equal(t, 2, resp.Data["latest"])

	history := send(t, second, EventPageHistory, "carol", map[string]any{"slug": slug})
	assert.Equal(t, 2, history.Data["total"])
}

func TestSlugify(t *testing.T) {
	cases := []struct {
		title string
		want  string
	}{
		{"Getting Started", "getting-started"},
		{"  Spaced  Out  ", "spaced-out"},
		{"C++ FAQ!", "c-faq"},
		{"already-slugged", "already-slugged"},
		{"MiXeD CaSe 42", "mixed-case-42"},
		{"!!!", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, slugify(tc.title), "title %q", tc.title)
	}
}

func TestIgnoresForeignEvents(t *testing.T) {
	m, _ := newTestMod(t)
	ev, err := event.New("agent.message", "alice")
	require.NoError(t, err)
	assert.Equal(t, mod.Pass, m.ProcessEvent(ev).Kind)

	notify, err := event.New(NotifyPageUpdated, "alice")
	require.NoError(t, err)
	assert.Equal(t, mod.Pass, m.ProcessEvent(notify).Kind)
}
