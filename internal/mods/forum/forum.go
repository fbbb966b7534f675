// Package forum implements the forum mod: topics and comments with
// up/down votes, score-ordered listings, and a JSON state snapshot.
package forum

import (
	"context"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/openagents/openagents/internal/event"
	"github.com/openagents/openagents/internal/mod"
)

// ModID is the loader identifier.
const ModID = "openagents.mods.forum"

// Operation event names.
const (
	EventTopicCreate = "forum.topic.create"
	EventTopicGet    = "forum.topic.get"
	EventTopicList   = "forum.topic.list"
	EventCommentAdd  = "forum.comment.add"
	EventCommentList = "forum.comment.list"
	EventVote        = "forum.vote"

	NotifyTopicCreated = "forum.topic.created"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func init() {
	mod.DefaultLoader.Register(ModID, func() mod.Mod { return New() })
}

// Topic is one forum topic.
type Topic struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Body      string  `json:"body,omitempty"`
	Author    string  `json:"author"`
	CreatedAt float64 `json:"created_at"`
}

// Comment is one comment on a topic.
type Comment struct {
	ID        string  `json:"id"`
	TopicID   string  `json:"topic_id"`
	Author    string  `json:"author"`
	Text      string  `json:"text"`
	CreatedAt float64 `json:"created_at"`
}

// Mod is the forum mod.
type Mod struct {
	mod.Base

	topics     map[string]*Topic
	topicOrder []string
	comments   map[string][]*Comment     // topic id -> comments in order
	votes      map[string]map[string]int // item id -> agent -> +1/-1

	stateFile string
}

// New creates an uninitialized forum mod.
func New() *Mod {
	return &Mod{
		topics:   make(map[string]*Topic),
		comments: make(map[string][]*Comment),
		votes:    make(map[string]map[string]int),
	}
}

// ID implements mod.Mod.
func (m *Mod) ID() string { return ModID }

// Manifest implements mod.Mod.
func (m *Mod) Manifest() mod.Manifest {
	return mod.Manifest{
		ID:            ModID,
		Name:          "Forum",
		Version:       "1.0.0",
		Description:   "Topics and comments with voting",
		EventPrefixes: []string{"forum."},
		Operations: []string{
			EventTopicCreate, EventTopicGet, EventTopicList,
			EventCommentAdd, EventCommentList, EventVote,
		},
	}
}

// Initialize implements mod.Mod.
func (m *Mod) Initialize(ctx context.Context, mc mod.Context) error {
	m.Bind(mc)
	m.stateFile = filepath.Join(mc.StateDir, "state.json")
	m.loadState()
	return nil
}

// Shutdown snapshots state to disk.
func (m *Mod) Shutdown(ctx context.Context) error {
	return m.saveState()
}

// ProcessEvent implements mod.Mod.
func (m *Mod) ProcessEvent(ev *event.Event) mod.Verdict {
	if !strings.HasPrefix(ev.Name, "forum.") {
		return mod.PassVerdict()
	}
	if ev.Name == NotifyTopicCreated {
		return mod.PassVerdict()
	}

	switch ev.Name {
	case EventTopicCreate:
		return m.handleTopicCreate(ev)
	case EventTopicGet:
		return m.handleTopicGet(ev)
	case EventTopicList:
		return m.handleTopicList(ev)
	case EventCommentAdd:
		return m.handleCommentAdd(ev)
	case EventCommentList:
		return m.handleCommentList(ev)
	case EventVote:
		return m.handleVote(ev)
	default:
		return fail(event.CodeInvalidEvent, "unknown forum operation %q", ev.Name)
	}
}

func (m *Mod) handleTopicCreate(ev *event.Event) mod.Verdict {
	title := payloadString(ev, "title")
	if title == "" {
		return fail(event.CodeInvalidEvent, "title is required")
	}
	t := &Topic{
		ID:        uuid.NewString(),
		Title:     title,
		Body:      payloadString(ev, "body"),
		Author:    ev.SourceID,
		CreatedAt: ev.Timestamp,
	}
	m.topics[t.ID] = t
	m.topicOrder = append(m.topicOrder, t.ID)

	notify, err := event.New(NotifyTopicCreated, ev.SourceID,
		event.WithRelevantMod(ModID),
		event.WithPayload(map[string]any{
			"topic_id": t.ID,
			"title":    t.Title,
			"author":   t.Author,
		}),
	)
	if err == nil {
		m.Emit(notify)
	}
	return ok(map[string]any{"topic_id": t.ID, "title": t.Title})
}

func (m *Mod) handleTopicGet(ev *event.Event) mod.Verdict {
	t, okT := m.topics[payloadString(ev, "topic_id")]
	if !okT {
		return fail("topic_not_found", "topic not found")
	}
	return ok(m.topicMap(t))
}

func (m *Mod) handleTopicList(ev *event.Event) mod.Verdict {
	limit := payloadInt(ev, "limit")
	if limit == 0 {
		limit = defaultListLimit
	}
	if limit < 1 || limit > maxListLimit {
		return fail(event.CodeInvalidEvent, "limit must be between 1 and %d", maxListLimit)
	}
	offset := payloadInt(ev, "offset")
	if offset < 0 {
		return fail(event.CodeInvalidEvent, "offset must not be negative")
	}

	ids := append([]string(nil), m.topicOrder...)
	// Highest score first; newer topics break ties.
	sort.SliceStable(ids, func(i, j int) bool {
		si, sj := m.score(ids[i]), m.score(ids[j])
		if si != sj {
			return si > sj
		}
		return m.topics[ids[i]].CreatedAt > m.topics[ids[j]].CreatedAt
	})

	total := len(ids)
	if offset < len(ids) {
		ids = ids[offset:]
	} else {
		ids = nil
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}
	items := make([]any, len(ids))
	for i, id := range ids {
		items[i] = m.topicMap(m.topics[id])
	}
	return ok(map[string]any{
		"topics": items,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (m *Mod) handleCommentAdd(ev *event.Event) mod.Verdict {
	topicID := payloadString(ev, "topic_id")
	text := payloadString(ev, "text")
	if _, okT := m.topics[topicID]; !okT {
		return fail("topic_not_found", "topic not found")
	}
	if text == "" {
		return fail(event.CodeInvalidEvent, "text is required")
	}
	c := &Comment{
		ID:        uuid.NewString(),
		TopicID:   topicID,
		Author:    ev.SourceID,
		Text:      text,
		CreatedAt: ev.Timestamp,
	}
	m.comments[topicID] = append(m.comments[topicID], c)
	return ok(map[string]any{"comment_id": c.ID, "topic_id": topicID})
}

func (m *Mod) handleCommentList(ev *event.Event) mod.Verdict {
	topicID := payloadString(ev, "topic_id")
	if _, okT := m.topics[topicID]; !okT {
		return fail("topic_not_found", "topic not found")
	}
	comments := m.comments[topicID]

	ordered := append([]*Comment(nil), comments...)
	// Highest score first; older comments break ties (thread reads top down).
	sort.SliceStable(ordered, func(i, j int) bool {
		si, sj := m.score(ordered[i].ID), m.score(ordered[j].ID)
		if si != sj {
			return si > sj
		}
		return ordered[i].CreatedAt < ordered[j].CreatedAt
	})

	items := make([]any, len(ordered))
	for i, c := range ordered {
		items[i] = m.commentMap(c)
	}
	return ok(map[string]any{"topic_id": topicID, "comments": items, "count": len(items)})
}

func (m *Mod) handleVote(ev *event.Event) mod.Verdict {
	itemID := payloadString(ev, "item_id")
	direction := payloadString(ev, "direction")
	if !m.itemExists(itemID) {
		return fail("item_not_found", "no topic or comment %q", itemID)
	}

	byAgent, okV := m.votes[itemID]
	if !okV {
		byAgent = make(map[string]int)
		m.votes[itemID] = byAgent
	}
	switch direction {
	case "up":
		byAgent[ev.SourceID] = 1
	case "down":
		byAgent[ev.SourceID] = -1
	case "none":
		delete(byAgent, ev.SourceID)
	default:
		return fail(event.CodeInvalidEvent, "direction must be up, down, or none")
	}
	return ok(map[string]any{"item_id": itemID, "score": m.score(itemID)})
}

func (m *Mod) itemExists(id string) bool {
	if _, okT := m.topics[id]; okT {
		return true
	}
	for _, cs := range m.comments {
		for _, c := range cs {
			if c.ID == id {
				return true
			}
		}
	}
	return false
}

func (m *Mod) score(id string) int {
	score := 0
	for _, v := range m.votes[id] {
		score += v
	}
	return score
}

func (m *Mod) topicMap(t *Topic) map[string]any {
	return map[string]any{
		"topic_id":      t.ID,
		"title":         t.Title,
		"body":          t.Body,
		"author":        t.Author,
		"created_at":    t.CreatedAt,
		"score":         m.score(t.ID),
		"comment_count": len(m.comments[t.ID]),
	}
}

func (m *Mod) commentMap(c *Comment) map[string]any {
	return map[string]any{
		"comment_id": c.ID,
		"topic_id":   c.TopicID,
		"author":     c.Author,
		"text":       c.Text,
		"created_at": c.CreatedAt,
		"score":      m.score(c.ID),
	}
}

func ok(data map[string]any) mod.Verdict {
	return mod.RespondVerdict(event.OK(data))
}

func fail(code, format string, args ...any) mod.Verdict {
	return mod.RespondVerdict(event.Errorf(code, format, args...))
}

func payloadString(ev *event.Event, key string) string {
	if v, okV := ev.Payload[key].(string); okV {
		return v
	}
	return ""
}

func payloadInt(ev *event.Event, key string) int {
	switch v := ev.Payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
