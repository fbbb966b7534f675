package messaging

import (
	"sort"
)

// Message is one stored chat message: direct, channel, or reply.
type Message struct {
	ID         string  `json:"id"`
	Channel    string  `json:"channel,omitempty"`
	Sender     string  `json:"sender"`
	Recipient  string  `json:"recipient,omitempty"` // set for direct messages
	Text       string  `json:"text"`
	ReplyTo    string  `json:"reply_to,omitempty"`
	ThreadID   string  `json:"thread_id,omitempty"` // root message of the thread
	Level      int     `json:"level"`
	QuotedText string  `json:"quoted_text,omitempty"`
	Timestamp  float64 `json:"timestamp"`
}

func (m *Message) asMap() map[string]any {
	out := map[string]any{
		"message_id": m.ID,
		"sender":     m.Sender,
		"text":       m.Text,
		"level":      m.Level,
		"timestamp":  m.Timestamp,
	}
	if m.Channel != "" {
		out["channel"] = m.Channel
	}
	if m.Recipient != "" {
		out["recipient"] = m.Recipient
	}
	if m.ReplyTo != "" {
		out["reply_to_id"] = m.ReplyTo
	}
	if m.ThreadID != "" {
		out["thread_id"] = m.ThreadID
	}
	if m.QuotedText != "" {
		out["quoted_text"] = m.QuotedText
	}
	return out
}

// store holds all message state. The pipeline serializes every hook of a
// mod, so the store needs no locking of its own.
type store struct {
	messages  map[string]*Message
	order     []string                       // insertion order, oldest first
	children  map[string][]string            // thread adjacency
	reactions map[string]map[string]stringSet // message -> reaction -> agents

	historyLimit int
	historyDrop  int
}

type stringSet map[string]bool

func newStore(historyLimit, historyDrop int) *store {
	return &store{
		messages:     make(map[string]*Message),
		children:     make(map[string][]string),
		reactions:    make(map[string]map[string]stringSet),
		historyLimit: historyLimit,
		historyDrop:  historyDrop,
	}
}

func (s *store) add(m *Message) {
	s.messages[m.ID] = m
	s.order = append(s.order, m.ID)
	if m.ReplyTo != "" {
		s.children[m.ReplyTo] = append(s.children[m.ReplyTo], m.ID)
	}
	if len(s.order) > s.historyLimit {
		s.dropOldest(s.historyDrop)
	}
}

func (s *store) get(id string) (*Message, bool) {
	m, ok := s.messages[id]
	return m, ok
}

// dropOldest removes the n oldest messages together with their reaction and
// adjacency records.
func (s *store) dropOldest(n int) {
	if n > len(s.order) {
		n = len(s.order)
	}
	for _, id := range s.order[:n] {
		m := s.messages[id]
		delete(s.messages, id)
		delete(s.reactions, id)
		delete(s.children, id)
		if m != nil && m.ReplyTo != "" {
			s.children[m.ReplyTo] = removeString(s.children[m.ReplyTo], id)
		}
	}
	s.order = append([]string(nil), s.order[n:]...)
}

func removeString(in []string, v string) []string {
	out := in[:0]
	for _, s := range in {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

// conversationKey gives the order-independent key of a direct-message dyad.
func conversationKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "\x00" + b
}

// retrieveChannel returns a page of a channel's messages, newest first.
func (s *store) retrieveChannel(channel string, limit, offset int) ([]*Message, int) {
	match := func(m *Message) bool { return m.Channel == channel }
	return s.retrieve(match, limit, offset)
}

// retrieveDyad returns a page of the direct messages between two agents,
// newest first.
func (s *store) retrieveDyad(a, b string, limit, offset int) ([]*Message, int) {
	key := conversationKey(a, b)
	match := func(m *Message) bool {
		return m.Recipient != "" && conversationKey(m.Sender, m.Recipient) == key
	}
	return s.retrieve(match, limit, offset)
}

func (s *store) retrieve(match func(*Message) bool, limit, offset int) ([]*Message, int) {
	// Walk insertion order backwards: newest first.
	var all []*Message
	for i := len(s.order) - 1; i >= 0; i-- {
		if m := s.messages[s.order[i]]; m != nil && match(m) {
			all = append(all, m)
		}
	}
	total := len(all)
	if offset >= len(all) {
		return nil, total
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, total
}

// react applies add, remove, or toggle and reports what happened.
func (s *store) react(messageID, reaction, agentID, action string) (applied string, count int) {
	byReaction, ok := s.reactions[messageID]
	if !ok {
		byReaction = make(map[string]stringSet)
		s.reactions[messageID] = byReaction
	}
	agents, ok := byReaction[reaction]
	if !ok {
		agents = make(stringSet)
		byReaction[reaction] = agents
	}

	switch action {
	case "add":
		agents[agentID] = true
		applied = "added"
	case "remove":
		delete(agents, agentID)
		applied = "removed"
	default: // toggle
		if agents[agentID] {
			delete(agents, agentID)
			applied = "removed"
		} else {
			agents[agentID] = true
			applied = "added"
		}
	}
	return applied, len(agents)
}

// reactionSummary lists a message's reactions as reaction -> sorted agents.
func (s *store) reactionSummary(messageID string) map[string][]string {
	out := make(map[string][]string)
	for reaction, agents := range s.reactions[messageID] {
		if len(agents) == 0 {
			continue
		}
		ids := make([]string, 0, len(agents))
		for id := range agents {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out[reaction] = ids
	}
	return out
}
