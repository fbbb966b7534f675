package messaging

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openagents/openagents/internal/event"
	"github.com/openagents/openagents/internal/mod"
)

func (m *Mod) handleDirectPost(ev *event.Event) mod.Verdict {
	to := payloadString(ev, "to")
	if to == "" {
		if d := event.ParseDestination(ev.DestinationID); d.Kind == event.DestAgent {
			to = d.Target
		}
	}
	text := payloadString(ev, "text")
	if to == "" || text == "" {
		return fail(event.CodeInvalidEvent, "to and text are required")
	}

	msg := &Message{
		ID:        uuid.NewString(),
		Sender:    ev.SourceID,
		Recipient: to,
		Text:      text,
		Timestamp: ev.Timestamp,
	}
	m.store.add(msg)

	notify, err := event.New(NotifyDirect, msg.Sender,
		event.WithDestination(event.AgentDestination(to)),
		event.WithVisibility(event.VisibilityPrivate),
		event.WithAllowedAgents(to),
		event.WithRelevantMod(ModID),
		event.WithPayload(msg.asMap()),
	)
	if err != nil {
		m.Log().Error("direct notification build failed", zap.Error(err))
	} else {
		m.Emit(notify)
	}
	return ok(map[string]any{"message_id": msg.ID, "recipient": to})
}

func (m *Mod) handleChannelPost(ev *event.Event) mod.Verdict {
	channel := payloadString(ev, "channel")
	if d := event.ParseDestination(ev.DestinationID); d.Kind == event.DestChannel {
		channel = d.Target
	}
	text := payloadString(ev, "text")
	if channel == "" || text == "" {
		return fail(event.CodeInvalidEvent, "channel and text are required")
	}
	m.ensureChannel(channel)

	msg := &Message{
		ID:        uuid.NewString(),
		Channel:   channel,
		Sender:    ev.SourceID,
		Text:      text,
		Timestamp: ev.Timestamp,
	}
	m.store.add(msg)
	m.notifyChannel(NotifyChannel, msg)
	return ok(map[string]any{"message_id": msg.ID, "channel": channel})
}

func (m *Mod) handleReply(ev *event.Event) mod.Verdict {
	replyTo := payloadString(ev, "reply_to_id")
	text := payloadString(ev, "text")
	if replyTo == "" || text == "" {
		return fail(event.CodeInvalidEvent, "reply_to_id and text are required")
	}
	parent, okParent := m.store.get(replyTo)
	if !okParent {
		return fail("message_not_found", "message %s not found", replyTo)
	}
	if parent.Level+1 >= maxThreadDepth {
		return fail(event.CodeThreadDepthExceeded, "thread depth limit is %d", maxThreadDepth)
	}

	msg := &Message{
		ID:        uuid.NewString(),
		Channel:   parent.Channel,
		Sender:    ev.SourceID,
		Text:      text,
		ReplyTo:   parent.ID,
		ThreadID:  parent.ThreadID,
		Level:     parent.Level + 1,
		Timestamp: ev.Timestamp,
	}
	if msg.ThreadID == "" {
		msg.ThreadID = parent.ID
	}
	if parent.Recipient != "" {
		// Replying inside a direct-message dyad goes to the other party.
		if parent.Sender == ev.SourceID {
			msg.Recipient = parent.Recipient
		} else {
			msg.Recipient = parent.Sender
		}
	}
	if quoteID := payloadString(ev, "quote_message_id"); quoteID != "" {
		if quoted, okQ := m.store.get(quoteID); okQ {
			msg.QuotedText = quoteText(quoted)
		}
	}
	m.store.add(msg)

	if msg.Channel != "" {
		m.notifyChannel(NotifyReply, msg)
	} else if msg.Recipient != "" {
		notify, err := event.New(NotifyReply, msg.Sender,
			event.WithDestination(event.AgentDestination(msg.Recipient)),
			event.WithVisibility(event.VisibilityPrivate),
			event.WithAllowedAgents(msg.Recipient),
			event.WithRelevantMod(ModID),
			event.WithPayload(msg.asMap()),
		)
		if err != nil {
			m.Log().Error("reply notification build failed", zap.Error(err))
		} else {
			m.Emit(notify)
		}
	}
	return ok(map[string]any{
		"message_id": msg.ID,
		"thread_id":  msg.ThreadID,
		"level":      msg.Level,
	})
}

// quoteText renders the "<author>: <first 100 chars>" snippet. Truncation
// counts runes so a multi-byte character is never split.
func quoteText(msg *Message) string {
	text := msg.Text
	if runes := []rune(text); len(runes) > quoteSnippet {
		text = string(runes[:quoteSnippet])
	}
	return msg.Sender + ": " + text
}

func (m *Mod) handleReaction(ev *event.Event) mod.Verdict {
	messageID := payloadString(ev, "message_id")
	reaction := payloadString(ev, "reaction")
	action := payloadString(ev, "action")
	if messageID == "" || reaction == "" {
		return fail(event.CodeInvalidEvent, "message_id and reaction are required")
	}
	msg, okMsg := m.store.get(messageID)
	if !okMsg {
		return fail("message_not_found", "message %s not found", messageID)
	}

	applied, count := m.store.react(messageID, reaction, ev.SourceID, action)

	payload := map[string]any{
		"message_id": messageID,
		"reaction":   reaction,
		"action":     applied,
		"agent":      ev.SourceID,
		"count":      count,
	}
	if msg.Channel != "" {
		notify, err := event.New(NotifyReaction, ev.SourceID,
			event.WithDestination(event.ChannelDestination(msg.Channel)),
			event.WithRelevantMod(ModID),
			event.WithPayload(payload),
		)
		if err == nil {
			m.Emit(notify)
		}
	} else if msg.Sender != ev.SourceID {
		notify, err := event.New(NotifyReaction, ev.SourceID,
			event.WithDestination(event.AgentDestination(msg.Sender)),
			event.WithVisibility(event.VisibilityPrivate),
			event.WithAllowedAgents(msg.Sender),
			event.WithRelevantMod(ModID),
			event.WithPayload(payload),
		)
		if err == nil {
			m.Emit(notify)
		}
	}
	return ok(map[string]any{
		"message_id": messageID,
		"reaction":   reaction,
		"action":     applied,
		"count":      count,
		"reactions":  anyMap(m.store.reactionSummary(messageID)),
	})
}

func (m *Mod) handleFileUpload(ev *event.Event) mod.Verdict {
	filename := payloadString(ev, "filename")
	mimeType := payloadString(ev, "mime_type")
	content := payloadString(ev, "content")
	if filename == "" || content == "" {
		return fail(event.CodeInvalidEvent, "filename and content are required")
	}
	entry, err := m.files.save(filename, mimeType, content, ev.SourceID, ev.Timestamp)
	if err != nil {
		return fail(event.CodeInvalidEvent, "%v", err)
	}
	return ok(map[string]any{
		"file_id":   entry.ID,
		"filename":  entry.Filename,
		"mime_type": entry.MimeType,
		"size":      entry.Size,
	})
}

func (m *Mod) handleFileDownload(ev *event.Event) mod.Verdict {
	fileID := payloadString(ev, "file_id")
	entry, content, err := m.files.load(fileID)
	if err != nil {
		return fail("file_not_found", "File not found")
	}
	return ok(map[string]any{
		"file_id":   entry.ID,
		"filename":  entry.Filename,
		"mime_type": entry.MimeType,
		"size":      entry.Size,
		"content":   content,
	})
}

func (m *Mod) handleFileList(ev *event.Event) mod.Verdict {
	entries := m.files.list()
	items := make([]any, len(entries))
	for i, e := range entries {
		items[i] = e
	}
	return ok(map[string]any{"files": items, "count": len(items)})
}

func (m *Mod) handleFileDelete(ev *event.Event) mod.Verdict {
	fileID := payloadString(ev, "file_id")
	if err := m.files.delete(fileID); err != nil {
		return fail("file_not_found", "File not found")
	}
	return ok(map[string]any{"file_id": fileID, "deleted": true})
}

func (m *Mod) handleChannelList(ev *event.Event) mod.Verdict {
	net := m.ModContext().Network
	items := make([]any, 0, len(m.channels))
	for _, name := range m.channelNames() {
		info := map[string]any{"name": name}
		if net != nil {
			info["members"] = net.ChannelMembers(name)
		}
		items = append(items, info)
	}
	return ok(map[string]any{"channels": items, "count": len(items)})
}

func (m *Mod) handleChannelInfo(ev *event.Event) mod.Verdict {
	channel := payloadString(ev, "channel")
	if channel == "" || !m.channels[channel] {
		return fail("channel_not_found", "channel %q not found", channel)
	}
	_, total := m.store.retrieveChannel(channel, 1, 0)
	info := map[string]any{"name": channel, "message_count": total}
	if net := m.ModContext().Network; net != nil {
		info["members"] = net.ChannelMembers(channel)
	}
	return ok(info)
}

func (m *Mod) handleRetrieve(ev *event.Event) mod.Verdict {
	limit := payloadInt(ev, "limit")
	if limit == 0 {
		limit = defaultRetrieveLimit
	}
	if limit < 1 || limit > maxRetrieveLimit {
		return fail(event.CodeInvalidEvent, "limit must be between 1 and %d", maxRetrieveLimit)
	}
	offset := payloadInt(ev, "offset")
	if offset < 0 {
		return fail(event.CodeInvalidEvent, "offset must not be negative")
	}

	var (
		messages []*Message
		total    int
	)
	if channel := payloadString(ev, "channel"); channel != "" {
		messages, total = m.store.retrieveChannel(channel, limit, offset)
	} else if other := payloadString(ev, "with"); other != "" {
		messages, total = m.store.retrieveDyad(ev.SourceID, other, limit, offset)
	} else {
		return fail(event.CodeInvalidEvent, "channel or with is required")
	}

	items := make([]any, len(messages))
	for i, msg := range messages {
		item := msg.asMap()
		if reactions := m.store.reactionSummary(msg.ID); len(reactions) > 0 {
			item["reactions"] = anyMap(reactions)
		}
		items[i] = item
	}
	return ok(map[string]any{
		"messages": items,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// notifyChannel fans a stored message out to its channel. The notification
// payload preserves the inner text.
func (m *Mod) notifyChannel(name string, msg *Message) {
	notify, err := event.New(name, msg.Sender,
		event.WithDestination(event.ChannelDestination(msg.Channel)),
		event.WithRelevantMod(ModID),
		event.WithPayload(msg.asMap()),
	)
	if err != nil {
		m.Log().Error("channel notification build failed", zap.Error(err))
		return
	}
	m.Emit(notify)
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

func anyMap(in map[string][]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
