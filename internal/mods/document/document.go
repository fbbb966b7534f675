// Package document implements the shared document mod: collaborative
// line-addressed documents with per-line authorship, advisory line locks,
// line-pinned comments, cursor presence, and an operation log.
package document

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openagents/openagents/internal/event"
	"github.com/openagents/openagents/internal/mod"
)

// ModID is the loader identifier.
const ModID = "openagents.mods.document"

// Operation event names.
const (
	EventCreate        = "document.create"
	EventOpen          = "document.open"
	EventClose         = "document.close"
	EventInsertLines   = "document.insert_lines"
	EventRemoveLines   = "document.remove_lines"
	EventReplaceLines  = "document.replace_lines"
	EventAddComment    = "document.add_comment"
	EventRemoveComment = "document.remove_comment"
	EventUpdateCursor  = "document.update_cursor_position"
	EventAcquireLock   = "document.acquire_line_lock"
	EventReleaseLock   = "document.release_line_lock"
	EventGetContent    = "document.get_content"
	EventGetHistory    = "document.get_history"
	EventList          = "document.list_documents"
	EventPresence      = "document.get_agent_presence"
	EventSetPermission = "document.set_permission"

	NotifyUpdated = "document.updated.notification"
)

const (
	defaultLockTimeout  = 30 * time.Second
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

func init() {
	mod.DefaultLoader.Register(ModID, func() mod.Mod { return New() })
}

// Mod is the shared document mod.
type Mod struct {
	mod.Base

	docs        map[string]*Document
	lockTimeout time.Duration
	stateFile   string
}

// New creates an uninitialized document mod.
func New() *Mod {
	return &Mod{docs: make(map[string]*Document)}
}

// ID implements mod.Mod.
func (m *Mod) ID() string { return ModID }

// Manifest implements mod.Mod.
func (m *Mod) Manifest() mod.Manifest {
	return mod.Manifest{
		ID:            ModID,
		Name:          "Shared Documents",
		Version:       "1.0.0",
		Description:   "Collaborative line-addressed documents with locks, comments, and presence",
		EventPrefixes: []string{"document."},
		Operations: []string{
			EventCreate, EventOpen, EventClose,
			EventInsertLines, EventRemoveLines, EventReplaceLines,
			EventAddComment, EventRemoveComment, EventUpdateCursor,
			EventAcquireLock, EventReleaseLock,
			EventGetContent, EventGetHistory, EventList, EventPresence,
			EventSetPermission,
		},
	}
}

// Initialize implements mod.Mod.
func (m *Mod) Initialize(ctx context.Context, mc mod.Context) error {
	m.Bind(mc)
	m.lockTimeout = time.Duration(mc.Config.Int("lock_timeout_seconds", int(defaultLockTimeout/time.Second))) * time.Second
	m.stateFile = filepath.Join(mc.StateDir, "state.json")
	m.loadState()
	return nil
}

// Shutdown snapshots state to disk.
func (m *Mod) Shutdown(ctx context.Context) error {
	return m.saveState()
}

// OnUnregisterAgent drops the departed agent's session state everywhere:
// open handles, cursors, and any locks it held.
func (m *Mod) OnUnregisterAgent(agentID string) {
	for _, d := range m.docs {
		delete(d.Open, agentID)
		delete(d.Cursors, agentID)
		for line, l := range d.Locks {
			if l.Agent == agentID {
				delete(d.Locks, line)
			}
		}
	}
}

// Tick expires stale line locks.
func (m *Mod) Tick(now time.Time) {
	for _, d := range m.docs {
		for line, l := range d.Locks {
			if now.After(l.ExpiresAt) {
				delete(d.Locks, line)
				m.Log().Debug("line lock expired",
					zap.String("document_id", d.ID),
					zap.Int("line", line),
					zap.String("agent_id", l.Agent))
			}
		}
	}
}

// ProcessEvent implements mod.Mod.
func (m *Mod) ProcessEvent(ev *event.Event) mod.Verdict {
	if !strings.HasPrefix(ev.Name, "document.") {
		return mod.PassVerdict()
	}
	if strings.HasSuffix(ev.Name, ".notification") {
		return mod.PassVerdict()
	}

	switch ev.Name {
	case EventCreate:
		return m.handleCreate(ev)
	case EventList:
		return m.handleList(ev)
	}

	// Everything else addresses an existing document.
	d, okDoc := m.docs[payloadString(ev, "document_id")]
	if !okDoc {
		return fail("document_not_found", "document not found")
	}

	switch ev.Name {
	case EventOpen:
		return m.handleOpen(ev, d)
	case EventClose:
		return m.handleClose(ev, d)
	case EventInsertLines:
		return m.handleInsertLines(ev, d)
	case EventRemoveLines:
		return m.handleRemoveLines(ev, d)
	case EventReplaceLines:
		return m.handleReplaceLines(ev, d)
	case EventAddComment:
		return m.handleAddComment(ev, d)
	case EventRemoveComment:
		return m.handleRemoveComment(ev, d)
	case EventUpdateCursor:
		return m.handleUpdateCursor(ev, d)
	case EventAcquireLock:
		return m.handleAcquireLock(ev, d)
	case EventReleaseLock:
		return m.handleReleaseLock(ev, d)
	case EventGetContent:
		return m.handleGetContent(ev, d)
	case EventGetHistory:
		return m.handleGetHistory(ev, d)
	case EventPresence:
		return m.handlePresence(ev, d)
	case EventSetPermission:
		return m.handleSetPermission(ev, d)
	default:
		return fail(event.CodeInvalidEvent, "unknown document operation %q", ev.Name)
	}
}

func (m *Mod) handleCreate(ev *event.Event) mod.Verdict {
	name := payloadString(ev, "name")
	if name == "" {
		return fail(event.CodeInvalidEvent, "name is required")
	}
	d := newDocument(uuid.NewString(), name, ev.SourceID, payloadLines(ev, "lines"), ev.Timestamp)
	d.Open[ev.SourceID] = true
	d.record("create", ev.SourceID, map[string]any{"name": name}, ev.Timestamp)
	m.docs[d.ID] = d
	return ok(d.summary())
}

func (m *Mod) handleList(ev *event.Event) mod.Verdict {
	ids := make([]string, 0, len(m.docs))
	for id := range m.docs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return m.docs[ids[i]].CreatedAt < m.docs[ids[j]].CreatedAt
	})
	items := make([]any, len(ids))
	for i, id := range ids {
		items[i] = m.docs[id].summary()
	}
	return ok(map[string]any{"documents": items, "count": len(items)})
}

func (m *Mod) handleOpen(ev *event.Event, d *Document) mod.Verdict {
	if d.permission(ev.SourceID) == "" {
		// First open grants the configured default level.
		level := m.ModContext().Config.String("default_permission", PermReadWrite)
		d.Permissions[ev.SourceID] = level
	}
	d.Open[ev.SourceID] = true
	d.Cursors[ev.SourceID] = 0
	return ok(map[string]any{
		"document_id": d.ID,
		"name":        d.Name,
		"version":     d.Version,
		"line_count":  len(d.Lines),
		"permission":  d.permission(ev.SourceID),
	})
}

func (m *Mod) handleClose(ev *event.Event, d *Document) mod.Verdict {
	delete(d.Open, ev.SourceID)
	delete(d.Cursors, ev.SourceID)
	for line, l := range d.Locks {
		if l.Agent == ev.SourceID {
			delete(d.Locks, line)
		}
	}
	return ok(map[string]any{"document_id": d.ID, "closed": true})
}

func (m *Mod) handleInsertLines(ev *event.Event, d *Document) mod.Verdict {
	if !d.canWrite(ev.SourceID) {
		return fail(event.CodeNotAuthorized, "write permission required")
	}
	lines := payloadLines(ev, "lines")
	if len(lines) == 0 {
		return fail(event.CodeInvalidEvent, "lines is required")
	}
	position := payloadInt(ev, "position")
	if d.lockConflict(ev.SourceID, position, 1, time.Now()) {
		return fail("line_locked", "line %d is locked by another agent", position)
	}
	if err := d.insertLines(ev.SourceID, position, lines); err != nil {
		return fail(event.CodeInvalidEvent, "%v", err)
	}
	d.record("insert_lines", ev.SourceID, rangeDetails(position, len(lines)), ev.Timestamp)
	m.notifyUpdated(d, ev.SourceID, "insert_lines")
	return ok(map[string]any{"document_id": d.ID, "version": d.Version, "line_count": len(d.Lines)})
}

func (m *Mod) handleRemoveLines(ev *event.Event, d *Document) mod.Verdict {
	if !d.canWrite(ev.SourceID) {
		return fail(event.CodeNotAuthorized, "write permission required")
	}
	start, count := payloadInt(ev, "start"), payloadInt(ev, "count")
	if count == 0 {
		count = 1
	}
	if d.lockConflict(ev.SourceID, start, count, time.Now()) {
		return fail("line_locked", "range is locked by another agent")
	}
	if err := d.removeLines(start, count); err != nil {
		return fail(event.CodeInvalidEvent, "%v", err)
	}
	d.record("remove_lines", ev.SourceID, rangeDetails(start, count), ev.Timestamp)
	m.notifyUpdated(d, ev.SourceID, "remove_lines")
	return ok(map[string]any{"document_id": d.ID, "version": d.Version, "line_count": len(d.Lines)})
}

func (m *Mod) handleReplaceLines(ev *event.Event, d *Document) mod.Verdict {
	if !d.canWrite(ev.SourceID) {
		return fail(event.CodeNotAuthorized, "write permission required")
	}
	lines := payloadLines(ev, "lines")
	if len(lines) == 0 {
		return fail(event.CodeInvalidEvent, "lines is required")
	}
	start := payloadInt(ev, "start")
	if d.lockConflict(ev.SourceID, start, len(lines), time.Now()) {
		return fail("line_locked", "range is locked by another agent")
	}
	if err := d.replaceLines(ev.SourceID, start, lines); err != nil {
		return fail(event.CodeInvalidEvent, "%v", err)
	}
	d.record("replace_lines", ev.SourceID, rangeDetails(start, len(lines)), ev.Timestamp)
	m.notifyUpdated(d, ev.SourceID, "replace_lines")
	return ok(map[string]any{"document_id": d.ID, "version": d.Version, "line_count": len(d.Lines)})
}

func (m *Mod) handleAddComment(ev *event.Event, d *Document) mod.Verdict {
	if !d.canRead(ev.SourceID) {
		return fail(event.CodeNotAuthorized, "read permission required")
	}
	line := payloadInt(ev, "line")
	if err := validStart(line, len(d.Lines)); err != nil {
		return fail(event.CodeInvalidEvent, "%v", err)
	}
	text := payloadString(ev, "text")
	if text == "" {
		return fail(event.CodeInvalidEvent, "text is required")
	}
	c := &Comment{
		ID:        uuid.NewString(),
		Line:      line,
		Author:    ev.SourceID,
		Text:      text,
		Timestamp: ev.Timestamp,
	}
	d.Comments[c.ID] = c
	d.record("add_comment", ev.SourceID, map[string]any{"comment_id": c.ID, "line": line}, ev.Timestamp)
	return ok(map[string]any{"document_id": d.ID, "comment_id": c.ID, "version": d.Version})
}

func (m *Mod) handleRemoveComment(ev *event.Event, d *Document) mod.Verdict {
	commentID := payloadString(ev, "comment_id")
	c, okC := d.Comments[commentID]
	if !okC {
		return fail("comment_not_found", "comment not found")
	}
	if c.Author != ev.SourceID && !d.isAdmin(ev.SourceID) {
		return fail(event.CodeNotAuthorized, "only the author or an admin may remove a comment")
	}
	delete(d.Comments, commentID)
	d.record("remove_comment", ev.SourceID, map[string]any{"comment_id": commentID}, ev.Timestamp)
	return ok(map[string]any{"document_id": d.ID, "version": d.Version})
}

func (m *Mod) handleUpdateCursor(ev *event.Event, d *Document) mod.Verdict {
	if !d.canRead(ev.SourceID) {
		return fail(event.CodeNotAuthorized, "read permission required")
	}
	line := payloadInt(ev, "line")
	if line < 0 {
		line = 0
	}
	if line > len(d.Lines) {
		line = len(d.Lines)
	}
	d.Cursors[ev.SourceID] = line
	d.Open[ev.SourceID] = true
	return ok(map[string]any{"document_id": d.ID, "line": line})
}

func (m *Mod) handleAcquireLock(ev *event.Event, d *Document) mod.Verdict {
	if !d.canWrite(ev.SourceID) {
		return fail(event.CodeNotAuthorized, "write permission required")
	}
	line := payloadInt(ev, "line")
	if err := validStart(line, len(d.Lines)); err != nil {
		return fail(event.CodeInvalidEvent, "%v", err)
	}
	now := time.Now()
	if l, okL := d.Locks[line]; okL && l.Agent != ev.SourceID && now.Before(l.ExpiresAt) {
		return fail("line_locked", "line %d is locked by %s", line, l.Agent)
	}
	expires := now.Add(m.lockTimeout)
	d.Locks[line] = &lineLock{Agent: ev.SourceID, ExpiresAt: expires}
	return ok(map[string]any{
		"document_id": d.ID,
		"line":        line,
		"expires_in":  m.lockTimeout.Seconds(),
	})
}

func (m *Mod) handleReleaseLock(ev *event.Event, d *Document) mod.Verdict {
	line := payloadInt(ev, "line")
	l, okL := d.Locks[line]
	if !okL || l.Agent != ev.SourceID {
		return fail("lock_not_held", "no lock held on line %d", line)
	}
	delete(d.Locks, line)
	return ok(map[string]any{"document_id": d.ID, "line": line, "released": true})
}

func (m *Mod) handleGetContent(ev *event.Event, d *Document) mod.Verdict {
	if !d.canRead(ev.SourceID) {
		return fail(event.CodeNotAuthorized, "read permission required")
	}
	comments := make([]any, 0, len(d.Comments))
	for _, c := range d.Comments {
		comments = append(comments, c)
	}
	sort.Slice(comments, func(i, j int) bool {
		return comments[i].(*Comment).Timestamp < comments[j].(*Comment).Timestamp
	})
	return ok(map[string]any{
		"document_id": d.ID,
		"name":        d.Name,
		"version":     d.Version,
		"lines":       append([]string(nil), d.Lines...),
		"authors":     append([]string(nil), d.Authors...),
		"comments":    comments,
	})
}

func (m *Mod) handleGetHistory(ev *event.Event, d *Document) mod.Verdict {
	if !d.canRead(ev.SourceID) {
		return fail(event.CodeNotAuthorized, "read permission required")
	}
	limit := payloadInt(ev, "limit")
	if limit == 0 {
		limit = defaultHistoryLimit
	}
	if limit < 1 || limit > maxHistoryLimit {
		return fail(event.CodeInvalidEvent, "limit must be between 1 and %d", maxHistoryLimit)
	}
	offset := payloadInt(ev, "offset")
	if offset < 0 {
		return fail(event.CodeInvalidEvent, "offset must not be negative")
	}

	// Newest first.
	total := len(d.History)
	items := make([]any, 0, limit)
	for i := total - 1 - offset; i >= 0 && len(items) < limit; i-- {
		items = append(items, d.History[i])
	}
	return ok(map[string]any{
		"document_id": d.ID,
		"operations":  items,
		"total":       total,
		"limit":       limit,
		"offset":      offset,
	})
}

func (m *Mod) handlePresence(ev *event.Event, d *Document) mod.Verdict {
	cursors := make(map[string]any, len(d.Cursors))
	for agent, line := range d.Cursors {
		cursors[agent] = line
	}
	open := make([]string, 0, len(d.Open))
	for agent := range d.Open {
		open = append(open, agent)
	}
	sort.Strings(open)
	return ok(map[string]any{
		"document_id": d.ID,
		"open_agents": open,
		"cursors":     cursors,
	})
}

func (m *Mod) handleSetPermission(ev *event.Event, d *Document) mod.Verdict {
	if !d.isAdmin(ev.SourceID) {
		return fail(event.CodeNotAuthorized, "admin permission required")
	}
	agentID := payloadString(ev, "agent_id")
	level := payloadString(ev, "permission")
	switch level {
	case PermReadOnly, PermReadWrite, PermAdmin:
	default:
		return fail(event.CodeInvalidEvent, "permission must be read_only, read_write, or admin")
	}
	if agentID == "" {
		return fail(event.CodeInvalidEvent, "agent_id is required")
	}
	d.Permissions[agentID] = level
	d.record("set_permission", ev.SourceID, map[string]any{"agent_id": agentID, "permission": level}, ev.Timestamp)
	return ok(map[string]any{"document_id": d.ID, "agent_id": agentID, "permission": level})
}

// notifyUpdated tells every other agent with the document open that it
// changed.
func (m *Mod) notifyUpdated(d *Document, actor, opType string) {
	var others []string
	for agent := range d.Open {
		if agent != actor {
			others = append(others, agent)
		}
	}
	if len(others) == 0 {
		return
	}
	sort.Strings(others)
	notify, err := event.New(NotifyUpdated, actor,
		event.WithVisibility(event.VisibilityPrivate),
		event.WithAllowedAgents(others...),
		event.WithRelevantMod(ModID),
		event.WithPayload(map[string]any{
			"document_id": d.ID,
			"version":     d.Version,
			"operation":   opType,
			"line_count":  len(d.Lines),
		}),
	)
	if err != nil {
		m.Log().Error("document notification build failed", zap.Error(err))
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

func payloadLines(ev *event.Event, key string) []string {
	switch v := ev.Payload[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, okS := item.(string); okS {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
