// Package wiki implements the wiki mod: slug-keyed pages where every update
// is a numbered revision, backed by SQLite under the mod's state directory.
package wiki

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/openagents/openagents/internal/event"
	"github.com/openagents/openagents/internal/mod"
)

// ModID is the loader identifier.
const ModID = "openagents.mods.wiki"

// Operation event names.
const (
	EventPageCreate  = "wiki.page.create"
	EventPageUpdate  = "wiki.page.update"
	EventPageGet     = "wiki.page.get"
	EventPageHistory = "wiki.page.history"
	EventPageList    = "wiki.page.list"
	EventPageDelete  = "wiki.page.delete"
	EventPageSearch  = "wiki.page.search"

	NotifyPageUpdated = "wiki.page.updated"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	defaultSearchLimit  = 50
)

func init() {
	mod.DefaultLoader.Register(ModID, func() mod.Mod { return New() })
}

// Mod is the wiki mod.
type Mod struct {
	mod.Base
	store *Store
}

// New creates an uninitialized wiki mod.
func New() *Mod { return &Mod{} }

// ID implements mod.Mod.
func (m *Mod) ID() string { return ModID }

// Manifest implements mod.Mod.
func (m *Mod) Manifest() mod.Manifest {
	return mod.Manifest{
		ID:            ModID,
		Name:          "Wiki",
		Version:       "1.0.0",
		Description:   "Versioned wiki pages with revision history and search",
		EventPrefixes: []string{"wiki."},
		Operations: []string{
			EventPageCreate, EventPageUpdate, EventPageGet, EventPageHistory,
			EventPageList, EventPageDelete, EventPageSearch,
		},
	}
}

// Initialize opens the SQLite store under the state directory.
func (m *Mod) Initialize(ctx context.Context, mc mod.Context) error {
	m.Bind(mc)
	store, err := OpenStore(filepath.Join(mc.StateDir, "wiki.db"))
	if err != nil {
		return err
	}
	m.store = store
	return nil
}

// Shutdown closes the store.
func (m *Mod) Shutdown(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	return m.store.Close()
}

// ProcessEvent implements mod.Mod.
func (m *Mod) ProcessEvent(ev *event.Event) mod.Verdict {
	if !strings.HasPrefix(ev.Name, "wiki.") {
		return mod.PassVerdict()
	}
	if ev.Name == NotifyPageUpdated {
		return mod.PassVerdict()
	}

	ctx := context.Background()
	switch ev.Name {
	case EventPageCreate:
		return m.handleCreate(ctx, ev)
	case EventPageUpdate:
		return m.handleUpdate(ctx, ev)
	case EventPageGet:
		return m.handleGet(ctx, ev)
	case EventPageHistory:
		return m.handleHistory(ctx, ev)
	case EventPageList:
		return m.handleList(ctx, ev)
	case EventPageDelete:
		return m.handleDelete(ctx, ev)
	case EventPageSearch:
		return m.handleSearch(ctx, ev)
	default:
		return fail(event.CodeInvalidEvent, "unknown wiki operation %q", ev.Name)
	}
}

func (m *Mod) handleCreate(ctx context.Context, ev *event.Event) mod.Verdict {
	title := payloadString(ev, "title")
	content := payloadString(ev, "content")
	if title == "" {
		return fail(event.CodeInvalidEvent, "title is required")
	}
	slug := slugify(title)
	if slug == "" {
		return fail(event.CodeInvalidEvent, "title yields an empty slug")
	}
	comment := payloadString(ev, "comment")
	err := m.store.Create(ctx, slug, title, content, ev.SourceID, comment, ev.Timestamp)
	if errors.Is(err, errPageExists) {
		return fail("page_exists", "page %q already exists", slug)
	}
	if err != nil {
		return m.storeFailure("create", err)
	}
	return ok(map[string]any{"slug": slug, "title": title, "version": 1})
}

func (m *Mod) handleUpdate(ctx context.Context, ev *event.Event) mod.Verdict {
	slug := m.slugArg(ev)
	content := payloadString(ev, "content")
	if slug == "" || content == "" {
		return fail(event.CodeInvalidEvent, "slug and content are required")
	}
	expected := -1
	if _, okV := ev.Payload["expected_version"]; okV {
		expected = payloadInt(ev, "expected_version")
	}
	version, err := m.store.Update(ctx, slug, content, ev.SourceID, payloadString(ev, "comment"), expected, ev.Timestamp)
	switch {
	case errors.Is(err, errPageNotFound):
		return fail("page_not_found", "page %q not found", slug)
	case errors.Is(err, errVersionConflict):
		return mod.RespondVerdict(event.Errorf("version_conflict",
			"page %q is at version %d, expected %d", slug, version, expected).
			WithData(map[string]any{"current_version": version}))
	case err != nil:
		return m.storeFailure("update", err)
	}

	notify, nerr := event.New(NotifyPageUpdated, ev.SourceID,
		event.WithRelevantMod(ModID),
		event.WithPayload(map[string]any{"slug": slug, "version": version}),
	)
	if nerr == nil {
		m.Emit(notify)
	}
	return ok(map[string]any{"slug": slug, "version": version})
}

func (m *Mod) handleGet(ctx context.Context, ev *event.Event) mod.Verdict {
	slug := m.slugArg(ev)
	if slug == "" {
		return fail(event.CodeInvalidEvent, "slug is required")
	}
	page, rev, err := m.store.Get(ctx, slug, payloadInt(ev, "version"))
	if errors.Is(err, errPageNotFound) {
		return fail("page_not_found", "page %q not found", slug)
	}
	if err != nil {
		return m.storeFailure("get", err)
	}
	return ok(map[string]any{
		"slug":       page.Slug,
		"title":      page.Title,
		"version":    rev.Version,
		"latest":     page.Version,
		"content":    rev.Content,
		"author":     rev.Author,
		"comment":    rev.Comment,
		"updated_at": page.UpdatedAt,
	})
}

func (m *Mod) handleHistory(ctx context.Context, ev *event.Event) mod.Verdict {
	slug := m.slugArg(ev)
	if slug == "" {
		return fail(event.CodeInvalidEvent, "slug is required")
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
	revs, total, err := m.store.History(ctx, slug, limit, offset)
	if errors.Is(err, errPageNotFound) {
		return fail("page_not_found", "page %q not found", slug)
	}
	if err != nil {
		return m.storeFailure("history", err)
	}
	items := make([]any, len(revs))
	for i, r := range revs {
		items[i] = map[string]any{
			"version":    r.Version,
			"author":     r.Author,
			"comment":    r.Comment,
			"created_at": r.CreatedAt,
		}
	}
	return ok(map[string]any{
		"slug":      slug,
		"revisions": items,
		"total":     total,
		"limit":     limit,
		"offset":    offset,
	})
}

func (m *Mod) handleList(ctx context.Context, ev *event.Event) mod.Verdict {
	pages, err := m.store.List(ctx)
	if err != nil {
		return m.storeFailure("list", err)
	}
	items := make([]any, len(pages))
	for i, p := range pages {
		items[i] = p
	}
	return ok(map[string]any{"pages": items, "count": len(items)})
}

func (m *Mod) handleDelete(ctx context.Context, ev *event.Event) mod.Verdict {
	slug := m.slugArg(ev)
	if slug == "" {
		return fail(event.CodeInvalidEvent, "slug is required")
	}
	err := m.store.Delete(ctx, slug)
	if errors.Is(err, errPageNotFound) {
		return fail("page_not_found", "page %q not found", slug)
	}
	if err != nil {
		return m.storeFailure("delete", err)
	}
	return ok(map[string]any{"slug": slug, "deleted": true})
}

func (m *Mod) handleSearch(ctx context.Context, ev *event.Event) mod.Verdict {
	query := payloadString(ev, "query")
	if query == "" {
		return fail(event.CodeInvalidEvent, "query is required")
	}
	pages, err := m.store.Search(ctx, query, defaultSearchLimit)
	if err != nil {
		return m.storeFailure("search", err)
	}
	items := make([]any, len(pages))
	for i, p := range pages {
		items[i] = p
	}
	return ok(map[string]any{"pages": items, "count": len(items)})
}

// slugArg accepts either an explicit slug or a title to slugify.
func (m *Mod) slugArg(ev *event.Event) string {
	if slug := payloadString(ev, "slug"); slug != "" {
		return slug
	}
	return slugify(payloadString(ev, "title"))
}

func (m *Mod) storeFailure(op string, err error) mod.Verdict {
	m.Log().Error("wiki store failure", zap.String("op", op), zap.Error(err))
	return fail(event.CodeModRejected, "wiki storage error")
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
