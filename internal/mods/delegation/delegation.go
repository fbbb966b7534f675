// Package delegation implements the task delegation mod: agents post tasks
// with priorities, other agents claim the highest-priority open task, and
// requesters are notified on completion. Overdue open tasks fail on a
// deadline sweep.
package delegation

import (
	"container/heap"
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openagents/openagents/internal/event"
	"github.com/openagents/openagents/internal/mod"
)

// ModID is the loader identifier.
const ModID = "openagents.mods.delegation"

// Operation event names.
const (
	EventTaskCreate    = "task.create"
	EventTaskClaimNext = "task.claim_next"
	EventTaskComplete  = "task.complete"
	EventTaskFail      = "task.fail"
	EventTaskCancel    = "task.cancel"
	EventTaskGet       = "task.get"
	EventTaskList      = "task.list"

	NotifyAssigned  = "task.assigned"
	NotifyCompleted = "task.completed"
)

// Task states.
const (
	StateOpen      = "open"
	StateClaimed   = "claimed"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

const (
	minPriority     = 1
	maxPriority     = 10
	defaultPriority = 5
)

func init() {
	mod.DefaultLoader.Register(ModID, func() mod.Mod { return New() })
}

// Task is one delegated unit of work.
type Task struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Requester   string         `json:"requester"`
	Assignee    string         `json:"assignee,omitempty"`
	Priority    int            `json:"priority"`
	State       string         `json:"state"`
	Result      map[string]any `json:"result,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	CreatedAt   float64        `json:"created_at"`
	Deadline    float64        `json:"deadline,omitempty"` // unix seconds; 0 = none
	seq         int
}

func (t *Task) asMap() map[string]any {
	out := map[string]any{
		"task_id":    t.ID,
		"title":      t.Title,
		"requester":  t.Requester,
		"priority":   t.Priority,
		"state":      t.State,
		"created_at": t.CreatedAt,
	}
	if t.Description != "" {
		out["description"] = t.Description
	}
	if t.Assignee != "" {
		out["assignee"] = t.Assignee
	}
	if t.Result != nil {
		out["result"] = t.Result
	}
	if t.Reason != "" {
		out["reason"] = t.Reason
	}
	if t.Deadline != 0 {
		out["deadline"] = t.Deadline
	}
	return out
}

// openQueue orders open tasks by priority (highest first), FIFO within a
// priority. Entries are lazily invalidated: a popped task is only served if
// it is still open.
type openQueue []*Task

func (q openQueue) Len() int { return len(q) }
func (q openQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].seq < q[j].seq
}
func (q openQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *openQueue) Push(x any)   { *q = append(*q, x.(*Task)) }
func (q *openQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// Mod is the delegation mod.
type Mod struct {
	mod.Base

	tasks   map[string]*Task
	order   []string
	open    openQueue
	nextSeq int

	deadline  time.Duration // default deadline for new tasks; 0 = none
	stateFile string
}

// New creates an uninitialized delegation mod.
func New() *Mod {
	return &Mod{tasks: make(map[string]*Task)}
}

// ID implements mod.Mod.
func (m *Mod) ID() string { return ModID }

// Manifest implements mod.Mod.
func (m *Mod) Manifest() mod.Manifest {
	return mod.Manifest{
		ID:            ModID,
		Name:          "Task Delegation",
		Version:       "1.0.0",
		Description:   "Prioritized task hand-off between agents",
		EventPrefixes: []string{"task."},
		Operations: []string{
			EventTaskCreate, EventTaskClaimNext, EventTaskComplete,
			EventTaskFail, EventTaskCancel, EventTaskGet, EventTaskList,
		},
	}
}

// Initialize implements mod.Mod.
func (m *Mod) Initialize(ctx context.Context, mc mod.Context) error {
	m.Bind(mc)
	m.deadline = time.Duration(mc.Config.Int("deadline_seconds", 0)) * time.Second
	m.stateFile = filepath.Join(mc.StateDir, "state.json")
	m.loadState()
	return nil
}

// Shutdown snapshots state to disk.
func (m *Mod) Shutdown(ctx context.Context) error {
	return m.saveState()
}

// Tick fails open tasks whose deadline has passed.
func (m *Mod) Tick(now time.Time) {
	nowSec := float64(now.UnixNano()) / 1e9
	for _, t := range m.tasks {
		if t.State == StateOpen && t.Deadline != 0 && nowSec > t.Deadline {
			t.State = StateFailed
			t.Reason = "task_deadline_exceeded"
			m.notify(NotifyCompleted, t.Requester, t)
		}
	}
}

// ProcessEvent implements mod.Mod.
func (m *Mod) ProcessEvent(ev *event.Event) mod.Verdict {
	if !strings.HasPrefix(ev.Name, "task.") {
		return mod.PassVerdict()
	}
	switch ev.Name {
	case NotifyAssigned, NotifyCompleted:
		return mod.PassVerdict()
	case EventTaskCreate:
		return m.handleCreate(ev)
	case EventTaskClaimNext:
		return m.handleClaimNext(ev)
	case EventTaskComplete:
		return m.handleComplete(ev)
	case EventTaskFail:
		return m.handleFail(ev)
	case EventTaskCancel:
		return m.handleCancel(ev)
	case EventTaskGet:
		return m.handleGet(ev)
	case EventTaskList:
		return m.handleList(ev)
	default:
		return fail(event.CodeInvalidEvent, "unknown task operation %q", ev.Name)
	}
}

func (m *Mod) handleCreate(ev *event.Event) mod.Verdict {
	title := payloadString(ev, "title")
	if title == "" {
		return fail(event.CodeInvalidEvent, "title is required")
	}
	priority := payloadInt(ev, "priority")
	if priority == 0 {
		priority = defaultPriority
	}
	if priority < minPriority || priority > maxPriority {
		return fail(event.CodeInvalidEvent, "priority must be between %d and %d", minPriority, maxPriority)
	}

	t := &Task{
		ID:          uuid.NewString(),
		Title:       title,
		Description: payloadString(ev, "description"),
		Requester:   ev.SourceID,
		Priority:    priority,
		State:       StateOpen,
		CreatedAt:   ev.Timestamp,
		seq:         m.nextSeq,
	}
	m.nextSeq++

	if secs := payloadInt(ev, "deadline_seconds"); secs > 0 {
		t.Deadline = ev.Timestamp + float64(secs)
	} else if m.deadline > 0 {
		t.Deadline = ev.Timestamp + m.deadline.Seconds()
	}

	if assignee := payloadString(ev, "assignee"); assignee != "" {
		t.Assignee = assignee
		t.State = StateClaimed
	}

	m.tasks[t.ID] = t
	m.order = append(m.order, t.ID)
	if t.State == StateOpen {
		heap.Push(&m.open, t)
	} else {
		m.notify(NotifyAssigned, t.Assignee, t)
	}
	return ok(t.asMap())
}

func (m *Mod) handleClaimNext(ev *event.Event) mod.Verdict {
	// An agent never claims its own task: skipped entries are held aside
	// and requeued so other agents can still claim them.
	var skipped []*Task
	var claimed *Task
	for m.open.Len() > 0 {
		t := heap.Pop(&m.open).(*Task)
		if t.State != StateOpen {
			continue // invalidated entry
		}
		if t.Requester == ev.SourceID {
			skipped = append(skipped, t)
			continue
		}
		claimed = t
		break
	}
	for _, t := range skipped {
		heap.Push(&m.open, t)
	}
	if claimed == nil {
		return fail("no_open_tasks", "no open tasks to claim")
	}
	claimed.State = StateClaimed
	claimed.Assignee = ev.SourceID
	m.notify(NotifyAssigned, claimed.Assignee, claimed)
	return ok(claimed.asMap())
}

func (m *Mod) handleComplete(ev *event.Event) mod.Verdict {
	t, okT := m.tasks[payloadString(ev, "task_id")]
	if !okT {
		return fail("task_not_found", "task not found")
	}
	if t.State != StateClaimed {
		return fail("invalid_state", "task is %s, not claimed", t.State)
	}
	if t.Assignee != ev.SourceID {
		return fail(event.CodeNotAuthorized, "only the assignee may complete a task")
	}
	t.State = StateCompleted
	if result, okR := ev.Payload["result"].(map[string]any); okR {
		t.Result = result
	}
	m.notify(NotifyCompleted, t.Requester, t)
	return ok(t.asMap())
}

func (m *Mod) handleFail(ev *event.Event) mod.Verdict {
	t, okT := m.tasks[payloadString(ev, "task_id")]
	if !okT {
		return fail("task_not_found", "task not found")
	}
	if t.State != StateClaimed && t.State != StateOpen {
		return fail("invalid_state", "task is %s", t.State)
	}
	if t.State == StateClaimed && t.Assignee != ev.SourceID {
		return fail(event.CodeNotAuthorized, "only the assignee may fail a claimed task")
	}
	t.State = StateFailed
	t.Reason = payloadString(ev, "reason")
	m.notify(NotifyCompleted, t.Requester, t)
	return ok(t.asMap())
}

func (m *Mod) handleCancel(ev *event.Event) mod.Verdict {
	t, okT := m.tasks[payloadString(ev, "task_id")]
	if !okT {
		return fail("task_not_found", "task not found")
	}
	if t.Requester != ev.SourceID {
		return fail(event.CodeNotAuthorized, "only the requester may cancel a task")
	}
	if t.State != StateOpen && t.State != StateClaimed {
		return fail("invalid_state", "task is %s", t.State)
	}
	previousAssignee := t.Assignee
	t.State = StateCancelled
	if previousAssignee != "" {
		m.notify(NotifyCompleted, previousAssignee, t)
	}
	return ok(t.asMap())
}

func (m *Mod) handleGet(ev *event.Event) mod.Verdict {
	t, okT := m.tasks[payloadString(ev, "task_id")]
	if !okT {
		return fail("task_not_found", "task not found")
	}
	return ok(t.asMap())
}

func (m *Mod) handleList(ev *event.Event) mod.Verdict {
	state := payloadString(ev, "state")
	agent := payloadString(ev, "agent_id")

	items := make([]any, 0, len(m.order))
	for _, id := range m.order {
		t := m.tasks[id]
		if state != "" && t.State != state {
			continue
		}
		if agent != "" && t.Requester != agent && t.Assignee != agent {
			continue
		}
		items = append(items, t.asMap())
	}
	return ok(map[string]any{"tasks": items, "count": len(items)})
}

// notify sends a private task lifecycle event to one agent.
func (m *Mod) notify(name, agentID string, t *Task) {
	if agentID == "" {
		return
	}
	ev, err := event.New(name, t.Requester,
		event.WithSourceType(event.SourceMod),
		event.WithDestination(event.AgentDestination(agentID)),
		event.WithVisibility(event.VisibilityPrivate),
		event.WithAllowedAgents(agentID),
		event.WithRelevantMod(ModID),
		event.WithPayload(t.asMap()),
	)
	if err != nil {
		return
	}
	m.Emit(ev)
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
