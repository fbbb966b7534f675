package a2a

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskNotCancellable is returned when a task is in a terminal state.
	ErrTaskNotCancellable = errors.New("task not cancellable")
)

// Task states. Transitions: submitted -> working -> completed|failed, and
// any cancellable state -> canceled.
const (
	StateSubmitted     = "submitted"
	StateWorking       = "working"
	StateInputRequired = "input_required"
	StateCompleted     = "completed"
	StateFailed        = "failed"
	StateCanceled      = "canceled"
)

// Message is one entry in a task's conversation history.
type Message struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Part is a message or artifact content part.
type Part struct {
	Type string         `json:"type"`
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// Artifact is a task output.
type Artifact struct {
	Name  string `json:"name,omitempty"`
	Parts []Part `json:"parts"`
}

// Status is a task state snapshot.
type Status struct {
	State     string `json:"state"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message,omitempty"`
}

// Task tracks the lifecycle of one inbound message/send.
type Task struct {
	ID        string     `json:"id"`
	ContextID string     `json:"contextId,omitempty"`
	State     string     `json:"state"`
	History   []Message  `json:"history,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	Status    Status     `json:"status"`
}

func cancellable(state string) bool {
	switch state {
	case StateSubmitted, StateWorking, StateInputRequired:
		return true
	}
	return false
}

// TaskStore holds tasks in a bounded LRU: inserting past capacity evicts
// the least recently touched task.
type TaskStore struct {
	mu       sync.Mutex
	capacity int
	order    *list.List               // front = most recent
	elems    map[string]*list.Element // task id -> element holding *Task
}

// NewTaskStore creates a store with the given capacity (minimum 1).
func NewTaskStore(capacity int) *TaskStore {
	if capacity < 1 {
		capacity = 1
	}
	return &TaskStore{
		capacity: capacity,
		order:    list.New(),
		elems:    make(map[string]*list.Element),
	}
}

// Create inserts a new submitted task and returns its snapshot.
func (s *TaskStore) Create(contextID string, initial Message) Task {
	t := &Task{
		ID:        uuid.NewString(),
		ContextID: contextID,
		State:     StateSubmitted,
		History:   []Message{initial},
		Status:    statusNow(StateSubmitted, ""),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elems[t.ID] = s.order.PushFront(t)
	for s.order.Len() > s.capacity {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.elems, oldest.Value.(*Task).ID)
	}
	return t.snapshot()
}

// Get returns a snapshot and marks the task recently used.
func (s *TaskStore) Get(id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.elems[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	s.order.MoveToFront(el)
	return el.Value.(*Task).snapshot(), nil
}

// List returns snapshots of all stored tasks, most recently used first.
func (s *TaskStore) List() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, s.order.Len())
	for el := s.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Task).snapshot())
	}
	return out
}

// Transition moves a task from one of the expected states to next. It
// reports whether the transition was applied; a task no longer in an
// expected state (for example, canceled concurrently) is left alone.
func (s *TaskStore) Transition(id, next, statusMessage string, expected ...string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.elems[id]
	if !ok {
		return false
	}
	t := el.Value.(*Task)
	for _, want := range expected {
		if t.State == want {
			t.State = next
			t.Status = statusNow(next, statusMessage)
			return true
		}
	}
	return false
}

// Cancel transitions a task to canceled iff it is in a cancellable state.
func (s *TaskStore) Cancel(id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.elems[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	t := el.Value.(*Task)
	if !cancellable(t.State) {
		return Task{}, ErrTaskNotCancellable
	}
	t.State = StateCanceled
	t.Status = statusNow(StateCanceled, "canceled by request")
	return t.snapshot(), nil
}

// AppendHistory adds a message to the task's conversation.
func (s *TaskStore) AppendHistory(id string, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.elems[id]; ok {
		t := el.Value.(*Task)
		t.History = append(t.History, msg)
	}
}

// AddArtifact attaches an output artifact to the task.
func (s *TaskStore) AddArtifact(id string, artifact Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.elems[id]; ok {
		t := el.Value.(*Task)
		t.Artifacts = append(t.Artifacts, artifact)
	}
}

func statusNow(state, message string) Status {
	return Status{State: state, Timestamp: time.Now().UTC().Format(time.RFC3339), Message: message}
}

func (t *Task) snapshot() Task {
	out := *t
	out.History = make([]Message, len(t.History))
	copy(out.History, t.History)
	out.Artifacts = make([]Artifact, len(t.Artifacts))
	copy(out.Artifacts, t.Artifacts)
	return out
}
