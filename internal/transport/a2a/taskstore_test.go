package a2a

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStoreLifecycle(t *testing.T) {
	s := NewTaskStore(10)
	task := s.Create("ctx-1", Message{Role: "user", Parts: []Part{{Type: "text", Text: "hi"}}})

	assert.Equal(t, StateSubmitted, task.State)
	assert.Equal(t, "ctx-1", task.ContextID)
	require.Len(t, task.History, 1)

	t.Run("transition from an expected state applies", func(t *testing.T) {
		require.True(t, s.Transition(task.ID, StateWorking, "routing", StateSubmitted))
		got, err := s.Get(task.ID)
		require.NoError(t, err)
		assert.Equal(t, StateWorking, got.State)
		assert.Equal(t, "routing", got.Status.Message)
	})

	t.Run("transition from an unexpected state is ignored", func(t *testing.T) {
		assert.False(t, s.Transition(task.ID, StateCompleted, "", StateSubmitted))
		got, _ := s.Get(task.ID)
		assert.Equal(t, StateWorking, got.State)
	})

	t.Run("artifacts and history accumulate", func(t *testing.T) {
		s.AddArtifact(task.ID, Artifact{Name: "response", Parts: []Part{{Type: "text", Text: "ok"}}})
		s.AppendHistory(task.ID, Message{Role: "agent", Parts: []Part{{Type: "text", Text: "done"}}})
		got, _ := s.Get(task.ID)
		require.Len(t, got.Artifacts, 1)
		assert.Len(t, got.History, 2)
	})

	t.Run("unknown task", func(t *testing.T) {
		_, err := s.Get("missing")
		assert.ErrorIs(t, err, ErrTaskNotFound)
		assert.False(t, s.Transition("missing", StateWorking, "", StateSubmitted))
	})
}

func TestTaskStoreCancel(t *testing.T) {
	s := NewTaskStore(10)
	task := s.Create("", Message{Role: "user"})

	got, err := s.Cancel(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCanceled, got.State)

	t.Run("terminal tasks are not cancellable", func(t *testing.T) {
		_, err := s.Cancel(task.ID)
		assert.ErrorIs(t, err, ErrTaskNotCancellable)
	})

	t.Run("completed tasks are not cancellable", func(t *testing.T) {
		done := s.Create("", Message{Role: "user"})
		s.Transition(done.ID, StateWorking, "", StateSubmitted)
		s.Transition(done.ID, StateCompleted, "", StateWorking)
		_, err := s.Cancel(done.ID)
		assert.ErrorIs(t, err, ErrTaskNotCancellable)
	})

	t.Run("unknown task", func(t *testing.T) {
		_, err := s.Cancel("missing")
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})
}

func TestTaskStoreEviction(t *testing.T) {
	s := NewTaskStore(2)
	first := s.Create("", Message{Role: "user"})
	second := s.Create("", Message{Role: "user"})

	// Touching first makes second the eviction candidate.
	_, err := s.Get(first.ID)
	require.NoError(t, err)

	third := s.Create("", Message{Role: "user"})

	_, err = s.Get(second.ID)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = s.Get(first.ID)
	assert.NoError(t, err)
	_, err = s.Get(third.ID)
	assert.NoError(t, err)

	t.Run("list is most recently used first", func(t *testing.T) {
		tasks := s.List()
		require.Len(t, tasks, 2)
		assert.Equal(t, third.ID, tasks[0].ID)
	})
}

func TestTaskSnapshotIsolation(t *testing.T) {
	s := NewTaskStore(10)
	task := s.Create("", Message{Role: "user"})

	snap, err := s.Get(task.ID)
	require.NoError(t, err)
	snap.History = append(snap.History, Message{Role: "agent"})
	snap.State = StateFailed

	got, _ := s.Get(task.ID)
	assert.Len(t, got.History, 1)
	assert.Equal(t, StateSubmitted, got.State)
}
