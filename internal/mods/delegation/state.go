package delegation

import (
	"container/heap"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
)

type snapshot struct {
	Tasks []*Task `json:"tasks"`
}

func (m *Mod) saveState() error {
	snap := snapshot{Tasks: make([]*Task, 0, len(m.order))}
	for _, id := range m.order {
		if t := m.tasks[id]; t != nil {
			snap.Tasks = append(snap.Tasks, t)
		}
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding delegation state: %w", err)
	}
	if err := os.WriteFile(m.stateFile, data, 0o644); err != nil {
		return fmt.Errorf("writing delegation state: %w", err)
	}
	return nil
}

func (m *Mod) loadState() {
	data, err := os.ReadFile(m.stateFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.Log().Warn("reading delegation state failed", zap.Error(err))
		}
		return
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		m.Log().Warn("parsing delegation state failed, starting empty", zap.Error(err))
		return
	}
	for _, t := range snap.Tasks {
		if t == nil || t.ID == "" {
			continue
		}
		t.seq = m.nextSeq
		m.nextSeq++
		m.tasks[t.ID] = t
		m.order = append(m.order, t.ID)
		if t.State == StateOpen {
			heap.Push(&m.open, t)
		}
	}
	m.Log().Info("delegation state restored", zap.Int("tasks", len(snap.Tasks)))
}
