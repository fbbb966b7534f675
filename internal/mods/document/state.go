package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// snapshot is the state.json shape. Session state (open handles, cursors,
// locks) is deliberately excluded.
type snapshot struct {
	Documents []*Document `json:"documents"`
}

func (m *Mod) saveState() error {
	snap := snapshot{Documents: make([]*Document, 0, len(m.docs))}
	for _, d := range m.docs {
		snap.Documents = append(snap.Documents, d)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding document state: %w", err)
	}
	if err := os.WriteFile(m.stateFile, data, 0o644); err != nil {
		return fmt.Errorf("writing document state: %w", err)
	}
	return nil
}

func (m *Mod) loadState() {
	data, err := os.ReadFile(m.stateFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.Log().Warn("reading document state failed", zap.Error(err))
		}
		return
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		m.Log().Warn("parsing document state failed, starting empty", zap.Error(err))
		return
	}
	for _, d := range snap.Documents {
		if d == nil || d.ID == "" {
			continue
		}
		// Session maps are not persisted; rebuild them empty.
		d.Locks = make(map[int]*lineLock)
		d.Cursors = make(map[string]int)
		d.Open = make(map[string]bool)
		if d.Comments == nil {
			d.Comments = make(map[string]*Comment)
		}
		if d.Permissions == nil {
			d.Permissions = map[string]string{d.Creator: PermAdmin}
		}
		m.docs[d.ID] = d
	}
	m.Log().Info("document state restored", zap.Int("documents", len(snap.Documents)))
}
