package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// snapshot is the state.json shape. File metadata is deliberately excluded:
// the file store is ephemeral.
type snapshot struct {
	Channels  []string                       `json:"channels"`
	Messages  []*Message                     `json:"messages"`
	Reactions map[string]map[string][]string `json:"reactions,omitempty"`
}

// saveState writes the snapshot. Called on shutdown; best-effort.
func (m *Mod) saveState() error {
	snap := snapshot{
		Channels:  m.channelNames(),
		Reactions: make(map[string]map[string][]string),
	}
	for _, id := range m.store.order {
		if msg := m.store.messages[id]; msg != nil {
			snap.Messages = append(snap.Messages, msg)
		}
	}
	for id := range m.store.reactions {
		if summary := m.store.reactionSummary(id); len(summary) > 0 {
			snap.Reactions[id] = summary
		}
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding messaging state: %w", err)
	}
	if err := os.WriteFile(m.stateFile, data, 0o644); err != nil {
		return fmt.Errorf("writing messaging state: %w", err)
	}
	return nil
}

// loadState restores a previous snapshot. Parse errors are logged and
// ignored; the mod starts empty.
func (m *Mod) loadState() {
	data, err := os.ReadFile(m.stateFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.Log().Warn("reading messaging state failed", zap.Error(err))
		}
		return
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		m.Log().Warn("parsing messaging state failed, starting empty", zap.Error(err))
		return
	}

	for _, ch := range snap.Channels {
		m.ensureChannel(ch)
	}
	for _, msg := range snap.Messages {
		if msg != nil && msg.ID != "" {
			m.store.add(msg)
		}
	}
	for id, byReaction := range snap.Reactions {
		for reaction, agents := range byReaction {
			for _, agent := range agents {
				m.store.react(id, reaction, agent, "add")
			}
		}
	}
	m.Log().Info("messaging state restored",
		zap.Int("messages", len(snap.Messages)),
		zap.Int("channels", len(snap.Channels)))
}
