package forum

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
)

type snapshot struct {
	Topics   []*Topic                  `json:"topics"`
	Comments map[string][]*Comment     `json:"comments,omitempty"`
	Votes    map[string]map[string]int `json:"votes,omitempty"`
}

func (m *Mod) saveState() error {
	snap := snapshot{
		Comments: m.comments,
		Votes:    m.votes,
	}
	for _, id := range m.topicOrder {
		if t := m.topics[id]; t != nil {
			snap.Topics = append(snap.Topics, t)
		}
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding forum state: %w", err)
	}
	if err := os.WriteFile(m.stateFile, data, 0o644); err != nil {
		return fmt.Errorf("writing forum state: %w", err)
	}
	return nil
}

func (m *Mod) loadState() {
	data, err := os.ReadFile(m.stateFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.Log().Warn("reading forum state failed", zap.Error(err))
		}
		return
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		m.Log().Warn("parsing forum state failed, starting empty", zap.Error(err))
		return
	}
	for _, t := range snap.Topics {
		if t != nil && t.ID != "" {
			m.topics[t.ID] = t
			m.topicOrder = append(m.topicOrder, t.ID)
		}
	}
	if snap.Comments != nil {
		m.comments = snap.Comments
	}
	if snap.Votes != nil {
		m.votes = snap.Votes
	}
	m.Log().Info("forum state restored", zap.Int("topics", len(snap.Topics)))
}
