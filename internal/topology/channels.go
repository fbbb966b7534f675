package topology

// JoinChannel adds an agent to a channel, creating the channel on first use.
func (t *Topology) JoinChannel(channel, agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	members, ok := t.channels[channel]
	if !ok {
		members = make(map[string]bool)
		t.channels[channel] = members
	}
	members[agentID] = true
}

// LeaveChannel removes an agent from a channel. Idempotent.
func (t *Topology) LeaveChannel(channel, agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.channels[channel], agentID)
}

// ChannelMembers returns the live members of a channel in registration
// order. Members without a live agent record are filtered out.
func (t *Topology) ChannelMembers(channel string) []string {
	t.mu.RLock()
	members := t.channels[channel]
	records := make([]*AgentRecord, 0, len(members))
	for id := range members {
		if rec, ok := t.agents[id]; ok {
			records = append(records, rec)
		}
	}
	t.mu.RUnlock()

	sortBySeq(records)
	out := make([]string, len(records))
	for i, rec := range records {
		out[i] = rec.AgentID
	}
	return out
}

// Channels returns the names of all known channels.
func (t *Topology) Channels() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.channels))
	for name := range t.channels {
		out = append(out, name)
	}
	return out
}
