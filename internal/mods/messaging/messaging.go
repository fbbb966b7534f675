// Package messaging implements the threaded chat mod: channel and direct
// messages, replies up to a bounded depth, quoting, reactions, a UUID-keyed
// file store, and paginated retrieval. It absorbs thread.* posts and fans
// them back out as notification events.
package messaging

import (
	"context"
	"path/filepath"
	"sort"
	"strings"

	"github.com/openagents/openagents/internal/event"
	"github.com/openagents/openagents/internal/mod"
)

// ModID is the loader identifier.
const ModID = "openagents.mods.messaging"

// Operation and notification event names.
const (
	EventDirectPost   = "thread.direct_message.post"
	EventChannelPost  = "thread.channel_message.post"
	EventReply        = "thread.message.reply"
	EventReaction     = "thread.reaction"
	EventFileUpload   = "thread.file.upload"
	EventFileDownload = "thread.file.download"
	EventFileList     = "thread.file.list"
	EventFileDelete   = "thread.file.delete"
	EventChannelList  = "thread.channel.list"
	EventChannelInfo  = "thread.channel.info"
	EventRetrieve     = "thread.messages.retrieve"

	NotifyDirect   = "thread.direct_message.notification"
	NotifyChannel  = "thread.channel_message.notification"
	NotifyReply    = "thread.message.reply.notification"
	NotifyReaction = "thread.reaction.notification"
)

const (
	// maxThreadDepth bounds a thread to five messages: a root at level 0
	// and replies through level 4.
	maxThreadDepth = 5
	quoteSnippet   = 100

	defaultRetrieveLimit = 50
	maxRetrieveLimit     = 500
)

func init() {
	mod.DefaultLoader.Register(ModID, func() mod.Mod { return New() })
}

// Mod is the messaging mod. All hooks run under the pipeline's per-mod
// mutex, so state needs no locking.
type Mod struct {
	mod.Base

	store    *store
	files    *fileStore
	channels map[string]bool
	agents   map[string]bool

	stateFile string
}

// New creates an uninitialized messaging mod.
func New() *Mod {
	return &Mod{
		channels: make(map[string]bool),
		agents:   make(map[string]bool),
	}
}

// ID implements mod.Mod.
func (m *Mod) ID() string { return ModID }

// Manifest implements mod.Mod.
func (m *Mod) Manifest() mod.Manifest {
	return mod.Manifest{
		ID:            ModID,
		Name:          "Threaded Messaging",
		Version:       "1.0.0",
		Description:   "Channel and direct messages with threads, reactions, and file sharing",
		EventPrefixes: []string{"thread."},
		Operations: []string{
			EventDirectPost, EventChannelPost, EventReply, EventReaction,
			EventFileUpload, EventFileDownload, EventFileList, EventFileDelete,
			EventChannelList, EventChannelInfo, EventRetrieve,
		},
	}
}

// Initialize implements mod.Mod.
func (m *Mod) Initialize(ctx context.Context, mc mod.Context) error {
	m.Bind(mc)
	m.store = newStore(
		mc.Config.Int("history_limit", 2000),
		mc.Config.Int("history_drop", 200),
	)
	files, err := newFileStore(filepath.Join(mc.StateDir, "files"))
	if err != nil {
		return err
	}
	m.files = files
	m.stateFile = filepath.Join(mc.StateDir, "state.json")

	defaults := mc.Config.StringSlice("default_channels")
	if len(defaults) == 0 {
		defaults = []string{"general"}
	}
	for _, ch := range defaults {
		m.ensureChannel(ch)
	}
	m.loadState()
	return nil
}

// Shutdown snapshots state to disk.
func (m *Mod) Shutdown(ctx context.Context) error {
	return m.saveState()
}

// OnRegisterAgent joins the new agent to every known channel.
func (m *Mod) OnRegisterAgent(agentID string, metadata map[string]any) {
	m.agents[agentID] = true
	net := m.ModContext().Network
	if net == nil {
		return
	}
	for ch := range m.channels {
		net.JoinChannel(ch, agentID)
	}
}

// OnUnregisterAgent forgets the agent. Channel membership is owned by the
// topology and goes away with the record.
func (m *Mod) OnUnregisterAgent(agentID string) {
	delete(m.agents, agentID)
}

// ProcessEvent implements mod.Mod.
func (m *Mod) ProcessEvent(ev *event.Event) mod.Verdict {
	if !strings.HasPrefix(ev.Name, "thread.") {
		return mod.PassVerdict()
	}
	if strings.HasSuffix(ev.Name, ".notification") {
		// Our own fan-out on its way to recipients.
		return mod.PassVerdict()
	}

	switch ev.Name {
	case EventDirectPost:
		return m.handleDirectPost(ev)
	case EventChannelPost:
		return m.handleChannelPost(ev)
	case EventReply:
		return m.handleReply(ev)
	case EventReaction:
		return m.handleReaction(ev)
	case EventFileUpload:
		return m.handleFileUpload(ev)
	case EventFileDownload:
		return m.handleFileDownload(ev)
	case EventFileList:
		return m.handleFileList(ev)
	case EventFileDelete:
		return m.handleFileDelete(ev)
	case EventChannelList:
		return m.handleChannelList(ev)
	case EventChannelInfo:
		return m.handleChannelInfo(ev)
	case EventRetrieve:
		return m.handleRetrieve(ev)
	default:
		return mod.RespondVerdict(event.Errorf(event.CodeInvalidEvent, "unknown thread operation %q", ev.Name))
	}
}

// ensureChannel creates the channel on first use and joins every known
// agent to it (all agents belong to all channels).
func (m *Mod) ensureChannel(name string) {
	if !m.channels[name] {
		m.channels[name] = true
	}
	net := m.ModContext().Network
	if net == nil {
		return
	}
	for agentID := range m.agents {
		net.JoinChannel(name, agentID)
	}
}

func (m *Mod) channelNames() []string {
	out := make([]string, 0, len(m.channels))
	for ch := range m.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}
