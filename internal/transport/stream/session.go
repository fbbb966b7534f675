package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openagents/openagents/internal/common/logger"
	"github.com/openagents/openagents/internal/event"
	"github.com/openagents/openagents/internal/router"
	"github.com/openagents/openagents/internal/topology"
	"github.com/openagents/openagents/pkg/wire"
)

const (
	// writeWait bounds a single frame write to the peer.
	writeWait = 10 * time.Second
	// sendBuffer is the per-session outbound frame buffer; a slow consumer
	// that fills it starts losing deliveries.
	sendBuffer = 256
)

// Session is one agent's stream. It doubles as the agent's topology
// binding.
type Session struct {
	transport *Transport
	conn      *websocket.Conn
	send      chan []byte
	log       *logger.Logger

	agentID    string
	registered bool
	closeOnce  sync.Once
	done       chan struct{}
}

// TransportName implements topology.Binding.
func (s *Session) TransportName() string { return TransportName }

// CloseBinding implements topology.BindingCloser: a reclaim registration or
// heartbeat eviction tears the old stream down.
func (s *Session) CloseBinding() { s.close() }

func newSession(t *Transport, conn *websocket.Conn) *Session {
	return &Session{
		transport: t,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		log:       t.log,
		done:      make(chan struct{}),
	}
}

// run services the session until the peer disconnects.
func (s *Session) run() {
	go s.writePump()
	s.readPump()
}

// readPump reads frames off the socket. The first frame must be a
// system.register event; everything after flows to the network or router.
func (s *Session) readPump() {
	defer func() {
		s.close()
		if s.registered {
			s.transport.removeSession(s)
			s.transport.deps.Core.UnregisterAgent(s.agentID)
			s.log.Info("stream session closed", zap.String("agent_id", s.agentID))
		}
	}()

	readDeadline := s.transport.heartbeatInterval * 3
	s.conn.SetReadLimit(s.transport.maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(readDeadline))
	s.conn.SetPongHandler(func(string) error {
		s.markAlive()
		return s.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("stream read error", zap.Error(err))
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(readDeadline))

		var frame wire.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.sendResponse("", event.Errorf(event.CodeInvalidEvent, "invalid frame: %v", err))
			continue
		}
		s.handleFrame(&frame)
	}
}

func (s *Session) handleFrame(frame *wire.Frame) {
	switch frame.Type {
	case wire.FrameHeartbeat:
		s.markAlive()
	case wire.FrameEvent:
		ev, err := event.FromMap(frame.Event)
		if err != nil {
			s.sendResponse("", event.Errorf(event.CodeInvalidEvent, "%v", err))
			return
		}
		s.handleEvent(ev)
	default:
		s.sendResponse("", event.Errorf(event.CodeInvalidEvent, "unknown frame type %q", frame.Type))
	}
}

func (s *Session) handleEvent(ev *event.Event) {
	if !s.registered {
		if ev.Name != event.SystemRegister {
			s.sendResponse(ev.ID, event.Errorf(event.CodeNotAuthorized, "first frame must be %s", event.SystemRegister))
			s.close()
			return
		}
		s.register(ev)
		return
	}

	s.markAlive()
	auth := router.AuthInfo{AgentID: s.agentID, Transport: TransportName}
	if event.IsSystem(ev.Name) {
		resp := s.transport.deps.Core.HandleSystem(context.Background(), ev, auth)
		s.sendResponse(ev.ID, resp)
		return
	}

	resp, err := s.transport.deps.Router.Route(context.Background(), ev, auth)
	if err != nil {
		s.sendResponse(ev.ID, event.Errorf(routeErrorCode(err), "%v", err))
		return
	}
	if ev.RequiresResponse {
		s.sendResponse(ev.ID, resp)
	}
}

// register performs the handshake from the client's system.register event.
func (s *Session) register(ev *event.Event) {
	agentID, _ := ev.Payload["agent_id"].(string)
	if agentID == "" {
		agentID = ev.SourceID
	}
	metadata, _ := ev.Payload["metadata"].(map[string]any)
	capabilities := stringSlice(ev.Payload["capabilities"])
	subscriptions := stringSlice(ev.Payload["subscriptions"])
	reclaim, _ := ev.Payload["reclaim"].(bool)

	err := s.transport.deps.Core.RegisterAgent(topology.Registration{
		AgentID:      agentID,
		Metadata:     metadata,
		Capabilities: capabilities,
		Binding:      s,
		Reclaim:      reclaim,
	}, subscriptions)
	if err != nil {
		s.sendResponse(ev.ID, event.Errorf(event.CodeInvalidEvent, "registration failed: %v", err))
		s.close()
		return
	}

	s.agentID = agentID
	s.registered = true
	s.log = s.transport.log.WithAgentID(agentID)
	s.transport.addSession(s)
	s.log.Info("stream session registered", zap.String("agent_id", agentID))
	s.sendResponse(ev.ID, event.OK(map[string]any{
		"agent_id": agentID,
		"network":  s.transport.deps.Network.Name,
	}))
}

func (s *Session) markAlive() {
	if s.registered {
		_ = s.transport.deps.Topology.MarkHeartbeat(s.agentID, time.Now())
	}
}

// sendEvent queues an outbound event frame. Non-blocking; a full buffer
// rejects so the router can log and move on.
func (s *Session) sendEvent(ev *event.Event) error {
	data, err := json.Marshal(wire.Frame{Type: wire.FrameEvent, Event: ev.ToMap()})
	if err != nil {
		return err
	}
	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return errSessionClosed
	default:
		return errSendBufferFull
	}
}

var (
	errSessionClosed  = errors.New("session closed")
	errSendBufferFull = errors.New("session send buffer full")
)

func (s *Session) sendResponse(responseTo string, resp *event.Response) {
	if resp == nil {
		resp = event.OK(nil)
	}
	data, err := json.Marshal(wire.Frame{
		Type:       wire.FrameResponse,
		ResponseTo: responseTo,
		Response: &wire.Response{
			Success:   resp.Success,
			Message:   resp.Message,
			Data:      resp.Data,
			ErrorCode: resp.ErrorCode,
		},
	})
	if err != nil {
		s.log.Error("marshal response frame", zap.Error(err))
		return
	}
	select {
	case s.send <- data:
	case <-s.done:
	default:
		s.log.Warn("session send buffer full, response dropped", zap.String("response_to", responseTo))
	}
}

// writePump drains the send buffer onto the socket and pings the peer every
// heartbeat interval.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.transport.heartbeatInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			// Flush frames queued before the close, then say goodbye. A
			// rejection response sent just before closing must still reach
			// the peer.
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			for {
				select {
				case data := <-s.send:
					if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
			}
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close signals shutdown. The write pump flushes queued frames and closes
// the connection, which in turn unblocks the read pump.
func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func stringSlice(v any) []string {
	switch items := v.(type) {
	case []string:
		return append([]string(nil), items...)
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func routeErrorCode(err error) string {
	switch {
	case errors.Is(err, event.ErrInvalidEvent):
		return event.CodeInvalidEvent
	case errors.Is(err, router.ErrNotAuthorized):
		return event.CodeNotAuthorized
	case errors.Is(err, router.ErrUnavailable):
		return event.CodeUnavailable
	default:
		return event.CodeModRejected
	}
}
