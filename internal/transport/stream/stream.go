// Package stream implements the streaming transport: one long-lived
// bidirectional WebSocket per agent carrying JSON frames, with a register
// handshake, server pings, and a per-session outbound buffer. The network
// descriptor knows it by its historical type name "grpc".
package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openagents/openagents/internal/common/config"
	"github.com/openagents/openagents/internal/common/httpmw"
	"github.com/openagents/openagents/internal/common/logger"
	"github.com/openagents/openagents/internal/event"
	"github.com/openagents/openagents/internal/topology"
	"github.com/openagents/openagents/internal/transport"
)

// TransportName identifies this transport in bindings.
const TransportName = "stream"

// DefaultMaxMessageSize caps inbound frames at 100 MB.
const DefaultMaxMessageSize = 100 * 1024 * 1024

// Transport is the streaming transport.
type Transport struct {
	host              string
	port              int
	heartbeatInterval time.Duration
	maxMessageSize    int64

	deps     transport.Deps
	log      *logger.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*Session // agent id -> session
}

// New builds the transport from its descriptor entry.
func New(host string, spec config.TransportSpec) *Transport {
	hb := time.Duration(spec.Config.Int("heartbeat_interval", 30)) * time.Second
	maxSize := int64(spec.Config.Int("max_message_size", DefaultMaxMessageSize))
	return &Transport{
		host:              spec.Config.String("host", host),
		port:              spec.Config.Int("port", 8600),
		heartbeatInterval: hb,
		maxMessageSize:    maxSize,
		sessions:          make(map[string]*Session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents connect from arbitrary hosts.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Name implements transport.Transport.
func (t *Transport) Name() string { return TransportName }

// Bind implements transport.Transport.
func (t *Transport) Bind(deps transport.Deps) {
	t.deps = deps
	t.log = deps.Log.WithTransport(TransportName)
}

// Start listens on the configured port and serves /stream upgrades.
func (t *Transport) Start(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.CORS())
	engine.GET("/stream", t.handleStream)
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": t.deps.Network.Name})
	})

	addr := fmt.Sprintf("%s:%d", t.host, t.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("stream transport bind %s: %w", addr, err)
	}
	t.server = &http.Server{Handler: engine}

	go func() {
		t.log.Info("stream transport listening", zap.String("addr", addr))
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error("stream transport serve error", zap.Error(err))
		}
	}()
	return nil
}

func (t *Transport) handleStream(c *gin.Context) {
	conn, err := t.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		t.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s := newSession(t, conn)
	go s.run()
}

// Deliver pushes an event frame onto the session's send buffer.
func (t *Transport) Deliver(ev *event.Event, binding topology.Binding) error {
	s, ok := binding.(*Session)
	if !ok {
		return fmt.Errorf("stream transport: unexpected binding %T", binding)
	}
	return s.sendEvent(ev)
}

// Stop closes all sessions and the listener.
func (t *Transport) Stop(graceful bool, timeout time.Duration) error {
	t.mu.Lock()
	sessions := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.sessions = make(map[string]*Session)
	t.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	if t.server == nil {
		return nil
	}
	if !graceful {
		return t.server.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return t.server.Shutdown(ctx)
}

func (t *Transport) addSession(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[s.agentID] = s
}

func (t *Transport) removeSession(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessions[s.agentID] == s {
		delete(t.sessions, s.agentID)
	}
}

// Register wires the builder into a transport registry under the
// descriptor's legacy "grpc" type.
func Register(reg *transport.Registry, host string) {
	reg.Register(config.TransportStream, func(spec config.TransportSpec) (transport.Transport, error) {
		return New(host, spec), nil
	})
}
