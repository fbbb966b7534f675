// Package a2a implements the agent-to-agent transport: a JSON-RPC 2.0
// dialect over HTTP exposing a task model for inbound messages, an agent
// discovery card, and remote-peer announcement so events can be delivered
// to other networks by outbound message/send calls.
package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openagents/openagents/internal/common/config"
	"github.com/openagents/openagents/internal/common/httpmw"
	"github.com/openagents/openagents/internal/common/logger"
	"github.com/openagents/openagents/internal/event"
	"github.com/openagents/openagents/internal/topology"
	"github.com/openagents/openagents/internal/transport"
	"github.com/openagents/openagents/pkg/jsonrpc"
)

// TransportName identifies this transport in bindings.
const TransportName = "a2a"

// ProtocolVersion is the A2A protocol version advertised on the agent card.
const ProtocolVersion = "0.3"

// Custom JSON-RPC error codes in the implementation-defined range.
const (
	CodeAuthRequired       = -32001
	CodeTaskNotFound       = -32002
	CodeTaskNotCancellable = -32003
)

// RemoteBinding marks an agent as a remote peer reachable by outbound
// message/send POSTs.
type RemoteBinding struct {
	AgentID string
	URL     string
}

// TransportName implements topology.Binding.
func (RemoteBinding) TransportName() string { return TransportName }

// Transport is the A2A transport.
type Transport struct {
	host      string
	port      int
	authToken string

	deps   transport.Deps
	log    *logger.Logger
	server *http.Server
	tasks  *TaskStore
	client *http.Client
}

// New builds the transport from its descriptor entry.
func New(host string, spec config.TransportSpec) *Transport {
	return &Transport{
		host:      spec.Config.String("host", host),
		port:      spec.Config.Int("port", 8800),
		authToken: spec.Config.String("auth_token", ""),
		tasks:     NewTaskStore(spec.Config.Int("task_capacity", 1000)),
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Name implements transport.Transport.
func (t *Transport) Name() string { return TransportName }

// Bind implements transport.Transport.
func (t *Transport) Bind(deps transport.Deps) {
	t.deps = deps
	t.log = deps.Log.WithTransport(TransportName)
}

// Start listens on the configured port.
func (t *Transport) Start(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.CORS())
	engine.Use(httpmw.RequestLogger(t.log, "a2a-transport"))
	engine.Use(httpmw.OtelTracing("a2a-transport"))

	engine.POST("/a2a", t.handleRPC)
	engine.GET("/.well-known/agent.json", t.handleAgentCard)

	addr := fmt.Sprintf("%s:%d", t.host, t.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("a2a transport bind %s: %w", addr, err)
	}
	t.server = &http.Server{Handler: engine}

	go func() {
		t.log.Info("a2a transport listening", zap.String("addr", addr))
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error("a2a transport serve error", zap.Error(err))
		}
	}()
	return nil
}

// handleRPC decodes one JSON-RPC request and dispatches it.
func (t *Transport) handleRPC(c *gin.Context) {
	if t.authToken != "" {
		header := c.GetHeader("Authorization")
		if header != "Bearer "+t.authToken {
			c.JSON(http.StatusOK, jsonrpc.NewError(nil, CodeAuthRequired, "authentication required", jsonrpc.DataAuthRequired))
			return
		}
	}

	var req jsonrpc.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, jsonrpc.NewError(nil, jsonrpc.CodeParseError, "parse error", nil))
		return
	}

	resp := t.dispatch(c.Request.Context(), &req)
	if resp == nil {
		// Notification: no response body.
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Deliver sends the event to a remote peer as an outbound message/send.
func (t *Transport) Deliver(ev *event.Event, binding topology.Binding) error {
	b, ok := binding.(RemoteBinding)
	if !ok {
		return fmt.Errorf("a2a transport: unexpected binding %T", binding)
	}

	params := map[string]any{
		"message": map[string]any{
			"role": "agent",
			"parts": []map[string]any{
				{"type": "data", "data": ev.ToMap()},
			},
		},
		"contextId": ev.ID,
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	body, err := json.Marshal(jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      ev.ID,
		Method:  "message/send",
		Params:  raw,
	})
	if err != nil {
		return err
	}

	resp, err := t.client.Post(b.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("a2a delivery to %s: %w", b.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("a2a delivery to %s: status %d", b.URL, resp.StatusCode)
	}
	return nil
}

// Stop shuts the server down.
func (t *Transport) Stop(graceful bool, timeout time.Duration) error {
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

// Register wires the builder into a transport registry.
func Register(reg *transport.Registry, host string) {
	reg.Register(config.TransportA2A, func(spec config.TransportSpec) (transport.Transport, error) {
		return New(host, spec), nil
	})
}
