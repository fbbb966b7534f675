// Package httppoll implements the HTTP transport: agents register, send
// events, and long-poll a per-agent outbound queue over plain JSON
// endpoints.
package httppoll

import (
	"context"
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
)

// TransportName identifies this transport in bindings and the descriptor.
const TransportName = "http"

// Binding marks an agent as reachable through the poll queues. It carries
// no session state; the queue manager holds the actual FIFO.
type Binding struct {
	AgentID string
}

// TransportName implements topology.Binding.
func (Binding) TransportName() string { return TransportName }

// Transport is the poll-mode HTTP transport.
type Transport struct {
	host      string
	port      int
	authToken string
	rateRPS   float64
	rateBurst int

	deps   transport.Deps
	log    *logger.Logger
	server *http.Server
}

// New builds the transport from its descriptor entry.
func New(host string, spec config.TransportSpec) *Transport {
	return &Transport{
		host:      spec.Config.String("host", host),
		port:      spec.Config.Int("port", 8700),
		authToken: spec.Config.String("auth_token", ""),
		rateRPS:   float64(spec.Config.Int("rate_limit_rps", 0)),
		rateBurst: spec.Config.Int("rate_limit_burst", 0),
	}
}

// Name implements transport.Transport.
func (t *Transport) Name() string { return TransportName }

// Bind implements transport.Transport.
func (t *Transport) Bind(deps transport.Deps) {
	t.deps = deps
	t.log = deps.Log.WithTransport(TransportName)
	if t.authToken == "" {
		t.authToken = deps.Config.Auth.Token
	}
}

// Start listens on the configured port. The bind error is returned
// synchronously so the launcher can exit 2.
func (t *Transport) Start(ctx context.Context) error {
	engine := t.buildEngine()
	addr := fmt.Sprintf("%s:%d", t.host, t.port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http transport bind %s: %w", addr, err)
	}
	t.server = &http.Server{Handler: engine}

	go func() {
		t.log.Info("http transport listening", zap.String("addr", addr))
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error("http transport serve error", zap.Error(err))
		}
	}()
	return nil
}

func (t *Transport) buildEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.CORS())
	engine.Use(httpmw.RequestLogger(t.log, "http-transport"))
	engine.Use(httpmw.OtelTracing("http-transport"))
	engine.Use(httpmw.RateLimit(t.rateRPS, t.rateBurst))
	engine.Use(httpmw.BearerAuth(t.authToken, "/api/health"))

	engine.GET("/api/health", t.handleHealth)
	engine.POST("/api/register", t.handleRegister)
	engine.POST("/api/unregister", t.handleUnregister)
	engine.POST("/api/send_event", t.handleSendEvent)
	engine.GET("/api/poll", t.handlePoll)
	return engine
}

// Deliver enqueues the event on the recipient's poll queue.
func (t *Transport) Deliver(ev *event.Event, binding topology.Binding) error {
	b, ok := binding.(Binding)
	if !ok {
		return fmt.Errorf("http transport: unexpected binding %T", binding)
	}
	return t.deps.Queues.Enqueue(b.AgentID, ev)
}

// Stop shuts the HTTP server down. Poll waiters are woken by the network
// closing the queues.
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
	reg.Register(config.TransportHTTP, func(spec config.TransportSpec) (transport.Transport, error) {
		return New(host, spec), nil
	})
}
