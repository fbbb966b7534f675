// Package main implements a minimal example agent: it registers over the
// HTTP poll transport, long-polls its queue, logs every event it receives,
// and answers agent.ping with agent.pong. Useful for smoke-testing a
// running network.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/openagents/openagents/internal/common/logger"
	"github.com/openagents/openagents/internal/event"
	"github.com/openagents/openagents/pkg/client"
	"github.com/openagents/openagents/pkg/wire"
)

func main() {
	server := flag.String("server", "http://localhost:8700", "HTTP poll transport base URL")
	agentID := flag.String("agent-id", "", "agent identifier (default: example-<pid>)")
	subscriptions := flag.String("subscriptions", "", "comma-separated event name patterns")
	token := flag.String("token", "", "bearer token, if the network requires one")
	pollWait := flag.Duration("poll-wait", 25*time.Second, "long-poll wait per request")
	flag.Parse()

	if *agentID == "" {
		*agentID = fmt.Sprintf("example-%d", os.Getpid())
	}

	log, err := logger.New(logger.Config{Level: "info", Format: "console"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log = log.WithAgentID(*agentID)

	var opts []client.Option
	if *token != "" {
		opts = append(opts, client.WithBearerToken(*token))
	}
	c := client.New(*server, opts...)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var patterns []string
	for _, p := range strings.Split(*subscriptions, ",") {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}

	if err := c.Register(ctx, wire.RegisterRequest{
		AgentID:       *agentID,
		Capabilities:  []string{"ping"},
		Subscriptions: patterns,
		Reclaim:       true,
	}); err != nil {
		log.Error("Registration failed", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Registered", zap.String("server", *server), zap.Strings("subscriptions", patterns))

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Unregister(ctx, *agentID); err != nil {
			log.Warn("Unregister failed", zap.Error(err))
		}
	}()

	for {
		events, err := c.Poll(ctx, *agentID, 0, *pollWait)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("Shutting down")
				return
			}
			if errors.Is(err, client.ErrUnknownAgent) {
				log.Error("Agent evicted from network")
				return
			}
			log.Warn("Poll failed, retrying", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		for _, ev := range events {
			handle(ctx, c, log, *agentID, ev)
		}
	}
}

func handle(ctx context.Context, c *client.Client, log *logger.Logger, agentID string, ev *event.Event) {
	log.Info("Event received",
		zap.String("event_name", ev.Name),
		zap.String("source_id", ev.SourceID),
		zap.Any("payload", ev.Payload))

	if ev.Name != "agent.ping" {
		return
	}

	pong, err := event.New("agent.pong", agentID,
		event.WithDestination(event.AgentDestination(ev.SourceID)),
		event.WithVisibility(event.VisibilityPrivate),
		event.WithAllowedAgents(ev.SourceID),
		event.WithResponseTo(ev.ID),
		event.WithPayload(map[string]any{"pinged_at": ev.Timestamp}),
	)
	if err != nil {
		log.Warn("Building pong failed", zap.Error(err))
		return
	}
	if _, err := c.SendEvent(ctx, pong); err != nil {
		log.Warn("Sending pong failed", zap.Error(err))
	}
}
