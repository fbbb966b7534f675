package httppoll

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openagents/openagents/internal/event"
	"github.com/openagents/openagents/internal/queue"
	"github.com/openagents/openagents/internal/router"
	"github.com/openagents/openagents/internal/topology"
	"github.com/openagents/openagents/pkg/wire"
)

func (t *Transport) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": t.deps.Network.Name})
}

func (t *Transport) handleRegister(c *gin.Context) {
	var req wire.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, wire.Ack{Success: false, Message: "invalid request body"})
		return
	}
	if req.AgentID == "" {
		c.JSON(http.StatusBadRequest, wire.Ack{Success: false, Message: "agent_id is required"})
		return
	}

	// Queue first so an event routed between registration and the first
	// poll is not lost.
	hadQueue := t.deps.Queues.Has(req.AgentID)
	t.deps.Queues.Ensure(req.AgentID)
	err := t.deps.Core.RegisterAgent(topology.Registration{
		AgentID:      req.AgentID,
		Metadata:     req.Metadata,
		Capabilities: req.Capabilities,
		Binding:      Binding{AgentID: req.AgentID},
		Reclaim:      req.Reclaim,
	}, req.Subscriptions)
	if err != nil {
		// Drop the queue only if this request created it; a failed duplicate
		// registration must not tear down the live session's queue.
		if !hadQueue {
			t.deps.Queues.Close(req.AgentID)
		}
		status := http.StatusConflict
		if !errors.Is(err, topology.ErrAgentExists) && !errors.Is(err, topology.ErrIDClaimed) {
			status = http.StatusBadRequest
		}
		c.JSON(status, wire.Ack{Success: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, wire.Ack{Success: true, Message: "registered"})
}

func (t *Transport) handleUnregister(c *gin.Context) {
	var req wire.UnregisterRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AgentID == "" {
		c.JSON(http.StatusBadRequest, wire.Ack{Success: false, Message: "agent_id is required"})
		return
	}
	t.deps.Core.UnregisterAgent(req.AgentID)
	t.deps.Queues.Close(req.AgentID)
	c.JSON(http.StatusOK, wire.Ack{Success: true})
}

func (t *Transport) handleSendEvent(c *gin.Context) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, wire.SendResult{Success: false, Message: "invalid event body", ErrorCode: event.CodeInvalidEvent})
		return
	}
	ev, err := event.FromMap(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, wire.SendResult{Success: false, Message: err.Error(), ErrorCode: event.CodeInvalidEvent})
		return
	}

	auth := router.AuthInfo{AgentID: ev.SourceID, Transport: TransportName}
	if event.IsSystem(ev.Name) {
		resp := t.deps.Core.HandleSystem(c.Request.Context(), ev, auth)
		c.JSON(http.StatusOK, toSendResult(resp))
		return
	}

	resp, err := t.deps.Router.Route(c.Request.Context(), ev, auth)
	if err != nil {
		c.JSON(statusFor(err), wire.SendResult{Success: false, Message: err.Error(), ErrorCode: codeFor(err)})
		return
	}
	if resp == nil {
		c.JSON(http.StatusOK, wire.SendResult{Success: true})
		return
	}
	c.JSON(http.StatusOK, toSendResult(resp))
}

func (t *Transport) handlePoll(c *gin.Context) {
	agentID := c.Query("agent_id")
	if agentID == "" {
		c.JSON(http.StatusBadRequest, wire.PollResult{Success: false, Message: "agent_id is required"})
		return
	}
	max, _ := strconv.Atoi(c.DefaultQuery("max", "0"))
	waitMS, _ := strconv.Atoi(c.DefaultQuery("wait_ms", "0"))

	evs, err := t.deps.Queues.Poll(c.Request.Context(), agentID, max, time.Duration(waitMS)*time.Millisecond)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrAgentNotFound):
			c.JSON(http.StatusOK, wire.PollResult{Success: false, Message: "unknown agent"})
		case errors.Is(err, queue.ErrPollBusy):
			c.JSON(http.StatusConflict, wire.PollResult{Success: false, Message: "poll already in progress"})
		default:
			c.JSON(http.StatusInternalServerError, wire.PollResult{Success: false, Message: err.Error()})
		}
		return
	}

	messages := make([]map[string]any, len(evs))
	for i, ev := range evs {
		messages[i] = ev.ToMap()
	}
	c.JSON(http.StatusOK, wire.PollResult{Success: true, Messages: messages})
}

func toSendResult(resp *event.Response) wire.SendResult {
	if resp == nil {
		return wire.SendResult{Success: true}
	}
	return wire.SendResult{
		Success:   resp.Success,
		Message:   resp.Message,
		Data:      resp.Data,
		ErrorCode: resp.ErrorCode,
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, event.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, router.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, router.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, event.ErrInvalidEvent):
		return event.CodeInvalidEvent
	case errors.Is(err, router.ErrNotAuthorized):
		return event.CodeNotAuthorized
	case errors.Is(err, router.ErrUnavailable):
		return event.CodeUnavailable
	default:
		return ""
	}
}
