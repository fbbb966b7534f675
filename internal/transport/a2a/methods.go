package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/openagents/openagents/internal/event"
	"github.com/openagents/openagents/internal/router"
	"github.com/openagents/openagents/internal/topology"
	"github.com/openagents/openagents/pkg/jsonrpc"
)

// Method names of the A2A dialect.
const (
	MethodAgentCard      = "agent/card"
	MethodMessageSend    = "message/send"
	MethodTasksGet       = "tasks/get"
	MethodTasksList      = "tasks/list"
	MethodTasksCancel    = "tasks/cancel"
	MethodAgentsAnnounce = "agents/announce"
	MethodAgentsWithdraw = "agents/withdraw"
	MethodAgentsList     = "agents/list"
	MethodEventsSend     = "events/send"
)

func (t *Transport) dispatch(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	switch req.Method {
	case MethodAgentCard:
		return jsonrpc.NewResult(req.ID, t.agentCard())
	case MethodMessageSend:
		return t.messageSend(ctx, req)
	case MethodTasksGet:
		return t.tasksGet(req)
	case MethodTasksList:
		return jsonrpc.NewResult(req.ID, map[string]any{"tasks": t.tasks.List()})
	case MethodTasksCancel:
		return t.tasksCancel(req)
	case MethodAgentsAnnounce:
		return t.agentsAnnounce(req)
	case MethodAgentsWithdraw:
		return t.agentsWithdraw(req)
	case MethodAgentsList:
		return t.agentsList(req)
	case MethodEventsSend:
		return t.eventsSend(ctx, req)
	default:
		return jsonrpc.NewError(req.ID, jsonrpc.CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method), nil)
	}
}

// messageSendParams is the inbound shape of message/send.
type messageSendParams struct {
	Message struct {
		Role  string `json:"role"`
		Parts []Part `json:"parts"`
	} `json:"message"`
	ContextID string `json:"contextId,omitempty"`
}

// messageSend creates a task for the inbound message, routes it as a
// user.message event, and settles the task from the event response.
func (t *Transport) messageSend(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params messageSendParams
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params.Message.Parts) == 0 {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "message with at least one part is required", nil)
	}

	var text string
	for _, part := range params.Message.Parts {
		if part.Type == "text" {
			text += part.Text
		}
	}

	task := t.tasks.Create(params.ContextID, Message{Role: params.Message.Role, Parts: params.Message.Parts})
	t.tasks.Transition(task.ID, StateWorking, "routing message", StateSubmitted)

	ev, err := event.New(event.UserMessage, "a2a:"+task.ID,
		event.WithSourceType(event.SourceNetwork),
		event.WithPayload(map[string]any{
			"text":       text,
			"task_id":    task.ID,
			"context_id": params.ContextID,
			"role":       params.Message.Role,
		}),
		event.WithRequiresResponse(),
	)
	if err != nil {
		t.tasks.Transition(task.ID, StateFailed, err.Error(), StateWorking)
		return t.taskResult(req.ID, task.ID)
	}

	resp, err := t.deps.Router.Route(ctx, ev, router.AuthInfo{Transport: TransportName})
	switch {
	case err != nil:
		t.tasks.Transition(task.ID, StateFailed, err.Error(), StateWorking)
	case resp != nil && !resp.Success:
		t.tasks.AddArtifact(task.ID, responseArtifact(resp))
		t.tasks.Transition(task.ID, StateFailed, resp.Message, StateWorking)
	default:
		if resp != nil {
			t.tasks.AddArtifact(task.ID, responseArtifact(resp))
		}
		// A concurrent tasks/cancel leaves the task canceled; the
		// transition only fires from working.
		t.tasks.Transition(task.ID, StateCompleted, "", StateWorking)
	}
	return t.taskResult(req.ID, task.ID)
}

func responseArtifact(resp *event.Response) Artifact {
	part := Part{Type: "data", Data: map[string]any{
		"success": resp.Success,
	}}
	if resp.Message != "" {
		part.Data["message"] = resp.Message
	}
	if resp.Data != nil {
		part.Data["data"] = resp.Data
	}
	if resp.ErrorCode != "" {
		part.Data["error_code"] = resp.ErrorCode
	}
	return Artifact{Name: "response", Parts: []Part{part}}
}

func (t *Transport) taskResult(id any, taskID string) *jsonrpc.Response {
	task, err := t.tasks.Get(taskID)
	if err != nil {
		return jsonrpc.NewError(id, CodeTaskNotFound, "task not found", jsonrpc.DataTaskNotFound)
	}
	return jsonrpc.NewResult(id, task)
}

type taskIDParams struct {
	ID string `json:"id"`
}

func (t *Transport) tasksGet(req *jsonrpc.Request) *jsonrpc.Response {
	var params taskIDParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == "" {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "task id is required", nil)
	}
	task, err := t.tasks.Get(params.ID)
	if err != nil {
		return jsonrpc.NewError(req.ID, CodeTaskNotFound, "task not found", jsonrpc.DataTaskNotFound)
	}
	return jsonrpc.NewResult(req.ID, task)
}

func (t *Transport) tasksCancel(req *jsonrpc.Request) *jsonrpc.Response {
	var params taskIDParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == "" {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "task id is required", nil)
	}
	task, err := t.tasks.Cancel(params.ID)
	switch {
	case errors.Is(err, ErrTaskNotFound):
		return jsonrpc.NewError(req.ID, CodeTaskNotFound, "task not found", jsonrpc.DataTaskNotFound)
	case errors.Is(err, ErrTaskNotCancellable):
		return jsonrpc.NewError(req.ID, CodeTaskNotCancellable, "task is not cancellable", jsonrpc.DataTaskNotCancellable)
	}
	return jsonrpc.NewResult(req.ID, task)
}

type announceParams struct {
	URL     string           `json:"url"`
	AgentID string           `json:"agent_id"`
	Skills  []topology.Skill `json:"skills,omitempty"`
}

// agentsAnnounce registers a remote peer. It gets no local queue; events
// destined to it go out as message/send POSTs.
func (t *Transport) agentsAnnounce(req *jsonrpc.Request) *jsonrpc.Response {
	var params announceParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URL == "" || params.AgentID == "" {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "url and agent_id are required", nil)
	}

	err := t.deps.Core.RegisterAgent(topology.Registration{
		AgentID:  params.AgentID,
		Metadata: map[string]any{"url": params.URL},
		IsRemote: true,
		Binding:  RemoteBinding{AgentID: params.AgentID, URL: params.URL},
		Reclaim:  true, // re-announcing refreshes the peer's URL
	}, nil)
	if err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, err.Error(), nil)
	}
	if len(params.Skills) > 0 {
		if err := t.deps.Topology.AnnounceSkills(params.AgentID, params.Skills); err != nil {
			t.log.Warn("skill announcement failed", zap.String("agent_id", params.AgentID), zap.Error(err))
		}
	}
	return jsonrpc.NewResult(req.ID, map[string]any{"registered": true, "agent_id": params.AgentID})
}

type withdrawParams struct {
	AgentID string `json:"agent_id"`
}

func (t *Transport) agentsWithdraw(req *jsonrpc.Request) *jsonrpc.Response {
	var params withdrawParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.AgentID == "" {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "agent_id is required", nil)
	}
	t.deps.Core.UnregisterAgent(params.AgentID)
	return jsonrpc.NewResult(req.ID, map[string]any{"withdrawn": true, "agent_id": params.AgentID})
}

type listParams struct {
	IncludeLocal  *bool `json:"include_local,omitempty"`
	IncludeRemote *bool `json:"include_remote,omitempty"`
}

func (t *Transport) agentsList(req *jsonrpc.Request) *jsonrpc.Response {
	params := listParams{}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "invalid params", nil)
		}
	}
	filter := topology.Filter{IncludeLocal: true, IncludeRemote: true}
	if params.IncludeLocal != nil {
		filter.IncludeLocal = *params.IncludeLocal
	}
	if params.IncludeRemote != nil {
		filter.IncludeRemote = *params.IncludeRemote
	}
	return jsonrpc.NewResult(req.ID, map[string]any{"agents": t.deps.Topology.ListAgents(filter)})
}

// eventsSend is the direct pass-through to the router.
func (t *Transport) eventsSend(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var body map[string]any
	if err := json.Unmarshal(req.Params, &body); err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "invalid event params", nil)
	}
	ev, err := event.FromMap(body)
	if err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, err.Error(), nil)
	}

	auth := router.AuthInfo{AgentID: ev.SourceID, Transport: TransportName}
	if event.IsSystem(ev.Name) {
		resp := t.deps.Core.HandleSystem(ctx, ev, auth)
		return jsonrpc.NewResult(req.ID, resp)
	}
	resp, err := t.deps.Router.Route(ctx, ev, auth)
	if err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, err.Error(), nil)
	}
	if resp == nil {
		resp = event.OK(nil)
	}
	return jsonrpc.NewResult(req.ID, resp)
}
