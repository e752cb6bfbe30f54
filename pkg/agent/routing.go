// Copyright 2025 The Genesis Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/genesis-rt/genesis/pkg/agentcomm"
	"github.com/genesis-rt/genesis/pkg/functions"
	"github.com/genesis-rt/genesis/pkg/llm"
	"github.com/genesis-rt/genesis/pkg/rpc"
	"github.com/genesis-rt/genesis/pkg/service"
)

// toolBinding resolves one tool name in the current window to its route.
type toolBinding struct {
	kind string // "internal", "agent", "function"

	internal InternalTool

	// agent route
	targetGUID string

	// function route
	functionID string
	endpoint   string
}

// composeTools assembles the request's tool window: internal methods,
// remote functions, and peer agents, with unique names. Schemas are
// synthesized fresh per request and never cached across requests.
func (a *Agent) composeTools(rc *requestContext) ([]llm.ToolSchema, map[string]toolBinding) {
	bindings := make(map[string]toolBinding)
	var defs []llm.ToolSchema

	claim := func(base, guid string) string {
		name := base
		if _, taken := bindings[name]; taken {
			name = base + "_" + shortGUID(guid)
		}
		return name
	}

	internalDefs := a.internal.ensure()
	for _, name := range sortedKeys(internalDefs) {
		tool, _ := a.internal.lookup(name)
		defs = append(defs, internalDefs[name])
		bindings[name] = toolBinding{kind: "internal", internal: tool}
	}

	fns := a.functions.Get()
	for _, id := range sortedKeys(fns) {
		fn := fns[id]
		name := claim(sanitizeToolName(fn.Name), fn.ProviderGUID)
		params := parameterMap(fn)
		defs = append(defs, llm.ToolSchema{
			Name:        name,
			Description: fn.Description,
			Parameters:  params,
		})
		bindings[name] = toolBinding{
			kind:       "function",
			functionID: fn.FunctionID,
			endpoint:   fn.Endpoint,
		}
	}

	peers := a.comm.Agents()
	sort.Slice(peers, func(i, j int) bool { return peers[i].GUID < peers[j].GUID })
	for _, peer := range peers {
		name := claim(peerToolName(peer), peer.GUID)
		defs = append(defs, llm.ToolSchema{
			Name:        name,
			Description: peerToolDescription(peer),
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"message": map[string]any{
						"type":        "string",
						"description": "The request to forward to the agent.",
					},
				},
				"required": []string{"message"},
			},
		})
		bindings[name] = toolBinding{kind: "agent", targetGUID: peer.GUID}
	}

	return defs, bindings
}

// peerToolName derives a stable tool name from the peer's capabilities,
// not its name, so prompts stay stable when agents are renamed. The name
// is the fallback for peers advertising no capabilities.
func peerToolName(peer agentcomm.RemoteAgent) string {
	if len(peer.Capabilities) > 0 {
		return "ask_" + sanitizeToolName(peer.Capabilities[0])
	}
	return "ask_" + sanitizeToolName(peer.Name)
}

func peerToolDescription(peer agentcomm.RemoteAgent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Delegate a request to the %s agent.", peer.Name)
	if len(peer.Capabilities) > 0 {
		fmt.Fprintf(&b, " Capabilities: %s.", strings.Join(peer.Capabilities, ", "))
	}
	if peer.Description != "" {
		b.WriteString(" ")
		b.WriteString(peer.Description)
	}
	return b.String()
}

// routeToolCall dispatches one call and returns the serialized
// tool-response content. Errors become error content; they never abort
// the loop.
func (a *Agent) routeToolCall(ctx context.Context, rc *requestContext, bindings map[string]toolBinding, call llm.ToolCall) string {
	binding, ok := bindings[call.Name]
	if !ok {
		err := &UnknownToolError{Tool: call.Name}
		a.logger.Warn("tool call to unknown tool", "agent", a.cfg.Name, "chain_id", rc.chainID, "tool", call.Name)
		return errorContent(err)
	}

	switch binding.kind {
	case "internal":
		return a.callInternal(ctx, rc, binding.internal, call)
	case "agent":
		return a.callPeer(ctx, rc, binding, call)
	case "function":
		return a.callFunction(ctx, rc, binding, call)
	default:
		return errorContent(fmt.Errorf("agent: unroutable tool %q", call.Name))
	}
}

func (a *Agent) callInternal(ctx context.Context, rc *requestContext, tool InternalTool, call llm.ToolCall) (content string) {
	defer func() {
		if rec := recover(); rec != nil {
			a.logger.Error("internal tool panicked", "agent", a.cfg.Name, "tool", call.Name,
				"chain_id", rc.chainID, "args", call.Args, "panic", rec)
			content = errorContent(fmt.Errorf("internal tool %q panicked: %v", call.Name, rec))
		}
	}()
	result, err := tool.Handler(ctx, call.Args)
	if err != nil {
		a.logger.Error("internal tool failed", "agent", a.cfg.Name, "tool", call.Name, "chain_id", rc.chainID, "err", err)
		return errorContent(err)
	}
	return resultContent(result)
}

// observeTool reports one remote route phase to the monitoring wrapper.
func (a *Agent) observeTool(ctx context.Context, rc *requestContext, kind, target, operation, phase string, status int, duration time.Duration) {
	if a.toolObserver != nil {
		a.toolObserver(ctx, rc.chainID, kind, target, operation, phase, status, duration)
	}
}

func (a *Agent) callPeer(ctx context.Context, rc *requestContext, binding toolBinding, call llm.ToolCall) string {
	message, _ := call.Args["message"].(string)
	if message == "" {
		err := &ToolArgumentError{Tool: call.Name, Message: "missing required string parameter \"message\""}
		a.logger.Warn("peer tool call missing message", "agent", a.cfg.Name, "tool", call.Name, "chain_id", rc.chainID)
		return errorContent(err)
	}
	payload, err := json.Marshal(Request{
		Message:        message,
		ConversationID: rc.chainID,
		SourceAgent:    a.self.GUID,
		Metadata:       map[string]string{"chain_id": rc.chainID},
	})
	if err != nil {
		return errorContent(err)
	}
	started := time.Now()
	a.observeTool(ctx, rc, "agent", binding.targetGUID, call.Name, "call", 0, 0)
	raw, status, err := a.comm.SendAgentRequest(ctx, binding.targetGUID, payload, a.cfg.AgentTimeout)
	if err != nil {
		a.observeTool(ctx, rc, "agent", binding.targetGUID, call.Name, "result", 1, time.Since(started))
		a.logger.Error("peer request failed", "agent", a.cfg.Name, "target", binding.targetGUID, "chain_id", rc.chainID, "err", err)
		return errorContent(err)
	}
	a.observeTool(ctx, rc, "agent", binding.targetGUID, call.Name, "result", status, time.Since(started))
	var reply Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return errorContent(fmt.Errorf("agent: unparseable peer reply: %w", err))
	}
	if status != rpc.StatusOK {
		return errorContent(fmt.Errorf("agent: peer replied with status %d: %s", status, reply.Message))
	}
	return reply.Message
}

func (a *Agent) callFunction(ctx context.Context, rc *requestContext, binding toolBinding, call llm.ToolCall) string {
	fn, ok := a.functions.Lookup(binding.functionID)
	if !ok {
		// The function left the directory between composition and routing.
		err := fmt.Errorf("agent: function %q no longer available", binding.functionID)
		a.logger.Warn("function disappeared", "agent", a.cfg.Name, "function", binding.functionID, "chain_id", rc.chainID)
		return errorContent(err)
	}
	payload, err := json.Marshal(service.Invocation{
		FunctionID: fn.FunctionID,
		Arguments:  call.Args,
		ChainID:    rc.chainID,
		SourceGUID: a.self.GUID,
	})
	if err != nil {
		return errorContent(err)
	}
	requester, err := a.functionRequester(ctx, fn)
	if err != nil {
		a.logger.Error("function requester failed", "agent", a.cfg.Name, "function", fn.FunctionID, "err", err)
		return errorContent(err)
	}
	if err := requester.Connect(ctx, a.cfg.FunctionTimeout); err != nil {
		a.logger.Error("function connect failed", "agent", a.cfg.Name, "function", fn.FunctionID, "chain_id", rc.chainID, "err", err)
		return errorContent(err)
	}
	started := time.Now()
	a.observeTool(ctx, rc, "function", fn.ProviderGUID, fn.Name, "call", 0, 0)
	raw, status, err := requester.Call(ctx, payload, a.cfg.FunctionTimeout)
	if err != nil {
		a.observeTool(ctx, rc, "function", fn.ProviderGUID, fn.Name, "result", 1, time.Since(started))
		a.logger.Error("function call failed", "agent", a.cfg.Name, "function", fn.FunctionID, "chain_id", rc.chainID, "err", err)
		return errorContent(err)
	}
	a.observeTool(ctx, rc, "function", fn.ProviderGUID, fn.Name, "result", status, time.Since(started))
	var result service.InvocationResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return errorContent(fmt.Errorf("agent: unparseable function result: %w", err))
	}
	if status != rpc.StatusOK || result.Error != "" {
		return errorContent(fmt.Errorf("agent: function %q failed: %s", fn.Name, result.Error))
	}
	return resultContent(result.Result)
}

func (a *Agent) functionRequester(ctx context.Context, fn functions.Function) (*rpc.Requester, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.requesters[fn.Endpoint]; ok {
		return r, nil
	}
	r, err := rpc.NewRequester(ctx, a.fab, fn.Endpoint, a.self.GUID, rpc.WithRequesterLogger(a.logger))
	if err != nil {
		return nil, err
	}
	a.requesters[fn.Endpoint] = r
	return r, nil
}

// errorContent serializes an error into a structured tool-response body.
func errorContent(err error) string {
	raw, merr := json.Marshal(map[string]string{"status": "error", "error": err.Error()})
	if merr != nil {
		return `{"status":"error"}`
	}
	return string(raw)
}

// resultContent serializes a tool result. Bare strings pass through so
// peer replies read naturally in the conversation.
func resultContent(result any) string {
	if s, ok := result.(string); ok {
		return s
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(raw)
}

func parameterMap(fn functions.Function) map[string]any {
	if len(fn.ParameterSchema) > 0 {
		var params map[string]any
		if err := json.Unmarshal(fn.ParameterSchema, &params); err == nil && params != nil {
			return params
		}
	}
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

// sanitizeToolName lowercases and snake-cases a human name into a tool
// identifier.
func sanitizeToolName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '.', r == '/':
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "tool"
	}
	return b.String()
}

func shortGUID(guid string) string {
	cleaned := strings.ReplaceAll(guid, "-", "")
	if len(cleaned) > 8 {
		cleaned = cleaned[:8]
	}
	return cleaned
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
