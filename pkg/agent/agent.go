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

// Package agent implements the Genesis agent: a provider-agnostic
// orchestrator that discovers its tool window from the fabric, drives the
// multi-turn tool-calling loop, routes tool calls to remote functions,
// peer agents, or internal methods, and records the conversation in the
// memory adapter. The monitoring wrapper in monitored.go adds topology and
// chain events without changing pipeline behavior.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/genesis-rt/genesis/pkg/advertisement"
	"github.com/genesis-rt/genesis/pkg/agentcomm"
	"github.com/genesis-rt/genesis/pkg/fabric"
	"github.com/genesis-rt/genesis/pkg/functions"
	"github.com/genesis-rt/genesis/pkg/llm"
	"github.com/genesis-rt/genesis/pkg/memory"
	"github.com/genesis-rt/genesis/pkg/rpc"
)

const (
	// DefaultMaxTurns bounds the tool loop per request.
	DefaultMaxTurns = 5
	// DefaultMemoryWindow is how many recent items feed the context.
	DefaultMemoryWindow = 100
	// DefaultFunctionTimeout bounds one function RPC.
	DefaultFunctionTimeout = 20 * time.Second
	// DefaultAgentTimeout bounds one peer-agent RPC.
	DefaultAgentTimeout = 25 * time.Second
)

// Request is the payload an interface or a peer agent sends.
type Request struct {
	Message        string            `json:"message"`
	ConversationID string            `json:"conversation_id,omitempty"`
	SourceAgent    string            `json:"source_agent,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Reply is the payload sent back. Status zero is success; nonzero carries
// a human-readable failure message.
type Reply struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// Config configures a Genesis agent.
type Config struct {
	// Name is the agent's advertised name.
	Name string
	// Endpoint is the interface-facing endpoint; the peer-facing endpoint
	// is derived from it. Defaults to Name.
	Endpoint        string
	Description     string
	Specializations []string
	Capabilities    []string

	// Provider is the LLM adapter. Required.
	Provider llm.Provider
	// Memory is the conversation store. Defaults to an in-process window.
	Memory memory.Adapter

	// MaxTurns bounds the tool loop. Defaults to DefaultMaxTurns.
	MaxTurns int
	// MemoryWindow is the number of recent items replayed as context.
	MemoryWindow int
	// GeneralPrompt is the system prompt with an empty tool window.
	GeneralPrompt string
	// FunctionPrompt is the system prompt when tools are available.
	FunctionPrompt string

	// FunctionTimeout bounds function RPCs; AgentTimeout bounds peer RPCs.
	FunctionTimeout time.Duration
	AgentTimeout    time.Duration

	Logger *slog.Logger
}

func (c *Config) setDefaults() error {
	if c.Name == "" {
		return fmt.Errorf("agent: name is required")
	}
	if c.Provider == nil {
		return fmt.Errorf("agent: provider is required")
	}
	if c.Endpoint == "" {
		c.Endpoint = c.Name
	}
	if c.Memory == nil {
		c.Memory = memory.NewWorking(memory.WorkingConfig{})
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = DefaultMaxTurns
	}
	if c.MemoryWindow <= 0 {
		c.MemoryWindow = DefaultMemoryWindow
	}
	if c.GeneralPrompt == "" {
		c.GeneralPrompt = defaultGeneralPrompt
	}
	if c.FunctionPrompt == "" {
		c.FunctionPrompt = defaultFunctionPrompt
	}
	if c.FunctionTimeout <= 0 {
		c.FunctionTimeout = DefaultFunctionTimeout
	}
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = DefaultAgentTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Agent is the provider-agnostic orchestrator.
type Agent struct {
	cfg    Config
	self   fabric.Participant
	fab    fabric.Fabric
	logger *slog.Logger

	bus       *advertisement.Bus
	comm      *agentcomm.Comm
	functions *functions.Registry
	replier   *rpc.Replier

	internal *internalTools

	mu         sync.Mutex
	requesters map[string]*rpc.Requester // per function endpoint

	// processRequest lets the monitoring wrapper interpose on peer and
	// interface traffic without duplicating the RPC plumbing.
	processRequest func(ctx context.Context, req Request) Reply

	// toolObserver, when set, sees every remote tool route (phase "call"
	// before the RPC, "result" after). Used by the monitoring wrapper.
	toolObserver func(ctx context.Context, chainID, kind, target, operation, phase string, status int, duration time.Duration)
}

// requestContext is the per-request state. One instance per inbound
// request; concurrent requests never share one.
type requestContext struct {
	requestID      string
	chainID        string
	conversationID string
	sourceAgent    string
	turnCount      int
}

// New attaches the agent to the fabric: joins the bus, advertises, serves
// both endpoints, and starts mirroring the peer and function directories.
// Construction fails fast on an endpoint collision, before anything is
// advertised.
func New(ctx context.Context, f fabric.Fabric, cfg Config) (*Agent, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	if err := fabric.CheckEndpointCollision(cfg.Endpoint); err != nil {
		return nil, err
	}

	self := fabric.NewParticipant(fabric.KindAgent, cfg.Name)
	a := &Agent{
		cfg:        cfg,
		self:       self,
		fab:        f,
		logger:     cfg.Logger,
		internal:   newInternalTools(),
		requesters: make(map[string]*rpc.Requester),
	}
	a.processRequest = a.process

	bus, err := advertisement.New(ctx, f, self.GUID, advertisement.WithLogger(cfg.Logger))
	if err != nil {
		return nil, fmt.Errorf("agent: join bus: %w", err)
	}
	a.bus = bus
	a.functions = functions.New(bus, cfg.Logger)

	comm, err := agentcomm.New(ctx, f, bus, self, cfg.Endpoint, advertisement.AgentPayload{
		Name:            cfg.Name,
		Specializations: cfg.Specializations,
		Capabilities:    cfg.Capabilities,
		Description:     cfg.Description,
	}, a.handleRPC, cfg.Logger)
	if err != nil {
		bus.Close()
		return nil, err
	}
	a.comm = comm

	replier, err := rpc.Serve(ctx, f, cfg.Endpoint, self.GUID, a.handleRPC, rpc.WithReplierLogger(cfg.Logger))
	if err != nil {
		comm.Close(ctx)
		bus.Close()
		return nil, fmt.Errorf("agent: serve %q: %w", cfg.Endpoint, err)
	}
	a.replier = replier
	return a, nil
}

// GUID returns the agent's participant guid.
func (a *Agent) GUID() string { return a.self.GUID }

// Name returns the agent's name.
func (a *Agent) Name() string { return a.cfg.Name }

// Comm exposes the peer directory (used by the monitoring wrapper).
func (a *Agent) Comm() *agentcomm.Comm { return a.comm }

// Functions exposes the function directory (used by the monitoring
// wrapper).
func (a *Agent) Functions() *functions.Registry { return a.functions }

// RegisterInternalTool adds a method to the agent's own tool window. The
// schema map is rebuilt lazily on the next request.
func (a *Agent) RegisterInternalTool(tool InternalTool) error {
	return a.internal.register(tool)
}

// handleRPC decodes one inbound request (interface- or peer-originated)
// and runs the pipeline.
func (a *Agent) handleRPC(ctx context.Context, rpcReq rpc.Request) ([]byte, int) {
	var req Request
	if err := json.Unmarshal(rpcReq.Payload, &req); err != nil {
		a.logger.Error("unparseable agent request", "agent", a.cfg.Name, "payload", string(rpcReq.Payload), "err", err)
		reply := Reply{Message: "unparseable request: " + err.Error(), Status: 1}
		raw, _ := json.Marshal(reply)
		return raw, reply.Status
	}
	reply := a.processRequest(ctx, req)
	raw, err := json.Marshal(reply)
	if err != nil {
		a.logger.Error("encode reply failed", "agent", a.cfg.Name, "err", err)
		return []byte(`{"message":"internal error","status":1}`), 1
	}
	return raw, reply.Status
}

// ProcessRequest runs the full pipeline for one request and returns the
// reply. Concurrent calls each own an independent request context.
func (a *Agent) ProcessRequest(ctx context.Context, req Request) Reply {
	return a.processRequest(ctx, req)
}

func (a *Agent) process(ctx context.Context, req Request) Reply {
	rc := a.newRequestContext(req)

	tools, bindings := a.composeTools(rc)

	systemPrompt := a.cfg.FunctionPrompt
	if len(tools) == 0 {
		systemPrompt = a.cfg.GeneralPrompt
	}

	// Context excerpt is read before the user turn is recorded so the
	// formatted messages carry the new input exactly once.
	excerpt, err := a.cfg.Memory.Retrieve(ctx, rc.conversationID, a.cfg.MemoryWindow)
	if err != nil {
		a.logger.Error("memory retrieve failed", "agent", a.cfg.Name, "conversation", rc.conversationID, "err", err)
		excerpt = nil
	}
	a.remember(ctx, rc, memory.Item{Role: memory.RoleUser, Content: req.Message})

	messages := a.cfg.Provider.FormatMessages(req.Message, systemPrompt, excerpt)

	if len(tools) == 0 {
		return a.noToolPath(ctx, rc, messages)
	}
	return a.toolLoop(ctx, rc, messages, tools, bindings)
}

// noToolPath performs a single model call and stores the reply.
func (a *Agent) noToolPath(ctx context.Context, rc *requestContext, messages []llm.Message) Reply {
	resp, err := a.cfg.Provider.Call(ctx, messages, nil, a.cfg.Provider.ToolChoicePolicy())
	if err != nil {
		a.logger.Error("model call failed", "agent", a.cfg.Name, "chain_id", rc.chainID, "err", err)
		return Reply{Message: "model invocation failed: " + err.Error(), Status: 1}
	}
	text := a.cfg.Provider.ExtractText(resp)
	a.remember(ctx, rc, memory.Item{Role: memory.RoleAssistant, Content: text})
	return Reply{Message: text, Status: rpc.StatusOK}
}

// loopState is the multi-turn state machine of one request.
type loopState int

const (
	stateThinking loopState = iota
	stateExecuting
	stateDone
	stateFailed
)

// toolLoop drives the bounded THINKING / EXECUTING_TOOLS cycle. The
// tool-choice policy stays auto on every turn so the model can always
// produce the terminal text turn.
func (a *Agent) toolLoop(ctx context.Context, rc *requestContext, messages []llm.Message, tools []llm.ToolSchema, bindings map[string]toolBinding) Reply {
	provider := a.cfg.Provider
	state := stateThinking
	var pending []llm.ToolCall
	var lastText string

	for {
		switch state {
		case stateThinking:
			resp, err := provider.Call(ctx, messages, tools, llm.ToolChoiceAuto)
			if err != nil {
				a.logger.Error("model call failed", "agent", a.cfg.Name, "chain_id", rc.chainID, "turn", rc.turnCount, "err", err)
				return Reply{Message: "model invocation failed: " + err.Error(), Status: 1}
			}
			text := provider.ExtractText(resp)
			calls := provider.ExtractToolCalls(resp)

			if len(calls) == 0 {
				a.remember(ctx, rc, memory.Item{Role: memory.RoleAssistant, Content: text})
				state = stateDone
				lastText = text
				continue
			}

			messages = append(messages, provider.BuildAssistantTurn(resp))
			if text != "" {
				lastText = text
			}
			a.remember(ctx, rc, memory.Item{Role: memory.RoleAssistantTool, Content: serializeCalls(calls)})
			pending = calls
			state = stateExecuting

		case stateExecuting:
			// Tool responses are appended in call order; that order is
			// what the next model call sees.
			for _, call := range pending {
				content := a.routeToolCall(ctx, rc, bindings, call)
				messages = append(messages, llm.ToolResultTurn(call.ID, content))
				a.remember(ctx, rc, memory.Item{Role: memory.RoleTool, Content: content, ToolCallID: call.ID})
			}
			pending = nil
			rc.turnCount++
			if rc.turnCount >= a.cfg.MaxTurns {
				state = stateFailed
				continue
			}
			state = stateThinking

		case stateDone:
			return Reply{Message: lastText, Status: rpc.StatusOK}

		case stateFailed:
			err := &LoopExhaustedError{MaxTurns: a.cfg.MaxTurns}
			a.logger.Warn("tool loop exhausted", "agent", a.cfg.Name, "chain_id", rc.chainID, "max_turns", a.cfg.MaxTurns)
			msg := lastText
			if msg == "" {
				msg = err.Error()
			}
			return Reply{Message: msg, Status: 1}
		}
	}
}

func (a *Agent) newRequestContext(req Request) *requestContext {
	chainID := ""
	if req.Metadata != nil {
		chainID = req.Metadata["chain_id"]
	}
	if chainID == "" {
		chainID = req.ConversationID
	}
	if chainID == "" {
		chainID = uuid.NewString()
	}
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = chainID
	}
	return &requestContext{
		requestID:      uuid.NewString(),
		chainID:        chainID,
		conversationID: conversationID,
		sourceAgent:    req.SourceAgent,
	}
}

// remember writes one item, logging failures: memory trouble must not
// fail the request.
func (a *Agent) remember(ctx context.Context, rc *requestContext, item memory.Item) {
	if err := a.cfg.Memory.Write(ctx, rc.conversationID, item); err != nil {
		a.logger.Error("memory write failed", "agent", a.cfg.Name,
			"conversation", rc.conversationID, "role", item.Role, "err", err)
	}
}

func serializeCalls(calls []llm.ToolCall) string {
	raw, err := json.Marshal(calls)
	if err != nil {
		return ""
	}
	return string(raw)
}

// Shutdown disposes advertisements and stops serving.
func (a *Agent) Shutdown(ctx context.Context) {
	if err := a.bus.DisposeAll(ctx); err != nil {
		a.logger.Error("dispose advertisements failed", "agent", a.cfg.Name, "err", err)
	}
	a.replier.Close(ctx)
	a.comm.Close(ctx)
	a.mu.Lock()
	reqs := make([]*rpc.Requester, 0, len(a.requesters))
	for _, r := range a.requesters {
		reqs = append(reqs, r)
	}
	a.requesters = make(map[string]*rpc.Requester)
	a.mu.Unlock()
	var g errgroup.Group
	for _, r := range reqs {
		r := r
		g.Go(func() error {
			r.Close(ctx)
			return nil
		})
	}
	_ = g.Wait()
	a.bus.Close()
}
