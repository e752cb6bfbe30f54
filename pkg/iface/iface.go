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

// Package iface is the base for user-facing processes: it discovers
// agents, connects to a chosen one, forwards user requests, and publishes
// the interface's corner of the topology.
package iface

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/genesis-rt/genesis/pkg/advertisement"
	"github.com/genesis-rt/genesis/pkg/agent"
	"github.com/genesis-rt/genesis/pkg/fabric"
	"github.com/genesis-rt/genesis/pkg/monitoring"
	"github.com/genesis-rt/genesis/pkg/rpc"
)

// DefaultRequestTimeout bounds interface-to-agent calls.
const DefaultRequestTimeout = 20 * time.Second

// AgentInfo is one discovered agent offered for selection.
type AgentInfo struct {
	GUID            string
	Name            string
	Endpoint        string
	Specializations []string
	Capabilities    []string
	Description     string
}

// Config configures an Interface.
type Config struct {
	Name   string
	Logger *slog.Logger
	// RequestTimeout bounds SendRequest. Defaults to
	// DefaultRequestTimeout.
	RequestTimeout time.Duration
}

// Interface mediates between a user (or external system) and one agent.
type Interface struct {
	self    fabric.Participant
	fab     fabric.Fabric
	bus     *advertisement.Bus
	pub     *monitoring.Publisher
	logger  *slog.Logger
	timeout time.Duration

	mu        sync.RWMutex
	agents    map[string]AgentInfo
	connected *AgentInfo
	requester *rpc.Requester
	onAdd     []func(AgentInfo)
}

// New attaches the interface to the fabric and starts discovering agents.
func New(ctx context.Context, f fabric.Fabric, cfg Config) (*Interface, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("iface: name is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	self := fabric.NewParticipant(fabric.KindInterface, cfg.Name)

	bus, err := advertisement.New(ctx, f, self.GUID, advertisement.WithLogger(cfg.Logger))
	if err != nil {
		return nil, fmt.Errorf("iface: join bus: %w", err)
	}
	pub, err := monitoring.NewPublisher(ctx, f, cfg.Logger)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("iface: monitoring: %w", err)
	}

	i := &Interface{
		self:    self,
		fab:     f,
		bus:     bus,
		pub:     pub,
		logger:  cfg.Logger,
		timeout: cfg.RequestTimeout,
		agents:  make(map[string]AgentInfo),
	}

	bus.Subscribe(advertisement.KindAgent, advertisement.Handlers{
		OnAdd:    i.ingest,
		OnUpdate: i.ingest,
		OnRemove: i.evict,
	})

	if err := pub.PublishNode(ctx, monitoring.Node{
		ID:    self.GUID,
		Type:  monitoring.NodeInterface,
		State: monitoring.StateReady,
		Name:  cfg.Name,
	}); err != nil {
		cfg.Logger.Error("publish interface node failed", "interface", cfg.Name, "err", err)
	}
	return i, nil
}

// GUID returns the interface's participant guid.
func (i *Interface) GUID() string { return i.self.GUID }

// Agents returns the currently discovered agents.
func (i *Interface) Agents() []AgentInfo {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]AgentInfo, 0, len(i.agents))
	for _, a := range i.agents {
		out = append(out, a)
	}
	return out
}

// OnAgentDiscovered invokes cb for every known agent first, then for each
// future addition.
func (i *Interface) OnAgentDiscovered(cb func(AgentInfo)) {
	i.mu.Lock()
	catchup := make([]AgentInfo, 0, len(i.agents))
	for _, a := range i.agents {
		catchup = append(catchup, a)
	}
	i.onAdd = append(i.onAdd, cb)
	i.mu.Unlock()
	for _, a := range catchup {
		cb(a)
	}
}

// ConnectToAgent selects an agent by name or guid and connects to its
// interface-facing endpoint, publishing the INTERFACE→AGENT edge.
func (i *Interface) ConnectToAgent(ctx context.Context, nameOrGUID string, timeout time.Duration) error {
	i.mu.RLock()
	var target *AgentInfo
	for _, a := range i.agents {
		if a.GUID == nameOrGUID || a.Name == nameOrGUID {
			t := a
			target = &t
			break
		}
	}
	i.mu.RUnlock()
	if target == nil {
		return fmt.Errorf("iface: agent %q not discovered", nameOrGUID)
	}

	requester, err := rpc.NewRequester(ctx, i.fab, target.Endpoint, i.self.GUID, rpc.WithRequesterLogger(i.logger))
	if err != nil {
		return fmt.Errorf("iface: requester for %q: %w", target.Name, err)
	}
	if err := requester.Connect(ctx, timeout); err != nil {
		requester.Close(ctx)
		return fmt.Errorf("iface: connect to %q: %w", target.Name, err)
	}

	i.mu.Lock()
	if i.requester != nil {
		old := i.requester
		defer old.Close(ctx)
	}
	i.requester = requester
	i.connected = target
	i.mu.Unlock()

	if err := i.pub.PublishEdge(ctx, monitoring.Edge{
		Type:   monitoring.EdgeInterfaceToAgent,
		Source: i.self.GUID,
		Target: target.GUID,
	}); err != nil {
		i.logger.Error("publish interface edge failed", "agent", target.Name, "err", err)
	}
	return nil
}

// Connected returns the currently connected agent.
func (i *Interface) Connected() (AgentInfo, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.connected == nil {
		return AgentInfo{}, false
	}
	return *i.connected, true
}

// SendRequest forwards one user message to the connected agent. START and
// COMPLETE chain events share the request's chain id.
func (i *Interface) SendRequest(ctx context.Context, message, conversationID string) (agent.Reply, error) {
	i.mu.RLock()
	requester := i.requester
	connected := i.connected
	i.mu.RUnlock()
	if requester == nil || connected == nil {
		return agent.Reply{}, fmt.Errorf("iface: not connected to an agent")
	}

	chainID := uuid.NewString()
	if conversationID != "" {
		chainID = conversationID + ":" + chainID
	}
	payload, err := json.Marshal(agent.Request{
		Message:        message,
		ConversationID: conversationID,
		Metadata:       map[string]string{"chain_id": chainID},
	})
	if err != nil {
		return agent.Reply{}, fmt.Errorf("iface: encode request: %w", err)
	}

	started := time.Now()
	i.pub.Activity(ctx, monitoring.Activity{
		ChainID:   chainID,
		Type:      monitoring.ActivityStart,
		Source:    i.self.GUID,
		Target:    connected.GUID,
		Operation: "send_request",
	})

	raw, status, err := requester.Call(ctx, payload, i.timeout)
	if err != nil {
		i.pub.Activity(ctx, monitoring.Activity{
			ChainID:    chainID,
			Type:       monitoring.ActivityError,
			Source:     i.self.GUID,
			Target:     connected.GUID,
			Operation:  "send_request",
			Status:     1,
			DurationMS: time.Since(started).Milliseconds(),
			Error:      err.Error(),
		})
		return agent.Reply{}, err
	}

	var reply agent.Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return agent.Reply{}, fmt.Errorf("iface: unparseable reply: %w", err)
	}
	if reply.Status == 0 && status != 0 {
		reply.Status = status
	}
	i.pub.Activity(ctx, monitoring.Activity{
		ChainID:    chainID,
		Type:       monitoring.ActivityComplete,
		Source:     i.self.GUID,
		Target:     connected.GUID,
		Operation:  "send_request",
		Status:     reply.Status,
		DurationMS: time.Since(started).Milliseconds(),
	})
	return reply, nil
}

func (i *Interface) ingest(ad advertisement.Advertisement) {
	payload, err := ad.Agent()
	if err != nil {
		i.logger.Error("agent advertisement rejected", "key", ad.Key, "payload", string(ad.Payload), "err", err)
		return
	}
	info := AgentInfo{
		GUID:            ad.AdvertiserGUID,
		Name:            payload.Name,
		Endpoint:        payload.Endpoint,
		Specializations: payload.Specializations,
		Capabilities:    payload.Capabilities,
		Description:     payload.Description,
	}
	i.mu.Lock()
	_, existed := i.agents[info.GUID]
	i.agents[info.GUID] = info
	cbs := append([]func(AgentInfo){}, i.onAdd...)
	i.mu.Unlock()
	if existed {
		return
	}
	for _, cb := range cbs {
		cb(info)
	}
}

func (i *Interface) evict(ad advertisement.Advertisement) {
	i.mu.Lock()
	delete(i.agents, ad.AdvertiserGUID)
	disconnect := i.connected != nil && i.connected.GUID == ad.AdvertiserGUID
	var requester *rpc.Requester
	if disconnect {
		requester = i.requester
		i.requester = nil
		i.connected = nil
	}
	i.mu.Unlock()
	if requester != nil {
		requester.Close(context.Background())
		i.logger.Warn("connected agent left the fabric", "guid", ad.AdvertiserGUID)
	}
}

// Shutdown disposes topology and leaves the fabric.
func (i *Interface) Shutdown(ctx context.Context) {
	i.pub.DisposeAll(ctx)
	if err := i.bus.DisposeAll(ctx); err != nil {
		i.logger.Error("dispose failed", "interface", i.self.Name, "err", err)
	}
	i.mu.Lock()
	requester := i.requester
	i.requester = nil
	i.mu.Unlock()
	if requester != nil {
		requester.Close(ctx)
	}
	i.bus.Close()
}
