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

// Package agentcomm maintains the peer agent directory and the
// agent-to-agent request/reply channel. Each agent serves its peers on an
// endpoint derived from its base endpoint with the _AgentRPC suffix so the
// two request spaces can never collide.
package agentcomm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/genesis-rt/genesis/pkg/advertisement"
	"github.com/genesis-rt/genesis/pkg/fabric"
	"github.com/genesis-rt/genesis/pkg/rpc"
)

// DefaultRequestTimeout bounds agent-to-agent calls.
const DefaultRequestTimeout = 25 * time.Second

// RemoteAgent is a peer reachable through agent-to-agent RPC.
type RemoteAgent struct {
	GUID            string
	Name            string
	Endpoint        string // peer-facing endpoint, already suffixed
	Specializations []string
	Capabilities    []string
	Description     string
}

// ErrUnknownAgent reports a request to a guid not present in the
// directory.
type ErrUnknownAgent struct{ GUID string }

func (e *ErrUnknownAgent) Error() string {
	return fmt.Sprintf("agentcomm: unknown agent %q", e.GUID)
}

// Comm is one agent's view of its peers plus the requester/replier pair.
type Comm struct {
	self     fabric.Participant
	endpoint string // this agent's peer-facing endpoint
	fab      fabric.Fabric
	bus      *advertisement.Bus
	logger   *slog.Logger

	replier *rpc.Replier

	mu         sync.RWMutex
	agents     map[string]RemoteAgent
	requesters map[string]*rpc.Requester
	onAdd      []func(RemoteAgent)
	onRemove   []func(RemoteAgent)
}

// Handler serves inbound peer requests.
type Handler func(ctx context.Context, req rpc.Request) ([]byte, int)

// New advertises this agent on the bus, serves its peer endpoint, and
// starts mirroring the peer directory. baseEndpoint is the agent's
// interface-facing endpoint; the peer endpoint is derived from it.
func New(ctx context.Context, f fabric.Fabric, bus *advertisement.Bus, self fabric.Participant, baseEndpoint string, payload advertisement.AgentPayload, handler Handler, logger *slog.Logger) (*Comm, error) {
	if err := fabric.CheckEndpointCollision(baseEndpoint); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	endpoint := fabric.AgentEndpoint(baseEndpoint)

	c := &Comm{
		self:       self,
		endpoint:   endpoint,
		fab:        f,
		bus:        bus,
		logger:     logger,
		agents:     make(map[string]RemoteAgent),
		requesters: make(map[string]*rpc.Requester),
	}

	replier, err := rpc.Serve(ctx, f, endpoint, self.GUID, rpc.Handler(handler), rpc.WithReplierLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("agentcomm: serve %q: %w", endpoint, err)
	}
	c.replier = replier

	// The advertisement carries the interface-facing endpoint; peers derive
	// the suffixed endpoint locally.
	payload.Endpoint = baseEndpoint
	if err := bus.AdvertiseAgent(ctx, payload); err != nil {
		replier.Close(ctx)
		return nil, fmt.Errorf("agentcomm: advertise: %w", err)
	}

	bus.Subscribe(advertisement.KindAgent, advertisement.Handlers{
		OnAdd:    c.ingest,
		OnUpdate: c.ingest,
		OnRemove: c.evict,
	})
	return c, nil
}

// Endpoint returns this agent's peer-facing endpoint.
func (c *Comm) Endpoint() string { return c.endpoint }

// Agents returns a snapshot of the peer directory, excluding self.
func (c *Comm) Agents() []RemoteAgent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]RemoteAgent, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, a)
	}
	return out
}

// Lookup returns one peer by guid.
func (c *Comm) Lookup(guid string) (RemoteAgent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.agents[guid]
	return a, ok
}

// OnAgentDiscovered invokes cb for every currently-known peer first, then
// for each future addition.
func (c *Comm) OnAgentDiscovered(cb func(RemoteAgent)) {
	c.mu.Lock()
	catchup := make([]RemoteAgent, 0, len(c.agents))
	for _, a := range c.agents {
		catchup = append(catchup, a)
	}
	c.onAdd = append(c.onAdd, cb)
	c.mu.Unlock()
	for _, a := range catchup {
		cb(a)
	}
}

// OnAgentRemoved invokes cb once per departing peer.
func (c *Comm) OnAgentRemoved(cb func(RemoteAgent)) {
	c.mu.Lock()
	c.onRemove = append(c.onRemove, cb)
	c.mu.Unlock()
}

// SendAgentRequest routes one request to a peer by guid, honoring timeout,
// and returns the reply payload and status.
func (c *Comm) SendAgentRequest(ctx context.Context, targetGUID string, payload []byte, timeout time.Duration) ([]byte, int, error) {
	c.mu.RLock()
	target, ok := c.agents[targetGUID]
	c.mu.RUnlock()
	if !ok {
		return nil, 1, &ErrUnknownAgent{GUID: targetGUID}
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	req, err := c.requester(ctx, target)
	if err != nil {
		return nil, 1, err
	}
	if err := req.Connect(ctx, timeout); err != nil {
		return nil, 1, err
	}
	return req.Call(ctx, payload, timeout)
}

// requester returns the cached requester for a peer, creating it lazily.
func (c *Comm) requester(ctx context.Context, target RemoteAgent) (*rpc.Requester, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.requesters[target.GUID]; ok {
		return r, nil
	}
	r, err := rpc.NewRequester(ctx, c.fab, target.Endpoint, c.self.GUID, rpc.WithRequesterLogger(c.logger))
	if err != nil {
		return nil, fmt.Errorf("agentcomm: requester for %q: %w", target.GUID, err)
	}
	c.requesters[target.GUID] = r
	return r, nil
}

func (c *Comm) ingest(ad advertisement.Advertisement) {
	if ad.AdvertiserGUID == c.self.GUID {
		return
	}
	payload, err := ad.Agent()
	if err != nil {
		c.logger.Error("agent advertisement rejected", "key", ad.Key, "payload", string(ad.Payload), "err", err)
		return
	}
	agent := RemoteAgent{
		GUID:            ad.AdvertiserGUID,
		Name:            payload.Name,
		Endpoint:        fabric.AgentEndpoint(payload.Endpoint),
		Specializations: payload.Specializations,
		Capabilities:    payload.Capabilities,
		Description:     payload.Description,
	}
	c.mu.Lock()
	_, existed := c.agents[agent.GUID]
	c.agents[agent.GUID] = agent
	cbs := append([]func(RemoteAgent){}, c.onAdd...)
	c.mu.Unlock()
	if existed {
		return
	}
	for _, cb := range cbs {
		cb(agent)
	}
}

func (c *Comm) evict(ad advertisement.Advertisement) {
	c.mu.Lock()
	agent, ok := c.agents[ad.AdvertiserGUID]
	if ok {
		delete(c.agents, ad.AdvertiserGUID)
	}
	req := c.requesters[ad.AdvertiserGUID]
	delete(c.requesters, ad.AdvertiserGUID)
	cbs := append([]func(RemoteAgent){}, c.onRemove...)
	c.mu.Unlock()
	if req != nil {
		req.Close(context.Background())
	}
	if !ok {
		return
	}
	for _, cb := range cbs {
		cb(agent)
	}
}

// Close disposes the agent advertisement and stops serving peers.
func (c *Comm) Close(ctx context.Context) {
	if err := c.bus.Dispose(ctx, advertisement.AgentKey(c.self.GUID)); err != nil {
		c.logger.Error("dispose agent advertisement failed", "guid", c.self.GUID, "err", err)
	}
	c.replier.Close(ctx)
	c.mu.Lock()
	reqs := make([]*rpc.Requester, 0, len(c.requesters))
	for _, r := range c.requesters {
		reqs = append(reqs, r)
	}
	c.requesters = make(map[string]*rpc.Requester)
	c.mu.Unlock()
	var g errgroup.Group
	for _, r := range reqs {
		r := r
		g.Go(func() error {
			r.Close(ctx)
			return nil
		})
	}
	_ = g.Wait()
}
