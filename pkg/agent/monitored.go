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
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/genesis-rt/genesis/pkg/agentcomm"
	"github.com/genesis-rt/genesis/pkg/fabric"
	"github.com/genesis-rt/genesis/pkg/functions"
	"github.com/genesis-rt/genesis/pkg/monitoring"
)

// DefaultWarmupWindow is how long a new agent stays DISCOVERING before it
// reports READY. The catch-up pass over the durable directory completes
// within it.
const DefaultWarmupWindow = 2 * time.Second

// MonitoredAgent wraps an Agent with topology and chain-event publishing.
// Monitoring is additive: the wrapped pipeline behaves identically with or
// without it.
type MonitoredAgent struct {
	*Agent

	pub    *monitoring.Publisher
	warmup time.Duration

	tracer          trace.Tracer
	requestCounter  metric.Int64Counter
	requestDuration metric.Float64Histogram
}

// MonitoredConfig configures the wrapper.
type MonitoredConfig struct {
	Agent Config
	// WarmupWindow overrides DefaultWarmupWindow.
	WarmupWindow time.Duration
}

// NewMonitored builds the agent and attaches monitoring: DISCOVERING at
// startup, READY after the warm-up window, BUSY per request, edges on
// every discovery callback.
func NewMonitored(ctx context.Context, f fabric.Fabric, cfg MonitoredConfig) (*MonitoredAgent, error) {
	base, err := New(ctx, f, cfg.Agent)
	if err != nil {
		return nil, err
	}
	pub, err := monitoring.NewPublisher(ctx, f, base.logger)
	if err != nil {
		base.Shutdown(ctx)
		return nil, fmt.Errorf("agent: monitoring: %w", err)
	}

	m := &MonitoredAgent{
		Agent:  base,
		pub:    pub,
		warmup: cfg.WarmupWindow,
		tracer: otel.Tracer("genesis.agent"),
	}
	if m.warmup <= 0 {
		m.warmup = DefaultWarmupWindow
	}
	meter := otel.Meter("genesis.agent")
	m.requestCounter, err = meter.Int64Counter("genesis.agent.requests",
		metric.WithDescription("Requests processed by the agent"))
	if err != nil {
		base.logger.Error("create request counter failed", "err", err)
	}
	m.requestDuration, err = meter.Float64Histogram("genesis.agent.request.duration",
		metric.WithDescription("Request duration in seconds"), metric.WithUnit("s"))
	if err != nil {
		base.logger.Error("create request histogram failed", "err", err)
	}

	// Interpose on every inbound request, peer- and interface-originated.
	base.processRequest = m.monitoredProcess
	base.toolObserver = m.observeToolRoute

	if err := pub.PublishNode(ctx, monitoring.Node{
		ID:    base.GUID(),
		Type:  monitoring.NodeAgent,
		State: monitoring.StateDiscovering,
		Name:  base.Name(),
	}); err != nil {
		base.logger.Error("publish agent node failed", "agent", base.Name(), "err", err)
	}

	base.Functions().OnFunctionDiscovered(func(fn functions.Function) {
		edge := monitoring.Edge{
			Type:   monitoring.EdgeAgentToService,
			Source: base.GUID(),
			Target: fn.ProviderGUID,
		}
		if err := pub.PublishEdge(context.Background(), edge); err != nil {
			base.logger.Error("publish service edge failed", "function", fn.FunctionID, "err", err)
		}
	})
	base.Comm().OnAgentDiscovered(func(peer agentcomm.RemoteAgent) {
		edge := monitoring.Edge{
			Type:   monitoring.EdgeAgentToAgent,
			Source: base.GUID(),
			Target: peer.GUID,
		}
		if err := pub.PublishEdge(context.Background(), edge); err != nil {
			base.logger.Error("publish peer edge failed", "peer", peer.GUID, "err", err)
		}
	})
	base.Comm().OnAgentRemoved(func(peer agentcomm.RemoteAgent) {
		key := monitoring.EdgeKey(monitoring.EdgeAgentToAgent, base.GUID(), peer.GUID)
		if err := pub.RemoveEdge(context.Background(), key); err != nil {
			base.logger.Error("remove peer edge failed", "peer", peer.GUID, "err", err)
		}
	})

	go func() {
		select {
		case <-time.After(m.warmup):
			m.setState(context.Background(), monitoring.StateReady)
		case <-ctx.Done():
		}
	}()
	return m, nil
}

func (m *MonitoredAgent) setState(ctx context.Context, state monitoring.NodeState) {
	if err := m.pub.PublishNode(ctx, monitoring.Node{
		ID:    m.GUID(),
		Type:  monitoring.NodeAgent,
		State: state,
		Name:  m.Name(),
	}); err != nil {
		m.logger.Error("publish agent state failed", "agent", m.Name(), "state", state, "err", err)
	}
}

// observeToolRoute translates remote tool routes into chain events so
// observers see AGENT→SERVICE and AGENT→AGENT traffic.
func (m *MonitoredAgent) observeToolRoute(ctx context.Context, chainID, kind, target, operation, phase string, status int, duration time.Duration) {
	typ := monitoring.ActivityCall
	if phase == "result" {
		typ = monitoring.ActivityResult
	}
	m.pub.Activity(ctx, monitoring.Activity{
		ChainID:    chainID,
		Type:       typ,
		Source:     m.GUID(),
		Target:     target,
		Operation:  operation,
		Status:     status,
		DurationMS: duration.Milliseconds(),
	})
}

// monitoredProcess brackets the parent pipeline with state transitions and
// chain events.
func (m *MonitoredAgent) monitoredProcess(ctx context.Context, req Request) (reply Reply) {
	rc := m.newRequestContext(req)
	// Pin the chain id so the inner pipeline and every downstream hop
	// share it.
	if req.Metadata == nil {
		req.Metadata = make(map[string]string, 1)
	}
	req.Metadata["chain_id"] = rc.chainID
	started := time.Now()

	ctx, span := m.tracer.Start(ctx, "agent.process_request",
		trace.WithAttributes(
			attribute.String("agent.name", m.Name()),
			attribute.String("agent.guid", m.GUID()),
			attribute.String("chain.id", rc.chainID),
		))
	defer span.End()

	m.setState(ctx, monitoring.StateBusy)
	m.pub.Activity(ctx, monitoring.Activity{
		ChainID:   rc.chainID,
		Type:      monitoring.ActivityRequest,
		Source:    req.SourceAgent,
		Target:    m.GUID(),
		Operation: "process_request",
	})

	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("request pipeline panicked", "agent", m.Name(), "chain_id", rc.chainID, "panic", rec)
			span.SetStatus(codes.Error, fmt.Sprint(rec))
			m.setState(ctx, monitoring.StateDegraded)
			m.pub.Activity(ctx, monitoring.Activity{
				ChainID:    rc.chainID,
				Type:       monitoring.ActivityError,
				Source:     req.SourceAgent,
				Target:     m.GUID(),
				Operation:  "process_request",
				Status:     1,
				DurationMS: time.Since(started).Milliseconds(),
				Error:      fmt.Sprint(rec),
			})
			reply = Reply{Message: "internal agent failure", Status: 1}
			return
		}

		activityType := monitoring.ActivityResponse
		if reply.Status != 0 {
			activityType = monitoring.ActivityError
			span.SetStatus(codes.Error, reply.Message)
		} else {
			span.SetStatus(codes.Ok, "ok")
		}
		m.pub.Activity(ctx, monitoring.Activity{
			ChainID:    rc.chainID,
			Type:       activityType,
			Source:     req.SourceAgent,
			Target:     m.GUID(),
			Operation:  "process_request",
			Status:     reply.Status,
			DurationMS: time.Since(started).Milliseconds(),
			Error:      errorField(reply),
		})
		if m.requestCounter != nil {
			m.requestCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("agent.name", m.Name()),
				attribute.Int("status", reply.Status)))
		}
		if m.requestDuration != nil {
			m.requestDuration.Record(ctx, time.Since(started).Seconds(), metric.WithAttributes(
				attribute.String("agent.name", m.Name())))
		}
		m.setState(ctx, monitoring.StateReady)
	}()

	// The parent pipeline is unchanged by monitoring.
	reply = m.Agent.process(ctx, req)
	return reply
}

func errorField(reply Reply) string {
	if reply.Status == 0 {
		return ""
	}
	return reply.Message
}

// Shutdown disposes monitoring state, then the underlying agent.
func (m *MonitoredAgent) Shutdown(ctx context.Context) {
	m.pub.DisposeAll(ctx)
	m.Agent.Shutdown(ctx)
}
