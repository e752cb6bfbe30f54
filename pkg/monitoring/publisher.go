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

package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/genesis-rt/genesis/pkg/fabric"
)

const (
	topologyMapName    = "genesis:topology"
	activityStreamName = "genesis:activity"
	activityEventName  = "activity"

	nodeKeyPrefix = "node:"
	edgeKeyPrefix = "edge:"
)

// Publisher owns a participant's topology entries and its activity feed.
// Topology samples are durable keep-last-1 per key; activities are
// volatile.
type Publisher struct {
	topology fabric.Map
	activity fabric.Stream
	logger   *slog.Logger

	mu    sync.Mutex
	owned map[string]bool
}

// NewPublisher joins the monitoring topics.
func NewPublisher(ctx context.Context, f fabric.Fabric, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	topology, err := f.Map(ctx, topologyMapName)
	if err != nil {
		return nil, fmt.Errorf("monitoring: join topology map: %w", err)
	}
	activity, err := f.Stream(activityStreamName)
	if err != nil {
		return nil, fmt.Errorf("monitoring: open activity stream: %w", err)
	}
	return &Publisher{
		topology: topology,
		activity: activity,
		logger:   logger,
		owned:    make(map[string]bool),
	}, nil
}

// PublishNode upserts the durable sample for one node. Re-publishing the
// same state is an idempotent refresh for observers.
func (p *Publisher) PublishNode(ctx context.Context, node Node) error {
	return p.set(ctx, nodeKeyPrefix+node.ID, node)
}

// PublishEdge upserts the durable sample for one edge.
func (p *Publisher) PublishEdge(ctx context.Context, edge Edge) error {
	if edge.Key == "" {
		edge.Key = EdgeKey(edge.Type, edge.Source, edge.Target)
	}
	return p.set(ctx, edgeKeyPrefix+edge.Key, edge)
}

// RemoveNode disposes one node sample.
func (p *Publisher) RemoveNode(ctx context.Context, id string) error {
	return p.remove(ctx, nodeKeyPrefix+id)
}

// RemoveEdge disposes one edge sample.
func (p *Publisher) RemoveEdge(ctx context.Context, key string) error {
	return p.remove(ctx, edgeKeyPrefix+key)
}

// Activity publishes one chain event. Failures are logged, not returned:
// monitoring must never perturb the request path.
func (p *Publisher) Activity(ctx context.Context, a Activity) {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	raw, err := json.Marshal(a)
	if err != nil {
		p.logger.Error("encode activity failed", "chain_id", a.ChainID, "type", a.Type, "err", err)
		return
	}
	if err := p.activity.Add(ctx, activityEventName, raw); err != nil {
		p.logger.Error("publish activity failed", "chain_id", a.ChainID, "type", a.Type, "err", err)
	}
}

// DisposeAll removes every topology sample this publisher owns. Called on
// clean shutdown.
func (p *Publisher) DisposeAll(ctx context.Context) {
	p.mu.Lock()
	keys := make([]string, 0, len(p.owned))
	for k := range p.owned {
		keys = append(keys, k)
	}
	p.mu.Unlock()
	for _, k := range keys {
		if err := p.remove(ctx, k); err != nil {
			p.logger.Error("dispose topology sample failed", "key", k, "err", err)
		}
	}
}

func (p *Publisher) set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("monitoring: encode %q: %w", key, err)
	}
	if err := p.topology.Set(ctx, key, string(raw)); err != nil {
		return fmt.Errorf("monitoring: publish %q: %w", key, err)
	}
	p.mu.Lock()
	p.owned[key] = true
	p.mu.Unlock()
	return nil
}

func (p *Publisher) remove(ctx context.Context, key string) error {
	if err := p.topology.Delete(ctx, key); err != nil {
		return fmt.Errorf("monitoring: remove %q: %w", key, err)
	}
	p.mu.Lock()
	delete(p.owned, key)
	p.mu.Unlock()
	return nil
}
