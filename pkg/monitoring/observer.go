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
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/genesis-rt/genesis/pkg/fabric"
)

const heartbeatMapName = "genesis:heartbeats"

type (
	// Graph is a consistent snapshot of the topology.
	Graph struct {
		Nodes map[string]Node
		Edges map[string]Edge
	}

	// Change is one topology delta emitted on the change stream.
	Change struct {
		// Removed is true when the sample left the topology.
		Removed bool
		Node    *Node
		Edge    *Edge
	}

	// Observer rebuilds the live graph from the durable topology topic and
	// the volatile activity topic. Because topology samples are durable, a
	// late joiner converges on the authoritative state before it sees any
	// activity; duplicate samples for the same key are idempotent.
	Observer struct {
		topology fabric.Map
		hearts   fabric.Map
		sink     fabric.Sink
		logger   *slog.Logger

		staleThreshold time.Duration

		mu         sync.Mutex
		nodes      map[string]Node
		edges      map[string]Edge
		changeSubs []chan Change
		actSubs    []chan Activity

		stopWatch func()
		closeOnce sync.Once
		closeCh   chan struct{}
	}

	// ObserverOption configures an Observer.
	ObserverOption func(*Observer)
)

// WithObserverLogger overrides the default logger.
func WithObserverLogger(l *slog.Logger) ObserverOption {
	return func(o *Observer) { o.logger = l }
}

// WithStaleThreshold overrides how long a participant's heartbeat may lapse
// before its node is shown OFFLINE.
func WithStaleThreshold(d time.Duration) ObserverOption {
	return func(o *Observer) { o.staleThreshold = d }
}

// NewObserver joins the monitoring topics and starts converging.
func NewObserver(ctx context.Context, f fabric.Fabric, opts ...ObserverOption) (*Observer, error) {
	topology, err := f.Map(ctx, topologyMapName)
	if err != nil {
		return nil, fmt.Errorf("monitoring: join topology map: %w", err)
	}
	hearts, err := f.Map(ctx, heartbeatMapName)
	if err != nil {
		return nil, fmt.Errorf("monitoring: join heartbeat map: %w", err)
	}
	activity, err := f.Stream(activityStreamName)
	if err != nil {
		return nil, fmt.Errorf("monitoring: open activity stream: %w", err)
	}
	sink, err := activity.NewSink(ctx, "observer:"+uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("monitoring: create activity sink: %w", err)
	}

	o := &Observer{
		topology:       topology,
		hearts:         hearts,
		sink:           sink,
		logger:         slog.Default(),
		staleThreshold: 8 * time.Second,
		nodes:          make(map[string]Node),
		edges:          make(map[string]Edge),
		closeCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}

	// Converge on durable topology before consuming activity.
	events, stop := topology.Watch()
	o.stopWatch = stop
	o.sync()
	go o.watch(events)
	go o.pumpActivity()
	go o.offlineLoop()
	return o, nil
}

// Snapshot returns a copy of the current graph.
func (o *Observer) Snapshot() Graph {
	o.mu.Lock()
	defer o.mu.Unlock()
	g := Graph{
		Nodes: make(map[string]Node, len(o.nodes)),
		Edges: make(map[string]Edge, len(o.edges)),
	}
	for k, v := range o.nodes {
		g.Nodes[k] = v
	}
	for k, v := range o.edges {
		g.Edges[k] = v
	}
	return g
}

// Changes returns a stream of topology deltas starting from now.
func (o *Observer) Changes() <-chan Change {
	ch := make(chan Change, 64)
	o.mu.Lock()
	o.changeSubs = append(o.changeSubs, ch)
	o.mu.Unlock()
	return ch
}

// Activities returns the stream of chain events starting from now.
func (o *Observer) Activities() <-chan Activity {
	ch := make(chan Activity, 64)
	o.mu.Lock()
	o.actSubs = append(o.actSubs, ch)
	o.mu.Unlock()
	return ch
}

// Close stops the observer.
func (o *Observer) Close(ctx context.Context) {
	o.closeOnce.Do(func() {
		close(o.closeCh)
		if o.stopWatch != nil {
			o.stopWatch()
		}
		o.sink.Close(ctx)
		o.mu.Lock()
		for _, ch := range o.changeSubs {
			close(ch)
		}
		for _, ch := range o.actSubs {
			close(ch)
		}
		o.changeSubs = nil
		o.actSubs = nil
		o.mu.Unlock()
	})
}

func (o *Observer) watch(events <-chan struct{}) {
	for {
		select {
		case <-o.closeCh:
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			o.sync()
		}
	}
}

func (o *Observer) sync() {
	snapshot := o.topology.Snapshot()

	var changes []Change

	o.mu.Lock()
	seenNodes := make(map[string]bool)
	seenEdges := make(map[string]bool)
	for key, value := range snapshot {
		switch {
		case strings.HasPrefix(key, nodeKeyPrefix):
			var node Node
			if err := json.Unmarshal([]byte(value), &node); err != nil {
				o.logger.Error("unparseable node sample", "key", key, "payload", value, "err", err)
				continue
			}
			seenNodes[node.ID] = true
			if prev, ok := o.nodes[node.ID]; !ok || !reflect.DeepEqual(nodeComparable(prev), nodeComparable(node)) {
				o.nodes[node.ID] = node
				n := node
				changes = append(changes, Change{Node: &n})
			}
		case strings.HasPrefix(key, edgeKeyPrefix):
			var edge Edge
			if err := json.Unmarshal([]byte(value), &edge); err != nil {
				o.logger.Error("unparseable edge sample", "key", key, "payload", value, "err", err)
				continue
			}
			seenEdges[edge.Key] = true
			if prev, ok := o.edges[edge.Key]; !ok || prev != edge {
				o.edges[edge.Key] = edge
				e := edge
				changes = append(changes, Change{Edge: &e})
			}
		}
	}
	for id, node := range o.nodes {
		if !seenNodes[id] {
			delete(o.nodes, id)
			n := node
			changes = append(changes, Change{Removed: true, Node: &n})
		}
	}
	for key, edge := range o.edges {
		if !seenEdges[key] {
			delete(o.edges, key)
			e := edge
			changes = append(changes, Change{Removed: true, Edge: &e})
		}
	}
	subs := append([]chan Change(nil), o.changeSubs...)
	o.mu.Unlock()

	for _, change := range changes {
		for _, ch := range subs {
			select {
			case ch <- change:
			default:
				o.logger.Warn("change subscriber lagging, dropping delta")
			}
		}
	}
}

// nodeComparable drops the metadata map so nodes compare with ==.
func nodeComparable(n Node) Node {
	n.Metadata = nil
	return n
}

func (o *Observer) pumpActivity() {
	ctx := context.Background()
	events := o.sink.Subscribe()
	for {
		select {
		case <-o.closeCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			o.handleActivity(ctx, ev)
		}
	}
}

func (o *Observer) handleActivity(ctx context.Context, ev fabric.Event) {
	defer func() {
		if err := o.sink.Ack(ctx, ev); err != nil {
			o.logger.Error("ack activity failed", "event", ev.ID, "err", err)
		}
	}()
	if ev.Name != activityEventName {
		return
	}
	var a Activity
	if err := json.Unmarshal(ev.Payload, &a); err != nil {
		o.logger.Error("unparseable activity", "payload", string(ev.Payload), "err", err)
		return
	}
	o.mu.Lock()
	subs := append([]chan Activity(nil), o.actSubs...)
	o.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- a:
		default:
			o.logger.Warn("activity subscriber lagging, dropping event", "chain_id", a.ChainID)
		}
	}
}

// offlineLoop marks nodes whose participant heartbeat lapsed as OFFLINE. A
// crash leaves durable samples behind; the heartbeat gap is the only
// signal observers get.
func (o *Observer) offlineLoop() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-o.closeCh:
			return
		case <-ticker.C:
			o.markOffline()
		}
	}
}

func (o *Observer) markOffline() {
	hearts := o.hearts.Snapshot()
	now := time.Now()
	fresh := make(map[string]bool, len(hearts))
	for guid, value := range hearts {
		ts, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		if now.Sub(time.Unix(0, ts)) <= o.staleThreshold {
			fresh[guid] = true
		}
	}

	var changes []Change
	o.mu.Lock()
	for id, node := range o.nodes {
		// Function nodes are owned by their service; only participant
		// nodes carry heartbeats.
		if node.Type == NodeFunction {
			continue
		}
		if fresh[id] || node.State == StateOffline {
			continue
		}
		if _, beat := hearts[id]; !beat && node.State == StateDiscovering {
			// Never heartbeated and still warming up; give it time.
			continue
		}
		node.State = StateOffline
		o.nodes[id] = node
		n := node
		changes = append(changes, Change{Node: &n})
	}
	subs := append([]chan Change(nil), o.changeSubs...)
	o.mu.Unlock()

	for _, change := range changes {
		for _, ch := range subs {
			select {
			case ch <- change:
			default:
			}
		}
	}
}
