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

package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/genesis-rt/genesis/pkg/fabric"
)

// DefaultConnectTimeout bounds how long Connect waits for the replier to
// appear in the endpoint directory.
const DefaultConnectTimeout = 10 * time.Second

// ErrRequesterClosed is returned by calls racing Close.
var ErrRequesterClosed = fmt.Errorf("rpc: requester closed")

// Requester is the client side of one endpoint. A single reply pump
// correlates inbound replies by request id; replies for abandoned or
// already-answered ids are discarded.
type Requester struct {
	endpoint string
	guid     string
	logger   *slog.Logger

	endpoints fabric.Map
	requests  fabric.Stream
	sink      fabric.Sink

	mu      sync.Mutex
	pending map[string]chan Reply

	closeOnce sync.Once
	closeCh   chan struct{}
}

// RequesterOption configures a Requester.
type RequesterOption func(*Requester)

// WithRequesterLogger overrides the default logger.
func WithRequesterLogger(l *slog.Logger) RequesterOption {
	return func(r *Requester) { r.logger = l }
}

// NewRequester opens the client side of endpoint for the given requester
// identity. It does not wait for the replier; call Connect for that.
func NewRequester(ctx context.Context, f fabric.Fabric, endpoint, guid string, opts ...RequesterOption) (*Requester, error) {
	endpoints, err := f.Map(ctx, endpointsMapName)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Op: "join endpoint directory", Err: err}
	}
	requests, err := f.Stream(RequestStream(endpoint))
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Op: "open request stream", Err: err}
	}
	replies, err := f.Stream(ReplyStream(endpoint))
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Op: "open reply stream", Err: err}
	}
	// Each requester is its own consumer group on the shared reply stream
	// and filters by its identity.
	sink, err := replies.NewSink(ctx, "requester:"+guid)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Op: "create reply sink", Err: err}
	}

	r := &Requester{
		endpoint:  endpoint,
		guid:      guid,
		logger:    slog.Default(),
		endpoints: endpoints,
		requests:  requests,
		sink:      sink,
		pending:   make(map[string]chan Reply),
		closeCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.pump()
	return r, nil
}

// Connect blocks until the endpoint's replier is registered in the
// directory, or fails with a TimeoutError.
func (r *Requester) Connect(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	if _, ok := r.endpoints.Get(r.endpoint); ok {
		return nil
	}
	events, stop := r.endpoints.Watch()
	defer stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if _, ok := r.endpoints.Get(r.endpoint); ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return &TimeoutError{Endpoint: r.endpoint, Op: "connect", Timeout: timeout}
		case <-events:
		}
	}
}

// Call sends one request and awaits the correlated reply. On timeout or
// cancellation the caller stops waiting; no cancel message is sent and a
// late reply is discarded by id.
func (r *Requester) Call(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, int, error) {
	id := uuid.NewString()
	ch := make(chan Reply, 1)
	r.mu.Lock()
	r.pending[id] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	req := Request{RequestID: id, SourceGUID: r.guid, Payload: payload}
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, 1, fmt.Errorf("rpc: encode request: %w", err)
	}
	if err := r.requests.Add(ctx, requestEventName, raw); err != nil {
		return nil, 1, &TransportError{Endpoint: r.endpoint, Op: "send request", Err: err}
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	select {
	case <-ctx.Done():
		return nil, 1, ctx.Err()
	case <-r.closeCh:
		return nil, 1, &TransportError{Endpoint: r.endpoint, Op: "call", Err: ErrRequesterClosed}
	case <-deadline.C:
		return nil, 1, &TimeoutError{Endpoint: r.endpoint, Op: "call", Timeout: timeout}
	case rep := <-ch:
		return rep.Payload, rep.Status, nil
	}
}

func (r *Requester) pump() {
	ctx := context.Background()
	events := r.sink.Subscribe()
	for {
		select {
		case <-r.closeCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.handleReply(ctx, ev)
		}
	}
}

func (r *Requester) handleReply(ctx context.Context, ev fabric.Event) {
	defer func() {
		if err := r.sink.Ack(ctx, ev); err != nil {
			r.logger.Error("ack reply failed", "endpoint", r.endpoint, "event", ev.ID, "err", err)
		}
	}()
	if ev.Name != replyEventName {
		return
	}
	var rep Reply
	if err := json.Unmarshal(ev.Payload, &rep); err != nil {
		r.logger.Error("unparseable reply", "endpoint", r.endpoint, "payload", string(ev.Payload), "err", err)
		return
	}
	if rep.SourceGUID != r.guid {
		return
	}
	r.mu.Lock()
	ch, ok := r.pending[rep.RequestID]
	if ok {
		// First reply wins; the pending entry is removed so a duplicate
		// reply for the same id falls through to the discard path.
		delete(r.pending, rep.RequestID)
	}
	r.mu.Unlock()
	if !ok {
		// Duplicate, or reply for an abandoned call.
		return
	}
	ch <- rep
}

// Close stops the reply pump. Pending calls fail with ErrRequesterClosed.
func (r *Requester) Close(ctx context.Context) {
	r.closeOnce.Do(func() {
		close(r.closeCh)
		r.sink.Close(ctx)
	})
}
