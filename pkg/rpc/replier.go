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

	"github.com/genesis-rt/genesis/pkg/fabric"
)

// Handler processes one request on the replier's dispatch loop and returns
// the reply payload and status.
type Handler func(ctx context.Context, req Request) ([]byte, int)

// Replier serves one endpoint. Fabric callbacks never run the handler
// directly: events are marshaled onto a single dispatch goroutine (the
// owner's event loop), keeping all handler state single-threaded.
type Replier struct {
	endpoint string
	guid     string
	handler  Handler
	logger   *slog.Logger

	endpoints fabric.Map
	replies   fabric.Stream
	sink      fabric.Sink

	tasks chan fabric.Event

	mu   sync.Mutex
	seen map[string]bool // request ids already served (duplicate suppression)

	closeOnce sync.Once
	closeCh   chan struct{}
}

// ReplierOption configures a Replier.
type ReplierOption func(*Replier)

// WithReplierLogger overrides the default logger.
func WithReplierLogger(l *slog.Logger) ReplierOption {
	return func(r *Replier) { r.logger = l }
}

// Serve creates a listener-driven replier for endpoint and registers it in
// the endpoint directory so requesters can discover it.
func Serve(ctx context.Context, f fabric.Fabric, endpoint, guid string, handler Handler, opts ...ReplierOption) (*Replier, error) {
	if handler == nil {
		return nil, fmt.Errorf("rpc: handler is required for endpoint %q", endpoint)
	}
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
	sink, err := requests.NewSink(ctx, endpoint+":replier")
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Op: "create request sink", Err: err}
	}

	r := &Replier{
		endpoint:  endpoint,
		guid:      guid,
		handler:   handler,
		logger:    slog.Default(),
		endpoints: endpoints,
		replies:   replies,
		sink:      sink,
		tasks:     make(chan fabric.Event, 128),
		seen:      make(map[string]bool),
		closeCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := endpoints.Set(ctx, endpoint, guid); err != nil {
		sink.Close(ctx)
		return nil, &TransportError{Endpoint: endpoint, Op: "register endpoint", Err: err}
	}

	go r.pump()
	go r.dispatch()
	return r, nil
}

// pump runs on the fabric side: it takes pending events and hands them to
// the dispatch loop, returning to the fabric immediately.
func (r *Replier) pump() {
	events := r.sink.Subscribe()
	for {
		select {
		case <-r.closeCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			select {
			case r.tasks <- ev:
			case <-r.closeCh:
				return
			}
		}
	}
}

// dispatch is the replier's event loop: one goroutine owns all handler
// invocations.
func (r *Replier) dispatch() {
	for {
		select {
		case <-r.closeCh:
			return
		case ev := <-r.tasks:
			r.serveOne(ev)
		}
	}
}

func (r *Replier) serveOne(ev fabric.Event) {
	ctx := context.Background()
	defer func() {
		if err := r.sink.Ack(ctx, ev); err != nil {
			r.logger.Error("ack request failed", "endpoint", r.endpoint, "event", ev.ID, "err", err)
		}
	}()

	if ev.Name != requestEventName {
		return
	}
	var req Request
	if err := json.Unmarshal(ev.Payload, &req); err != nil {
		r.logger.Error("unparseable request", "endpoint", r.endpoint, "payload", string(ev.Payload), "err", err)
		return
	}

	r.mu.Lock()
	if r.seen[req.RequestID] {
		r.mu.Unlock()
		return
	}
	r.seen[req.RequestID] = true
	r.mu.Unlock()

	payload, status := r.invoke(ctx, req)
	if err := r.reply(ctx, req, payload, status); err != nil {
		r.logger.Error("send reply failed", "endpoint", r.endpoint, "request_id", req.RequestID, "err", err)
	}
}

// invoke runs the handler, converting a panic into an error reply instead
// of taking down the dispatch loop.
func (r *Replier) invoke(ctx context.Context, req Request) (payload []byte, status int) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panicked", "endpoint", r.endpoint,
				"request_id", req.RequestID, "payload", string(req.Payload), "panic", rec)
			payload = []byte(fmt.Sprintf(`{"error":%q}`, fmt.Sprint(rec)))
			status = 1
		}
	}()
	return r.handler(ctx, req)
}

func (r *Replier) reply(ctx context.Context, req Request, payload []byte, status int) error {
	rep := Reply{
		RequestID:  req.RequestID,
		SourceGUID: req.SourceGUID,
		Status:     status,
		Payload:    payload,
	}
	raw, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("rpc: encode reply %q: %w", req.RequestID, err)
	}
	sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.replies.Add(sendCtx, replyEventName, raw); err != nil {
		return &TransportError{Endpoint: r.endpoint, Op: "send reply", Err: err}
	}
	return nil
}

// Close deregisters the endpoint and stops serving. In-flight handler
// invocations finish; their replies may be dropped by requesters that have
// stopped waiting.
func (r *Replier) Close(ctx context.Context) {
	r.closeOnce.Do(func() {
		close(r.closeCh)
		if err := r.endpoints.Delete(ctx, r.endpoint); err != nil {
			r.logger.Error("deregister endpoint failed", "endpoint", r.endpoint, "err", err)
		}
		r.sink.Close(ctx)
	})
}
