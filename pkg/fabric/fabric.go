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

// Package fabric provides the pub/sub primitives every Genesis process is
// built on: durable keyed maps (keep-last-1 per key, late joiners read the
// full map before watching changes) and volatile streams consumed through
// sinks. The production backend is Redis via goa.design/pulse; an in-memory
// backend backs the test suite.
package fabric

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Fabric creates handles to named maps and streams. Handles to the same
	// name share state across processes connected to the same deployment.
	Fabric interface {
		// Map joins the named durable keyed map, creating it if needed.
		Map(ctx context.Context, name string) (Map, error)
		// Stream returns a handle to the named stream, creating it if needed.
		Stream(name string) (Stream, error)
		// Close releases resources owned by the fabric handle.
		Close(ctx context.Context) error
	}

	// Map is a durable keyed topic: the fabric retains the latest value per
	// key, and every joiner observes the full current state before any
	// change notification.
	Map interface {
		// Set publishes the latest value for key.
		Set(ctx context.Context, key, value string) error
		// Get returns the current value for key.
		Get(key string) (string, bool)
		// Delete removes key; observers see the entity leaving.
		Delete(ctx context.Context, key string) error
		// Keys returns the current key set.
		Keys() []string
		// Snapshot returns a copy of the current contents.
		Snapshot() map[string]string
		// Watch returns a channel that fires after every change to the map
		// and a stop function releasing the subscription. Notifications are
		// delivered on a fabric goroutine; receivers must marshal any real
		// work onto their own loop.
		Watch() (<-chan struct{}, func())
	}

	// Stream is a reliable append-only topic consumed through sinks.
	Stream interface {
		// Add publishes an event with the given name and payload.
		Add(ctx context.Context, event string, payload []byte) error
		// NewSink creates a named consumer group starting at the oldest
		// retained event, so a publish racing sink creation is not lost.
		NewSink(ctx context.Context, name string) (Sink, error)
		// Destroy deletes the stream and all its events.
		Destroy(ctx context.Context) error
	}

	// Sink is one consumer group on a stream. Events are take-style: each
	// event is delivered once per sink and removed from the pending list on
	// Ack.
	Sink interface {
		Subscribe() <-chan Event
		Ack(ctx context.Context, ev Event) error
		Close(ctx context.Context)
	}

	// Event is a single stream sample.
	Event struct {
		ID      string
		Name    string
		Payload []byte

		// handle carries the backend's event reference for Ack.
		handle any
	}
)

// ErrClosed is returned by operations on a closed fabric handle.
var ErrClosed = errors.New("fabric: closed")

// pulseFabric backs Fabric with Redis through goa.design/pulse. The caller
// owns the Redis connection lifecycle.
type pulseFabric struct {
	rdb *redis.Client
}

// NewPulse constructs the production fabric backed by the provided Redis
// connection.
func NewPulse(rdb *redis.Client) (Fabric, error) {
	if rdb == nil {
		return nil, errors.New("fabric: redis client is required")
	}
	return &pulseFabric{rdb: rdb}, nil
}

func (f *pulseFabric) Map(ctx context.Context, name string) (Map, error) {
	if name == "" {
		return nil, errors.New("fabric: map name is required")
	}
	m, err := rmap.Join(ctx, name, f.rdb)
	if err != nil {
		return nil, fmt.Errorf("fabric: join map %q: %w", name, err)
	}
	return &pulseMap{m: m}, nil
}

func (f *pulseFabric) Stream(name string) (Stream, error) {
	if name == "" {
		return nil, errors.New("fabric: stream name is required")
	}
	s, err := streaming.NewStream(name, f.rdb)
	if err != nil {
		return nil, fmt.Errorf("fabric: create stream %q: %w", name, err)
	}
	return &pulseStream{s: s}, nil
}

// Close is a no-op: the Redis connection belongs to the caller.
func (f *pulseFabric) Close(context.Context) error { return nil }

type pulseMap struct {
	m *rmap.Map
}

func (p *pulseMap) Set(ctx context.Context, key, value string) error {
	if _, err := p.m.Set(ctx, key, value); err != nil {
		return fmt.Errorf("fabric: map set %q: %w", key, err)
	}
	return nil
}

func (p *pulseMap) Get(key string) (string, bool) { return p.m.Get(key) }

func (p *pulseMap) Delete(ctx context.Context, key string) error {
	if _, err := p.m.Delete(ctx, key); err != nil {
		return fmt.Errorf("fabric: map delete %q: %w", key, err)
	}
	return nil
}

func (p *pulseMap) Keys() []string { return p.m.Keys() }

func (p *pulseMap) Snapshot() map[string]string {
	keys := p.m.Keys()
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := p.m.Get(k); ok {
			out[k] = v
		}
	}
	return out
}

func (p *pulseMap) Watch() (<-chan struct{}, func()) {
	events := p.m.Subscribe()
	out := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				// Coalesce: receivers resync from Snapshot, so one pending
				// notification is enough.
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	var once func()
	once = func() {
		select {
		case <-done:
		default:
			close(done)
			p.m.Unsubscribe(events)
		}
	}
	return out, once
}

type pulseStream struct {
	s *streaming.Stream
}

func (p *pulseStream) Add(ctx context.Context, event string, payload []byte) error {
	if event == "" {
		return errors.New("fabric: event name is required")
	}
	if _, err := p.s.Add(ctx, event, payload); err != nil {
		return fmt.Errorf("fabric: stream add %q: %w", event, err)
	}
	return nil
}

func (p *pulseStream) NewSink(ctx context.Context, name string) (Sink, error) {
	// Results can be published between stream creation and sink creation;
	// starting at the oldest retained event avoids losing them.
	sink, err := p.s.NewSink(ctx, name, streamopts.WithSinkStartAtOldest())
	if err != nil {
		return nil, fmt.Errorf("fabric: create sink %q: %w", name, err)
	}
	return &pulseSink{sink: sink}, nil
}

func (p *pulseStream) Destroy(ctx context.Context) error {
	return p.s.Destroy(ctx)
}

type pulseSink struct {
	sink *streaming.Sink
}

func (p *pulseSink) Subscribe() <-chan Event {
	events := p.sink.Subscribe()
	out := make(chan Event)
	go func() {
		defer close(out)
		for ev := range events {
			out <- Event{ID: ev.ID, Name: ev.EventName, Payload: ev.Payload, handle: ev}
		}
	}()
	return out
}

func (p *pulseSink) Ack(ctx context.Context, ev Event) error {
	sev, ok := ev.handle.(*streaming.Event)
	if !ok {
		return fmt.Errorf("fabric: ack event %q: not a pulse event", ev.ID)
	}
	return p.sink.Ack(ctx, sev)
}

func (p *pulseSink) Close(ctx context.Context) { p.sink.Close(ctx) }
