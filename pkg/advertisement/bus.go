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

package advertisement

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/genesis-rt/genesis/pkg/fabric"
)

const (
	busMapName       = "genesis:advertisements"
	heartbeatMapName = "genesis:heartbeats"

	// DefaultHeartbeatInterval is how often a participant refreshes its
	// liveliness timestamp.
	DefaultHeartbeatInterval = 2 * time.Second
	// DefaultMissedHeartbeats is how many intervals may elapse before a
	// participant is considered gone. Staleness threshold is
	// (missed+1) * interval, giving the advertiser time to recover from a
	// slow tick.
	DefaultMissedHeartbeats = 3
)

type (
	// Handlers receives directory changes. OnAdd fires for entries alive at
	// subscription time (catch-up) before any live-stream change. OnRemove
	// fires exactly once per disposed or lapsed key and carries the last
	// observed advertisement.
	Handlers struct {
		OnAdd    func(Advertisement)
		OnUpdate func(Advertisement)
		OnRemove func(Advertisement)
	}

	// Bus owns a participant's writer slot on the advertisement topic and
	// the listener feeding the local peer caches.
	Bus struct {
		guid   string
		ads    fabric.Map
		hearts fabric.Map
		logger *slog.Logger

		heartbeatInterval time.Duration
		staleThreshold    time.Duration

		mu    sync.Mutex
		known map[string]Advertisement // last observed state per key
		subs  []subscription
		owned map[string]bool // keys this bus advertised

		stopWatch func()
		closeOnce sync.Once
		closeCh   chan struct{}
	}

	subscription struct {
		kind     Kind
		handlers Handlers
	}

	// Option configures a Bus.
	Option func(*Bus)
)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithHeartbeat overrides the heartbeat interval and missed-beat tolerance.
func WithHeartbeat(interval time.Duration, missed int) Option {
	return func(b *Bus) {
		b.heartbeatInterval = interval
		b.staleThreshold = time.Duration(missed+1) * interval
	}
}

// New joins the advertisement topic and starts the listener, heartbeat, and
// staleness reaper. The bus heartbeats immediately so peers never observe an
// advertisement without liveliness backing it.
func New(ctx context.Context, f fabric.Fabric, guid string, opts ...Option) (*Bus, error) {
	ads, err := f.Map(ctx, busMapName)
	if err != nil {
		return nil, fmt.Errorf("advertisement: join bus: %w", err)
	}
	hearts, err := f.Map(ctx, heartbeatMapName)
	if err != nil {
		return nil, fmt.Errorf("advertisement: join heartbeat map: %w", err)
	}

	b := &Bus{
		guid:              guid,
		ads:               ads,
		hearts:            hearts,
		logger:            slog.Default(),
		heartbeatInterval: DefaultHeartbeatInterval,
		staleThreshold:    time.Duration(DefaultMissedHeartbeats+1) * DefaultHeartbeatInterval,
		known:             make(map[string]Advertisement),
		owned:             make(map[string]bool),
		closeCh:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	if err := b.beat(ctx); err != nil {
		return nil, err
	}

	// Subscribe before the initial sync so a change racing startup is not
	// missed; the sync then folds it in.
	events, stop := ads.Watch()
	b.stopWatch = stop
	b.sync()
	go b.watch(events)
	go b.heartbeatLoop()
	go b.reapLoop()
	return b, nil
}

// Advertise publishes (or refreshes) an advertisement under a key owned by
// this bus. Re-advertising the same key overwrites the live sample.
func (b *Bus) Advertise(ctx context.Context, kind Kind, key string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("advertisement: encode payload for %q: %w", key, err)
	}
	ad := Advertisement{Kind: kind, AdvertiserGUID: b.guid, Key: key, Payload: raw}
	value, err := json.Marshal(ad)
	if err != nil {
		return fmt.Errorf("advertisement: encode %q: %w", key, err)
	}
	if err := b.ads.Set(ctx, key, string(value)); err != nil {
		return fmt.Errorf("advertisement: publish %q: %w", key, err)
	}
	b.mu.Lock()
	b.owned[key] = true
	b.mu.Unlock()
	return nil
}

// AdvertiseAgent publishes this participant's AGENT entry.
func (b *Bus) AdvertiseAgent(ctx context.Context, p AgentPayload) error {
	return b.Advertise(ctx, KindAgent, AgentKey(b.guid), p)
}

// AdvertiseFunction publishes one FUNCTION entry hosted by this participant.
func (b *Bus) AdvertiseFunction(ctx context.Context, p FunctionPayload) error {
	return b.Advertise(ctx, KindFunction, FunctionKey(b.guid, p.FunctionID), p)
}

// Dispose removes a previously advertised key. Disposing twice is
// equivalent to once.
func (b *Bus) Dispose(ctx context.Context, key string) error {
	if err := b.ads.Delete(ctx, key); err != nil {
		return fmt.Errorf("advertisement: dispose %q: %w", key, err)
	}
	b.mu.Lock()
	delete(b.owned, key)
	b.mu.Unlock()
	return nil
}

// DisposeAll removes every key this bus advertised. Called on clean
// shutdown so observers see the entities leave immediately instead of
// waiting for liveliness to lapse.
func (b *Bus) DisposeAll(ctx context.Context) error {
	b.mu.Lock()
	keys := make([]string, 0, len(b.owned))
	for k := range b.owned {
		keys = append(keys, k)
	}
	b.mu.Unlock()
	var firstErr error
	for _, k := range keys {
		if err := b.Dispose(ctx, k); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := b.hearts.Delete(ctx, b.guid); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Subscribe registers handlers for one kind. The catch-up pass delivers
// every currently-live entry through OnAdd before any live change.
func (b *Bus) Subscribe(kind Kind, h Handlers) {
	b.mu.Lock()
	var catchup []Advertisement
	if h.OnAdd != nil {
		for _, ad := range b.known {
			if ad.Kind == kind {
				catchup = append(catchup, ad)
			}
		}
	}
	b.subs = append(b.subs, subscription{kind: kind, handlers: h})
	b.mu.Unlock()
	for _, ad := range catchup {
		b.dispatch(h.OnAdd, ad)
	}
}

// Snapshot returns the currently known entries of one kind.
func (b *Bus) Snapshot(kind Kind) []Advertisement {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Advertisement
	for _, ad := range b.known {
		if ad.Kind == kind {
			out = append(out, ad)
		}
	}
	return out
}

// Close stops the listener and background loops. It does not dispose
// advertisements; call DisposeAll first for a clean shutdown.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.closeCh)
		if b.stopWatch != nil {
			b.stopWatch()
		}
	})
}

func (b *Bus) watch(events <-chan struct{}) {
	for {
		select {
		case <-b.closeCh:
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			b.sync()
		}
	}
}

// sync diffs the authoritative map state against the last observed state
// and dispatches add/update/remove callbacks. The bus map carries no
// per-key notifications, so every change resyncs the whole (small)
// directory; this is also what makes late-joiner catch-up and liveliness
// reaping uniform.
func (b *Bus) sync() {
	snapshot := b.ads.Snapshot()

	type firing struct {
		fn func(Advertisement)
		ad Advertisement
	}
	var pending []firing

	b.mu.Lock()
	for key, value := range snapshot {
		var ad Advertisement
		if err := json.Unmarshal([]byte(value), &ad); err != nil {
			derr := &DiscoveryError{Key: key, Reason: "unparseable advertisement", Err: err}
			b.logger.Error("advertisement rejected", "key", key, "payload", value, "err", derr)
			continue
		}
		if _, ok := kindOf(key); !ok {
			derr := &DiscoveryError{Key: key, Reason: "unknown key shape"}
			b.logger.Error("advertisement rejected", "key", key, "payload", value, "err", derr)
			continue
		}
		prev, seen := b.known[key]
		b.known[key] = ad
		for _, sub := range b.subs {
			if sub.kind != ad.Kind {
				continue
			}
			switch {
			case !seen:
				pending = append(pending, firing{sub.handlers.OnAdd, ad})
			case string(prev.Payload) != string(ad.Payload):
				pending = append(pending, firing{sub.handlers.OnUpdate, ad})
			}
		}
	}

	for key, prev := range b.known {
		if _, ok := snapshot[key]; ok {
			continue
		}
		delete(b.known, key)
		for _, sub := range b.subs {
			if sub.kind == prev.Kind {
				pending = append(pending, firing{sub.handlers.OnRemove, prev})
			}
		}
	}
	b.mu.Unlock()

	// Callbacks run outside the lock so they may reach back into the bus.
	for _, f := range pending {
		b.dispatch(f.fn, f.ad)
	}
}

// dispatch invokes one callback, logging (never swallowing) panics along
// with the offending payload.
func (b *Bus) dispatch(fn func(Advertisement), ad Advertisement) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("advertisement callback panicked",
				"key", ad.Key, "kind", ad.Kind, "payload", string(ad.Payload), "panic", r)
		}
	}()
	fn(ad)
}

func (b *Bus) beat(ctx context.Context) error {
	ts := strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := b.hearts.Set(ctx, b.guid, ts); err != nil {
		return fmt.Errorf("advertisement: heartbeat: %w", err)
	}
	return nil
}

func (b *Bus) heartbeatLoop() {
	ticker := time.NewTicker(b.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.closeCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), b.heartbeatInterval)
			if err := b.beat(ctx); err != nil {
				b.logger.Error("heartbeat failed", "guid", b.guid, "err", err)
			}
			cancel()
		}
	}
}

// reapLoop translates lapsed heartbeats into authoritative removals. Any
// observer may reap; deletes are idempotent so concurrent reapers converge.
func (b *Bus) reapLoop() {
	ticker := time.NewTicker(b.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.closeCh:
			return
		case <-ticker.C:
			b.reap()
		}
	}
}

func (b *Bus) reap() {
	now := time.Now()
	for guid, value := range b.hearts.Snapshot() {
		if guid == b.guid {
			continue
		}
		ts, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			b.logger.Error("unparseable heartbeat", "guid", guid, "value", value, "err", err)
			continue
		}
		if now.Sub(time.Unix(0, ts)) <= b.staleThreshold {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), b.heartbeatInterval)
		if err := b.hearts.Delete(ctx, guid); err != nil {
			b.logger.Error("reap heartbeat failed", "guid", guid, "err", err)
		}
		for _, key := range b.ads.Keys() {
			if ownerGUID(key) != guid {
				continue
			}
			if err := b.ads.Delete(ctx, key); err != nil {
				b.logger.Error("reap advertisement failed", "key", key, "err", err)
			}
		}
		cancel()
		b.logger.Warn("participant liveliness lapsed", "guid", guid, "threshold", b.staleThreshold.String())
	}
}
