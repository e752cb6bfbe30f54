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

// Package functions aggregates the FUNCTION advertisements currently live
// on the bus into a registry keyed by function id.
package functions

import (
	"log/slog"
	"sync"

	"github.com/genesis-rt/genesis/pkg/advertisement"
)

// Function is one remotely callable operation known to the registry.
type Function struct {
	advertisement.FunctionPayload
}

// Registry mirrors the live FUNCTION directory and fans discovery out to
// subscribers. Discovery callbacks replay the current directory (catch-up)
// before live additions.
type Registry struct {
	logger *slog.Logger

	mu        sync.RWMutex
	functions map[string]Function // keyed by function id
	onAdd     []func(Function)
	onRemove  []func(Function)
}

// New builds a registry fed by the given bus.
func New(bus *advertisement.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		logger:    logger,
		functions: make(map[string]Function),
	}
	bus.Subscribe(advertisement.KindFunction, advertisement.Handlers{
		OnAdd:    r.ingest,
		OnUpdate: r.ingest,
		OnRemove: r.evict,
	})
	return r
}

// Get returns a snapshot of the current directory keyed by function id.
func (r *Registry) Get() map[string]Function {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Function, len(r.functions))
	for id, fn := range r.functions {
		out[id] = fn
	}
	return out
}

// Lookup returns one function by id.
func (r *Registry) Lookup(functionID string) (Function, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.functions[functionID]
	return fn, ok
}

// OnFunctionDiscovered invokes cb for every currently-live function first,
// then for each future addition. A re-advertisement of a function id that
// is already known replaces the stored entry without invoking cb.
func (r *Registry) OnFunctionDiscovered(cb func(Function)) {
	r.mu.Lock()
	catchup := make([]Function, 0, len(r.functions))
	for _, fn := range r.functions {
		catchup = append(catchup, fn)
	}
	r.onAdd = append(r.onAdd, cb)
	r.mu.Unlock()
	for _, fn := range catchup {
		cb(fn)
	}
}

// OnFunctionRemoved invokes cb exactly once per key when a function leaves
// the directory.
func (r *Registry) OnFunctionRemoved(cb func(Function)) {
	r.mu.Lock()
	r.onRemove = append(r.onRemove, cb)
	r.mu.Unlock()
}

func (r *Registry) ingest(ad advertisement.Advertisement) {
	payload, err := ad.Function()
	if err != nil {
		r.logger.Error("function advertisement rejected", "key", ad.Key, "payload", string(ad.Payload), "err", err)
		return
	}
	fn := Function{FunctionPayload: payload}
	r.mu.Lock()
	_, existed := r.functions[payload.FunctionID]
	r.functions[payload.FunctionID] = fn
	cbs := append([]func(Function){}, r.onAdd...)
	r.mu.Unlock()
	if existed {
		return
	}
	for _, cb := range cbs {
		cb(fn)
	}
}

func (r *Registry) evict(ad advertisement.Advertisement) {
	payload, err := ad.Function()
	if err != nil {
		r.logger.Error("function removal rejected", "key", ad.Key, "payload", string(ad.Payload), "err", err)
		return
	}
	r.mu.Lock()
	fn, ok := r.functions[payload.FunctionID]
	if ok {
		delete(r.functions, payload.FunctionID)
	}
	cbs := append([]func(Function){}, r.onRemove...)
	r.mu.Unlock()
	if !ok {
		return
	}
	for _, cb := range cbs {
		cb(fn)
	}
}

// Count reports the number of live functions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.functions)
}
