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

// Package service hosts callable functions: it advertises them on the bus,
// serves the RPC endpoint they are invoked on, validates inbound arguments
// against the advertised schema, and publishes its corner of the topology.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/genesis-rt/genesis/pkg/advertisement"
	"github.com/genesis-rt/genesis/pkg/fabric"
	"github.com/genesis-rt/genesis/pkg/monitoring"
	"github.com/genesis-rt/genesis/pkg/rpc"
)

// Invocation is the payload an agent sends to invoke one function.
type Invocation struct {
	FunctionID string         `json:"function_id"`
	Arguments  map[string]any `json:"arguments"`
	ChainID    string         `json:"chain_id,omitempty"`
	SourceGUID string         `json:"source_guid,omitempty"`
}

// InvocationResult is the reply payload.
type InvocationResult struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Function is one operation hosted by a service.
type Function struct {
	// ID defaults to "<service>.<name>" when empty.
	ID          string
	Name        string
	Description string
	// Parameters is the JSON-schema description advertised to agents and
	// enforced on every invocation.
	Parameters map[string]any
	// Handler runs the function.
	Handler func(ctx context.Context, args map[string]any) (any, error)
}

// Config configures a Service.
type Config struct {
	// Name is the service name; it doubles as the RPC endpoint.
	Name   string
	Logger *slog.Logger
}

type hosted struct {
	fn        Function
	validator *jsonschema.Schema
}

// Service is the base every function host runs on.
type Service struct {
	self   fabric.Participant
	fab    fabric.Fabric
	bus    *advertisement.Bus
	pub    *monitoring.Publisher
	logger *slog.Logger

	replier *rpc.Replier

	mu    sync.RWMutex
	funcs map[string]hosted
}

// New attaches the service to the fabric, serves its endpoint, and
// publishes its node.
func New(ctx context.Context, f fabric.Fabric, cfg Config) (*Service, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("service: name is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	self := fabric.NewParticipant(fabric.KindService, cfg.Name)

	bus, err := advertisement.New(ctx, f, self.GUID, advertisement.WithLogger(cfg.Logger))
	if err != nil {
		return nil, fmt.Errorf("service: join bus: %w", err)
	}
	pub, err := monitoring.NewPublisher(ctx, f, cfg.Logger)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("service: monitoring: %w", err)
	}

	s := &Service{
		self:   self,
		fab:    f,
		bus:    bus,
		pub:    pub,
		logger: cfg.Logger,
		funcs:  make(map[string]hosted),
	}

	replier, err := rpc.Serve(ctx, f, cfg.Name, self.GUID, s.handle, rpc.WithReplierLogger(cfg.Logger))
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("service: serve %q: %w", cfg.Name, err)
	}
	s.replier = replier

	if err := pub.PublishNode(ctx, monitoring.Node{
		ID:    self.GUID,
		Type:  monitoring.NodeService,
		State: monitoring.StateReady,
		Name:  cfg.Name,
	}); err != nil {
		s.logger.Error("publish service node failed", "service", cfg.Name, "err", err)
	}
	return s, nil
}

// GUID returns the service's participant guid.
func (s *Service) GUID() string { return s.self.GUID }

// Name returns the service name (and endpoint).
func (s *Service) Name() string { return s.self.Name }

// RegisterFunction advertises one function and starts serving it.
func (s *Service) RegisterFunction(ctx context.Context, fn Function) error {
	if fn.Name == "" {
		return fmt.Errorf("service: function name is required")
	}
	if fn.Handler == nil {
		return fmt.Errorf("service: function %q has no handler", fn.Name)
	}
	if fn.ID == "" {
		fn.ID = s.self.Name + "." + fn.Name
	}
	if fn.Parameters == nil {
		fn.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}

	validator, err := compileSchema(fn.ID, fn.Parameters)
	if err != nil {
		return fmt.Errorf("service: function %q schema: %w", fn.Name, err)
	}

	s.mu.Lock()
	if _, exists := s.funcs[fn.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("service: function id %q already registered", fn.ID)
	}
	s.funcs[fn.ID] = hosted{fn: fn, validator: validator}
	s.mu.Unlock()

	schemaRaw, err := json.Marshal(fn.Parameters)
	if err != nil {
		return fmt.Errorf("service: encode schema for %q: %w", fn.Name, err)
	}
	if err := s.bus.AdvertiseFunction(ctx, advertisement.FunctionPayload{
		FunctionID:      fn.ID,
		Name:            fn.Name,
		Description:     fn.Description,
		ParameterSchema: schemaRaw,
		ProviderGUID:    s.self.GUID,
		Endpoint:        s.self.Name,
	}); err != nil {
		return fmt.Errorf("service: advertise %q: %w", fn.Name, err)
	}

	if err := s.pub.PublishNode(ctx, monitoring.Node{
		ID:    fn.ID,
		Type:  monitoring.NodeFunction,
		State: monitoring.StateReady,
		Name:  fn.Name,
	}); err != nil {
		s.logger.Error("publish function node failed", "function", fn.Name, "err", err)
	}
	if err := s.pub.PublishEdge(ctx, monitoring.Edge{
		Type:   monitoring.EdgeServiceToFunc,
		Source: s.self.GUID,
		Target: fn.ID,
	}); err != nil {
		s.logger.Error("publish function edge failed", "function", fn.Name, "err", err)
	}
	return nil
}

// UnregisterFunction disposes one function's advertisement and topology.
func (s *Service) UnregisterFunction(ctx context.Context, functionID string) error {
	s.mu.Lock()
	_, ok := s.funcs[functionID]
	delete(s.funcs, functionID)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("service: function id %q not registered", functionID)
	}
	if err := s.bus.Dispose(ctx, advertisement.FunctionKey(s.self.GUID, functionID)); err != nil {
		return err
	}
	if err := s.pub.RemoveNode(ctx, functionID); err != nil {
		s.logger.Error("remove function node failed", "function", functionID, "err", err)
	}
	if err := s.pub.RemoveEdge(ctx, monitoring.EdgeKey(monitoring.EdgeServiceToFunc, s.self.GUID, functionID)); err != nil {
		s.logger.Error("remove function edge failed", "function", functionID, "err", err)
	}
	return nil
}

// handle serves one invocation on the replier's dispatch loop.
func (s *Service) handle(ctx context.Context, req rpc.Request) ([]byte, int) {
	started := time.Now()
	var inv Invocation
	if err := json.Unmarshal(req.Payload, &inv); err != nil {
		s.logger.Error("unparseable invocation", "service", s.self.Name, "payload", string(req.Payload), "err", err)
		return resultPayload(InvocationResult{Error: "unparseable invocation: " + err.Error()}), 1
	}

	s.mu.RLock()
	h, ok := s.funcs[inv.FunctionID]
	s.mu.RUnlock()
	if !ok {
		return resultPayload(InvocationResult{Error: fmt.Sprintf("unknown function %q", inv.FunctionID)}), 1
	}

	if err := h.validator.Validate(normalize(inv.Arguments)); err != nil {
		s.logger.Warn("invocation rejected by schema", "function", inv.FunctionID, "err", err)
		s.activity(ctx, inv, h.fn, monitoring.ActivityError, started, err)
		return resultPayload(InvocationResult{Error: "invalid arguments: " + err.Error()}), 1
	}

	result, err := h.fn.Handler(ctx, inv.Arguments)
	if err != nil {
		s.logger.Error("function failed", "function", inv.FunctionID, "chain_id", inv.ChainID, "err", err)
		s.activity(ctx, inv, h.fn, monitoring.ActivityError, started, err)
		return resultPayload(InvocationResult{Error: err.Error()}), 1
	}
	s.activity(ctx, inv, h.fn, monitoring.ActivityResponse, started, nil)
	return resultPayload(InvocationResult{Result: result}), rpc.StatusOK
}

func (s *Service) activity(ctx context.Context, inv Invocation, fn Function, typ monitoring.ActivityType, started time.Time, err error) {
	a := monitoring.Activity{
		ChainID:    inv.ChainID,
		Type:       typ,
		Source:     inv.SourceGUID,
		Target:     s.self.GUID,
		Operation:  fn.Name,
		DurationMS: time.Since(started).Milliseconds(),
	}
	if err != nil {
		a.Status = 1
		a.Error = err.Error()
	}
	s.pub.Activity(ctx, a)
}

// Shutdown disposes advertisements and topology, then stops serving.
func (s *Service) Shutdown(ctx context.Context) {
	if err := s.bus.DisposeAll(ctx); err != nil {
		s.logger.Error("dispose advertisements failed", "service", s.self.Name, "err", err)
	}
	s.pub.DisposeAll(ctx)
	s.replier.Close(ctx)
	s.bus.Close()
}

func resultPayload(r InvocationResult) []byte {
	raw, err := json.Marshal(r)
	if err != nil {
		return []byte(`{"error":"encode result failed"}`)
	}
	return raw
}

// compileSchema builds a validator from the advertised parameter schema.
func compileSchema(id string, params map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	url := "genesis://functions/" + id + ".json"
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// normalize round-trips arguments through JSON so the validator sees
// canonical types (json.Number-free maps decoded from the wire already
// are, but handlers may be invoked locally in tests).
func normalize(args map[string]any) any {
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return args
	}
	return v
}
