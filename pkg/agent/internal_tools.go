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
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/genesis-rt/genesis/pkg/llm"
	"github.com/genesis-rt/genesis/pkg/registry"
)

// InternalTool is a method the agent exposes to its own model alongside
// remote functions and peer agents.
type InternalTool struct {
	Name        string
	Description string
	// Handler runs the tool. The returned value is serialized into the
	// tool-result turn.
	Handler func(ctx context.Context, args map[string]any) (any, error)
	// Schema is the JSON-schema parameter description. When nil it is
	// derived from ArgsProto.
	Schema map[string]any
	// ArgsProto is a sample of the handler's argument struct; its shape is
	// reflected into Schema when Schema is nil.
	ArgsProto any
}

// internalTools holds the agent's own tool catalog and the schema window
// derived from it. The derivation is idempotent: it re-runs only when
// the catalog generation moved, never per request.
type internalTools struct {
	catalog *registry.Catalog[InternalTool]

	mu       sync.Mutex
	builtGen uint64
	built    map[string]llm.ToolSchema
}

func newInternalTools() *internalTools {
	return &internalTools{
		catalog: registry.NewCatalog[InternalTool](),
		built:   make(map[string]llm.ToolSchema),
	}
}

func (t *internalTools) register(tool InternalTool) error {
	if tool.Name == "" {
		return fmt.Errorf("agent: internal tool name is required")
	}
	if tool.Handler == nil {
		return fmt.Errorf("agent: internal tool %q has no handler", tool.Name)
	}
	return t.catalog.Add(tool.Name, tool)
}

// ensure rebuilds the schema window if the catalog changed since the
// last build, and returns the current schemas.
func (t *internalTools) ensure() map[string]llm.ToolSchema {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen := t.catalog.Generation(); gen != t.builtGen {
		tools := t.catalog.Snapshot()
		built := make(map[string]llm.ToolSchema, len(tools))
		for name, tool := range tools {
			built[name] = llm.ToolSchema{
				Name:        name,
				Description: tool.Description,
				Parameters:  tool.schema(),
			}
		}
		t.built = built
		t.builtGen = gen
	}
	out := make(map[string]llm.ToolSchema, len(t.built))
	for name, def := range t.built {
		out[name] = def
	}
	return out
}

func (t *internalTools) lookup(name string) (InternalTool, bool) {
	return t.catalog.Get(name)
}

// schema resolves the tool's parameter schema, reflecting ArgsProto when
// no explicit schema was given.
func (tool InternalTool) schema() map[string]any {
	if tool.Schema != nil {
		return tool.Schema
	}
	if tool.ArgsProto != nil {
		reflector := jsonschema.Reflector{
			Anonymous:      true,
			DoNotReference: true,
			ExpandedStruct: true,
		}
		raw, err := json.Marshal(reflector.Reflect(tool.ArgsProto))
		if err == nil {
			var schema map[string]any
			if json.Unmarshal(raw, &schema) == nil {
				// The reflected document carries a $schema marker the
				// providers do not want.
				delete(schema, "$schema")
				return schema
			}
		}
	}
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
