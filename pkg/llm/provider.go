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

package llm

import (
	"context"
	"fmt"

	"github.com/genesis-rt/genesis/pkg/memory"
	"github.com/genesis-rt/genesis/pkg/registry"
)

// Provider binds the orchestrator to one model vendor. The orchestrator
// consumes exactly these operations; adding a vendor never touches
// orchestration, routing, or monitoring code.
type Provider interface {
	// Name identifies the provider ("anthropic", "openai", "mock").
	Name() string
	// Call invokes the model once with the given tool-choice policy.
	Call(ctx context.Context, messages []Message, tools []ToolSchema, choice ToolChoice) (*Response, error)
	// FormatMessages builds the initial transcript from the user input,
	// the selected system prompt, and the memory excerpt.
	FormatMessages(userMessage, systemPrompt string, memoryItems []memory.Item) []Message
	// ExtractToolCalls returns the tool calls of a response, in order.
	ExtractToolCalls(resp *Response) []ToolCall
	// ExtractText returns the response text, empty when there is none.
	ExtractText(resp *Response) string
	// BuildAssistantTurn converts a response into the assistant turn
	// appended to the transcript so later tool results correlate by id.
	BuildAssistantTurn(resp *Response) Message
	// ToolSchemas serializes tool schemas into the provider's wire
	// shape. The return value feeds the provider's own Call.
	ToolSchemas(defs []ToolSchema) any
	// ToolChoicePolicy is the policy the orchestrator passes on the no-tool
	// path; the multi-turn tool loop passes ToolChoiceAuto directly.
	ToolChoicePolicy() ToolChoice
}

// ProviderError reports a failed model invocation.
type ProviderError struct {
	Provider string
	Model    string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("llm: %s (%s): %v", e.Provider, e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// core implements the provider-agnostic half of Provider. Concrete
// adapters embed it and supply Name, Call, and ToolSchemas.
type core struct{}

func (core) FormatMessages(userMessage, systemPrompt string, memoryItems []memory.Item) []Message {
	messages := make([]Message, 0, len(memoryItems)+2)
	if systemPrompt != "" {
		messages = append(messages, TextTurn(RoleSystem, systemPrompt))
	}
	for _, item := range memory.ContextItems(memoryItems) {
		role := RoleUser
		if item.Role == memory.RoleAssistant {
			role = RoleAssistant
		}
		messages = append(messages, TextTurn(role, item.Content))
	}
	messages = append(messages, TextTurn(RoleUser, userMessage))
	return messages
}

func (core) ExtractToolCalls(resp *Response) []ToolCall {
	if resp == nil {
		return nil
	}
	return resp.ToolCalls
}

func (core) ExtractText(resp *Response) string {
	if resp == nil {
		return ""
	}
	return resp.Text
}

func (core) BuildAssistantTurn(resp *Response) Message {
	msg := Message{Role: RoleAssistant}
	if resp == nil {
		return msg
	}
	msg.Text = resp.Text
	msg.Calls = resp.ToolCalls
	return msg
}

func (core) ToolChoicePolicy() ToolChoice { return ToolChoiceAuto }

// Registry holds named providers.
type Registry struct {
	*registry.Catalog[Provider]
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{Catalog: registry.NewCatalog[Provider]()}
}

// RegisterProvider adds a provider under its own name.
func (r *Registry) RegisterProvider(p Provider) error {
	return r.Add(p.Name(), p)
}
