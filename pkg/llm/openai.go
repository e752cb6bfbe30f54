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
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider adapts the orchestrator to the OpenAI chat completions
// API (and compatible hosts).
type OpenAIProvider struct {
	core
	client *openai.Client
	model  string
}

// OpenAIConfig configures the OpenAI adapter.
type OpenAIConfig struct {
	// APIKey is required.
	APIKey string
	// BaseURL overrides the API host (optional, for compatible servers).
	BaseURL string
	// Model defaults to gpt-4o.
	Model string
}

// NewOpenAI creates the adapter.
func NewOpenAI(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4o
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

// ToolSchemas serializes tool schemas into OpenAI function tools.
func (p *OpenAIProvider) ToolSchemas(defs []ToolSchema) any {
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	return tools
}

// Call invokes the chat completions API once.
func (p *OpenAIProvider) Call(ctx context.Context, messages []Message, tools []ToolSchema, choice ToolChoice) (*Response, error) {
	converted := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		m := openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Text,
		}
		if msg.Role == RoleTool && msg.Result != nil {
			m.ToolCallID = msg.Result.CallID
			m.Content = msg.Result.Content
		}
		for _, call := range msg.Calls {
			raw, err := json.Marshal(call.Args)
			if err != nil {
				raw = []byte("{}")
			}
			m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Name,
					Arguments: string(raw),
				},
			})
		}
		converted = append(converted, m)
	}

	req := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: converted,
	}
	if len(tools) > 0 {
		req.Tools = p.ToolSchemas(tools).([]openai.Tool)
		req.ToolChoice = string(choice)
	}

	completion, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Model: p.model, Err: err}
	}
	if len(completion.Choices) == 0 {
		return nil, &ProviderError{Provider: p.Name(), Model: p.model, Err: fmt.Errorf("no choices returned")}
	}

	msg := completion.Choices[0].Message
	resp := &Response{
		Text:         msg.Content,
		InputTokens:  completion.Usage.PromptTokens,
		OutputTokens: completion.Usage.CompletionTokens,
	}
	for _, tc := range msg.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: parseArguments(tc.Function.Arguments),
		})
	}
	return resp, nil
}
