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
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider adapts the orchestrator to the Anthropic Messages API.
type AnthropicProvider struct {
	core
	client    anthropic.Client
	model     string
	maxTokens int64
}

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	// APIKey is required.
	APIKey string
	// BaseURL overrides the API host (optional).
	BaseURL string
	// Model defaults to claude-sonnet-4-20250514.
	Model string
	// MaxTokens defaults to 4096.
	MaxTokens int
}

// NewAnthropic creates the adapter.
func NewAnthropic(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: int64(cfg.MaxTokens),
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// ToolSchemas serializes tool schemas into Anthropic tool params.
func (p *AnthropicProvider) ToolSchemas(defs []ToolSchema) any {
	tools := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		raw, err := json.Marshal(def.Parameters)
		if err != nil {
			continue
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			continue
		}
		tool := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if tool.OfTool != nil {
			tool.OfTool.Description = anthropic.String(def.Description)
		}
		tools = append(tools, tool)
	}
	return tools
}

// Call invokes the Messages API once and flattens the response into the
// orchestrator's uniform view.
func (p *AnthropicProvider) Call(ctx context.Context, messages []Message, tools []ToolSchema, choice ToolChoice) (*Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: p.maxTokens,
	}

	// The Messages API takes the system prompt out of band; tool results
	// travel as user-role tool_result blocks.
	var converted []anthropic.MessageParam
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			params.System = append(params.System, anthropic.TextBlockParam{Type: "text", Text: msg.Text})
		case RoleAssistant:
			var content []anthropic.ContentBlockParamUnion
			if msg.Text != "" {
				content = append(content, anthropic.NewTextBlock(msg.Text))
			}
			for _, call := range msg.Calls {
				content = append(content, anthropic.NewToolUseBlock(call.ID, call.Args, call.Name))
			}
			converted = append(converted, anthropic.NewAssistantMessage(content...))
		case RoleTool:
			if msg.Result == nil {
				continue
			}
			converted = append(converted, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.Result.CallID, msg.Result.Content, false)))
		default:
			converted = append(converted, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Text)))
		}
	}
	params.Messages = converted

	if len(tools) > 0 {
		params.Tools = p.ToolSchemas(tools).([]anthropic.ToolUnionParam)
		switch choice {
		case ToolChoiceRequired:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
		case ToolChoiceNone:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
		default:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
		}
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Model: p.model, Err: err}
	}

	resp := &Response{
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
	}
	var text strings.Builder
	for _, block := range message.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			tu := block.AsToolUse()
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:   tu.ID,
				Name: tu.Name,
				Args: parseArguments(string(tu.Input)),
			})
		}
	}
	resp.Text = text.String()
	if resp.Text == "" && len(resp.ToolCalls) == 0 {
		return nil, &ProviderError{
			Provider: p.Name(), Model: p.model,
			Err: fmt.Errorf("empty response (stop reason %q)", message.StopReason),
		}
	}
	return resp, nil
}
