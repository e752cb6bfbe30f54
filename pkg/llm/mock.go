package llm

import (
	"context"
	"sync"
)

// MockProvider is a scripted provider for tests: each Call pops the next
// scripted response (repeating the last one when the script runs out) and
// records what it was called with.
type MockProvider struct {
	core

	// Script is consumed one response per Call.
	Script []*Response
	// Err, when set, fails every Call.
	Err error

	mu      sync.Mutex
	calls   int
	history [][]Message
	tools   [][]ToolSchema
	choices []ToolChoice
}

// NewMock creates a scripted provider.
func NewMock(script ...*Response) *MockProvider {
	return &MockProvider{Script: script}
}

// MockText is a convenience response containing only text.
func MockText(text string) *Response { return &Response{Text: text} }

// MockToolCall is a convenience response containing one tool call.
func MockToolCall(id, name string, args map[string]any) *Response {
	return &Response{ToolCalls: []ToolCall{{ID: id, Name: name, Args: args}}}
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) ToolSchemas(defs []ToolSchema) any { return defs }

func (m *MockProvider) Call(_ context.Context, messages []Message, tools []ToolSchema, choice ToolChoice) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, append([]Message(nil), messages...))
	m.tools = append(m.tools, append([]ToolSchema(nil), tools...))
	m.choices = append(m.choices, choice)
	m.calls++
	if m.Err != nil {
		return nil, &ProviderError{Provider: m.Name(), Model: "mock", Err: m.Err}
	}
	if len(m.Script) == 0 {
		return &Response{Text: ""}, nil
	}
	idx := m.calls - 1
	if idx >= len(m.Script) {
		idx = len(m.Script) - 1
	}
	return m.Script[idx], nil
}

// Calls reports how many times the provider was invoked.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// History returns the transcripts of every call.
func (m *MockProvider) History() [][]Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]Message, len(m.history))
	copy(out, m.history)
	return out
}

// ToolsSeen returns the tool windows of every call.
func (m *MockProvider) ToolsSeen() [][]ToolSchema {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]ToolSchema, len(m.tools))
	copy(out, m.tools)
	return out
}

// Choices returns the tool-choice policy of every call.
func (m *MockProvider) Choices() []ToolChoice {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ToolChoice, len(m.choices))
	copy(out, m.choices)
	return out
}
