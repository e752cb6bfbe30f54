package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genesis-rt/genesis/pkg/fabric"
	"github.com/genesis-rt/genesis/pkg/llm"
	"github.com/genesis-rt/genesis/pkg/memory"
)

func newTestAgent(t *testing.T, f fabric.Fabric, cfg Config) (*Agent, *memory.WorkingMemory) {
	t.Helper()
	store := memory.NewWorking(memory.WorkingConfig{})
	if cfg.Memory == nil {
		cfg.Memory = store
	}
	a, err := New(context.Background(), f, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Shutdown(context.Background()) })
	return a, store
}

func TestPureConversation(t *testing.T) {
	f := fabric.NewMemory()
	ctx := context.Background()
	mock := llm.NewMock(llm.MockText("hi"))

	a, store := newTestAgent(t, f, Config{Name: "solo", Provider: mock})

	reply := a.ProcessRequest(ctx, Request{Message: "hello", ConversationID: "conv-1"})
	assert.Equal(t, Reply{Message: "hi", Status: 0}, reply)

	// Zero tools, zero memory: exactly one model call, no tool window.
	assert.Equal(t, 1, mock.Calls())
	assert.Empty(t, mock.ToolsSeen()[0])

	items, err := store.Retrieve(ctx, "conv-1", 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, memory.RoleUser, items[0].Role)
	assert.Equal(t, "hello", items[0].Content)
	assert.Equal(t, memory.RoleAssistant, items[1].Role)
	assert.Equal(t, "hi", items[1].Content)
}

func TestReplaySameMessageSameMemoryDelta(t *testing.T) {
	f := fabric.NewMemory()
	ctx := context.Background()
	mock := llm.NewMock(llm.MockText("hi"))

	a, store := newTestAgent(t, f, Config{Name: "replay", Provider: mock})

	a.ProcessRequest(ctx, Request{Message: "hello", ConversationID: "c"})
	before, err := store.Retrieve(ctx, "c", 0)
	require.NoError(t, err)

	a.ProcessRequest(ctx, Request{Message: "hello", ConversationID: "c"})
	after, err := store.Retrieve(ctx, "c", 0)
	require.NoError(t, err)

	require.Len(t, after, len(before)*2)
	for i, item := range before {
		assert.Equal(t, item.Role, after[len(before)+i].Role)
		assert.Equal(t, item.Content, after[len(before)+i].Content)
	}
}

func TestInternalToolLoop(t *testing.T) {
	f := fabric.NewMemory()
	ctx := context.Background()
	mock := llm.NewMock(
		llm.MockToolCall("c1", "lookup", map[string]any{"key": "answer"}),
		llm.MockText("the answer is 42"),
	)

	a, store := newTestAgent(t, f, Config{Name: "tooler", Provider: mock})
	require.NoError(t, a.RegisterInternalTool(InternalTool{
		Name:        "lookup",
		Description: "Look up a value.",
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			assert.Equal(t, "answer", args["key"])
			return "42", nil
		},
	}))

	reply := a.ProcessRequest(ctx, Request{Message: "what is the answer?", ConversationID: "c"})
	assert.Equal(t, 0, reply.Status)
	assert.Equal(t, "the answer is 42", reply.Message)
	assert.Equal(t, 2, mock.Calls())

	// The model saw the lookup tool in its window.
	require.NotEmpty(t, mock.ToolsSeen()[0])
	assert.Equal(t, "lookup", mock.ToolsSeen()[0][0].Name)

	// Both turns used the auto policy.
	for _, choice := range mock.Choices() {
		assert.Equal(t, llm.ToolChoiceAuto, choice)
	}

	// The durable record carries the tool turns tagged for filtering.
	items, err := store.Retrieve(ctx, "c", 0)
	require.NoError(t, err)
	roles := make([]memory.Role, 0, len(items))
	for _, item := range items {
		roles = append(roles, item.Role)
	}
	assert.Equal(t, []memory.Role{memory.RoleUser, memory.RoleAssistantTool, memory.RoleTool, memory.RoleAssistant}, roles)
}

func TestToolResponsesKeepCallOrder(t *testing.T) {
	f := fabric.NewMemory()
	ctx := context.Background()
	mock := llm.NewMock(
		&llm.Response{ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "first", Args: map[string]any{}},
			{ID: "c2", Name: "second", Args: map[string]any{}},
		}},
		llm.MockText("done"),
	)

	a, _ := newTestAgent(t, f, Config{Name: "ordered", Provider: mock})
	for _, name := range []string{"first", "second"} {
		n := name
		require.NoError(t, a.RegisterInternalTool(InternalTool{
			Name:    n,
			Handler: func(context.Context, map[string]any) (any, error) { return n + "-result", nil },
		}))
	}

	reply := a.ProcessRequest(ctx, Request{Message: "go", ConversationID: "c"})
	assert.Equal(t, 0, reply.Status)

	// The second model call sees: ..., assistant turn carrying both call
	// ids, then the tool responses in exactly the call order.
	history := mock.History()
	require.Len(t, history, 2)
	msgs := history[1]
	require.GreaterOrEqual(t, len(msgs), 3)

	tail := msgs[len(msgs)-3:]
	assert.Equal(t, llm.RoleAssistant, tail[0].Role)
	require.Len(t, tail[0].Calls, 2)
	assert.Equal(t, llm.RoleTool, tail[1].Role)
	require.NotNil(t, tail[1].Result)
	assert.Equal(t, "c1", tail[1].Result.CallID)
	assert.Equal(t, "first-result", tail[1].Result.Content)
	assert.Equal(t, llm.RoleTool, tail[2].Role)
	require.NotNil(t, tail[2].Result)
	assert.Equal(t, "c2", tail[2].Result.CallID)
	assert.Equal(t, "second-result", tail[2].Result.Content)
}

func TestToolErrorIsRecoveredInLoop(t *testing.T) {
	f := fabric.NewMemory()
	ctx := context.Background()
	mock := llm.NewMock(
		llm.MockToolCall("c1", "flaky", map[string]any{}),
		llm.MockText("recovered"),
	)

	a, _ := newTestAgent(t, f, Config{Name: "recover", Provider: mock})
	require.NoError(t, a.RegisterInternalTool(InternalTool{
		Name:    "flaky",
		Handler: func(context.Context, map[string]any) (any, error) { return nil, assert.AnError },
	}))

	reply := a.ProcessRequest(ctx, Request{Message: "try", ConversationID: "c"})
	assert.Equal(t, 0, reply.Status)
	assert.Equal(t, "recovered", reply.Message)

	msgs := mock.History()[1]
	last := msgs[len(msgs)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	require.NotNil(t, last.Result)
	assert.Contains(t, last.Result.Content, "error")
}

func TestUnknownToolContinuesLoop(t *testing.T) {
	f := fabric.NewMemory()
	ctx := context.Background()
	mock := llm.NewMock(
		llm.MockToolCall("c1", "no_such_tool", map[string]any{}),
		llm.MockText("moved on"),
	)

	a, _ := newTestAgent(t, f, Config{Name: "unknown", Provider: mock})
	require.NoError(t, a.RegisterInternalTool(InternalTool{
		Name:    "real_tool",
		Handler: func(context.Context, map[string]any) (any, error) { return "x", nil },
	}))

	reply := a.ProcessRequest(ctx, Request{Message: "go", ConversationID: "c"})
	assert.Equal(t, 0, reply.Status)
	assert.Equal(t, "moved on", reply.Message)

	msgs := mock.History()[1]
	last := msgs[len(msgs)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	require.NotNil(t, last.Result)
	assert.Contains(t, last.Result.Content, "unknown tool")
}

func TestLoopExhaustion(t *testing.T) {
	f := fabric.NewMemory()
	ctx := context.Background()
	mock := llm.NewMock(llm.MockToolCall("c1", "spin", map[string]any{}))

	a, _ := newTestAgent(t, f, Config{Name: "spinner", Provider: mock, MaxTurns: 2})
	require.NoError(t, a.RegisterInternalTool(InternalTool{
		Name:    "spin",
		Handler: func(context.Context, map[string]any) (any, error) { return "again", nil },
	}))

	reply := a.ProcessRequest(ctx, Request{Message: "go", ConversationID: "c"})
	assert.Equal(t, 1, reply.Status)
	assert.Equal(t, 2, mock.Calls(), "exactly MAX_TURNS model invocations")
}

func TestLoopExhaustionWithSingleTurn(t *testing.T) {
	f := fabric.NewMemory()
	ctx := context.Background()
	mock := llm.NewMock(llm.MockToolCall("c1", "spin", map[string]any{}))

	a, _ := newTestAgent(t, f, Config{Name: "one-turn", Provider: mock, MaxTurns: 1})
	require.NoError(t, a.RegisterInternalTool(InternalTool{
		Name:    "spin",
		Handler: func(context.Context, map[string]any) (any, error) { return "again", nil },
	}))

	reply := a.ProcessRequest(ctx, Request{Message: "go", ConversationID: "c"})
	assert.Equal(t, 1, reply.Status)
	assert.Equal(t, 1, mock.Calls())
}

func TestProviderErrorSurfacesAsStatusOne(t *testing.T) {
	f := fabric.NewMemory()
	ctx := context.Background()
	mock := llm.NewMock()
	mock.Err = assert.AnError

	a, store := newTestAgent(t, f, Config{Name: "failing", Provider: mock})

	reply := a.ProcessRequest(ctx, Request{Message: "hello", ConversationID: "c"})
	assert.Equal(t, 1, reply.Status)
	assert.NotEmpty(t, reply.Message)

	// The user turn is still recorded.
	items, err := store.Retrieve(ctx, "c", 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, memory.RoleUser, items[0].Role)
}

func TestMemoryContextExcludesToolItems(t *testing.T) {
	f := fabric.NewMemory()
	ctx := context.Background()
	mock := llm.NewMock(
		llm.MockToolCall("c1", "noop", map[string]any{}),
		llm.MockText("first done"),
		llm.MockText("second done"),
	)

	a, _ := newTestAgent(t, f, Config{Name: "ctx", Provider: mock})
	require.NoError(t, a.RegisterInternalTool(InternalTool{
		Name:    "noop",
		Handler: func(context.Context, map[string]any) (any, error) { return "ok", nil },
	}))

	a.ProcessRequest(ctx, Request{Message: "first", ConversationID: "c"})
	a.ProcessRequest(ctx, Request{Message: "second", ConversationID: "c"})

	// The third model call starts a fresh request whose context must not
	// contain tool or assistant_tool items from the first one.
	msgs := mock.History()[2]
	for _, msg := range msgs {
		assert.NotEqual(t, llm.RoleTool, msg.Role)
		assert.Nil(t, msg.Result)
	}
}

func TestInternalToolSchemaReflection(t *testing.T) {
	f := fabric.NewMemory()
	ctx := context.Background()
	mock := llm.NewMock(llm.MockText("ok"))

	type lookupArgs struct {
		Key string `json:"key" jsonschema:"description=The key to look up"`
	}
	a, _ := newTestAgent(t, f, Config{Name: "reflect", Provider: mock})
	require.NoError(t, a.RegisterInternalTool(InternalTool{
		Name:      "lookup",
		ArgsProto: lookupArgs{},
		Handler:   func(context.Context, map[string]any) (any, error) { return "", nil },
	}))

	a.ProcessRequest(ctx, Request{Message: "hi", ConversationID: "c"})

	tools := mock.ToolsSeen()[0]
	require.Len(t, tools, 1)
	props, ok := tools[0].Parameters["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "key")
}

func TestInternalToolRegistrationRules(t *testing.T) {
	f := fabric.NewMemory()
	mock := llm.NewMock(llm.MockText("ok"))
	a, _ := newTestAgent(t, f, Config{Name: "rules", Provider: mock})

	handler := func(context.Context, map[string]any) (any, error) { return nil, nil }
	require.Error(t, a.RegisterInternalTool(InternalTool{Handler: handler}), "name required")
	require.Error(t, a.RegisterInternalTool(InternalTool{Name: "x"}), "handler required")
	require.NoError(t, a.RegisterInternalTool(InternalTool{Name: "x", Handler: handler}))
	require.Error(t, a.RegisterInternalTool(InternalTool{Name: "x", Handler: handler}), "duplicates rejected")
}

func TestConfigValidation(t *testing.T) {
	f := fabric.NewMemory()
	ctx := context.Background()

	_, err := New(ctx, f, Config{Provider: llm.NewMock()})
	require.Error(t, err, "name required")

	_, err = New(ctx, f, Config{Name: "x"})
	require.Error(t, err, "provider required")
}

func TestConcurrentRequestsAreIsolated(t *testing.T) {
	f := fabric.NewMemory()
	ctx := context.Background()
	mock := llm.NewMock(llm.MockText("hi"))

	a, _ := newTestAgent(t, f, Config{Name: "concurrent", Provider: mock})

	done := make(chan Reply, 8)
	for i := 0; i < 8; i++ {
		go func(n int) {
			done <- a.ProcessRequest(ctx, Request{Message: "hello", ConversationID: "conv"})
		}(i)
	}
	for i := 0; i < 8; i++ {
		select {
		case reply := <-done:
			assert.Equal(t, 0, reply.Status)
		case <-time.After(5 * time.Second):
			t.Fatal("request did not finish")
		}
	}
	assert.Equal(t, 8, mock.Calls())
}
