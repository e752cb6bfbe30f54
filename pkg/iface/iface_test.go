package iface

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genesis-rt/genesis/pkg/advertisement"
	"github.com/genesis-rt/genesis/pkg/fabric"
	"github.com/genesis-rt/genesis/pkg/rpc"
)

func TestDiscoverAgents(t *testing.T) {
	f := fabric.NewMemory()
	ctx := context.Background()

	agentBus, err := advertisement.New(ctx, f, "agent-guid")
	require.NoError(t, err)
	defer agentBus.Close()
	require.NoError(t, agentBus.AdvertiseAgent(ctx, advertisement.AgentPayload{
		Name:         "assistant",
		Endpoint:     "assistant",
		Capabilities: []string{"general"},
	}))

	ui, err := New(ctx, f, Config{Name: "cli"})
	require.NoError(t, err)
	defer ui.Shutdown(ctx)

	require.Eventually(t, func() bool { return len(ui.Agents()) == 1 }, 2*time.Second, 10*time.Millisecond)
	info := ui.Agents()[0]
	assert.Equal(t, "assistant", info.Name)
	assert.Equal(t, "assistant", info.Endpoint)
	assert.Equal(t, []string{"general"}, info.Capabilities)
}

func TestConnectToUnknownAgent(t *testing.T) {
	f := fabric.NewMemory()
	ctx := context.Background()

	ui, err := New(ctx, f, Config{Name: "cli"})
	require.NoError(t, err)
	defer ui.Shutdown(ctx)

	err = ui.ConnectToAgent(ctx, "nobody", 100*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not discovered")
}

func TestSendRequestRequiresConnection(t *testing.T) {
	f := fabric.NewMemory()
	ctx := context.Background()

	ui, err := New(ctx, f, Config{Name: "cli"})
	require.NoError(t, err)
	defer ui.Shutdown(ctx)

	_, err = ui.SendRequest(ctx, "hello", "")
	require.Error(t, err)
}

func TestDisconnectWhenAgentLeaves(t *testing.T) {
	f := fabric.NewMemory()
	ctx := context.Background()

	agentBus, err := advertisement.New(ctx, f, "agent-guid")
	require.NoError(t, err)
	defer agentBus.Close()
	require.NoError(t, agentBus.AdvertiseAgent(ctx, advertisement.AgentPayload{
		Name: "transient", Endpoint: "transient",
	}))

	ui, err := New(ctx, f, Config{Name: "cli"})
	require.NoError(t, err)
	defer ui.Shutdown(ctx)
	require.Eventually(t, func() bool { return len(ui.Agents()) == 1 }, 2*time.Second, 10*time.Millisecond)

	replier, err := rpc.Serve(ctx, f, "transient", "agent-guid", func(context.Context, rpc.Request) ([]byte, int) {
		return []byte(`{}`), rpc.StatusOK
	})
	require.NoError(t, err)
	defer replier.Close(ctx)
	require.NoError(t, ui.ConnectToAgent(ctx, "transient", time.Second))
	_, connected := ui.Connected()
	require.True(t, connected)

	require.NoError(t, agentBus.Dispose(ctx, advertisement.AgentKey("agent-guid")))
	require.Eventually(t, func() bool { return len(ui.Agents()) == 0 }, 2*time.Second, 10*time.Millisecond)

	_, connected = ui.Connected()
	assert.False(t, connected)
}
