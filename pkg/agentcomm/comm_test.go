package agentcomm

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genesis-rt/genesis/pkg/advertisement"
	"github.com/genesis-rt/genesis/pkg/fabric"
	"github.com/genesis-rt/genesis/pkg/rpc"
)

func newComm(t *testing.T, f fabric.Fabric, name string, capabilities []string, handler Handler) *Comm {
	t.Helper()
	ctx := context.Background()
	self := fabric.NewParticipant(fabric.KindAgent, name)
	bus, err := advertisement.New(ctx, f, self.GUID)
	require.NoError(t, err)
	t.Cleanup(bus.Close)
	if handler == nil {
		handler = func(_ context.Context, req rpc.Request) ([]byte, int) {
			return req.Payload, rpc.StatusOK
		}
	}
	c, err := New(ctx, f, bus, self, name, advertisement.AgentPayload{
		Name:         name,
		Capabilities: capabilities,
	}, handler, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func TestPeersDiscoverEachOther(t *testing.T) {
	f := fabric.NewMemory()

	a := newComm(t, f, "alpha", []string{"planning"}, nil)
	b := newComm(t, f, "beta", []string{"weather"}, nil)

	require.Eventually(t, func() bool {
		return len(a.Agents()) == 1 && len(b.Agents()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	peer := a.Agents()[0]
	assert.Equal(t, "beta", peer.Name)
	assert.Equal(t, []string{"weather"}, peer.Capabilities)
	// The cached endpoint is the peer-facing one.
	assert.Equal(t, "beta_AgentRPC", peer.Endpoint)
}

func TestSelfIsExcludedFromDirectory(t *testing.T) {
	f := fabric.NewMemory()
	a := newComm(t, f, "solo", nil, nil)
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, a.Agents())
}

func TestSendAgentRequest(t *testing.T) {
	f := fabric.NewMemory()
	ctx := context.Background()

	a := newComm(t, f, "caller", nil, nil)
	b := newComm(t, f, "callee", nil, func(_ context.Context, req rpc.Request) ([]byte, int) {
		var in map[string]string
		if err := json.Unmarshal(req.Payload, &in); err != nil {
			return []byte(`{}`), 1
		}
		out, _ := json.Marshal(map[string]string{"echo": in["message"]})
		return out, rpc.StatusOK
	})

	require.Eventually(t, func() bool { return len(a.Agents()) == 1 }, 2*time.Second, 10*time.Millisecond)
	target := a.Agents()[0]
	_ = b

	payload, _ := json.Marshal(map[string]string{"message": "hello"})
	raw, status, err := a.SendAgentRequest(ctx, target.GUID, payload, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, rpc.StatusOK, status)
	assert.JSONEq(t, `{"echo":"hello"}`, string(raw))
}

func TestSendToUnknownAgent(t *testing.T) {
	f := fabric.NewMemory()
	ctx := context.Background()

	a := newComm(t, f, "lonely", nil, nil)
	_, _, err := a.SendAgentRequest(ctx, "no-such-guid", []byte(`{}`), time.Second)
	var unknown *ErrUnknownAgent
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "no-such-guid", unknown.GUID)
}

func TestDiscoveryCallbacks(t *testing.T) {
	f := fabric.NewMemory()
	ctx := context.Background()

	a := newComm(t, f, "watcher", nil, nil)
	b := newComm(t, f, "transient", nil, nil)

	require.Eventually(t, func() bool { return len(a.Agents()) == 1 }, 2*time.Second, 10*time.Millisecond)

	discovered := make(chan RemoteAgent, 1)
	removed := make(chan RemoteAgent, 1)
	a.OnAgentDiscovered(func(peer RemoteAgent) {
		select {
		case discovered <- peer:
		default:
		}
	})
	a.OnAgentRemoved(func(peer RemoteAgent) {
		select {
		case removed <- peer:
		default:
		}
	})

	// Catch-up replay of the already-known peer.
	select {
	case peer := <-discovered:
		assert.Equal(t, "transient", peer.Name)
	case <-time.After(time.Second):
		t.Fatal("no catch-up discovery callback")
	}

	b.Close(ctx)
	select {
	case peer := <-removed:
		assert.Equal(t, "transient", peer.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("no removal callback")
	}
}
