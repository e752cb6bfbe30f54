package advertisement

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genesis-rt/genesis/pkg/fabric"
)

type recorder struct {
	mu      sync.Mutex
	adds    []Advertisement
	updates []Advertisement
	removes []Advertisement
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnAdd: func(ad Advertisement) {
			r.mu.Lock()
			r.adds = append(r.adds, ad)
			r.mu.Unlock()
		},
		OnUpdate: func(ad Advertisement) {
			r.mu.Lock()
			r.updates = append(r.updates, ad)
			r.mu.Unlock()
		},
		OnRemove: func(ad Advertisement) {
			r.mu.Lock()
			r.removes = append(r.removes, ad)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.adds), len(r.updates), len(r.removes)
}

func newBus(t *testing.T, f fabric.Fabric, guid string) *Bus {
	t.Helper()
	b, err := New(context.Background(), f, guid)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func TestAdvertiseAndDiscover(t *testing.T) {
	f := fabric.NewMemory()
	ctx := context.Background()

	writer := newBus(t, f, "writer-guid")
	reader := newBus(t, f, "reader-guid")

	rec := &recorder{}
	reader.Subscribe(KindAgent, rec.handlers())

	require.NoError(t, writer.AdvertiseAgent(ctx, AgentPayload{Name: "assistant", Endpoint: "assistant"}))

	require.Eventually(t, func() bool {
		adds, _, _ := rec.counts()
		return adds == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	ad := rec.adds[0]
	rec.mu.Unlock()
	assert.Equal(t, KindAgent, ad.Kind)
	assert.Equal(t, "writer-guid", ad.AdvertiserGUID)
	payload, err := ad.Agent()
	require.NoError(t, err)
	assert.Equal(t, "assistant", payload.Name)
}

func TestCatchUpBeforeLiveStream(t *testing.T) {
	f := fabric.NewMemory()
	ctx := context.Background()

	writer := newBus(t, f, "writer-guid")
	require.NoError(t, writer.AdvertiseFunction(ctx, FunctionPayload{
		FunctionID: "calc.add", Name: "add", ProviderGUID: "writer-guid", Endpoint: "calc",
	}))

	// A late joiner receives the live entry during catch-up, before any
	// live-stream change.
	late := newBus(t, f, "late-guid")
	require.Eventually(t, func() bool {
		return len(late.Snapshot(KindFunction)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec := &recorder{}
	late.Subscribe(KindFunction, rec.handlers())
	adds, _, _ := rec.counts()
	assert.Equal(t, 1, adds, "catch-up must replay live entries")
}

func TestReAdvertiseSamePayloadIsRefresh(t *testing.T) {
	f := fabric.NewMemory()
	ctx := context.Background()

	writer := newBus(t, f, "writer-guid")
	reader := newBus(t, f, "reader-guid")
	rec := &recorder{}
	reader.Subscribe(KindAgent, rec.handlers())

	payload := AgentPayload{Name: "assistant", Endpoint: "assistant"}
	require.NoError(t, writer.AdvertiseAgent(ctx, payload))
	require.Eventually(t, func() bool { adds, _, _ := rec.counts(); return adds == 1 }, 2*time.Second, 10*time.Millisecond)

	// Same key, same payload: no observable change beyond a refresh.
	require.NoError(t, writer.AdvertiseAgent(ctx, payload))
	time.Sleep(100 * time.Millisecond)
	adds, updates, removes := rec.counts()
	assert.Equal(t, 1, adds)
	assert.Equal(t, 0, updates)
	assert.Equal(t, 0, removes)
}

func TestUpdateFiresOnPayloadChange(t *testing.T) {
	f := fabric.NewMemory()
	ctx := context.Background()

	writer := newBus(t, f, "writer-guid")
	reader := newBus(t, f, "reader-guid")
	rec := &recorder{}
	reader.Subscribe(KindAgent, rec.handlers())

	require.NoError(t, writer.AdvertiseAgent(ctx, AgentPayload{Name: "assistant", Endpoint: "assistant"}))
	require.Eventually(t, func() bool { adds, _, _ := rec.counts(); return adds == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, writer.AdvertiseAgent(ctx, AgentPayload{Name: "assistant", Endpoint: "assistant", Capabilities: []string{"math"}}))
	require.Eventually(t, func() bool { _, updates, _ := rec.counts(); return updates == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestDisposeRemovesExactlyOnce(t *testing.T) {
	f := fabric.NewMemory()
	ctx := context.Background()

	writer := newBus(t, f, "writer-guid")
	reader := newBus(t, f, "reader-guid")
	rec := &recorder{}
	reader.Subscribe(KindAgent, rec.handlers())

	require.NoError(t, writer.AdvertiseAgent(ctx, AgentPayload{Name: "assistant", Endpoint: "assistant"}))
	require.Eventually(t, func() bool { adds, _, _ := rec.counts(); return adds == 1 }, 2*time.Second, 10*time.Millisecond)

	key := AgentKey("writer-guid")
	require.NoError(t, writer.Dispose(ctx, key))
	require.Eventually(t, func() bool { _, _, removes := rec.counts(); return removes == 1 }, 2*time.Second, 10*time.Millisecond)

	// Every remove is preceded by an add for the same key, and disposing
	// twice is equivalent to once.
	require.NoError(t, writer.Dispose(ctx, key))
	time.Sleep(100 * time.Millisecond)
	adds, _, removes := rec.counts()
	assert.Equal(t, 1, adds)
	assert.Equal(t, 1, removes)
}

func TestUnparseableAdvertisementRejected(t *testing.T) {
	f := fabric.NewMemory()
	ctx := context.Background()

	reader := newBus(t, f, "reader-guid")
	rec := &recorder{}
	reader.Subscribe(KindAgent, rec.handlers())

	// Poison the topic directly: the entry must be rejected without
	// aborting the listener.
	m, err := f.Map(ctx, "genesis:advertisements")
	require.NoError(t, err)
	require.NoError(t, m.Set(ctx, AgentKey("poison-guid"), "{not json"))

	writer := newBus(t, f, "writer-guid")
	require.NoError(t, writer.AdvertiseAgent(ctx, AgentPayload{Name: "ok", Endpoint: "ok"}))
	require.Eventually(t, func() bool { adds, _, _ := rec.counts(); return adds == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestLivelinessReaper(t *testing.T) {
	f := fabric.NewMemory()
	ctx := context.Background()

	dead, err := New(ctx, f, "dead-guid", WithHeartbeat(20*time.Millisecond, 1))
	require.NoError(t, err)
	require.NoError(t, dead.AdvertiseAgent(ctx, AgentPayload{Name: "doomed", Endpoint: "doomed"}))

	reader, err := New(ctx, f, "reader-guid", WithHeartbeat(20*time.Millisecond, 1))
	require.NoError(t, err)
	t.Cleanup(reader.Close)

	rec := &recorder{}
	reader.Subscribe(KindAgent, rec.handlers())
	require.Eventually(t, func() bool { adds, _, _ := rec.counts(); return adds == 1 }, 2*time.Second, 10*time.Millisecond)

	// Unclean death: heartbeats stop, no dispose.
	dead.Close()

	require.Eventually(t, func() bool {
		_, _, removes := rec.counts()
		return removes == 1
	}, 2*time.Second, 10*time.Millisecond, "reaper must synthesize the remove")
}

func TestAtMostOneSamplePerKey(t *testing.T) {
	f := fabric.NewMemory()
	ctx := context.Background()

	writer := newBus(t, f, "writer-guid")
	require.NoError(t, writer.AdvertiseAgent(ctx, AgentPayload{Name: "v1", Endpoint: "e"}))
	require.NoError(t, writer.AdvertiseAgent(ctx, AgentPayload{Name: "v2", Endpoint: "e"}))

	m, err := f.Map(ctx, "genesis:advertisements")
	require.NoError(t, err)
	value, ok := m.Get(AgentKey("writer-guid"))
	require.True(t, ok)
	var ad Advertisement
	require.NoError(t, json.Unmarshal([]byte(value), &ad))
	payload, err := ad.Agent()
	require.NoError(t, err)
	assert.Equal(t, "v2", payload.Name, "the bus keeps only the latest sample per key")
	assert.Len(t, m.Keys(), 1)
}
