package fabric

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryMapSetGetDelete(t *testing.T) {
	f := NewMemory()
	ctx := context.Background()

	m, err := f.Map(ctx, "test")
	require.NoError(t, err)

	require.NoError(t, m.Set(ctx, "a", "1"))
	v, ok := m.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	require.NoError(t, m.Delete(ctx, "a"))
	_, ok = m.Get("a")
	assert.False(t, ok)

	// Deleting a missing key is a no-op.
	require.NoError(t, m.Delete(ctx, "a"))
}

func TestMemoryMapSharedByName(t *testing.T) {
	f := NewMemory()
	ctx := context.Background()

	m1, err := f.Map(ctx, "shared")
	require.NoError(t, err)
	m2, err := f.Map(ctx, "shared")
	require.NoError(t, err)

	require.NoError(t, m1.Set(ctx, "k", "v"))
	v, ok := m2.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestMemoryMapWatch(t *testing.T) {
	f := NewMemory()
	ctx := context.Background()

	m, err := f.Map(ctx, "watched")
	require.NoError(t, err)

	events, stop := m.Watch()
	defer stop()

	require.NoError(t, m.Set(ctx, "k", "v"))
	select {
	case <-events:
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}
}

func TestMemoryStreamBacklogDelivery(t *testing.T) {
	f := NewMemory()
	ctx := context.Background()

	s, err := f.Stream("events")
	require.NoError(t, err)

	// Events published before the sink exists must still be delivered:
	// sinks start at the oldest retained event.
	require.NoError(t, s.Add(ctx, "early", []byte("1")))

	sink, err := s.NewSink(ctx, "reader")
	require.NoError(t, err)
	defer sink.Close(ctx)

	require.NoError(t, s.Add(ctx, "late", []byte("2")))

	var got []string
	for len(got) < 2 {
		select {
		case ev := <-sink.Subscribe():
			got = append(got, ev.Name)
			require.NoError(t, sink.Ack(ctx, ev))
		case <-time.After(time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}
	assert.Equal(t, []string{"early", "late"}, got)
}

func TestMemoryStreamIndependentSinks(t *testing.T) {
	f := NewMemory()
	ctx := context.Background()

	s, err := f.Stream("fanout")
	require.NoError(t, err)

	a, err := s.NewSink(ctx, "a")
	require.NoError(t, err)
	defer a.Close(ctx)
	b, err := s.NewSink(ctx, "b")
	require.NoError(t, err)
	defer b.Close(ctx)

	require.NoError(t, s.Add(ctx, "ev", []byte("x")))

	for _, sink := range []Sink{a, b} {
		select {
		case ev := <-sink.Subscribe():
			assert.Equal(t, "ev", ev.Name)
			assert.Equal(t, []byte("x"), ev.Payload)
		case <-time.After(time.Second):
			t.Fatal("sink did not receive event")
		}
	}
}

func TestCheckEndpointCollision(t *testing.T) {
	assert.NoError(t, CheckEndpointCollision("assistant"))
	assert.Error(t, CheckEndpointCollision(""))
	assert.Error(t, CheckEndpointCollision("assistant"+AgentRPCSuffix))
}

func TestAgentEndpoint(t *testing.T) {
	assert.Equal(t, "assistant_AgentRPC", AgentEndpoint("assistant"))
}
