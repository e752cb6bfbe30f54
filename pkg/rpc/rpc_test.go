package rpc

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genesis-rt/genesis/pkg/fabric"
)

func echoHandler(_ context.Context, req Request) ([]byte, int) {
	return req.Payload, StatusOK
}

func TestRequestReplyRoundTrip(t *testing.T) {
	f := fabric.NewMemory()
	ctx := context.Background()

	replier, err := Serve(ctx, f, "echo", "server-guid", echoHandler)
	require.NoError(t, err)
	defer replier.Close(ctx)

	requester, err := NewRequester(ctx, f, "echo", "client-guid")
	require.NoError(t, err)
	defer requester.Close(ctx)

	require.NoError(t, requester.Connect(ctx, time.Second))

	payload, status, err := requester.Call(ctx, []byte(`{"ping":true}`), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, status)
	assert.JSONEq(t, `{"ping":true}`, string(payload))
}

func TestConnectTimesOutWithoutReplier(t *testing.T) {
	f := fabric.NewMemory()
	ctx := context.Background()

	requester, err := NewRequester(ctx, f, "nobody", "client-guid")
	require.NoError(t, err)
	defer requester.Close(ctx)

	err = requester.Connect(ctx, 100*time.Millisecond)
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "connect", timeout.Op)
}

func TestConnectUnblocksWhenReplierAppears(t *testing.T) {
	f := fabric.NewMemory()
	ctx := context.Background()

	requester, err := NewRequester(ctx, f, "late", "client-guid")
	require.NoError(t, err)
	defer requester.Close(ctx)

	done := make(chan error, 1)
	go func() { done <- requester.Connect(ctx, 3*time.Second) }()

	time.Sleep(50 * time.Millisecond)
	replier, err := Serve(ctx, f, "late", "server-guid", echoHandler)
	require.NoError(t, err)
	defer replier.Close(ctx)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not unblock")
	}
}

func TestCallTimesOutOnSlowReplier(t *testing.T) {
	f := fabric.NewMemory()
	ctx := context.Background()

	slow := func(ctx context.Context, req Request) ([]byte, int) {
		time.Sleep(500 * time.Millisecond)
		return req.Payload, StatusOK
	}
	replier, err := Serve(ctx, f, "slow", "server-guid", slow)
	require.NoError(t, err)
	defer replier.Close(ctx)

	requester, err := NewRequester(ctx, f, "slow", "client-guid")
	require.NoError(t, err)
	defer requester.Close(ctx)
	require.NoError(t, requester.Connect(ctx, time.Second))

	_, _, err = requester.Call(ctx, []byte(`{}`), 50*time.Millisecond)
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "call", timeout.Op)

	// The late reply must be discarded by id, not delivered to the next
	// call.
	payload, status, err := requester.Call(ctx, []byte(`{"second":1}`), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, status)
	assert.JSONEq(t, `{"second":1}`, string(payload))
}

func TestDuplicateRequestServedOnce(t *testing.T) {
	f := fabric.NewMemory()
	ctx := context.Background()

	var served atomic.Int64
	counting := func(_ context.Context, req Request) ([]byte, int) {
		served.Add(1)
		return req.Payload, StatusOK
	}
	replier, err := Serve(ctx, f, "count", "server-guid", counting)
	require.NoError(t, err)
	defer replier.Close(ctx)

	// Inject the same request event twice at the stream level.
	stream, err := f.Stream(RequestStream("count"))
	require.NoError(t, err)
	raw, err := json.Marshal(Request{RequestID: "dup-1", SourceGUID: "client-guid", Payload: []byte(`{}`)})
	require.NoError(t, err)
	require.NoError(t, stream.Add(ctx, "request", raw))
	require.NoError(t, stream.Add(ctx, "request", raw))

	require.Eventually(t, func() bool { return served.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), served.Load())
}

func TestRepliesFilteredByRequesterIdentity(t *testing.T) {
	f := fabric.NewMemory()
	ctx := context.Background()

	replier, err := Serve(ctx, f, "multi", "server-guid", echoHandler)
	require.NoError(t, err)
	defer replier.Close(ctx)

	a, err := NewRequester(ctx, f, "multi", "client-a")
	require.NoError(t, err)
	defer a.Close(ctx)
	b, err := NewRequester(ctx, f, "multi", "client-b")
	require.NoError(t, err)
	defer b.Close(ctx)
	require.NoError(t, a.Connect(ctx, time.Second))
	require.NoError(t, b.Connect(ctx, time.Second))

	pa, _, err := a.Call(ctx, []byte(`{"from":"a"}`), 2*time.Second)
	require.NoError(t, err)
	pb, _, err := b.Call(ctx, []byte(`{"from":"b"}`), 2*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"from":"a"}`, string(pa))
	assert.JSONEq(t, `{"from":"b"}`, string(pb))
}

func TestHandlerPanicBecomesErrorReply(t *testing.T) {
	f := fabric.NewMemory()
	ctx := context.Background()

	panicky := func(context.Context, Request) ([]byte, int) {
		panic("boom")
	}
	replier, err := Serve(ctx, f, "panic", "server-guid", panicky)
	require.NoError(t, err)
	defer replier.Close(ctx)

	requester, err := NewRequester(ctx, f, "panic", "client-guid")
	require.NoError(t, err)
	defer requester.Close(ctx)
	require.NoError(t, requester.Connect(ctx, time.Second))

	payload, status, err := requester.Call(ctx, []byte(`{}`), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, status)
	assert.Contains(t, string(payload), "boom")
}

func TestCloseDeregistersEndpoint(t *testing.T) {
	f := fabric.NewMemory()
	ctx := context.Background()

	replier, err := Serve(ctx, f, "gone", "server-guid", echoHandler)
	require.NoError(t, err)
	replier.Close(ctx)

	requester, err := NewRequester(ctx, f, "gone", "client-guid")
	require.NoError(t, err)
	defer requester.Close(ctx)

	err = requester.Connect(ctx, 100*time.Millisecond)
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
}
