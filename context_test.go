package wskit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wskit/wskit/metrics"
	"github.com/wskit/wskit/pubsub"
	"github.com/wskit/wskit/schema"
)

func TestOnOpenHookRuns(t *testing.T) {
	r := newTestRouter(t, DefaultOptions())
	opened := make(chan string, 1)
	r.OnOpen(func(c *Conn) { opened <- c.ClientID() })

	c, _ := acceptTestConn(t, r)

	select {
	case id := <-opened:
		assert.Equal(t, c.ClientID(), id)
	case <-time.After(time.Second):
		t.Fatal("onOpen never ran")
	}
	assert.NotEmpty(t, c.ClientID())
}

func TestConnDataBag(t *testing.T) {
	r := newTestRouter(t, DefaultOptions())

	got := make(chan any, 1)
	require.NoError(t, r.On(schema.Event("EVT", nil), func(ctx *Context) error {
		ctx.AssignData(map[string]any{"user": "ada"})
		v, _ := ctx.Data("user")
		got <- v
		return nil
	}))

	c, _ := acceptTestConn(t, r)
	c.HandleMessage(eventFrame("EVT", nil))

	select {
	case v := <-got:
		assert.Equal(t, "ada", v)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	// The bag outlives the message.
	v, ok := c.Data("user")
	assert.True(t, ok)
	assert.Equal(t, "ada", v)
}

func TestOnCancelRejectedForEvents(t *testing.T) {
	r := newTestRouter(t, DefaultOptions())

	got := make(chan error, 1)
	require.NoError(t, r.On(schema.Event("EVT", nil), func(ctx *Context) error {
		got <- ctx.OnCancel(func() {})
		return nil
	}))

	c, _ := acceptTestConn(t, r)
	c.HandleMessage(eventFrame("EVT", nil))

	select {
	case err := <-got:
		assert.ErrorIs(t, err, ErrNotRPC)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
}

func TestSendInheritsCorrelationID(t *testing.T) {
	r := newTestRouter(t, DefaultOptions())
	sideDesc := schema.Event("SIDE_EFFECT", nil)
	require.NoError(t, r.RPC(sumDesc, func(ctx *Context) error {
		assert.NoError(t, ctx.Send(sideDesc, nil, InheritCorrelationID()))
		return ctx.Reply(map[string]any{})
	}))

	c, sock := acceptTestConn(t, r)
	c.HandleMessage(rpcFrame("SUM", "corr-7", map[string]any{}))

	side := waitFrame(t, sock, "SIDE_EFFECT")
	assert.Equal(t, "corr-7", side.CorrelationID())
}

func TestSendStripsReservedMeta(t *testing.T) {
	r := newTestRouter(t, DefaultOptions())
	noteDesc := schema.Event("NOTE", nil)
	require.NoError(t, r.On(schema.Event("EVT", nil), func(ctx *Context) error {
		return ctx.Send(noteDesc, nil, WithMeta(map[string]any{
			MetaClientID: "forged",
			"kept":       true,
		}))
	}))

	c, sock := acceptTestConn(t, r)
	c.HandleMessage(eventFrame("EVT", nil))

	note := waitFrame(t, sock, "NOTE")
	assert.NotContains(t, note.Meta, MetaClientID)
	assert.Equal(t, true, note.Meta["kept"])
}

func TestProgressThrottleDropsIntermediate(t *testing.T) {
	r := newTestRouter(t, DefaultOptions())
	require.NoError(t, r.RPC(sumDesc, func(ctx *Context) error {
		for i := 0; i < 10; i++ {
			assert.NoError(t, ctx.Progress(map[string]any{"i": i}, WithThrottle(time.Hour)))
		}
		return ctx.Reply(map[string]any{})
	}))

	c, sock := acceptTestConn(t, r)
	c.HandleMessage(rpcFrame("SUM", "r1", map[string]any{}))

	require.Eventually(t, func() bool {
		frames := sock.framesOfType(t, "SUM_RESULT")
		if len(frames) == 0 {
			return false
		}
		last := frames[len(frames)-1]
		return last.Meta[MetaProgress] == nil // terminal arrived
	}, 2*time.Second, 5*time.Millisecond)

	// First progress passed the window gate; the other nine were dropped.
	frames := sock.framesOfType(t, "SUM_RESULT")
	require.Len(t, frames, 2)
	assert.Equal(t, true, frames[0].Meta[MetaProgress])
}

type stampPlugin struct{}

func (stampPlugin) Name() string          { return "stamp" }
func (stampPlugin) Apply(r *Router) error { return nil }
func (stampPlugin) Decorate(ctx *Context) {
	ctx.SetExtension("stamp", "v1")
}

func TestPluginDecoratesContext(t *testing.T) {
	r := newTestRouter(t, DefaultOptions())
	require.NoError(t, r.Plugin(stampPlugin{}))

	got := make(chan any, 1)
	require.NoError(t, r.On(schema.Event("EVT", nil), func(ctx *Context) error {
		v, _ := ctx.Extension("stamp")
		got <- v
		return nil
	}))

	c, _ := acceptTestConn(t, r)
	c.HandleMessage(eventFrame("EVT", nil))

	select {
	case v := <-got:
		assert.Equal(t, "v1", v)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
}

// fakeConsumer drives the distributed-ingress path without a real broker.
type fakeConsumer struct {
	onRemote func(pubsub.Envelope)
	stopped  bool
}

func (f *fakeConsumer) Start(onRemote func(pubsub.Envelope)) error {
	f.onRemote = onRemote
	return nil
}

func (f *fakeConsumer) Stop() error {
	f.stopped = true
	return nil
}

func TestConsumerFeedsLocalFanOut(t *testing.T) {
	r := newTestRouter(t, DefaultOptions())
	consumer := &fakeConsumer{}
	require.NoError(t, r.StartConsumer(consumer))
	require.NotNil(t, consumer.onRemote)

	c, sock := acceptTestConn(t, r)
	require.NoError(t, c.Topics().Subscribe("ticker.btc"))

	consumer.onRemote(pubsub.Envelope{
		Topic:   "ticker.btc",
		Type:    "PRICE",
		Payload: json.RawMessage(`{"px":42}`),
	})

	got := waitFrame(t, sock, "PRICE")
	assert.JSONEq(t, `{"px":42}`, string(got.Payload))
}

func TestShutdownStopsConsumersAndClosesConns(t *testing.T) {
	r := newTestRouter(t, DefaultOptions())
	consumer := &fakeConsumer{}
	require.NoError(t, r.StartConsumer(consumer))

	sock := &fakeSocket{}
	_, err := r.Accept(sock)
	require.NoError(t, err)

	require.NoError(t, r.Shutdown(context.Background()))

	assert.True(t, consumer.stopped)
	code, reason := waitClosed(t, sock)
	assert.Equal(t, CloseNormal, code)
	assert.Equal(t, ReasonShutdown, reason)
}

func TestDisconnectWithInflightRPCSettlesGauge(t *testing.T) {
	r := newTestRouter(t, DefaultOptions())
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, r.RPC(sumDesc, func(ctx *Context) error {
		close(started)
		<-release
		return nil
	}))
	defer close(release)

	c, _ := acceptTestConn(t, r)
	before := testutil.ToFloat64(metrics.RPCInflight)

	c.HandleMessage(rpcFrame("SUM", "r1", map[string]any{}))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.RPCInflight))

	c.HandleClose(CloseAbnormal, "wire_drop")
	assert.Equal(t, before, testutil.ToFloat64(metrics.RPCInflight))
	assert.Equal(t, 0, c.rpc.len())
}

func TestShardedLocalAdapterDeliversThroughRouter(t *testing.T) {
	shards := make([]pubsub.Adapter, 4)
	for i := range shards {
		shards[i] = pubsub.NewMemory(zerolog.Nop())
	}
	r := newTestRouter(t, DefaultOptions(), WithLocalAdapter(pubsub.NewSharded(shards)))

	c1, sock1 := acceptTestConn(t, r)
	c2, sock2 := acceptTestConn(t, r)
	topics := []string{"room.a", "room.b", "room.c"}
	for _, topic := range topics {
		require.NoError(t, c1.Topics().Subscribe(topic))
		require.NoError(t, c2.Topics().Subscribe(topic))
	}

	res := r.Publish("room.b", schema.Event("NOTICE", nil), map[string]any{"n": 1})
	require.True(t, res.OK)
	assert.Equal(t, pubsub.CapabilityEstimate, res.Capability)
	assert.Equal(t, 2, res.Matched)

	for _, sock := range []*fakeSocket{sock1, sock2} {
		got := waitFrame(t, sock, "NOTICE")
		assert.JSONEq(t, `{"n":1}`, string(got.Payload))
	}

	// Disconnect purges the client's sink and topics from every shard.
	c1.Close("done")
	res = r.Publish("room.a", schema.Event("NOTICE", nil), nil)
	require.True(t, res.OK)
	assert.Equal(t, 1, res.Matched)
}

func TestValidationFailureSendsIssues(t *testing.T) {
	r := newTestRouter(t, DefaultOptions(), WithValidator(rejectAll{}))
	registerSum(t, r)

	c, sock := acceptTestConn(t, r)
	c.HandleMessage(rpcFrame("SUM", "r1", map[string]any{"a": "wrong"}))

	errFrame := waitFrame(t, sock, TypeError)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(errFrame.Payload, &payload))
	assert.Equal(t, CodeValidation, payload.Code)
	require.NotEmpty(t, payload.Issues)
	assert.Equal(t, "/a", payload.Issues[0].Path)
	assert.Equal(t, 0, c.rpc.len())
}

// rejectAll fails every inbound payload with a fixed issue.
type rejectAll struct{}

func (rejectAll) Validate(_, _ any) schema.Result {
	return schema.Invalid(schema.Issue{Path: "/a", Message: "wrong type"})
}

func (rejectAll) ValidateOutgoing(_, value any) schema.Result {
	return schema.Valid(value)
}
