package broadcast

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/lrhodin/chatbroker/pkg/metrics"
	"github.com/lrhodin/chatbroker/pkg/worker"
)

func TestHTTPSinkSend(t *testing.T) {
	ln := fasthttputil.NewInmemoryListener()
	defer ln.Close()
	var mu sync.Mutex
	var bodies []string
	go func() {
		_ = fasthttp.Serve(ln, func(ctx *fasthttp.RequestCtx) {
			assert.Equal(t, "k", string(ctx.Request.Header.Peek("X-API-Key")))
			mu.Lock()
			bodies = append(bodies, string(ctx.PostBody()))
			mu.Unlock()
			if string(ctx.Path()) == "/fail" {
				ctx.SetStatusCode(fasthttp.StatusBadGateway)
			}
		})
	}()

	sink := NewHTTPSink("http://sink/api/socket/broadcast", "k", time.Second)
	sink.HTTP.Dial = func(addr string) (net.Conn, error) { return ln.Dial() }
	err := sink.Send(context.Background(), &Event{Name: EventMessageNew, AccountID: 3, Data: map[string]any{"id": 1}})
	require.NoError(t, err)
	mu.Lock()
	assert.JSONEq(t, `{"event_name":"message:new","account_id":3,"payload":{"id":1}}`, bodies[0])
	var keys map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(bodies[0]), &keys))
	mu.Unlock()
	assert.Len(t, keys, 3)
	assert.Contains(t, keys, "event_name")
	assert.Contains(t, keys, "account_id")
	assert.Contains(t, keys, "payload")

	sink.URL = "http://sink/fail"
	assert.Error(t, sink.Send(context.Background(), &Event{Name: EventMessageNew}))
}

type recordingSink struct {
	mu     sync.Mutex
	events []*Event
	err    error
}

func (r *recordingSink) Send(_ context.Context, evt *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return r.err
}

func TestDispatcherDoesNotRetry(t *testing.T) {
	m := metrics.New()
	pool := worker.NewPool(1, 8, zerolog.Nop(), m)
	pool.Start(context.Background())
	sink := &recordingSink{err: assert.AnError}
	d := NewDispatcher(sink, pool, zerolog.Nop(), m)

	d.Dispatch(&Event{Name: EventConversationUpdated, AccountID: 1})
	pool.Stop()
	assert.Len(t, sink.events, 1)
}
