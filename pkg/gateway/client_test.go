package gateway

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func newTestClient(t *testing.T, handler fasthttp.RequestHandler) *Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = fasthttp.Serve(ln, handler) }()
	t.Cleanup(func() { _ = ln.Close() })

	c := NewClient("http://gateway/", "secret", time.Second, zerolog.Nop())
	c.HTTP.Dial = func(addr string) (net.Conn, error) { return ln.Dial() }
	return c
}

func TestListFriendsPaginates(t *testing.T) {
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		assert.Equal(t, "secret", string(ctx.Request.Header.Peek("X-API-Key")))
		assert.Equal(t, "7", string(ctx.Request.Header.Peek("X-Account-Id")))
		assert.Equal(t, "/api/user/friends", string(ctx.Path()))
		if string(ctx.QueryArgs().Peek("offset")) == "0" {
			ctx.SetBodyString(`{"success":true,"data":[{"userId":"u1","zaloName":"Alice"}],"pagination":{"total":2,"has_more":true,"next_offset":1}}`)
			return
		}
		ctx.SetBodyString(`{"success":true,"data":[{"userId":"u2","displayName":"Bobby","zaloName":"Bob"}],"pagination":{"total":2,"has_more":false}}`)
	})

	sess := Session{AccountID: 7}
	friends, page, err := c.ListFriends(context.Background(), sess, 0, 1)
	require.NoError(t, err)
	require.Len(t, friends, 1)
	assert.Equal(t, "Alice", friends[0].Name())
	assert.True(t, page.HasMore)
	assert.Equal(t, 1, page.NextOffset)

	friends, page, err = c.ListFriends(context.Background(), sess, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, "Bobby", friends[0].Name())
	assert.False(t, page.HasMore)
	assert.Equal(t, 2, page.Total)
}

func TestErrorClassification(t *testing.T) {
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/api/user/info/missing":
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		case "/api/user/info/busy":
			ctx.SetStatusCode(fasthttp.StatusTooManyRequests)
		case "/api/user/info/rejected":
			ctx.SetBodyString(`{"success":false,"message":"session expired"}`)
		default:
			ctx.SetBodyString(`{"success":true,"data":{"zaloName":"Carol","avatar":"http://img"}}`)
		}
	})
	ctx := context.Background()

	_, err := c.GetUserInfo(ctx, Session{}, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.GetUserInfo(ctx, Session{}, "busy")
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = c.GetUserInfo(ctx, Session{}, "rejected")
	assert.ErrorContains(t, err, "session expired")

	info, err := c.GetUserInfo(ctx, Session{}, "u3")
	require.NoError(t, err)
	assert.Equal(t, "u3", info.UserID)
	assert.Equal(t, "Carol", info.Name())
}

func TestAddReactionBody(t *testing.T) {
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		assert.Equal(t, fasthttp.MethodPost, string(ctx.Method()))
		assert.JSONEq(t,
			`{"message_id":"m1","cli_msg_id":"c1","thread_id":"u1","type":"user","reaction":"heart"}`,
			string(ctx.PostBody()))
		ctx.SetBodyString(`{"success":true}`)
	})
	err := c.AddReaction(context.Background(), Session{}, MessageRef{MessageID: "m1", CliMsgID: "c1", ThreadID: "u1", Type: "user"}, "heart")
	require.NoError(t, err)
}

func TestCanceledContext(t *testing.T) {
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.GetGroupInfo(ctx, Session{}, "g1")
	assert.ErrorIs(t, err, context.Canceled)
}
