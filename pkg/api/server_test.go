package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/chatbroker/pkg/connector"
	"github.com/lrhodin/chatbroker/pkg/metrics"
	"github.com/lrhodin/chatbroker/pkg/visibility"
)

type fakeEngine struct {
	Engine

	handled   []connector.Event
	handleErr error
	lastUser  visibility.Principal
	before    *int64
	limit     int
	recallErr error
	syncErr   error
}

func (f *fakeEngine) Handle(_ context.Context, evt connector.Event) ([]*connector.Result, error) {
	f.handled = append(f.handled, evt)
	return []*connector.Result{{AccountID: 1, MessageID: 10, ConversationID: 20, Created: true}}, f.handleErr
}

func (f *fakeEngine) History(_ context.Context, user visibility.Principal, conversationID int64, beforeID *int64, limit int) ([]*connector.MessageView, bool, error) {
	f.lastUser, f.before, f.limit = user, beforeID, limit
	if conversationID == 404 {
		return nil, false, fmt.Errorf("%w: conversation 404", connector.ErrNotFound)
	}
	return []*connector.MessageView{{ID: 1, Content: "hi"}}, true, nil
}

func (f *fakeEngine) RecallByOperator(_ context.Context, _ visibility.Principal, messageID int64) (*connector.RecallResult, error) {
	if f.recallErr != nil {
		return nil, f.recallErr
	}
	return &connector.RecallResult{Applied: true}, nil
}

func (f *fakeEngine) TriggerSync(_ context.Context, _ visibility.Principal, _ int64) error {
	return f.syncErr
}

func (f *fakeEngine) ListConversations(_ context.Context, _ visibility.Principal, _ *int64) ([]*connector.ConversationView, error) {
	return nil, fmt.Errorf("%w: account", connector.ErrPermissionDenied)
}

func newTestServer(t *testing.T) (*Server, *fakeEngine) {
	t.Helper()
	engine := &fakeEngine{}
	srv := NewServer(engine, connector.ServerConfig{WebhookSecret: "s3cret"}, zerolog.Nop(), metrics.New())
	return srv, engine
}

func do(t *testing.T, srv *Server, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := srv.App.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(body, &out), string(body))
	}
	return resp.StatusCode, out
}

func webhookRequest(method, path, secret, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(headerWebhookSecret, secret)
	}
	return req
}

func uiRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("X-User-ID", "7")
	req.Header.Set("X-User-Roles", "agent, ")
	req.Header.Set("X-Branch-ID", "2")
	return req
}

const messageBody = `{"account_ref": 1, "recipient_id": "u1", "recipient_type": "user", "external_message_id": "m1", "content": "hi"}`

func TestWebhookRequiresSecret(t *testing.T) {
	srv, engine := newTestServer(t)

	status, _ := do(t, srv, webhookRequest(http.MethodPost, "/api/webhook/messages", "", messageBody))
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = do(t, srv, webhookRequest(http.MethodPost, "/api/webhook/messages", "wrong", messageBody))
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Empty(t, engine.handled)

	status, body := do(t, srv, webhookRequest(http.MethodPost, "/api/webhook/messages", "s3cret", messageBody))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	require.Len(t, body["results"], 1)
	result := body["results"].([]any)[0].(map[string]any)
	assert.Equal(t, true, result["created"])
	assert.EqualValues(t, 20, result["conversation_id"])
	require.Len(t, engine.handled, 1)
	assert.Equal(t, connector.KindMessage, engine.handled[0].Kind())

	srv.SetWebhookSecret("rotated")
	status, _ = do(t, srv, webhookRequest(http.MethodPost, "/api/webhook/messages", "s3cret", messageBody))
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestWebhookValidationAndFailures(t *testing.T) {
	srv, engine := newTestServer(t)

	status, body := do(t, srv, webhookRequest(http.MethodPost, "/api/webhook/messages", "s3cret", `{"account_ref": 1}`))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, false, body["success"])
	assert.Empty(t, engine.handled)

	engine.handleErr = errors.New("disk on fire")
	status, body = do(t, srv, webhookRequest(http.MethodPost, "/api/webhook/messages", "s3cret", messageBody))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal server error", body["error"])
	assert.Len(t, body["results"], 1)

	engine.handleErr = nil
	status, _ = do(t, srv, webhookRequest(http.MethodPatch, "/api/webhook/recall", "s3cret", `{"account_ref": 1, "global_msg_id": "m1"}`))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, connector.KindRecall, engine.handled[len(engine.handled)-1].Kind())
}

func TestUIRequiresPrincipal(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/conversations/1/messages", nil)
	status, _ := do(t, srv, req)
	assert.Equal(t, http.StatusUnauthorized, status)

	req = uiRequest(http.MethodGet, "/api/conversations/1/messages")
	req.Header.Set("X-Branch-ID", "main")
	status, _ = do(t, srv, req)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestHistoryPassesParameters(t *testing.T) {
	srv, engine := newTestServer(t)
	status, body := do(t, srv, uiRequest(http.MethodGet, "/api/conversations/5/messages?before_id=9&limit=20"))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["has_more"])
	require.NotNil(t, engine.before)
	assert.EqualValues(t, 9, *engine.before)
	assert.Equal(t, 20, engine.limit)
	assert.EqualValues(t, 7, engine.lastUser.UserID)
	assert.Equal(t, []string{"agent"}, engine.lastUser.Roles)
	require.NotNil(t, engine.lastUser.BranchID)
	assert.EqualValues(t, 2, *engine.lastUser.BranchID)

	status, _ = do(t, srv, uiRequest(http.MethodGet, "/api/conversations/404/messages"))
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = do(t, srv, uiRequest(http.MethodGet, "/api/conversations/abc/messages"))
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestErrorStatusMapping(t *testing.T) {
	srv, engine := newTestServer(t)

	status, _ := do(t, srv, uiRequest(http.MethodGet, "/api/conversations"))
	assert.Equal(t, http.StatusForbidden, status)

	for err, expected := range map[error]int{
		connector.ErrRecallWindowExpired: http.StatusUnprocessableEntity,
		connector.ErrUpstreamUnavailable: http.StatusBadGateway,
		connector.ErrNotFound:            http.StatusNotFound,
	} {
		engine.recallErr = fmt.Errorf("wrapped: %w", err)
		status, body := do(t, srv, uiRequest(http.MethodPost, "/api/messages/3/recall"))
		assert.Equal(t, expected, status, err.Error())
		assert.Contains(t, body["error"], err.Error())
	}

	engine.syncErr = connector.ErrSyncInProgress
	status, _ = do(t, srv, uiRequest(http.MethodPost, "/api/accounts/1/sync"))
	assert.Equal(t, http.StatusConflict, status)
	engine.syncErr = nil
	status, _ = do(t, srv, uiRequest(http.MethodPost, "/api/accounts/1/sync"))
	assert.Equal(t, http.StatusAccepted, status)
}

func TestOpsEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	status, body := do(t, srv, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["ok"])

	resp, err := srv.App.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	text, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(text), "go_goroutines")
}
