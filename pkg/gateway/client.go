// Package gateway talks to the chat gateway that holds the account sessions.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

// ErrUnavailable wraps transport failures and 5xx/429 answers.
var ErrUnavailable = errors.New("gateway unavailable")

// ErrNotFound is returned when the gateway doesn't know the requested id.
var ErrNotFound = errors.New("not found on gateway")

type Friend struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	ZaloName    string `json:"zaloName"`
	Avatar      string `json:"avatar"`
}

// Name prefers the alias the account set over the user's own name.
func (f *Friend) Name() string {
	if f.DisplayName != "" {
		return f.DisplayName
	}
	return f.ZaloName
}

type Group struct {
	GroupID     string `json:"groupId"`
	Name        string `json:"name"`
	Avatar      string `json:"avt"`
	TotalMember int    `json:"totalMember"`
}

type Member struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
}

type Pagination struct {
	Total      int  `json:"total"`
	HasMore    bool `json:"has_more"`
	NextOffset int  `json:"next_offset"`
}

type envelope struct {
	Success    bool            `json:"success"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data"`
	Pagination *Pagination     `json:"pagination"`
}

// Session identifies which gateway session a call acts on.
type Session struct {
	AccountID  int64
	ExternalID string
}

type Client struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration

	HTTP *fasthttp.Client
	Log  zerolog.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Timeout: timeout,
		HTTP: &fasthttp.Client{
			Name:                "chatbroker",
			MaxConnsPerHost:     64,
			MaxIdleConnDuration: time.Minute,
		},
		Log: log.With().Str("component", "gateway").Logger(),
	}
}

func (c *Client) do(ctx context.Context, sess Session, method, path string, query url.Values, body any) (*envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	uri := c.BaseURL + path
	if len(query) > 0 {
		uri += "?" + query.Encode()
	}
	req.SetRequestURI(uri)
	req.Header.SetMethod(method)
	req.Header.Set("X-API-Key", c.APIKey)
	req.Header.Set("X-Account-Id", strconv.FormatInt(sess.AccountID, 10))
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(data)
	}

	timeout := c.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout || timeout <= 0 {
			timeout = remaining
		}
	}
	if err := c.HTTP.DoTimeout(req, resp, timeout); err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}

	status := resp.StatusCode()
	switch {
	case status == fasthttp.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	case status == fasthttp.StatusTooManyRequests || status >= 500:
		return nil, fmt.Errorf("%w: %s %s returned HTTP %d", ErrUnavailable, method, path, status)
	}
	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, fmt.Errorf("failed to parse gateway response for %s: %w", path, err)
	}
	if status >= 400 || !env.Success {
		msg := env.Message
		if msg == "" {
			msg = "HTTP " + strconv.Itoa(status)
		}
		return nil, fmt.Errorf("gateway rejected %s %s: %s", method, path, msg)
	}
	return &env, nil
}

func pageQuery(sess Session, offset, limit int) url.Values {
	return url.Values{
		"account_id": {strconv.FormatInt(sess.AccountID, 10)},
		"offset":     {strconv.Itoa(offset)},
		"limit":      {strconv.Itoa(limit)},
	}
}

func decodePage[T any](env *envelope, offset, count int) ([]T, *Pagination, error) {
	var items []T
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &items); err != nil {
			return nil, nil, fmt.Errorf("failed to parse page: %w", err)
		}
	}
	page := env.Pagination
	if page == nil {
		// Unpaginated endpoints return everything at once.
		page = &Pagination{Total: offset + len(items)}
	}
	if page.HasMore && page.NextOffset <= offset {
		page.NextOffset = offset + count
	}
	return items, page, nil
}

func (c *Client) ListFriends(ctx context.Context, sess Session, offset, limit int) ([]Friend, *Pagination, error) {
	env, err := c.do(ctx, sess, fasthttp.MethodGet, "/api/user/friends", pageQuery(sess, offset, limit), nil)
	if err != nil {
		return nil, nil, err
	}
	return decodePage[Friend](env, offset, limit)
}

func (c *Client) ListGroups(ctx context.Context, sess Session, offset, limit int) ([]Group, *Pagination, error) {
	env, err := c.do(ctx, sess, fasthttp.MethodGet, "/api/group/list", pageQuery(sess, offset, limit), nil)
	if err != nil {
		return nil, nil, err
	}
	return decodePage[Group](env, offset, limit)
}

func (c *Client) ListGroupMembers(ctx context.Context, sess Session, groupID string) ([]Member, error) {
	env, err := c.do(ctx, sess, fasthttp.MethodGet, "/api/group/members/"+url.PathEscape(groupID), nil, nil)
	if err != nil {
		return nil, err
	}
	var members []Member
	if err = json.Unmarshal(env.Data, &members); err != nil {
		return nil, fmt.Errorf("failed to parse group members: %w", err)
	}
	return members, nil
}

func (c *Client) GetUserInfo(ctx context.Context, sess Session, userID string) (*Friend, error) {
	env, err := c.do(ctx, sess, fasthttp.MethodGet, "/api/user/info/"+url.PathEscape(userID), nil, nil)
	if err != nil {
		return nil, err
	}
	var info Friend
	if err = json.Unmarshal(env.Data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse user info: %w", err)
	}
	if info.UserID == "" {
		info.UserID = userID
	}
	return &info, nil
}

func (c *Client) GetGroupInfo(ctx context.Context, sess Session, groupID string) (*Group, error) {
	env, err := c.do(ctx, sess, fasthttp.MethodGet, "/api/group/info/"+url.PathEscape(groupID), nil, nil)
	if err != nil {
		return nil, err
	}
	var info Group
	if err = json.Unmarshal(env.Data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse group info: %w", err)
	}
	if info.GroupID == "" {
		info.GroupID = groupID
	}
	return &info, nil
}

// MessageRef addresses a message on the gateway.
type MessageRef struct {
	MessageID string `json:"message_id"`
	CliMsgID  string `json:"cli_msg_id"`
	ThreadID  string `json:"thread_id"`
	Type      string `json:"type"`
}

func (c *Client) Undo(ctx context.Context, sess Session, ref MessageRef) error {
	_, err := c.do(ctx, sess, fasthttp.MethodPost, "/api/message/undo", nil, ref)
	return err
}

func (c *Client) AddReaction(ctx context.Context, sess Session, ref MessageRef, icon string) error {
	body := struct {
		MessageRef
		Reaction string `json:"reaction"`
	}{ref, icon}
	_, err := c.do(ctx, sess, fasthttp.MethodPost, "/api/message/reaction", nil, body)
	return err
}
