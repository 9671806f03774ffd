// Package broadcast pushes updates to the external realtime sink.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"github.com/lrhodin/chatbroker/pkg/metrics"
	"github.com/lrhodin/chatbroker/pkg/worker"
)

type EventName string

const (
	EventMessageNew          EventName = "message:new"
	EventMessageRecalled     EventName = "message:recalled"
	EventMessageReaction     EventName = "message:reaction"
	EventConversationUpdated EventName = "conversation:updated"
	EventConversationDeleted EventName = "conversation:deleted"
)

// Event is one call to the sink. AccountID is the room routing key.
type Event struct {
	Name      EventName `json:"event_name"`
	AccountID int64     `json:"account_id"`
	Data      any       `json:"payload"`
}

// Sink delivers a single event synchronously.
type Sink interface {
	Send(ctx context.Context, evt *Event) error
}

type HTTPSink struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	HTTP    *fasthttp.Client
}

func NewHTTPSink(url, apiKey string, timeout time.Duration) *HTTPSink {
	return &HTTPSink{
		URL:     url,
		APIKey:  apiKey,
		Timeout: timeout,
		HTTP:    &fasthttp.Client{Name: "chatbroker"},
	}
}

func (s *HTTPSink) Send(ctx context.Context, evt *Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	req.SetRequestURI(s.URL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("X-API-Key", s.APIKey)
	req.SetBody(body)

	timeout := s.Timeout
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}
	if err = s.HTTP.DoTimeout(req, resp, timeout); err != nil {
		return fmt.Errorf("failed to reach broadcast sink: %w", err)
	}
	if resp.StatusCode() >= 300 {
		return fmt.Errorf("broadcast sink returned HTTP %d", resp.StatusCode())
	}
	return nil
}

// Dispatcher hands events to the worker pool so the caller never waits on
// the sink. Failed deliveries are logged and dropped.
type Dispatcher struct {
	Sink    Sink
	Pool    *worker.Pool
	Log     zerolog.Logger
	Metrics *metrics.Metrics
}

func NewDispatcher(sink Sink, pool *worker.Pool, log zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		Sink:    sink,
		Pool:    pool,
		Log:     log.With().Str("component", "broadcast").Logger(),
		Metrics: m,
	}
}

func (d *Dispatcher) Dispatch(evt *Event) {
	if d == nil || d.Sink == nil {
		return
	}
	err := d.Pool.Enqueue(&worker.Task{
		Name: "broadcast",
		Run: func(ctx context.Context) error {
			err := d.Sink.Send(ctx, evt)
			if err != nil {
				d.Log.Warn().Err(err).
					Str("event", string(evt.Name)).
					Int64("account_id", evt.AccountID).
					Msg("Failed to broadcast event")
				d.count(evt.Name, "error")
			} else {
				d.count(evt.Name, "ok")
			}
			return err
		},
	})
	if err != nil {
		d.count(evt.Name, "dropped")
	}
}

func (d *Dispatcher) count(name EventName, outcome string) {
	if d.Metrics != nil {
		d.Metrics.Broadcasts.WithLabelValues(string(name), outcome).Inc()
	}
}
