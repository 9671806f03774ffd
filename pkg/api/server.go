// Package api is the HTTP surface of the broker: gateway webhooks on one
// side, the operator UI's read and mutation endpoints on the other.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lrhodin/chatbroker/pkg/connector"
	"github.com/lrhodin/chatbroker/pkg/metrics"
	"github.com/lrhodin/chatbroker/pkg/syncprogress"
	"github.com/lrhodin/chatbroker/pkg/visibility"
)

// Engine is what the HTTP layer needs from the connector.
type Engine interface {
	Handle(ctx context.Context, evt connector.Event) ([]*connector.Result, error)

	UnreadCounts(ctx context.Context, user visibility.Principal, accountID, conversationID *int64) (*connector.UnreadCounts, error)
	ListConversations(ctx context.Context, user visibility.Principal, accountID *int64) ([]*connector.ConversationView, error)
	History(ctx context.Context, user visibility.Principal, conversationID int64, beforeID *int64, limit int) ([]*connector.MessageView, bool, error)
	Branches(ctx context.Context, user visibility.Principal, conversationID int64) ([]int64, error)
	MarkRead(ctx context.Context, user visibility.Principal, conversationID int64) (*connector.ConversationView, error)
	AssignBranch(ctx context.Context, user visibility.Principal, conversationID int64, branchID *int64) (*connector.ConversationView, error)
	AssignDepartment(ctx context.Context, user visibility.Principal, conversationID int64, departmentID *int64) (*connector.ConversationView, error)
	AssignUser(ctx context.Context, user visibility.Principal, conversationID int64, assignment connector.UserAssignment) (*connector.ConversationView, error)
	RemoveUser(ctx context.Context, user visibility.Principal, conversationID, userID int64) (*connector.ConversationView, error)
	DeleteConversation(ctx context.Context, user visibility.Principal, conversationID int64) error

	ListReactions(ctx context.Context, user visibility.Principal, messageID int64) ([]*connector.ReactionGroup, error)
	React(ctx context.Context, user visibility.Principal, messageID int64, icon string) ([]*connector.ReactionGroup, error)
	RecallByOperator(ctx context.Context, user visibility.Principal, messageID int64) (*connector.RecallResult, error)

	SyncProgress(ctx context.Context, user visibility.Principal, accountID int64) (*syncprogress.Progress, error)
	TriggerSync(ctx context.Context, user visibility.Principal, accountID int64) error
}

const (
	headerWebhookSecret = "X-Webhook-Secret"
	headerRequestID     = "X-Request-ID"
)

type Server struct {
	App     *fiber.App
	Engine  Engine
	Log     zerolog.Logger
	Metrics *metrics.Metrics

	webhookSecret atomic.Pointer[string]
}

func NewServer(engine Engine, cfg connector.ServerConfig, log zerolog.Logger, m *metrics.Metrics) *Server {
	s := &Server{
		Engine:  engine,
		Log:     log.With().Str("component", "api").Logger(),
		Metrics: m,
	}
	s.SetWebhookSecret(cfg.WebhookSecret)
	fiberCfg := fiber.Config{
		AppName:               "chatbroker",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	}
	if cfg.BodyLimit > 0 {
		fiberCfg.BodyLimit = cfg.BodyLimit
	}
	s.App = fiber.New(fiberCfg)
	s.App.Use(recover.New())
	s.App.Use(s.requestLogger)
	s.routes()
	return s
}

// SetWebhookSecret replaces the shared secret gateway requests must carry.
// It is safe to call while serving.
func (s *Server) SetWebhookSecret(secret string) {
	s.webhookSecret.Store(&secret)
}

func (s *Server) routes() {
	s.App.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"ok": true})
	})
	if s.Metrics != nil {
		s.App.Get("/metrics", adaptor.HTTPHandler(s.Metrics.Handler()))
	}

	webhooks := s.App.Group("/api/webhook", s.requireWebhookSecret)
	webhooks.Post("/messages", s.webhook("messages", connector.KindMessage))
	webhooks.Post("/reactions", s.webhook("reactions", connector.KindReaction))
	webhooks.Patch("/recall", s.webhook("recall", connector.KindRecall))
	webhooks.Post("/sync-history", s.webhook("sync-history", connector.KindSyncHistory))
	webhooks.Post("/session-status", s.webhook("session-status", connector.KindSession))

	ui := s.App.Group("/api", s.requirePrincipal)
	ui.Get("/unread-counts", s.getUnreadCounts)
	ui.Get("/conversations", s.listConversations)
	ui.Get("/conversations/:id/messages", s.getHistory)
	ui.Get("/conversations/:id/branches", s.getBranches)
	ui.Post("/conversations/:id/read", s.markRead)
	ui.Put("/conversations/:id/branch", s.assignBranch)
	ui.Put("/conversations/:id/department", s.assignDepartment)
	ui.Post("/conversations/:id/users", s.assignUser)
	ui.Delete("/conversations/:id/users/:userID", s.removeUser)
	ui.Delete("/conversations/:id", s.deleteConversation)
	ui.Get("/messages/:id/reactions", s.listReactions)
	ui.Post("/messages/:id/reactions", s.react)
	ui.Post("/messages/:id/recall", s.recall)
	ui.Get("/accounts/:id/sync-progress", s.getSyncProgress)
	ui.Post("/accounts/:id/sync", s.triggerSync)
}

// requestLogger tags every request with an id and puts a logger carrying it
// into the request context.
func (s *Server) requestLogger(c *fiber.Ctx) error {
	requestID := c.Get(headerRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(headerRequestID, requestID)
	log := s.Log.With().Str("request_id", requestID).Logger()
	c.SetUserContext(log.WithContext(c.UserContext()))
	start := time.Now()
	err := c.Next()
	log.Debug().
		Str("method", c.Method()).
		Str("path", c.Path()).
		Int("status", c.Response().StatusCode()).
		Dur("duration", time.Since(start)).
		Err(err).
		Msg("Request handled")
	return err
}

func (s *Server) requireWebhookSecret(c *fiber.Ctx) error {
	expected := *s.webhookSecret.Load()
	given := c.Get(headerWebhookSecret)
	if expected == "" || subtle.ConstantTimeCompare([]byte(expected), []byte(given)) != 1 {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid webhook secret")
	}
	return c.Next()
}

func (s *Server) webhook(endpoint string, kind connector.EventKind) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if s.Metrics != nil {
			start := time.Now()
			defer func() {
				s.Metrics.WebhookDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
			}()
		}
		evt, err := connector.ParseEvent(kind, c.Body())
		if err != nil {
			return err
		}
		results, err := s.Engine.Handle(c.UserContext(), evt)
		if results == nil {
			results = []*connector.Result{}
		}
		if err != nil {
			// Partial results still go back so the gateway can see what
			// stuck, but the status asks for a retry.
			status, msg := s.classify(c, err)
			return c.Status(status).JSON(fiber.Map{"success": false, "error": msg, "results": results})
		}
		return c.JSON(fiber.Map{"success": true, "results": results})
	}
}

// classify maps an error onto an HTTP status and the message shown to the
// caller. Unexpected errors are logged and hidden.
func (s *Server) classify(c *fiber.Ctx, err error) (int, string) {
	var fe *fiber.Error
	status := fiber.StatusInternalServerError
	switch {
	case errors.As(err, &fe):
		status = fe.Code
	case errors.Is(err, connector.ErrValidation):
		status = fiber.StatusBadRequest
	case errors.Is(err, connector.ErrNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, connector.ErrPermissionDenied):
		status = fiber.StatusForbidden
	case errors.Is(err, connector.ErrUpstreamUnavailable):
		status = fiber.StatusBadGateway
	case errors.Is(err, connector.ErrRecallWindowExpired):
		status = fiber.StatusUnprocessableEntity
	case errors.Is(err, connector.ErrSyncInProgress):
		status = fiber.StatusConflict
	}
	if status >= fiber.StatusInternalServerError {
		zerolog.Ctx(c.UserContext()).Err(err).Str("path", c.Path()).Msg("Request failed")
		if status == fiber.StatusInternalServerError {
			return status, "internal server error"
		}
	}
	return status, err.Error()
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	status, msg := s.classify(c, err)
	return c.Status(status).JSON(fiber.Map{"success": false, "error": msg})
}

func (s *Server) Listen(addr string) error {
	s.Log.Info().Str("address", addr).Msg("Starting HTTP server")
	return s.App.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.App.ShutdownWithContext(ctx)
}

func splitHeader(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
