package api

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/lrhodin/chatbroker/pkg/connector"
	"github.com/lrhodin/chatbroker/pkg/visibility"
)

const principalKey = "principal"

// requirePrincipal reads the user the auth proxy in front of us vouched for.
func (s *Server) requirePrincipal(c *fiber.Ctx) error {
	userID, err := strconv.ParseInt(c.Get("X-User-ID"), 10, 64)
	if err != nil || userID <= 0 {
		return fiber.NewError(fiber.StatusUnauthorized, "missing or invalid X-User-ID")
	}
	user := visibility.Principal{
		UserID:      userID,
		Roles:       splitHeader(c.Get("X-User-Roles")),
		Permissions: splitHeader(c.Get("X-User-Permissions")),
	}
	if user.BranchID, err = optionalID(c.Get("X-Branch-ID"), "X-Branch-ID"); err != nil {
		return err
	}
	if user.DepartmentID, err = optionalID(c.Get("X-Department-ID"), "X-Department-ID"); err != nil {
		return err
	}
	c.Locals(principalKey, user)
	return c.Next()
}

func principal(c *fiber.Ctx) visibility.Principal {
	return c.Locals(principalKey).(visibility.Principal)
}

func optionalID(raw, field string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil, &connector.ValidationError{Field: field, Reason: "must be a positive integer"}
	}
	return &id, nil
}

func pathID(c *fiber.Ctx, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Params(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, &connector.ValidationError{Field: name, Reason: "must be a positive integer"}
	}
	return id, nil
}

func (s *Server) getUnreadCounts(c *fiber.Ctx) error {
	accountID, err := optionalID(c.Query("account_id"), "account_id")
	if err != nil {
		return err
	}
	conversationID, err := optionalID(c.Query("conversation_id"), "conversation_id")
	if err != nil {
		return err
	}
	counts, err := s.Engine.UnreadCounts(c.UserContext(), principal(c), accountID, conversationID)
	if err != nil {
		return err
	}
	return c.JSON(counts)
}

func (s *Server) listConversations(c *fiber.Ctx) error {
	accountID, err := optionalID(c.Query("account_id"), "account_id")
	if err != nil {
		return err
	}
	convs, err := s.Engine.ListConversations(c.UserContext(), principal(c), accountID)
	if err != nil {
		return err
	}
	if convs == nil {
		convs = []*connector.ConversationView{}
	}
	return c.JSON(fiber.Map{"conversations": convs})
}

func (s *Server) getHistory(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	beforeID, err := optionalID(c.Query("before_id"), "before_id")
	if err != nil {
		return err
	}
	limit := c.QueryInt("limit", 0)
	msgs, hasMore, err := s.Engine.History(c.UserContext(), principal(c), id, beforeID, limit)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"messages": msgs, "has_more": hasMore})
}

func (s *Server) getBranches(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	branches, err := s.Engine.Branches(c.UserContext(), principal(c), id)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"branch_ids": branches})
}

func (s *Server) markRead(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	conv, err := s.Engine.MarkRead(c.UserContext(), principal(c), id)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"conversation": conv})
}

type assignRequest struct {
	BranchID     *int64 `json:"branch_id"`
	DepartmentID *int64 `json:"department_id"`
}

func parseBody(c *fiber.Ctx, into any) error {
	if err := c.BodyParser(into); err != nil {
		return &connector.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

func (s *Server) assignBranch(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req assignRequest
	if err = parseBody(c, &req); err != nil {
		return err
	}
	conv, err := s.Engine.AssignBranch(c.UserContext(), principal(c), id, req.BranchID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"conversation": conv})
}

func (s *Server) assignDepartment(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req assignRequest
	if err = parseBody(c, &req); err != nil {
		return err
	}
	conv, err := s.Engine.AssignDepartment(c.UserContext(), principal(c), id, req.DepartmentID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"conversation": conv})
}

func (s *Server) assignUser(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	req := connector.UserAssignment{CanView: true, CanReply: true}
	if err = parseBody(c, &req); err != nil {
		return err
	}
	conv, err := s.Engine.AssignUser(c.UserContext(), principal(c), id, req)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"conversation": conv})
}

func (s *Server) removeUser(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	userID, err := pathID(c, "userID")
	if err != nil {
		return err
	}
	conv, err := s.Engine.RemoveUser(c.UserContext(), principal(c), id, userID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"conversation": conv})
}

func (s *Server) deleteConversation(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err = s.Engine.DeleteConversation(c.UserContext(), principal(c), id); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true})
}

func (s *Server) listReactions(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	groups, err := s.Engine.ListReactions(c.UserContext(), principal(c), id)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"reactions": groups})
}

func (s *Server) react(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req struct {
		Reaction string `json:"reaction"`
	}
	if err = parseBody(c, &req); err != nil {
		return err
	}
	groups, err := s.Engine.React(c.UserContext(), principal(c), id, req.Reaction)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"reactions": groups})
}

func (s *Server) recall(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	res, err := s.Engine.RecallByOperator(c.UserContext(), principal(c), id)
	if err != nil {
		return err
	}
	out := fiber.Map{"success": true, "applied": res.Applied}
	if res.Message != nil {
		out["message"] = connector.NewMessageView(res.Message)
	}
	return c.JSON(out)
}

func (s *Server) getSyncProgress(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	progress, err := s.Engine.SyncProgress(c.UserContext(), principal(c), id)
	if err != nil {
		return err
	}
	return c.JSON(progress)
}

func (s *Server) triggerSync(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err = s.Engine.TriggerSync(c.UserContext(), principal(c), id); err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"success": true})
}
