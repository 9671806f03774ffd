package connector

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lrhodin/chatbroker/pkg/broadcast"
	"github.com/lrhodin/chatbroker/pkg/database"
	"github.com/lrhodin/chatbroker/pkg/visibility"
)

// MarkRead marks every received message of the conversation read and
// returns the refreshed aggregate.
func (e *Engine) MarkRead(ctx context.Context, user visibility.Principal, conversationID int64) (*ConversationView, error) {
	acc, conv, err := e.authorizeConversation(ctx, user, conversationID, visibility.CapViewAllConversations)
	if err != nil {
		return nil, err
	}
	marked, err := e.DB.Message.MarkRead(ctx, conv.ID, e.now())
	if err != nil {
		return nil, fmt.Errorf("failed to mark messages read: %w", err)
	}
	conv, err = e.reconcileUnread(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Debug().Int64("conversation_id", conv.ID).Int64("marked", marked).Msg("Marked conversation read")
	e.broadcastConversation(ctx, acc, conv)
	return NewConversationView(conv), nil
}

// manage loads a conversation for a mutation that changes who sees it.
func (e *Engine) manage(ctx context.Context, user visibility.Principal, conversationID int64) (*database.Account, *database.Conversation, error) {
	acc, conv, err := e.authorizeConversation(ctx, user, conversationID, visibility.CapViewAllConversations)
	if err != nil {
		return nil, nil, err
	}
	if !user.SeesEverything() && !user.HasPermission(visibility.PermAllConversationManagement) {
		if _, err = e.authorize(ctx, user, acc.ID, visibility.CapSendMessage); err != nil {
			return nil, nil, err
		}
	}
	return acc, conv, nil
}

func (e *Engine) reloadAndBroadcast(ctx context.Context, acc *database.Account, conversationID int64) (*ConversationView, error) {
	conv, err := e.DB.Conversation.GetByID(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload conversation: %w", err)
	} else if conv == nil {
		return nil, fmt.Errorf("%w: conversation %d", ErrNotFound, conversationID)
	}
	if err = e.DB.Conversation.LoadUsers(ctx, conv); err != nil {
		return nil, fmt.Errorf("failed to get conversation users: %w", err)
	}
	e.broadcastConversation(ctx, acc, conv)
	return NewConversationView(conv), nil
}

// AssignBranch moves a conversation to a branch, or back to the unassigned
// pool when branchID is nil.
func (e *Engine) AssignBranch(ctx context.Context, user visibility.Principal, conversationID int64, branchID *int64) (*ConversationView, error) {
	acc, conv, err := e.manage(ctx, user, conversationID)
	if err != nil {
		return nil, err
	}
	if branchID != nil && *branchID <= 0 {
		return nil, invalid("branch_id", "must be positive")
	}
	if err = e.DB.Conversation.SetAssignedBranch(ctx, conv.ID, branchID); err != nil {
		return nil, fmt.Errorf("failed to assign branch: %w", err)
	}
	return e.reloadAndBroadcast(ctx, acc, conv.ID)
}

func (e *Engine) AssignDepartment(ctx context.Context, user visibility.Principal, conversationID int64, departmentID *int64) (*ConversationView, error) {
	acc, conv, err := e.manage(ctx, user, conversationID)
	if err != nil {
		return nil, err
	}
	if departmentID != nil && *departmentID <= 0 {
		return nil, invalid("department_id", "must be positive")
	}
	if err = e.DB.Conversation.SetDepartment(ctx, conv.ID, departmentID); err != nil {
		return nil, fmt.Errorf("failed to assign department: %w", err)
	}
	return e.reloadAndBroadcast(ctx, acc, conv.ID)
}

type UserAssignment struct {
	UserID   int64  `json:"user_id"`
	CanView  bool   `json:"can_view"`
	CanReply bool   `json:"can_reply"`
	Note     string `json:"note"`
}

// AssignUser grants one user access to a conversation. Assigning the same
// user again updates the flags in place.
func (e *Engine) AssignUser(ctx context.Context, user visibility.Principal, conversationID int64, assignment UserAssignment) (*ConversationView, error) {
	acc, conv, err := e.manage(ctx, user, conversationID)
	if err != nil {
		return nil, err
	}
	if assignment.UserID <= 0 {
		return nil, invalid("user_id", "must be positive")
	}
	cu := &database.ConversationUser{
		ConversationID: conv.ID,
		UserID:         assignment.UserID,
		CanView:        assignment.CanView,
		CanReply:       assignment.CanReply,
		Note:           assignment.Note,
		AssignedAt:     e.now(),
	}
	if user.UserID != 0 {
		cu.AssignedBy = &user.UserID
	}
	if err = e.DB.Conversation.PutUser(ctx, cu); err != nil {
		return nil, fmt.Errorf("failed to assign user: %w", err)
	}
	return e.reloadAndBroadcast(ctx, acc, conv.ID)
}

func (e *Engine) RemoveUser(ctx context.Context, user visibility.Principal, conversationID, userID int64) (*ConversationView, error) {
	acc, conv, err := e.manage(ctx, user, conversationID)
	if err != nil {
		return nil, err
	}
	removed, err := e.DB.Conversation.DeleteUser(ctx, conv.ID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to remove user: %w", err)
	} else if !removed {
		return nil, fmt.Errorf("%w: user %d is not assigned to conversation %d", ErrNotFound, userID, conv.ID)
	}
	return e.reloadAndBroadcast(ctx, acc, conv.ID)
}

// DeleteConversation hides a conversation. The next message for the same
// recipient brings it back with its history.
func (e *Engine) DeleteConversation(ctx context.Context, user visibility.Principal, conversationID int64) error {
	acc, conv, err := e.manage(ctx, user, conversationID)
	if err != nil {
		return err
	}
	if err = e.DB.Conversation.SoftDelete(ctx, conv.ID); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	e.broadcast(ctx, acc, conv, broadcast.EventConversationDeleted, map[string]any{
		"conversation_id": conv.ID,
	})
	return nil
}
