package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lrhodin/chatbroker/pkg/database"
	"github.com/lrhodin/chatbroker/pkg/syncprogress"
	"github.com/lrhodin/chatbroker/pkg/visibility"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

type MessageView struct {
	ID               int64                  `json:"id"`
	AccountID        int64                  `json:"account_id"`
	ConversationID   *int64                 `json:"conversation_id"`
	RecipientID      string                 `json:"recipient_id"`
	RecipientType    database.RecipientType `json:"recipient_type"`
	RecipientName    string                 `json:"recipient_name"`
	SenderID         string                 `json:"sender_id,omitempty"`
	SenderName       string                 `json:"sender_name,omitempty"`
	ExternalID       *string                `json:"external_message_id,omitempty"`
	ClientID         *string                `json:"client_message_id,omitempty"`
	Direction        database.Direction     `json:"direction"`
	Content          string                 `json:"content"`
	ContentType      string                 `json:"content_type"`
	ReplyToMessageID *int64                 `json:"reply_to_message_id,omitempty"`
	Quote            json.RawMessage        `json:"quoted_payload,omitempty"`
	Sticker          json.RawMessage        `json:"sticker_payload,omitempty"`
	File             json.RawMessage        `json:"file_payload,omitempty"`
	Metadata         map[string]any         `json:"metadata,omitempty"`
	SentByUserID     *int64                 `json:"sent_by_user_id,omitempty"`
	SentAt           *time.Time             `json:"sent_at,omitempty"`
	DeliveredAt      *time.Time             `json:"delivered_at,omitempty"`
	ReadAt           *time.Time             `json:"read_at,omitempty"`
	Recalled         bool                   `json:"recalled"`
	RecalledAt       *time.Time             `json:"recalled_at,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}

func NewMessageView(msg *database.Message) *MessageView {
	return &MessageView{
		ID:               msg.ID,
		AccountID:        msg.AccountID,
		ConversationID:   msg.ConversationID,
		RecipientID:      msg.RecipientID,
		RecipientType:    msg.RecipientType,
		RecipientName:    msg.RecipientName,
		SenderID:         msg.SenderID,
		SenderName:       msg.SenderName,
		ExternalID:       msg.ExternalID,
		ClientID:         msg.ClientID,
		Direction:        msg.Direction,
		Content:          msg.Content,
		ContentType:      msg.ContentType,
		ReplyToMessageID: msg.ReplyToMessageID,
		Quote:            msg.Quote,
		Sticker:          msg.Sticker,
		File:             msg.File,
		Metadata:         msg.Metadata,
		SentByUserID:     msg.SentByUserID,
		SentAt:           msg.SentAt,
		DeliveredAt:      msg.DeliveredAt,
		ReadAt:           msg.ReadAt,
		Recalled:         msg.Recalled,
		RecalledAt:       msg.RecalledAt,
		CreatedAt:        msg.CreatedAt,
	}
}

type ConversationView struct {
	ID                 int64                  `json:"id"`
	AccountID          int64                  `json:"account_id"`
	RecipientID        string                 `json:"recipient_id"`
	RecipientType      database.RecipientType `json:"recipient_type"`
	RecipientName      string                 `json:"recipient_name"`
	RecipientAvatarURL string                 `json:"recipient_avatar_url,omitempty"`
	AssignedBranchID   *int64                 `json:"assigned_branch_id"`
	DepartmentID       *int64                 `json:"department_id"`
	AssignedUsers      []int64                `json:"assigned_users"`
	LastMessageID      *int64                 `json:"last_message_id"`
	LastMessagePreview string                 `json:"last_message_preview"`
	LastMessageAt      *time.Time             `json:"last_message_at"`
	UnreadCount        int                    `json:"unread_count"`
	UpdatedAt          time.Time              `json:"updated_at"`
}

func NewConversationView(conv *database.Conversation) *ConversationView {
	if conv == nil {
		return nil
	}
	users := conv.AssignedUsers
	if users == nil {
		users = []int64{}
	}
	return &ConversationView{
		ID:                 conv.ID,
		AccountID:          conv.AccountID,
		RecipientID:        conv.RecipientID,
		RecipientType:      conv.RecipientType,
		RecipientName:      conv.RecipientName,
		RecipientAvatarURL: conv.RecipientAvatarURL,
		AssignedBranchID:   conv.AssignedBranchID,
		DepartmentID:       conv.DepartmentID,
		AssignedUsers:      users,
		LastMessageID:      conv.LastMessageID,
		LastMessagePreview: conv.LastMessagePreview,
		LastMessageAt:      conv.LastMessageAt,
		UnreadCount:        conv.UnreadCount,
		UpdatedAt:          conv.UpdatedAt,
	}
}

// visibleConversations lists the live conversations user can see, limited
// to one account if accountID is set.
func (e *Engine) visibleConversations(ctx context.Context, user visibility.Principal, accountID *int64) ([]*database.Conversation, error) {
	var accounts []*database.Account
	if accountID != nil {
		acc, err := e.authorize(ctx, user, *accountID, visibility.CapViewAllConversations)
		if err != nil {
			return nil, err
		}
		accounts = []*database.Account{acc}
	} else {
		all, err := e.DB.Account.ListAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list accounts: %w", err)
		}
		ids := make([]int64, len(all))
		for i, acc := range all {
			ids[i] = acc.ID
		}
		grants, err := e.DB.Account.ListBranchAccess(ctx, ids...)
		if err != nil {
			return nil, fmt.Errorf("failed to get branch access: %w", err)
		}
		for _, acc := range all {
			if visibility.CanView(user, acc, grants, visibility.CapViewAllConversations) {
				accounts = append(accounts, acc)
			}
		}
	}
	if len(accounts) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(accounts))
	for i, acc := range accounts {
		ids[i] = acc.ID
	}
	convs, err := e.DB.Conversation.ListLive(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	visible := convs[:0]
	for _, conv := range convs {
		if visibility.ConversationVisible(user, conv) {
			visible = append(visible, conv)
		}
	}
	return visible, nil
}

func (e *Engine) ListConversations(ctx context.Context, user visibility.Principal, accountID *int64) ([]*ConversationView, error) {
	convs, err := e.visibleConversations(ctx, user, accountID)
	if err != nil {
		return nil, err
	}
	out := make([]*ConversationView, len(convs))
	for i, conv := range convs {
		out[i] = NewConversationView(conv)
	}
	return out, nil
}

type UnreadCounts struct {
	Total         int           `json:"total"`
	Accounts      map[int64]int `json:"accounts"`
	Conversations map[int64]int `json:"conversations"`
}

// UnreadCounts sums unread messages over what user can see. With
// conversationID set only that conversation is counted.
func (e *Engine) UnreadCounts(ctx context.Context, user visibility.Principal, accountID, conversationID *int64) (*UnreadCounts, error) {
	out := &UnreadCounts{Accounts: make(map[int64]int), Conversations: make(map[int64]int)}
	var convs []*database.Conversation
	if conversationID != nil {
		_, conv, err := e.authorizeConversation(ctx, user, *conversationID, visibility.CapViewAllConversations)
		if err != nil {
			return nil, err
		}
		convs = []*database.Conversation{conv}
	} else {
		var err error
		convs, err = e.visibleConversations(ctx, user, accountID)
		if err != nil {
			return nil, err
		}
	}
	for _, conv := range convs {
		out.Total += conv.UnreadCount
		out.Accounts[conv.AccountID] += conv.UnreadCount
		if conv.UnreadCount > 0 {
			out.Conversations[conv.ID] = conv.UnreadCount
		}
	}
	return out, nil
}

// History returns messages of a conversation newest first, before beforeID
// if set. hasMore tells whether an older page exists.
func (e *Engine) History(ctx context.Context, user visibility.Principal, conversationID int64, beforeID *int64, limit int) ([]*MessageView, bool, error) {
	if _, _, err := e.authorizeConversation(ctx, user, conversationID, visibility.CapViewAllConversations); err != nil {
		return nil, false, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	} else if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if beforeID != nil {
		cursor, err := e.DB.Message.GetByID(ctx, *beforeID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to get cursor message: %w", err)
		} else if cursor == nil || cursor.ConversationID == nil || *cursor.ConversationID != conversationID {
			return nil, false, invalid("before_id", "not a message of this conversation")
		}
	}
	msgs, err := e.DB.Message.History(ctx, conversationID, beforeID, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get history: %w", err)
	}
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	out := make([]*MessageView, len(msgs))
	for i, msg := range msgs {
		out[i] = NewMessageView(msg)
	}
	return out, hasMore, nil
}

// Branches returns the branches an update to the conversation reaches.
func (e *Engine) Branches(ctx context.Context, user visibility.Principal, conversationID int64) ([]int64, error) {
	acc, conv, err := e.authorizeConversation(ctx, user, conversationID, visibility.CapViewAllConversations)
	if err != nil {
		return nil, err
	}
	branches, err := e.fanout(ctx, acc, conv)
	if err != nil {
		return nil, fmt.Errorf("failed to compute branches: %w", err)
	}
	if branches == nil {
		branches = []int64{}
	}
	return branches, nil
}

func (e *Engine) SyncProgress(ctx context.Context, user visibility.Principal, accountID int64) (*syncprogress.Progress, error) {
	acc, err := e.authorize(ctx, user, accountID, visibility.CapViewAllConversations)
	if err != nil {
		return nil, err
	}
	return e.Sync.Get(ctx, acc.ID)
}

// TriggerSync is the manual re-trigger; it also clears errored tracks.
func (e *Engine) TriggerSync(ctx context.Context, user visibility.Principal, accountID int64) error {
	acc, err := e.authorize(ctx, user, accountID, visibility.CapViewAllConversations)
	if err != nil {
		return err
	}
	return e.Sync.Trigger(ctx, acc)
}
