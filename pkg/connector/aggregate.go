package connector

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/lrhodin/chatbroker/pkg/database"
	"github.com/lrhodin/chatbroker/pkg/identity"
)

const previewLength = 100

// Preview renders the one-line summary shown in conversation lists.
func (e *Engine) Preview(msg *database.Message) string {
	if msg.Recalled {
		return e.Config.Recall.Marker
	}
	switch {
	case len(msg.Sticker) > 0 || msg.ContentType == "sticker":
		return "[Sticker]"
	case len(msg.File) > 0 || msg.ContentType == "file":
		if name := gjson.GetBytes(msg.File, "fileName").String(); name != "" {
			return "[File] " + truncate(name, previewLength)
		}
		return "[File]"
	case msg.ContentType == "image" || msg.ContentType == "photo":
		return "[Image]"
	}
	return truncate(strings.Join(strings.Fields(msg.Content), " "), previewLength)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}

// ensureConversation returns the conversation of (account, recipient),
// creating it or bringing a soft-deleted one back.
func (e *Engine) ensureConversation(ctx context.Context, acc *database.Account, recipientID string, kind database.RecipientType, recipient identity.Result) (*database.Conversation, error) {
	conv, err := e.DB.Conversation.GetByKey(ctx, acc.ID, recipientID, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if conv == nil {
		conv = &database.Conversation{
			AccountID:          acc.ID,
			RecipientID:        recipientID,
			RecipientType:      kind,
			RecipientName:      recipient.Name,
			RecipientAvatarURL: recipient.AvatarURL,
		}
		err = e.DB.Conversation.Insert(ctx, conv)
		if err == nil {
			return conv, nil
		} else if !database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("failed to insert conversation: %w", err)
		}
		conv, err = e.DB.Conversation.GetByKey(ctx, acc.ID, recipientID, kind)
		if err != nil {
			return nil, fmt.Errorf("failed to get conversation after conflict: %w", err)
		} else if conv == nil {
			return nil, fmt.Errorf("conversation conflicted but no existing row was found")
		}
	}
	if conv.Deleted {
		if err = e.DB.Conversation.Restore(ctx, conv.ID); err != nil {
			return nil, fmt.Errorf("failed to restore conversation: %w", err)
		}
		zerolog.Ctx(ctx).Debug().Int64("conversation_id", conv.ID).Msg("Restored deleted conversation")
		conv.Deleted = false
		conv.DeletedAt = nil
	}
	if !recipient.Placeholder && (recipient.Name != conv.RecipientName || (recipient.AvatarURL != "" && recipient.AvatarURL != conv.RecipientAvatarURL)) {
		if err = e.DB.Conversation.UpdateRecipient(ctx, conv.ID, recipient.Name, recipient.AvatarURL); err != nil {
			return nil, fmt.Errorf("failed to update conversation recipient: %w", err)
		}
	}
	return conv, nil
}

// OnMessage folds one processed message into its conversation. msg.ID may
// be zero if the message itself couldn't be stored; the preview still moves
// so operators see that something arrived.
func (e *Engine) OnMessage(ctx context.Context, acc *database.Account, msg *database.Message, recipient identity.Result) (*database.Conversation, error) {
	conv, err := e.ensureConversation(ctx, acc, msg.RecipientID, msg.RecipientType, recipient)
	if err != nil {
		return nil, err
	}
	if msg.ID != 0 && (msg.ConversationID == nil || *msg.ConversationID != conv.ID) {
		if err = e.DB.Message.SetConversation(ctx, msg.ID, conv.ID); err != nil {
			return nil, fmt.Errorf("failed to link message to conversation: %w", err)
		}
		msg.ConversationID = &conv.ID
	}
	at := msg.SortTime()
	if at.IsZero() {
		at = e.now()
	}
	if err = e.DB.Conversation.SetLastMessage(ctx, conv.ID, msg.ID, e.Preview(msg), at); err != nil {
		return nil, fmt.Errorf("failed to update last message: %w", err)
	}
	return e.reconcileUnread(ctx, conv.ID)
}

// reconcileUnread recounts unread messages from the store instead of
// incrementing, so concurrent deliveries can't make the counter drift.
func (e *Engine) reconcileUnread(ctx context.Context, conversationID int64) (*database.Conversation, error) {
	unread, err := e.DB.Message.CountUnread(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to count unread messages: %w", err)
	}
	if err = e.DB.Conversation.SetUnreadCount(ctx, conversationID, unread); err != nil {
		return nil, fmt.Errorf("failed to store unread count: %w", err)
	}
	conv, err := e.DB.Conversation.GetByID(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload conversation: %w", err)
	} else if conv == nil {
		return nil, fmt.Errorf("%w: conversation %d", ErrNotFound, conversationID)
	}
	if err = e.DB.Conversation.LoadUsers(ctx, conv); err != nil {
		return nil, fmt.Errorf("failed to get conversation users: %w", err)
	}
	return conv, nil
}

// refreshLastMessage re-renders the preview if it currently shows msg.
func (e *Engine) refreshLastMessage(ctx context.Context, msg *database.Message) (*database.Conversation, error) {
	conv, err := e.DB.Conversation.GetByID(ctx, *msg.ConversationID)
	if err != nil {
		return nil, err
	} else if conv == nil {
		return nil, nil
	}
	if conv.LastMessageID != nil && *conv.LastMessageID == msg.ID {
		at := msg.SortTime()
		if conv.LastMessageAt != nil {
			at = *conv.LastMessageAt
		}
		if err = e.DB.Conversation.SetLastMessage(ctx, conv.ID, msg.ID, e.Preview(msg), at); err != nil {
			return nil, err
		}
	}
	return e.reconcileUnread(ctx, conv.ID)
}
