package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lrhodin/chatbroker/pkg/broadcast"
	"github.com/lrhodin/chatbroker/pkg/database"
	"github.com/lrhodin/chatbroker/pkg/gateway"
	"github.com/lrhodin/chatbroker/pkg/visibility"
)

type ReactionUser struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

// ReactionGroup is every reaction with one icon on one message.
type ReactionGroup struct {
	Icon  string         `json:"icon"`
	Count int            `json:"count"`
	Users []ReactionUser `json:"users"`
}

// GroupReactions groups reactions by icon, in order of the first reaction
// with each icon.
func GroupReactions(reactions []*database.Reaction) []*ReactionGroup {
	groups := make([]*ReactionGroup, 0)
	byIcon := make(map[string]*ReactionGroup)
	for _, r := range reactions {
		group, ok := byIcon[r.Icon]
		if !ok {
			group = &ReactionGroup{Icon: r.Icon}
			byIcon[r.Icon] = group
			groups = append(groups, group)
		}
		group.Count++
		group.Users = append(group.Users, ReactionUser{UserID: r.UserID, Name: r.UserName})
	}
	return groups
}

// reactorName resolves who reacted. In a group it's a member, in a direct
// chat it's either the peer or the account itself.
func (e *Engine) reactorName(ctx context.Context, acc *database.Account, msg *database.Message, userID, hint string) string {
	switch {
	case msg.RecipientType == database.RecipientGroup:
		return e.Identity.ResolveSender(ctx, acc, msg.RecipientID, userID, hint).Name
	case userID == msg.RecipientID:
		if hint != "" && !e.Identity.IsPlaceholder(hint) {
			return hint
		}
		return e.Identity.ResolveRecipient(ctx, acc, database.RecipientUser, userID).Name
	case hint != "":
		return hint
	default:
		return acc.Name
	}
}

func (e *Engine) ingestReaction(ctx context.Context, acc *database.Account, evt *ReactionEvent) (*Result, error) {
	res := &Result{AccountID: acc.ID}
	msg, err := e.findByAnyID(ctx, acc.ID, evt.RecipientID, evt.MessageExternalID)
	if err == nil && msg == nil && evt.MessageClientID != "" {
		msg, err = e.findByAnyID(ctx, acc.ID, evt.RecipientID, evt.MessageClientID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up reacted message: %w", err)
	} else if msg == nil {
		zerolog.Ctx(ctx).Debug().
			Str("external_id", evt.MessageExternalID).
			Msg("Reaction target not found, ignoring")
		return res, nil
	}
	res.MessageID = msg.ID
	if msg.ConversationID != nil {
		res.ConversationID = *msg.ConversationID
	}
	if evt.Icon == "" {
		err = e.DB.Reaction.Delete(ctx, msg.ID, evt.UserID)
	} else {
		reaction := &database.Reaction{
			MessageID: msg.ID,
			UserID:    evt.UserID,
			UserName:  e.reactorName(ctx, acc, msg, evt.UserID, evt.UserName),
			Icon:      evt.Icon,
		}
		if evt.ReactedAt != nil {
			reaction.ReactedAt = *evt.ReactedAt
		}
		err = e.DB.Reaction.Put(ctx, reaction)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to store reaction: %w", err)
	}
	res.Applied = true
	return res, e.broadcastReactions(ctx, acc, msg)
}

func (e *Engine) broadcastReactions(ctx context.Context, acc *database.Account, msg *database.Message) error {
	reactions, err := e.DB.Reaction.ListByMessage(ctx, msg.ID)
	if err != nil {
		return fmt.Errorf("failed to list reactions: %w", err)
	}
	var conv *database.Conversation
	if msg.ConversationID != nil {
		conv, err = e.DB.Conversation.GetByID(ctx, *msg.ConversationID)
		if err != nil {
			return fmt.Errorf("failed to get conversation: %w", err)
		}
	}
	e.broadcast(ctx, acc, conv, broadcast.EventMessageReaction, map[string]any{
		"message_id":      msg.ID,
		"conversation_id": msg.ConversationID,
		"reactions":       GroupReactions(reactions),
	})
	return nil
}

// authorizeMessage loads a message and checks that user may act on it.
func (e *Engine) authorizeMessage(ctx context.Context, user visibility.Principal, messageID int64, capability visibility.Capability) (*database.Account, *database.Message, error) {
	msg, err := e.DB.Message.GetByID(ctx, messageID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get message: %w", err)
	} else if msg == nil {
		return nil, nil, fmt.Errorf("%w: message %d", ErrNotFound, messageID)
	}
	if msg.ConversationID != nil {
		acc, _, err := e.authorizeConversation(ctx, user, *msg.ConversationID, capability)
		return acc, msg, err
	}
	acc, err := e.authorize(ctx, user, msg.AccountID, capability)
	return acc, msg, err
}

// ListReactions returns the reactions of a message grouped by icon.
func (e *Engine) ListReactions(ctx context.Context, user visibility.Principal, messageID int64) ([]*ReactionGroup, error) {
	_, msg, err := e.authorizeMessage(ctx, user, messageID, visibility.CapViewAllConversations)
	if err != nil {
		return nil, err
	}
	reactions, err := e.DB.Reaction.ListByMessage(ctx, msg.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reactions: %w", err)
	}
	return GroupReactions(reactions), nil
}

// React stores an operator's reaction as the account's own and forwards it
// to the gateway. Gateway failures don't undo the local reaction.
func (e *Engine) React(ctx context.Context, user visibility.Principal, messageID int64, icon string) ([]*ReactionGroup, error) {
	if icon == "" {
		return nil, invalid("reaction", "required")
	}
	acc, msg, err := e.authorizeMessage(ctx, user, messageID, visibility.CapSendMessage)
	if err != nil {
		return nil, err
	}
	reaction := &database.Reaction{
		MessageID: msg.ID,
		UserID:    acc.ExternalID,
		UserName:  acc.Name,
		Icon:      icon,
		ReactedAt: e.now(),
	}
	if err = e.DB.Reaction.Put(ctx, reaction); err != nil {
		return nil, fmt.Errorf("failed to store reaction: %w", err)
	}
	if e.Gateway != nil {
		err = e.Gateway.AddReaction(ctx, gateway.Session{AccountID: acc.ID, ExternalID: acc.ExternalID}, messageRef(msg), icon)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).
				Int64("message_id", msg.ID).
				Bool("unavailable", errors.Is(err, gateway.ErrUnavailable)).
				Msg("Failed to forward reaction to gateway")
		}
	}
	if err = e.broadcastReactions(ctx, acc, msg); err != nil {
		return nil, err
	}
	return e.ListReactions(ctx, user, messageID)
}
