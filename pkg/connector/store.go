package connector

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"
	"go.mau.fi/util/ptr"

	"github.com/lrhodin/chatbroker/pkg/database"
)

type PersistOutcome int

const (
	OutcomeCreated PersistOutcome = iota
	OutcomeDuplicate
	// OutcomeSkipped means the natural key already belongs to another
	// recipient, so this delivery is a copy of a message filed elsewhere.
	OutcomeSkipped
)

func (o PersistOutcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "skipped"
	}
}

// findByAnyID matches one gateway id against the external id column, the
// alias table and client ids. recipientID narrows the client id match if
// known.
func (e *Engine) findByAnyID(ctx context.Context, accountID int64, recipientID, id string) (*database.Message, error) {
	if id == "" {
		return nil, nil
	}
	msg, err := e.DB.Message.GetByExternalID(ctx, accountID, id)
	if err != nil || msg != nil {
		return msg, err
	}
	msg, err = e.DB.Message.GetByAlias(ctx, accountID, id)
	if err != nil || msg != nil {
		return msg, err
	}
	if recipientID != "" {
		return e.DB.Message.GetByClientID(ctx, accountID, recipientID, id)
	}
	return e.DB.Message.GetByClientIDAnyRecipient(ctx, accountID, id)
}

// findExisting looks a message up by its natural key: external id first,
// then client id within the same recipient, then alternate ids. A message
// with an external id only matches client ids of rows stored without one.
func (e *Engine) findExisting(ctx context.Context, msg *database.Message, aliases []string) (*database.Message, error) {
	if msg.ExternalID != nil {
		existing, err := e.DB.Message.GetByExternalID(ctx, msg.AccountID, *msg.ExternalID)
		if err != nil || existing != nil {
			return existing, err
		}
		existing, err = e.DB.Message.GetByAlias(ctx, msg.AccountID, *msg.ExternalID)
		if err != nil || existing != nil {
			return existing, err
		}
	}
	if msg.ClientID != nil {
		var existing *database.Message
		var err error
		if msg.ExternalID != nil {
			existing, err = e.DB.Message.GetUnkeyedByClientID(ctx, msg.AccountID, msg.RecipientID, *msg.ClientID)
		} else {
			existing, err = e.DB.Message.GetByClientID(ctx, msg.AccountID, msg.RecipientID, *msg.ClientID)
		}
		if err != nil || existing != nil {
			return existing, err
		}
	}
	for _, alias := range aliases {
		existing, err := e.DB.Message.GetByAlias(ctx, msg.AccountID, alias)
		if err != nil || existing != nil {
			return existing, err
		}
	}
	return nil, nil
}

// persist stores msg idempotently. On a repeat delivery the stored row is
// refreshed and returned instead. A lost insert race is resolved by reading
// the winner's row.
func (e *Engine) persist(ctx context.Context, msg *database.Message, aliases []string) (*database.Message, PersistOutcome, error) {
	existing, err := e.findExisting(ctx, msg, aliases)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to look up message: %w", err)
	}
	if existing == nil {
		err = e.DB.Message.Insert(ctx, msg)
		if err == nil {
			if err = e.DB.Message.AddAliases(ctx, msg.AccountID, msg.ID, aliases); err != nil {
				return msg, OutcomeCreated, fmt.Errorf("failed to store message aliases: %w", err)
			}
			return msg, OutcomeCreated, nil
		} else if !database.IsUniqueViolation(err) {
			return nil, 0, fmt.Errorf("failed to insert message: %w", err)
		}
		existing, err = e.findExisting(ctx, msg, aliases)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to look up message after conflict: %w", err)
		} else if existing == nil {
			return nil, 0, fmt.Errorf("message conflicted but no existing row was found")
		}
	}
	if existing.RecipientID != msg.RecipientID {
		return existing, OutcomeSkipped, nil
	}
	if err = e.DB.Message.Redelivered(ctx, existing.ID, msg); err != nil {
		return existing, OutcomeDuplicate, fmt.Errorf("failed to refresh message: %w", err)
	}
	if err = e.DB.Message.AddAliases(ctx, existing.AccountID, existing.ID, aliases); err != nil {
		return existing, OutcomeDuplicate, fmt.Errorf("failed to store message aliases: %w", err)
	}
	refreshed, err := e.DB.Message.GetByID(ctx, existing.ID)
	if err != nil || refreshed == nil {
		return existing, OutcomeDuplicate, err
	}
	return refreshed, OutcomeDuplicate, nil
}

func newMessage(acc *database.Account, evt *MessageEvent) *database.Message {
	msg := &database.Message{
		AccountID:     acc.ID,
		RecipientID:   evt.RecipientID,
		RecipientType: evt.RecipientType,
		SenderID:      evt.SenderID,
		Direction:     evt.Direction,
		Content:       evt.Content,
		ContentType:   evt.ContentType,
		Quote:         evt.Quote,
		Sticker:       evt.Sticker,
		File:          evt.File,
		Metadata:      evt.Metadata,
		SentAt:        evt.SentAt,
	}
	if evt.ExternalID != "" {
		msg.ExternalID = ptr.Ptr(evt.ExternalID)
	}
	if evt.ClientID != "" {
		msg.ClientID = ptr.Ptr(evt.ClientID)
	}
	return msg
}

// PersistSent stores a message the account sent, from this broker or from
// another client of the same session. Operator attribution is kept.
func (e *Engine) PersistSent(ctx context.Context, acc *database.Account, evt *MessageEvent, recipientName, senderName string) (*database.Message, PersistOutcome, error) {
	msg := newMessage(acc, evt)
	msg.RecipientName = recipientName
	msg.Direction = database.DirectionSent
	msg.SenderName = senderName
	msg.SentByUserID = evt.OperatorID
	if msg.SentAt == nil {
		msg.SentAt = ptr.Ptr(e.now())
	}
	return e.persist(ctx, msg, evt.RelatedIDs)
}

// PersistReceived stores a message the account received.
func (e *Engine) PersistReceived(ctx context.Context, acc *database.Account, evt *MessageEvent, recipientName, senderName string) (*database.Message, PersistOutcome, error) {
	msg := newMessage(acc, evt)
	msg.RecipientName = recipientName
	msg.Direction = database.DirectionReceived
	msg.SenderName = senderName
	if msg.SenderID == "" && msg.RecipientType == database.RecipientUser {
		msg.SenderID = msg.RecipientID
	}
	msg.DeliveredAt = evt.SentAt
	if msg.DeliveredAt == nil {
		msg.DeliveredAt = ptr.Ptr(e.now())
	}
	return e.persist(ctx, msg, evt.RelatedIDs)
}

// linkReply attaches msg to the message its quote points at. The quote
// snapshot is stored either way, so a missing target only loses the link.
func (e *Engine) linkReply(ctx context.Context, msg *database.Message) error {
	if len(msg.Quote) == 0 {
		return nil
	}
	quote := gjson.ParseBytes(msg.Quote)
	externalID := firstID(quote, "globalMsgId", "msgId", "external_message_id")
	clientID := firstID(quote, "cliMsgId", "client_message_id")
	var target *database.Message
	var err error
	if externalID != "" {
		target, err = e.DB.Message.GetByExternalID(ctx, msg.AccountID, externalID)
		if err == nil && target == nil {
			target, err = e.DB.Message.GetByAlias(ctx, msg.AccountID, externalID)
		}
		if target != nil && target.RecipientID != msg.RecipientID {
			target = nil
		}
	}
	if err == nil && target == nil && clientID != "" {
		target, err = e.DB.Message.GetByClientID(ctx, msg.AccountID, msg.RecipientID, clientID)
	}
	if err != nil {
		return fmt.Errorf("failed to look up quoted message: %w", err)
	} else if target == nil || target.ID == msg.ID {
		return nil
	}
	if err = e.DB.Message.SetReplyTo(ctx, msg.ID, target.ID); err != nil {
		return fmt.Errorf("failed to link reply: %w", err)
	}
	msg.ReplyToMessageID = &target.ID
	return nil
}

func firstID(res gjson.Result, keys ...string) string {
	for _, key := range keys {
		val := res.Get(key)
		switch val.Type {
		case gjson.Number:
			return val.Raw
		case gjson.String:
			if val.Str != "" {
				return val.Str
			}
		}
	}
	return ""
}
