package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lrhodin/chatbroker/pkg/broadcast"
	"github.com/lrhodin/chatbroker/pkg/database"
)

// Result reports what happened to one webhook event for one account.
type Result struct {
	AccountID      int64 `json:"account_id"`
	MessageID      int64 `json:"message_id,omitempty"`
	ConversationID int64 `json:"conversation_id,omitempty"`
	Created        bool  `json:"created"`
	Duplicate      bool  `json:"duplicate"`
	Skipped        bool  `json:"skipped"`
	Recalled       bool  `json:"recalled"`
	Applied        bool  `json:"applied"`
}

// Handle runs a parsed webhook event for every account it refers to. Results
// are returned even when some accounts failed.
func (e *Engine) Handle(ctx context.Context, evt Event) ([]*Result, error) {
	accounts, err := e.resolveAccounts(ctx, evt.AccountRef())
	if err != nil {
		return nil, err
	}
	results := make([]*Result, 0, len(accounts))
	var errs []error
	for _, acc := range accounts {
		log := zerolog.Ctx(ctx).With().Int64("account_id", acc.ID).Str("event_kind", string(evt.Kind())).Logger()
		accCtx := log.WithContext(ctx)
		var res *Result
		switch typed := evt.(type) {
		case *MessageEvent:
			res, err = e.ingestMessage(accCtx, acc, typed)
		case *RecallEvent:
			res, err = e.ingestRecall(accCtx, acc, typed)
		case *ReactionEvent:
			res, err = e.ingestReaction(accCtx, acc, typed)
		case *SessionEvent:
			res, err = e.applySession(accCtx, acc, typed)
		case *SyncHistoryEvent:
			res, err = e.requestSync(accCtx, acc)
		default:
			return nil, fmt.Errorf("%w: unsupported event %T", ErrValidation, evt)
		}
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			log.Err(err).Msg("Failed to handle webhook event")
			errs = append(errs, fmt.Errorf("account %d: %w", acc.ID, err))
		}
	}
	return results, errors.Join(errs...)
}

// skipIfFiledElsewhere is the duplicate-recipient guard: the gateway
// sometimes delivers one physical message into several threads.
func (e *Engine) skipIfFiledElsewhere(ctx context.Context, acc *database.Account, externalID, recipientID string) (bool, error) {
	if externalID == "" {
		return false, nil
	}
	other, err := e.DB.Message.ExistsUnderOtherRecipient(ctx, acc.ID, externalID, recipientID)
	if err != nil {
		return false, fmt.Errorf("failed to check duplicate recipient: %w", err)
	} else if other {
		zerolog.Ctx(ctx).Debug().
			Str("external_id", externalID).
			Str("recipient_id", recipientID).
			Msg("Message already stored under another recipient, skipping")
	}
	return other, nil
}

func (e *Engine) ingestMessage(ctx context.Context, acc *database.Account, evt *MessageEvent) (*Result, error) {
	log := zerolog.Ctx(ctx)
	res := &Result{AccountID: acc.ID}
	if skip, err := e.skipIfFiledElsewhere(ctx, acc, evt.ExternalID, evt.RecipientID); err != nil {
		return nil, err
	} else if skip {
		res.Skipped = true
		e.countIngest(evt.Direction, OutcomeSkipped.String())
		return res, nil
	}

	recipient := e.Identity.ResolveRecipient(ctx, acc, evt.RecipientType, evt.RecipientID)
	var msg *database.Message
	var outcome PersistOutcome
	var persistErr error
	if evt.Direction == database.DirectionSent {
		senderName := evt.SenderName
		if senderName == "" {
			senderName = acc.Name
		}
		msg, outcome, persistErr = e.PersistSent(ctx, acc, evt, recipient.Name, senderName)
	} else {
		senderName := recipient.Name
		if evt.RecipientType == database.RecipientGroup && evt.SenderID != "" {
			senderName = e.Identity.ResolveSender(ctx, acc, evt.RecipientID, evt.SenderID, evt.SenderName).Name
		}
		msg, outcome, persistErr = e.PersistReceived(ctx, acc, evt, recipient.Name, senderName)
	}
	if persistErr != nil {
		log.Err(persistErr).Msg("Failed to persist message, still updating conversation")
		e.countIngest(evt.Direction, "error")
		if msg == nil {
			msg = newMessage(acc, evt)
		}
	} else if outcome == OutcomeSkipped {
		// Lost a race against the same message filed under another recipient.
		res.Skipped = true
		e.countIngest(evt.Direction, outcome.String())
		return res, nil
	} else {
		e.countIngest(evt.Direction, outcome.String())
	}
	res.MessageID = msg.ID
	res.Created = persistErr == nil && outcome == OutcomeCreated
	res.Duplicate = persistErr == nil && outcome == OutcomeDuplicate
	if !res.Created && msg.ConversationID != nil && persistErr == nil {
		// Already fully processed before; nothing to re-broadcast.
		res.ConversationID = *msg.ConversationID
		return res, nil
	}

	if res.Created {
		if err := e.linkReply(ctx, msg); err != nil {
			log.Warn().Err(err).Int64("message_id", msg.ID).Msg("Failed to link reply")
		}
	}
	conv, convErr := e.OnMessage(ctx, acc, msg, recipient)
	if convErr != nil {
		log.Err(convErr).Int64("message_id", msg.ID).Msg("Failed to update conversation")
	} else {
		res.ConversationID = conv.ID
	}
	if res.Created {
		e.broadcast(ctx, acc, conv, broadcast.EventMessageNew, map[string]any{
			"message": NewMessageView(msg),
		})
	}
	if conv != nil {
		e.broadcastConversation(ctx, acc, conv)
	}
	return res, errors.Join(persistErr, convErr)
}

func (e *Engine) ingestRecall(ctx context.Context, acc *database.Account, evt *RecallEvent) (*Result, error) {
	res := &Result{AccountID: acc.ID, Recalled: true}
	if skip, err := e.skipIfFiledElsewhere(ctx, acc, evt.ExternalID, evt.RecipientID); err != nil {
		return nil, err
	} else if skip {
		res.Skipped = true
		return res, nil
	}
	recall, err := e.TryRecall(ctx, acc, evt)
	if err != nil {
		return nil, err
	}
	res.Applied = recall.Applied
	if recall.Message != nil {
		res.MessageID = recall.Message.ID
		if recall.Message.ConversationID != nil {
			res.ConversationID = *recall.Message.ConversationID
		}
	}
	return res, nil
}

func (e *Engine) countIngest(direction database.Direction, outcome string) {
	if e.Metrics != nil {
		e.Metrics.MessagesIngested.WithLabelValues(string(direction), outcome).Inc()
	}
}
