package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/lrhodin/chatbroker/pkg/broadcast"
	"github.com/lrhodin/chatbroker/pkg/database"
	"github.com/lrhodin/chatbroker/pkg/gateway"
	"github.com/lrhodin/chatbroker/pkg/visibility"
)

// Keys of the recall notification element, strongest identifier first.
var recallIDKeys = []string{"globalMsgId", "realMsgId", "msgId", "cliMsgId"}

// ParseRecallEnvelope reports whether content is the gateway's recall
// notification: a JSON array with exactly one element of type 3 and
// actionType 1. It returns the ids of the recalled message.
func ParseRecallEnvelope(content string) ([]string, bool) {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "[") || !gjson.Valid(content) {
		return nil, false
	}
	arr := gjson.Parse(content).Array()
	if len(arr) != 1 {
		return nil, false
	}
	elem := arr[0]
	if elem.Get("type").Int() != 3 || elem.Get("actionType").Int() != 1 {
		return nil, false
	}
	var ids []string
	for _, key := range recallIDKeys {
		val := elem.Get(key)
		if val.Type == gjson.Number {
			ids = appendUnique(ids, val.Raw)
		} else {
			ids = appendUnique(ids, strings.TrimSpace(val.String()))
		}
	}
	return ids, true
}

// RecallResult is what a recall attempt did. Message is nil if the original
// wasn't found.
type RecallResult struct {
	Message *database.Message
	Applied bool
}

// findRecallTarget tries every id against the external id, the alias table,
// client ids and finally ids kept in provider metadata.
func (e *Engine) findRecallTarget(ctx context.Context, acc *database.Account, recipientID string, ids []string) (*database.Message, error) {
	for _, id := range ids {
		msg, err := e.findByAnyID(ctx, acc.ID, recipientID, id)
		if err != nil || msg != nil {
			return msg, err
		}
	}
	for _, id := range ids {
		msg, err := e.DB.Message.GetByMetadataID(ctx, acc.ID, id)
		if err != nil || msg != nil {
			return msg, err
		}
	}
	return nil, nil
}

// TryRecall applies a gateway reported recall. A missing original is not an
// error: it may simply not have arrived yet.
func (e *Engine) TryRecall(ctx context.Context, acc *database.Account, evt *RecallEvent) (*RecallResult, error) {
	log := zerolog.Ctx(ctx).With().Int64("account_id", acc.ID).Strs("ids", evt.IDs).Logger()
	msg, err := e.findRecallTarget(ctx, acc, evt.RecipientID, evt.IDs)
	if err != nil {
		return nil, fmt.Errorf("failed to look up recalled message: %w", err)
	} else if msg == nil {
		log.Info().Msg("Recalled message not found, ignoring")
		e.countRecall(false)
		return &RecallResult{}, nil
	}
	at := e.now()
	if evt.RecalledAt != nil {
		at = *evt.RecalledAt
	}
	return e.applyRecall(ctx, acc, msg, at)
}

func (e *Engine) applyRecall(ctx context.Context, acc *database.Account, msg *database.Message, at time.Time) (*RecallResult, error) {
	applied, err := e.DB.Message.MarkRecalled(ctx, msg.ID, e.Config.Recall.Marker, at)
	if err != nil {
		return nil, fmt.Errorf("failed to mark message recalled: %w", err)
	}
	e.countRecall(applied)
	if !applied {
		zerolog.Ctx(ctx).Debug().Int64("message_id", msg.ID).Msg("Message already recalled")
		return &RecallResult{Message: msg, Applied: false}, nil
	}
	msg.Recalled = true
	msg.RecalledAt = &at
	msg.Content = e.Config.Recall.Marker

	var conv *database.Conversation
	if msg.ConversationID != nil {
		conv, err = e.refreshLastMessage(ctx, msg)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Int64("message_id", msg.ID).Msg("Failed to refresh conversation after recall")
		}
	}
	e.broadcast(ctx, acc, conv, broadcast.EventMessageRecalled, map[string]any{
		"message_id":      msg.ID,
		"conversation_id": msg.ConversationID,
		"recipient_id":    msg.RecipientID,
		"content":         msg.Content,
		"recalled_at":     at.UnixMilli(),
	})
	if conv != nil {
		e.broadcastConversation(ctx, acc, conv)
	}
	return &RecallResult{Message: msg, Applied: true}, nil
}

// RecallByOperator recalls a message an operator sent. It has to be within
// the recall window and the gateway has to accept the undo before anything
// changes locally.
func (e *Engine) RecallByOperator(ctx context.Context, user visibility.Principal, messageID int64) (*RecallResult, error) {
	msg, err := e.DB.Message.GetByID(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	} else if msg == nil {
		return nil, fmt.Errorf("%w: message %d", ErrNotFound, messageID)
	}
	acc, err := e.authorize(ctx, user, msg.AccountID, visibility.CapSendMessage)
	if err != nil {
		return nil, err
	}
	if msg.Direction != database.DirectionSent {
		return nil, invalid("message_id", "only sent messages can be recalled")
	} else if msg.Recalled {
		return &RecallResult{Message: msg, Applied: false}, nil
	}
	if age := e.now().Sub(msg.SortTime()); age > e.Config.Recall.OperatorWindow {
		return nil, fmt.Errorf("%w: message is %s old", ErrRecallWindowExpired, age.Truncate(time.Second))
	}
	if e.Gateway == nil {
		return nil, fmt.Errorf("%w: no gateway configured", ErrUpstreamUnavailable)
	}
	err = e.Gateway.Undo(ctx, gateway.Session{AccountID: acc.ID, ExternalID: acc.ExternalID}, messageRef(msg))
	if errors.Is(err, gateway.ErrUnavailable) {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	} else if err != nil {
		return nil, fmt.Errorf("gateway rejected recall: %w", err)
	}
	return e.applyRecall(ctx, acc, msg, e.now())
}

func messageRef(msg *database.Message) gateway.MessageRef {
	ref := gateway.MessageRef{ThreadID: msg.RecipientID, Type: "0"}
	if msg.RecipientType == database.RecipientGroup {
		ref.Type = "1"
	}
	if msg.ExternalID != nil {
		ref.MessageID = *msg.ExternalID
	}
	if msg.ClientID != nil {
		ref.CliMsgID = *msg.ClientID
	}
	return ref
}

func (e *Engine) countRecall(applied bool) {
	if e.Metrics != nil {
		e.Metrics.Recalls.WithLabelValues(fmt.Sprint(applied)).Inc()
	}
}
