package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mau.fi/util/dbutil"
)

type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

type Message struct {
	ID               int64
	AccountID        int64
	ConversationID   *int64
	RecipientID      string
	RecipientType    RecipientType
	RecipientName    string
	SenderID         string
	SenderName       string
	ExternalID       *string
	ClientID         *string
	Direction        Direction
	Content          string
	ContentType      string
	ReplyToMessageID *int64
	Quote            json.RawMessage
	Sticker          json.RawMessage
	File             json.RawMessage
	Metadata         map[string]any
	SentByUserID     *int64
	SentAt           *time.Time
	DeliveredAt      *time.Time
	ReadAt           *time.Time
	Recalled         bool
	RecalledAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SortTime is the timestamp history ordering uses.
func (m *Message) SortTime() time.Time {
	if m.DeliveredAt != nil {
		return *m.DeliveredAt
	} else if m.SentAt != nil {
		return *m.SentAt
	}
	return m.CreatedAt
}

type MessageQuery struct {
	db *dbutil.Database
}

const messageColumns = `
	id, account_id, conversation_id, recipient_id, recipient_type, recipient_name, sender_id, sender_name,
	external_id, client_id, direction, content, content_type, reply_to_message_id, quote_json, sticker_json,
	file_json, metadata_json, sent_by_user_id, sent_ts, delivered_ts, read_ts, recalled, recalled_ts,
	created_ts, updated_ts`

// history and "before id" cursors sort on this expression, then on id.
const messageSortKey = `COALESCE(delivered_ts, sent_ts, created_ts)`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var msg Message
	var conversationID, replyTo, sentBy, sentTS, deliveredTS, readTS, recalledTS sql.NullInt64
	var externalID, clientID, quote, sticker, file sql.NullString
	var createdMS, updatedMS int64
	err := row.Scan(
		&msg.ID, &msg.AccountID, &conversationID, &msg.RecipientID, &msg.RecipientType, &msg.RecipientName,
		&msg.SenderID, &msg.SenderName, &externalID, &clientID, &msg.Direction, &msg.Content, &msg.ContentType,
		&replyTo, &quote, &sticker, &file, dbutil.JSON{Data: &msg.Metadata}, &sentBy, &sentTS, &deliveredTS,
		&readTS, &msg.Recalled, &recalledTS, &createdMS, &updatedMS,
	)
	if err != nil {
		return nil, err
	}
	msg.ConversationID = int64FromNull(conversationID)
	msg.ReplyToMessageID = int64FromNull(replyTo)
	msg.SentByUserID = int64FromNull(sentBy)
	msg.SentAt = timeFromNull(sentTS)
	msg.DeliveredAt = timeFromNull(deliveredTS)
	msg.ReadAt = timeFromNull(readTS)
	msg.RecalledAt = timeFromNull(recalledTS)
	msg.ExternalID = stringFromNull(externalID)
	msg.ClientID = stringFromNull(clientID)
	if quote.Valid {
		msg.Quote = json.RawMessage(quote.String)
	}
	if sticker.Valid {
		msg.Sticker = json.RawMessage(sticker.String)
	}
	if file.Valid {
		msg.File = json.RawMessage(file.String)
	}
	msg.CreatedAt = time.UnixMilli(createdMS)
	msg.UpdatedAt = time.UnixMilli(updatedMS)
	return &msg, nil
}

func rawJSON(value json.RawMessage) any {
	if len(value) == 0 {
		return nil
	}
	return string(value)
}

func metadataJSON(value map[string]any) any {
	if len(value) == 0 {
		return nil
	}
	return dbutil.JSON{Data: value}
}

func (q *MessageQuery) getOne(ctx context.Context, query string, args ...any) (*Message, error) {
	msg, err := scanMessage(q.db.QueryRow(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return msg, err
}

func (q *MessageQuery) getMany(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (q *MessageQuery) GetByID(ctx context.Context, id int64) (*Message, error) {
	return q.getOne(ctx, `SELECT `+messageColumns+` FROM message WHERE id=$1`, id)
}

// GetByExternalID finds a message by its gateway id regardless of recipient.
func (q *MessageQuery) GetByExternalID(ctx context.Context, accountID int64, externalID string) (*Message, error) {
	return q.getOne(ctx, `SELECT `+messageColumns+` FROM message WHERE account_id=$1 AND external_id=$2`, accountID, externalID)
}

func (q *MessageQuery) GetByClientID(ctx context.Context, accountID int64, recipientID, clientID string) (*Message, error) {
	return q.getOne(ctx, `
		SELECT `+messageColumns+` FROM message
		WHERE account_id=$1 AND recipient_id=$2 AND client_id=$3
		ORDER BY id LIMIT 1
	`, accountID, recipientID, clientID)
}

// GetUnkeyedByClientID only matches rows that were stored without a gateway
// id, so messages that do carry distinct gateway ids never collapse into one.
func (q *MessageQuery) GetUnkeyedByClientID(ctx context.Context, accountID int64, recipientID, clientID string) (*Message, error) {
	return q.getOne(ctx, `
		SELECT `+messageColumns+` FROM message
		WHERE account_id=$1 AND recipient_id=$2 AND client_id=$3 AND external_id IS NULL
		ORDER BY id LIMIT 1
	`, accountID, recipientID, clientID)
}

// GetByClientIDAnyRecipient is the last-resort client id match used by recall lookups.
func (q *MessageQuery) GetByClientIDAnyRecipient(ctx context.Context, accountID int64, clientID string) (*Message, error) {
	return q.getOne(ctx, `
		SELECT `+messageColumns+` FROM message
		WHERE account_id=$1 AND client_id=$2
		ORDER BY id DESC LIMIT 1
	`, accountID, clientID)
}

func (q *MessageQuery) GetByAlias(ctx context.Context, accountID int64, aliasID string) (*Message, error) {
	return q.getOne(ctx, `
		SELECT `+messageColumns+` FROM message
		WHERE id=(SELECT message_id FROM message_alias WHERE account_id=$1 AND alias_id=$2)
	`, accountID, aliasID)
}

// GetByMetadataID matches ids the gateway stored in provider metadata rather
// than in the dedicated columns.
func (q *MessageQuery) GetByMetadataID(ctx context.Context, accountID int64, id string) (*Message, error) {
	return q.getOne(ctx, `
		SELECT `+messageColumns+` FROM message
		WHERE account_id=$1 AND metadata_json IS NOT NULL AND (
			CAST(json_extract(metadata_json, '$.msgId') AS TEXT)=$2
			OR CAST(json_extract(metadata_json, '$.globalMsgId') AS TEXT)=$2
			OR CAST(json_extract(metadata_json, '$.realMsgId') AS TEXT)=$2
			OR CAST(json_extract(metadata_json, '$.cliMsgId') AS TEXT)=$2
		)
		ORDER BY id DESC LIMIT 1
	`, accountID, id)
}

// ExistsUnderOtherRecipient reports whether externalID is already stored for
// the account against a recipient other than recipientID.
func (q *MessageQuery) ExistsUnderOtherRecipient(ctx context.Context, accountID int64, externalID, recipientID string) (bool, error) {
	var exists int
	err := q.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM message WHERE account_id=$1 AND external_id=$2 AND recipient_id<>$3
	`, accountID, externalID, recipientID).Scan(&exists)
	return exists > 0, err
}

// Insert stores a new message row. Unique violations are returned as-is so
// callers can detect a lost race with IsUniqueViolation and re-fetch.
func (q *MessageQuery) Insert(ctx context.Context, msg *Message) error {
	now := nowMS()
	err := q.db.QueryRow(ctx, `
		INSERT INTO message (
			account_id, conversation_id, recipient_id, recipient_type, recipient_name, sender_id, sender_name,
			external_id, client_id, direction, content, content_type, reply_to_message_id, quote_json,
			sticker_json, file_json, metadata_json, sent_by_user_id, sent_ts, delivered_ts, read_ts,
			recalled, recalled_ts, created_ts, updated_ts
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21,
			$22, $23, $24, $24
		)
		RETURNING id
	`,
		msg.AccountID, nullableInt64(msg.ConversationID), msg.RecipientID, msg.RecipientType, msg.RecipientName,
		msg.SenderID, msg.SenderName, nullableString(msg.ExternalID), nullableString(msg.ClientID), msg.Direction,
		msg.Content, msg.ContentType, nullableInt64(msg.ReplyToMessageID), rawJSON(msg.Quote), rawJSON(msg.Sticker),
		rawJSON(msg.File), metadataJSON(msg.Metadata), nullableInt64(msg.SentByUserID), nullableTime(msg.SentAt),
		nullableTime(msg.DeliveredAt), nullableTime(msg.ReadAt), msg.Recalled, nullableTime(msg.RecalledAt), now,
	).Scan(&msg.ID)
	if err != nil {
		return err
	}
	msg.CreatedAt = time.UnixMilli(now)
	msg.UpdatedAt = msg.CreatedAt
	return nil
}

// Redelivered refreshes a stored message with whatever a repeat delivery
// knows that the first one didn't. Content, direction and recall state are
// never touched.
func (q *MessageQuery) Redelivered(ctx context.Context, id int64, update *Message) error {
	_, err := q.db.Exec(ctx, `
		UPDATE message SET
			external_id=COALESCE(external_id, $2),
			client_id=COALESCE(client_id, $3),
			recipient_name=CASE WHEN $4 <> '' THEN $4 ELSE recipient_name END,
			sender_name=CASE WHEN $5 <> '' THEN $5 ELSE sender_name END,
			sent_by_user_id=COALESCE(sent_by_user_id, $6),
			sent_ts=COALESCE(sent_ts, $7),
			delivered_ts=COALESCE($8, delivered_ts),
			metadata_json=COALESCE($9, metadata_json),
			updated_ts=$10
		WHERE id=$1
	`, id, nullableString(update.ExternalID), nullableString(update.ClientID), update.RecipientName,
		update.SenderName, nullableInt64(update.SentByUserID), nullableTime(update.SentAt),
		nullableTime(update.DeliveredAt), metadataJSON(update.Metadata), nowMS())
	return err
}

// AddAliases maps alternate gateway ids to messageID. Existing mappings win.
func (q *MessageQuery) AddAliases(ctx context.Context, accountID, messageID int64, aliases []string) error {
	for _, alias := range aliases {
		if alias == "" {
			continue
		}
		_, err := q.db.Exec(ctx, `
			INSERT INTO message_alias (account_id, alias_id, message_id) VALUES ($1, $2, $3)
			ON CONFLICT (account_id, alias_id) DO NOTHING
		`, accountID, alias, messageID)
		if err != nil {
			return fmt.Errorf("failed to add alias %s: %w", alias, err)
		}
	}
	return nil
}

func (q *MessageQuery) SetConversation(ctx context.Context, id, conversationID int64) error {
	_, err := q.db.Exec(ctx, `UPDATE message SET conversation_id=$1, updated_ts=$2 WHERE id=$3`, conversationID, nowMS(), id)
	return err
}

func (q *MessageQuery) SetReplyTo(ctx context.Context, id, replyToID int64) error {
	_, err := q.db.Exec(ctx, `UPDATE message SET reply_to_message_id=$1, updated_ts=$2 WHERE id=$3`, replyToID, nowMS(), id)
	return err
}

// MarkRecalled replaces the content with marker and flags the row. It returns
// false if the message was already recalled.
func (q *MessageQuery) MarkRecalled(ctx context.Context, id int64, marker string, at time.Time) (bool, error) {
	res, err := q.db.Exec(ctx, `
		UPDATE message SET content=$1, recalled=TRUE, recalled_ts=$2, updated_ts=$3
		WHERE id=$4 AND recalled=FALSE
	`, marker, at.UnixMilli(), nowMS(), id)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func (q *MessageQuery) CountUnread(ctx context.Context, conversationID int64) (int, error) {
	var count int
	err := q.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM message
		WHERE conversation_id=$1 AND direction='received' AND read_ts IS NULL
	`, conversationID).Scan(&count)
	return count, err
}

// MarkRead stamps every unread received message of the conversation.
func (q *MessageQuery) MarkRead(ctx context.Context, conversationID int64, at time.Time) (int64, error) {
	res, err := q.db.Exec(ctx, `
		UPDATE message SET read_ts=$1, updated_ts=$2
		WHERE conversation_id=$3 AND direction='received' AND read_ts IS NULL
	`, at.UnixMilli(), nowMS(), conversationID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Latest returns the newest message of a conversation by history order.
func (q *MessageQuery) Latest(ctx context.Context, conversationID int64) (*Message, error) {
	return q.getOne(ctx, `
		SELECT `+messageColumns+` FROM message WHERE conversation_id=$1
		ORDER BY `+messageSortKey+` DESC, id DESC LIMIT 1
	`, conversationID)
}

// History returns up to limit messages of a conversation, newest first. If
// beforeID is set only messages ordered strictly after it are returned.
func (q *MessageQuery) History(ctx context.Context, conversationID int64, beforeID *int64, limit int) ([]*Message, error) {
	if beforeID == nil {
		return q.getMany(ctx, `
			SELECT `+messageColumns+` FROM message WHERE conversation_id=$1
			ORDER BY `+messageSortKey+` DESC, id DESC LIMIT $2
		`, conversationID, limit)
	}
	return q.getMany(ctx, `
		SELECT `+messageColumns+` FROM message
		WHERE conversation_id=$1 AND (
			`+messageSortKey+` < (SELECT `+messageSortKey+` FROM message WHERE id=$2)
			OR (`+messageSortKey+` = (SELECT `+messageSortKey+` FROM message WHERE id=$2) AND id < $2)
		)
		ORDER BY `+messageSortKey+` DESC, id DESC
		LIMIT $3
	`, conversationID, *beforeID, limit)
}

// RecentForRecipient lists the newest messages exchanged with one recipient.
func (q *MessageQuery) RecentForRecipient(ctx context.Context, accountID int64, recipientID string, limit int) ([]*Message, error) {
	return q.getMany(ctx, `
		SELECT `+messageColumns+` FROM message WHERE account_id=$1 AND recipient_id=$2
		ORDER BY id DESC LIMIT $3
	`, accountID, recipientID, limit)
}

// ListOrphans returns messages that never got linked to a conversation.
func (q *MessageQuery) ListOrphans(ctx context.Context, limit int) ([]*Message, error) {
	return q.getMany(ctx, `
		SELECT `+messageColumns+` FROM message WHERE conversation_id IS NULL
		ORDER BY id LIMIT $1
	`, limit)
}
