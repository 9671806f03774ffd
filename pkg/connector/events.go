package connector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/lrhodin/chatbroker/pkg/database"
)

type EventKind string

const (
	KindMessage     EventKind = "message"
	KindReaction    EventKind = "reaction"
	KindRecall      EventKind = "recall"
	KindSession     EventKind = "session"
	KindSyncHistory EventKind = "sync-history"
)

// Event is one of *MessageEvent, *RecallEvent, *ReactionEvent, *SessionEvent
// or *SyncHistoryEvent.
type Event interface {
	Kind() EventKind
	AccountRef() AccountRef
}

// AccountRef is either an internal account id (a JSON number) or the
// external identity shared by every branch's copy of an account (a JSON
// string).
type AccountRef struct {
	ID         int64
	ExternalID string
}

func (ref *AccountRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &ref.ExternalID)
	}
	return json.Unmarshal(data, &ref.ID)
}

func (ref AccountRef) MarshalJSON() ([]byte, error) {
	if ref.ExternalID != "" {
		return json.Marshal(ref.ExternalID)
	}
	return json.Marshal(ref.ID)
}

func (ref AccountRef) IsZero() bool {
	return ref.ID == 0 && strings.TrimSpace(ref.ExternalID) == ""
}

func (ref AccountRef) String() string {
	if ref.ExternalID != "" {
		return ref.ExternalID
	}
	return strconv.FormatInt(ref.ID, 10)
}

// Timestamp accepts unix milliseconds, unix seconds or RFC 3339.
type Timestamp struct {
	time.Time
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	res := gjson.ParseBytes(data)
	switch res.Type {
	case gjson.Null:
		return nil
	case gjson.Number:
		ts.Time = unixAuto(res.Int())
	case gjson.String:
		if n, err := strconv.ParseInt(res.Str, 10, 64); err == nil {
			ts.Time = unixAuto(n)
			return nil
		}
		parsed, err := time.Parse(time.RFC3339, res.Str)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q", res.Str)
		}
		ts.Time = parsed
	default:
		return fmt.Errorf("invalid timestamp %s", data)
	}
	return nil
}

// Gateways disagree on seconds vs milliseconds. Anything below 1e11 is
// taken as seconds.
func unixAuto(n int64) time.Time {
	if n < 100_000_000_000 {
		return time.Unix(n, 0)
	}
	return time.UnixMilli(n)
}

func (ts *Timestamp) Ptr() *time.Time {
	if ts == nil || ts.IsZero() {
		return nil
	}
	t := ts.Time
	return &t
}

type MessageEvent struct {
	Account       AccountRef
	RecipientID   string
	RecipientType database.RecipientType
	ExternalID    string
	ClientID      string
	Direction     database.Direction
	SenderID      string
	SenderName    string
	Content       string
	ContentType   string
	Quote         json.RawMessage
	Sticker       json.RawMessage
	File          json.RawMessage
	SentAt        *time.Time
	RelatedIDs    []string
	OperatorID    *int64
	Metadata      map[string]any
}

func (evt *MessageEvent) Kind() EventKind        { return KindMessage }
func (evt *MessageEvent) AccountRef() AccountRef { return evt.Account }

// RecallEvent retracts an earlier message. IDs are candidate identifiers of
// the original in the order they should be tried.
type RecallEvent struct {
	Account     AccountRef
	RecipientID string
	// ExternalID is the id of the recall notification itself, not of the
	// recalled message.
	ExternalID string
	IDs        []string
	RecalledAt *time.Time
}

func (evt *RecallEvent) Kind() EventKind        { return KindRecall }
func (evt *RecallEvent) AccountRef() AccountRef { return evt.Account }

type ReactionEvent struct {
	Account           AccountRef
	RecipientID       string
	MessageExternalID string
	MessageClientID   string
	UserID            string
	UserName          string
	// Icon is empty when the user removed their reaction.
	Icon      string
	ReactedAt *time.Time
}

func (evt *ReactionEvent) Kind() EventKind        { return KindReaction }
func (evt *ReactionEvent) AccountRef() AccountRef { return evt.Account }

type SessionEvent struct {
	Account AccountRef
	Status  database.Connectivity
}

func (evt *SessionEvent) Kind() EventKind        { return KindSession }
func (evt *SessionEvent) AccountRef() AccountRef { return evt.Account }

type SyncHistoryEvent struct {
	Account AccountRef
}

func (evt *SyncHistoryEvent) Kind() EventKind        { return KindSyncHistory }
func (evt *SyncHistoryEvent) AccountRef() AccountRef { return evt.Account }

type rawMessage struct {
	AccountRef        AccountRef      `json:"account_ref"`
	RecipientID       string          `json:"recipient_id"`
	RecipientType     string          `json:"recipient_type"`
	ExternalMessageID json.RawMessage `json:"external_message_id"`
	ClientMessageID   json.RawMessage `json:"client_message_id"`
	Direction         string          `json:"direction"`
	IsSelf            bool            `json:"is_self"`
	SenderID          string          `json:"sender_id"`
	SenderName        string          `json:"sender_name"`
	Content           json.RawMessage `json:"content"`
	ContentType       string          `json:"content_type"`
	QuotedPayload     json.RawMessage `json:"quoted_payload"`
	StickerPayload    json.RawMessage `json:"sticker_payload"`
	FilePayload       json.RawMessage `json:"file_payload"`
	SentAt            *Timestamp      `json:"sent_at"`
	AllRelatedIDs     []any           `json:"all_related_ids"`
	OperatorID        *int64          `json:"operator_attribution"`
	Metadata          map[string]any  `json:"metadata"`
}

type rawReaction struct {
	AccountRef      AccountRef      `json:"account_ref"`
	RecipientID     string          `json:"recipient_id"`
	MessageID       json.RawMessage `json:"external_message_id"`
	ClientMessageID json.RawMessage `json:"client_message_id"`
	UserID          string          `json:"user_id"`
	UserName        string          `json:"user_name"`
	Reaction        string          `json:"reaction"`
	ReactedAt       *Timestamp      `json:"reacted_at"`
}

type rawRecall struct {
	AccountRef        AccountRef      `json:"account_ref"`
	RecipientID       string          `json:"recipient_id"`
	ExternalMessageID json.RawMessage `json:"external_message_id"`
	GlobalMsgID       json.RawMessage `json:"global_msg_id"`
	ClientMessageID   json.RawMessage `json:"client_message_id"`
	RecalledAt        *Timestamp      `json:"recalled_at"`
}

type rawSession struct {
	AccountRef AccountRef `json:"account_ref"`
	Status     string     `json:"status"`
}

// idString accepts ids sent as JSON strings or numbers. Large numeric ids
// keep their exact digits.
func idString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	res := gjson.ParseBytes(raw)
	switch res.Type {
	case gjson.String:
		return strings.TrimSpace(res.Str)
	case gjson.Number:
		return res.Raw
	default:
		return ""
	}
}

func nonEmptyJSON(raw json.RawMessage) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte("{}")) || bytes.Equal(raw, []byte(`""`)) {
		return nil
	}
	return raw
}

func decodeStrict(body []byte, into any) error {
	if !gjson.ValidBytes(body) {
		return invalid("body", "not valid JSON")
	} else if !gjson.ParseBytes(body).IsObject() {
		return invalid("body", "must be a JSON object")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	// Provider ids are 64-bit and must not round-trip through float64.
	dec.UseNumber()
	if err := dec.Decode(into); err != nil {
		return &ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

// ParseEvent validates a webhook body and turns it into exactly one event
// type. A message whose content is a recall notification becomes a
// *RecallEvent.
func ParseEvent(kind EventKind, body []byte) (Event, error) {
	switch kind {
	case KindMessage:
		return parseMessage(body)
	case KindReaction:
		return parseReaction(body)
	case KindRecall:
		return parseRecall(body)
	case KindSession:
		return parseSession(body)
	case KindSyncHistory:
		var raw rawSession
		if err := decodeStrict(body, &raw); err != nil {
			return nil, err
		} else if raw.AccountRef.IsZero() {
			return nil, invalid("account_ref", "required")
		}
		return &SyncHistoryEvent{Account: raw.AccountRef}, nil
	default:
		return nil, invalid("kind", fmt.Sprintf("unknown event kind %q", kind))
	}
}

func parseMessage(body []byte) (Event, error) {
	var raw rawMessage
	if err := decodeStrict(body, &raw); err != nil {
		return nil, err
	}
	if raw.AccountRef.IsZero() {
		return nil, invalid("account_ref", "required")
	}
	recipientID := strings.TrimSpace(raw.RecipientID)
	if recipientID == "" {
		return nil, invalid("recipient_id", "required")
	}
	recipientType := database.RecipientType(raw.RecipientType)
	if !recipientType.IsValid() {
		return nil, invalid("recipient_type", "must be user or group")
	}
	externalID, clientID := idString(raw.ExternalMessageID), idString(raw.ClientMessageID)
	if externalID == "" && clientID == "" {
		return nil, invalid("external_message_id", "external_message_id or client_message_id is required")
	}

	var content string
	contentRes := gjson.ParseBytes(raw.Content)
	switch contentRes.Type {
	case gjson.String:
		content = contentRes.Str
	case gjson.Null:
	default:
		// Structured content is kept as its JSON text.
		content = contentRes.Raw
	}
	if ids, ok := ParseRecallEnvelope(content); ok {
		return &RecallEvent{
			Account:     raw.AccountRef,
			RecipientID: recipientID,
			ExternalID:  externalID,
			IDs:         ids,
			RecalledAt:  raw.SentAt.Ptr(),
		}, nil
	}

	sticker, file := nonEmptyJSON(raw.StickerPayload), nonEmptyJSON(raw.FilePayload)
	if strings.TrimSpace(content) == "" && sticker == nil && file == nil {
		return nil, invalid("content", "content, sticker_payload or file_payload is required")
	}

	var direction database.Direction
	switch {
	case raw.IsSelf:
		direction = database.DirectionSent
	case raw.Direction == string(database.DirectionSent), raw.Direction == "outgoing":
		direction = database.DirectionSent
	case raw.Direction == string(database.DirectionReceived), raw.Direction == "incoming", raw.Direction == "":
		direction = database.DirectionReceived
	default:
		return nil, invalid("direction", "must be sent or received")
	}

	contentType := raw.ContentType
	if contentType == "" {
		switch {
		case sticker != nil:
			contentType = "sticker"
		case file != nil:
			contentType = "file"
		default:
			contentType = "text"
		}
	}

	evt := &MessageEvent{
		Account:       raw.AccountRef,
		RecipientID:   recipientID,
		RecipientType: recipientType,
		ExternalID:    externalID,
		ClientID:      clientID,
		Direction:     direction,
		SenderID:      strings.TrimSpace(raw.SenderID),
		SenderName:    strings.TrimSpace(raw.SenderName),
		Content:       content,
		ContentType:   contentType,
		Quote:         nonEmptyJSON(raw.QuotedPayload),
		Sticker:       sticker,
		File:          file,
		SentAt:        raw.SentAt.Ptr(),
		OperatorID:    raw.OperatorID,
		Metadata:      raw.Metadata,
	}
	for _, id := range raw.AllRelatedIDs {
		var s string
		switch v := id.(type) {
		case string:
			s = strings.TrimSpace(v)
		case json.Number:
			s = v.String()
		}
		if s != "" && s != externalID {
			evt.RelatedIDs = append(evt.RelatedIDs, s)
		}
	}
	return evt, nil
}

func parseReaction(body []byte) (Event, error) {
	var raw rawReaction
	if err := decodeStrict(body, &raw); err != nil {
		return nil, err
	}
	evt := &ReactionEvent{
		Account:           raw.AccountRef,
		RecipientID:       strings.TrimSpace(raw.RecipientID),
		MessageExternalID: idString(raw.MessageID),
		MessageClientID:   idString(raw.ClientMessageID),
		UserID:            strings.TrimSpace(raw.UserID),
		UserName:          strings.TrimSpace(raw.UserName),
		Icon:              strings.TrimSpace(raw.Reaction),
		ReactedAt:         raw.ReactedAt.Ptr(),
	}
	switch {
	case evt.Account.IsZero():
		return nil, invalid("account_ref", "required")
	case evt.MessageExternalID == "" && evt.MessageClientID == "":
		return nil, invalid("external_message_id", "external_message_id or client_message_id is required")
	case evt.UserID == "":
		return nil, invalid("user_id", "required")
	}
	return evt, nil
}

func parseRecall(body []byte) (Event, error) {
	var raw rawRecall
	if err := decodeStrict(body, &raw); err != nil {
		return nil, err
	}
	if raw.AccountRef.IsZero() {
		return nil, invalid("account_ref", "required")
	}
	evt := &RecallEvent{
		Account:     raw.AccountRef,
		RecipientID: strings.TrimSpace(raw.RecipientID),
		RecalledAt:  raw.RecalledAt.Ptr(),
	}
	for _, id := range []string{idString(raw.GlobalMsgID), idString(raw.ExternalMessageID), idString(raw.ClientMessageID)} {
		evt.IDs = appendUnique(evt.IDs, id)
	}
	if len(evt.IDs) == 0 {
		return nil, invalid("external_message_id", "at least one message id is required")
	}
	return evt, nil
}

func parseSession(body []byte) (Event, error) {
	var raw rawSession
	if err := decodeStrict(body, &raw); err != nil {
		return nil, err
	}
	if raw.AccountRef.IsZero() {
		return nil, invalid("account_ref", "required")
	}
	status := database.Connectivity(strings.ToLower(strings.TrimSpace(raw.Status)))
	switch status {
	case database.ConnectivityConnected, database.ConnectivityDisconnected, database.ConnectivityExpired:
	default:
		return nil, invalid("status", "must be connected, disconnected or expired")
	}
	return &SessionEvent{Account: raw.AccountRef, Status: status}, nil
}

func appendUnique(ids []string, id string) []string {
	if id == "" {
		return ids
	}
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
