package database

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"slices"
	"time"

	"go.mau.fi/util/dbutil"
)

type Conversation struct {
	ID                 int64
	AccountID          int64
	RecipientID        string
	RecipientType      RecipientType
	RecipientName      string
	RecipientAvatarURL string
	AssignedBranchID   *int64
	DepartmentID       *int64
	CreatedBy          *int64
	LastMessageID      *int64
	LastMessagePreview string
	LastMessageAt      *time.Time
	UnreadCount        int
	Deleted            bool
	DeletedAt          *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time

	// AssignedUsers is only filled by queries that say so.
	AssignedUsers []int64
}

type ConversationUser struct {
	ConversationID int64
	UserID         int64
	CanView        bool
	CanReply       bool
	AssignedBy     *int64
	Note           string
	AssignedAt     time.Time
}

type ConversationQuery struct {
	db *dbutil.Database
}

const conversationColumns = `
	id, account_id, recipient_id, recipient_type, recipient_name, recipient_avatar_url, assigned_branch_id,
	department_id, created_by, last_message_id, last_message_preview, last_message_ts, unread_count, deleted,
	deleted_ts, created_ts, updated_ts`

func scanConversation(row interface{ Scan(...any) error }) (*Conversation, error) {
	var conv Conversation
	var branch, department, createdBy, lastMessage, lastTS, deletedTS sql.NullInt64
	var createdMS, updatedMS int64
	err := row.Scan(
		&conv.ID, &conv.AccountID, &conv.RecipientID, &conv.RecipientType, &conv.RecipientName,
		&conv.RecipientAvatarURL, &branch, &department, &createdBy, &lastMessage, &conv.LastMessagePreview,
		&lastTS, &conv.UnreadCount, &conv.Deleted, &deletedTS, &createdMS, &updatedMS,
	)
	if err != nil {
		return nil, err
	}
	conv.AssignedBranchID = int64FromNull(branch)
	conv.DepartmentID = int64FromNull(department)
	conv.CreatedBy = int64FromNull(createdBy)
	conv.LastMessageID = int64FromNull(lastMessage)
	conv.LastMessageAt = timeFromNull(lastTS)
	conv.DeletedAt = timeFromNull(deletedTS)
	conv.CreatedAt = time.UnixMilli(createdMS)
	conv.UpdatedAt = time.UnixMilli(updatedMS)
	return &conv, nil
}

func (q *ConversationQuery) getOne(ctx context.Context, query string, args ...any) (*Conversation, error) {
	conv, err := scanConversation(q.db.QueryRow(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return conv, err
}

// GetByID includes soft-deleted rows; check Deleted.
func (q *ConversationQuery) GetByID(ctx context.Context, id int64) (*Conversation, error) {
	return q.getOne(ctx, `SELECT `+conversationColumns+` FROM conversation WHERE id=$1`, id)
}

// GetByKey includes soft-deleted rows so they can be restored instead of duplicated.
func (q *ConversationQuery) GetByKey(ctx context.Context, accountID int64, recipientID string, recipientType RecipientType) (*Conversation, error) {
	return q.getOne(ctx, `
		SELECT `+conversationColumns+` FROM conversation
		WHERE account_id=$1 AND recipient_id=$2 AND recipient_type=$3
	`, accountID, recipientID, recipientType)
}

func (q *ConversationQuery) Insert(ctx context.Context, conv *Conversation) error {
	now := nowMS()
	err := q.db.QueryRow(ctx, `
		INSERT INTO conversation (
			account_id, recipient_id, recipient_type, recipient_name, recipient_avatar_url,
			assigned_branch_id, department_id, created_by, unread_count, created_ts, updated_ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $9)
		RETURNING id
	`, conv.AccountID, conv.RecipientID, conv.RecipientType, conv.RecipientName, conv.RecipientAvatarURL,
		nullableInt64(conv.AssignedBranchID), nullableInt64(conv.DepartmentID), nullableInt64(conv.CreatedBy), now,
	).Scan(&conv.ID)
	if err != nil {
		return err
	}
	conv.CreatedAt = time.UnixMilli(now)
	conv.UpdatedAt = conv.CreatedAt
	return nil
}

func (q *ConversationQuery) Restore(ctx context.Context, id int64) error {
	_, err := q.db.Exec(ctx, `UPDATE conversation SET deleted=FALSE, deleted_ts=NULL, updated_ts=$1 WHERE id=$2`, nowMS(), id)
	return err
}

func (q *ConversationQuery) SoftDelete(ctx context.Context, id int64) error {
	now := nowMS()
	_, err := q.db.Exec(ctx, `UPDATE conversation SET deleted=TRUE, deleted_ts=$1, updated_ts=$1 WHERE id=$2`, now, id)
	return err
}

// UpdateRecipient never blanks a known name or avatar.
func (q *ConversationQuery) UpdateRecipient(ctx context.Context, id int64, name, avatarURL string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE conversation SET
			recipient_name=CASE WHEN $1 <> '' THEN $1 ELSE recipient_name END,
			recipient_avatar_url=CASE WHEN $2 <> '' THEN $2 ELSE recipient_avatar_url END,
			updated_ts=$3
		WHERE id=$4
	`, name, avatarURL, nowMS(), id)
	return err
}

// SetLastMessage stores the preview of the newest processed message. A zero
// messageID records a preview of a message that couldn't be stored.
func (q *ConversationQuery) SetLastMessage(ctx context.Context, id, messageID int64, preview string, at time.Time) error {
	_, err := q.db.Exec(ctx, `
		UPDATE conversation SET last_message_id=NULLIF($1, 0), last_message_preview=$2, last_message_ts=$3, updated_ts=$4
		WHERE id=$5
	`, messageID, preview, at.UnixMilli(), nowMS(), id)
	return err
}

func (q *ConversationQuery) SetUnreadCount(ctx context.Context, id int64, count int) error {
	_, err := q.db.Exec(ctx, `UPDATE conversation SET unread_count=$1, updated_ts=$2 WHERE id=$3`, count, nowMS(), id)
	return err
}

// SetAssignedBranch moves a conversation to a branch; nil makes it global again.
func (q *ConversationQuery) SetAssignedBranch(ctx context.Context, id int64, branchID *int64) error {
	_, err := q.db.Exec(ctx, `UPDATE conversation SET assigned_branch_id=$1, updated_ts=$2 WHERE id=$3`,
		nullableInt64(branchID), nowMS(), id)
	return err
}

func (q *ConversationQuery) SetDepartment(ctx context.Context, id int64, departmentID *int64) error {
	_, err := q.db.Exec(ctx, `UPDATE conversation SET department_id=$1, updated_ts=$2 WHERE id=$3`,
		nullableInt64(departmentID), nowMS(), id)
	return err
}

func (q *ConversationQuery) PutUser(ctx context.Context, cu *ConversationUser) error {
	if cu.AssignedAt.IsZero() {
		cu.AssignedAt = time.Now()
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO conversation_user (conversation_id, user_id, can_view, can_reply, assigned_by, note, assigned_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (conversation_id, user_id) DO UPDATE SET
			can_view=excluded.can_view,
			can_reply=excluded.can_reply,
			assigned_by=excluded.assigned_by,
			note=excluded.note,
			assigned_ts=excluded.assigned_ts
	`, cu.ConversationID, cu.UserID, cu.CanView, cu.CanReply, nullableInt64(cu.AssignedBy), cu.Note, cu.AssignedAt.UnixMilli())
	return err
}

func (q *ConversationQuery) DeleteUser(ctx context.Context, conversationID, userID int64) (bool, error) {
	res, err := q.db.Exec(ctx, `DELETE FROM conversation_user WHERE conversation_id=$1 AND user_id=$2`, conversationID, userID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

// ListLive returns the non-deleted conversations of the given accounts, most
// recently active first, with AssignedUsers filled in.
func (q *ConversationQuery) ListLive(ctx context.Context, accountIDs []int64) ([]*Conversation, error) {
	var out []*Conversation
	byID := make(map[int64]*Conversation)
	for _, chunk := range chunkInt64s(accountIDs) {
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		rows, err := q.db.Query(ctx, `
			SELECT `+conversationColumns+` FROM conversation
			WHERE deleted=FALSE AND account_id IN (`+placeholders(1, len(chunk))+`)
		`, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			conv, err := scanConversation(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, conv)
			byID[conv.ID] = conv
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	if err := q.fillUsers(ctx, byID); err != nil {
		return nil, err
	}
	sortConversations(out)
	return out, nil
}

// LoadUsers fills AssignedUsers of a single conversation.
func (q *ConversationQuery) LoadUsers(ctx context.Context, conv *Conversation) error {
	return q.fillUsers(ctx, map[int64]*Conversation{conv.ID: conv})
}

func (q *ConversationQuery) fillUsers(ctx context.Context, byID map[int64]*Conversation) error {
	if len(byID) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	for _, chunk := range chunkInt64s(ids) {
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		rows, err := q.db.Query(ctx, `
			SELECT conversation_id, user_id FROM conversation_user
			WHERE can_view=TRUE AND conversation_id IN (`+placeholders(1, len(chunk))+`)
			ORDER BY user_id
		`, args...)
		if err != nil {
			return err
		}
		for rows.Next() {
			var convID, userID int64
			if err = rows.Scan(&convID, &userID); err != nil {
				rows.Close()
				return err
			}
			conv := byID[convID]
			conv.AssignedUsers = append(conv.AssignedUsers, userID)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func sortConversations(convs []*Conversation) {
	// Newest activity first; conversations without messages sink to the bottom.
	key := func(c *Conversation) int64 {
		if c.LastMessageAt == nil {
			return c.CreatedAt.UnixMilli() - (1 << 50)
		}
		return c.LastMessageAt.UnixMilli()
	}
	slices.SortFunc(convs, func(a, b *Conversation) int {
		if c := cmp.Compare(key(b), key(a)); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
}
