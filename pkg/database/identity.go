package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.mau.fi/util/dbutil"
)

type RecipientType string

const (
	RecipientUser  RecipientType = "user"
	RecipientGroup RecipientType = "group"
)

func (rt RecipientType) IsValid() bool {
	return rt == RecipientUser || rt == RecipientGroup
}

// Identity is a locally known friend or group.
type Identity struct {
	AccountID   int64
	ExternalID  string
	Kind        RecipientType
	Name        string
	AvatarURL   string
	MemberCount int
	ResolvedAt  *time.Time
	UpdatedAt   time.Time
}

type GroupMember struct {
	AccountID int64
	GroupID   string
	UserID    string
	Name      string
	AvatarURL string
	UpdatedAt time.Time
}

type IdentityQuery struct {
	db *dbutil.Database
}

func (q *IdentityQuery) Get(ctx context.Context, accountID int64, kind RecipientType, externalID string) (*Identity, error) {
	ident := Identity{AccountID: accountID, ExternalID: externalID, Kind: kind}
	var resolved sql.NullInt64
	var updatedMS int64
	var err error
	if kind == RecipientGroup {
		err = q.db.QueryRow(ctx, `
			SELECT name, avatar_url, member_count, resolved_ts, updated_ts
			FROM chat_group WHERE account_id=$1 AND external_group_id=$2
		`, accountID, externalID).Scan(&ident.Name, &ident.AvatarURL, &ident.MemberCount, &resolved, &updatedMS)
	} else {
		err = q.db.QueryRow(ctx, `
			SELECT name, avatar_url, resolved_ts, updated_ts
			FROM friend WHERE account_id=$1 AND external_user_id=$2
		`, accountID, externalID).Scan(&ident.Name, &ident.AvatarURL, &resolved, &updatedMS)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	ident.ResolvedAt = timeFromNull(resolved)
	ident.UpdatedAt = time.UnixMilli(updatedMS)
	return &ident, nil
}

// Put upserts a friend or group. An empty name or avatar never replaces a
// stored value, so partial listings can't erase what an earlier lookup found.
func (q *IdentityQuery) Put(ctx context.Context, ident *Identity) error {
	now := nowMS()
	if ident.Kind == RecipientGroup {
		_, err := q.db.Exec(ctx, `
			INSERT INTO chat_group (account_id, external_group_id, name, avatar_url, member_count, resolved_ts, updated_ts)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (account_id, external_group_id) DO UPDATE SET
				name=CASE WHEN excluded.name <> '' THEN excluded.name ELSE chat_group.name END,
				avatar_url=CASE WHEN excluded.avatar_url <> '' THEN excluded.avatar_url ELSE chat_group.avatar_url END,
				member_count=CASE WHEN excluded.member_count > 0 THEN excluded.member_count ELSE chat_group.member_count END,
				resolved_ts=COALESCE(excluded.resolved_ts, chat_group.resolved_ts),
				updated_ts=excluded.updated_ts
		`, ident.AccountID, ident.ExternalID, ident.Name, ident.AvatarURL, ident.MemberCount, nullableTime(ident.ResolvedAt), now)
		return err
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO friend (account_id, external_user_id, name, avatar_url, resolved_ts, updated_ts)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id, external_user_id) DO UPDATE SET
			name=CASE WHEN excluded.name <> '' THEN excluded.name ELSE friend.name END,
			avatar_url=CASE WHEN excluded.avatar_url <> '' THEN excluded.avatar_url ELSE friend.avatar_url END,
			resolved_ts=COALESCE(excluded.resolved_ts, friend.resolved_ts),
			updated_ts=excluded.updated_ts
	`, ident.AccountID, ident.ExternalID, ident.Name, ident.AvatarURL, nullableTime(ident.ResolvedAt), now)
	return err
}

// PutBatch upserts a page of listing results in one transaction.
func (q *IdentityQuery) PutBatch(ctx context.Context, idents []*Identity) error {
	if len(idents) == 0 {
		return nil
	}
	return q.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		for _, ident := range idents {
			if err := q.Put(ctx, ident); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListUnresolved returns external ids whose stored name is empty or equal to placeholder.
func (q *IdentityQuery) ListUnresolved(ctx context.Context, accountID int64, kind RecipientType, placeholder string) ([]string, error) {
	query := `SELECT external_user_id FROM friend WHERE account_id=$1 AND (name='' OR name=$2) ORDER BY external_user_id`
	if kind == RecipientGroup {
		query = `SELECT external_group_id FROM chat_group WHERE account_id=$1 AND (name='' OR name=$2) ORDER BY external_group_id`
	}
	rows, err := q.db.Query(ctx, query, accountID, placeholder)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (q *IdentityQuery) Count(ctx context.Context, accountID int64, kind RecipientType) (int, error) {
	query := `SELECT COUNT(*) FROM friend WHERE account_id=$1`
	if kind == RecipientGroup {
		query = `SELECT COUNT(*) FROM chat_group WHERE account_id=$1`
	}
	var count int
	err := q.db.QueryRow(ctx, query, accountID).Scan(&count)
	return count, err
}

func (q *IdentityQuery) GetMember(ctx context.Context, accountID int64, groupID, userID string) (*GroupMember, error) {
	member := GroupMember{AccountID: accountID, GroupID: groupID, UserID: userID}
	var updatedMS int64
	err := q.db.QueryRow(ctx, `
		SELECT name, avatar_url, updated_ts FROM group_member
		WHERE account_id=$1 AND external_group_id=$2 AND external_user_id=$3
	`, accountID, groupID, userID).Scan(&member.Name, &member.AvatarURL, &updatedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	member.UpdatedAt = time.UnixMilli(updatedMS)
	return &member, nil
}

func (q *IdentityQuery) PutMember(ctx context.Context, member *GroupMember) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO group_member (account_id, external_group_id, external_user_id, name, avatar_url, updated_ts)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id, external_group_id, external_user_id) DO UPDATE SET
			name=CASE WHEN excluded.name <> '' THEN excluded.name ELSE group_member.name END,
			avatar_url=CASE WHEN excluded.avatar_url <> '' THEN excluded.avatar_url ELSE group_member.avatar_url END,
			updated_ts=excluded.updated_ts
	`, member.AccountID, member.GroupID, member.UserID, member.Name, member.AvatarURL, nowMS())
	return err
}
