package database

import (
	"context"
	"time"

	"go.mau.fi/util/dbutil"
)

type Reaction struct {
	MessageID int64
	UserID    string
	UserName  string
	Icon      string
	ReactedAt time.Time
}

type ReactionQuery struct {
	db *dbutil.Database
}

// Put stores the reaction of one user on one message. A later reaction from
// the same user replaces the earlier one, unless it is older.
func (q *ReactionQuery) Put(ctx context.Context, r *Reaction) error {
	if r.ReactedAt.IsZero() {
		r.ReactedAt = time.Now()
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO reaction (message_id, user_id, user_name, icon, reacted_ts)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (message_id, user_id) DO UPDATE SET
			icon=CASE WHEN excluded.reacted_ts >= reaction.reacted_ts THEN excluded.icon ELSE reaction.icon END,
			user_name=CASE WHEN excluded.user_name <> '' THEN excluded.user_name ELSE reaction.user_name END,
			reacted_ts=MAX(excluded.reacted_ts, reaction.reacted_ts)
	`, r.MessageID, r.UserID, r.UserName, r.Icon, r.ReactedAt.UnixMilli())
	return err
}

func (q *ReactionQuery) Delete(ctx context.Context, messageID int64, userID string) error {
	_, err := q.db.Exec(ctx, `DELETE FROM reaction WHERE message_id=$1 AND user_id=$2`, messageID, userID)
	return err
}

func (q *ReactionQuery) ListByMessage(ctx context.Context, messageID int64) ([]*Reaction, error) {
	rows, err := q.db.Query(ctx, `
		SELECT message_id, user_id, user_name, icon, reacted_ts FROM reaction
		WHERE message_id=$1 ORDER BY reacted_ts, user_id
	`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Reaction
	for rows.Next() {
		var r Reaction
		var reactedMS int64
		if err = rows.Scan(&r.MessageID, &r.UserID, &r.UserName, &r.Icon, &reactedMS); err != nil {
			return nil, err
		}
		r.ReactedAt = time.UnixMilli(reactedMS)
		out = append(out, &r)
	}
	return out, rows.Err()
}
