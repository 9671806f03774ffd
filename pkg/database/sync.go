package database

import (
	"context"
	"database/sql"
	"time"

	"go.mau.fi/util/dbutil"
)

type SyncTrack string

const (
	TrackFriends SyncTrack = "friends"
	TrackGroups  SyncTrack = "groups"
)

var SyncTracks = []SyncTrack{TrackFriends, TrackGroups}

type SyncStatus string

const (
	SyncNotStarted SyncStatus = "not_started"
	SyncInProgress SyncStatus = "in_progress"
	SyncCompleted  SyncStatus = "completed"
	SyncErrored    SyncStatus = "errored"
)

type SyncProgress struct {
	AccountID int64
	Track     SyncTrack
	Status    SyncStatus
	Current   int
	Total     int
	Error     string
	UpdatedAt time.Time
}

type SyncQuery struct {
	db *dbutil.Database
}

// GetProgress returns the stored tracks of an account. Tracks that were never
// written are absent.
func (q *SyncQuery) GetProgress(ctx context.Context, accountID int64) (map[SyncTrack]*SyncProgress, error) {
	rows, err := q.db.Query(ctx, `
		SELECT account_id, track, status, current, total, last_error, updated_ts
		FROM sync_progress WHERE account_id=$1
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[SyncTrack]*SyncProgress)
	for rows.Next() {
		var p SyncProgress
		var lastError sql.NullString
		var updatedMS int64
		if err = rows.Scan(&p.AccountID, &p.Track, &p.Status, &p.Current, &p.Total, &lastError, &updatedMS); err != nil {
			return nil, err
		}
		p.Error = lastError.String
		p.UpdatedAt = time.UnixMilli(updatedMS)
		out[p.Track] = &p
	}
	return out, rows.Err()
}

func (q *SyncQuery) PutProgress(ctx context.Context, p *SyncProgress) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO sync_progress (account_id, track, status, current, total, last_error, updated_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (account_id, track) DO UPDATE SET
			status=excluded.status,
			current=excluded.current,
			total=excluded.total,
			last_error=excluded.last_error,
			updated_ts=excluded.updated_ts
	`, p.AccountID, p.Track, p.Status, p.Current, p.Total, emptyToNull(p.Error), nowMS())
	return err
}

// ResetErrored moves errored tracks back to not started.
func (q *SyncQuery) ResetErrored(ctx context.Context, accountID int64) error {
	_, err := q.db.Exec(ctx, `
		UPDATE sync_progress SET status='not_started', current=0, total=0, last_error=NULL, updated_ts=$1
		WHERE account_id=$2 AND status='errored'
	`, nowMS(), accountID)
	return err
}

// TryLock takes the named lock for owner if it is free or expired at now.
// The swap happens in one statement, so concurrent processes can race on it.
func (q *SyncQuery) TryLock(ctx context.Context, accountID int64, name, owner string, ttl time.Duration, now time.Time) (bool, error) {
	res, err := q.db.Exec(ctx, `
		INSERT INTO sync_lock (account_id, name, owner, expires_ts) VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id, name) DO UPDATE SET
			owner=excluded.owner,
			expires_ts=excluded.expires_ts
		WHERE sync_lock.expires_ts <= $5
	`, accountID, name, owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

// Unlock releases the lock if owner still holds it.
func (q *SyncQuery) Unlock(ctx context.Context, accountID int64, name, owner string) error {
	_, err := q.db.Exec(ctx, `DELETE FROM sync_lock WHERE account_id=$1 AND name=$2 AND owner=$3`, accountID, name, owner)
	return err
}

func (q *SyncQuery) IsLocked(ctx context.Context, accountID int64, name string, now time.Time) (bool, error) {
	var count int
	err := q.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM sync_lock WHERE account_id=$1 AND name=$2 AND expires_ts > $3
	`, accountID, name, now.UnixMilli()).Scan(&count)
	return count > 0, err
}
