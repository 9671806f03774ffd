// Package syncprogress coordinates background listing syncs per account and
// reports their progress.
package syncprogress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lrhodin/chatbroker/pkg/database"
	"github.com/lrhodin/chatbroker/pkg/identity"
	"github.com/lrhodin/chatbroker/pkg/worker"
)

// ErrInProgress is returned by Trigger when another sync holds the lock.
var ErrInProgress = errors.New("sync already in progress")

const lockName = "sync"

// Lister downloads one listing of an account.
type Lister interface {
	RefreshListing(ctx context.Context, acc *database.Account, kind database.RecipientType, progress identity.ProgressFunc) (int, error)
}

type TrackState struct {
	Status    database.SyncStatus `json:"status"`
	Current   int                 `json:"current"`
	Total     int                 `json:"total"`
	Percent   int                 `json:"percent"`
	Completed bool                `json:"completed"`
	Error     string              `json:"error,omitempty"`
}

type Progress struct {
	AccountID int64      `json:"account_id"`
	Friends   TrackState `json:"friends"`
	Groups    TrackState `json:"groups"`
	Locked    bool       `json:"locked"`
}

type Tracker struct {
	DB      *database.Database
	Lister  Lister
	Pool    *worker.Pool
	LockTTL time.Duration
	// MaxRetries is passed to the worker; a track only ends up errored
	// after the last attempt failed.
	MaxRetries uint64
	Timeout    time.Duration
	Log        zerolog.Logger

	now func() time.Time
}

func NewTracker(db *database.Database, lister Lister, pool *worker.Pool, lockTTL time.Duration, log zerolog.Logger) *Tracker {
	if lockTTL <= 0 {
		lockTTL = 5 * time.Minute
	}
	return &Tracker{
		DB:      db,
		Lister:  lister,
		Pool:    pool,
		LockTTL: lockTTL,
		Timeout: lockTTL,
		Log:     log.With().Str("component", "sync").Logger(),
		now:     time.Now,
	}
}

func stateOf(p *database.SyncProgress) TrackState {
	if p == nil {
		return TrackState{Status: database.SyncNotStarted}
	}
	st := TrackState{Status: p.Status, Current: p.Current, Total: p.Total, Error: p.Error}
	switch {
	case p.Status == database.SyncCompleted:
		st.Completed = true
		st.Percent = 100
	case p.Total > 0:
		st.Percent = min(p.Current*100/p.Total, 100)
	}
	return st
}

func (t *Tracker) Get(ctx context.Context, accountID int64) (*Progress, error) {
	tracks, err := t.DB.Sync.GetProgress(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get sync progress: %w", err)
	}
	locked, err := t.DB.Sync.IsLocked(ctx, accountID, lockName, t.now())
	if err != nil {
		return nil, fmt.Errorf("failed to check sync lock: %w", err)
	}
	return &Progress{
		AccountID: accountID,
		Friends:   stateOf(tracks[database.TrackFriends]),
		Groups:    stateOf(tracks[database.TrackGroups]),
		Locked:    locked,
	}, nil
}

// MaybeAutoTrigger starts a sync if some track was never started, nothing is
// running and no track is errored. Errored tracks wait for Trigger so a
// failing gateway isn't hammered.
func (t *Tracker) MaybeAutoTrigger(ctx context.Context, acc *database.Account) (bool, error) {
	tracks, err := t.DB.Sync.GetProgress(ctx, acc.ID)
	if err != nil {
		return false, fmt.Errorf("failed to get sync progress: %w", err)
	}
	pending := false
	for _, track := range database.SyncTracks {
		p := tracks[track]
		if p == nil || p.Status == database.SyncNotStarted {
			pending = true
		} else if p.Status == database.SyncErrored {
			return false, nil
		}
	}
	if !pending {
		return false, nil
	}
	return t.start(ctx, acc, false)
}

// Trigger is the manual re-trigger. It clears errored tracks first.
func (t *Tracker) Trigger(ctx context.Context, acc *database.Account) error {
	if err := t.DB.Sync.ResetErrored(ctx, acc.ID); err != nil {
		return fmt.Errorf("failed to reset errored tracks: %w", err)
	}
	started, err := t.start(ctx, acc, true)
	if err != nil {
		return err
	} else if !started {
		return ErrInProgress
	}
	return nil
}

func (t *Tracker) start(ctx context.Context, acc *database.Account, full bool) (bool, error) {
	owner := uuid.NewString()
	acquired, err := t.DB.Sync.TryLock(ctx, acc.ID, lockName, owner, t.LockTTL, t.now())
	if err != nil {
		return false, fmt.Errorf("failed to take sync lock: %w", err)
	} else if !acquired {
		return false, nil
	}
	attempt := uint64(0)
	err = t.Pool.Enqueue(&worker.Task{
		Name:       "sync",
		MaxRetries: t.MaxRetries,
		Timeout:    t.Timeout,
		Run: func(ctx context.Context) error {
			attempt++
			err := t.Run(ctx, acc, full)
			if err == nil || attempt > t.MaxRetries {
				if unlockErr := t.DB.Sync.Unlock(context.WithoutCancel(ctx), acc.ID, lockName, owner); unlockErr != nil {
					t.Log.Warn().Err(unlockErr).Int64("account_id", acc.ID).Msg("Failed to release sync lock")
				}
			}
			return err
		},
	})
	if err != nil {
		_ = t.DB.Sync.Unlock(ctx, acc.ID, lockName, owner)
		return false, fmt.Errorf("failed to queue sync: %w", err)
	}
	t.Log.Info().Int64("account_id", acc.ID).Bool("full", full).Msg("Listing sync queued")
	return true, nil
}

// Run syncs every track that isn't completed, or all of them if full is set.
// It is called by the queued task and by the CLI directly.
func (t *Tracker) Run(ctx context.Context, acc *database.Account, full bool) error {
	log := t.Log.With().Int64("account_id", acc.ID).Logger()
	tracks, err := t.DB.Sync.GetProgress(ctx, acc.ID)
	if err != nil {
		return fmt.Errorf("failed to get sync progress: %w", err)
	}
	var errs []error
	for _, track := range database.SyncTracks {
		if p := tracks[track]; !full && p != nil && p.Status == database.SyncCompleted {
			continue
		}
		if err = t.runTrack(ctx, acc, track); err != nil {
			log.Warn().Err(err).Str("track", string(track)).Msg("Listing sync failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Tracker) runTrack(ctx context.Context, acc *database.Account, track database.SyncTrack) error {
	kind := database.RecipientUser
	if track == database.TrackGroups {
		kind = database.RecipientGroup
	}
	progress := &database.SyncProgress{AccountID: acc.ID, Track: track, Status: database.SyncInProgress}
	if err := t.DB.Sync.PutProgress(ctx, progress); err != nil {
		return fmt.Errorf("failed to store sync progress: %w", err)
	}
	stored, err := t.Lister.RefreshListing(ctx, acc, kind, func(current, total int) {
		progress.Current, progress.Total = current, total
		if putErr := t.DB.Sync.PutProgress(ctx, progress); putErr != nil {
			t.Log.Warn().Err(putErr).Msg("Failed to store sync progress")
		}
	})
	if err != nil {
		progress.Status = database.SyncErrored
		progress.Error = err.Error()
	} else {
		progress.Status = database.SyncCompleted
		progress.Current = stored
		progress.Total = max(progress.Total, stored)
	}
	if putErr := t.DB.Sync.PutProgress(context.WithoutCancel(ctx), progress); putErr != nil {
		return errors.Join(err, fmt.Errorf("failed to store sync progress: %w", putErr))
	}
	return err
}
