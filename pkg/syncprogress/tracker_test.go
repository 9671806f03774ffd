package syncprogress

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/chatbroker/pkg/database"
	"github.com/lrhodin/chatbroker/pkg/identity"
	"github.com/lrhodin/chatbroker/pkg/worker"
)

type fakeLister struct {
	calls   atomic.Int32
	lock    sync.Mutex
	failFor database.RecipientType
}

func (f *fakeLister) setFailFor(kind database.RecipientType) {
	f.lock.Lock()
	f.failFor = kind
	f.lock.Unlock()
}

func (f *fakeLister) RefreshListing(_ context.Context, _ *database.Account, kind database.RecipientType, progress identity.ProgressFunc) (int, error) {
	f.calls.Add(1)
	f.lock.Lock()
	fail := kind == f.failFor
	f.lock.Unlock()
	if fail {
		return 0, errors.New("gateway exploded")
	}
	progress(2, 4)
	progress(4, 4)
	return 4, nil
}

func newTestTracker(t *testing.T, lister Lister) (*Tracker, *database.Account) {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, filepath.Join(t.TempDir(), "test.db"), 1, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	pool := worker.NewPool(1, 8, zerolog.Nop(), nil)
	pool.InitialInterval = time.Millisecond
	pool.Start(ctx)
	t.Cleanup(pool.Stop)
	acc := &database.Account{ExternalID: "zalo-1"}
	require.NoError(t, db.Account.Insert(ctx, acc))
	return NewTracker(db, lister, pool, time.Minute, zerolog.Nop()), acc
}

func waitUnlocked(t *testing.T, tr *Tracker, accountID int64) *Progress {
	t.Helper()
	var progress *Progress
	require.Eventually(t, func() bool {
		var err error
		progress, err = tr.Get(context.Background(), accountID)
		return err == nil && !progress.Locked
	}, 5*time.Second, 10*time.Millisecond)
	return progress
}

func TestAutoTriggerCompletesBothTracks(t *testing.T) {
	lister := &fakeLister{}
	tr, acc := newTestTracker(t, lister)
	ctx := context.Background()

	started, err := tr.MaybeAutoTrigger(ctx, acc)
	require.NoError(t, err)
	assert.True(t, started)

	progress := waitUnlocked(t, tr, acc.ID)
	assert.True(t, progress.Friends.Completed)
	assert.Equal(t, 100, progress.Friends.Percent)
	assert.Equal(t, 4, progress.Groups.Current)
	assert.EqualValues(t, 2, lister.calls.Load())

	started, err = tr.MaybeAutoTrigger(ctx, acc)
	require.NoError(t, err)
	assert.False(t, started, "completed tracks must not auto-trigger again")
}

func TestAutoTriggerSkipsWhileLocked(t *testing.T) {
	tr, acc := newTestTracker(t, &fakeLister{})
	ctx := context.Background()
	ok, err := tr.DB.Sync.TryLock(ctx, acc.ID, lockName, "someone-else", time.Minute, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	started, err := tr.MaybeAutoTrigger(ctx, acc)
	require.NoError(t, err)
	assert.False(t, started)
	assert.ErrorIs(t, tr.Trigger(ctx, acc), ErrInProgress)
}

func TestErroredTrackNeedsManualTrigger(t *testing.T) {
	lister := &fakeLister{failFor: database.RecipientGroup}
	tr, acc := newTestTracker(t, lister)
	ctx := context.Background()

	started, err := tr.MaybeAutoTrigger(ctx, acc)
	require.NoError(t, err)
	require.True(t, started)
	progress := waitUnlocked(t, tr, acc.ID)
	assert.Equal(t, database.SyncErrored, progress.Groups.Status)
	assert.Equal(t, "gateway exploded", progress.Groups.Error)
	assert.True(t, progress.Friends.Completed)

	started, err = tr.MaybeAutoTrigger(ctx, acc)
	require.NoError(t, err)
	assert.False(t, started, "errored tracks block automatic retries")

	lister.setFailFor("")
	require.NoError(t, tr.Trigger(ctx, acc))
	progress = waitUnlocked(t, tr, acc.ID)
	assert.True(t, progress.Groups.Completed)
	assert.Empty(t, progress.Groups.Error)
}

func TestStateOfPercent(t *testing.T) {
	assert.Equal(t, 50, stateOf(&database.SyncProgress{Status: database.SyncInProgress, Current: 5, Total: 10}).Percent)
	assert.Equal(t, 0, stateOf(&database.SyncProgress{Status: database.SyncInProgress}).Percent)
	assert.Equal(t, database.SyncNotStarted, stateOf(nil).Status)
}
