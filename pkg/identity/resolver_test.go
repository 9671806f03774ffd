package identity

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/chatbroker/pkg/database"
	"github.com/lrhodin/chatbroker/pkg/gateway"
)

type fakeGateway struct {
	lock        sync.Mutex
	friends     []gateway.Friend
	groups      []gateway.Group
	members     map[string][]gateway.Member
	users       map[string]*gateway.Friend
	listCalls   int
	lookupCalls int
	lookupErr   error

	// When set, ListFriends reports on entered and waits for release.
	entered chan struct{}
	release chan struct{}
}

func (f *fakeGateway) ListFriends(_ context.Context, _ gateway.Session, offset, limit int) ([]gateway.Friend, *gateway.Pagination, error) {
	if f.release != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	f.listCalls++
	end := min(offset+limit, len(f.friends))
	if offset > end {
		offset = end
	}
	return f.friends[offset:end], &gateway.Pagination{Total: len(f.friends), HasMore: end < len(f.friends), NextOffset: end}, nil
}

func (f *fakeGateway) ListGroups(_ context.Context, _ gateway.Session, _, _ int) ([]gateway.Group, *gateway.Pagination, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.listCalls++
	return f.groups, &gateway.Pagination{Total: len(f.groups)}, nil
}

func (f *fakeGateway) ListGroupMembers(_ context.Context, _ gateway.Session, groupID string) ([]gateway.Member, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.listCalls++
	return f.members[groupID], nil
}

func (f *fakeGateway) GetUserInfo(_ context.Context, _ gateway.Session, userID string) (*gateway.Friend, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.lookupCalls++
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	user, ok := f.users[userID]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return user, nil
}

func (f *fakeGateway) GetGroupInfo(_ context.Context, _ gateway.Session, groupID string) (*gateway.Group, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.lookupCalls++
	return nil, gateway.ErrNotFound
}

func newTestResolver(t *testing.T, gw *fakeGateway) (*Resolver, *database.Account) {
	t.Helper()
	db, err := database.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), 1, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	acc := &database.Account{ExternalID: "zalo-1", Name: "Main"}
	require.NoError(t, db.Account.Insert(context.Background(), acc))
	r := NewResolver(db, gw, Config{PageSize: 2, LookupRPS: 100, LookupBurst: 100}, zerolog.Nop(), nil)
	return r, acc
}

func TestResolveRecipientRefreshesListing(t *testing.T) {
	gw := &fakeGateway{friends: []gateway.Friend{
		{UserID: "u1", ZaloName: "Anna"},
		{UserID: "u2", ZaloName: "Bao", DisplayName: "Bao (shop)"},
		{UserID: "u3", ZaloName: "Chi"},
	}}
	r, acc := newTestResolver(t, gw)
	ctx := context.Background()

	res := r.ResolveRecipient(ctx, acc, database.RecipientUser, "u2")
	assert.Equal(t, "Bao (shop)", res.Name)
	assert.Equal(t, "refresh", res.Source)
	assert.False(t, res.Placeholder)
	assert.Equal(t, 2, gw.listCalls, "three friends with a page size of two take two pages")

	count, err := r.DB.Identity.Count(ctx, acc.ID, database.RecipientUser)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	res = r.ResolveRecipient(ctx, acc, database.RecipientUser, "u2")
	assert.Equal(t, "cache", res.Source)

	r.Forget(acc, database.RecipientUser, "u3")
	res = r.ResolveRecipient(ctx, acc, database.RecipientUser, "u3")
	assert.Equal(t, "Chi", res.Name)
	assert.Equal(t, "local", res.Source)
	assert.Equal(t, 2, gw.listCalls)
}

func TestResolveRecipientRespectsCooldownAndFallsBackToLookup(t *testing.T) {
	gw := &fakeGateway{users: map[string]*gateway.Friend{"u9": {UserID: "u9", ZaloName: "Stranger"}}}
	r, acc := newTestResolver(t, gw)
	ctx := context.Background()

	res := r.ResolveRecipient(ctx, acc, database.RecipientUser, "u9")
	assert.Equal(t, "Stranger", res.Name)
	assert.Equal(t, "lookup", res.Source)
	assert.Equal(t, 1, gw.listCalls)

	res = r.ResolveRecipient(ctx, acc, database.RecipientUser, "u404")
	assert.True(t, res.Placeholder)
	assert.Equal(t, "Unknown", res.Name)
	assert.Equal(t, 1, gw.listCalls, "listing refresh must not run twice within the cooldown")
	assert.Equal(t, 2, gw.lookupCalls)
}

func TestListingRefreshWaitsForRunningSync(t *testing.T) {
	gw := &fakeGateway{
		friends: []gateway.Friend{{UserID: "u1", ZaloName: "Anna"}},
		users:   map[string]*gateway.Friend{"u1": {UserID: "u1", ZaloName: "Anna"}},
	}
	r, acc := newTestResolver(t, gw)
	ctx := context.Background()
	held, err := r.DB.Sync.TryLock(ctx, acc.ID, ListingLockName(database.TrackFriends), "sync-worker", time.Minute, time.Now())
	require.NoError(t, err)
	require.True(t, held)

	_, err = r.RefreshListing(ctx, acc, database.RecipientUser, nil)
	assert.ErrorIs(t, err, ErrListingBusy)

	res := r.ResolveRecipient(ctx, acc, database.RecipientUser, "u1")
	assert.Equal(t, "lookup", res.Source)
	assert.Equal(t, 0, gw.listCalls)

	require.NoError(t, r.DB.Sync.Unlock(ctx, acc.ID, ListingLockName(database.TrackFriends), "sync-worker"))
	stored, err := r.RefreshListing(ctx, acc, database.RecipientUser, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stored)
	locked, err := r.DB.Sync.IsLocked(ctx, acc.ID, ListingLockName(database.TrackFriends), time.Now())
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestListingRefreshSurvivesCancelledCaller(t *testing.T) {
	gw := &fakeGateway{
		friends: []gateway.Friend{{UserID: "u1", ZaloName: "Anna"}, {UserID: "u2", ZaloName: "Bao"}},
		entered: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
	r, acc := newTestResolver(t, gw)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan Result, 1)
	go func() {
		done <- r.ResolveRecipient(ctx, acc, database.RecipientUser, "u2")
	}()
	<-gw.entered
	cancel()
	res := <-done
	assert.True(t, res.Placeholder)

	close(gw.release)
	require.Eventually(t, func() bool {
		count, err := r.DB.Identity.Count(context.Background(), acc.ID, database.RecipientUser)
		return err == nil && count == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResolveRecipientNeverCachesMisses(t *testing.T) {
	gw := &fakeGateway{users: map[string]*gateway.Friend{}}
	r, acc := newTestResolver(t, gw)
	ctx := context.Background()

	res := r.ResolveRecipient(ctx, acc, database.RecipientUser, "u5")
	require.True(t, res.Placeholder)

	gw.lock.Lock()
	gw.users["u5"] = &gateway.Friend{UserID: "u5", ZaloName: "Late"}
	gw.lock.Unlock()
	res = r.ResolveRecipient(ctx, acc, database.RecipientUser, "u5")
	assert.Equal(t, "Late", res.Name)
}

func TestResolveRecipientReturnsStaleWhenGatewayFails(t *testing.T) {
	gw := &fakeGateway{lookupErr: gateway.ErrUnavailable}
	r, acc := newTestResolver(t, gw)
	ctx := context.Background()
	old := time.Now().Add(-30 * 24 * time.Hour)
	require.NoError(t, r.DB.Identity.Put(ctx, &database.Identity{
		AccountID: acc.ID, ExternalID: "u1", Kind: database.RecipientUser, Name: "Old Name", ResolvedAt: &old,
	}))

	res := r.ResolveRecipient(ctx, acc, database.RecipientUser, "u1")
	assert.Equal(t, "Old Name", res.Name)
	assert.False(t, res.Placeholder)
}

func TestResolveSenderUsesHintAndMembers(t *testing.T) {
	gw := &fakeGateway{members: map[string][]gateway.Member{
		"g1": {{UserID: "m1", DisplayName: "Member One"}},
	}}
	r, acc := newTestResolver(t, gw)
	ctx := context.Background()

	res := r.ResolveSender(ctx, acc, "g1", "m2", "  Hinted  ")
	assert.Equal(t, "Hinted", res.Name)
	assert.Equal(t, "event", res.Source)
	member, err := r.DB.Identity.GetMember(ctx, acc.ID, "g1", "m2")
	require.NoError(t, err)
	require.NotNil(t, member)
	assert.Equal(t, "Hinted", member.Name)

	res = r.ResolveSender(ctx, acc, "g1", "m1", "Unknown")
	assert.Equal(t, "Member One", res.Name)
	assert.Equal(t, "refresh", res.Source)
}

func TestIsPlaceholder(t *testing.T) {
	r := &Resolver{Config: Config{Placeholder: "Unknown"}}
	assert.True(t, r.IsPlaceholder(""))
	assert.True(t, r.IsPlaceholder("  "))
	assert.True(t, r.IsPlaceholder("Unknown"))
	assert.False(t, r.IsPlaceholder("Anna"))
}
