package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/ptr"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), 1, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestEnsureSchemaIsRepeatable(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.EnsureSchema(context.Background()))
	require.NoError(t, db.EnsureSchema(context.Background()))
}

func TestColumnExistsReportsQueryErrors(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	exists, err := db.columnExists(ctx, "message", "sticker_json")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = db.columnExists(ctx, "message", "no_such_column")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, db.RawDB.Close())
	_, err = db.columnExists(ctx, "message", "sticker_json")
	assert.ErrorContains(t, err, "failed to check for message.sticker_json column")
	assert.Error(t, db.EnsureSchema(ctx))
}

func TestMessageExternalIDIsUnique(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	first := &Message{
		AccountID: 1, RecipientID: "u1", RecipientType: RecipientUser,
		ExternalID: ptr.Ptr("msg-100"), Direction: DirectionReceived, Content: "hello", ContentType: "text",
	}
	require.NoError(t, db.Message.Insert(ctx, first))
	assert.NotZero(t, first.ID)

	dup := *first
	dup.ID = 0
	dup.RecipientID = "u2"
	err := db.Message.Insert(ctx, &dup)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))

	other, err := db.Message.ExistsUnderOtherRecipient(ctx, 1, "msg-100", "u2")
	require.NoError(t, err)
	assert.True(t, other)
	same, err := db.Message.ExistsUnderOtherRecipient(ctx, 1, "msg-100", "u1")
	require.NoError(t, err)
	assert.False(t, same)
}

func TestMessageClientIDFallbackAndAlias(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	msg := &Message{
		AccountID: 1, RecipientID: "u1", RecipientType: RecipientUser,
		ClientID: ptr.Ptr("cli-1"), Direction: DirectionSent, Content: "hi", ContentType: "text",
	}
	require.NoError(t, db.Message.Insert(ctx, msg))
	require.NoError(t, db.Message.AddAliases(ctx, 1, msg.ID, []string{"alt-1", "", "alt-1"}))

	byClient, err := db.Message.GetByClientID(ctx, 1, "u1", "cli-1")
	require.NoError(t, err)
	require.NotNil(t, byClient)
	assert.Equal(t, msg.ID, byClient.ID)

	byAlias, err := db.Message.GetByAlias(ctx, 1, "alt-1")
	require.NoError(t, err)
	require.NotNil(t, byAlias)
	assert.Equal(t, msg.ID, byAlias.ID)

	require.NoError(t, db.Message.Redelivered(ctx, msg.ID, &Message{ExternalID: ptr.Ptr("msg-7")}))
	byExternal, err := db.Message.GetByExternalID(ctx, 1, "msg-7")
	require.NoError(t, err)
	require.NotNil(t, byExternal)
	assert.Equal(t, "hi", byExternal.Content)
}

func TestMarkRecalledOnlyOnce(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	msg := &Message{
		AccountID: 1, RecipientID: "u1", RecipientType: RecipientUser, ExternalID: ptr.Ptr("m1"),
		Direction: DirectionReceived, Content: "secret", ContentType: "text",
		Metadata: map[string]any{"globalMsgId": "g-1"},
	}
	require.NoError(t, db.Message.Insert(ctx, msg))

	changed, err := db.Message.MarkRecalled(ctx, msg.ID, "[recalled]", time.Now())
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = db.Message.MarkRecalled(ctx, msg.ID, "[recalled]", time.Now())
	require.NoError(t, err)
	assert.False(t, changed)

	stored, err := db.Message.GetByMetadataID(ctx, 1, "g-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.Recalled)
	assert.NotNil(t, stored.RecalledAt)
	assert.Equal(t, "[recalled]", stored.Content)
	assert.Equal(t, DirectionReceived, stored.Direction)
}

func TestHistoryOrderingAndCursor(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	base := time.UnixMilli(1_700_000_000_000)
	insert := func(ext string, sent, delivered *time.Time) int64 {
		msg := &Message{
			AccountID: 1, ConversationID: ptr.Ptr[int64](9), RecipientID: "u1", RecipientType: RecipientUser,
			ExternalID: ptr.Ptr(ext), Direction: DirectionReceived, ContentType: "text",
			SentAt: sent, DeliveredAt: delivered,
		}
		require.NoError(t, db.Message.Insert(ctx, msg))
		return msg.ID
	}
	a := insert("a", ptr.Ptr(base), nil)
	b := insert("b", ptr.Ptr(base.Add(-time.Hour)), ptr.Ptr(base.Add(time.Minute)))
	c := insert("c", ptr.Ptr(base), nil)

	page, err := db.Message.History(ctx, 9, nil, 10)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, []int64{b, c, a}, []int64{page[0].ID, page[1].ID, page[2].ID})

	page, err = db.Message.History(ctx, 9, &c, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, a, page[0].ID)
}

func TestUnreadCountAndMarkRead(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	for i, ext := range []string{"r1", "r2", "r3"} {
		dir := DirectionReceived
		if i == 2 {
			dir = DirectionSent
		}
		require.NoError(t, db.Message.Insert(ctx, &Message{
			AccountID: 1, ConversationID: ptr.Ptr[int64](4), RecipientID: "u1", RecipientType: RecipientUser,
			ExternalID: ptr.Ptr(ext), Direction: dir, ContentType: "text",
		}))
	}
	count, err := db.Message.CountUnread(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	affected, err := db.Message.MarkRead(ctx, 4, time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 2, affected)
	count, err = db.Message.CountUnread(ctx, 4)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestReactionLastWriteWins(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	now := time.Now()
	require.NoError(t, db.Reaction.Put(ctx, &Reaction{MessageID: 1, UserID: "u1", Icon: "like", ReactedAt: now}))
	require.NoError(t, db.Reaction.Put(ctx, &Reaction{MessageID: 1, UserID: "u1", Icon: "heart", ReactedAt: now.Add(time.Second)}))
	require.NoError(t, db.Reaction.Put(ctx, &Reaction{MessageID: 1, UserID: "u1", Icon: "sad", ReactedAt: now.Add(-time.Minute)}))

	reactions, err := db.Reaction.ListByMessage(ctx, 1)
	require.NoError(t, err)
	require.Len(t, reactions, 1)
	assert.Equal(t, "heart", reactions[0].Icon)
}

func TestConversationKeyIsUniqueAndRestorable(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	conv := &Conversation{AccountID: 1, RecipientID: "u1", RecipientType: RecipientUser}
	require.NoError(t, db.Conversation.Insert(ctx, conv))
	err := db.Conversation.Insert(ctx, &Conversation{AccountID: 1, RecipientID: "u1", RecipientType: RecipientUser})
	assert.True(t, IsUniqueViolation(err))

	require.NoError(t, db.Conversation.SoftDelete(ctx, conv.ID))
	live, err := db.Conversation.ListLive(ctx, []int64{1})
	require.NoError(t, err)
	assert.Empty(t, live)

	stored, err := db.Conversation.GetByKey(ctx, 1, "u1", RecipientUser)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.Deleted)
	require.NoError(t, db.Conversation.Restore(ctx, conv.ID))

	require.NoError(t, db.Conversation.PutUser(ctx, &ConversationUser{ConversationID: conv.ID, UserID: 42, CanView: true, CanReply: true}))
	live, err = db.Conversation.ListLive(ctx, []int64{1})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, []int64{42}, live[0].AssignedUsers)
}

func TestSyncLockCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	now := time.Now()

	ok, err := db.Sync.TryLock(ctx, 1, "sync", "owner-a", time.Minute, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.Sync.TryLock(ctx, 1, "sync", "owner-b", time.Minute, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.False(t, ok, "lock must not be stolen before expiry")

	ok, err = db.Sync.TryLock(ctx, 1, "sync", "owner-b", time.Minute, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "expired lock can be taken over")

	require.NoError(t, db.Sync.Unlock(ctx, 1, "sync", "owner-a"))
	locked, err := db.Sync.IsLocked(ctx, 1, "sync", now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, locked, "stale owner can't release")

	require.NoError(t, db.Sync.Unlock(ctx, 1, "sync", "owner-b"))
	locked, err = db.Sync.IsLocked(ctx, 1, "sync", now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestSyncProgressResetErrored(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, db.Sync.PutProgress(ctx, &SyncProgress{AccountID: 1, Track: TrackFriends, Status: SyncErrored, Error: "boom"}))
	require.NoError(t, db.Sync.PutProgress(ctx, &SyncProgress{AccountID: 1, Track: TrackGroups, Status: SyncCompleted, Current: 3, Total: 3}))
	require.NoError(t, db.Sync.ResetErrored(ctx, 1))

	progress, err := db.Sync.GetProgress(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, SyncNotStarted, progress[TrackFriends].Status)
	assert.Empty(t, progress[TrackFriends].Error)
	assert.Equal(t, SyncCompleted, progress[TrackGroups].Status)
}

func TestIdentityPutKeepsKnownName(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, db.Identity.Put(ctx, &Identity{AccountID: 1, ExternalID: "u1", Kind: RecipientUser, Name: "Alice"}))
	require.NoError(t, db.Identity.Put(ctx, &Identity{AccountID: 1, ExternalID: "u1", Kind: RecipientUser, AvatarURL: "http://a"}))
	ident, err := db.Identity.Get(ctx, 1, RecipientUser, "u1")
	require.NoError(t, err)
	require.NotNil(t, ident)
	assert.Equal(t, "Alice", ident.Name)
	assert.Equal(t, "http://a", ident.AvatarURL)

	missing, err := db.Identity.Get(ctx, 1, RecipientGroup, "u1")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
