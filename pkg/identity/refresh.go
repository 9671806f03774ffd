package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lrhodin/chatbroker/pkg/database"
	"github.com/lrhodin/chatbroker/pkg/gateway"
)

// maxListingOffset stops a misbehaving gateway from paging forever.
const maxListingOffset = 100_000

// TrackFor maps a recipient kind to the listing that contains it.
func TrackFor(kind database.RecipientType) database.SyncTrack {
	if kind == database.RecipientGroup {
		return database.TrackGroups
	}
	return database.TrackFriends
}

// ListingLockName is the lock held while one listing of an account is being
// paged, by lazy refreshes and background syncs alike.
func ListingLockName(track database.SyncTrack) string {
	return "listing:" + string(track)
}

// ErrListingBusy is returned when the same listing is already being paged.
var ErrListingBusy = errors.New("listing refresh already running")

// ProgressFunc receives the number of stored entries and the listing size
// the gateway reported, which may be zero if unknown.
type ProgressFunc func(current, total int)

// RefreshListing downloads the full friend or group listing of an account
// and stores it. It returns the number of entries stored.
func (r *Resolver) RefreshListing(ctx context.Context, acc *database.Account, kind database.RecipientType, progress ProgressFunc) (int, error) {
	track := TrackFor(kind)
	log := r.Log.With().Int64("account_id", acc.ID).Str("track", string(track)).Logger()
	owner := uuid.NewString()
	acquired, err := r.DB.Sync.TryLock(ctx, acc.ID, ListingLockName(track), owner, r.Config.ListingLockTTL, r.now())
	if err != nil {
		return 0, fmt.Errorf("failed to take listing lock: %w", err)
	} else if !acquired {
		return 0, ErrListingBusy
	}
	defer func() {
		if err := r.DB.Sync.Unlock(context.WithoutCancel(ctx), acc.ID, ListingLockName(track), owner); err != nil {
			log.Warn().Err(err).Msg("Failed to release listing lock")
		}
	}()
	sess := gateway.Session{AccountID: acc.ID, ExternalID: acc.ExternalID}
	offset, stored := 0, 0
	for offset <= maxListingOffset {
		var batch []*database.Identity
		var page *gateway.Pagination
		now := r.now()
		if kind == database.RecipientGroup {
			groups, p, err := r.Gateway.ListGroups(ctx, sess, offset, r.Config.PageSize)
			if err != nil {
				return stored, fmt.Errorf("failed to list groups at offset %d: %w", offset, err)
			}
			page = p
			for _, g := range groups {
				batch = append(batch, &database.Identity{
					AccountID: acc.ID, ExternalID: g.GroupID, Kind: database.RecipientGroup,
					Name:      r.Config.FormatName(NameParams{ID: g.GroupID, Name: g.Name}),
					AvatarURL: g.Avatar, MemberCount: g.TotalMember, ResolvedAt: &now,
				})
			}
		} else {
			friends, p, err := r.Gateway.ListFriends(ctx, sess, offset, r.Config.PageSize)
			if err != nil {
				return stored, fmt.Errorf("failed to list friends at offset %d: %w", offset, err)
			}
			page = p
			for _, f := range friends {
				batch = append(batch, &database.Identity{
					AccountID: acc.ID, ExternalID: f.UserID, Kind: database.RecipientUser,
					Name:      r.Config.FormatName(NameParams{ID: f.UserID, Name: f.ZaloName, Alias: f.DisplayName}),
					AvatarURL: f.Avatar, ResolvedAt: &now,
				})
			}
		}
		if err := r.DB.Identity.PutBatch(ctx, batch); err != nil {
			return stored, fmt.Errorf("failed to store listing page: %w", err)
		}
		for _, ident := range batch {
			r.cache.forget(Query{Account: acc, Kind: kind, ExternalID: ident.ExternalID}.cacheKey())
		}
		stored += len(batch)
		total := page.Total
		if total < stored {
			total = stored
		}
		if progress != nil {
			progress(stored, total)
		}
		if !page.HasMore || len(batch) == 0 {
			break
		}
		offset = page.NextOffset
	}
	log.Debug().Int("stored", stored).Msg("Identity listing refreshed")
	return stored, nil
}

// RefreshMembers stores the member list of one group.
func (r *Resolver) RefreshMembers(ctx context.Context, acc *database.Account, groupID string) error {
	members, err := r.Gateway.ListGroupMembers(ctx, gateway.Session{AccountID: acc.ID, ExternalID: acc.ExternalID}, groupID)
	if err != nil {
		return fmt.Errorf("failed to list members of %s: %w", groupID, err)
	}
	for _, m := range members {
		name := r.Config.FormatName(NameParams{ID: m.UserID, Alias: m.DisplayName})
		if err = r.DB.Identity.PutMember(ctx, &database.GroupMember{
			AccountID: acc.ID, GroupID: groupID, UserID: m.UserID, Name: name, AvatarURL: m.Avatar,
		}); err != nil {
			return fmt.Errorf("failed to store member %s: %w", m.UserID, err)
		}
	}
	return nil
}
