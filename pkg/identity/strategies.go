package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lrhodin/chatbroker/pkg/database"
	"github.com/lrhodin/chatbroker/pkg/gateway"
)

type localStrategy struct{ r *Resolver }

func (s *localStrategy) Name() string { return "local" }

func (s *localStrategy) Resolve(ctx context.Context, q Query) (Result, Outcome, error) {
	ident, err := s.r.DB.Identity.Get(ctx, q.Account.ID, q.Kind, q.ExternalID)
	if err != nil {
		return Result{}, OutcomeFailed, fmt.Errorf("failed to read local identity: %w", err)
	} else if ident == nil || s.r.IsPlaceholder(ident.Name) {
		return Result{}, OutcomeNotFound, nil
	}
	res := Result{Name: ident.Name, AvatarURL: ident.AvatarURL}
	if ident.ResolvedAt != nil && s.r.now().Sub(*ident.ResolvedAt) > s.r.Config.CacheTTL {
		return res, OutcomeStale, nil
	}
	return res, OutcomeFound, nil
}

// listingRefreshStrategy pulls the whole friend or group list, at most once
// per cooldown window per account across all processes, then reads the
// store again.
type listingRefreshStrategy struct{ r *Resolver }

func (s *listingRefreshStrategy) Name() string { return "refresh" }

func (s *listingRefreshStrategy) Resolve(ctx context.Context, q Query) (Result, Outcome, error) {
	lockName := "identity-refresh:" + string(TrackFor(q.Kind))
	key := fmt.Sprintf("%d/%s", q.Account.ID, lockName)
	// The shared refresh outlives any single waiter; a cancelled caller
	// stops waiting but the others still get the result.
	flight := s.r.flight.DoChan(key, func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.r.Config.ListingLockTTL)
		defer cancel()
		acquired, err := s.r.DB.Sync.TryLock(flightCtx, q.Account.ID, lockName, uuid.NewString(), s.r.Config.RefreshCooldown, s.r.now())
		if err != nil {
			return nil, fmt.Errorf("failed to take refresh cooldown lock: %w", err)
		} else if !acquired {
			return nil, errCooldown
		}
		_, err = s.r.RefreshListing(flightCtx, q.Account, q.Kind, nil)
		return nil, err
	})
	var err error
	select {
	case res := <-flight:
		err = res.Err
	case <-ctx.Done():
		return Result{}, OutcomeFailed, ctx.Err()
	}
	if errors.Is(err, errCooldown) || errors.Is(err, ErrListingBusy) {
		return Result{}, OutcomeNotFound, nil
	} else if err != nil {
		return Result{}, OutcomeFailed, err
	}
	return (&localStrategy{s.r}).Resolve(ctx, q)
}

var errCooldown = errors.New("refresh cooling down")

// targetedLookupStrategy asks the gateway about a single id, rate limited
// per account.
type targetedLookupStrategy struct{ r *Resolver }

func (s *targetedLookupStrategy) Name() string { return "lookup" }

func (s *targetedLookupStrategy) Resolve(ctx context.Context, q Query) (Result, Outcome, error) {
	if !s.r.limiters.Allow(q.Account.ID) {
		s.r.Log.Debug().Int64("account_id", q.Account.ID).Msg("Targeted lookup rate limited")
		return Result{}, OutcomeNotFound, nil
	}
	var res Result
	if q.Kind == database.RecipientGroup && q.GroupID == "" {
		info, err := s.r.Gateway.GetGroupInfo(ctx, q.session(), q.ExternalID)
		if errors.Is(err, gateway.ErrNotFound) {
			return Result{}, OutcomeNotFound, nil
		} else if err != nil {
			return Result{}, OutcomeFailed, err
		}
		res = Result{Name: s.r.Config.FormatName(NameParams{ID: q.ExternalID, Name: info.Name}), AvatarURL: info.Avatar}
		if s.r.IsPlaceholder(res.Name) {
			return Result{}, OutcomeNotFound, nil
		}
		now := s.r.now()
		err = s.r.DB.Identity.Put(ctx, &database.Identity{
			AccountID: q.Account.ID, ExternalID: q.ExternalID, Kind: database.RecipientGroup,
			Name: res.Name, AvatarURL: res.AvatarURL, MemberCount: info.TotalMember, ResolvedAt: &now,
		})
		return res, OutcomeFound, persistWarning(s.r, err)
	}

	info, err := s.r.Gateway.GetUserInfo(ctx, q.session(), q.ExternalID)
	if errors.Is(err, gateway.ErrNotFound) {
		return Result{}, OutcomeNotFound, nil
	} else if err != nil {
		return Result{}, OutcomeFailed, err
	}
	res = Result{
		Name:      s.r.Config.FormatName(NameParams{ID: q.ExternalID, Name: info.ZaloName, Alias: info.DisplayName}),
		AvatarURL: info.Avatar,
	}
	if s.r.IsPlaceholder(res.Name) {
		return Result{}, OutcomeNotFound, nil
	}
	if q.GroupID != "" {
		err = s.r.DB.Identity.PutMember(ctx, &database.GroupMember{
			AccountID: q.Account.ID, GroupID: q.GroupID, UserID: q.ExternalID, Name: res.Name, AvatarURL: res.AvatarURL,
		})
	} else {
		now := s.r.now()
		err = s.r.DB.Identity.Put(ctx, &database.Identity{
			AccountID: q.Account.ID, ExternalID: q.ExternalID, Kind: database.RecipientUser,
			Name: res.Name, AvatarURL: res.AvatarURL, ResolvedAt: &now,
		})
	}
	return res, OutcomeFound, persistWarning(s.r, err)
}

// persistWarning logs a failed write of a resolved identity. The answer is
// still good, so the strategy reports success.
func persistWarning(r *Resolver, err error) error {
	if err != nil {
		r.Log.Warn().Err(err).Msg("Failed to persist resolved identity")
	}
	return nil
}

type localMemberStrategy struct{ r *Resolver }

func (s *localMemberStrategy) Name() string { return "local" }

func (s *localMemberStrategy) Resolve(ctx context.Context, q Query) (Result, Outcome, error) {
	member, err := s.r.DB.Identity.GetMember(ctx, q.Account.ID, q.GroupID, q.ExternalID)
	if err != nil {
		return Result{}, OutcomeFailed, fmt.Errorf("failed to read group member: %w", err)
	} else if member == nil || s.r.IsPlaceholder(member.Name) {
		return Result{}, OutcomeNotFound, nil
	}
	return Result{Name: member.Name, AvatarURL: member.AvatarURL}, OutcomeFound, nil
}

// hintStrategy trusts the sender name carried by the event itself and stores
// it, which saves a member list refresh.
type hintStrategy struct{ r *Resolver }

func (s *hintStrategy) Name() string { return "event" }

func (s *hintStrategy) Resolve(ctx context.Context, q Query) (Result, Outcome, error) {
	if s.r.IsPlaceholder(q.HintName) {
		return Result{}, OutcomeNotFound, nil
	}
	err := s.r.DB.Identity.PutMember(ctx, &database.GroupMember{
		AccountID: q.Account.ID, GroupID: q.GroupID, UserID: q.ExternalID, Name: q.HintName,
	})
	return Result{Name: q.HintName}, OutcomeFound, persistWarning(s.r, err)
}

type memberRefreshStrategy struct{ r *Resolver }

func (s *memberRefreshStrategy) Name() string { return "refresh" }

func (s *memberRefreshStrategy) Resolve(ctx context.Context, q Query) (Result, Outcome, error) {
	lockName := "identity-refresh:members:" + q.GroupID
	key := fmt.Sprintf("%d/%s", q.Account.ID, lockName)
	_, err, _ := s.r.flight.Do(key, func() (any, error) {
		acquired, err := s.r.DB.Sync.TryLock(ctx, q.Account.ID, lockName, uuid.NewString(), s.r.Config.RefreshCooldown, s.r.now())
		if err != nil {
			return nil, fmt.Errorf("failed to take refresh cooldown lock: %w", err)
		} else if !acquired {
			return nil, errCooldown
		}
		return nil, s.r.RefreshMembers(ctx, q.Account, q.GroupID)
	})
	if errors.Is(err, errCooldown) {
		return Result{}, OutcomeNotFound, nil
	} else if err != nil {
		return Result{}, OutcomeFailed, err
	}
	return (&localMemberStrategy{s.r}).Resolve(ctx, q)
}
