// chatbroker - A multi-branch chat gateway message broker.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package identity resolves display names and avatars of friends, groups and
// group members, asking the gateway only when the local store can't answer.
package identity

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/lrhodin/chatbroker/pkg/database"
	"github.com/lrhodin/chatbroker/pkg/gateway"
	"github.com/lrhodin/chatbroker/pkg/metrics"
)

// Gateway is the part of the gateway client the resolver needs.
type Gateway interface {
	ListFriends(ctx context.Context, sess gateway.Session, offset, limit int) ([]gateway.Friend, *gateway.Pagination, error)
	ListGroups(ctx context.Context, sess gateway.Session, offset, limit int) ([]gateway.Group, *gateway.Pagination, error)
	ListGroupMembers(ctx context.Context, sess gateway.Session, groupID string) ([]gateway.Member, error)
	GetUserInfo(ctx context.Context, sess gateway.Session, userID string) (*gateway.Friend, error)
	GetGroupInfo(ctx context.Context, sess gateway.Session, groupID string) (*gateway.Group, error)
}

type Outcome int

const (
	OutcomeNotFound Outcome = iota
	OutcomeFound
	// OutcomeStale means a usable but expired answer; the cascade continues
	// and falls back to it if nothing better turns up.
	OutcomeStale
	OutcomeFailed
)

type Result struct {
	Name        string
	AvatarURL   string
	Source      string
	Placeholder bool
}

// Query is what a strategy is asked to resolve. GroupID is only set for
// group member lookups.
type Query struct {
	Account    *database.Account
	Kind       database.RecipientType
	ExternalID string
	GroupID    string
	HintName   string
}

func (q Query) session() gateway.Session {
	return gateway.Session{AccountID: q.Account.ID, ExternalID: q.Account.ExternalID}
}

func (q Query) cacheKey() cacheKey {
	return cacheKey{accountID: q.Account.ID, kind: q.Kind, scope: q.GroupID, id: q.ExternalID}
}

type Strategy interface {
	Name() string
	Resolve(ctx context.Context, q Query) (Result, Outcome, error)
}

// NameParams feeds the display name template.
type NameParams struct {
	ID    string
	Name  string
	Alias string
}

type Config struct {
	Placeholder     string
	CacheTTL        time.Duration
	RefreshCooldown time.Duration
	// ListingLockTTL bounds how long one listing refresh may hold the
	// listing lock and run detached from the caller.
	ListingLockTTL  time.Duration
	PageSize        int
	LookupRPS       float64
	LookupBurst     int
	FormatName      func(NameParams) string
}

type Resolver struct {
	DB      *database.Database
	Gateway Gateway
	Config  Config
	Log     zerolog.Logger
	Metrics *metrics.Metrics

	cache    *successCache
	limiters *limiterPool
	flight   singleflight.Group
	now      func() time.Time

	recipientStrategies []Strategy
	memberStrategies    []Strategy
}

func NewResolver(db *database.Database, gw Gateway, cfg Config, log zerolog.Logger, m *metrics.Metrics) *Resolver {
	if cfg.Placeholder == "" {
		cfg.Placeholder = "Unknown"
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 7 * 24 * time.Hour
	}
	if cfg.RefreshCooldown <= 0 {
		cfg.RefreshCooldown = time.Minute
	}
	if cfg.ListingLockTTL <= 0 {
		cfg.ListingLockTTL = 5 * time.Minute
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.FormatName == nil {
		cfg.FormatName = defaultFormatName
	}
	r := &Resolver{
		DB:       db,
		Gateway:  gw,
		Config:   cfg,
		Log:      log.With().Str("component", "identity").Logger(),
		Metrics:  m,
		cache:    newSuccessCache(cfg.CacheTTL),
		limiters: newLimiterPool(cfg.LookupRPS, cfg.LookupBurst),
		now:      time.Now,
	}
	r.recipientStrategies = []Strategy{
		&localStrategy{r},
		&listingRefreshStrategy{r},
		&targetedLookupStrategy{r},
	}
	r.memberStrategies = []Strategy{
		&localMemberStrategy{r},
		&hintStrategy{r},
		&memberRefreshStrategy{r},
		&targetedLookupStrategy{r},
	}
	return r
}

func defaultFormatName(p NameParams) string {
	if p.Alias != "" {
		return p.Alias
	}
	return p.Name
}

// IsPlaceholder reports whether name carries no real information.
func (r *Resolver) IsPlaceholder(name string) bool {
	name = strings.TrimSpace(name)
	return name == "" || name == r.Config.Placeholder
}

// ResolveRecipient resolves the counterpart of a conversation: a friend for
// user conversations, the group itself for group conversations. It never
// looks at names carried by the event, those describe the sender.
func (r *Resolver) ResolveRecipient(ctx context.Context, acc *database.Account, kind database.RecipientType, externalID string) Result {
	return r.resolve(ctx, Query{Account: acc, Kind: kind, ExternalID: externalID}, r.recipientStrategies)
}

// ResolveSender resolves the author of a group message. hintName is the
// display name the event carried, if any.
func (r *Resolver) ResolveSender(ctx context.Context, acc *database.Account, groupID, senderID, hintName string) Result {
	return r.resolve(ctx, Query{
		Account:    acc,
		Kind:       database.RecipientUser,
		ExternalID: senderID,
		GroupID:    groupID,
		HintName:   strings.TrimSpace(hintName),
	}, r.memberStrategies)
}

func (r *Resolver) resolve(ctx context.Context, q Query, strategies []Strategy) Result {
	log := r.Log.With().
		Int64("account_id", q.Account.ID).
		Str("kind", string(q.Kind)).
		Str("external_id", q.ExternalID).
		Logger()
	if cached, ok := r.cache.get(q.cacheKey()); ok {
		cached.Source = "cache"
		r.count(q, cached.Source)
		return cached
	}
	var stale *Result
	for _, strategy := range strategies {
		res, outcome, err := strategy.Resolve(ctx, q)
		switch outcome {
		case OutcomeFound:
			res.Source = strategy.Name()
			r.cache.put(q.cacheKey(), res)
			r.count(q, res.Source)
			return res
		case OutcomeStale:
			res.Source = strategy.Name()
			stale = &res
		case OutcomeFailed:
			log.Warn().Err(err).Str("strategy", strategy.Name()).Msg("Identity strategy failed")
		}
		if ctx.Err() != nil {
			break
		}
	}
	if stale != nil {
		r.count(q, "stale")
		return *stale
	}
	r.count(q, "placeholder")
	log.Debug().Msg("Identity unresolved, using placeholder")
	return Result{Name: r.Config.Placeholder, Source: "placeholder", Placeholder: true}
}

// Forget drops a cached resolution so the next lookup goes to the store.
func (r *Resolver) Forget(acc *database.Account, kind database.RecipientType, externalID string) {
	r.cache.forget(Query{Account: acc, Kind: kind, ExternalID: externalID}.cacheKey())
}

func (r *Resolver) count(q Query, source string) {
	if r.Metrics == nil {
		return
	}
	kind := string(q.Kind)
	if q.GroupID != "" {
		kind = "member"
	}
	r.Metrics.IdentityResolutions.WithLabelValues(kind, source).Inc()
}
