// chatbroker - A multi-branch chat gateway message broker.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package connector is the ingestion and conversation sync engine: it turns
// gateway webhooks into stored messages, keeps conversation aggregates up to
// date and tells the realtime sink who needs to hear about it.
package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lrhodin/chatbroker/pkg/broadcast"
	"github.com/lrhodin/chatbroker/pkg/database"
	"github.com/lrhodin/chatbroker/pkg/gateway"
	"github.com/lrhodin/chatbroker/pkg/identity"
	"github.com/lrhodin/chatbroker/pkg/metrics"
	"github.com/lrhodin/chatbroker/pkg/syncprogress"
	"github.com/lrhodin/chatbroker/pkg/visibility"
)

// IdentityResolver keeps recipient and sender resolution apart on purpose:
// the sender's name must never end up on the recipient's record.
type IdentityResolver interface {
	ResolveRecipient(ctx context.Context, acc *database.Account, kind database.RecipientType, externalID string) identity.Result
	ResolveSender(ctx context.Context, acc *database.Account, groupID, senderID, hintName string) identity.Result
	IsPlaceholder(name string) bool
	Forget(acc *database.Account, kind database.RecipientType, externalID string)
}

// GatewayActions are the outbound actions operators can take.
type GatewayActions interface {
	Undo(ctx context.Context, sess gateway.Session, ref gateway.MessageRef) error
	AddReaction(ctx context.Context, sess gateway.Session, ref gateway.MessageRef, icon string) error
}

type Broadcaster interface {
	Dispatch(evt *broadcast.Event)
}

type SyncTracker interface {
	Get(ctx context.Context, accountID int64) (*syncprogress.Progress, error)
	MaybeAutoTrigger(ctx context.Context, acc *database.Account) (bool, error)
	Trigger(ctx context.Context, acc *database.Account) error
}

type Engine struct {
	DB        *database.Database
	Identity  IdentityResolver
	Gateway   GatewayActions
	Sync      SyncTracker
	Broadcast Broadcaster
	Config    *Config
	Log       zerolog.Logger
	Metrics   *metrics.Metrics

	now func() time.Time
}

func NewEngine(db *database.Database, ident IdentityResolver, gw GatewayActions, tracker SyncTracker, bc Broadcaster, cfg *Config, log zerolog.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		DB:        db,
		Identity:  ident,
		Gateway:   gw,
		Sync:      tracker,
		Broadcast: bc,
		Config:    cfg,
		Log:       log.With().Str("component", "engine").Logger(),
		Metrics:   m,
		now:       time.Now,
	}
}

// resolveAccounts returns every live account a webhook refers to. An
// external id may be shared by one account per branch.
func (e *Engine) resolveAccounts(ctx context.Context, ref AccountRef) ([]*database.Account, error) {
	if ref.ExternalID != "" {
		accounts, err := e.DB.Account.ListByExternalID(ctx, ref.ExternalID)
		if err != nil {
			return nil, fmt.Errorf("failed to get accounts: %w", err)
		} else if len(accounts) == 0 {
			return nil, fmt.Errorf("%w: no account for %s", ErrNotFound, ref.ExternalID)
		}
		return accounts, nil
	}
	acc, err := e.DB.Account.GetByID(ctx, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	} else if acc == nil {
		return nil, fmt.Errorf("%w: account %d", ErrNotFound, ref.ID)
	}
	return []*database.Account{acc}, nil
}

// authorize loads an account and checks that user may use capability on it.
func (e *Engine) authorize(ctx context.Context, user visibility.Principal, accountID int64, capability visibility.Capability) (*database.Account, error) {
	acc, err := e.DB.Account.GetByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	} else if acc == nil {
		return nil, fmt.Errorf("%w: account %d", ErrNotFound, accountID)
	}
	grants, err := e.DB.Account.ListBranchAccess(ctx, acc.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get branch access: %w", err)
	}
	if !visibility.CanView(user, acc, grants, capability) {
		return nil, fmt.Errorf("%w: %s on account %d", ErrPermissionDenied, capability, acc.ID)
	}
	return acc, nil
}

// authorizeConversation loads a live conversation and checks both the
// account capability and the per-conversation scope.
func (e *Engine) authorizeConversation(ctx context.Context, user visibility.Principal, conversationID int64, capability visibility.Capability) (*database.Account, *database.Conversation, error) {
	conv, err := e.DB.Conversation.GetByID(ctx, conversationID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get conversation: %w", err)
	} else if conv == nil || conv.Deleted {
		return nil, nil, fmt.Errorf("%w: conversation %d", ErrNotFound, conversationID)
	}
	acc, err := e.DB.Account.GetByID(ctx, conv.AccountID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get account: %w", err)
	} else if acc == nil {
		return nil, nil, fmt.Errorf("%w: account %d", ErrNotFound, conv.AccountID)
	}
	grants, err := e.DB.Account.ListBranchAccess(ctx, acc.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get branch access: %w", err)
	}
	if !visibility.CanView(user, acc, grants, capability) {
		return nil, nil, fmt.Errorf("%w: %s on account %d", ErrPermissionDenied, capability, acc.ID)
	}
	if err = e.DB.Conversation.LoadUsers(ctx, conv); err != nil {
		return nil, nil, fmt.Errorf("failed to get conversation users: %w", err)
	}
	if !visibility.ConversationVisible(user, conv) {
		return nil, nil, fmt.Errorf("%w: conversation %d", ErrPermissionDenied, conv.ID)
	}
	return acc, conv, nil
}

// fanout computes the branches that must hear about conv, looking at every
// account that shares acc's gateway identity.
func (e *Engine) fanout(ctx context.Context, acc *database.Account, conv *database.Conversation) ([]int64, error) {
	accounts := []*database.Account{acc}
	if acc.ExternalID != "" {
		shared, err := e.DB.Account.ListByExternalID(ctx, acc.ExternalID)
		if err != nil {
			return nil, err
		} else if len(shared) > 0 {
			accounts = shared
		}
	}
	ids := make([]int64, len(accounts))
	for i, a := range accounts {
		ids[i] = a.ID
	}
	grants, err := e.DB.Account.ListBranchAccess(ctx, ids...)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		conv = &database.Conversation{AccountID: acc.ID}
	}
	return visibility.FanoutBranches(conv, accounts, grants), nil
}

// broadcast never fails: the sink is best effort and dispatch is queued.
func (e *Engine) broadcast(ctx context.Context, acc *database.Account, conv *database.Conversation, name broadcast.EventName, data map[string]any) {
	if e.Broadcast == nil {
		return
	}
	branches, err := e.fanout(ctx, acc, conv)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Int64("account_id", acc.ID).Msg("Failed to compute broadcast fan-out")
	}
	data["account_id"] = acc.ID
	data["branch_ids"] = branches
	e.Broadcast.Dispatch(&broadcast.Event{Name: name, AccountID: acc.ID, Data: data})
}

func (e *Engine) broadcastConversation(ctx context.Context, acc *database.Account, conv *database.Conversation) {
	e.broadcast(ctx, acc, conv, broadcast.EventConversationUpdated, map[string]any{
		"conversation": NewConversationView(conv),
	})
}
