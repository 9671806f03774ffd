package connector

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lrhodin/chatbroker/pkg/database"
)

// applySession records the gateway session state. A fresh connection is
// also the moment the first listing sync gets kicked off.
func (e *Engine) applySession(ctx context.Context, acc *database.Account, evt *SessionEvent) (*Result, error) {
	res := &Result{AccountID: acc.ID}
	if acc.Connectivity != evt.Status {
		if err := e.DB.Account.SetConnectivity(ctx, acc.ID, evt.Status); err != nil {
			return res, fmt.Errorf("failed to update connectivity: %w", err)
		}
		zerolog.Ctx(ctx).Info().
			Str("old_status", string(acc.Connectivity)).
			Str("new_status", string(evt.Status)).
			Msg("Account connectivity changed")
		acc.Connectivity = evt.Status
		res.Applied = true
	}
	if evt.Status == database.ConnectivityConnected && e.Config.Sync.AutoTrigger && e.Sync != nil {
		if _, err := e.Sync.MaybeAutoTrigger(ctx, acc); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to auto-trigger sync")
		}
	}
	return res, nil
}

// requestSync handles the gateway's own "history is ready" signal. It never
// bypasses an errored track; that still needs a manual trigger.
func (e *Engine) requestSync(ctx context.Context, acc *database.Account) (*Result, error) {
	res := &Result{AccountID: acc.ID}
	if e.Sync == nil {
		return res, nil
	}
	started, err := e.Sync.MaybeAutoTrigger(ctx, acc)
	if err != nil {
		return res, fmt.Errorf("failed to trigger sync: %w", err)
	}
	res.Applied = started
	return res, nil
}
