package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog"

	"github.com/lrhodin/chatbroker/pkg/database"
)

const defaultRepairCron = "0 */6 * * *"

type RepairReport struct {
	IdentitiesChecked    int `json:"identities_checked"`
	IdentitiesFixed      int `json:"identities_fixed"`
	ConversationsRenamed int `json:"conversations_renamed"`
	OrphansRelinked      int `json:"orphans_relinked"`
}

// FixUnknownNames retries every identity and conversation that is still
// showing the placeholder name, bypassing the resolution cache.
func (e *Engine) FixUnknownNames(ctx context.Context) (*RepairReport, error) {
	log := zerolog.Ctx(ctx)
	accounts, err := e.DB.Account.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	placeholder := e.Config.Identity.Placeholder
	report := &RepairReport{}
	for _, acc := range accounts {
		for _, kind := range []database.RecipientType{database.RecipientUser, database.RecipientGroup} {
			ids, err := e.DB.Identity.ListUnresolved(ctx, acc.ID, kind, placeholder)
			if err != nil {
				return report, fmt.Errorf("failed to list unresolved %ss of account %d: %w", kind, acc.ID, err)
			}
			for _, id := range ids {
				report.IdentitiesChecked++
				e.Identity.Forget(acc, kind, id)
				if res := e.Identity.ResolveRecipient(ctx, acc, kind, id); !res.Placeholder {
					report.IdentitiesFixed++
				}
			}
		}
		convs, err := e.DB.Conversation.ListLive(ctx, []int64{acc.ID})
		if err != nil {
			return report, fmt.Errorf("failed to list conversations of account %d: %w", acc.ID, err)
		}
		for _, conv := range convs {
			if conv.RecipientName != "" && !e.Identity.IsPlaceholder(conv.RecipientName) {
				continue
			}
			res := e.Identity.ResolveRecipient(ctx, acc, conv.RecipientType, conv.RecipientID)
			if res.Placeholder {
				continue
			}
			if err = e.DB.Conversation.UpdateRecipient(ctx, conv.ID, res.Name, res.AvatarURL); err != nil {
				return report, fmt.Errorf("failed to rename conversation %d: %w", conv.ID, err)
			}
			conv.RecipientName = res.Name
			conv.RecipientAvatarURL = res.AvatarURL
			report.ConversationsRenamed++
			e.broadcastConversation(ctx, acc, conv)
		}
	}
	log.Info().
		Int("checked", report.IdentitiesChecked).
		Int("fixed", report.IdentitiesFixed).
		Int("renamed", report.ConversationsRenamed).
		Msg("Finished fixing unknown names")
	return report, nil
}

// RelinkOrphans attaches messages that were stored without a conversation,
// which happens when the aggregate step failed after the insert. Orphans
// never replace an existing last message preview.
func (e *Engine) RelinkOrphans(ctx context.Context, limit int) (*RepairReport, error) {
	orphans, err := e.DB.Message.ListOrphans(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphaned messages: %w", err)
	}
	report := &RepairReport{}
	accounts := make(map[int64]*database.Account)
	for _, msg := range orphans {
		acc, ok := accounts[msg.AccountID]
		if !ok {
			acc, err = e.DB.Account.GetByID(ctx, msg.AccountID)
			if err != nil {
				return report, fmt.Errorf("failed to get account %d: %w", msg.AccountID, err)
			}
			accounts[msg.AccountID] = acc
		}
		if acc == nil {
			continue
		}
		recipient := e.Identity.ResolveRecipient(ctx, acc, msg.RecipientType, msg.RecipientID)
		conv, err := e.ensureConversation(ctx, acc, msg.RecipientID, msg.RecipientType, recipient)
		if err != nil {
			return report, err
		}
		if err = e.DB.Message.SetConversation(ctx, msg.ID, conv.ID); err != nil {
			return report, fmt.Errorf("failed to link message %d: %w", msg.ID, err)
		}
		if conv.LastMessageID == nil {
			at := msg.SortTime()
			if at.IsZero() {
				at = e.now()
			}
			if err = e.DB.Conversation.SetLastMessage(ctx, conv.ID, msg.ID, e.Preview(msg), at); err != nil {
				return report, fmt.Errorf("failed to update last message: %w", err)
			}
		}
		if conv, err = e.reconcileUnread(ctx, conv.ID); err != nil {
			return report, err
		}
		report.OrphansRelinked++
		e.broadcastConversation(ctx, acc, conv)
	}
	if report.OrphansRelinked > 0 {
		zerolog.Ctx(ctx).Info().Int("relinked", report.OrphansRelinked).Msg("Relinked orphaned messages")
	}
	return report, nil
}

// Repair runs every maintenance job once.
func (e *Engine) Repair(ctx context.Context) (*RepairReport, error) {
	report, err := e.FixUnknownNames(ctx)
	if err != nil {
		return report, err
	}
	relinked, err := e.RelinkOrphans(ctx, 500)
	if relinked != nil {
		report.OrphansRelinked = relinked.OrphansRelinked
	}
	return report, err
}

// StartRepairScheduler runs Repair on the cron schedule until ctx is done.
func (e *Engine) StartRepairScheduler(ctx context.Context, cronExpr string) error {
	if cronExpr == "" {
		cronExpr = defaultRepairCron
	}
	if !gronx.IsValid(cronExpr) {
		return fmt.Errorf("%w: invalid repair cron expression %q", ErrValidation, cronExpr)
	}
	log := e.Log.With().Str("component", "repair_scheduler").Str("cron", cronExpr).Logger()
	go e.runRepairScheduler(log.WithContext(ctx), cronExpr)
	log.Info().Msg("Repair scheduler started")
	return nil
}

func (e *Engine) runRepairScheduler(ctx context.Context, cronExpr string) {
	log := zerolog.Ctx(ctx)
	for {
		next, err := gronx.NextTickAfter(cronExpr, e.now().UTC(), false)
		var wait time.Duration
		if err != nil {
			log.Err(err).Msg("Failed to compute next repair run")
			wait = 30 * time.Second
		} else {
			wait = time.Until(next)
		}
		select {
		case <-ctx.Done():
			log.Debug().Msg("Repair scheduler stopping")
			return
		case <-time.After(wait):
		}
		if err != nil {
			continue
		}
		if _, err = e.Repair(ctx); err != nil {
			log.Err(err).Msg("Scheduled repair failed")
		}
	}
}
