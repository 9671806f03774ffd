package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.mau.fi/util/dbutil"
)

type Connectivity string

const (
	ConnectivityConnected    Connectivity = "connected"
	ConnectivityDisconnected Connectivity = "disconnected"
	ConnectivityExpired      Connectivity = "expired"
)

type Account struct {
	ID           int64
	ExternalID   string
	Name         string
	HomeBranchID *int64
	Connectivity Connectivity
	Deleted      bool
	CreatedAt    time.Time
}

type BranchRole string

const (
	RoleOwner  BranchRole = "owner"
	RoleShared BranchRole = "shared"
)

// BranchAccess grants a branch capabilities on an account it does not own.
type BranchAccess struct {
	AccountID            int64
	BranchID             int64
	Role                 BranchRole
	CanSendMessage       bool
	ViewAllFriends       bool
	ViewAllGroups        bool
	ViewAllConversations bool
}

type AccountQuery struct {
	db *dbutil.Database
}

const accountColumns = `id, external_id, name, home_branch_id, connectivity, deleted, created_ts`

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var acc Account
	var homeBranch sql.NullInt64
	var createdMS int64
	err := row.Scan(&acc.ID, &acc.ExternalID, &acc.Name, &homeBranch, &acc.Connectivity, &acc.Deleted, &createdMS)
	if err != nil {
		return nil, err
	}
	acc.HomeBranchID = int64FromNull(homeBranch)
	acc.CreatedAt = time.UnixMilli(createdMS)
	return &acc, nil
}

func (q *AccountQuery) Insert(ctx context.Context, acc *Account) error {
	now := nowMS()
	if acc.Connectivity == "" {
		acc.Connectivity = ConnectivityDisconnected
	}
	err := q.db.QueryRow(ctx, `
		INSERT INTO account (external_id, name, home_branch_id, connectivity, deleted, created_ts, updated_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING id
	`, acc.ExternalID, acc.Name, nullableInt64(acc.HomeBranchID), acc.Connectivity, acc.Deleted, now).Scan(&acc.ID)
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	acc.CreatedAt = time.UnixMilli(now)
	return nil
}

// GetByID returns nil without an error if the account doesn't exist or was deleted.
func (q *AccountQuery) GetByID(ctx context.Context, id int64) (*Account, error) {
	acc, err := scanAccount(q.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM account WHERE id=$1 AND deleted=FALSE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return acc, err
}

// ListByExternalID returns every live account bound to the same gateway identity.
// In multi-branch setups several branches each hold their own account row for
// one physical gateway session.
func (q *AccountQuery) ListByExternalID(ctx context.Context, externalID string) ([]*Account, error) {
	return q.list(ctx, `SELECT `+accountColumns+` FROM account WHERE external_id=$1 AND deleted=FALSE ORDER BY id`, externalID)
}

func (q *AccountQuery) ListAll(ctx context.Context) ([]*Account, error) {
	return q.list(ctx, `SELECT `+accountColumns+` FROM account WHERE deleted=FALSE ORDER BY id`)
}

func (q *AccountQuery) list(ctx context.Context, query string, args ...any) ([]*Account, error) {
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

func (q *AccountQuery) SetConnectivity(ctx context.Context, id int64, state Connectivity) error {
	_, err := q.db.Exec(ctx,
		`UPDATE account SET connectivity=$1, updated_ts=$2 WHERE id=$3`,
		state, nowMS(), id,
	)
	return err
}

func (q *AccountQuery) MarkDeleted(ctx context.Context, id int64) error {
	_, err := q.db.Exec(ctx, `UPDATE account SET deleted=TRUE, updated_ts=$1 WHERE id=$2`, nowMS(), id)
	return err
}

// PutBranchAccess creates or replaces the access row for (account, branch).
func (q *AccountQuery) PutBranchAccess(ctx context.Context, access *BranchAccess) error {
	if access.Role == "" {
		access.Role = RoleShared
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO branch_access (
			account_id, branch_id, role, can_send_message, view_all_friends,
			view_all_groups, view_all_conversations, created_ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (account_id, branch_id) DO UPDATE SET
			role=excluded.role,
			can_send_message=excluded.can_send_message,
			view_all_friends=excluded.view_all_friends,
			view_all_groups=excluded.view_all_groups,
			view_all_conversations=excluded.view_all_conversations
	`, access.AccountID, access.BranchID, access.Role, access.CanSendMessage, access.ViewAllFriends,
		access.ViewAllGroups, access.ViewAllConversations, nowMS())
	return err
}

func (q *AccountQuery) DeleteBranchAccess(ctx context.Context, accountID, branchID int64) error {
	_, err := q.db.Exec(ctx, `DELETE FROM branch_access WHERE account_id=$1 AND branch_id=$2`, accountID, branchID)
	return err
}

// ListBranchAccess returns the explicit access rows for the given accounts.
func (q *AccountQuery) ListBranchAccess(ctx context.Context, accountIDs ...int64) ([]*BranchAccess, error) {
	var out []*BranchAccess
	for _, chunk := range chunkInt64s(accountIDs) {
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		rows, err := q.db.Query(ctx, `
			SELECT account_id, branch_id, role, can_send_message, view_all_friends, view_all_groups, view_all_conversations
			FROM branch_access WHERE account_id IN (`+placeholders(1, len(chunk))+`)
			ORDER BY account_id, branch_id
		`, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var ba BranchAccess
			if err = rows.Scan(&ba.AccountID, &ba.BranchID, &ba.Role, &ba.CanSendMessage,
				&ba.ViewAllFriends, &ba.ViewAllGroups, &ba.ViewAllConversations); err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, &ba)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
