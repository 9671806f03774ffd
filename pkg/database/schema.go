package database

import (
	"context"
	"fmt"
)

func (db *Database) ensureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS account (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			external_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			home_branch_id BIGINT,
			connectivity TEXT NOT NULL DEFAULT 'disconnected',
			deleted BOOLEAN NOT NULL DEFAULT FALSE,
			created_ts BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS branch_access (
			account_id BIGINT NOT NULL,
			branch_id BIGINT NOT NULL,
			role TEXT NOT NULL DEFAULT 'shared',
			can_send_message BOOLEAN NOT NULL DEFAULT FALSE,
			view_all_friends BOOLEAN NOT NULL DEFAULT FALSE,
			view_all_groups BOOLEAN NOT NULL DEFAULT FALSE,
			view_all_conversations BOOLEAN NOT NULL DEFAULT FALSE,
			created_ts BIGINT NOT NULL,
			PRIMARY KEY (account_id, branch_id)
		)`,
		`CREATE TABLE IF NOT EXISTS friend (
			account_id BIGINT NOT NULL,
			external_user_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			avatar_url TEXT NOT NULL DEFAULT '',
			resolved_ts BIGINT,
			updated_ts BIGINT NOT NULL,
			PRIMARY KEY (account_id, external_user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS chat_group (
			account_id BIGINT NOT NULL,
			external_group_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			avatar_url TEXT NOT NULL DEFAULT '',
			member_count INTEGER NOT NULL DEFAULT 0,
			resolved_ts BIGINT,
			updated_ts BIGINT NOT NULL,
			PRIMARY KEY (account_id, external_group_id)
		)`,
		`CREATE TABLE IF NOT EXISTS group_member (
			account_id BIGINT NOT NULL,
			external_group_id TEXT NOT NULL,
			external_user_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			avatar_url TEXT NOT NULL DEFAULT '',
			updated_ts BIGINT NOT NULL,
			PRIMARY KEY (account_id, external_group_id, external_user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS conversation (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id BIGINT NOT NULL,
			recipient_id TEXT NOT NULL,
			recipient_type TEXT NOT NULL,
			recipient_name TEXT NOT NULL DEFAULT '',
			recipient_avatar_url TEXT NOT NULL DEFAULT '',
			assigned_branch_id BIGINT,
			created_by BIGINT,
			last_message_id BIGINT,
			last_message_preview TEXT NOT NULL DEFAULT '',
			last_message_ts BIGINT,
			unread_count INTEGER NOT NULL DEFAULT 0,
			deleted BOOLEAN NOT NULL DEFAULT FALSE,
			deleted_ts BIGINT,
			created_ts BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL,
			UNIQUE (account_id, recipient_id, recipient_type)
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_user (
			conversation_id BIGINT NOT NULL,
			user_id BIGINT NOT NULL,
			can_view BOOLEAN NOT NULL DEFAULT TRUE,
			can_reply BOOLEAN NOT NULL DEFAULT TRUE,
			assigned_by BIGINT,
			note TEXT NOT NULL DEFAULT '',
			assigned_ts BIGINT NOT NULL,
			PRIMARY KEY (conversation_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS message (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id BIGINT NOT NULL,
			conversation_id BIGINT,
			recipient_id TEXT NOT NULL,
			recipient_type TEXT NOT NULL,
			recipient_name TEXT NOT NULL DEFAULT '',
			sender_id TEXT NOT NULL DEFAULT '',
			sender_name TEXT NOT NULL DEFAULT '',
			external_id TEXT,
			client_id TEXT,
			direction TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			content_type TEXT NOT NULL DEFAULT 'text',
			reply_to_message_id BIGINT,
			quote_json TEXT,
			metadata_json TEXT,
			sent_by_user_id BIGINT,
			sent_ts BIGINT,
			delivered_ts BIGINT,
			read_ts BIGINT,
			recalled BOOLEAN NOT NULL DEFAULT FALSE,
			recalled_ts BIGINT,
			created_ts BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS message_alias (
			account_id BIGINT NOT NULL,
			alias_id TEXT NOT NULL,
			message_id BIGINT NOT NULL,
			PRIMARY KEY (account_id, alias_id)
		)`,
		`CREATE TABLE IF NOT EXISTS reaction (
			message_id BIGINT NOT NULL,
			user_id TEXT NOT NULL,
			user_name TEXT NOT NULL DEFAULT '',
			icon TEXT NOT NULL,
			reacted_ts BIGINT NOT NULL,
			PRIMARY KEY (message_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_progress (
			account_id BIGINT NOT NULL,
			track TEXT NOT NULL,
			status TEXT NOT NULL,
			current INTEGER NOT NULL DEFAULT 0,
			total INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			updated_ts BIGINT NOT NULL,
			PRIMARY KEY (account_id, track)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_lock (
			account_id BIGINT NOT NULL,
			name TEXT NOT NULL,
			owner TEXT NOT NULL,
			expires_ts BIGINT NOT NULL,
			PRIMARY KEY (account_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS account_external_idx ON account (external_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS message_external_idx
			ON message (account_id, external_id) WHERE external_id IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS message_client_idx
			ON message (account_id, recipient_id, client_id) WHERE external_id IS NULL AND client_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS message_conversation_idx
			ON message (conversation_id, id)`,
		`CREATE INDEX IF NOT EXISTS message_recipient_idx
			ON message (account_id, recipient_id, id)`,
		`CREATE INDEX IF NOT EXISTS message_alias_message_idx
			ON message_alias (message_id)`,
		`CREATE INDEX IF NOT EXISTS conversation_user_user_idx
			ON conversation_user (user_id)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}

	// Columns added after the first release. SQLite has no ADD COLUMN IF NOT EXISTS.
	lateCols := []struct {
		table string
		name  string
		def   string
	}{
		{"conversation", "department_id", "BIGINT"},
		{"message", "sticker_json", "TEXT"},
		{"message", "file_json", "TEXT"},
	}
	for _, col := range lateCols {
		exists, err := db.columnExists(ctx, col.table, col.name)
		if err != nil {
			return err
		} else if !exists {
			if _, err := db.Exec(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, col.table, col.name, col.def)); err != nil {
				return fmt.Errorf("failed to add %s.%s column: %w", col.table, col.name, err)
			}
		}
	}

	// Stale locks are harmless but clutter the table.
	if _, err := db.Exec(ctx, `DELETE FROM sync_lock WHERE expires_ts < $1`, nowMS()-int64(24*60*60*1000)); err != nil {
		return fmt.Errorf("failed to prune expired sync locks: %w", err)
	}
	return nil
}

func (db *Database) columnExists(ctx context.Context, table, name string) (bool, error) {
	var count int
	err := db.QueryRow(ctx, `SELECT COUNT(*) FROM pragma_table_info($1) WHERE name=$2`, table, name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check for %s.%s column: %w", table, name, err)
	}
	return count > 0, nil
}
