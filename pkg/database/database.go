// chatbroker - A multi-branch chat gateway message broker.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
)

// Database bundles the stores backed by one SQL connection pool.
type Database struct {
	*dbutil.Database

	Account      *AccountQuery
	Identity     *IdentityQuery
	Message      *MessageQuery
	Reaction     *ReactionQuery
	Conversation *ConversationQuery
	Sync         *SyncQuery
}

// Open opens (creating if needed) the SQLite database at path and makes sure
// the schema is up to date.
func Open(ctx context.Context, path string, maxOpenConns int, log zerolog.Logger) (*Database, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate", path)
	rawDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if maxOpenConns > 0 {
		rawDB.SetMaxOpenConns(maxOpenConns)
	}
	db, err := New(rawDB, log)
	if err != nil {
		_ = rawDB.Close()
		return nil, err
	}
	if err = db.ensureSchema(ctx); err != nil {
		_ = rawDB.Close()
		return nil, err
	}
	return db, nil
}

// New wraps an already opened SQLite handle. The schema is not touched.
func New(rawDB *sql.DB, log zerolog.Logger) (*Database, error) {
	inner, err := dbutil.NewWithDB(rawDB, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to wrap database: %w", err)
	}
	inner.Log = dbutil.ZeroLogger(log.With().Str("db_section", "main").Logger())
	return &Database{
		Database:     inner,
		Account:      &AccountQuery{db: inner},
		Identity:     &IdentityQuery{db: inner},
		Message:      &MessageQuery{db: inner},
		Reaction:     &ReactionQuery{db: inner},
		Conversation: &ConversationQuery{db: inner},
		Sync:         &SyncQuery{db: inner},
	}, nil
}

// EnsureSchema creates missing tables and columns.
func (db *Database) EnsureSchema(ctx context.Context) error {
	return db.ensureSchema(ctx)
}

// IsUniqueViolation reports whether err was caused by a UNIQUE or PRIMARY KEY
// constraint. Callers use it to turn a lost insert race into a re-fetch.
func IsUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableInt64(value *int64) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableTime(value *time.Time) any {
	if value == nil || value.IsZero() {
		return nil
	}
	return value.UnixMilli()
}

func emptyToNull(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func timeFromNull(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	t := time.UnixMilli(value.Int64)
	return &t
}

func int64FromNull(value sql.NullInt64) *int64 {
	if !value.Valid {
		return nil
	}
	v := value.Int64
	return &v
}

func stringFromNull(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}

// placeholders returns "$start, $start+1, ..." for n positional parameters.
func placeholders(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}

// SQLite has a limit on the number of variables per statement.
const chunkSize = 500

func chunkInt64s(ids []int64) [][]int64 {
	var out [][]int64
	for i := 0; i < len(ids); i += chunkSize {
		end := i + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[i:end])
	}
	return out
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}
