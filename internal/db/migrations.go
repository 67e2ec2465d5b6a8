package db

import (
	"context"
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS terminals (
	terminal_id TEXT PRIMARY KEY,
	merchant_id TEXT NOT NULL DEFAULT '',
	label TEXT NOT NULL DEFAULT '',
	device_info TEXT NOT NULL DEFAULT '{}',
	last_seen TEXT,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS terminal_commands (
	command_id TEXT PRIMARY KEY,
	terminal_id TEXT NOT NULL,
	command_type TEXT NOT NULL,
	command_data TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','processing','completed','failed')),
	response TEXT,
	deliveries INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	claimed_at TEXT,
	processed_at TEXT
);

CREATE INDEX IF NOT EXISTS terminal_commands_pending
ON terminal_commands(terminal_id, status, created_at, command_id);

CREATE INDEX IF NOT EXISTS terminal_commands_processing_claimed_at
ON terminal_commands(status, claimed_at);

CREATE TABLE IF NOT EXISTS merchant_wallets (
	merchant_id TEXT NOT NULL,
	chain TEXT NOT NULL,
	wallet_address TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY(merchant_id, chain)
);

CREATE TABLE IF NOT EXISTS terminal_payments (
	payment_id TEXT PRIMARY KEY,
	terminal_id TEXT NOT NULL,
	merchant_id TEXT NOT NULL DEFAULT '',
	wallet_address TEXT NOT NULL,
	chain TEXT NOT NULL,
	amount TEXT NOT NULL,
	currency TEXT NOT NULL DEFAULT 'USDC',
	status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','completed')),
	tx_hash TEXT,
	created_at TEXT NOT NULL,
	completed_at TEXT
);

CREATE INDEX IF NOT EXISTS terminal_payments_address_created_at
ON terminal_payments(wallet_address, created_at DESC);

CREATE INDEX IF NOT EXISTS terminals_last_seen
ON terminals(last_seen DESC);
`,
		DownSQL: `
DROP TABLE IF EXISTS terminal_payments;
DROP TABLE IF EXISTS merchant_wallets;
DROP TABLE IF EXISTS terminal_commands;
DROP TABLE IF EXISTS terminals;
DROP TABLE IF EXISTS schema_migrations;
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}
