package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func openTempDB(t *testing.T) (*sql.DB, context.Context) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db, ctx
}

func TestApplyAndRollbackMigrations(t *testing.T) {
	db, ctx := openTempDB(t)
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	mustExist := []string{"terminals", "terminal_commands", "merchant_wallets", "terminal_payments"}
	for _, table := range mustExist {
		var name string
		if err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name); err != nil {
			t.Fatalf("expected table %s to exist: %v", table, err)
		}
	}

	if err := RollbackAll(ctx, db); err != nil {
		t.Fatalf("rollback migrations: %v", err)
	}

	for _, table := range mustExist {
		var count int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&count); err != nil {
			t.Fatalf("count table %s: %v", table, err)
		}
		if count != 0 {
			t.Fatalf("table %s still exists after rollback", table)
		}
	}

	// A rolled-back database re-applies cleanly.
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("re-apply migrations: %v", err)
	}
	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM terminals`).Scan(&count); err != nil {
		t.Fatalf("query re-applied schema: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected an empty terminals table, got %d rows", count)
	}
}

func TestCommandStatusConstraint(t *testing.T) {
	db, ctx := openTempDB(t)
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := db.ExecContext(ctx, `INSERT INTO terminal_commands(command_id, terminal_id, command_type, created_at) VALUES('c1','T-1','return_idle',?)`, now)
	if err != nil {
		t.Fatalf("insert command: %v", err)
	}
	_, err = db.ExecContext(ctx, `INSERT INTO terminal_commands(command_id, terminal_id, command_type, status, created_at) VALUES('c2','T-1','return_idle','queued',?)`, now)
	if err == nil {
		t.Fatalf("expected status check constraint failure")
	}
	_, err = db.ExecContext(ctx, `INSERT INTO terminal_payments(payment_id, terminal_id, wallet_address, chain, amount, status, created_at) VALUES('p1','T-1','0x1','base','5','refunded',?)`, now)
	if err == nil {
		t.Fatalf("expected payment status check constraint failure")
	}
}
