package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/heysalad/cash/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("conflict")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// UpsertTerminal registers a terminal implicitly on its first poll and
// refreshes last_seen and device_info on every subsequent one. merchant_id
// and label survive poll upserts once set.
func (s *Store) UpsertTerminal(ctx context.Context, t model.Terminal) error {
	terminalID := strings.TrimSpace(t.TerminalID)
	if terminalID == "" {
		return fmt.Errorf("terminal_id is required")
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now().UTC()
	}
	deviceInfo, err := normalizeJSONObject(t.DeviceInfo)
	if err != nil {
		return fmt.Errorf("device_info must be a JSON object: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO terminals(terminal_id, merchant_id, label, device_info, last_seen, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(terminal_id) DO UPDATE SET
	merchant_id=CASE WHEN excluded.merchant_id != '' THEN excluded.merchant_id ELSE terminals.merchant_id END,
	label=CASE WHEN excluded.label != '' THEN excluded.label ELSE terminals.label END,
	device_info=excluded.device_info,
	last_seen=COALESCE(excluded.last_seen, terminals.last_seen),
	updated_at=excluded.updated_at
`, terminalID, strings.TrimSpace(t.MerchantID), strings.TrimSpace(t.Label), deviceInfo, nullableTS(t.LastSeen), ts(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert terminal: %w", err)
	}
	return nil
}

func (s *Store) GetTerminal(ctx context.Context, terminalID string) (model.Terminal, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT terminal_id, merchant_id, label, device_info, last_seen, updated_at
FROM terminals
WHERE terminal_id = ?
`, strings.TrimSpace(terminalID))
	return scanTerminal(row)
}

// ListTerminals returns every registered terminal, most recently seen first.
// Terminals never seen sort last.
func (s *Store) ListTerminals(ctx context.Context) ([]model.Terminal, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT terminal_id, merchant_id, label, device_info, last_seen, updated_at
FROM terminals
ORDER BY last_seen IS NULL ASC, last_seen DESC, terminal_id ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list terminals: %w", err)
	}
	defer rows.Close()

	out := make([]model.Terminal, 0)
	for rows.Next() {
		t, err := scanTerminal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter terminals: %w", err)
	}
	return out, nil
}

func (s *Store) InsertCommand(ctx context.Context, cmd model.Command) error {
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now().UTC()
	}
	data, err := normalizeJSONObject(cmd.CommandData)
	if err != nil {
		return fmt.Errorf("command_data must be a JSON object: %w", err)
	}
	if cmd.Status == "" {
		cmd.Status = model.CommandPending
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO terminal_commands(command_id, terminal_id, command_type, command_data, status, response, deliveries, created_at, claimed_at, processed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, cmd.CommandID, cmd.TerminalID, string(cmd.CommandType), data, string(cmd.Status), nullableStr(cmd.Response), cmd.Deliveries, ts(cmd.CreatedAt), nullableTS(cmd.ClaimedAt), nullableTS(cmd.ProcessedAt))
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert command: %w", err)
	}
	return nil
}

func (s *Store) GetCommand(ctx context.Context, commandID string) (model.Command, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT command_id, terminal_id, command_type, command_data, status, response, deliveries, created_at, claimed_at, processed_at
FROM terminal_commands
WHERE command_id = ?
`, strings.TrimSpace(commandID))
	return scanCommand(row)
}

const claimRetryLimit = 5

// ClaimOldestPending moves the oldest pending command for a terminal to
// processing and returns it. The claim is a compare-and-set on status so two
// concurrent pollers can never both own the same row; the loser of a race
// re-selects. ErrNotFound means no pending work, which mutates nothing.
func (s *Store) ClaimOldestPending(ctx context.Context, terminalID string, now time.Time) (model.Command, error) {
	for attempt := 0; attempt < claimRetryLimit; attempt++ {
		row := s.db.QueryRowContext(ctx, `
SELECT command_id
FROM terminal_commands
WHERE terminal_id = ? AND status = 'pending'
ORDER BY created_at ASC, command_id ASC
LIMIT 1
`, terminalID)
		var commandID string
		if err := row.Scan(&commandID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return model.Command{}, ErrNotFound
			}
			return model.Command{}, fmt.Errorf("select oldest pending: %w", err)
		}

		res, err := s.db.ExecContext(ctx, `
UPDATE terminal_commands
SET status = 'processing', claimed_at = ?, deliveries = deliveries + 1
WHERE command_id = ? AND status = 'pending'
`, ts(now), commandID)
		if err != nil {
			return model.Command{}, fmt.Errorf("claim command: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return model.Command{}, fmt.Errorf("claim command rows affected: %w", err)
		}
		if affected == 0 {
			// Lost the race to another poller; pick the next candidate.
			continue
		}
		return s.GetCommand(ctx, commandID)
	}
	return model.Command{}, ErrConflict
}

// ResolveCommand records a device response. Only non-terminal commands may
// transition; resolving an already completed or failed command is a conflict.
func (s *Store) ResolveCommand(ctx context.Context, commandID string, success bool, responseJSON string, now time.Time) error {
	status := model.CommandCompleted
	if !success {
		status = model.CommandFailed
	}
	response, err := normalizeJSONObject(responseJSON)
	if err != nil {
		return fmt.Errorf("response must be a JSON object: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE terminal_commands
SET status = ?, response = ?, processed_at = ?
WHERE command_id = ? AND status IN ('pending','processing')
`, string(status), response, ts(now), commandID)
	if err != nil {
		return fmt.Errorf("resolve command: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve command rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetCommand(ctx, commandID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (s *Store) ListCommands(ctx context.Context, terminalID string, limit int) ([]model.Command, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT command_id, terminal_id, command_type, command_data, status, response, deliveries, created_at, claimed_at, processed_at
FROM terminal_commands
WHERE terminal_id = ?
ORDER BY created_at DESC, command_id DESC
LIMIT ?
`, terminalID, limit)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	out := make([]model.Command, 0)
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter commands: %w", err)
	}
	return out, nil
}

const deviceTimeoutResponse = `{"error":"device_timeout"}`

// RequeueStuckProcessing returns commands claimed before cutoff to pending
// so a recovered device can pick them up again. Commands that already spent
// maxDeliveries claims are failed with a device_timeout response instead, so
// the dispatching client's status poll terminates.
func (s *Store) RequeueStuckProcessing(ctx context.Context, cutoff time.Time, maxDeliveries int64, now time.Time) (requeued, failed int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin requeue tx: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
UPDATE terminal_commands
SET status = 'failed', response = ?, processed_at = ?
WHERE status = 'processing' AND claimed_at < ? AND deliveries >= ?
`, deviceTimeoutResponse, ts(now), ts(cutoff), maxDeliveries)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return 0, 0, fmt.Errorf("fail exhausted commands: %w", err)
	}
	failed, err = res.RowsAffected()
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return 0, 0, fmt.Errorf("fail exhausted rows affected: %w", err)
	}

	res, err = tx.ExecContext(ctx, `
UPDATE terminal_commands
SET status = 'pending', claimed_at = NULL
WHERE status = 'processing' AND claimed_at < ?
`, ts(cutoff))
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return 0, 0, fmt.Errorf("requeue stuck commands: %w", err)
	}
	requeued, err = res.RowsAffected()
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return 0, 0, fmt.Errorf("requeue rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit requeue tx: %w", err)
	}
	return requeued, failed, nil
}

func (s *Store) UpsertMerchantWallet(ctx context.Context, w model.MerchantWallet) error {
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO merchant_wallets(merchant_id, chain, wallet_address, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(merchant_id, chain) DO UPDATE SET
	wallet_address=excluded.wallet_address,
	updated_at=excluded.updated_at
`, w.MerchantID, w.Chain, w.WalletAddress, ts(w.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert merchant wallet: %w", err)
	}
	return nil
}

func (s *Store) GetMerchantWallet(ctx context.Context, merchantID, chain string) (model.MerchantWallet, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT merchant_id, chain, wallet_address, updated_at
FROM merchant_wallets
WHERE merchant_id = ? AND chain = ?
`, merchantID, chain)
	var (
		w         model.MerchantWallet
		updatedAt string
	)
	if err := row.Scan(&w.MerchantID, &w.Chain, &w.WalletAddress, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.MerchantWallet{}, ErrNotFound
		}
		return model.MerchantWallet{}, fmt.Errorf("scan merchant wallet: %w", err)
	}
	var err error
	w.UpdatedAt, err = parseTS(updatedAt)
	if err != nil {
		return model.MerchantWallet{}, fmt.Errorf("parse merchant wallet updated_at: %w", err)
	}
	return w, nil
}

func (s *Store) InsertPayment(ctx context.Context, p model.PaymentSession) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.Status == "" {
		p.Status = model.PaymentPending
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO terminal_payments(payment_id, terminal_id, merchant_id, wallet_address, chain, amount, currency, status, tx_hash, created_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, p.PaymentID, p.TerminalID, p.MerchantID, strings.ToLower(p.WalletAddress), p.Chain, p.Amount, p.Currency, string(p.Status), nullableStr(p.TxHash), ts(p.CreatedAt), nullableTS(p.CompletedAt))
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (s *Store) GetPaymentByID(ctx context.Context, paymentID string) (model.PaymentSession, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT payment_id, terminal_id, merchant_id, wallet_address, chain, amount, currency, status, tx_hash, created_at, completed_at
FROM terminal_payments
WHERE payment_id = ?
`, strings.TrimSpace(paymentID))
	return scanPayment(row)
}

// LatestPaymentByAddress returns the most recent session addressed to a
// merchant wallet. Addresses are stored lowercased.
func (s *Store) LatestPaymentByAddress(ctx context.Context, address string) (model.PaymentSession, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT payment_id, terminal_id, merchant_id, wallet_address, chain, amount, currency, status, tx_hash, created_at, completed_at
FROM terminal_payments
WHERE wallet_address = ?
ORDER BY created_at DESC, payment_id DESC
LIMIT 1
`, strings.ToLower(strings.TrimSpace(address)))
	return scanPayment(row)
}

func (s *Store) CompletePayment(ctx context.Context, paymentID, txHash string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE terminal_payments
SET status = 'completed', tx_hash = ?, completed_at = ?
WHERE payment_id = ? AND status = 'pending'
`, nullIfEmpty(txHash), ts(now), paymentID)
	if err != nil {
		return fmt.Errorf("complete payment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete payment rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetPaymentByID(ctx, paymentID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func scanTerminal(scanner interface{ Scan(dest ...any) error }) (model.Terminal, error) {
	var (
		t         model.Terminal
		lastSeen  sql.NullString
		updatedAt string
	)
	if err := scanner.Scan(&t.TerminalID, &t.MerchantID, &t.Label, &t.DeviceInfo, &lastSeen, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Terminal{}, ErrNotFound
		}
		return model.Terminal{}, fmt.Errorf("scan terminal: %w", err)
	}
	if lastSeen.Valid {
		v, err := parseTS(lastSeen.String)
		if err != nil {
			return model.Terminal{}, fmt.Errorf("parse terminal last_seen: %w", err)
		}
		t.LastSeen = &v
	}
	var err error
	t.UpdatedAt, err = parseTS(updatedAt)
	if err != nil {
		return model.Terminal{}, fmt.Errorf("parse terminal updated_at: %w", err)
	}
	return t, nil
}

func scanCommand(scanner interface{ Scan(dest ...any) error }) (model.Command, error) {
	var (
		cmd         model.Command
		commandType string
		status      string
		response    sql.NullString
		createdAt   string
		claimedAt   sql.NullString
		processedAt sql.NullString
	)
	if err := scanner.Scan(&cmd.CommandID, &cmd.TerminalID, &commandType, &cmd.CommandData, &status, &response, &cmd.Deliveries, &createdAt, &claimedAt, &processedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Command{}, ErrNotFound
		}
		return model.Command{}, fmt.Errorf("scan command: %w", err)
	}
	cmd.CommandType = model.CommandType(commandType)
	cmd.Status = model.CommandStatus(status)
	if response.Valid {
		v := response.String
		cmd.Response = &v
	}
	var err error
	cmd.CreatedAt, err = parseTS(createdAt)
	if err != nil {
		return model.Command{}, fmt.Errorf("parse command created_at: %w", err)
	}
	if claimedAt.Valid {
		v, err := parseTS(claimedAt.String)
		if err != nil {
			return model.Command{}, fmt.Errorf("parse command claimed_at: %w", err)
		}
		cmd.ClaimedAt = &v
	}
	if processedAt.Valid {
		v, err := parseTS(processedAt.String)
		if err != nil {
			return model.Command{}, fmt.Errorf("parse command processed_at: %w", err)
		}
		cmd.ProcessedAt = &v
	}
	return cmd, nil
}

func scanPayment(scanner interface{ Scan(dest ...any) error }) (model.PaymentSession, error) {
	var (
		p           model.PaymentSession
		status      string
		txHash      sql.NullString
		createdAt   string
		completedAt sql.NullString
	)
	if err := scanner.Scan(&p.PaymentID, &p.TerminalID, &p.MerchantID, &p.WalletAddress, &p.Chain, &p.Amount, &p.Currency, &status, &txHash, &createdAt, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.PaymentSession{}, ErrNotFound
		}
		return model.PaymentSession{}, fmt.Errorf("scan payment: %w", err)
	}
	p.Status = model.PaymentStatus(status)
	if txHash.Valid {
		v := txHash.String
		p.TxHash = &v
	}
	var err error
	p.CreatedAt, err = parseTS(createdAt)
	if err != nil {
		return model.PaymentSession{}, fmt.Errorf("parse payment created_at: %w", err)
	}
	if completedAt.Valid {
		v, err := parseTS(completedAt.String)
		if err != nil {
			return model.PaymentSession{}, fmt.Errorf("parse payment completed_at: %w", err)
		}
		p.CompletedAt = &v
	}
	return p, nil
}

func normalizeJSONObject(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "{}", nil
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		return "", err
	}
	return text, nil
}

func nullableTS(v *time.Time) any {
	if v == nil {
		return nil
	}
	return ts(*v)
}

func nullableStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
