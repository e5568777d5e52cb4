// Package storage is the SQLite-backed core.Repository. Schema is created on
// open. Decimals travel as TEXT through shopspring's Valuer/Scanner so no
// precision is lost; timestamps are stored as unix nanoseconds with zero
// meaning "not set". Single-row lookups return (nil, nil) when nothing
// matches, same as the in-memory mock.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"funding_arb/internal/config"
	"funding_arb/internal/core"

	"github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  long_venue TEXT NOT NULL,
  long_entry_price TEXT NOT NULL,
  long_size TEXT NOT NULL,
  long_leverage INTEGER NOT NULL DEFAULT 1,
  long_open_funding_rate TEXT NOT NULL,
  long_open_fee TEXT NOT NULL,
  long_stop_loss_price TEXT NOT NULL,
  long_take_profit_price TEXT NOT NULL,
  long_stop_loss_order_id TEXT NOT NULL DEFAULT '',
  long_take_profit_order_id TEXT NOT NULL DEFAULT '',
  long_exit_price TEXT NOT NULL,
  long_close_fee TEXT NOT NULL,
  long_closed INTEGER NOT NULL DEFAULT 0,
  long_closed_at INTEGER NOT NULL DEFAULT 0,
  short_venue TEXT NOT NULL,
  short_entry_price TEXT NOT NULL,
  short_size TEXT NOT NULL,
  short_leverage INTEGER NOT NULL DEFAULT 1,
  short_open_funding_rate TEXT NOT NULL,
  short_open_fee TEXT NOT NULL,
  short_stop_loss_price TEXT NOT NULL,
  short_take_profit_price TEXT NOT NULL,
  short_stop_loss_order_id TEXT NOT NULL DEFAULT '',
  short_take_profit_order_id TEXT NOT NULL DEFAULT '',
  short_exit_price TEXT NOT NULL,
  short_close_fee TEXT NOT NULL,
  short_closed INTEGER NOT NULL DEFAULT 0,
  short_closed_at INTEGER NOT NULL DEFAULT 0,
  stop_loss_enabled INTEGER NOT NULL DEFAULT 0,
  stop_loss_percent TEXT NOT NULL,
  take_profit_enabled INTEGER NOT NULL DEFAULT 0,
  take_profit_percent TEXT NOT NULL,
  conditional_status TEXT NOT NULL,
  status TEXT NOT NULL,
  exit_suggested INTEGER NOT NULL DEFAULT 0,
  exit_suggest_reason TEXT NOT NULL DEFAULT '',
  exit_suggested_at INTEGER NOT NULL DEFAULT 0,
  cached_funding_pnl TEXT NOT NULL,
  opened_at INTEGER NOT NULL,
  closed_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_positions_user ON positions (user_id);
CREATE INDEX IF NOT EXISTS idx_positions_symbol_status ON positions (symbol, status);

CREATE TABLE IF NOT EXISTS trades (
  id TEXT PRIMARY KEY,
  position_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  long_venue TEXT NOT NULL,
  short_venue TEXT NOT NULL,
  long_exit_price TEXT NOT NULL,
  short_exit_price TEXT NOT NULL,
  price_diff_pnl TEXT NOT NULL,
  funding_rate_pnl TEXT NOT NULL,
  total_fees TEXT NOT NULL,
  total_pnl TEXT NOT NULL,
  roi_percent TEXT NOT NULL,
  holding_seconds INTEGER NOT NULL,
  close_reason TEXT NOT NULL,
  closed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_user ON trades (user_id, closed_at);

CREATE TABLE IF NOT EXISTS api_keys (
  id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  venue TEXT NOT NULL,
  key_ciphertext BLOB,
  secret_ciphertext BLOB,
  passphrase_ciphertext BLOB,
  vault_path TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  PRIMARY KEY (user_id, venue)
);

CREATE TABLE IF NOT EXISTS opportunities (
  id TEXT PRIMARY KEY,
  symbol TEXT NOT NULL,
  long_venue TEXT NOT NULL,
  short_venue TEXT NOT NULL,
  status TEXT NOT NULL,
  initial_diff TEXT NOT NULL,
  current_diff TEXT NOT NULL,
  max_diff TEXT NOT NULL,
  max_diff_at INTEGER NOT NULL DEFAULT 0,
  diff_sum TEXT NOT NULL,
  observations INTEGER NOT NULL DEFAULT 0,
  notification_count INTEGER NOT NULL DEFAULT 0,
  detected_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  ended_at INTEGER NOT NULL DEFAULT 0,
  disappear_reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_opportunities_active ON opportunities (status, symbol, long_venue, short_venue);

CREATE TABLE IF NOT EXISTS opportunity_history (
  id TEXT PRIMARY KEY,
  opportunity_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  long_venue TEXT NOT NULL,
  short_venue TEXT NOT NULL,
  initial_diff TEXT NOT NULL,
  max_diff TEXT NOT NULL,
  avg_diff TEXT NOT NULL,
  duration_seconds INTEGER NOT NULL,
  notifications_sent INTEGER NOT NULL DEFAULT 0,
  disappear_reason TEXT NOT NULL,
  recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_symbol ON opportunity_history (symbol, recorded_at);

CREATE TABLE IF NOT EXISTS webhooks (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  platform TEXT NOT NULL,
  url TEXT NOT NULL DEFAULT '',
  token TEXT NOT NULL DEFAULT '',
  chat_id TEXT NOT NULL DEFAULT '',
  min_rate_difference TEXT NOT NULL,
  notify_on_expiry INTEGER NOT NULL DEFAULT 0,
  minute_windows TEXT NOT NULL DEFAULT '',
  enabled INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_webhooks_enabled ON webhooks (enabled, user_id);

CREATE TABLE IF NOT EXISTS trading_settings (
  user_id TEXT PRIMARY KEY,
  exit_suggestions_enabled INTEGER NOT NULL DEFAULT 0,
  apy_threshold_percent TEXT NOT NULL,
  auto_close_enabled INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS audit_log (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  action TEXT NOT NULL,
  resource TEXT NOT NULL DEFAULT '',
  detail TEXT NOT NULL DEFAULT '',
  at INTEGER NOT NULL
);
`

// Store is the SQLite-backed repository.
type Store struct {
	db     *sql.DB
	logger core.ILogger
}

var _ core.Repository = (*Store)(nil)

// Open opens (or creates) the database at cfg.Path and applies the schema.
func Open(cfg config.StorageConfig, logger core.ILogger) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	// SQLite allows one writer. A single connection sidesteps SQLITE_BUSY
	// under concurrent leg writes and keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	log := logger.WithField("component", "storage")
	log.Info("Database opened", "path", cfg.Path)
	return &Store{db: db, logger: log}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is still reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Positions() core.PositionRepository                      { return (*positionStore)(s) }
func (s *Store) Trades() core.TradeRepository                            { return (*tradeStore)(s) }
func (s *Store) APIKeys() core.APIKeyRepository                          { return (*apiKeyStore)(s) }
func (s *Store) Opportunities() core.OpportunityRepository               { return (*opportunityStore)(s) }
func (s *Store) OpportunityHistories() core.OpportunityHistoryRepository { return (*historyStore)(s) }
func (s *Store) Webhooks() core.WebhookRepository                        { return (*webhookStore)(s) }
func (s *Store) TradingSettings() core.TradingSettingsRepository         { return (*settingsStore)(s) }
func (s *Store) AuditLog() core.AuditLogRepository                       { return (*auditStore)(s) }

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// ns converts a time to its stored form. The zero time maps to 0, not to
// year-1 nanoseconds.
func ns(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNS(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// placeholders returns "?, ?, ..., ?" of length n.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// setClause turns a column list into "col1 = ?, col2 = ?, ..." skipping the
// leading id column.
func setClause(cols string) string {
	parts := strings.Split(cols, ",")
	out := make([]string, 0, len(parts)-1)
	for _, c := range parts[1:] {
		out = append(out, strings.TrimSpace(c)+" = ?")
	}
	return strings.Join(out, ", ")
}

func columnCount(cols string) int {
	return strings.Count(cols, ",") + 1
}

// isConstraint reports whether err is a UNIQUE or PRIMARY KEY violation.
func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}
