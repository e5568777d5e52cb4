package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"funding_arb/internal/core"

	"github.com/google/uuid"
)

const keyCols = `id, user_id, venue, key_ciphertext, secret_ciphertext, passphrase_ciphertext, vault_path, created_at`

type apiKeyStore Store

func (r *apiKeyStore) FindByUser(ctx context.Context, userID string, venues []string) ([]*core.APIKey, error) {
	query := `SELECT ` + keyCols + ` FROM api_keys WHERE user_id = ?`
	args := []interface{}{userID}
	if len(venues) > 0 {
		query += ` AND venue IN (` + placeholders(len(venues)) + `)`
		for _, v := range venues {
			args = append(args, v)
		}
	}
	query += ` ORDER BY venue`
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select api keys: %w", err)
	}
	defer rows.Close()
	var out []*core.APIKey
	for rows.Next() {
		var k core.APIKey
		var createdAt int64
		if err := rows.Scan(&k.ID, &k.UserID, &k.Venue,
			&k.KeyCiphertext, &k.SecretCiphertext, &k.PassphraseCiphertext,
			&k.VaultPath, &createdAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		k.CreatedAt = fromNS(createdAt)
		out = append(out, &k)
	}
	return out, rows.Err()
}

func (r *apiKeyStore) Upsert(ctx context.Context, k *core.APIKey) error {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	query := `INSERT INTO api_keys (` + keyCols + `) VALUES (` + placeholders(columnCount(keyCols)) + `)
		ON CONFLICT (user_id, venue) DO UPDATE SET
			id = excluded.id,
			key_ciphertext = excluded.key_ciphertext,
			secret_ciphertext = excluded.secret_ciphertext,
			passphrase_ciphertext = excluded.passphrase_ciphertext,
			vault_path = excluded.vault_path,
			created_at = excluded.created_at`
	_, err := r.db.ExecContext(ctx, query,
		k.ID, k.UserID, k.Venue,
		k.KeyCiphertext, k.SecretCiphertext, k.PassphraseCiphertext,
		k.VaultPath, ns(k.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert api key: %w", err)
	}
	return nil
}

func (r *apiKeyStore) Delete(ctx context.Context, userID, venue string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM api_keys WHERE user_id = ? AND venue = ?`, userID, venue); err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	return nil
}

const webhookCols = `id, user_id, platform, url, token, chat_id, min_rate_difference, notify_on_expiry, minute_windows, enabled`

type webhookStore Store

func (r *webhookStore) FindEnabledByUserID(ctx context.Context, userID string) ([]*core.NotificationWebhook, error) {
	return r.selectWebhooks(ctx,
		`SELECT `+webhookCols+` FROM webhooks WHERE enabled = 1 AND user_id = ? ORDER BY rowid`, userID)
}

func (r *webhookStore) FindAllEnabled(ctx context.Context) ([]*core.NotificationWebhook, error) {
	return r.selectWebhooks(ctx, `SELECT `+webhookCols+` FROM webhooks WHERE enabled = 1 ORDER BY rowid`)
}

func (r *webhookStore) selectWebhooks(ctx context.Context, query string, args ...interface{}) ([]*core.NotificationWebhook, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select webhooks: %w", err)
	}
	defer rows.Close()
	var out []*core.NotificationWebhook
	for rows.Next() {
		var w core.NotificationWebhook
		var windows string
		if err := rows.Scan(&w.ID, &w.UserID, &w.Platform, &w.URL, &w.Token, &w.ChatID,
			&w.MinRateDifference, &w.NotifyOnExpiry, &windows, &w.Enabled); err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		if w.MinuteWindows, err = decodeWindows(windows); err != nil {
			return nil, fmt.Errorf("webhook %s: %w", w.ID, err)
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

// SaveWebhook writes a webhook row. The engine only reads webhooks; this is
// the provisioning path for ops tooling and tests.
func (s *Store) SaveWebhook(ctx context.Context, w *core.NotificationWebhook) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	windows, err := encodeWindows(w.MinuteWindows)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", w.ID, err)
	}
	query := `INSERT INTO webhooks (` + webhookCols + `) VALUES (` + placeholders(columnCount(webhookCols)) + `)
		ON CONFLICT (id) DO UPDATE SET
			user_id = excluded.user_id,
			platform = excluded.platform,
			url = excluded.url,
			token = excluded.token,
			chat_id = excluded.chat_id,
			min_rate_difference = excluded.min_rate_difference,
			notify_on_expiry = excluded.notify_on_expiry,
			minute_windows = excluded.minute_windows,
			enabled = excluded.enabled`
	if _, err := s.db.ExecContext(ctx, query,
		w.ID, w.UserID, w.Platform, w.URL, w.Token, w.ChatID,
		w.MinRateDifference, w.NotifyOnExpiry, windows, w.Enabled); err != nil {
		return fmt.Errorf("upsert webhook: %w", err)
	}
	return nil
}

func encodeWindows(ws []int) (string, error) {
	if len(ws) == 0 {
		return "", nil
	}
	b, err := json.Marshal(ws)
	if err != nil {
		return "", fmt.Errorf("encode minute windows: %w", err)
	}
	return string(b), nil
}

func decodeWindows(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var ws []int
	if err := json.Unmarshal([]byte(s), &ws); err != nil {
		return nil, fmt.Errorf("decode minute windows: %w", err)
	}
	return ws, nil
}

type settingsStore Store

func (r *settingsStore) FindByUserID(ctx context.Context, userID string) (*core.TradingSettings, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT user_id, exit_suggestions_enabled, apy_threshold_percent, auto_close_enabled
		 FROM trading_settings WHERE user_id = ?`, userID)
	var s core.TradingSettings
	err := row.Scan(&s.UserID, &s.ExitSuggestionsEnabled, &s.APYThresholdPercent, &s.AutoCloseEnabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select trading settings: %w", err)
	}
	return &s, nil
}

func (r *settingsStore) Save(ctx context.Context, s *core.TradingSettings) error {
	query := `INSERT INTO trading_settings (user_id, exit_suggestions_enabled, apy_threshold_percent, auto_close_enabled)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			exit_suggestions_enabled = excluded.exit_suggestions_enabled,
			apy_threshold_percent = excluded.apy_threshold_percent,
			auto_close_enabled = excluded.auto_close_enabled`
	if _, err := r.db.ExecContext(ctx, query,
		s.UserID, s.ExitSuggestionsEnabled, s.APYThresholdPercent, s.AutoCloseEnabled); err != nil {
		return fmt.Errorf("save trading settings: %w", err)
	}
	return nil
}

type auditStore Store

func (r *auditStore) Record(ctx context.Context, ev *core.AuditEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	query := `INSERT INTO audit_log (id, user_id, action, resource, detail, at) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, query,
		ev.ID, ev.UserID, ev.Action, ev.Resource, ev.Detail, ns(ev.At)); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}
