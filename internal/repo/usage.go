package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"strings"

	"sparlo/internal/domain"
)

const periodCols = `id,account_id,tokens_limit,tokens_used,period_start,period_end,status`

func scanPeriod(scan func(dest ...any) error) (domain.UsagePeriod, error) {
	var p domain.UsagePeriod
	err := scan(&p.ID, &p.AccountID, &p.TokensLimit, &p.TokensUsed, &p.PeriodStart, &p.PeriodEnd, &p.Status)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertUsagePeriodTx(ctx context.Context, tx *sql.Tx, p domain.UsagePeriod) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO usage_periods(`+periodCols+`) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.AccountID, p.TokensLimit, p.TokensUsed, p.PeriodStart, p.PeriodEnd, p.Status)
	return err
}

// ActivePeriodTx reads the account's active usage period inside the caller's
// write transaction, which is what keeps two reservations from both seeing
// the same remaining budget.
func (r Repo) ActivePeriodTx(ctx context.Context, tx *sql.Tx, accountID string) (domain.UsagePeriod, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+periodCols+` FROM usage_periods WHERE account_id=? AND status='active'`, accountID)
	return scanPeriod(row.Scan)
}

func (r Repo) AddTokensUsedTx(ctx context.Context, tx *sql.Tx, periodID string, n int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE usage_periods SET tokens_used=tokens_used+? WHERE id=?`, n, periodID)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ClosePeriodTx(ctx context.Context, tx *sql.Tx, periodID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE usage_periods SET status='closed' WHERE id=?`, periodID)
	return err
}

// --- api keys ---

// HashAPIKey hashes a raw key for storage and lookup; raw keys never touch
// the database.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

const apiKeyCols = `id,account_id,name,key_hash,created_at,revoked_at`

func scanAPIKey(scan func(dest ...any) error) (domain.APIKey, error) {
	var k domain.APIKey
	var revokedAt sql.NullString
	err := scan(&k.ID, &k.AccountID, &k.Name, &k.KeyHash, &k.CreatedAt, &revokedAt)
	if err == sql.ErrNoRows {
		return k, ErrNotFound
	}
	if revokedAt.Valid {
		k.RevokedAt = &revokedAt.String
	}
	return k, err
}

func (r Repo) InsertAPIKey(ctx context.Context, k domain.APIKey) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO api_keys(`+apiKeyCols+`) VALUES (?,?,?,?,?,?)`,
		k.ID, k.AccountID, k.Name, k.KeyHash, k.CreatedAt, nullableStringPtr(k.RevokedAt))
	return err
}

func (r Repo) APIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+apiKeyCols+` FROM api_keys WHERE key_hash=? AND revoked_at IS NULL`, hash)
	return scanAPIKey(row.Scan)
}

func (r Repo) ListAPIKeys(ctx context.Context, accountID string) ([]domain.APIKey, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+apiKeyCols+` FROM api_keys WHERE account_id=? ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, k)
	}
	return res, rows.Err()
}

func (r Repo) RevokeAPIKey(ctx context.Context, id, revokedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE api_keys SET revoked_at=? WHERE id=? AND revoked_at IS NULL`, revokedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- webhooks ---

type Webhook struct {
	ID         string
	AccountID  string
	URL        string
	Secret     string
	EventTypes string
	CreatedAt  string
}

func (r Repo) InsertWebhook(ctx context.Context, w Webhook) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhooks(id,account_id,url,secret,event_types,created_at) VALUES (?,?,?,?,?,?)`,
		w.ID, w.AccountID, w.URL, w.Secret, w.EventTypes, w.CreatedAt)
	return err
}

func (r Repo) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,account_id,url,secret,event_types,created_at FROM webhooks ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Webhook
	for rows.Next() {
		var w Webhook
		if err := rows.Scan(&w.ID, &w.AccountID, &w.URL, &w.Secret, &w.EventTypes, &w.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) DeleteWebhook(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM webhooks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) WebhookCursor(ctx context.Context, webhookID string) (int64, error) {
	var last int64
	err := r.DB.QueryRowContext(ctx, `SELECT last_event_id FROM webhook_cursors WHERE webhook_id=?`, webhookID).Scan(&last)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return last, err
}

func (r Repo) SetWebhookCursor(ctx context.Context, webhookID string, lastEventID int64) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_cursors(webhook_id,last_event_id) VALUES (?,?)
ON CONFLICT(webhook_id) DO UPDATE SET last_event_id=excluded.last_event_id`, webhookID, lastEventID)
	return err
}
