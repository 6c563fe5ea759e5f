package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"basement/models"
)

// CreateBan inserts a new ban record. Empty targets are stored as NULL.
func (ds *DatabaseService) CreateBan(ctx context.Context, ban *models.Ban, modWallet string) error {
	return ds.withTx(ctx, "CreateBan", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "INSERT INTO bans (wallet_addr, anon_id, ip_hash, reason, created_at, expires_at) VALUES (?, ?, ?, ?, ?, ?)",
			nullString(strings.ToLower(ban.WalletAddr)), nullString(ban.AnonID), nullString(ban.IPHash), ban.Reason, ban.CreatedAt, ban.ExpiresAt)
		if err != nil {
			return fmt.Errorf("failed to insert ban: %w", err)
		}
		if ban.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		details := fmt.Sprintf("wallet=%s anon=%s ip=%s reason=%s", ban.WalletAddr, ban.AnonID, ban.IPHash, ban.Reason)
		return LogModAction(ctx, tx, modWallet, "ban", fmt.Sprint(ban.ID), details)
	})
}

// ActiveBan returns the newest unexpired ban matching any of the given identifiers, or nil.
func (ds *DatabaseService) ActiveBan(ctx context.Context, wallet, anonID, ipHash string, now time.Time) (*models.Ban, error) {
	var (
		ban                 models.Ban
		bWallet, bAnon, bIP sql.NullString
	)
	err := ds.DB.QueryRowContext(ctx, `
		SELECT id, wallet_addr, anon_id, ip_hash, reason, created_at, expires_at FROM bans
		WHERE (expires_at IS NULL OR expires_at > ?)
		AND (wallet_addr = ? OR anon_id = ? OR ip_hash = ?)
		ORDER BY created_at DESC, id DESC LIMIT 1`,
		now, nullString(strings.ToLower(wallet)), nullString(anonID), nullString(ipHash)).
		Scan(&ban.ID, &bWallet, &bAnon, &bIP, &ban.Reason, &ban.CreatedAt, &ban.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ban lookup: %w", err)
	}
	ban.WalletAddr, ban.AnonID, ban.IPHash = bWallet.String, bAnon.String, bIP.String
	return &ban, nil
}

// ListActiveBans returns all bans still in force, newest first.
func (ds *DatabaseService) ListActiveBans(ctx context.Context, now time.Time) ([]models.Ban, error) {
	rows, err := ds.DB.QueryContext(ctx, `
		SELECT id, wallet_addr, anon_id, ip_hash, reason, created_at, expires_at FROM bans
		WHERE expires_at IS NULL OR expires_at > ?
		ORDER BY created_at DESC, id DESC`, now)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			ds.logger.Error("Failed to close rows in ListActiveBans", "error", err)
		}
	}()

	bans := []models.Ban{}
	for rows.Next() {
		var (
			b                   models.Ban
			bWallet, bAnon, bIP sql.NullString
		)
		if err := rows.Scan(&b.ID, &bWallet, &bAnon, &bIP, &b.Reason, &b.CreatedAt, &b.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan ban: %w", err)
		}
		b.WalletAddr, b.AnonID, b.IPHash = bWallet.String, bAnon.String, bIP.String
		bans = append(bans, b)
	}
	return bans, rows.Err()
}

// PruneExpiredBans deletes bans whose expiry has passed.
func (ds *DatabaseService) PruneExpiredBans(ctx context.Context, now time.Time) (int64, error) {
	res, err := ds.DB.ExecContext(ctx, "DELETE FROM bans WHERE expires_at IS NOT NULL AND expires_at <= ?", now)
	if err != nil {
		return 0, fmt.Errorf("prune bans: %w", err)
	}
	return res.RowsAffected()
}
