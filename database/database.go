// basement/database/database.go
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"basement/models"

	"github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
	ErrLocked   = errors.New("thread is locked")
)

// DatabaseService is the central struct for all database operations.
type DatabaseService struct {
	DB         *sql.DB
	logger     *slog.Logger
	boardCache map[string]*models.Board
	cacheMu    sync.RWMutex
}

// InitDB connects to the database, runs migrations, and seeds default data.
func InitDB(dataSourceName string, logger *slog.Logger) (*DatabaseService, error) {
	db, err := sql.Open("sqlite3", withRequiredParams(dataSourceName))
	if err != nil {
		return nil, err
	}

	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to execute base schema: %w", err)
	}

	if err := runMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	var boardCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM boards").Scan(&boardCount); err == nil && boardCount == 0 {
		now := time.Now().UTC()
		for _, b := range defaultBoards {
			if _, err := db.Exec("INSERT INTO boards (slug, title, about, created_at) VALUES (?, ?, ?, ?)", b.Slug, b.Title, b.About, now); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to seed board '%s': %w", b.Slug, err)
			}
		}
		logger.Info("Seeded default boards", "count", len(defaultBoards))
	}

	logger.Info("Database initialized and cache ready.")
	return New(db, logger), nil
}

// New wraps an already-open database without touching its schema.
func New(db *sql.DB, logger *slog.Logger) *DatabaseService {
	return &DatabaseService{
		DB:         db,
		logger:     logger,
		boardCache: make(map[string]*models.Board),
	}
}

// withRequiredParams makes sure every pooled connection enforces foreign keys
// and takes the write lock when a transaction begins.
func withRequiredParams(dsn string) string {
	params := []string{"_foreign_keys=on", "_txlock=immediate", "_busy_timeout=5000"}
	for _, p := range params {
		key := p[:strings.Index(p, "=")+1]
		if strings.Contains(dsn, key) {
			continue
		}
		if strings.Contains(dsn, "?") {
			dsn += "&" + p
		} else {
			dsn += "?" + p
		}
	}
	return dsn
}

// BackupDatabase performs an online backup of the live SQLite database using VACUUM INTO.
func (ds *DatabaseService) BackupDatabase(ctx context.Context, dir string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("backup directory is not configured")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("could not create backup directory %s: %w", dir, err)
	}

	timestamp := time.Now().UTC().Format("2006-01-02_15-04-05")
	backupPath := filepath.Join(dir, fmt.Sprintf("basement_backup_%s.db", timestamp))

	ds.logger.Info("Starting database backup", "destination", backupPath)

	if _, err := ds.DB.ExecContext(ctx, "VACUUM INTO ?", backupPath); err != nil {
		if removeErr := os.Remove(backupPath); removeErr != nil && !os.IsNotExist(removeErr) {
			ds.logger.Error("Failed to remove incomplete backup file", "path", backupPath, "error", removeErr)
		}
		return "", fmt.Errorf("VACUUM INTO command failed: %w", err)
	}
	return backupPath, nil
}

// runMigrations applies all un-applied migrations.
func runMigrations(db *sql.DB, logger *slog.Logger) error {
	var latestVersion uint
	err := db.QueryRow("SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1").Scan(&latestVersion)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("could not get db version: %w", err)
	}

	logger.Info("Current database schema version", "version", latestVersion)

	for _, m := range allMigrations {
		if m.Version <= latestVersion {
			continue
		}
		logger.Info("Applying migration", "version", m.Version)
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.Query); err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				logger.Error("Failed to rollback migration", "version", m.Version, "error", rerr)
			}
			return fmt.Errorf("failed to apply migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", m.Version, time.Now().UTC()); err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				logger.Error("Failed to rollback migration record", "version", m.Version, "error", rerr)
			}
			return fmt.Errorf("failed to record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration v%d: %w", m.Version, err)
		}
		logger.Info("Successfully applied migration", "version", m.Version)
	}
	return nil
}

// withTx runs fn in a transaction, committing only if fn succeeds.
func (ds *DatabaseService) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := ds.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", op, err)
	}
	defer func() {
		if rerr := tx.Rollback(); rerr != nil && rerr != sql.ErrTxDone {
			ds.logger.Error("Failed to rollback transaction", "op", op, "error", rerr)
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", op, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// --- Boards ---

// GetBoard fetches a board by slug, using the instance's cache.
func (ds *DatabaseService) GetBoard(ctx context.Context, slug string) (*models.Board, error) {
	ds.cacheMu.RLock()
	cached, ok := ds.boardCache[slug]
	ds.cacheMu.RUnlock()
	if ok {
		b := *cached
		return &b, nil
	}

	var board models.Board
	err := ds.DB.QueryRowContext(ctx, "SELECT id, slug, title, about, is_hidden, created_at FROM boards WHERE slug = ?", slug).Scan(
		&board.ID, &board.Slug, &board.Title, &board.About, &board.IsHidden, &board.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("board '%s': %w", slug, ErrNotFound)
		}
		return nil, fmt.Errorf("db error getting board '%s': %w", slug, err)
	}

	ds.cacheMu.Lock()
	ds.boardCache[slug] = &board
	ds.cacheMu.Unlock()
	b := board
	return &b, nil
}

// ListBoards returns boards ordered by slug with their live thread counts.
func (ds *DatabaseService) ListBoards(ctx context.Context, includeHidden bool) ([]models.Board, error) {
	rows, err := ds.DB.QueryContext(ctx, `
		SELECT b.id, b.slug, b.title, b.about, b.is_hidden, b.created_at, COUNT(t.id)
		FROM boards b LEFT JOIN threads t ON t.board_id = b.id
		WHERE b.is_hidden = 0 OR ?
		GROUP BY b.id ORDER BY b.slug`, includeHidden)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			ds.logger.Error("Failed to close rows in ListBoards", "error", err)
		}
	}()

	boards := []models.Board{}
	for rows.Next() {
		var b models.Board
		if err := rows.Scan(&b.ID, &b.Slug, &b.Title, &b.About, &b.IsHidden, &b.CreatedAt, &b.ThreadCount); err != nil {
			return nil, fmt.Errorf("scan board: %w", err)
		}
		boards = append(boards, b)
	}
	return boards, rows.Err()
}

// CreateBoard inserts a board. A taken slug yields ErrConflict.
func (ds *DatabaseService) CreateBoard(ctx context.Context, b *models.Board, modWallet string) error {
	return ds.withTx(ctx, "CreateBoard", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "INSERT INTO boards (slug, title, about, is_hidden, created_at) VALUES (?, ?, ?, ?, ?)",
			b.Slug, b.Title, b.About, b.IsHidden, b.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("board '%s': %w", b.Slug, ErrConflict)
			}
			return fmt.Errorf("failed to insert board: %w", err)
		}
		if b.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		if modWallet != "" {
			return LogModAction(ctx, tx, modWallet, "create_board", b.Slug, b.Title)
		}
		return nil
	})
}

// --- Admins ---

// IsAdmin reports whether the wallet may moderate. Addresses compare case-insensitively.
func (ds *DatabaseService) IsAdmin(ctx context.Context, wallet string) (bool, error) {
	var exists bool
	err := ds.DB.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM admins WHERE wallet_addr = ?)", strings.ToLower(wallet)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("admin lookup: %w", err)
	}
	return exists, nil
}

// AddAdmin grants moderation rights. Adding an existing admin is a no-op.
func (ds *DatabaseService) AddAdmin(ctx context.Context, wallet string) error {
	_, err := ds.DB.ExecContext(ctx, "INSERT OR IGNORE INTO admins (wallet_addr, created_at) VALUES (?, ?)", strings.ToLower(wallet), time.Now().UTC())
	return err
}

// --- Moderation Log ---

// LogModAction records a moderator's action within the caller's transaction.
func LogModAction(ctx context.Context, tx *sql.Tx, modWallet, action, targetID, details string) error {
	_, err := tx.ExecContext(ctx, "INSERT INTO mod_actions (timestamp, mod_wallet, action, target_id, details) VALUES (?, ?, ?, ?, ?)",
		time.Now().UTC(), strings.ToLower(modWallet), action, nullString(targetID), nullString(details))
	if err != nil {
		return fmt.Errorf("failed to execute mod action log: %w", err)
	}
	return nil
}

// ListModActions returns the most recent moderation log entries.
func (ds *DatabaseService) ListModActions(ctx context.Context, limit int) ([]models.ModAction, error) {
	rows, err := ds.DB.QueryContext(ctx, "SELECT id, timestamp, mod_wallet, action, target_id, details FROM mod_actions ORDER BY timestamp DESC, id DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			ds.logger.Error("Failed to close rows in ListModActions", "error", err)
		}
	}()

	var actions []models.ModAction
	for rows.Next() {
		var a models.ModAction
		if err := rows.Scan(&a.ID, &a.Timestamp, &a.ModWallet, &a.Action, &a.TargetID, &a.Details); err != nil {
			return nil, fmt.Errorf("scan mod action: %w", err)
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}
