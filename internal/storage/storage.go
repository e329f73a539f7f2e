package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/global/*.sql migrations/guild/*.sql
var migrations embed.FS

var (
	ErrKeyNotFound = errors.New("restore key not found")
	ErrKeyConflict = errors.New("restore key was replaced concurrently")
)

type Store struct {
	db *sql.DB
}

type AuditLog struct {
	ID        int64
	GuildID   string
	UserID    string
	Level     string
	Event     string
	Details   string
	CreatedAt time.Time
}

func New(dbPath string) (*Store, error) {
	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func openDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func (s *Store) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

// Ping reports whether the global database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Migrate() error {
	return migrate(s.db, "migrations/global")
}

func migrate(db *sql.DB, dir string) error {
	entries, err := migrations.ReadDir(dir)
	if err != nil {
		return err
	}

	var files []string
	for _, entry := range entries {
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	for _, file := range files {
		content, err := migrations.ReadFile(path.Join(dir, file))
		if err != nil {
			return err
		}
		if _, err := db.Exec(string(content)); err != nil {
			if isIgnorableMigrationError(err) {
				continue
			}
			return fmt.Errorf("migration %s failed: %w", file, err)
		}
	}
	return nil
}

func (s *Store) RegisterKey(ctx context.Context, guildID, key string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO Keys (Key, serverId) VALUES (?, ?)`, key, guildID)
	return err
}

func (s *Store) ResolveKey(ctx context.Context, key string) (string, error) {
	var guildID string
	err := s.db.QueryRowContext(ctx, `SELECT serverId FROM Keys WHERE Key = ?`, key).Scan(&guildID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrKeyNotFound
		}
		return "", err
	}
	return guildID, nil
}

func (s *Store) KeyForGuild(ctx context.Context, guildID string) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx, `SELECT Key FROM Keys WHERE serverId = ? LIMIT 1`, guildID).Scan(&key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrKeyNotFound
		}
		return "", err
	}
	return key, nil
}

// RotateKey swaps oldKey for newKey only while oldKey is still the guild's
// live key. A guild without any mapping gets newKey inserted; a guild whose
// live key is some other key is left alone and ErrKeyConflict is returned.
func (s *Store) RotateKey(ctx context.Context, guildID, oldKey, newKey string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `UPDATE Keys SET Key = ? WHERE Key = ? AND serverId = ?`, newKey, oldKey, guildID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var live int
		if err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM Keys WHERE serverId = ?`, guildID).Scan(&live); err != nil {
			return err
		}
		if live > 0 {
			return ErrKeyConflict
		}
		if _, err = tx.ExecContext(ctx, `INSERT INTO Keys (Key, serverId) VALUES (?, ?)`, newKey, guildID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) AddAuditLog(ctx context.Context, log AuditLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (guild_id, user_id, level, event, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, log.GuildID, log.UserID, log.Level, log.Event, log.Details, log.CreatedAt.Unix())
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, guildID string, since time.Time) ([]AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, guild_id, user_id, level, event, details, created_at
		FROM audit_logs
		WHERE guild_id = ? AND created_at >= ?
		ORDER BY created_at DESC
	`, guildID, since.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []AuditLog
	for rows.Next() {
		var log AuditLog
		var created int64
		if err := rows.Scan(&log.ID, &log.GuildID, &log.UserID, &log.Level, &log.Event, &log.Details, &created); err != nil {
			return nil, err
		}
		log.CreatedAt = time.Unix(created, 0)
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

func (s *Store) CleanupAuditLogs(ctx context.Context, retentionDays int) error {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	_, err := s.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE created_at < ?`, cutoff.Unix())
	return err
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func isIgnorableMigrationError(err error) bool {
	if err == nil {
		return false
	}
	message := err.Error()
	return strings.Contains(message, "duplicate column name") || strings.Contains(message, "already exists")
}
