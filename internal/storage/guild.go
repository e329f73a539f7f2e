package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var (
	ErrGuildNotRegistered = errors.New("guild is not registered")
	ErrGuildExists        = errors.New("guild is already registered")
)

// GuildStore wraps one guild's database file. Callers open it for a single
// unit of work and close it right after.
type GuildStore struct {
	db      *sql.DB
	guildID string
}

type GuildInfo struct {
	Name string
	ID   string
	Date string
	Key  string
}

type GuildSettings struct {
	LoggingIP        bool
	LoggingMail      bool
	WebhookURL       string
	RoleID           string
	UseCaptcha       bool
	BlockVPN         bool
	LoggingChannelID string
}

type AuthorizedUser struct {
	UserID       string
	RefreshToken string
	Email        string
	IP           string
	ServiceToken string
}

func GuildDBPath(folder, guildID string) string {
	return filepath.Join(folder, guildID+".db")
}

func GuildExists(folder, guildID string) bool {
	_, err := os.Stat(GuildDBPath(folder, guildID))
	return err == nil
}

// CreateGuild creates and initialises the guild's database file. The file is
// removed again when any step fails so the guild can register later.
func CreateGuild(ctx context.Context, folder, guildID, name, key string) (_ *GuildStore, err error) {
	if GuildExists(folder, guildID) {
		return nil, ErrGuildExists
	}
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return nil, err
	}
	db, err := openDB(GuildDBPath(folder, guildID))
	if err != nil {
		return nil, err
	}
	g := &GuildStore{db: db, guildID: guildID}
	defer func() {
		if err != nil {
			g.Close()
			_ = RemoveGuild(folder, guildID)
		}
	}()

	if err := migrate(db, "migrations/guild"); err != nil {
		return nil, err
	}
	date := time.Now().Format("2006-01-02 15:04:05")
	if _, err := db.ExecContext(ctx, `INSERT INTO Info (name, id, date, key) VALUES (?, ?, ?, ?)`, name, guildID, date, key); err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO Settings (loggingIp, loggingMail, useCaptcha, blockVpn) VALUES (0, 0, 0, 0)`); err != nil {
		return nil, err
	}
	return g, nil
}

// RemoveGuild deletes the guild's database file and its SQLite sidecars.
func RemoveGuild(folder, guildID string) error {
	path := GuildDBPath(folder, guildID)
	for _, suffix := range []string{"-journal", "-wal", "-shm"} {
		_ = os.Remove(path + suffix)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// RegisterGuild creates the guild's database and maps key to it. A failure
// leaves neither the file nor the mapping behind.
func (s *Store) RegisterGuild(ctx context.Context, folder, guildID, name, key string) error {
	guild, err := CreateGuild(ctx, folder, guildID, name, key)
	if err != nil {
		return err
	}
	guild.Close()
	if err := s.RegisterKey(ctx, guildID, key); err != nil {
		if rmErr := RemoveGuild(folder, guildID); rmErr != nil {
			return fmt.Errorf("register key: %w (cleanup: %v)", err, rmErr)
		}
		return fmt.Errorf("register key: %w", err)
	}
	return nil
}

func OpenGuild(ctx context.Context, folder, guildID string) (*GuildStore, error) {
	if !GuildExists(folder, guildID) {
		return nil, ErrGuildNotRegistered
	}
	db, err := openDB(GuildDBPath(folder, guildID))
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open guild %s: %w", guildID, err)
	}
	return &GuildStore{db: db, guildID: guildID}, nil
}

func (g *GuildStore) Close() {
	if g.db != nil {
		_ = g.db.Close()
	}
}

func (g *GuildStore) GuildID() string {
	return g.guildID
}

func (g *GuildStore) Info(ctx context.Context) (GuildInfo, error) {
	var info GuildInfo
	var name, id, date, key sql.NullString
	err := g.db.QueryRowContext(ctx, `SELECT name, id, date, key FROM Info LIMIT 1`).Scan(&name, &id, &date, &key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return GuildInfo{ID: g.guildID}, nil
		}
		return GuildInfo{}, err
	}
	info.Name = name.String
	info.ID = id.String
	info.Date = date.String
	info.Key = key.String
	return info, nil
}

func (g *GuildStore) SetKey(ctx context.Context, key string) error {
	_, err := g.db.ExecContext(ctx, `UPDATE Info SET key = ?`, key)
	return err
}

func (g *GuildStore) Settings(ctx context.Context) (GuildSettings, error) {
	var settings GuildSettings
	var loggingIP, loggingMail, captcha, vpn int
	var webhook, role, channel sql.NullString
	err := g.db.QueryRowContext(ctx, `
		SELECT loggingIp, loggingMail, webhookUrl, roleId, useCaptcha, blockVpn, loggingChannelId
		FROM Settings LIMIT 1`).Scan(&loggingIP, &loggingMail, &webhook, &role, &captcha, &vpn, &channel)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return settings, nil
		}
		return GuildSettings{}, err
	}
	settings.LoggingIP = loggingIP == 1
	settings.LoggingMail = loggingMail == 1
	settings.WebhookURL = webhook.String
	settings.RoleID = role.String
	settings.UseCaptcha = captcha == 1
	settings.BlockVPN = vpn == 1
	settings.LoggingChannelID = channel.String
	return settings, nil
}

func (g *GuildStore) UpdateSettings(ctx context.Context, settings GuildSettings) error {
	res, err := g.db.ExecContext(ctx, `
		UPDATE Settings SET
			loggingIp = ?, loggingMail = ?, webhookUrl = ?, roleId = ?,
			useCaptcha = ?, blockVpn = ?, loggingChannelId = ?
	`,
		boolToInt(settings.LoggingIP),
		boolToInt(settings.LoggingMail),
		nullString(settings.WebhookURL),
		nullString(settings.RoleID),
		boolToInt(settings.UseCaptcha),
		boolToInt(settings.BlockVPN),
		nullString(settings.LoggingChannelID),
	)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return nil
	}
	_, err = g.db.ExecContext(ctx, `
		INSERT INTO Settings (loggingIp, loggingMail, webhookUrl, roleId, useCaptcha, blockVpn, loggingChannelId)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		boolToInt(settings.LoggingIP),
		boolToInt(settings.LoggingMail),
		nullString(settings.WebhookURL),
		nullString(settings.RoleID),
		boolToInt(settings.UseCaptcha),
		boolToInt(settings.BlockVPN),
		nullString(settings.LoggingChannelID),
	)
	return err
}

func (g *GuildStore) UpsertUser(ctx context.Context, user AuthorizedUser) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO Users (userId, refreshToken, email, ip, serviceToken)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(userId) DO UPDATE SET
			refreshToken = excluded.refreshToken,
			email = excluded.email,
			ip = excluded.ip,
			serviceToken = excluded.serviceToken
	`, user.UserID, nullString(user.RefreshToken), nullString(user.Email), nullString(user.IP), nullString(user.ServiceToken))
	return err
}

// AuthorizedUsers returns the users that still hold a refresh token.
func (g *GuildStore) AuthorizedUsers(ctx context.Context) ([]AuthorizedUser, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT userId, refreshToken, email, ip, serviceToken
		FROM Users
		WHERE refreshToken IS NOT NULL AND refreshToken != ''
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []AuthorizedUser
	for rows.Next() {
		var user AuthorizedUser
		var email, ip, service sql.NullString
		if err := rows.Scan(&user.UserID, &user.RefreshToken, &email, &ip, &service); err != nil {
			return nil, err
		}
		user.Email = email.String
		user.IP = ip.String
		user.ServiceToken = service.String
		users = append(users, user)
	}
	return users, rows.Err()
}

func (g *GuildStore) CountUsers(ctx context.Context) (int, error) {
	var count int
	err := g.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM Users`).Scan(&count)
	return count, err
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
