package storage

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"

	"github.com/google/uuid"
)

func hashPassword(password, salt string) string {
	sum := sha256.Sum256([]byte(password + salt))
	return hex.EncodeToString(sum[:])
}

func newSalt() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

func (s *Store) SetWebPanelCredentials(ctx context.Context, guildID, id, password string) error {
	salt := newSalt()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO WebPanel (id, password, salt, serverId) VALUES (?, ?, ?, ?)
		ON CONFLICT(serverId) DO UPDATE SET
			id = excluded.id,
			password = excluded.password,
			salt = excluded.salt
	`, id, hashPassword(password, salt), salt, guildID)
	return err
}

// VerifyWebPanel returns the guild bound to the credentials, or "" when they
// do not match.
func (s *Store) VerifyWebPanel(ctx context.Context, id, password string) (string, error) {
	var hash, salt, guildID string
	err := s.db.QueryRowContext(ctx, `SELECT password, salt, serverId FROM WebPanel WHERE id = ?`, id).Scan(&hash, &salt, &guildID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	if subtle.ConstantTimeCompare([]byte(hash), []byte(hashPassword(password, salt))) != 1 {
		return "", nil
	}
	return guildID, nil
}
