package storage

import (
	"context"
	"fmt"
	"strings"
)

type ListKind int

const (
	WhitelistUser ListKind = iota
	WhitelistIP
	WhitelistMail
	BlacklistUser
	BlacklistIP
	BlacklistMail
)

type listQueries struct {
	name   string
	insert string
	delete string
	exists string
	all    string
}

// Table names never come from callers; each kind owns fixed statements.
var listStatements = map[ListKind]listQueries{
	WhitelistUser: {
		name:   "whitelist user",
		insert: `INSERT OR IGNORE INTO WhiteListUserId (value) VALUES (?)`,
		delete: `DELETE FROM WhiteListUserId WHERE value = ?`,
		exists: `SELECT COUNT(1) FROM WhiteListUserId WHERE value = ?`,
		all:    `SELECT value FROM WhiteListUserId ORDER BY value`,
	},
	WhitelistIP: {
		name:   "whitelist ip",
		insert: `INSERT OR IGNORE INTO WhiteListIp (value) VALUES (?)`,
		delete: `DELETE FROM WhiteListIp WHERE value = ?`,
		exists: `SELECT COUNT(1) FROM WhiteListIp WHERE value = ?`,
		all:    `SELECT value FROM WhiteListIp ORDER BY value`,
	},
	WhitelistMail: {
		name:   "whitelist mail",
		insert: `INSERT OR IGNORE INTO WhiteListMail (value) VALUES (?)`,
		delete: `DELETE FROM WhiteListMail WHERE value = ?`,
		exists: `SELECT COUNT(1) FROM WhiteListMail WHERE value = ?`,
		all:    `SELECT value FROM WhiteListMail ORDER BY value`,
	},
	BlacklistUser: {
		name:   "blacklist user",
		insert: `INSERT OR IGNORE INTO BlackListUserId (value) VALUES (?)`,
		delete: `DELETE FROM BlackListUserId WHERE value = ?`,
		exists: `SELECT COUNT(1) FROM BlackListUserId WHERE value = ?`,
		all:    `SELECT value FROM BlackListUserId ORDER BY value`,
	},
	BlacklistIP: {
		name:   "blacklist ip",
		insert: `INSERT OR IGNORE INTO BlackListIp (value) VALUES (?)`,
		delete: `DELETE FROM BlackListIp WHERE value = ?`,
		exists: `SELECT COUNT(1) FROM BlackListIp WHERE value = ?`,
		all:    `SELECT value FROM BlackListIp ORDER BY value`,
	},
	BlacklistMail: {
		name:   "blacklist mail",
		insert: `INSERT OR IGNORE INTO BlackListMail (value) VALUES (?)`,
		delete: `DELETE FROM BlackListMail WHERE value = ?`,
		exists: `SELECT COUNT(1) FROM BlackListMail WHERE value = ?`,
		all:    `SELECT value FROM BlackListMail ORDER BY value`,
	},
}

// ParseListKind maps a list ("whitelist" or "blacklist") and a field
// ("user", "ip" or "mail") onto a kind.
func ParseListKind(list, field string) (ListKind, error) {
	key := strings.ToLower(list) + ":" + strings.ToLower(field)
	switch key {
	case "whitelist:user":
		return WhitelistUser, nil
	case "whitelist:ip":
		return WhitelistIP, nil
	case "whitelist:mail":
		return WhitelistMail, nil
	case "blacklist:user":
		return BlacklistUser, nil
	case "blacklist:ip":
		return BlacklistIP, nil
	case "blacklist:mail":
		return BlacklistMail, nil
	}
	return 0, fmt.Errorf("unknown list %q/%q", list, field)
}

func (k ListKind) String() string {
	if q, ok := listStatements[k]; ok {
		return q.name
	}
	return "unknown"
}

func (k ListKind) queries() (listQueries, error) {
	q, ok := listStatements[k]
	if !ok {
		return listQueries{}, fmt.Errorf("unknown list kind %d", int(k))
	}
	return q, nil
}

func (s *Store) AddListEntry(ctx context.Context, kind ListKind, value string) error {
	q, err := kind.queries()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, q.insert, strings.TrimSpace(value))
	return err
}

func (s *Store) RemoveListEntry(ctx context.Context, kind ListKind, value string) (bool, error) {
	q, err := kind.queries()
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, q.delete, strings.TrimSpace(value))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func (s *Store) IsListed(ctx context.Context, kind ListKind, value string) (bool, error) {
	q, err := kind.queries()
	if err != nil {
		return false, err
	}
	var count int
	if err := s.db.QueryRowContext(ctx, q.exists, strings.TrimSpace(value)).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Store) ListEntries(ctx context.Context, kind ListKind) ([]string, error) {
	q, err := kind.queries()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, q.all)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, rows.Err()
}
