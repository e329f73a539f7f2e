package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

const tokenFanOutLimit = 4

// ReplaceRefreshToken rewrites oldToken to newToken in every guild database
// under folder. The same token can be stored by several guilds, so all of
// them are patched. It returns how many databases changed.
func ReplaceRefreshToken(ctx context.Context, folder, oldToken, newToken string) (int, error) {
	if oldToken == "" || newToken == "" || oldToken == newToken {
		return 0, nil
	}
	files, err := filepath.Glob(filepath.Join(folder, "*.db"))
	if err != nil {
		return 0, err
	}

	var changed atomic.Int64
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(tokenFanOutLimit)
	for _, file := range files {
		file := file
		group.Go(func() error {
			n, err := replaceTokenInFile(ctx, file, oldToken, newToken)
			if err != nil {
				return fmt.Errorf("%s: %w", filepath.Base(file), err)
			}
			if n > 0 {
				changed.Add(1)
			}
			return nil
		})
	}
	err = group.Wait()
	return int(changed.Load()), err
}

func replaceTokenInFile(ctx context.Context, file, oldToken, newToken string) (int64, error) {
	db, err := openDB(file)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	res, err := db.ExecContext(ctx, `UPDATE Users SET refreshToken = ? WHERE refreshToken = ?`, newToken, oldToken)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return 0, nil
		}
		return 0, err
	}
	return res.RowsAffected()
}
