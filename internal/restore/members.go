package restore

import (
	"context"
	"errors"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"restorebot/internal/progress"
	"restorebot/internal/storage"
)

type MemberLister interface {
	Members(ctx context.Context, guildID string, limit int) ([]*discordgo.Member, error)
}

type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

type MemberAdder interface {
	AddMember(ctx context.Context, guildID, userID, accessToken string) (AddStatus, error)
}

// TokenRotator persists a refresh token the identity provider replaced.
type TokenRotator func(ctx context.Context, oldToken, newToken string) error

type MemberResult struct {
	Succeeded      int
	Failed         int
	AlreadyPresent int
	Total          int
}

type MemberRestorer struct {
	lister   MemberLister
	refresh  TokenRefresher
	adder    MemberAdder
	rotate   TokenRotator
	pageSize int
	logger   *zap.Logger
}

func NewMemberRestorer(lister MemberLister, refresh TokenRefresher, adder MemberAdder, rotate TokenRotator, pageSize int, logger *zap.Logger) *MemberRestorer {
	if pageSize <= 0 {
		pageSize = 1000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemberRestorer{lister: lister, refresh: refresh, adder: adder, rotate: rotate, pageSize: pageSize, logger: logger}
}

// Restore re-adds every user to guildID. Each user gets one refresh and one
// add attempt; failures are counted and the loop moves on.
func (r *MemberRestorer) Restore(ctx context.Context, users []storage.AuthorizedUser, guildID string, reporter progress.Reporter) (MemberResult, error) {
	result := MemberResult{Total: len(users)}
	logger := r.logger.With(zap.String("guild_id", guildID), zap.String("phase", "members"))
	if reporter == nil {
		reporter = progress.Nop
	}

	members, err := r.lister.Members(ctx, guildID, r.pageSize)
	if err != nil {
		return result, err
	}
	present := make(map[string]bool, len(members))
	for _, m := range members {
		if m.User != nil {
			present[m.User.ID] = true
		}
	}

	for i, user := range users {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		switch {
		case present[user.UserID]:
			result.AlreadyPresent++
		default:
			status, err := r.restoreOne(ctx, guildID, user)
			switch {
			case err != nil:
				result.Failed++
				logger.Warn("member restore failed", zap.String("user_id", user.UserID), zap.Error(err))
			case status == AlreadyMember:
				result.AlreadyPresent++
			default:
				result.Succeeded++
			}
		}
		reporter.Report(progress.Update{Phase: "members", Done: i + 1, Total: len(users), Failed: result.Failed})
	}

	logger.Info("member restore finished",
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Int("already_present", result.AlreadyPresent),
		zap.Int("total", result.Total),
	)
	return result, nil
}

var errNoAccessToken = errors.New("token refresh returned no access token")

func (r *MemberRestorer) restoreOne(ctx context.Context, guildID string, user storage.AuthorizedUser) (AddStatus, error) {
	token, err := r.refresh.Refresh(ctx, user.RefreshToken)
	if err != nil {
		return 0, err
	}
	if token == nil || token.AccessToken == "" {
		return 0, errNoAccessToken
	}
	if token.RefreshToken != "" && token.RefreshToken != user.RefreshToken && r.rotate != nil {
		if err := r.rotate(ctx, user.RefreshToken, token.RefreshToken); err != nil {
			r.logger.Error("persist rotated refresh token failed", zap.String("user_id", user.UserID), zap.Error(err))
		}
	}
	return r.adder.AddMember(ctx, guildID, user.UserID, token.AccessToken)
}
