package restore

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"restorebot/internal/assets"
	"restorebot/internal/progress"
	"restorebot/internal/snapshot"
)

const (
	defaultStickerDescription = "Restored sticker"
	defaultStickerTag         = "⭐"
)

// StickerUpload is the multipart payload for a guild sticker.
type StickerUpload struct {
	Name        string
	Description string
	Tags        string
	FileName    string
	Data        []byte
}

// Target is the write side of the destination guild.
type Target interface {
	Guild(ctx context.Context, guildID string) (*discordgo.Guild, error)
	Roles(ctx context.Context, guildID string) ([]*discordgo.Role, error)
	Channels(ctx context.Context, guildID string) ([]snapshot.SourceChannel, error)
	Emojis(ctx context.Context, guildID string) ([]*discordgo.Emoji, error)
	Stickers(ctx context.Context, guildID string) ([]*discordgo.Sticker, error)

	DeleteChannel(ctx context.Context, channelID string) error
	DeleteRole(ctx context.Context, guildID, roleID string) error
	DeleteEmoji(ctx context.Context, guildID, emojiID string) error
	DeleteSticker(ctx context.Context, guildID, stickerID string) error

	CreateRole(ctx context.Context, guildID string, params *discordgo.RoleParams) (*discordgo.Role, error)
	CreateChannel(ctx context.Context, guildID string, data discordgo.GuildChannelCreateData) (*discordgo.Channel, error)
	CreateEmoji(ctx context.Context, guildID string, params *discordgo.EmojiParams) (*discordgo.Emoji, error)
	CreateSticker(ctx context.Context, guildID string, upload StickerUpload) error
	EditGuild(ctx context.Context, guildID string, params *discordgo.GuildParams) error
}

type AssetFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

type Tally struct {
	Succeeded int
	Failed    int
}

type CleanupResult struct {
	Channels Tally
	Roles    Tally
	Emojis   Tally
	Stickers Tally
}

type StructureResult struct {
	Categories    Tally
	Channels      Tally
	Roles         Tally
	Emojis        Tally
	Stickers      Tally
	IconApplied   bool
	BannerApplied bool
}

func (r StructureResult) Totals() (created, failed int) {
	for _, t := range []Tally{r.Categories, r.Channels, r.Roles, r.Emojis, r.Stickers} {
		created += t.Succeeded
		failed += t.Failed
	}
	return created, failed
}

// StructureRestorer recreates a snapshot in a guild. Cleanup and Restore are
// separate phases; Restore alone is additive.
type StructureRestorer struct {
	target  Target
	fetcher AssetFetcher
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewStructureRestorer(target Target, fetcher AssetFetcher, limiter *rate.Limiter, logger *zap.Logger) *StructureRestorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StructureRestorer{target: target, fetcher: fetcher, limiter: limiter, logger: logger}
}

func (r *StructureRestorer) wait(ctx context.Context) error {
	if r.limiter == nil {
		return ctx.Err()
	}
	return r.limiter.Wait(ctx)
}

// Cleanup deletes the guild's channels, roles, emojis and stickers. Every
// deletion is attempted independently.
func (r *StructureRestorer) Cleanup(ctx context.Context, guildID string, reporter progress.Reporter) (CleanupResult, error) {
	var result CleanupResult
	logger := r.logger.With(zap.String("guild_id", guildID), zap.String("phase", "cleanup"))
	if reporter == nil {
		reporter = progress.Nop
	}

	channels, err := r.target.Channels(ctx, guildID)
	if err != nil {
		return result, err
	}
	roles, err := r.target.Roles(ctx, guildID)
	if err != nil {
		return result, err
	}
	emojis, err := r.target.Emojis(ctx, guildID)
	if err != nil {
		return result, err
	}
	stickers, err := r.target.Stickers(ctx, guildID)
	if err != nil {
		return result, err
	}

	total := len(channels) + len(roles) + len(emojis) + len(stickers)
	done, failed := 0, 0
	step := func(t *Tally, err error, kind, name string) {
		done++
		if err != nil {
			t.Failed++
			failed++
			logger.Warn("delete failed", zap.String("kind", kind), zap.String("name", name), zap.Error(err))
		} else {
			t.Succeeded++
		}
		reporter.Report(progress.Update{Phase: "cleanup", Done: done, Total: total, Failed: failed})
	}

	for _, ch := range channels {
		if err := r.wait(ctx); err != nil {
			return result, err
		}
		step(&result.Channels, r.target.DeleteChannel(ctx, ch.ID), "channel", ch.Name)
	}
	for _, role := range roles {
		if role.ID == guildID || role.Managed {
			done++
			continue
		}
		if err := r.wait(ctx); err != nil {
			return result, err
		}
		step(&result.Roles, r.target.DeleteRole(ctx, guildID, role.ID), "role", role.Name)
	}
	for _, emoji := range emojis {
		if err := r.wait(ctx); err != nil {
			return result, err
		}
		step(&result.Emojis, r.target.DeleteEmoji(ctx, guildID, emoji.ID), "emoji", emoji.Name)
	}
	for _, sticker := range stickers {
		if err := r.wait(ctx); err != nil {
			return result, err
		}
		step(&result.Stickers, r.target.DeleteSticker(ctx, guildID, sticker.ID), "sticker", sticker.Name)
	}

	logger.Info("cleanup finished",
		zap.Int("channels", result.Channels.Succeeded),
		zap.Int("roles", result.Roles.Succeeded),
		zap.Int("emojis", result.Emojis.Succeeded),
		zap.Int("stickers", result.Stickers.Succeeded),
		zap.Int("failed", failed),
	)
	return result, nil
}

type roleMap struct {
	byID   map[snapshot.ID]string
	byName map[string]string
}

func (m roleMap) resolve(ow snapshot.Overwrite) (string, bool) {
	if ow.ID != "" {
		if id, ok := m.byID[ow.ID]; ok {
			return id, true
		}
	}
	id, ok := m.byName[ow.Name]
	return id, ok && ow.Name != ""
}

// Restore recreates roles, categories, channels, emojis and stickers in that
// order, then re-applies the icon and banner found in dir.
func (r *StructureRestorer) Restore(ctx context.Context, snap *snapshot.Snapshot, dir, guildID string, reporter progress.Reporter) (StructureResult, error) {
	var result StructureResult
	logger := r.logger.With(zap.String("guild_id", guildID), zap.String("phase", "restore"))
	if reporter == nil {
		reporter = progress.Nop
	}

	guild, err := r.target.Guild(ctx, guildID)
	if err != nil {
		return result, err
	}
	community := false
	for _, f := range guild.Features {
		if f == discordgo.GuildFeatureCommunity {
			community = true
		}
	}

	var categories, leaves []snapshot.Channel
	for _, ch := range snap.Channels {
		if ch.IsCategory() {
			categories = append(categories, ch)
		} else {
			leaves = append(leaves, ch)
		}
	}
	roles := make([]snapshot.Role, 0, len(snap.Roles))
	roleIDs := roleMap{byID: map[snapshot.ID]string{}, byName: map[string]string{}}
	for _, role := range snap.Roles {
		if role.IsDefault() {
			if role.ID != "" {
				roleIDs.byID[role.ID] = guildID
			}
			continue
		}
		roles = append(roles, role)
	}
	roleIDs.byName[snapshot.DefaultRoleName] = guildID
	sort.SliceStable(roles, func(i, j int) bool { return roles[i].Position > roles[j].Position })

	total := len(roles) + len(categories) + len(leaves) + len(snap.Emojis) + len(snap.Stickers)
	done, failed := 0, 0
	step := func(t *Tally, phase string, err error, kind, name string) {
		done++
		if err != nil {
			t.Failed++
			failed++
			logger.Warn("create failed", zap.String("kind", kind), zap.String("name", name), zap.Error(err))
		} else {
			t.Succeeded++
		}
		reporter.Report(progress.Update{Phase: phase, Done: done, Total: total, Failed: failed})
	}

	for _, role := range roles {
		if err := r.wait(ctx); err != nil {
			return result, err
		}
		color := role.EffectiveColor()
		perms := role.Permissions
		hoist := role.Hoist
		mentionable := role.Mentionable
		created, err := r.target.CreateRole(ctx, guildID, &discordgo.RoleParams{
			Name:        role.Name,
			Color:       &color,
			Hoist:       &hoist,
			Permissions: &perms,
			Mentionable: &mentionable,
		})
		if err == nil {
			if role.ID != "" {
				roleIDs.byID[role.ID] = created.ID
			}
			roleIDs.byName[role.Name] = created.ID
		}
		step(&result.Roles, "roles", err, "role", role.Name)
	}

	catByID := map[snapshot.ID]string{}
	catByName := map[string]string{}
	for _, cat := range categories {
		if err := r.wait(ctx); err != nil {
			return result, err
		}
		created, err := r.target.CreateChannel(ctx, guildID, discordgo.GuildChannelCreateData{
			Name:                 cat.Name,
			Type:                 discordgo.ChannelTypeGuildCategory,
			Position:             cat.Position,
			PermissionOverwrites: roleIDs.overwrites(cat.Overwrites),
		})
		if err == nil {
			if cat.ID != "" {
				catByID[cat.ID] = created.ID
			}
			catByName[cat.Name] = created.ID
		}
		step(&result.Categories, "categories", err, "category", cat.Name)
	}

	for _, ch := range leaves {
		if err := r.wait(ctx); err != nil {
			return result, err
		}
		parent := ""
		if id, ok := catByID[ch.ParentID]; ok && ch.ParentID != "" {
			parent = id
		} else if id, ok := catByName[ch.Category]; ok && ch.Category != "" {
			parent = id
		}
		_, err := r.target.CreateChannel(ctx, guildID, channelData(ch, parent, community, roleIDs.overwrites(ch.Overwrites)))
		step(&result.Channels, "channels", err, "channel", ch.Name)
	}

	for _, emoji := range snap.Emojis {
		if err := r.wait(ctx); err != nil {
			return result, err
		}
		err := r.createEmoji(ctx, guildID, dir, emoji, roleIDs)
		step(&result.Emojis, "emojis", err, "emoji", emoji.Name)
	}

	for _, sticker := range snap.Stickers {
		if err := r.wait(ctx); err != nil {
			return result, err
		}
		err := r.createSticker(ctx, guildID, dir, sticker)
		step(&result.Stickers, "stickers", err, "sticker", sticker.Name)
	}

	result.IconApplied = r.applyGuildImage(ctx, logger, guildID, filepath.Join(dir, snapshot.IconFile), func(uri string) *discordgo.GuildParams {
		return &discordgo.GuildParams{Icon: uri}
	})
	result.BannerApplied = r.applyGuildImage(ctx, logger, guildID, filepath.Join(dir, snapshot.BannerFile), func(uri string) *discordgo.GuildParams {
		return &discordgo.GuildParams{Banner: uri}
	})

	created, failedTotal := result.Totals()
	logger.Info("restore finished", zap.Int("created", created), zap.Int("failed", failedTotal))
	return result, nil
}

func (m roleMap) overwrites(in []snapshot.Overwrite) []*discordgo.PermissionOverwrite {
	out := make([]*discordgo.PermissionOverwrite, 0, len(in))
	for _, ow := range in {
		if ow.Type == snapshot.OverwriteMember {
			continue
		}
		id, ok := m.resolve(ow)
		if !ok {
			continue
		}
		out = append(out, &discordgo.PermissionOverwrite{
			ID:    id,
			Type:  discordgo.PermissionOverwriteTypeRole,
			Allow: ow.Allow,
			Deny:  ow.Deny,
		})
	}
	return out
}

// ChannelType maps a snapshot channel type onto one the destination accepts.
func ChannelType(t snapshot.ChannelType, community bool) discordgo.ChannelType {
	switch t {
	case snapshot.ChannelTypeVoice:
		return discordgo.ChannelTypeGuildVoice
	case snapshot.ChannelTypeNews:
		if community {
			return discordgo.ChannelTypeGuildNews
		}
	case snapshot.ChannelTypeStage:
		if community {
			return discordgo.ChannelTypeGuildStageVoice
		}
		return discordgo.ChannelTypeGuildVoice
	case snapshot.ChannelTypeForum:
		if community {
			return discordgo.ChannelTypeGuildForum
		}
	}
	return discordgo.ChannelTypeGuildText
}

func channelData(ch snapshot.Channel, parentID string, community bool, overwrites []*discordgo.PermissionOverwrite) discordgo.GuildChannelCreateData {
	data := discordgo.GuildChannelCreateData{
		Name:                 ch.Name,
		Type:                 ChannelType(ch.Type, community),
		Position:             ch.Position,
		PermissionOverwrites: overwrites,
		ParentID:             parentID,
	}
	switch data.Type {
	case discordgo.ChannelTypeGuildVoice, discordgo.ChannelTypeGuildStageVoice:
		data.Bitrate = ch.Bitrate
		data.UserLimit = ch.UserLimit
		if data.Type == discordgo.ChannelTypeGuildStageVoice {
			data.Topic = ch.Topic
		}
	default:
		data.Topic = ch.Topic
		data.NSFW = ch.NSFW
		data.RateLimitPerUser = ch.SlowmodeDelay
	}
	return data
}

// loadAsset prefers the remote url and falls back to the archived file.
func (r *StructureRestorer) loadAsset(ctx context.Context, url, dir, sub, file, fallbackName string) ([]byte, error) {
	if url != "" && r.fetcher != nil {
		data, err := r.fetcher.Fetch(ctx, url)
		if err == nil {
			return data, nil
		}
		r.logger.Debug("remote asset unavailable, using archived copy", zap.String("url", url), zap.Error(err))
	}
	name := path.Base(filepath.ToSlash(file))
	if file == "" || name == "." || name == "/" {
		name = fallbackName
	}
	return assets.ReadFile(filepath.Join(dir, sub, name))
}

func (r *StructureRestorer) createEmoji(ctx context.Context, guildID, dir string, emoji snapshot.Emoji, roles roleMap) error {
	data, err := r.loadAsset(ctx, emoji.URL, dir, snapshot.EmojisDir, emoji.Path, string(emoji.ID)+".png")
	if err != nil {
		return err
	}
	var allowed []string
	for _, id := range emoji.Roles {
		if mapped, ok := roles.byID[id]; ok && mapped != guildID {
			allowed = append(allowed, mapped)
		}
	}
	_, err = r.target.CreateEmoji(ctx, guildID, &discordgo.EmojiParams{
		Name:  emoji.Name,
		Image: assets.DataURI(data),
		Roles: allowed,
	})
	return err
}

func (r *StructureRestorer) createSticker(ctx context.Context, guildID, dir string, sticker snapshot.Sticker) error {
	data, err := r.loadAsset(ctx, sticker.URL, dir, snapshot.StickersDir, sticker.Path, string(sticker.ID)+".png")
	if err != nil {
		return err
	}
	upload := StickerUpload{
		Name:        sticker.Name,
		Description: sticker.Description,
		Tags:        sticker.Emoji,
		FileName:    string(sticker.ID) + ".png",
		Data:        data,
	}
	if upload.Description == "" {
		upload.Description = defaultStickerDescription
	}
	if upload.Tags == "" {
		upload.Tags = defaultStickerTag
	}
	if upload.FileName == ".png" {
		upload.FileName = "sticker.png"
	}
	return r.target.CreateSticker(ctx, guildID, upload)
}

func (r *StructureRestorer) applyGuildImage(ctx context.Context, logger *zap.Logger, guildID, file string, params func(string) *discordgo.GuildParams) bool {
	data, err := assets.ReadFile(file)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("read guild image failed", zap.String("file", file), zap.Error(err))
		}
		return false
	}
	if err := r.wait(ctx); err != nil {
		return false
	}
	if err := r.target.EditGuild(ctx, guildID, params(assets.DataURI(data))); err != nil {
		logger.Warn("apply guild image failed", zap.String("file", filepath.Base(file)), zap.Error(err))
		return false
	}
	return true
}
