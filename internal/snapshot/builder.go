package snapshot

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const (
	IconFile    = "icon.png"
	BannerFile  = "banner.png"
	EmojisDir   = "emojis"
	StickersDir = "stickers"
)

// SourceChannel carries the channel fields discordgo does not decode.
type SourceChannel struct {
	*discordgo.Channel
	RTCRegion                  string
	DefaultAutoArchiveDuration int
}

// Source is the read side of a live guild.
type Source interface {
	Guild(ctx context.Context, guildID string) (*discordgo.Guild, error)
	Roles(ctx context.Context, guildID string) ([]*discordgo.Role, error)
	Channels(ctx context.Context, guildID string) ([]SourceChannel, error)
	Emojis(ctx context.Context, guildID string) ([]*discordgo.Emoji, error)
	Stickers(ctx context.Context, guildID string) ([]*discordgo.Sticker, error)
	Bans(ctx context.Context, guildID string) ([]*discordgo.GuildBan, error)
}

type AssetSaver interface {
	Save(ctx context.Context, url, path string) error
}

type Builder struct {
	source Source
	assets AssetSaver
	logger *zap.Logger
	now    func() time.Time
}

func NewBuilder(source Source, assets AssetSaver, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{source: source, assets: assets, logger: logger, now: time.Now}
}

// Build snapshots the guild into dir/backup.json and its asset files.
// Asset downloads fail per item; role, channel and ban enumeration errors
// abort the build.
func (b *Builder) Build(ctx context.Context, guildID, dir, creator string) (*Snapshot, error) {
	logger := b.logger.With(zap.String("guild_id", guildID))

	guild, err := b.source.Guild(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("fetch guild: %w", err)
	}

	snap := &Snapshot{
		BackupInfo: BackupInfo{
			Timestamp: b.now().Format(TimestampLayout),
			Creator:   creator,
		},
		Roles:       []Role{},
		Channels:    []Channel{},
		Emojis:      []Emoji{},
		Stickers:    []Sticker{},
		BannedUsers: Bans{},
	}

	if guild.Icon != "" {
		if err := b.assets.Save(ctx, discordgo.EndpointGuildIcon(guild.ID, guild.Icon), filepath.Join(dir, IconFile)); err != nil {
			logger.Warn("icon backup failed", zap.Error(err))
		}
	}
	if guild.Banner != "" {
		if err := b.assets.Save(ctx, discordgo.EndpointGuildBanner(guild.ID, guild.Banner), filepath.Join(dir, BannerFile)); err != nil {
			logger.Warn("banner backup failed", zap.Error(err))
		}
	}

	snap.ServerInfo = ServerInfo{
		Name:        guild.Name,
		IsCommunity: hasFeature(guild, discordgo.GuildFeatureCommunity),
	}

	roles, err := b.source.Roles(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("fetch roles: %w", err)
	}
	roleNames := make(map[string]string, len(roles))
	for _, role := range roles {
		roleNames[role.ID] = role.Name
		snap.Roles = append(snap.Roles, Role{
			ID:          ID(role.ID),
			Name:        role.Name,
			Permissions: role.Permissions,
			Colour:      role.Color,
			Color:       role.Color,
			Hoist:       role.Hoist,
			Mentionable: role.Mentionable,
			Position:    role.Position,
		})
	}

	channels, err := b.source.Channels(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("fetch channels: %w", err)
	}

	bans, err := b.source.Bans(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("fetch bans: %w", err)
	}
	for _, ban := range bans {
		if ban.User == nil {
			continue
		}
		snap.BannedUsers = append(snap.BannedUsers, Ban{ID: ID(ban.User.ID), Reason: ban.Reason})
	}

	b.backupEmojis(ctx, logger, guildID, dir, snap)
	b.backupStickers(ctx, logger, guildID, dir, snap)

	system := map[string]bool{}
	byID := make(map[string]SourceChannel, len(channels))
	for _, ch := range channels {
		byID[ch.ID] = ch
	}
	for _, ref := range []struct {
		id     string
		target **Channel
	}{
		{guild.RulesChannelID, &snap.ServerInfo.RulesChannel},
		{guild.PublicUpdatesChannelID, &snap.ServerInfo.PublicUpdatesChannel},
		{guild.SystemChannelID, &snap.ServerInfo.SystemChannel},
	} {
		ch, ok := byID[ref.id]
		if ref.id == "" || !ok {
			continue
		}
		system[ref.id] = true
		desc := describeChannel(ch, byID, roleNames)
		*ref.target = &desc
	}

	for _, ch := range channels {
		if system[ch.ID] || ch.Type != discordgo.ChannelTypeGuildCategory {
			continue
		}
		desc := describeChannel(ch, byID, roleNames)
		desc.Children = []ID{}
		for _, child := range channels {
			if child.ParentID == ch.ID && !system[child.ID] {
				desc.Children = append(desc.Children, ID(child.ID))
			}
		}
		snap.Channels = append(snap.Channels, desc)
	}
	for _, ch := range channels {
		if system[ch.ID] || ch.Type == discordgo.ChannelTypeGuildCategory {
			continue
		}
		snap.Channels = append(snap.Channels, describeChannel(ch, byID, roleNames))
	}

	snap.SortChannels()

	if err := snap.Write(filepath.Join(dir, FileName)); err != nil {
		return nil, fmt.Errorf("write snapshot: %w", err)
	}
	logger.Info("snapshot written",
		zap.String("dir", dir),
		zap.Int("roles", len(snap.Roles)),
		zap.Int("channels", len(snap.Channels)),
		zap.Int("emojis", len(snap.Emojis)),
		zap.Int("stickers", len(snap.Stickers)),
		zap.Int("bans", len(snap.BannedUsers)),
	)
	return snap, nil
}

func (b *Builder) backupEmojis(ctx context.Context, logger *zap.Logger, guildID, dir string, snap *Snapshot) {
	emojis, err := b.source.Emojis(ctx, guildID)
	if err != nil {
		logger.Warn("emoji list failed", zap.Error(err))
		return
	}
	for _, emoji := range emojis {
		rel := filepath.Join(EmojisDir, emoji.ID+".png")
		url := EmojiURL(emoji.ID, emoji.Animated)
		if err := b.assets.Save(ctx, url, filepath.Join(dir, rel)); err != nil {
			logger.Warn("emoji backup failed", zap.String("emoji", emoji.Name), zap.Error(err))
			continue
		}
		roles := make([]ID, 0, len(emoji.Roles))
		for _, id := range emoji.Roles {
			roles = append(roles, ID(id))
		}
		snap.Emojis = append(snap.Emojis, Emoji{
			ID:        ID(emoji.ID),
			Name:      emoji.Name,
			Path:      filepath.ToSlash(rel),
			URL:       url,
			Animated:  emoji.Animated,
			Managed:   emoji.Managed,
			Available: emoji.Available,
			Roles:     roles,
		})
	}
}

func (b *Builder) backupStickers(ctx context.Context, logger *zap.Logger, guildID, dir string, snap *Snapshot) {
	stickers, err := b.source.Stickers(ctx, guildID)
	if err != nil {
		logger.Warn("sticker list failed", zap.Error(err))
		return
	}
	for _, sticker := range stickers {
		rel := filepath.Join(StickersDir, sticker.ID+".png")
		url := StickerURL(sticker.ID)
		if err := b.assets.Save(ctx, url, filepath.Join(dir, rel)); err != nil {
			logger.Warn("sticker backup failed", zap.String("sticker", sticker.Name), zap.Error(err))
			continue
		}
		snap.Stickers = append(snap.Stickers, Sticker{
			ID:          ID(sticker.ID),
			Name:        sticker.Name,
			Description: sticker.Description,
			Emoji:       sticker.Tags,
			Path:        filepath.ToSlash(rel),
			URL:         url,
			FormatType:  StickerFormatName(int(sticker.FormatType)),
			Available:   sticker.Available,
		})
	}
}

func describeChannel(ch SourceChannel, byID map[string]SourceChannel, roleNames map[string]string) Channel {
	desc := Channel{
		ID:         ID(ch.ID),
		Name:       ch.Name,
		Type:       ChannelType(ch.Type),
		Position:   ch.Position,
		Overwrites: []Overwrite{},
	}
	for _, ow := range ch.PermissionOverwrites {
		entry := Overwrite{ID: ID(ow.ID), Allow: ow.Allow, Deny: ow.Deny, Type: OverwriteRole}
		if ow.Type == discordgo.PermissionOverwriteTypeMember {
			entry.Type = OverwriteMember
		} else {
			entry.Name = roleNames[ow.ID]
		}
		desc.Overwrites = append(desc.Overwrites, entry)
	}
	if ch.Type == discordgo.ChannelTypeGuildCategory {
		return desc
	}
	if parent, ok := byID[ch.ParentID]; ok && ch.ParentID != "" {
		desc.ParentID = ID(parent.ID)
		desc.Category = parent.Name
	}
	switch desc.Type {
	case ChannelTypeText, ChannelTypeNews, ChannelTypeForum:
		desc.NSFW = ch.NSFW
		desc.Topic = ch.Topic
		desc.SlowmodeDelay = ch.RateLimitPerUser
		desc.DefaultAutoArchiveDuration = ch.DefaultAutoArchiveDuration
	case ChannelTypeVoice:
		desc.Bitrate = ch.Bitrate
		desc.UserLimit = ch.UserLimit
		desc.RTCRegion = ch.RTCRegion
	case ChannelTypeStage:
		desc.Topic = ch.Topic
		desc.UserLimit = ch.UserLimit
		desc.RTCRegion = ch.RTCRegion
	}
	return desc
}

func hasFeature(guild *discordgo.Guild, feature discordgo.GuildFeature) bool {
	for _, f := range guild.Features {
		if f == feature {
			return true
		}
	}
	return false
}

func EmojiURL(id string, animated bool) string {
	ext := "png"
	if animated {
		ext = "gif"
	}
	return "https://cdn.discordapp.com/emojis/" + id + "." + ext
}

func StickerURL(id string) string {
	return "https://media.discordapp.net/stickers/" + id + ".png"
}

var stickerFormats = map[int]string{1: "png", 2: "apng", 3: "lottie", 4: "gif"}

func StickerFormatName(format int) string {
	if name, ok := stickerFormats[format]; ok {
		return name
	}
	return "png"
}
