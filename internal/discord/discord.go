package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"

	"github.com/bwmarrin/discordgo"

	"restorebot/internal/restore"
	"restorebot/internal/snapshot"
)

const banPageSize = 1000

// Guilds reads and writes guild structure through a bot session.
type Guilds struct {
	session *discordgo.Session
}

func New(session *discordgo.Session) *Guilds {
	return &Guilds{session: session}
}

func (g *Guilds) Guild(ctx context.Context, guildID string) (*discordgo.Guild, error) {
	return g.session.Guild(guildID, discordgo.WithContext(ctx))
}

func (g *Guilds) Roles(ctx context.Context, guildID string) ([]*discordgo.Role, error) {
	return g.session.GuildRoles(guildID, discordgo.WithContext(ctx))
}

// Channels fetches the raw channel list so fields discordgo does not model
// (rtc_region, default_auto_archive_duration) survive.
func (g *Guilds) Channels(ctx context.Context, guildID string) ([]snapshot.SourceChannel, error) {
	body, err := g.session.Request(http.MethodGet, discordgo.EndpointGuildChannels(guildID), nil, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	return decodeChannels(body)
}

type channelExtras struct {
	ID                         string  `json:"id"`
	RTCRegion                  *string `json:"rtc_region"`
	DefaultAutoArchiveDuration int     `json:"default_auto_archive_duration"`
}

func decodeChannels(body []byte) ([]snapshot.SourceChannel, error) {
	var channels []*discordgo.Channel
	if err := json.Unmarshal(body, &channels); err != nil {
		return nil, fmt.Errorf("decode channels: %w", err)
	}
	var extras []channelExtras
	if err := json.Unmarshal(body, &extras); err != nil {
		return nil, fmt.Errorf("decode channel extras: %w", err)
	}
	byID := make(map[string]channelExtras, len(extras))
	for _, extra := range extras {
		byID[extra.ID] = extra
	}

	out := make([]snapshot.SourceChannel, 0, len(channels))
	for _, ch := range channels {
		src := snapshot.SourceChannel{Channel: ch}
		if extra, ok := byID[ch.ID]; ok {
			if extra.RTCRegion != nil {
				src.RTCRegion = *extra.RTCRegion
			}
			src.DefaultAutoArchiveDuration = extra.DefaultAutoArchiveDuration
		}
		out = append(out, src)
	}
	return out, nil
}

func (g *Guilds) Emojis(ctx context.Context, guildID string) ([]*discordgo.Emoji, error) {
	return g.session.GuildEmojis(guildID, discordgo.WithContext(ctx))
}

func (g *Guilds) Stickers(ctx context.Context, guildID string) ([]*discordgo.Sticker, error) {
	body, err := g.session.Request(http.MethodGet, discordgo.EndpointGuildStickers(guildID), nil, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	var stickers []*discordgo.Sticker
	if err := json.Unmarshal(body, &stickers); err != nil {
		return nil, fmt.Errorf("decode stickers: %w", err)
	}
	return stickers, nil
}

// Bans pages through the whole ban list.
func (g *Guilds) Bans(ctx context.Context, guildID string) ([]*discordgo.GuildBan, error) {
	var (
		all   []*discordgo.GuildBan
		after string
	)
	for {
		page, err := g.session.GuildBans(guildID, banPageSize, "", after, discordgo.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < banPageSize {
			return all, nil
		}
		last := page[len(page)-1]
		if last.User == nil {
			return all, nil
		}
		after = last.User.ID
	}
}

func (g *Guilds) Members(ctx context.Context, guildID string, limit int) ([]*discordgo.Member, error) {
	return g.session.GuildMembers(guildID, "", limit, discordgo.WithContext(ctx))
}

func (g *Guilds) DeleteChannel(ctx context.Context, channelID string) error {
	_, err := g.session.ChannelDelete(channelID, discordgo.WithContext(ctx))
	return err
}

func (g *Guilds) DeleteRole(ctx context.Context, guildID, roleID string) error {
	return g.session.GuildRoleDelete(guildID, roleID, discordgo.WithContext(ctx))
}

func (g *Guilds) DeleteEmoji(ctx context.Context, guildID, emojiID string) error {
	return g.session.GuildEmojiDelete(guildID, emojiID, discordgo.WithContext(ctx))
}

func (g *Guilds) DeleteSticker(ctx context.Context, guildID, stickerID string) error {
	bucket := discordgo.EndpointGuildStickers(guildID)
	_, err := g.session.RequestWithBucketID(http.MethodDelete, bucket+"/"+stickerID, nil, bucket, discordgo.WithContext(ctx))
	return err
}

func (g *Guilds) CreateRole(ctx context.Context, guildID string, params *discordgo.RoleParams) (*discordgo.Role, error) {
	return g.session.GuildRoleCreate(guildID, params, discordgo.WithContext(ctx))
}

func (g *Guilds) CreateChannel(ctx context.Context, guildID string, data discordgo.GuildChannelCreateData) (*discordgo.Channel, error) {
	return g.session.GuildChannelCreateComplex(guildID, data, discordgo.WithContext(ctx))
}

func (g *Guilds) CreateEmoji(ctx context.Context, guildID string, params *discordgo.EmojiParams) (*discordgo.Emoji, error) {
	return g.session.GuildEmojiCreate(guildID, params, discordgo.WithContext(ctx))
}

func (g *Guilds) CreateSticker(ctx context.Context, guildID string, upload restore.StickerUpload) error {
	contentType, body, err := stickerBody(upload)
	if err != nil {
		return err
	}
	bucket := discordgo.EndpointGuildStickers(guildID)
	_, err = g.session.RequestRaw(http.MethodPost, bucket, contentType, body, bucket, 0, discordgo.WithContext(ctx))
	return err
}

func (g *Guilds) EditGuild(ctx context.Context, guildID string, params *discordgo.GuildParams) error {
	_, err := g.session.GuildEdit(guildID, params, discordgo.WithContext(ctx))
	return err
}

// stickerBody builds the multipart form the sticker endpoint expects. It
// takes plain form fields rather than a payload_json part.
func stickerBody(upload restore.StickerUpload) (string, []byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, field := range [][2]string{
		{"name", upload.Name},
		{"description", upload.Description},
		{"tags", upload.Tags},
	} {
		if err := w.WriteField(field[0], field[1]); err != nil {
			return "", nil, err
		}
	}

	fileType := mime.TypeByExtension(filepath.Ext(upload.FileName))
	if fileType == "" {
		fileType = "application/octet-stream"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, upload.FileName))
	header.Set("Content-Type", fileType)
	part, err := w.CreatePart(header)
	if err != nil {
		return "", nil, err
	}
	if _, err := part.Write(upload.Data); err != nil {
		return "", nil, err
	}
	if err := w.Close(); err != nil {
		return "", nil, err
	}
	return w.FormDataContentType(), buf.Bytes(), nil
}

var (
	_ snapshot.Source      = (*Guilds)(nil)
	_ restore.Target       = (*Guilds)(nil)
	_ restore.MemberLister = (*Guilds)(nil)
)
