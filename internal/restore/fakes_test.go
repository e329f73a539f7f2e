package restore

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/bwmarrin/discordgo"

	"restorebot/internal/snapshot"
)

// fakeGuild is an in-memory guild that serves both as a snapshot source and
// as a restore target.
type fakeGuild struct {
	mu       sync.Mutex
	guild    *discordgo.Guild
	roles    []*discordgo.Role
	channels []*discordgo.Channel
	emojis   []*discordgo.Emoji
	stickers []*discordgo.Sticker
	members  []*discordgo.Member
	nextID   int

	failDeleteRole map[string]bool
	failStickers   bool
	membersErr     error
	channelsErr    error

	emojiParams []*discordgo.EmojiParams
	uploads     []StickerUpload
	edits       []*discordgo.GuildParams
}

func newFakeGuild(id string, community bool) *fakeGuild {
	g := &discordgo.Guild{ID: id, Name: "guild " + id}
	if community {
		g.Features = []discordgo.GuildFeature{discordgo.GuildFeatureCommunity}
	}
	return &fakeGuild{
		guild:          g,
		roles:          []*discordgo.Role{{ID: id, Name: "@everyone"}},
		nextID:         1000,
		failDeleteRole: map[string]bool{},
	}
}

func (f *fakeGuild) id() string {
	f.nextID++
	return strconv.Itoa(f.nextID)
}

func (f *fakeGuild) Guild(context.Context, string) (*discordgo.Guild, error) { return f.guild, nil }

func (f *fakeGuild) Roles(context.Context, string) ([]*discordgo.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*discordgo.Role{}, f.roles...), nil
}

func (f *fakeGuild) Channels(context.Context, string) ([]snapshot.SourceChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.channelsErr != nil {
		return nil, f.channelsErr
	}
	out := make([]snapshot.SourceChannel, 0, len(f.channels))
	for _, ch := range f.channels {
		out = append(out, snapshot.SourceChannel{Channel: ch})
	}
	return out, nil
}

func (f *fakeGuild) Emojis(context.Context, string) ([]*discordgo.Emoji, error) {
	return append([]*discordgo.Emoji{}, f.emojis...), nil
}

func (f *fakeGuild) Stickers(context.Context, string) ([]*discordgo.Sticker, error) {
	return append([]*discordgo.Sticker{}, f.stickers...), nil
}

func (f *fakeGuild) Bans(context.Context, string) ([]*discordgo.GuildBan, error) {
	return nil, nil
}

func (f *fakeGuild) Members(_ context.Context, _ string, limit int) ([]*discordgo.Member, error) {
	if f.membersErr != nil {
		return nil, f.membersErr
	}
	if len(f.members) > limit {
		return f.members[:limit], nil
	}
	return f.members, nil
}

func (f *fakeGuild) DeleteChannel(_ context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, ch := range f.channels {
		if ch.ID == channelID {
			f.channels = append(f.channels[:i], f.channels[i+1:]...)
			return nil
		}
	}
	return errors.New("unknown channel")
}

func (f *fakeGuild) DeleteRole(_ context.Context, _ string, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDeleteRole[roleID] {
		return errors.New("missing permissions")
	}
	for i, role := range f.roles {
		if role.ID == roleID {
			f.roles = append(f.roles[:i], f.roles[i+1:]...)
			return nil
		}
	}
	return errors.New("unknown role")
}

func (f *fakeGuild) DeleteEmoji(_ context.Context, _ string, emojiID string) error {
	for i, emoji := range f.emojis {
		if emoji.ID == emojiID {
			f.emojis = append(f.emojis[:i], f.emojis[i+1:]...)
			return nil
		}
	}
	return errors.New("unknown emoji")
}

func (f *fakeGuild) DeleteSticker(_ context.Context, _ string, stickerID string) error {
	for i, sticker := range f.stickers {
		if sticker.ID == stickerID {
			f.stickers = append(f.stickers[:i], f.stickers[i+1:]...)
			return nil
		}
	}
	return errors.New("unknown sticker")
}

func (f *fakeGuild) CreateRole(_ context.Context, _ string, params *discordgo.RoleParams) (*discordgo.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	role := &discordgo.Role{ID: f.id(), Name: params.Name, Position: 1}
	if params.Permissions != nil {
		role.Permissions = *params.Permissions
	}
	if params.Color != nil {
		role.Color = *params.Color
	}
	for _, existing := range f.roles {
		if existing.ID != f.guild.ID {
			existing.Position++
		}
	}
	f.roles = append(f.roles, role)
	return role, nil
}

func (f *fakeGuild) CreateChannel(_ context.Context, _ string, data discordgo.GuildChannelCreateData) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if data.Name == "" {
		return nil, errors.New("name required")
	}
	ch := &discordgo.Channel{
		ID:                   f.id(),
		GuildID:              f.guild.ID,
		Name:                 data.Name,
		Type:                 data.Type,
		Topic:                data.Topic,
		Position:             data.Position,
		ParentID:             data.ParentID,
		NSFW:                 data.NSFW,
		Bitrate:              data.Bitrate,
		UserLimit:            data.UserLimit,
		RateLimitPerUser:     data.RateLimitPerUser,
		PermissionOverwrites: data.PermissionOverwrites,
	}
	f.channels = append(f.channels, ch)
	return ch, nil
}

func (f *fakeGuild) CreateEmoji(_ context.Context, _ string, params *discordgo.EmojiParams) (*discordgo.Emoji, error) {
	f.emojiParams = append(f.emojiParams, params)
	emoji := &discordgo.Emoji{ID: f.id(), Name: params.Name}
	f.emojis = append(f.emojis, emoji)
	return emoji, nil
}

func (f *fakeGuild) CreateSticker(_ context.Context, _ string, upload StickerUpload) error {
	if f.failStickers {
		return errors.New("sticker slots full")
	}
	f.uploads = append(f.uploads, upload)
	f.stickers = append(f.stickers, &discordgo.Sticker{ID: f.id(), Name: upload.Name})
	return nil
}

func (f *fakeGuild) EditGuild(_ context.Context, _ string, params *discordgo.GuildParams) error {
	f.edits = append(f.edits, params)
	return nil
}

func (f *fakeGuild) channelByName(name string) *discordgo.Channel {
	for _, ch := range f.channels {
		if ch.Name == name {
			return ch
		}
	}
	return nil
}

func (f *fakeGuild) roleByName(name string) *discordgo.Role {
	for _, role := range f.roles {
		if role.Name == name {
			return role
		}
	}
	return nil
}

type fakeFetcher struct {
	data map[string][]byte
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	if data, ok := f.data[url]; ok {
		return data, nil
	}
	return nil, errors.New("status 404")
}
