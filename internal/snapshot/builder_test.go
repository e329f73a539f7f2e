package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
)

type fakeSource struct {
	guild    *discordgo.Guild
	roles    []*discordgo.Role
	channels []SourceChannel
	emojis   []*discordgo.Emoji
	stickers []*discordgo.Sticker
	bans     []*discordgo.GuildBan
	banErr   error
}

func (f *fakeSource) Guild(context.Context, string) (*discordgo.Guild, error) { return f.guild, nil }
func (f *fakeSource) Roles(context.Context, string) ([]*discordgo.Role, error) {
	return f.roles, nil
}
func (f *fakeSource) Channels(context.Context, string) ([]SourceChannel, error) {
	return f.channels, nil
}
func (f *fakeSource) Emojis(context.Context, string) ([]*discordgo.Emoji, error) {
	return f.emojis, nil
}
func (f *fakeSource) Stickers(context.Context, string) ([]*discordgo.Sticker, error) {
	return f.stickers, nil
}
func (f *fakeSource) Bans(context.Context, string) ([]*discordgo.GuildBan, error) {
	return f.bans, f.banErr
}

type fakeAssets struct {
	fail  map[string]bool
	saved []string
}

func (f *fakeAssets) Save(_ context.Context, url, path string) error {
	if f.fail[url] {
		return errors.New("status 404")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f.saved = append(f.saved, path)
	return os.WriteFile(path, []byte("img"), 0o644)
}

func textChannel(id, name, parent string, position int) SourceChannel {
	return SourceChannel{Channel: &discordgo.Channel{ID: id, Name: name, Type: discordgo.ChannelTypeGuildText, ParentID: parent, Position: position}}
}

func newFixture() *fakeSource {
	category := SourceChannel{Channel: &discordgo.Channel{
		ID: "10", Name: "General", Type: discordgo.ChannelTypeGuildCategory,
		PermissionOverwrites: []*discordgo.PermissionOverwrite{
			{ID: "2", Type: discordgo.PermissionOverwriteTypeRole, Allow: 1024},
			{ID: "77", Type: discordgo.PermissionOverwriteTypeMember, Deny: 1024},
		},
	}}
	voice := SourceChannel{
		Channel:   &discordgo.Channel{ID: "21", Name: "talk", Type: discordgo.ChannelTypeGuildVoice, ParentID: "10", Bitrate: 64000, UserLimit: 5, Position: 1},
		RTCRegion: "rotterdam",
	}
	return &fakeSource{
		guild: &discordgo.Guild{
			ID: "g1", Name: "Guild", Icon: "abc",
			Features:        []discordgo.GuildFeature{discordgo.GuildFeatureCommunity},
			SystemChannelID: "30",
		},
		roles: []*discordgo.Role{
			{ID: "g1", Name: "@everyone"},
			{ID: "2", Name: "Admin", Permissions: 8, Color: 16711680, Position: 2},
			{ID: "3", Name: "Member", Position: 1},
		},
		channels: []SourceChannel{
			textChannel("30", "welcome", "10", 0),
			textChannel("20", "chat", "10", 0),
			voice,
			category,
		},
		emojis: []*discordgo.Emoji{
			{ID: "e1", Name: "ok"},
			{ID: "e2", Name: "broken", Animated: true},
		},
		stickers: []*discordgo.Sticker{{ID: "s1", Name: "wave", Tags: "wave", FormatType: 1}},
		bans:     []*discordgo.GuildBan{{Reason: "spam", User: &discordgo.User{ID: "99"}}},
	}
}

func TestBuildSnapshot(t *testing.T) {
	dir := t.TempDir()
	source := newFixture()
	assets := &fakeAssets{fail: map[string]bool{EmojiURL("e2", true): true}}
	builder := NewBuilder(source, assets, nil)
	builder.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local) }

	snap, err := builder.Build(context.Background(), "g1", dir, "owner (ID: 1)")
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if snap.BackupInfo.Timestamp != "2024-01-02 03:04" {
		t.Fatalf("unexpected timestamp %q", snap.BackupInfo.Timestamp)
	}
	if !snap.ServerInfo.IsCommunity || snap.ServerInfo.SystemChannel == nil || snap.ServerInfo.SystemChannel.Name != "welcome" {
		t.Fatalf("unexpected server info: %+v", snap.ServerInfo)
	}
	if len(snap.Roles) != 3 || snap.Roles[1].Colour != 16711680 {
		t.Fatalf("unexpected roles: %+v", snap.Roles)
	}
	if len(snap.Emojis) != 1 || snap.Emojis[0].Name != "ok" {
		t.Fatalf("failed emoji should be skipped: %+v", snap.Emojis)
	}
	if len(snap.Stickers) != 1 || snap.Stickers[0].FormatType != "png" || snap.Stickers[0].Emoji != "wave" {
		t.Fatalf("unexpected stickers: %+v", snap.Stickers)
	}
	if len(snap.BannedUsers) != 1 || snap.BannedUsers[0].ID != "99" {
		t.Fatalf("unexpected bans: %+v", snap.BannedUsers)
	}

	var names []string
	for _, ch := range snap.Channels {
		names = append(names, ch.Name)
	}
	if got := strings.Join(names, ","); got != "General,chat,talk" {
		t.Fatalf("unexpected channel order %s", got)
	}
	category := snap.Channels[0]
	if len(category.Children) != 2 || category.Children[0] != "20" {
		t.Fatalf("unexpected children: %v", category.Children)
	}
	for _, child := range category.Children {
		if child == "30" {
			t.Fatalf("system channel listed as a category child: %v", category.Children)
		}
	}
	if len(category.Overwrites) != 2 || category.Overwrites[0].Name != "Admin" || category.Overwrites[1].Type != OverwriteMember {
		t.Fatalf("unexpected overwrites: %+v", category.Overwrites)
	}
	talk := snap.Channels[2]
	if talk.Category != "General" || talk.ParentID != "10" || talk.Bitrate != 64000 || talk.RTCRegion != "rotterdam" {
		t.Fatalf("unexpected voice channel: %+v", talk)
	}

	if _, err := os.Stat(filepath.Join(dir, IconFile)); err != nil {
		t.Fatalf("icon not written: %v", err)
	}
	loaded, err := Load(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Stats() != snap.Stats() {
		t.Fatalf("stats differ after reload: %+v vs %+v", loaded.Stats(), snap.Stats())
	}
}

func TestBuildFailsOnBanError(t *testing.T) {
	source := newFixture()
	source.banErr = errors.New("missing permissions")
	builder := NewBuilder(source, &fakeAssets{}, nil)

	dir := t.TempDir()
	if _, err := builder.Build(context.Background(), "g1", dir, "x"); err == nil {
		t.Fatalf("expected ban enumeration error")
	}
	if _, err := os.Stat(filepath.Join(dir, FileName)); !os.IsNotExist(err) {
		t.Fatalf("snapshot should not be written, got %v", err)
	}
}
