package storage

import (
	"context"
	"errors"
	"testing"
)

func TestCreateAndOpenGuild(t *testing.T) {
	ctx := context.Background()
	folder := t.TempDir()

	if _, err := OpenGuild(ctx, folder, "g1"); !errors.Is(err, ErrGuildNotRegistered) {
		t.Fatalf("expected ErrGuildNotRegistered, got %v", err)
	}

	g, err := CreateGuild(ctx, folder, "g1", "Guild One", "key1")
	if err != nil {
		t.Fatalf("create guild: %v", err)
	}
	g.Close()

	if _, err := CreateGuild(ctx, folder, "g1", "Guild One", "key1"); !errors.Is(err, ErrGuildExists) {
		t.Fatalf("expected ErrGuildExists, got %v", err)
	}

	g, err = OpenGuild(ctx, folder, "g1")
	if err != nil {
		t.Fatalf("open guild: %v", err)
	}
	defer g.Close()

	info, err := g.Info(ctx)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.Name != "Guild One" || info.Key != "key1" || info.ID != "g1" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if err := g.SetKey(ctx, "key2"); err != nil {
		t.Fatalf("set key: %v", err)
	}
	info, _ = g.Info(ctx)
	if info.Key != "key2" {
		t.Fatalf("expected key2, got %q", info.Key)
	}
}

func TestGuildSettings(t *testing.T) {
	ctx := context.Background()
	g, err := CreateGuild(ctx, t.TempDir(), "g1", "Guild", "k")
	if err != nil {
		t.Fatalf("create guild: %v", err)
	}
	defer g.Close()

	settings, err := g.Settings(ctx)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if settings.UseCaptcha || settings.RoleID != "" {
		t.Fatalf("unexpected defaults: %+v", settings)
	}

	settings.UseCaptcha = true
	settings.RoleID = "r1"
	settings.LoggingChannelID = "c1"
	if err := g.UpdateSettings(ctx, settings); err != nil {
		t.Fatalf("update settings: %v", err)
	}
	got, err := g.Settings(ctx)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if !got.UseCaptcha || got.RoleID != "r1" || got.LoggingChannelID != "c1" {
		t.Fatalf("settings not persisted: %+v", got)
	}
}

func TestAuthorizedUsersSkipsRevoked(t *testing.T) {
	ctx := context.Background()
	g, err := CreateGuild(ctx, t.TempDir(), "g1", "Guild", "k")
	if err != nil {
		t.Fatalf("create guild: %v", err)
	}
	defer g.Close()

	for _, user := range []AuthorizedUser{
		{UserID: "u1", RefreshToken: "t1"},
		{UserID: "u2"},
		{UserID: "u3", RefreshToken: "t3", Email: "u3@example.com"},
	} {
		if err := g.UpsertUser(ctx, user); err != nil {
			t.Fatalf("upsert user: %v", err)
		}
	}

	users, err := g.AuthorizedUsers(ctx)
	if err != nil {
		t.Fatalf("authorized users: %v", err)
	}
	if len(users) != 2 || users[0].UserID != "u1" || users[1].Email != "u3@example.com" {
		t.Fatalf("unexpected users: %+v", users)
	}
	count, err := g.CountUsers(ctx)
	if err != nil || count != 3 {
		t.Fatalf("expected 3 users, got %d %v", count, err)
	}
}

func TestReplaceRefreshTokenAcrossGuilds(t *testing.T) {
	ctx := context.Background()
	folder := t.TempDir()

	for _, id := range []string{"g1", "g2", "g3"} {
		g, err := CreateGuild(ctx, folder, id, id, "k"+id)
		if err != nil {
			t.Fatalf("create guild: %v", err)
		}
		token := "shared"
		if id == "g3" {
			token = "other"
		}
		if err := g.UpsertUser(ctx, AuthorizedUser{UserID: "u1", RefreshToken: token}); err != nil {
			t.Fatalf("upsert user: %v", err)
		}
		g.Close()
	}

	global, err := New(folder + "/main.db")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := global.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	global.Close()

	changed, err := ReplaceRefreshToken(ctx, folder, "shared", "rotated")
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if changed != 2 {
		t.Fatalf("expected 2 databases changed, got %d", changed)
	}

	for id, want := range map[string]string{"g1": "rotated", "g2": "rotated", "g3": "other"} {
		g, err := OpenGuild(ctx, folder, id)
		if err != nil {
			t.Fatalf("open %s: %v", id, err)
		}
		users, err := g.AuthorizedUsers(ctx)
		g.Close()
		if err != nil {
			t.Fatalf("users %s: %v", id, err)
		}
		if len(users) != 1 || users[0].RefreshToken != want {
			t.Fatalf("%s: expected %s, got %+v", id, want, users)
		}
	}
}

func TestCreateGuildRemovesFileOnFailure(t *testing.T) {
	folder := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := CreateGuild(ctx, folder, "g1", "Guild", "k"); err == nil {
		t.Fatalf("expected create with a cancelled context to fail")
	}
	if GuildExists(folder, "g1") {
		t.Fatalf("failed create must not leave a database file behind")
	}
	g, err := CreateGuild(context.Background(), folder, "g1", "Guild", "k")
	if err != nil {
		t.Fatalf("retry create: %v", err)
	}
	g.Close()
}

func TestRegisterGuildRollsBackOnKeyFailure(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	folder := t.TempDir()

	if err := store.RegisterKey(ctx, "other", "taken"); err != nil {
		t.Fatalf("register key: %v", err)
	}
	if err := store.RegisterGuild(ctx, folder, "g1", "Guild", "taken"); err == nil {
		t.Fatalf("expected duplicate key to fail registration")
	}
	if GuildExists(folder, "g1") {
		t.Fatalf("failed registration must remove the guild database")
	}

	if err := store.RegisterGuild(ctx, folder, "g1", "Guild", "fresh"); err != nil {
		t.Fatalf("retry registration: %v", err)
	}
	if guildID, err := store.ResolveKey(ctx, "fresh"); err != nil || guildID != "g1" {
		t.Fatalf("expected fresh key to resolve to g1, got %q %v", guildID, err)
	}
	g, err := OpenGuild(ctx, folder, "g1")
	if err != nil {
		t.Fatalf("open guild: %v", err)
	}
	defer g.Close()
	if info, _ := g.Info(ctx); info.Key != "fresh" {
		t.Fatalf("guild record should hold the registered key, got %q", info.Key)
	}
}
