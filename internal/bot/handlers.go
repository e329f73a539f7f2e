package bot

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"restorebot/internal/analytics"
	"restorebot/internal/audit"
	"restorebot/internal/restorekey"
	"restorebot/internal/snapshot"
	"restorebot/internal/storage"
	"restorebot/internal/utils"
)

const (
	backupTimeout  = 10 * time.Minute
	backupsShown   = 10
	reportWindow   = 7 * 24 * time.Hour
	listEntryLimit = 50
)

func (b *Bot) openGuild(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, title string) (*storage.GuildStore, bool) {
	guild, err := storage.OpenGuild(ctx, b.cfg.DBFolderPath, interaction.GuildID)
	if errors.Is(err, storage.ErrGuildNotRegistered) {
		b.respondError(session, interaction, title, "This server is not registered yet. Use /register first.")
		return nil, false
	}
	if err != nil {
		b.logger.Warn("open guild failed", zap.String("guild_id", interaction.GuildID), zap.Error(err))
		b.respondError(session, interaction, title, "The server database could not be opened.")
		return nil, false
	}
	return guild, true
}

func (b *Bot) handleRegister(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, opts map[string]*discordgo.ApplicationCommandInteractionDataOption) {
	const title = "Register"
	password := ""
	if opt, ok := opts["password"]; ok {
		password = opt.StringValue()
	}
	if err := b.validate.Var(password, "min=8,max=72"); err != nil {
		b.respondError(session, interaction, title, "The password must be between 8 and 72 characters.")
		return
	}
	if storage.GuildExists(b.cfg.DBFolderPath, interaction.GuildID) {
		b.respondError(session, interaction, title, "This server is already registered.")
		return
	}

	name := interaction.GuildID
	if guild, err := session.State.Guild(interaction.GuildID); err == nil && guild != nil {
		name = guild.Name
	}
	key, err := restorekey.Generate()
	if err != nil {
		b.logger.Error("generate restore key failed", zap.Error(err))
		b.respondError(session, interaction, title, "Registration failed.")
		return
	}
	if err := b.store.RegisterGuild(ctx, b.cfg.DBFolderPath, interaction.GuildID, name, key); err != nil {
		b.logger.Error("register guild failed", zap.String("guild_id", interaction.GuildID), zap.Error(err))
		b.respondError(session, interaction, title, "Registration failed.")
		return
	}
	if err := b.store.SetWebPanelCredentials(ctx, interaction.GuildID, interaction.GuildID, password); err != nil {
		b.logger.Warn("web panel credentials failed", zap.String("guild_id", interaction.GuildID), zap.Error(err))
	}

	userID := interactionUserID(interaction)
	b.log(ctx, audit.LevelInfo, interaction.GuildID, userID, audit.EventRegister, "server registered as "+name)
	fields := []*discordgo.MessageEmbedField{
		{Name: "Server", Value: name, Inline: true},
		{Name: "Restore key", Value: "`" + key + "`", Inline: true},
		{Name: "Web panel login", Value: interaction.GuildID, Inline: false},
	}
	b.respondEmbed(session, interaction, b.commandEmbed(title, "Keep the restore key somewhere safe. It changes after every restore.", b.cfg.EmbedColors.Action, fields), true)
}

func (b *Bot) handleInfo(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	const title = "Server info"
	guild, ok := b.openGuild(ctx, session, interaction, title)
	if !ok {
		return
	}
	info, err := guild.Info(ctx)
	if err != nil {
		guild.Close()
		b.respondError(session, interaction, title, "The server record could not be read.")
		return
	}
	settings, _ := guild.Settings(ctx)
	users, _ := guild.CountUsers(ctx)
	guild.Close()

	key, err := b.store.KeyForGuild(ctx, interaction.GuildID)
	if err != nil {
		key = info.Key
	}
	fields := []*discordgo.MessageEmbedField{
		{Name: "Name", Value: info.Name, Inline: true},
		{Name: "Registered", Value: info.Date, Inline: true},
		{Name: "Verified users", Value: fmt.Sprintf("%d", users), Inline: true},
		{Name: "Restore key", Value: "`" + key + "`", Inline: false},
	}
	fields = append(fields, settingsFields(settings)...)
	if b.analytics != nil {
		if report, err := b.analytics.Report(ctx, interaction.GuildID, time.Now().Add(-reportWindow)); err == nil {
			fields = append(fields, &discordgo.MessageEmbedField{Name: "Activity (7 days)", Value: formatReport(report), Inline: false})
		}
	}
	b.respondEmbed(session, interaction, b.commandEmbed(title, "", b.cfg.EmbedColors.Action, fields), true)
}

func settingsFields(settings storage.GuildSettings) []*discordgo.MessageEmbedField {
	channel := "-"
	if settings.LoggingChannelID != "" {
		channel = "<#" + settings.LoggingChannelID + ">"
	}
	role := "-"
	if settings.RoleID != "" {
		role = "<@&" + settings.RoleID + ">"
	}
	webhook := "not set"
	if settings.WebhookURL != "" {
		webhook = "set"
	}
	return []*discordgo.MessageEmbedField{
		{Name: "Logging IP", Value: onOff(settings.LoggingIP), Inline: true},
		{Name: "Logging mail", Value: onOff(settings.LoggingMail), Inline: true},
		{Name: "Captcha", Value: onOff(settings.UseCaptcha), Inline: true},
		{Name: "Block VPN", Value: onOff(settings.BlockVPN), Inline: true},
		{Name: "Logging channel", Value: channel, Inline: true},
		{Name: "Verified role", Value: role, Inline: true},
		{Name: "Webhook", Value: webhook, Inline: true},
	}
}

func onOff(value bool) string {
	if value {
		return "on"
	}
	return "off"
}

func (b *Bot) handleSettings(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, opts map[string]*discordgo.ApplicationCommandInteractionDataOption) {
	const title = "Settings"
	guild, ok := b.openGuild(ctx, session, interaction, title)
	if !ok {
		return
	}
	defer guild.Close()

	settings, err := guild.Settings(ctx)
	if err != nil {
		b.respondError(session, interaction, title, "Settings could not be read.")
		return
	}
	changed, err := applySettings(&settings, opts)
	if err != nil {
		b.respondError(session, interaction, title, "The webhook URL must be a Discord webhook.")
		return
	}
	if len(changed) > 0 {
		if err := guild.UpdateSettings(ctx, settings); err != nil {
			b.logger.Warn("settings update failed", zap.String("guild_id", interaction.GuildID), zap.Error(err))
			b.respondError(session, interaction, title, "Settings could not be saved.")
			return
		}
		b.log(ctx, audit.LevelInfo, interaction.GuildID, interactionUserID(interaction), audit.EventSettingsUpdated, strings.Join(changed, ", "))
	}
	description := "Current settings."
	if len(changed) > 0 {
		description = "Updated: " + strings.Join(changed, ", ") + "."
	}
	b.respondEmbed(session, interaction, b.commandEmbed(title, description, b.cfg.EmbedColors.Action, settingsFields(settings)), true)
}

// applySettings copies the provided options onto settings and returns the
// names of the options it changed.
func applySettings(settings *storage.GuildSettings, opts map[string]*discordgo.ApplicationCommandInteractionDataOption) ([]string, error) {
	var changed []string
	for _, name := range []string{"logging_ip", "logging_mail", "logging_channel", "role", "captcha", "block_vpn", "webhook_url"} {
		opt, ok := opts[name]
		if !ok {
			continue
		}
		switch name {
		case "logging_ip":
			settings.LoggingIP = opt.BoolValue()
		case "logging_mail":
			settings.LoggingMail = opt.BoolValue()
		case "captcha":
			settings.UseCaptcha = opt.BoolValue()
		case "block_vpn":
			settings.BlockVPN = opt.BoolValue()
		case "logging_channel":
			settings.LoggingChannelID = optionID(opt)
		case "role":
			settings.RoleID = optionID(opt)
		case "webhook_url":
			raw := strings.TrimSpace(opt.StringValue())
			if raw != "" {
				if _, _, err := utils.ParseWebhookURL(raw); err != nil {
					return nil, err
				}
			}
			settings.WebhookURL = raw
		}
		changed = append(changed, name)
	}
	return changed, nil
}

// optionID reads the snowflake of a channel or role option without resolving
// it against the state cache.
func optionID(opt *discordgo.ApplicationCommandInteractionDataOption) string {
	if id, ok := opt.Value.(string); ok {
		return id
	}
	return ""
}

func (b *Bot) handleUsers(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	const title = "Users"
	guild, ok := b.openGuild(ctx, session, interaction, title)
	if !ok {
		return
	}
	count, err := guild.CountUsers(ctx)
	authorized, _ := guild.AuthorizedUsers(ctx)
	guild.Close()
	if err != nil {
		b.respondError(session, interaction, title, "Users could not be counted.")
		return
	}
	fields := []*discordgo.MessageEmbedField{
		{Name: "Verified", Value: fmt.Sprintf("%d", count), Inline: true},
		{Name: "Restorable", Value: fmt.Sprintf("%d", len(authorized)), Inline: true},
	}
	b.respondEmbed(session, interaction, b.commandEmbed(title, "", b.cfg.EmbedColors.Action, fields), true)
}

func (b *Bot) handleBackup(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	const title = "Backup"
	if !storage.GuildExists(b.cfg.DBFolderPath, interaction.GuildID) {
		b.respondError(session, interaction, title, "This server is not registered yet. Use /register first.")
		return
	}
	if !b.deferReply(session, interaction) {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, backupTimeout)
	defer cancel()

	user := interactionUser(interaction)
	userID := interactionUserID(interaction)
	logger := b.logger.With(zap.String("guild_id", interaction.GuildID), zap.String("user_id", userID))
	started := time.Now()

	fail := func(err error) {
		logger.Error("backup failed", zap.Error(err))
		b.log(ctx, audit.LevelCrit, interaction.GuildID, userID, audit.EventBackupFailed, err.Error())
		_ = b.editReply(interaction.Interaction, b.commandEmbed(title, "The backup failed: "+err.Error(), b.cfg.EmbedColors.Error, nil), nil)
	}

	dir, err := b.catalog.NewDir(interaction.GuildID, started)
	if err != nil {
		fail(err)
		return
	}
	snap, err := b.builder.Build(ctx, interaction.GuildID, dir, creatorLabel(user))
	if err != nil {
		fail(err)
		return
	}

	name := filepath.Base(dir)
	fields := statsFields(snap.Stats())
	fields = append(fields, &discordgo.MessageEmbedField{Name: "Backup", Value: "`" + name + "`", Inline: false})
	if b.mirror != nil && b.mirror.Enabled() {
		count, err := b.mirror.Mirror(ctx, dir)
		if err != nil {
			logger.Warn("backup mirror failed", zap.Error(err))
			fields = append(fields, &discordgo.MessageEmbedField{Name: "Remote copy", Value: "failed", Inline: true})
		} else {
			fields = append(fields, &discordgo.MessageEmbedField{Name: "Remote copy", Value: fmt.Sprintf("%d files", count), Inline: true})
		}
	}

	logger.Info("backup created", zap.String("backup", name), zap.Duration("elapsed", time.Since(started)))
	b.log(ctx, audit.LevelInfo, interaction.GuildID, userID, audit.EventBackupCreated, fmt.Sprintf("%s (%s)", name, snap.ServerInfo.Name))

	embed := b.commandEmbed(title, "Backup of "+snap.ServerInfo.Name+" created.", b.cfg.EmbedColors.Action, fields)
	if err := b.editReply(interaction.Interaction, embed, nil); err != nil {
		logger.Warn("backup reply failed", zap.Error(err))
	}
	if err := b.directMessage(userID, embed); err != nil {
		logger.Debug("backup summary DM failed", zap.Error(err))
	}
}

func (b *Bot) handleBackups(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	const title = "Backups"
	entries, err := b.catalog.List(interaction.GuildID)
	if err != nil {
		b.logger.Warn("list backups failed", zap.String("guild_id", interaction.GuildID), zap.Error(err))
		b.respondError(session, interaction, title, "Backups could not be listed.")
		return
	}
	if len(entries) == 0 {
		b.respondEmbed(session, interaction, b.commandEmbed(title, "No backups yet. Use /backup to create one.", b.cfg.EmbedColors.Warning, nil), true)
		return
	}
	lines := make([]string, 0, backupsShown)
	for i, entry := range entries {
		if i == backupsShown {
			break
		}
		lines = append(lines, fmt.Sprintf("`%s` %s, %s: %d roles, %d channels",
			entry.Name, entry.Timestamp, entry.ServerName, entry.Stats.Roles, entry.Stats.Categories+entry.Stats.Channels))
	}
	description := strings.Join(lines, "\n")
	if len(entries) > backupsShown {
		description += fmt.Sprintf("\n... and %d older", len(entries)-backupsShown)
	}
	b.respondEmbed(session, interaction, b.commandEmbed(title, description, b.cfg.EmbedColors.Action, nil), true)
}

func (b *Bot) handleListCommand(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, list string, opts map[string]*discordgo.ApplicationCommandInteractionDataOption) {
	title := strings.ToUpper(list[:1]) + list[1:]
	action, field, value := "", "", ""
	if opt, ok := opts["action"]; ok {
		action = opt.StringValue()
	}
	if opt, ok := opts["kind"]; ok {
		field = opt.StringValue()
	}
	if opt, ok := opts["value"]; ok {
		value = strings.TrimSpace(opt.StringValue())
	}
	kind, err := storage.ParseListKind(list, field)
	if err != nil {
		b.respondError(session, interaction, title, "Unknown list.")
		return
	}

	if action == "list" {
		values, err := b.store.ListEntries(ctx, kind)
		if err != nil {
			b.respondError(session, interaction, title, "The list could not be read.")
			return
		}
		description := "Empty."
		if len(values) > 0 {
			if len(values) > listEntryLimit {
				values = values[:listEntryLimit]
			}
			description = strings.Join(values, "\n")
		}
		b.respondEmbed(session, interaction, b.commandEmbed(title+" "+field, description, b.cfg.EmbedColors.Action, nil), true)
		return
	}

	if err := b.validate.Var(value, listValueRule(field)); err != nil {
		b.respondError(session, interaction, title, fmt.Sprintf("%q is not a valid %s.", value, field))
		return
	}
	switch action {
	case "add":
		err = b.store.AddListEntry(ctx, kind, value)
	case "remove":
		var removed bool
		removed, err = b.store.RemoveListEntry(ctx, kind, value)
		if err == nil && !removed {
			b.respondEmbed(session, interaction, b.commandEmbed(title, value+" was not listed.", b.cfg.EmbedColors.Warning, nil), true)
			return
		}
	default:
		b.respondError(session, interaction, title, "Unknown action.")
		return
	}
	if err != nil {
		b.logger.Warn("list update failed", zap.String("list", kind.String()), zap.Error(err))
		b.respondError(session, interaction, title, "The list could not be updated.")
		return
	}
	b.log(ctx, audit.LevelInfo, "", interactionUserID(interaction), list+"_"+action, kind.String()+": "+value)
	b.respondEmbed(session, interaction, b.commandEmbed(title, fmt.Sprintf("%s %s: %s", kind, pastTense(action), value), b.cfg.EmbedColors.Action, nil), true)
}

func listValueRule(field string) string {
	switch field {
	case "ip":
		return "required,ip"
	case "mail":
		return "required,email"
	default:
		return "required,numeric"
	}
}

func pastTense(action string) string {
	if action == "add" {
		return "added"
	}
	return "removed"
}

func creatorLabel(user *discordgo.User) string {
	if user == nil {
		return "unknown"
	}
	return fmt.Sprintf("%s (ID: %s)", user.Username, user.ID)
}

func statsFields(stats snapshot.Stats) []*discordgo.MessageEmbedField {
	return []*discordgo.MessageEmbedField{
		{Name: "Roles", Value: fmt.Sprintf("%d", stats.Roles), Inline: true},
		{Name: "Categories", Value: fmt.Sprintf("%d", stats.Categories), Inline: true},
		{Name: "Channels", Value: fmt.Sprintf("%d", stats.Channels), Inline: true},
		{Name: "Emojis", Value: fmt.Sprintf("%d", stats.Emojis), Inline: true},
		{Name: "Stickers", Value: fmt.Sprintf("%d", stats.Stickers), Inline: true},
		{Name: "Bans", Value: fmt.Sprintf("%d", stats.Bans), Inline: true},
	}
}

func auditTitle(event string) string {
	return strings.ReplaceAll(event, "_", " ")
}

func formatReport(report analytics.Report) string {
	line := fmt.Sprintf("Total: %d | INFO: %d | WARN: %d | CRIT: %d",
		report.Total, report.ByLevel[audit.LevelInfo], report.ByLevel[audit.LevelWarn], report.ByLevel[audit.LevelCrit])
	if top := report.TopEvents(3); len(top) > 0 {
		line += "\nTop: " + strings.Join(top, ", ")
	}
	return line
}
