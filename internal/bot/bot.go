package bot

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"restorebot/internal/analytics"
	"restorebot/internal/audit"
	"restorebot/internal/catalog"
	"restorebot/internal/config"
	"restorebot/internal/confirm"
	"restorebot/internal/notify"
	"restorebot/internal/objectstore"
	"restorebot/internal/restore"
	"restorebot/internal/snapshot"
	"restorebot/internal/storage"
)

const retentionInterval = 24 * time.Hour

// Deps are the services the bot dispatches commands to.
type Deps struct {
	Store     *storage.Store
	Audit     *audit.Logger
	Analytics *analytics.Service
	Builder   *snapshot.Builder
	Catalog   *catalog.Catalog
	Mirror    *objectstore.Store
	Restores  *restore.Service
	Gate      *confirm.Gate
	OwnerLog  *notify.OwnerLog
}

type Bot struct {
	cfg       config.Config
	logger    *zap.Logger
	session   *discordgo.Session
	store     *storage.Store
	audit     *audit.Logger
	analytics *analytics.Service
	builder   *snapshot.Builder
	catalog   *catalog.Catalog
	mirror    *objectstore.Store
	restores  *restore.Service
	gate      *confirm.Gate
	ownerLog  *notify.OwnerLog
	validate  *validator.Validate
	newID     func() string
	spawn     func(func())

	stopOnce sync.Once
	stop     chan struct{}
}

// NewSession prepares a session with the intents the bot needs without
// opening it.
func NewSession(token string) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers
	return session, nil
}

func New(cfg config.Config, logger *zap.Logger, session *discordgo.Session, deps Deps) (*Bot, error) {
	if session == nil {
		return nil, errors.New("bot: session is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bot{
		cfg:       cfg,
		logger:    logger,
		session:   session,
		store:     deps.Store,
		audit:     deps.Audit,
		analytics: deps.Analytics,
		builder:   deps.Builder,
		catalog:   deps.Catalog,
		mirror:    deps.Mirror,
		restores:  deps.Restores,
		gate:      deps.Gate,
		ownerLog:  deps.OwnerLog,
		validate:  validator.New(),
		newID:     uuid.NewString,
		spawn:     func(f func()) { go f() },
		stop:      make(chan struct{}),
	}
	if b.audit != nil {
		b.audit.SetNotifier(func(ctx context.Context, entry storage.AuditLog) {
			b.ownerLog.Notify(ctx, entry)
			b.notifyGuildLog(ctx, entry)
		})
	}
	return b, nil
}

func (b *Bot) Start() error {
	b.session.AddHandler(b.onReady)
	b.session.AddHandler(b.onInteractionCreate)

	if err := b.session.Open(); err != nil {
		return err
	}

	if err := b.registerCommands(); err != nil {
		return err
	}

	b.startRetention()

	return nil
}

func (b *Bot) Close(ctx context.Context) {
	_ = ctx
	b.stopOnce.Do(func() { close(b.stop) })
	if b.session != nil {
		_ = b.session.Close()
	}
}

func (b *Bot) onReady(session *discordgo.Session, event *discordgo.Ready) {
	b.logger.Info("bot ready", zap.String("user", event.User.Username), zap.Int("guilds", len(event.Guilds)))
}

func (b *Bot) onInteractionCreate(session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	ctx := context.Background()
	switch interaction.Type {
	case discordgo.InteractionMessageComponent:
		b.handleComponent(ctx, session, interaction)
		return
	case discordgo.InteractionApplicationCommand:
	default:
		return
	}

	data := interaction.ApplicationCommandData()
	opts := optionMap(data.Options)
	userID := interactionUserID(interaction)

	switch data.Name {
	case "whitelist", "blacklist":
		if !b.isOwner(userID) {
			b.respondError(session, interaction, "Lists", "Only the bot owner can manage lists.")
			return
		}
		b.handleListCommand(ctx, session, interaction, data.Name, opts)
		return
	}

	if interaction.GuildID == "" {
		b.respondError(session, interaction, "Restore", "This command only works inside a server.")
		return
	}
	if !b.isAdmin(interaction) {
		b.respondError(session, interaction, "Restore", "You need the administrator permission.")
		return
	}
	if b.isBlacklisted(ctx, userID) {
		b.respondError(session, interaction, "Restore", "You are not allowed to use this bot.")
		return
	}

	switch data.Name {
	case "register":
		b.handleRegister(ctx, session, interaction, opts)
	case "info":
		b.handleInfo(ctx, session, interaction)
	case "settings":
		b.handleSettings(ctx, session, interaction, opts)
	case "backup":
		b.handleBackup(ctx, session, interaction)
	case "backups":
		b.handleBackups(ctx, session, interaction)
	case "restore":
		b.handleRestore(ctx, session, interaction, opts)
	case "users":
		b.handleUsers(ctx, session, interaction)
	default:
		b.respondError(session, interaction, "Restore", "Unknown command.")
	}
}

func (b *Bot) isOwner(userID string) bool {
	return userID != "" && userID == b.cfg.OwnerID
}

func (b *Bot) isAdmin(interaction *discordgo.InteractionCreate) bool {
	if b.isOwner(interactionUserID(interaction)) {
		return true
	}
	return interaction.Member != nil && interaction.Member.Permissions&discordgo.PermissionAdministrator != 0
}

func (b *Bot) isBlacklisted(ctx context.Context, userID string) bool {
	if b.store == nil || userID == "" {
		return false
	}
	listed, err := b.store.IsListed(ctx, storage.BlacklistUser, userID)
	if err != nil {
		b.logger.Warn("blacklist lookup failed", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	return listed
}

func interactionUserID(interaction *discordgo.InteractionCreate) string {
	if interaction.Member != nil && interaction.Member.User != nil {
		return interaction.Member.User.ID
	}
	if interaction.User != nil {
		return interaction.User.ID
	}
	return ""
}

func interactionUser(interaction *discordgo.InteractionCreate) *discordgo.User {
	if interaction.Member != nil && interaction.Member.User != nil {
		return interaction.Member.User
	}
	return interaction.User
}

func optionMap(options []*discordgo.ApplicationCommandInteractionDataOption) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	out := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(options))
	for _, opt := range options {
		out[opt.Name] = opt
	}
	return out
}

// notifyGuildLog mirrors audit entries into the guild's logging channel when
// one is configured.
func (b *Bot) notifyGuildLog(ctx context.Context, entry storage.AuditLog) {
	if entry.GuildID == "" || !storage.GuildExists(b.cfg.DBFolderPath, entry.GuildID) {
		return
	}
	guild, err := storage.OpenGuild(ctx, b.cfg.DBFolderPath, entry.GuildID)
	if err != nil {
		return
	}
	settings, err := guild.Settings(ctx)
	guild.Close()
	if err != nil || settings.LoggingChannelID == "" {
		return
	}
	embed := b.commandEmbed(auditTitle(entry.Event), entry.Details, b.levelColor(entry.Level), nil)
	if _, err := b.session.ChannelMessageSendEmbed(settings.LoggingChannelID, embed, discordgo.WithContext(ctx)); err != nil {
		b.logger.Debug("guild log delivery failed", zap.String("guild_id", entry.GuildID), zap.Error(err))
	}
}

func (b *Bot) startRetention() {
	if b.store == nil || b.cfg.RetentionDays <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(retentionInterval)
		defer ticker.Stop()
		for {
			b.cleanupAuditLogs()
			select {
			case <-b.stop:
				return
			case <-ticker.C:
			}
		}
	}()
}

func (b *Bot) cleanupAuditLogs() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := b.store.CleanupAuditLogs(ctx, b.cfg.RetentionDays); err != nil {
		b.logger.Warn("audit retention failed", zap.Error(err))
	}
}

func (b *Bot) log(ctx context.Context, level, guildID, userID, event, details string) {
	if b.audit == nil {
		return
	}
	b.audit.Log(ctx, level, guildID, userID, event, details)
}

func (b *Bot) levelColor(level string) int {
	switch level {
	case audit.LevelWarn:
		return b.cfg.EmbedColors.Warning
	case audit.LevelCrit:
		return b.cfg.EmbedColors.Error
	default:
		return b.cfg.EmbedColors.Action
	}
}

func (b *Bot) commandEmbed(title, description string, color int, fields []*discordgo.MessageEmbedField) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: description,
		Color:       color,
		Fields:      fields,
		Timestamp:   time.Now().Format(time.RFC3339),
	}
}

func (b *Bot) respondEmbed(session *discordgo.Session, interaction *discordgo.InteractionCreate, embed *discordgo.MessageEmbed, ephemeral bool) {
	flags := discordgo.MessageFlags(0)
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	err := session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
			Flags:  flags,
		},
	})
	if err != nil {
		b.logger.Warn("interaction respond failed", zap.Error(err))
	}
}

func (b *Bot) respondError(session *discordgo.Session, interaction *discordgo.InteractionCreate, title, message string) {
	b.respondEmbed(session, interaction, b.commandEmbed(title, message, b.cfg.EmbedColors.Error, nil), true)
}

// deferReply acknowledges a slow command; the answer follows through
// editReply.
func (b *Bot) deferReply(session *discordgo.Session, interaction *discordgo.InteractionCreate) bool {
	err := session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	})
	if err != nil {
		b.logger.Warn("interaction defer failed", zap.Error(err))
		return false
	}
	return true
}

func (b *Bot) editReply(interaction *discordgo.Interaction, embed *discordgo.MessageEmbed, components []discordgo.MessageComponent) error {
	embeds := []*discordgo.MessageEmbed{embed}
	if components == nil {
		components = []discordgo.MessageComponent{}
	}
	_, err := b.session.InteractionResponseEdit(interaction, &discordgo.WebhookEdit{
		Embeds:     &embeds,
		Components: &components,
	})
	return err
}

// directMessage sends embed to the user's DMs.
func (b *Bot) directMessage(userID string, embed *discordgo.MessageEmbed) error {
	if userID == "" {
		return errors.New("no user")
	}
	channel, err := b.session.UserChannelCreate(userID)
	if err != nil {
		return err
	}
	_, err = b.session.ChannelMessageSendEmbed(channel.ID, embed)
	return err
}
