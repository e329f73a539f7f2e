package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"restorebot/internal/config"
	"restorebot/internal/storage"
	"restorebot/internal/utils"
)

type WebhookExecutor interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// OwnerLog forwards selected audit events to the owner's webhook.
type OwnerLog struct {
	exec      WebhookExecutor
	webhookID string
	token     string
	colors    config.EmbedColors
	events    map[string]bool
	logger    *zap.Logger
}

// NewOwnerLog returns nil when no webhook is configured. A nil OwnerLog
// drops every event.
func NewOwnerLog(exec WebhookExecutor, rawURL string, colors config.EmbedColors, events []string, logger *zap.Logger) (*OwnerLog, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, nil
	}
	id, token, err := utils.ParseWebhookURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("owner log webhook: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	filter := make(map[string]bool, len(events))
	for _, event := range events {
		filter[event] = true
	}
	return &OwnerLog{exec: exec, webhookID: id, token: token, colors: colors, events: filter, logger: logger}, nil
}

// Notify matches the audit notifier signature.
func (o *OwnerLog) Notify(ctx context.Context, entry storage.AuditLog) {
	if o == nil {
		return
	}
	if len(o.events) > 0 && !o.events[entry.Event] {
		return
	}
	params := &discordgo.WebhookParams{
		Username: "Restore log",
		Embeds:   []*discordgo.MessageEmbed{o.embed(entry)},
	}
	if _, err := o.exec.WebhookExecute(o.webhookID, o.token, false, params, discordgo.WithContext(ctx)); err != nil {
		o.logger.Warn("owner log delivery failed", zap.String("event", entry.Event), zap.Error(err))
	}
}

func (o *OwnerLog) embed(entry storage.AuditLog) *discordgo.MessageEmbed {
	color := o.colors.Action
	switch entry.Level {
	case "WARN":
		color = o.colors.Warning
	case "CRIT":
		color = o.colors.Error
	}
	fields := []*discordgo.MessageEmbedField{
		{Name: "Server", Value: orDash(entry.GuildID), Inline: true},
		{Name: "User", Value: mention(entry.UserID), Inline: true},
		{Name: "Level", Value: entry.Level, Inline: true},
	}
	embed := &discordgo.MessageEmbed{
		Title:       strings.ReplaceAll(entry.Event, "_", " "),
		Description: entry.Details,
		Color:       color,
		Fields:      fields,
	}
	if !entry.CreatedAt.IsZero() {
		embed.Timestamp = entry.CreatedAt.UTC().Format(time.RFC3339)
	}
	return embed
}

func mention(userID string) string {
	if userID == "" {
		return "-"
	}
	return "<@" + userID + ">"
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
