package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"restorebot/internal/audit"
	"restorebot/internal/confirm"
	"restorebot/internal/progress"
	"restorebot/internal/restore"
	"restorebot/internal/storage"
)

const (
	restoreMembers   = "members"
	restoreStructure = "structure"

	buttonPrefix  = "restore"
	buttonConfirm = "confirm"
	buttonCancel  = "cancel"
)

type pendingRestore struct {
	id          string
	kind        string
	interaction *discordgo.Interaction
	operatorID  string
	structure   *restore.StructurePlan
	members     *restore.MemberPlan
	summary     []*discordgo.MessageEmbedField
}

func (p *pendingRestore) guildID() string {
	if p.structure != nil {
		return p.structure.DestGuildID
	}
	return p.members.DestGuildID
}

func (p *pendingRestore) sourceGuildID() string {
	if p.structure != nil {
		return p.structure.SourceGuildID
	}
	return p.members.SourceGuildID
}

func buttonID(action, id string) string {
	return buttonPrefix + ":" + action + ":" + id
}

func parseButtonID(customID string) (action, id string, ok bool) {
	parts := strings.SplitN(customID, ":", 3)
	if len(parts) != 3 || parts[0] != buttonPrefix || parts[2] == "" {
		return "", "", false
	}
	if parts[1] != buttonConfirm && parts[1] != buttonCancel {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// restoreErrorMessage turns a preparation error into operator-facing text.
func restoreErrorMessage(err error) string {
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
		return "This restore key is invalid or has already been used."
	case errors.Is(err, restore.ErrNoBackup):
		return "No backup was found for this key."
	case errors.Is(err, restore.ErrNoUsers):
		return "There are no verified users to restore for this key."
	case errors.Is(err, restore.ErrRestoreRunning):
		return "A restore is already running on this server."
	case errors.Is(err, storage.ErrGuildNotRegistered):
		return "The server this key belongs to has no database anymore."
	default:
		return "The restore could not be prepared."
	}
}

func structureSummary(plan *restore.StructurePlan) []*discordgo.MessageEmbedField {
	stats := plan.Backup.Stats
	cleanup := "no"
	if plan.Cleanup {
		cleanup = "yes, existing channels, roles, emojis and stickers are deleted first"
	}
	return []*discordgo.MessageEmbedField{
		{Name: "Source", Value: fmt.Sprintf("%s (%s)", plan.Backup.ServerName, plan.SourceGuildID), Inline: true},
		{Name: "Backup", Value: fmt.Sprintf("`%s` %s", plan.Backup.Name, plan.Backup.Timestamp), Inline: true},
		{Name: "Roles", Value: fmt.Sprintf("%d", stats.Roles), Inline: true},
		{Name: "Categories", Value: fmt.Sprintf("%d", stats.Categories), Inline: true},
		{Name: "Channels", Value: fmt.Sprintf("%d", stats.Channels), Inline: true},
		{Name: "Emojis", Value: fmt.Sprintf("%d", stats.Emojis), Inline: true},
		{Name: "Stickers", Value: fmt.Sprintf("%d", stats.Stickers), Inline: true},
		{Name: "Cleanup", Value: cleanup, Inline: false},
	}
}

func membersSummary(plan *restore.MemberPlan) []*discordgo.MessageEmbedField {
	return []*discordgo.MessageEmbedField{
		{Name: "Source", Value: fmt.Sprintf("%s (%s)", plan.SourceName, plan.SourceGuildID), Inline: true},
		{Name: "Users", Value: fmt.Sprintf("%d", len(plan.Users)), Inline: true},
	}
}

func summaryMap(fields []*discordgo.MessageEmbedField) map[string]string {
	out := make(map[string]string, len(fields))
	for _, field := range fields {
		out[field.Name] = field.Value
	}
	return out
}

func (b *Bot) handleRestore(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, opts map[string]*discordgo.ApplicationCommandInteractionDataOption) {
	const title = "Restore"
	kind, key, backupName, cleanup := "", "", "", false
	if opt, ok := opts["type"]; ok {
		kind = opt.StringValue()
	}
	if opt, ok := opts["key"]; ok {
		key = strings.TrimSpace(opt.StringValue())
	}
	if opt, ok := opts["backup"]; ok {
		backupName = strings.TrimSpace(opt.StringValue())
	}
	if opt, ok := opts["cleanup"]; ok {
		cleanup = opt.BoolValue()
	}

	p := &pendingRestore{
		id:          b.newID(),
		kind:        kind,
		interaction: interaction.Interaction,
		operatorID:  interactionUserID(interaction),
	}
	var err error
	switch kind {
	case restoreStructure:
		p.structure, err = b.restores.PrepareStructure(ctx, key, backupName, interaction.GuildID, cleanup)
		if err == nil {
			p.summary = structureSummary(p.structure)
		}
	case restoreMembers:
		p.members, err = b.restores.PrepareMembers(ctx, key, interaction.GuildID)
		if err == nil {
			p.summary = membersSummary(p.members)
		}
	default:
		b.respondError(session, interaction, title, "Unknown restore type.")
		return
	}
	if err != nil {
		b.logger.Info("restore rejected", zap.String("guild_id", interaction.GuildID), zap.String("type", kind), zap.Error(err))
		b.respondError(session, interaction, title, restoreErrorMessage(err))
		return
	}

	req := confirm.Request{OperatorID: p.operatorID, Summary: summaryMap(p.summary)}
	if err := b.gate.Open(p.id, req, b.restoreDecision(p)); err != nil {
		b.respondError(session, interaction, title, "The restore could not be prepared.")
		return
	}

	description := fmt.Sprintf("Restore %s into this server? This request expires in %s.", kind, b.gate.Timeout())
	embed := b.commandEmbed(title, description, b.cfg.EmbedColors.Warning, p.summary)
	err = session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds:     []*discordgo.MessageEmbed{embed},
			Components: confirmButtons(p.id),
			Flags:      discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		b.logger.Warn("restore prompt failed", zap.Error(err))
		_ = b.gate.Cancel(p.id, p.operatorID)
	}
}

func confirmButtons(id string) []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			discordgo.Button{Label: "Confirm", Style: discordgo.DangerButton, CustomID: buttonID(buttonConfirm, id)},
			discordgo.Button{Label: "Cancel", Style: discordgo.SecondaryButton, CustomID: buttonID(buttonCancel, id)},
		}},
	}
}

func (b *Bot) handleComponent(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	action, id, ok := parseButtonID(interaction.MessageComponentData().CustomID)
	if !ok {
		return
	}
	userID := interactionUserID(interaction)
	var err error
	if action == buttonConfirm {
		err = b.gate.Confirm(id, userID)
	} else {
		err = b.gate.Cancel(id, userID)
	}
	switch {
	case errors.Is(err, confirm.ErrNotOperator):
		b.respondError(session, interaction, "Restore", "Only the person who started this restore can answer.")
		return
	case errors.Is(err, confirm.ErrNotFound):
		b.respondError(session, interaction, "Restore", "This restore request has expired.")
		return
	}
	_ = session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	})
}

// restoreDecision returns the gate callback for p. The gate runs it inside
// the button handler, before the interaction is acknowledged, so the work
// moves to its own goroutine.
func (b *Bot) restoreDecision(p *pendingRestore) func(confirm.Outcome) {
	return func(outcome confirm.Outcome) {
		b.spawn(func() { b.onRestoreDecision(p, outcome) })
	}
}

func (b *Bot) onRestoreDecision(p *pendingRestore, outcome confirm.Outcome) {
	ctx := context.Background()
	if outcome.Decision != confirm.Confirmed {
		reason := "Cancelled."
		if outcome.TimedOut {
			reason = fmt.Sprintf("No answer within %s, the restore was cancelled.", b.gate.Timeout())
		}
		b.log(ctx, audit.LevelInfo, p.guildID(), p.operatorID, audit.EventRestoreCancelled, p.kind+": "+reason)
		_ = b.editReply(p.interaction, b.commandEmbed("Restore", reason, b.cfg.EmbedColors.Warning, p.summary), nil)
		return
	}
	b.log(ctx, audit.LevelWarn, p.guildID(), p.operatorID, audit.EventRestoreConfirmed, fmt.Sprintf("%s restore from %s", p.kind, p.sourceGuildID()))
	b.runRestore(ctx, p)
}

// progressView shows restore progress on the operator's own reply. Once the
// reply can no longer be edited (expired token, deleted channel) it moves to
// a direct message and keeps editing that one.
type progressView struct {
	reply  func(*discordgo.MessageEmbed) error
	openDM func(*discordgo.MessageEmbed) (func(*discordgo.MessageEmbed) error, error)
	dm     func(*discordgo.MessageEmbed) error
	logger *zap.Logger
}

func (v *progressView) show(embed *discordgo.MessageEmbed) {
	if v.dm == nil {
		err := v.reply(embed)
		if err == nil {
			return
		}
		v.logger.Warn("progress reply failed, switching to DM", zap.Error(err))
		edit, err := v.openDM(embed)
		if err != nil {
			v.logger.Warn("progress DM failed", zap.Error(err))
			return
		}
		v.dm = edit
		return
	}
	if err := v.dm(embed); err != nil {
		v.logger.Warn("progress DM edit failed", zap.Error(err))
	}
}

func (b *Bot) newProgressView(p *pendingRestore) *progressView {
	return &progressView{
		reply: func(embed *discordgo.MessageEmbed) error {
			return b.editReply(p.interaction, embed, nil)
		},
		openDM: func(embed *discordgo.MessageEmbed) (func(*discordgo.MessageEmbed) error, error) {
			channel, err := b.session.UserChannelCreate(p.operatorID)
			if err != nil {
				return nil, err
			}
			msg, err := b.session.ChannelMessageSendEmbed(channel.ID, embed)
			if err != nil {
				return nil, err
			}
			return func(next *discordgo.MessageEmbed) error {
				_, err := b.session.ChannelMessageEditEmbed(channel.ID, msg.ID, next)
				return err
			}, nil
		},
		logger: b.logger.With(zap.String("guild_id", p.guildID())),
	}
}

func (b *Bot) progressEmbed(kind string, u progress.Update) *discordgo.MessageEmbed {
	description := fmt.Sprintf("Phase: %s", u.Phase)
	if u.Total > 0 {
		description += fmt.Sprintf("\n%d / %d done, %d failed", u.Done, u.Total, u.Failed)
	}
	return b.commandEmbed("Restoring "+kind, description, b.cfg.EmbedColors.Action, nil)
}

func (b *Bot) runRestore(ctx context.Context, p *pendingRestore) {
	logger := b.logger.With(zap.String("guild_id", p.guildID()), zap.String("source_guild_id", p.sourceGuildID()), zap.String("type", p.kind))
	started := time.Now()
	view := b.newProgressView(p)
	view.show(b.progressEmbed(p.kind, progress.Update{Phase: "starting"}))
	reporter := progress.NewThrottle(b.cfg.Restore.ProgressInterval, progress.ReporterFunc(func(u progress.Update) {
		view.show(b.progressEmbed(p.kind, u))
	}))

	var (
		fields    []*discordgo.MessageEmbedField
		details   string
		newKey    string
		rotateErr error
		err       error
	)
	switch p.kind {
	case restoreStructure:
		var outcome *restore.StructureOutcome
		outcome, err = b.restores.RunStructure(ctx, p.structure, reporter)
		if err == nil {
			fields = structureResultFields(outcome)
			created, failed := outcome.Result.Totals()
			details = fmt.Sprintf("structure from %s: %d created, %d failed", p.structure.Backup.Name, created, failed)
			newKey, rotateErr = outcome.NewKey, outcome.RotateErr
		}
	case restoreMembers:
		var outcome *restore.MemberOutcome
		outcome, err = b.restores.RunMembers(ctx, p.members, reporter)
		if err == nil {
			fields = memberResultFields(outcome.Result)
			details = fmt.Sprintf("members from %s: %d added, %d already present, %d failed of %d",
				p.members.SourceGuildID, outcome.Result.Succeeded, outcome.Result.AlreadyPresent, outcome.Result.Failed, outcome.Result.Total)
			newKey, rotateErr = outcome.NewKey, outcome.RotateErr
		}
	}

	if err != nil {
		logger.Error("restore failed", zap.Error(err))
		b.log(ctx, audit.LevelCrit, p.guildID(), p.operatorID, audit.EventRestoreFailed, err.Error())
		view.show(b.commandEmbed("Restore failed", restoreErrorMessage(err)+" The restore key was not changed.", b.cfg.EmbedColors.Error, nil))
		return
	}

	logger.Info("restore finished", zap.String("details", details), zap.Duration("elapsed", time.Since(started)))
	b.log(ctx, audit.LevelInfo, p.guildID(), p.operatorID, audit.EventRestoreFinished, details)
	if rotateErr != nil {
		b.log(ctx, audit.LevelCrit, p.sourceGuildID(), p.operatorID, audit.EventKeyRotateFailed, rotateErr.Error())
	} else {
		b.log(ctx, audit.LevelInfo, p.sourceGuildID(), p.operatorID, audit.EventKeyRotated, "rotated after "+p.kind+" restore")
	}

	fields = append(fields, keyField(newKey, rotateErr))
	view.show(b.commandEmbed("Restore finished", details, b.cfg.EmbedColors.Action, fields))
}

func keyField(newKey string, rotateErr error) *discordgo.MessageEmbedField {
	if errors.Is(rotateErr, storage.ErrKeyConflict) {
		return &discordgo.MessageEmbedField{Name: "Restore key", Value: "Another restore already replaced this key.", Inline: false}
	}
	if rotateErr != nil || newKey == "" {
		return &discordgo.MessageEmbedField{Name: "Restore key", Value: "Rotation failed, the previous key is still valid.", Inline: false}
	}
	return &discordgo.MessageEmbedField{Name: "New restore key", Value: "`" + newKey + "`", Inline: false}
}

func tallyValue(t restore.Tally) string {
	return fmt.Sprintf("%d ok, %d failed", t.Succeeded, t.Failed)
}

func structureResultFields(outcome *restore.StructureOutcome) []*discordgo.MessageEmbedField {
	var fields []*discordgo.MessageEmbedField
	if c := outcome.Cleanup; c != nil {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name: "Cleanup",
			Value: fmt.Sprintf("channels %s\nroles %s\nemojis %s\nstickers %s",
				tallyValue(c.Channels), tallyValue(c.Roles), tallyValue(c.Emojis), tallyValue(c.Stickers)),
			Inline: false,
		})
	}
	r := outcome.Result
	fields = append(fields,
		&discordgo.MessageEmbedField{Name: "Roles", Value: tallyValue(r.Roles), Inline: true},
		&discordgo.MessageEmbedField{Name: "Categories", Value: tallyValue(r.Categories), Inline: true},
		&discordgo.MessageEmbedField{Name: "Channels", Value: tallyValue(r.Channels), Inline: true},
		&discordgo.MessageEmbedField{Name: "Emojis", Value: tallyValue(r.Emojis), Inline: true},
		&discordgo.MessageEmbedField{Name: "Stickers", Value: tallyValue(r.Stickers), Inline: true},
		&discordgo.MessageEmbedField{Name: "Icon / banner", Value: onOff(r.IconApplied) + " / " + onOff(r.BannerApplied), Inline: true},
	)
	return fields
}

func memberResultFields(r restore.MemberResult) []*discordgo.MessageEmbedField {
	return []*discordgo.MessageEmbedField{
		{Name: "Added", Value: fmt.Sprintf("%d", r.Succeeded), Inline: true},
		{Name: "Already present", Value: fmt.Sprintf("%d", r.AlreadyPresent), Inline: true},
		{Name: "Failed", Value: fmt.Sprintf("%d", r.Failed), Inline: true},
		{Name: "Total", Value: fmt.Sprintf("%d", r.Total), Inline: true},
	}
}
