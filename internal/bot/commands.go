package bot

import "github.com/bwmarrin/discordgo"

type commandAPI interface {
	ApplicationCommands(appID, guildID string, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
	ApplicationCommandCreate(appID, guildID string, cmd *discordgo.ApplicationCommand, options ...discordgo.RequestOption) (*discordgo.ApplicationCommand, error)
	ApplicationCommandEdit(appID, guildID, cmdID string, cmd *discordgo.ApplicationCommand, options ...discordgo.RequestOption) (*discordgo.ApplicationCommand, error)
	ApplicationCommandDelete(appID, guildID, cmdID string, options ...discordgo.RequestOption) error
}

var adminPermission int64 = discordgo.PermissionAdministrator

func listCommand(name, description string) *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        name,
		Description: description,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "action",
				Description: "add, remove or list",
				Required:    true,
				Choices: []*discordgo.ApplicationCommandOptionChoice{
					{Name: "add", Value: "add"},
					{Name: "remove", Value: "remove"},
					{Name: "list", Value: "list"},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "kind",
				Description: "user, ip or mail",
				Required:    true,
				Choices: []*discordgo.ApplicationCommandOptionChoice{
					{Name: "user", Value: "user"},
					{Name: "ip", Value: "ip"},
					{Name: "mail", Value: "mail"},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "value",
				Description: "entry to add or remove",
				Required:    false,
			},
		},
	}
}

func commandDefinitions() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:                     "register",
			Description:              "Register this server and get its restore key",
			DefaultMemberPermissions: &adminPermission,
			DescriptionLocalizations: &map[discordgo.Locale]string{
				discordgo.French:    "Enregistrer ce serveur et obtenir sa cle de restauration",
				discordgo.EnglishUS: "Register this server and get its restore key",
			},
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "password",
					Description: "web panel password",
					Required:    true,
				},
			},
		},
		{
			Name:                     "info",
			Description:              "Show server registration details",
			DefaultMemberPermissions: &adminPermission,
			DescriptionLocalizations: &map[discordgo.Locale]string{
				discordgo.French:    "Afficher les informations du serveur",
				discordgo.EnglishUS: "Show server registration details",
			},
		},
		{
			Name:                     "settings",
			Description:              "Update verification and logging settings",
			DefaultMemberPermissions: &adminPermission,
			DescriptionLocalizations: &map[discordgo.Locale]string{
				discordgo.French:    "Modifier les parametres de verification et de logs",
				discordgo.EnglishUS: "Update verification and logging settings",
			},
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionBoolean, Name: "logging_ip", Description: "log member IP addresses"},
				{Type: discordgo.ApplicationCommandOptionBoolean, Name: "logging_mail", Description: "log member e-mail addresses"},
				{Type: discordgo.ApplicationCommandOptionChannel, Name: "logging_channel", Description: "channel for restore logs"},
				{Type: discordgo.ApplicationCommandOptionRole, Name: "role", Description: "role given after verification"},
				{Type: discordgo.ApplicationCommandOptionBoolean, Name: "captcha", Description: "require a captcha"},
				{Type: discordgo.ApplicationCommandOptionBoolean, Name: "block_vpn", Description: "reject VPN addresses"},
				{Type: discordgo.ApplicationCommandOptionString, Name: "webhook_url", Description: "Discord webhook for verification logs"},
			},
		},
		{
			Name:                     "backup",
			Description:              "Create a backup of this server",
			DefaultMemberPermissions: &adminPermission,
			DescriptionLocalizations: &map[discordgo.Locale]string{
				discordgo.French:    "Creer une sauvegarde de ce serveur",
				discordgo.EnglishUS: "Create a backup of this server",
			},
		},
		{
			Name:                     "backups",
			Description:              "List backups of this server",
			DefaultMemberPermissions: &adminPermission,
			DescriptionLocalizations: &map[discordgo.Locale]string{
				discordgo.French:    "Lister les sauvegardes de ce serveur",
				discordgo.EnglishUS: "List backups of this server",
			},
		},
		{
			Name:                     "restore",
			Description:              "Restore members or structure from a restore key",
			DefaultMemberPermissions: &adminPermission,
			DescriptionLocalizations: &map[discordgo.Locale]string{
				discordgo.French:    "Restaurer les membres ou la structure avec une cle",
				discordgo.EnglishUS: "Restore members or structure from a restore key",
			},
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "type",
					Description: "what to restore",
					Required:    true,
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "members", Value: restoreMembers},
						{Name: "structure", Value: restoreStructure},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "key",
					Description: "restore key of the source server",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "backup",
					Description: "backup name, newest when empty",
				},
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        "cleanup",
					Description: "delete existing channels, roles, emojis and stickers first",
				},
			},
		},
		{
			Name:                     "users",
			Description:              "Count verified users",
			DefaultMemberPermissions: &adminPermission,
			DescriptionLocalizations: &map[discordgo.Locale]string{
				discordgo.French:    "Compter les utilisateurs verifies",
				discordgo.EnglishUS: "Count verified users",
			},
		},
		listCommand("whitelist", "Manage the whitelist"),
		listCommand("blacklist", "Manage the blacklist"),
	}
}

func (b *Bot) registerCommands() error {
	guildIDs := make([]string, 0, len(b.session.State.Guilds))
	for _, guild := range b.session.State.Guilds {
		if guild != nil {
			guildIDs = append(guildIDs, guild.ID)
		}
	}
	return syncCommands(b.session, b.session.State.User.ID, commandDefinitions(), guildIDs)
}

// syncCommands edits existing global commands, creates missing ones and
// removes stale global and guild commands.
func syncCommands(api commandAPI, appID string, commands []*discordgo.ApplicationCommand, guildIDs []string) error {
	existing, err := api.ApplicationCommands(appID, "")
	if err != nil {
		for _, cmd := range commands {
			if _, err := api.ApplicationCommandCreate(appID, "", cmd); err != nil {
				return err
			}
		}
		return nil
	}

	existingByName := make(map[string]*discordgo.ApplicationCommand)
	for _, cmd := range existing {
		existingByName[cmd.Name] = cmd
	}

	desired := make(map[string]struct{})
	for _, cmd := range commands {
		desired[cmd.Name] = struct{}{}
		if current, ok := existingByName[cmd.Name]; ok {
			if _, err := api.ApplicationCommandEdit(appID, "", current.ID, cmd); err != nil {
				return err
			}
			continue
		}
		if _, err := api.ApplicationCommandCreate(appID, "", cmd); err != nil {
			return err
		}
	}

	for _, cmd := range existing {
		if _, ok := desired[cmd.Name]; ok {
			continue
		}
		_ = api.ApplicationCommandDelete(appID, "", cmd.ID)
	}

	for _, guildID := range guildIDs {
		guildCmds, err := api.ApplicationCommands(appID, guildID)
		if err != nil {
			continue
		}
		for _, cmd := range guildCmds {
			if _, ok := desired[cmd.Name]; ok {
				continue
			}
			_ = api.ApplicationCommandDelete(appID, guildID, cmd.ID)
		}
	}
	return nil
}
