package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"

	"attendbot/internal/engine"
	"attendbot/internal/models"
	"attendbot/internal/tiers"
)

// Bot bridges the Discord gateway to the attendance engine: voice state
// updates feed the session tracker, prefix commands drive event lifecycle
// and adjustments, and the bot implements the role/DM collaborators the
// tier updater needs.
type Bot struct {
	session *discordgo.Session
	engine  *engine.Engine
	store   AttendanceReader
	updater *tiers.Updater
	prefix  string
}

// AttendanceReader is what the command layer reads from durable storage.
type AttendanceReader interface {
	CountQualified(ctx context.Context, guildID, userID string, eventType models.EventType) (int, error)
	ListUserAttendance(ctx context.Context, guildID, userID string, limit int) ([]models.AttendanceRecord, error)
}

// New creates a new Discord bot.
func New(token, prefix string, eng *engine.Engine, store AttendanceReader) (*Bot, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessages |
		discordgo.IntentMessageContent

	bot := &Bot{
		session: session,
		engine:  eng,
		store:   store,
		prefix:  prefix,
	}

	session.AddHandler(bot.voiceStateUpdate)
	session.AddHandler(bot.messageCreate)

	return bot, nil
}

// SetTierUpdater wires the tier role updater once its collaborators exist.
// The updater usually wants the bot itself as RoleManager and Notifier, so
// it cannot be a New argument.
func (b *Bot) SetTierUpdater(u *tiers.Updater) {
	b.updater = u
}

// Start opens the gateway connection. The engine must already be recovered
// and started, so no voice event can race the recovery pass.
func (b *Bot) Start() error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord connection: %w", err)
	}
	logrus.Info("bot is running")
	return nil
}

// Stop closes the gateway connection.
func (b *Bot) Stop() error {
	return b.session.Close()
}

// voiceStateUpdate feeds voice presence into the engine. Bot accounts are
// filtered out; the engine ignores guilds with no active event.
func (b *Bot) voiceStateUpdate(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if vs.Member != nil && vs.Member.User != nil && vs.Member.User.Bot {
		return
	}

	if vs.ChannelID != "" {
		b.engine.HandleVoiceJoin(vs.GuildID, vs.UserID)
	} else {
		b.engine.HandleVoiceLeave(vs.GuildID, vs.UserID)
	}
}

// membersInChannel lists non-bot users currently connected to the channel,
// for retroactive credit at event start.
func (b *Bot) membersInChannel(guildID, channelID string) []string {
	guild, err := b.session.State.Guild(guildID)
	if err != nil {
		logrus.Warnf("guild state unavailable for %s: %v", guildID, err)
		return nil
	}

	var userIDs []string
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID != channelID {
			continue
		}
		if vs.Member != nil && vs.Member.User != nil && vs.Member.User.Bot {
			continue
		}
		userIDs = append(userIDs, vs.UserID)
	}
	return userIDs
}

// voiceChannelOf finds the voice channel the user is currently connected to.
func (b *Bot) voiceChannelOf(guildID, userID string) string {
	guild, err := b.session.State.Guild(guildID)
	if err != nil {
		return ""
	}
	for _, vs := range guild.VoiceStates {
		if vs.UserID == userID {
			return vs.ChannelID
		}
	}
	return ""
}

// AssignRole implements tiers.RoleManager.
func (b *Bot) AssignRole(ctx context.Context, guildID, userID, roleID string) error {
	return b.session.GuildMemberRoleAdd(guildID, userID, roleID, discordgo.WithContext(ctx))
}

// RemoveRole implements tiers.RoleManager.
func (b *Bot) RemoveRole(ctx context.Context, guildID, userID, roleID string) error {
	return b.session.GuildMemberRoleRemove(guildID, userID, roleID, discordgo.WithContext(ctx))
}

// DirectMessage implements tiers.Notifier.
func (b *Bot) DirectMessage(ctx context.Context, userID, content string) error {
	channel, err := b.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to open DM channel: %w", err)
	}
	if _, err := b.session.ChannelMessageSend(channel.ID, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to send DM: %w", err)
	}
	return nil
}
