package discord

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"

	"attendbot/internal/engine"
	"attendbot/internal/models"
	"attendbot/pkg/utils"
)

// messageCreate dispatches prefix commands.
func (b *Bot) messageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.Bot || m.GuildID == "" {
		return
	}

	content := strings.TrimSpace(m.Content)
	if !strings.HasPrefix(content, b.prefix) {
		return
	}
	args := strings.Fields(strings.TrimPrefix(content, b.prefix))
	if len(args) == 0 {
		return
	}

	switch strings.ToLower(args[0]) {
	case "startevent":
		b.handleStartEvent(s, m, args[1:])
	case "endevent":
		b.handleEndEvent(s, m)
	case "eventstats":
		b.handleEventStats(s, m, args[1:])
	case "addtime":
		b.handleAddTime(s, m, args[1:])
	case "credittime":
		b.handleCreditTime(s, m, args[1:])
	case "bump":
		b.handleBump(s, m, args[1:])
	case "myattendance":
		b.handleMyAttendance(s, m)
	case "recovery":
		b.handleRecovery(s, m)
	}
}

func parseEventType(arg string) (models.EventType, bool) {
	switch strings.ToLower(arg) {
	case "game":
		return models.EventTypeGame, true
	case "movie":
		return models.EventTypeMovie, true
	}
	return "", false
}

// eventTypeArg pops a leading event-type argument, defaulting to game.
func eventTypeArg(args []string) (models.EventType, []string) {
	if len(args) > 0 {
		if et, ok := parseEventType(args[0]); ok {
			return et, args[1:]
		}
	}
	return models.EventTypeGame, args
}

// handleStartEvent handles the !startevent command. The event runs in the
// voice channel the invoker is currently connected to.
func (b *Bot) handleStartEvent(s *discordgo.Session, m *discordgo.MessageCreate, args []string) {
	eventType, _ := eventTypeArg(args)

	channelID := b.voiceChannelOf(m.GuildID, m.Author.ID)
	if channelID == "" {
		s.ChannelMessageSend(m.ChannelID, "Join the event voice channel first, then run this command.")
		return
	}

	present := b.membersInChannel(m.GuildID, channelID)
	res, err := b.engine.StartEvent(context.Background(), m.GuildID, channelID, eventType, present)
	if err != nil {
		s.ChannelMessageSend(m.ChannelID, fmt.Sprintf("Could not start the event: %v", err))
		return
	}

	msg := fmt.Sprintf("🎬 %s night started in %s, tracking %d member(s) already present.",
		eventType, utils.FormatChannelMention(channelID), res.CreditedMembers)
	for _, notice := range res.Notices {
		msg += "\n⚠️ " + notice
	}
	s.ChannelMessageSend(m.ChannelID, msg)
}

// handleEndEvent handles the !endevent command: finalize, report per-user
// qualification, then reconcile tier roles for everyone who attended.
func (b *Bot) handleEndEvent(s *discordgo.Session, m *discordgo.MessageCreate) {
	ctx := context.Background()

	res, err := b.engine.Finalize(ctx, m.GuildID)
	if res == nil {
		if err != nil {
			logrus.Errorf("finalize failed: %v", err)
		}
		s.ChannelMessageSend(m.ChannelID, "No event is currently running here.")
		return
	}
	if err != nil {
		logrus.Errorf("finalize completed with durable-write failures: %v", err)
	}

	var lines []string
	for _, entry := range res.Entries {
		mark := "❌"
		if entry.Result.Qualified {
			mark = "✅"
		}
		lines = append(lines, fmt.Sprintf("%s %s: %s",
			mark, utils.FormatUserMention(entry.UserID), entry.Result.Summary()))
	}
	if len(lines) == 0 {
		lines = append(lines, "(nobody was tracked)")
	}

	msg := fmt.Sprintf("🏁 %s night on %s finished (%s).\n%s",
		res.Event.EventType, res.Event.EventDate,
		utils.FormatMinutes(int64(res.EndedAt.Sub(res.Event.StartedAt).Minutes())),
		strings.Join(lines, "\n"))
	for _, notice := range res.Notices {
		msg += "\n⚠️ " + notice
	}
	s.ChannelMessageSend(m.ChannelID, utils.TruncateString(msg, 2000))

	b.syncTiers(ctx, m.GuildID, res)
}

// syncTiers reconciles tier roles for every finalized attendee. Soft
// failures are logged; attendance is already durable at this point.
func (b *Bot) syncTiers(ctx context.Context, guildID string, res *engine.FinalizeResult) {
	if b.updater == nil {
		return
	}
	for _, entry := range res.Entries {
		count, err := b.store.CountQualified(ctx, guildID, entry.UserID, res.Event.EventType)
		if err != nil {
			logrus.Warnf("qualified count unavailable for user %s: %v", entry.UserID, err)
			continue
		}
		sync, err := b.updater.Sync(ctx, guildID, entry.UserID, string(res.Event.EventType), count)
		if err != nil {
			logrus.Warnf("tier sync failed for user %s: %v", entry.UserID, err)
			continue
		}
		for _, notice := range sync.Notices {
			logrus.Warnf("tier sync notice for user %s: %s", entry.UserID, notice)
		}
	}
}

// handleEventStats handles !eventstats <date> [game|movie].
func (b *Bot) handleEventStats(s *discordgo.Session, m *discordgo.MessageCreate, args []string) {
	if len(args) < 1 {
		s.ChannelMessageSend(m.ChannelID, "Format: "+b.prefix+"eventstats <YYYY-MM-DD> [game|movie]")
		return
	}
	eventDate := args[0]
	eventType, _ := eventTypeArg(args[1:])

	stats, err := b.engine.EventStats(context.Background(), m.GuildID, eventDate, eventType)
	if err != nil {
		logrus.Errorf("error getting event stats: %v", err)
		s.ChannelMessageSend(m.ChannelID, "Could not load stats for that event.")
		return
	}
	if stats.Attendees == 0 {
		s.ChannelMessageSend(m.ChannelID, fmt.Sprintf("No attendance recorded for %s (%s).", eventDate, eventType))
		return
	}

	msg := fmt.Sprintf("📊 %s night on %s\nAttendees: %d\nQualified: %d\nAverage time: %s\nEvent length: %s",
		eventType, eventDate, stats.Attendees, stats.QualifiedCount,
		utils.FormatMinutes(int64(stats.AverageMinutes)),
		utils.FormatMinutes(int64(stats.EventDurationMinutes)))
	s.ChannelMessageSend(m.ChannelID, msg)
}

// handleAddTime handles !addtime <@user> <minutes> against the live event.
func (b *Bot) handleAddTime(s *discordgo.Session, m *discordgo.MessageCreate, args []string) {
	if len(args) < 2 || !utils.IsUserMention(args[0]) {
		s.ChannelMessageSend(m.ChannelID, "Format: "+b.prefix+"addtime <@user> <minutes>")
		return
	}
	userID := utils.ExtractUserIDFromMention(args[0])
	minutes, err := strconv.Atoi(args[1])
	if err != nil || minutes <= 0 {
		s.ChannelMessageSend(m.ChannelID, "Minutes must be a positive number.")
		return
	}

	if !b.engine.AddToLiveSession(m.GuildID, userID, minutes) {
		s.ChannelMessageSend(m.ChannelID, "No event is currently running here, use "+b.prefix+"credittime for past events.")
		return
	}
	s.ChannelMessageSend(m.ChannelID, fmt.Sprintf("⏱️ Added %d minutes to %s's live session.",
		minutes, utils.FormatUserMention(userID)))
}

// handleCreditTime handles !credittime <@user> <date> <minutes> [game|movie] [reason...].
func (b *Bot) handleCreditTime(s *discordgo.Session, m *discordgo.MessageCreate, args []string) {
	if len(args) < 3 || !utils.IsUserMention(args[0]) {
		s.ChannelMessageSend(m.ChannelID, "Format: "+b.prefix+"credittime <@user> <YYYY-MM-DD> <minutes> [game|movie] [reason]")
		return
	}
	userID := utils.ExtractUserIDFromMention(args[0])
	eventDate := args[1]
	minutes, err := strconv.Atoi(args[2])
	if err != nil || minutes <= 0 {
		s.ChannelMessageSend(m.ChannelID, "Minutes must be a positive number.")
		return
	}
	eventType, rest := eventTypeArg(args[3:])
	reason := strings.Join(rest, " ")

	rec, err := b.engine.CreditHistoricalRecord(context.Background(),
		m.GuildID, userID, eventDate, eventType, minutes, m.Author.ID, reason)
	if err != nil {
		logrus.Errorf("error crediting attendance: %v", err)
		s.ChannelMessageSend(m.ChannelID, "Could not credit that record.")
		return
	}

	mark := "❌"
	if rec.Qualified {
		mark = "✅"
	}
	s.ChannelMessageSend(m.ChannelID, fmt.Sprintf("✏️ Credited %d minutes to %s for %s, now %s %s.",
		minutes, utils.FormatUserMention(userID), eventDate,
		utils.FormatMinutes(int64(rec.DurationMinutes)), mark))
}

// handleBump handles !bump <@user> <date> [game|movie] [reason...].
func (b *Bot) handleBump(s *discordgo.Session, m *discordgo.MessageCreate, args []string) {
	if len(args) < 2 || !utils.IsUserMention(args[0]) {
		s.ChannelMessageSend(m.ChannelID, "Format: "+b.prefix+"bump <@user> <YYYY-MM-DD> [game|movie] [reason]")
		return
	}
	userID := utils.ExtractUserIDFromMention(args[0])
	eventDate := args[1]
	eventType, rest := eventTypeArg(args[2:])
	reason := strings.Join(rest, " ")

	ctx := context.Background()
	res, err := b.engine.BumpRecord(ctx, m.GuildID, userID, eventDate, eventType, m.Author.ID, reason)
	if err != nil {
		logrus.Errorf("error bumping attendance: %v", err)
		s.ChannelMessageSend(m.ChannelID, "Could not bump that record.")
		return
	}
	if res.PreviouslyQualified {
		s.ChannelMessageSend(m.ChannelID, fmt.Sprintf("%s already qualified for %s, nothing to do.",
			utils.FormatUserMention(userID), eventDate))
		return
	}

	s.ChannelMessageSend(m.ChannelID, fmt.Sprintf("⬆️ %s is now qualified for %s (%s credited).",
		utils.FormatUserMention(userID), eventDate,
		utils.FormatMinutes(int64(res.Record.DurationMinutes))))

	if b.updater != nil {
		count, err := b.store.CountQualified(ctx, m.GuildID, userID, eventType)
		if err == nil {
			if _, err := b.updater.Sync(ctx, m.GuildID, userID, string(eventType), count); err != nil {
				logrus.Warnf("tier sync failed after bump: %v", err)
			}
		}
	}
}

// handleMyAttendance handles the !myattendance command.
func (b *Bot) handleMyAttendance(s *discordgo.Session, m *discordgo.MessageCreate) {
	ctx := context.Background()

	records, err := b.store.ListUserAttendance(ctx, m.GuildID, m.Author.ID, 5)
	if err != nil {
		logrus.Errorf("error listing attendance: %v", err)
		s.ChannelMessageSend(m.ChannelID, "Could not load your attendance.")
		return
	}

	games, _ := b.store.CountQualified(ctx, m.GuildID, m.Author.ID, models.EventTypeGame)
	movies, _ := b.store.CountQualified(ctx, m.GuildID, m.Author.ID, models.EventTypeMovie)

	var lines []string
	for _, rec := range records {
		mark := "❌"
		if rec.Qualified {
			mark = "✅"
		}
		lines = append(lines, fmt.Sprintf("- %s %s: %s %s",
			rec.EventDate, rec.EventType, utils.FormatMinutes(int64(rec.DurationMinutes)), mark))
	}
	if len(lines) == 0 {
		lines = append(lines, "(no events attended yet)")
	}

	msg := fmt.Sprintf("📋 %s\nQualified game nights: %d\nQualified movie nights: %d\nRecent:\n%s",
		m.Author.Username, games, movies, strings.Join(lines, "\n"))
	s.ChannelMessageSend(m.ChannelID, msg)
}

// handleRecovery handles the !recovery command for operator visibility.
func (b *Bot) handleRecovery(s *discordgo.Session, m *discordgo.MessageCreate) {
	status := b.engine.RecoveryStatus()
	if !status.Ran {
		s.ChannelMessageSend(m.ChannelID, "No recovery pass has run in this process.")
		return
	}

	msg := fmt.Sprintf("🔧 Recovery at %s\nEvents restored: %d\nSessions restored: %d (reopened %d, orphaned %d)\nMinutes credited for downtime: %d",
		status.RecoveredAt.UTC().Format("2006-01-02 15:04:05 MST"),
		status.RecoveredEvents, status.RecoveredSessions,
		status.ReopenedSessions, status.OrphanedSessions, status.CreditedMinutes)
	s.ChannelMessageSend(m.ChannelID, msg)
}
