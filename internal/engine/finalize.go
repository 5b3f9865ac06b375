package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"attendbot/internal/metrics"
	"attendbot/internal/models"
)

// FinalizeEntry is one user's closed session and verdict.
type FinalizeEntry struct {
	UserID  string
	Session models.EventSession
	Result  QualificationResult
}

// FinalizeResult is what Finalize hands back for the caller to report with.
type FinalizeResult struct {
	Event   models.ActiveEvent
	EndedAt time.Time
	Entries []FinalizeEntry
	Notices []string
}

// Finalize ends the guild's running event: it closes every still-open
// interval as if a leave had just occurred, judges each session against the
// guild's threshold and mode, writes one attendance row per user, and drops
// all live state and checkpoint rows for the guild.
//
// With no active event this is a logged no-op returning (nil, nil). A
// returned error means at least one durable write exhausted its retries; the
// result is still populated so already-written users can be reported.
func (e *Engine) Finalize(ctx context.Context, guildID string) (*FinalizeResult, error) {
	var res *FinalizeResult
	var finalErr error

	err := e.do(func() {
		ev, ok := e.events[guildID]
		if !ok {
			logrus.WithField("guild", guildID).Info("finalize requested with no active event, ignoring")
			return
		}
		end := e.now()

		cfg, err := e.configs.GuildEventConfig(ctx, guildID, ev.EventType)
		if err != nil {
			cfg = models.GuildEventConfig{
				GuildID:          guildID,
				EventType:        ev.EventType,
				ThresholdPercent: 50,
				AttendanceMode:   models.ModeCumulative,
			}
			logrus.WithField("guild", guildID).Warnf("guild config unavailable, using defaults: %v", err)
		}

		res = &FinalizeResult{Event: *ev, EndedAt: end}
		if err != nil {
			res.Notices = append(res.Notices, fmt.Sprintf("guild config unavailable, defaults applied: %v", err))
		}

		for userID, sess := range e.guildSessions(guildID) {
			if sess.Open() {
				e.closeInterval(sess, end)
			}
			qr := QualifySession(sess, ev.StartedAt, end, cfg)

			rec := models.AttendanceRecord{
				GuildID:               guildID,
				UserID:                userID,
				EventDate:             ev.EventDate,
				EventType:             ev.EventType,
				VoiceChannelID:        ev.ChannelID,
				DurationMinutes:       sess.TotalMinutes,
				LongestSessionMinutes: sess.LongestSessionMinutes,
				Qualified:             qr.Qualified,
				EventStartTime:        ev.StartedAt,
				EventEndTime:          end,
				AdjustmentType:        models.AdjustmentAutomatic,
			}
			if err := e.withRetry(ctx, "finalize attendance", func() error {
				return e.store.UpsertAttendance(ctx, rec)
			}); err != nil {
				res.Notices = append(res.Notices, fmt.Sprintf("attendance write failed for user %s: %v", userID, err))
				if finalErr == nil {
					finalErr = err
				}
			}

			res.Entries = append(res.Entries, FinalizeEntry{UserID: userID, Session: *sess, Result: qr})
		}

		e.dropGuildSessions(guildID)
		delete(e.events, guildID)

		if err := e.withRetry(ctx, "clear checkpoints", func() error {
			return e.store.DeleteCheckpoints(ctx, guildID)
		}); err != nil {
			res.Notices = append(res.Notices, fmt.Sprintf("checkpoint cleanup failed: %v", err))
			if finalErr == nil {
				finalErr = err
			}
		}

		metrics.EventsFinalized.WithLabelValues(string(ev.EventType)).Inc()
		qualified := 0
		for _, entry := range res.Entries {
			if entry.Result.Qualified {
				qualified++
			}
		}
		logrus.WithFields(logrus.Fields{
			"guild": guildID, "type": ev.EventType, "date": ev.EventDate,
			"attendees": len(res.Entries), "qualified": qualified,
		}).Info("event finalized")
	})
	if err != nil {
		return nil, err
	}
	return res, finalErr
}
