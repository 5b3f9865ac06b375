package engine

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"attendbot/internal/metrics"
	"attendbot/internal/models"
)

// durableWriteRetries bounds how often a failed checkpoint or attendance
// write is retried before the failure is surfaced.
const durableWriteRetries = 3

// withRetry runs a durable write with bounded exponential backoff. Exhausted
// retries are logged loudly and counted; the caller decides whether the
// failure aborts the operation or becomes a notice.
func (e *Engine) withRetry(ctx context.Context, op string, fn func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), durableWriteRetries), ctx)
	err := backoff.Retry(func() error {
		if err := fn(); err != nil {
			logrus.Warnf("%s failed: %v, retrying...", op, err)
			return err
		}
		return nil
	}, b)
	if err != nil {
		metrics.DurableWriteFailures.WithLabelValues(op).Inc()
		logrus.Errorf("%s failed after retries, data at risk: %v", op, err)
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// checkpointAll flushes every active event and its live sessions.
// Worker goroutine only.
func (e *Engine) checkpointAll(ctx context.Context) {
	for guildID := range e.events {
		if err := e.flushGuild(ctx, guildID); err != nil {
			logrus.WithField("guild", guildID).Errorf("checkpoint failed: %v", err)
		}
	}
	metrics.LiveSessions.Set(float64(len(e.sessions)))
}

// flushGuild upserts the guild's active event row and one row per live
// session, stamped with the flush time. Worker goroutine only.
func (e *Engine) flushGuild(ctx context.Context, guildID string) error {
	ev, ok := e.events[guildID]
	if !ok {
		return nil
	}
	now := e.now()

	if err := e.withRetry(ctx, "checkpoint event", func() error {
		return e.store.UpsertActiveEvent(ctx, *ev)
	}); err != nil {
		return err
	}

	for userID, sess := range e.guildSessions(guildID) {
		row := models.SessionCheckpoint{
			GuildID:               guildID,
			UserID:                userID,
			EventDate:             ev.EventDate,
			CurrentSessionStart:   sess.CurrentSessionStart,
			AccumulatedMinutes:    sess.TotalMinutes,
			LongestSessionMinutes: sess.LongestSessionMinutes,
			LastPersistedAt:       now,
			EventType:             ev.EventType,
		}
		if err := e.withRetry(ctx, "checkpoint session", func() error {
			return e.store.UpsertSessionCheckpoint(ctx, row)
		}); err != nil {
			return err
		}
	}

	metrics.CheckpointsTotal.Inc()
	logrus.WithFields(logrus.Fields{"guild": guildID, "date": ev.EventDate}).Debug("checkpoint written")
	return nil
}

// Recover reconstructs the active event registry and the session tracker
// from the last checkpoint. Must be called before Start, so no live voice
// event can clobber a recovered session.
//
// A session that was open at checkpoint time is credited the whole outage
// window as connected time in one lump, then re-opened at the recovery
// instant; sessions that were closed at checkpoint time are restored as-is.
func (e *Engine) Recover(ctx context.Context) error {
	now := e.now()
	status := models.RecoveryStatus{Ran: true, RecoveredAt: now}

	events, err := e.store.LoadActiveEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active events: %w", err)
	}
	for i := range events {
		ev := events[i]
		e.events[ev.GuildID] = &ev
		status.RecoveredEvents++
		logrus.WithFields(logrus.Fields{
			"guild": ev.GuildID, "type": ev.EventType, "date": ev.EventDate,
		}).Info("recovered active event")
	}

	rows, err := e.store.LoadSessionCheckpoints(ctx)
	if err != nil {
		return fmt.Errorf("failed to load session checkpoints: %w", err)
	}
	for _, row := range rows {
		sess := &models.EventSession{
			TotalMinutes:          row.AccumulatedMinutes,
			LongestSessionMinutes: row.LongestSessionMinutes,
		}
		if !row.CurrentSessionStart.IsZero() {
			lost := minutesBetween(row.LastPersistedAt, now)
			sess.TotalMinutes += lost
			if lost > sess.LongestSessionMinutes {
				sess.LongestSessionMinutes = lost
			}
			sess.CurrentSessionStart = now
			status.ReopenedSessions++
			status.CreditedMinutes += lost
		}
		e.sessions[sessionKey(row.GuildID, row.UserID)] = sess
		status.RecoveredSessions++

		// Rows whose guild has no recovered event stay loaded but unreachable;
		// they are swept away when the guild starts its next event.
		if _, ok := e.events[row.GuildID]; !ok {
			status.OrphanedSessions++
		}
	}

	e.recovery = status
	if status.RecoveredEvents > 0 || status.RecoveredSessions > 0 {
		logrus.Infof("recovery complete: %d events, %d sessions (%d reopened, %d minutes credited, %d orphaned)",
			status.RecoveredEvents, status.RecoveredSessions,
			status.ReopenedSessions, status.CreditedMinutes, status.OrphanedSessions)
	} else {
		logrus.Info("recovery complete: no checkpointed state found")
	}
	return nil
}
