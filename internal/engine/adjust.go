package engine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"attendbot/internal/metrics"
	"attendbot/internal/models"
)

// CreditHistoricalRecord adds minutes to an existing attendance row, or
// creates one, for an event that is no longer live. When the row carries the
// original event window, qualification is recomputed against the guild's
// threshold; a purely manual row is updated without a recheck.
func (e *Engine) CreditHistoricalRecord(ctx context.Context, guildID, userID, eventDate string, eventType models.EventType, minutes int, staffID, reason string) (*models.AttendanceRecord, error) {
	if minutes <= 0 {
		return nil, fmt.Errorf("credited minutes must be positive, got %d", minutes)
	}

	rec, err := e.store.GetAttendance(ctx, guildID, userID, eventDate, eventType)
	if err != nil {
		return nil, fmt.Errorf("failed to load attendance record: %w", err)
	}
	if rec == nil {
		rec = &models.AttendanceRecord{
			GuildID:   guildID,
			UserID:    userID,
			EventDate: eventDate,
			EventType: eventType,
		}
	}

	rec.DurationMinutes += minutes
	if minutes > rec.LongestSessionMinutes {
		rec.LongestSessionMinutes = minutes
	}
	rec.AdjustmentType = models.AdjustmentManualAdd
	rec.AdjustedBy = staffID
	rec.AdjustmentReason = reason

	if rec.HasEventWindow() {
		cfg, cfgErr := e.configs.GuildEventConfig(ctx, guildID, eventType)
		if cfgErr != nil {
			return nil, fmt.Errorf("failed to load guild config for requalification: %w", cfgErr)
		}
		judged := rec.DurationMinutes
		if cfg.AttendanceMode == models.ModeContinuous {
			judged = rec.LongestSessionMinutes
		}
		qr := CalculateQualification(judged, rec.EventStartTime, rec.EventEndTime, cfg.ThresholdPercent)
		rec.Qualified = qr.Qualified
	}

	if err := e.withRetry(ctx, "credit attendance", func() error {
		return e.store.UpsertAttendance(ctx, *rec)
	}); err != nil {
		return nil, err
	}

	metrics.AdjustmentsTotal.WithLabelValues("manual_add").Inc()
	logrus.WithFields(logrus.Fields{
		"guild": guildID, "user": userID, "date": eventDate,
		"minutes": minutes, "staff": staffID, "qualified": rec.Qualified,
	}).Info("historical attendance credited")
	return rec, nil
}

// BumpResult reports what BumpRecord did.
type BumpResult struct {
	Created             bool
	PreviouslyQualified bool
	Record              *models.AttendanceRecord
}

// BumpRecord force-qualifies a user for an event. Idempotent: an already
// qualified record is left untouched. An unqualified or missing record is
// granted full event-duration credit, or the configured fallback when the
// row carries no event window.
func (e *Engine) BumpRecord(ctx context.Context, guildID, userID, eventDate string, eventType models.EventType, staffID, reason string) (*BumpResult, error) {
	rec, err := e.store.GetAttendance(ctx, guildID, userID, eventDate, eventType)
	if err != nil {
		return nil, fmt.Errorf("failed to load attendance record: %w", err)
	}
	if rec != nil && rec.Qualified {
		logrus.WithFields(logrus.Fields{"guild": guildID, "user": userID, "date": eventDate}).
			Info("bump skipped, record already qualified")
		return &BumpResult{Created: false, PreviouslyQualified: true, Record: rec}, nil
	}

	created := rec == nil
	if created {
		rec = &models.AttendanceRecord{
			GuildID:   guildID,
			UserID:    userID,
			EventDate: eventDate,
			EventType: eventType,
		}
	}

	granted := e.bumpFallback
	if rec.HasEventWindow() {
		granted = minutesBetween(rec.EventStartTime, rec.EventEndTime)
	}
	if granted > rec.DurationMinutes {
		rec.DurationMinutes = granted
	}
	if granted > rec.LongestSessionMinutes {
		rec.LongestSessionMinutes = granted
	}
	rec.Qualified = true
	rec.AdjustmentType = models.AdjustmentBump
	rec.AdjustedBy = staffID
	rec.AdjustmentReason = reason

	if err := e.withRetry(ctx, "bump attendance", func() error {
		return e.store.UpsertAttendance(ctx, *rec)
	}); err != nil {
		return nil, err
	}

	metrics.AdjustmentsTotal.WithLabelValues("bump").Inc()
	logrus.WithFields(logrus.Fields{
		"guild": guildID, "user": userID, "date": eventDate,
		"granted": granted, "staff": staffID, "created": created,
	}).Info("attendance record bumped")
	return &BumpResult{Created: created, Record: rec}, nil
}
