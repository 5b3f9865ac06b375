package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"attendbot/internal/models"
)

// Store handles all attendance-related database operations. It backs the
// engine's checkpoint and attendance writes and the tier updater's lookups.
type Store struct {
	db *DB

	// defaultThreshold applies when a guild has no stored event config.
	defaultThreshold float64
}

// NewStore creates a store over an open database.
func NewStore(db *DB, defaultThreshold float64) *Store {
	return &Store{db: db, defaultThreshold: defaultThreshold}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func fromNullTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}

// UpsertActiveEvent writes the guild's active event checkpoint row.
func (s *Store) UpsertActiveEvent(ctx context.Context, ev models.ActiveEvent) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO active_events (guild_id, channel_id, event_date, started_at, event_type)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (guild_id) DO UPDATE SET
			channel_id = EXCLUDED.channel_id,
			event_date = EXCLUDED.event_date,
			started_at = EXCLUDED.started_at,
			event_type = EXCLUDED.event_type`,
		ev.GuildID, ev.ChannelID, ev.EventDate, ev.StartedAt, ev.EventType)
	if err != nil {
		return fmt.Errorf("failed to upsert active event: %w", err)
	}
	return nil
}

// UpsertSessionCheckpoint writes one live-session checkpoint row.
func (s *Store) UpsertSessionCheckpoint(ctx context.Context, row models.SessionCheckpoint) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO active_sessions (guild_id, user_id, event_date, current_session_start,
			accumulated_minutes, longest_session_minutes, last_persisted_at, event_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (guild_id, user_id) DO UPDATE SET
			event_date = EXCLUDED.event_date,
			current_session_start = EXCLUDED.current_session_start,
			accumulated_minutes = EXCLUDED.accumulated_minutes,
			longest_session_minutes = EXCLUDED.longest_session_minutes,
			last_persisted_at = EXCLUDED.last_persisted_at,
			event_type = EXCLUDED.event_type`,
		row.GuildID, row.UserID, row.EventDate, nullTime(row.CurrentSessionStart),
		row.AccumulatedMinutes, row.LongestSessionMinutes, row.LastPersistedAt, row.EventType)
	if err != nil {
		return fmt.Errorf("failed to upsert session checkpoint: %w", err)
	}
	return nil
}

// DeleteCheckpoints removes all checkpoint rows for a guild. Invoked only by
// the finalization pipeline.
func (s *Store) DeleteCheckpoints(ctx context.Context, guildID string) error {
	if _, err := s.db.conn.ExecContext(ctx,
		`DELETE FROM active_sessions WHERE guild_id = $1`, guildID); err != nil {
		return fmt.Errorf("failed to delete session checkpoints: %w", err)
	}
	if _, err := s.db.conn.ExecContext(ctx,
		`DELETE FROM active_events WHERE guild_id = $1`, guildID); err != nil {
		return fmt.Errorf("failed to delete active event: %w", err)
	}
	return nil
}

// LoadActiveEvents returns every checkpointed active event.
func (s *Store) LoadActiveEvents(ctx context.Context) ([]models.ActiveEvent, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT guild_id, channel_id, event_date, started_at, event_type FROM active_events`)
	if err != nil {
		return nil, fmt.Errorf("failed to load active events: %w", err)
	}
	defer rows.Close()

	var events []models.ActiveEvent
	for rows.Next() {
		var ev models.ActiveEvent
		if err := rows.Scan(&ev.GuildID, &ev.ChannelID, &ev.EventDate, &ev.StartedAt, &ev.EventType); err != nil {
			logrus.Errorf("error scanning active event row: %v", err)
			continue
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LoadSessionCheckpoints returns every checkpointed live session.
func (s *Store) LoadSessionCheckpoints(ctx context.Context) ([]models.SessionCheckpoint, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT guild_id, user_id, event_date, current_session_start,
			accumulated_minutes, longest_session_minutes, last_persisted_at, event_type
		FROM active_sessions`)
	if err != nil {
		return nil, fmt.Errorf("failed to load session checkpoints: %w", err)
	}
	defer rows.Close()

	var sessions []models.SessionCheckpoint
	for rows.Next() {
		var row models.SessionCheckpoint
		var start sql.NullTime
		if err := rows.Scan(&row.GuildID, &row.UserID, &row.EventDate, &start,
			&row.AccumulatedMinutes, &row.LongestSessionMinutes, &row.LastPersistedAt, &row.EventType); err != nil {
			logrus.Errorf("error scanning session checkpoint row: %v", err)
			continue
		}
		row.CurrentSessionStart = fromNullTime(start)
		sessions = append(sessions, row)
	}
	return sessions, rows.Err()
}

// UpsertAttendance writes one attendance record, rewriting the row in place
// on conflict with the natural key.
func (s *Store) UpsertAttendance(ctx context.Context, rec models.AttendanceRecord) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO attendance (guild_id, user_id, event_date, event_type, voice_channel_id,
			duration_minutes, longest_session_minutes, qualified,
			event_start_time, event_end_time, adjustment_type, adjusted_by, adjustment_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (guild_id, user_id, event_date, event_type) DO UPDATE SET
			voice_channel_id = EXCLUDED.voice_channel_id,
			duration_minutes = EXCLUDED.duration_minutes,
			longest_session_minutes = EXCLUDED.longest_session_minutes,
			qualified = EXCLUDED.qualified,
			event_start_time = EXCLUDED.event_start_time,
			event_end_time = EXCLUDED.event_end_time,
			adjustment_type = EXCLUDED.adjustment_type,
			adjusted_by = EXCLUDED.adjusted_by,
			adjustment_reason = EXCLUDED.adjustment_reason`,
		rec.GuildID, rec.UserID, rec.EventDate, rec.EventType, rec.VoiceChannelID,
		rec.DurationMinutes, rec.LongestSessionMinutes, rec.Qualified,
		nullTime(rec.EventStartTime), nullTime(rec.EventEndTime),
		rec.AdjustmentType, rec.AdjustedBy, rec.AdjustmentReason)
	if err != nil {
		return fmt.Errorf("failed to upsert attendance: %w", err)
	}
	return nil
}

// GetAttendance returns one attendance record, or nil when none exists.
func (s *Store) GetAttendance(ctx context.Context, guildID, userID, eventDate string, eventType models.EventType) (*models.AttendanceRecord, error) {
	var rec models.AttendanceRecord
	var start, end sql.NullTime
	err := s.db.conn.QueryRowContext(ctx, `
		SELECT guild_id, user_id, event_date, event_type, voice_channel_id,
			duration_minutes, longest_session_minutes, qualified,
			event_start_time, event_end_time, adjustment_type, adjusted_by, adjustment_reason
		FROM attendance
		WHERE guild_id = $1 AND user_id = $2 AND event_date = $3 AND event_type = $4`,
		guildID, userID, eventDate, eventType).Scan(
		&rec.GuildID, &rec.UserID, &rec.EventDate, &rec.EventType, &rec.VoiceChannelID,
		&rec.DurationMinutes, &rec.LongestSessionMinutes, &rec.Qualified,
		&start, &end, &rec.AdjustmentType, &rec.AdjustedBy, &rec.AdjustmentReason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attendance: %w", err)
	}
	rec.EventStartTime = fromNullTime(start)
	rec.EventEndTime = fromNullTime(end)
	return &rec, nil
}

// EventStats aggregates finalized attendance for one event date.
func (s *Store) EventStats(ctx context.Context, guildID, eventDate string, eventType models.EventType) (*models.EventStats, error) {
	stats := &models.EventStats{GuildID: guildID, EventDate: eventDate, EventType: eventType}
	var start, end sql.NullTime
	err := s.db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE qualified),
			COALESCE(AVG(duration_minutes), 0)::float,
			MIN(event_start_time),
			MAX(event_end_time)
		FROM attendance
		WHERE guild_id = $1 AND event_date = $2 AND event_type = $3`,
		guildID, eventDate, eventType).Scan(
		&stats.Attendees, &stats.QualifiedCount, &stats.AverageMinutes, &start, &end)
	if err != nil {
		return nil, fmt.Errorf("failed to get event stats: %w", err)
	}
	if start.Valid && end.Valid {
		stats.EventDurationMinutes = int(end.Time.Sub(start.Time) / time.Minute)
	}
	return stats, nil
}

// CountQualified returns a user's lifetime count of qualified events of one type.
func (s *Store) CountQualified(ctx context.Context, guildID, userID string, eventType models.EventType) (int, error) {
	var count int
	err := s.db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM attendance
		WHERE guild_id = $1 AND user_id = $2 AND event_type = $3 AND qualified`,
		guildID, userID, eventType).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count qualified events: %w", err)
	}
	return count, nil
}

// ListUserAttendance returns a user's most recent attendance records.
func (s *Store) ListUserAttendance(ctx context.Context, guildID, userID string, limit int) ([]models.AttendanceRecord, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT guild_id, user_id, event_date, event_type, voice_channel_id,
			duration_minutes, longest_session_minutes, qualified,
			event_start_time, event_end_time, adjustment_type, adjusted_by, adjustment_reason
		FROM attendance
		WHERE guild_id = $1 AND user_id = $2
		ORDER BY event_date DESC
		LIMIT $3`,
		guildID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list attendance: %w", err)
	}
	defer rows.Close()

	var records []models.AttendanceRecord
	for rows.Next() {
		var rec models.AttendanceRecord
		var start, end sql.NullTime
		if err := rows.Scan(&rec.GuildID, &rec.UserID, &rec.EventDate, &rec.EventType, &rec.VoiceChannelID,
			&rec.DurationMinutes, &rec.LongestSessionMinutes, &rec.Qualified,
			&start, &end, &rec.AdjustmentType, &rec.AdjustedBy, &rec.AdjustmentReason); err != nil {
			logrus.Errorf("error scanning attendance row: %v", err)
			continue
		}
		rec.EventStartTime = fromNullTime(start)
		rec.EventEndTime = fromNullTime(end)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GuildEventConfig returns a guild's qualification policy for one event
// type, falling back to the default threshold in cumulative mode when the
// guild has no stored config.
func (s *Store) GuildEventConfig(ctx context.Context, guildID string, eventType models.EventType) (models.GuildEventConfig, error) {
	cfg := models.GuildEventConfig{GuildID: guildID, EventType: eventType}
	err := s.db.conn.QueryRowContext(ctx, `
		SELECT threshold_percent, attendance_mode FROM guild_event_config
		WHERE guild_id = $1 AND event_type = $2`,
		guildID, eventType).Scan(&cfg.ThresholdPercent, &cfg.AttendanceMode)
	if err == sql.ErrNoRows {
		cfg.ThresholdPercent = s.defaultThreshold
		cfg.AttendanceMode = models.ModeCumulative
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to get guild event config: %w", err)
	}
	return cfg, nil
}

// RoleTiers returns a guild's configured tiers for one category.
func (s *Store) RoleTiers(ctx context.Context, guildID, category string) ([]models.RoleTier, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT id, guild_id, category, role_id, tier_name, threshold
		FROM role_tiers
		WHERE guild_id = $1 AND category = $2
		ORDER BY threshold DESC`,
		guildID, category)
	if err != nil {
		return nil, fmt.Errorf("failed to get role tiers: %w", err)
	}
	defer rows.Close()

	var tiers []models.RoleTier
	for rows.Next() {
		var t models.RoleTier
		if err := rows.Scan(&t.ID, &t.GuildID, &t.Category, &t.RoleID, &t.TierName, &t.Threshold); err != nil {
			logrus.Errorf("error scanning role tier row: %v", err)
			continue
		}
		tiers = append(tiers, t)
	}
	return tiers, rows.Err()
}

// IsPanicMode reports whether the guild's automation killswitch is set.
func (s *Store) IsPanicMode(ctx context.Context, guildID string) (bool, error) {
	var enabled bool
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT enabled FROM guild_panic_mode WHERE guild_id = $1`, guildID).Scan(&enabled)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get panic mode: %w", err)
	}
	return enabled, nil
}

// Log writes one best-effort audit trail entry.
func (s *Store) Log(ctx context.Context, guildID string, entry models.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO audit_log (id, guild_id, actor_id, action, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, guildID, entry.ActorID, entry.Action, entry.Detail, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}
