package models

import "time"

// EventType discriminates the two event kinds sharing the attendance tables.
type EventType string

const (
	EventTypeGame  EventType = "game"
	EventTypeMovie EventType = "movie"
)

// AttendanceMode selects which accumulated figure qualification is judged on.
type AttendanceMode string

const (
	// ModeCumulative qualifies on total connected time across all joins/leaves.
	ModeCumulative AttendanceMode = "cumulative"
	// ModeContinuous qualifies on the single longest unbroken connection.
	ModeContinuous AttendanceMode = "continuous"
)

// AdjustmentType records how an attendance row got its current values.
type AdjustmentType string

const (
	AdjustmentAutomatic AdjustmentType = "automatic"
	AdjustmentManualAdd AdjustmentType = "manual_add"
	AdjustmentBump      AdjustmentType = "bump"
)

// EventSession is one user's live tracking state for the current event.
// CurrentSessionStart is the zero time when the user is not connected.
type EventSession struct {
	CurrentSessionStart   time.Time
	TotalMinutes          int
	LongestSessionMinutes int
}

// Open reports whether the user currently has an unclosed connection interval.
func (s *EventSession) Open() bool {
	return !s.CurrentSessionStart.IsZero()
}

// ActiveEvent is the one currently-running event for a guild.
type ActiveEvent struct {
	GuildID   string
	ChannelID string
	EventDate string // calendar date, formatted 2006-01-02
	StartedAt time.Time
	EventType EventType
}

// SessionCheckpoint is the durable snapshot of one live session.
type SessionCheckpoint struct {
	GuildID               string
	UserID                string
	EventDate             string
	CurrentSessionStart   time.Time // zero when the session was closed at checkpoint time
	AccumulatedMinutes    int
	LongestSessionMinutes int
	LastPersistedAt       time.Time
	EventType             EventType
}

// AttendanceRecord is one user's finalized attendance for one event.
// Immutable once written except through explicit manual adjustments,
// which rewrite the row in place (upsert on the natural key).
type AttendanceRecord struct {
	GuildID               string
	UserID                string
	EventDate             string
	EventType             EventType
	VoiceChannelID        string
	DurationMinutes       int
	LongestSessionMinutes int
	Qualified             bool
	EventStartTime        time.Time // zero for purely manual entries
	EventEndTime          time.Time // zero for purely manual entries
	AdjustmentType        AdjustmentType
	AdjustedBy            string
	AdjustmentReason      string
}

// HasEventWindow reports whether the row carries the original event times,
// which is what allows qualification to be recomputed after an adjustment.
func (r *AttendanceRecord) HasEventWindow() bool {
	return !r.EventStartTime.IsZero() && !r.EventEndTime.IsZero()
}

// GuildEventConfig is the per-guild qualification policy for one event type.
type GuildEventConfig struct {
	GuildID          string
	EventType        EventType
	ThresholdPercent float64
	AttendanceMode   AttendanceMode
}

// RoleTier maps a lifetime qualified-event count threshold to a Discord role.
type RoleTier struct {
	ID       string
	GuildID  string
	Category string
	RoleID   string
	TierName string
	// Threshold is the minimum lifetime qualified-event count for this tier.
	Threshold int
}

// EventStats aggregates finalized attendance for one event.
type EventStats struct {
	GuildID              string
	EventDate            string
	EventType            EventType
	Attendees            int
	QualifiedCount       int
	AverageMinutes       float64
	EventDurationMinutes int
}

// RecoveryStatus describes the last crash-recovery pass for operator visibility.
type RecoveryStatus struct {
	Ran               bool
	RecoveredAt       time.Time
	RecoveredEvents   int
	RecoveredSessions int
	ReopenedSessions  int
	CreditedMinutes   int
	OrphanedSessions  int
}

// AuditEntry is one best-effort audit trail record.
type AuditEntry struct {
	ID        string
	GuildID   string
	ActorID   string
	Action    string
	Detail    string
	CreatedAt time.Time
}
