package engine

import (
	"fmt"
	"math"
	"time"

	"attendbot/internal/models"
)

// QualificationResult is the outcome of judging one user's minutes against
// an event's duration and threshold. Pure data, no state.
type QualificationResult struct {
	UserMinutes          int
	EventDurationMinutes int
	RequiredMinutes      int
	AttendancePercentage int
	ThresholdPercent     float64
	Qualified            bool
}

// CalculateQualification judges userMinutes against the event window.
//
// Required minutes use a ceiling, not rounding, so a user exactly at the
// float boundary never qualifies by rounding luck. The attendance percentage
// is 0 for a zero-duration event, in which case the required minutes are
// also 0 and the user qualifies trivially.
func CalculateQualification(userMinutes int, eventStart, eventEnd time.Time, thresholdPercent float64) QualificationResult {
	duration := minutesBetween(eventStart, eventEnd)

	required := int(math.Ceil(float64(duration) * thresholdPercent / 100))

	percentage := 0
	if duration > 0 {
		percentage = int(math.Round(float64(userMinutes) / float64(duration) * 100))
	}

	return QualificationResult{
		UserMinutes:          userMinutes,
		EventDurationMinutes: duration,
		RequiredMinutes:      required,
		AttendancePercentage: percentage,
		ThresholdPercent:     thresholdPercent,
		Qualified:            userMinutes >= required,
	}
}

// QualifySession applies the guild's attendance mode: continuous mode judges
// the longest unbroken connection, cumulative mode the total across all
// join/leave cycles.
func QualifySession(sess *models.EventSession, eventStart, eventEnd time.Time, cfg models.GuildEventConfig) QualificationResult {
	minutes := sess.TotalMinutes
	if cfg.AttendanceMode == models.ModeContinuous {
		minutes = sess.LongestSessionMinutes
	}
	return CalculateQualification(minutes, eventStart, eventEnd, cfg.ThresholdPercent)
}

// MinutesNeeded is how many more minutes would have been required to
// qualify; 0 when already qualified.
func (r QualificationResult) MinutesNeeded() int {
	if n := r.RequiredMinutes - r.UserMinutes; n > 0 {
		return n
	}
	return 0
}

// Summary renders a one-line human-readable verdict.
func (r QualificationResult) Summary() string {
	if r.Qualified {
		return fmt.Sprintf("%d/%d min (%d%%), needed %d: qualified",
			r.UserMinutes, r.EventDurationMinutes, r.AttendancePercentage, r.RequiredMinutes)
	}
	return fmt.Sprintf("%d/%d min (%d%%), needed %d: not qualified (short %d min)",
		r.UserMinutes, r.EventDurationMinutes, r.AttendancePercentage, r.RequiredMinutes, r.MinutesNeeded())
}
