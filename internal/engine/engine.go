package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"attendbot/internal/metrics"
	"attendbot/internal/models"
)

var (
	// ErrClosed is returned when an operation is submitted after Close.
	ErrClosed = errors.New("engine: closed")
	// ErrEventActive is returned by StartEvent when the guild already has a running event.
	ErrEventActive = errors.New("engine: an event is already active for this guild")
)

// Store is the durable storage consumed by the engine: checkpoint rows for
// crash recovery and the attendance table for finalized records.
type Store interface {
	UpsertActiveEvent(ctx context.Context, ev models.ActiveEvent) error
	UpsertSessionCheckpoint(ctx context.Context, row models.SessionCheckpoint) error
	DeleteCheckpoints(ctx context.Context, guildID string) error
	LoadActiveEvents(ctx context.Context) ([]models.ActiveEvent, error)
	LoadSessionCheckpoints(ctx context.Context) ([]models.SessionCheckpoint, error)

	UpsertAttendance(ctx context.Context, rec models.AttendanceRecord) error
	GetAttendance(ctx context.Context, guildID, userID, eventDate string, eventType models.EventType) (*models.AttendanceRecord, error)
	EventStats(ctx context.Context, guildID, eventDate string, eventType models.EventType) (*models.EventStats, error)
}

// ConfigProvider supplies the per-guild qualification policy.
type ConfigProvider interface {
	GuildEventConfig(ctx context.Context, guildID string, eventType models.EventType) (models.GuildEventConfig, error)
}

// Options tune engine behavior. Zero values fall back to defaults.
type Options struct {
	CheckpointInterval  time.Duration
	BumpFallbackMinutes int
	// Now is the clock; overridable in tests.
	Now func() time.Time
}

// Engine owns the live tracking state for all guilds: the per-user session
// accumulators and the one-active-event-per-guild registry. All map access
// happens on a single worker goroutine fed by a command channel, so voice
// events, checkpoint ticks and finalize never interleave.
type Engine struct {
	store   Store
	configs ConfigProvider

	interval     time.Duration
	bumpFallback int
	now          func() time.Time

	cmds chan func()
	stop chan struct{}
	wg   sync.WaitGroup

	sessions map[string]*models.EventSession // key: guildID:userID
	events   map[string]*models.ActiveEvent  // key: guildID

	recovery models.RecoveryStatus
}

// New creates an engine. Call Recover before Start, and Close on shutdown.
func New(store Store, configs ConfigProvider, opts Options) *Engine {
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = 5 * time.Minute
	}
	if opts.BumpFallbackMinutes <= 0 {
		opts.BumpFallbackMinutes = 60
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Engine{
		store:        store,
		configs:      configs,
		interval:     opts.CheckpointInterval,
		bumpFallback: opts.BumpFallbackMinutes,
		now:          opts.Now,
		cmds:         make(chan func()),
		stop:         make(chan struct{}),
		sessions:     make(map[string]*models.EventSession),
		events:       make(map[string]*models.ActiveEvent),
	}
}

// Start launches the worker goroutine and the checkpoint ticker.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.run()
	logrus.Infof("attendance engine started (checkpoint every %s)", e.interval)
}

// Close stops the checkpoint ticker and the worker. Queued commands and the
// in-flight checkpoint are allowed to finish, and a final checkpoint is
// written so no tracked minutes are lost across a clean restart.
func (e *Engine) Close() {
	close(e.stop)
	e.wg.Wait()
	logrus.Info("attendance engine stopped")
}

func (e *Engine) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case fn := <-e.cmds:
			fn()
		case <-ticker.C:
			e.checkpointAll(context.Background())
		case <-e.stop:
			// Drain queued commands, then take a final snapshot.
			for {
				select {
				case fn := <-e.cmds:
					fn()
				default:
					e.checkpointAll(context.Background())
					return
				}
			}
		}
	}
}

// do runs fn on the worker goroutine and waits for it to complete.
func (e *Engine) do(fn func()) error {
	done := make(chan struct{})
	select {
	case e.cmds <- func() { defer close(done); fn() }:
		<-done
		return nil
	case <-e.stop:
		return ErrClosed
	}
}

func sessionKey(guildID, userID string) string {
	return guildID + ":" + userID
}

// minutesBetween counts whole elapsed minutes, floored, never negative.
func minutesBetween(from, to time.Time) int {
	d := to.Sub(from)
	if d < 0 {
		return 0
	}
	return int(d / time.Minute)
}

// HandleVoiceJoin records the start of a connection interval. Ignored when no
// event is active for the guild. A join while an interval is already open
// keeps the earlier start rather than resetting it.
func (e *Engine) HandleVoiceJoin(guildID, userID string) {
	err := e.do(func() {
		if _, ok := e.events[guildID]; !ok {
			return
		}
		metrics.VoiceEventsTotal.WithLabelValues("join").Inc()

		key := sessionKey(guildID, userID)
		sess, ok := e.sessions[key]
		if !ok {
			sess = &models.EventSession{}
			e.sessions[key] = sess
		}
		if sess.Open() {
			logrus.WithFields(logrus.Fields{"guild": guildID, "user": userID}).
				Debug("join with session already open, keeping original start")
			return
		}
		sess.CurrentSessionStart = e.now()
		logrus.WithFields(logrus.Fields{"guild": guildID, "user": userID}).Debug("voice join")
	})
	if err != nil {
		logrus.Debugf("voice join dropped during shutdown: guild=%s user=%s", guildID, userID)
	}
}

// HandleVoiceLeave closes the open interval, crediting whole elapsed minutes
// to the session totals. No-op without an active event or an open interval.
func (e *Engine) HandleVoiceLeave(guildID, userID string) {
	err := e.do(func() {
		if _, ok := e.events[guildID]; !ok {
			return
		}
		metrics.VoiceEventsTotal.WithLabelValues("leave").Inc()

		sess, ok := e.sessions[sessionKey(guildID, userID)]
		if !ok || !sess.Open() {
			logrus.WithFields(logrus.Fields{"guild": guildID, "user": userID}).
				Debug("leave without open session, ignoring")
			return
		}
		e.closeInterval(sess, e.now())
		logrus.WithFields(logrus.Fields{
			"guild": guildID, "user": userID, "total_min": sess.TotalMinutes,
		}).Debug("voice leave")
	})
	if err != nil {
		logrus.Debugf("voice leave dropped during shutdown: guild=%s user=%s", guildID, userID)
	}
}

// closeInterval folds the open interval ending at now into the accumulators.
// Worker goroutine only.
func (e *Engine) closeInterval(sess *models.EventSession, now time.Time) {
	dur := minutesBetween(sess.CurrentSessionStart, now)
	sess.TotalMinutes += dur
	if dur > sess.LongestSessionMinutes {
		sess.LongestSessionMinutes = dur
	}
	sess.CurrentSessionStart = time.Time{}
}

// StartResult reports what StartEvent did, with soft failures in Notices.
type StartResult struct {
	Event           models.ActiveEvent
	CreditedMembers int
	Notices         []string
}

// StartEvent installs the active event for the guild, synthetically joins
// every member already present in the voice channel so their pre-existing
// presence counts, and writes an immediate checkpoint. Starting while an
// event is already active returns ErrEventActive.
func (e *Engine) StartEvent(ctx context.Context, guildID, channelID string, eventType models.EventType, presentUserIDs []string) (*StartResult, error) {
	var res *StartResult
	var startErr error

	err := e.do(func() {
		if existing, ok := e.events[guildID]; ok {
			startErr = fmt.Errorf("%w (type=%s, started %s)", ErrEventActive, existing.EventType, existing.StartedAt.Format(time.RFC3339))
			return
		}

		now := e.now()
		ev := models.ActiveEvent{
			GuildID:   guildID,
			ChannelID: channelID,
			EventDate: now.UTC().Format("2006-01-02"),
			StartedAt: now,
			EventType: eventType,
		}
		e.events[guildID] = &ev

		// A fresh event starts from a clean slate; stale sessions from an
		// orphaned checkpoint must not leak into it.
		e.dropGuildSessions(guildID)
		for _, userID := range presentUserIDs {
			e.sessions[sessionKey(guildID, userID)] = &models.EventSession{CurrentSessionStart: now}
		}

		res = &StartResult{Event: ev, CreditedMembers: len(presentUserIDs)}
		if err := e.flushGuild(ctx, guildID); err != nil {
			res.Notices = append(res.Notices, fmt.Sprintf("initial checkpoint failed: %v", err))
		}

		logrus.WithFields(logrus.Fields{
			"guild": guildID, "channel": channelID, "type": eventType, "present": len(presentUserIDs),
		}).Info("event started")
	})
	if err != nil {
		return nil, err
	}
	return res, startErr
}

// IsActive reports whether the guild has a running event.
func (e *Engine) IsActive(guildID string) bool {
	var active bool
	_ = e.do(func() {
		_, active = e.events[guildID]
	})
	return active
}

// ActiveEvent returns a copy of the guild's running event, if any.
func (e *Engine) ActiveEvent(guildID string) (models.ActiveEvent, bool) {
	var ev models.ActiveEvent
	var ok bool
	_ = e.do(func() {
		var p *models.ActiveEvent
		if p, ok = e.events[guildID]; ok {
			ev = *p
		}
	})
	return ev, ok
}

// AddToLiveSession credits minutes directly to a live session without a
// join/leave pair. Returns false when no event is active for the guild.
func (e *Engine) AddToLiveSession(guildID, userID string, minutes int) bool {
	var added bool
	_ = e.do(func() {
		if _, ok := e.events[guildID]; !ok {
			logrus.WithFields(logrus.Fields{"guild": guildID, "user": userID}).
				Warn("manual minutes refused: no active event")
			return
		}
		key := sessionKey(guildID, userID)
		sess, ok := e.sessions[key]
		if !ok {
			sess = &models.EventSession{}
			e.sessions[key] = sess
		}
		sess.TotalMinutes += minutes
		if minutes > sess.LongestSessionMinutes {
			sess.LongestSessionMinutes = minutes
		}
		metrics.AdjustmentsTotal.WithLabelValues("live_add").Inc()
		added = true
	})
	return added
}

// dropGuildSessions removes all in-memory sessions for one guild.
// Worker goroutine only.
func (e *Engine) dropGuildSessions(guildID string) {
	prefix := guildID + ":"
	for key := range e.sessions {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(e.sessions, key)
		}
	}
}

// guildSessions returns the userID -> session map for one guild.
// Worker goroutine only.
func (e *Engine) guildSessions(guildID string) map[string]*models.EventSession {
	out := make(map[string]*models.EventSession)
	prefix := guildID + ":"
	for key, sess := range e.sessions {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			out[key[len(prefix):]] = sess
		}
	}
	return out
}

// EventStats aggregates finalized attendance for one event date.
func (e *Engine) EventStats(ctx context.Context, guildID, eventDate string, eventType models.EventType) (*models.EventStats, error) {
	return e.store.EventStats(ctx, guildID, eventDate, eventType)
}

// RecoveryStatus reports what the last Recover pass did. The status is
// written once before Start, so reading it afterwards is safe.
func (e *Engine) RecoveryStatus() models.RecoveryStatus {
	return e.recovery
}
