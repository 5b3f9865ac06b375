package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"attendbot/internal/models"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 9, 20, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// memStore is an in-memory Store for engine tests.
type memStore struct {
	mu               sync.Mutex
	events           map[string]models.ActiveEvent
	sessions         map[string]models.SessionCheckpoint
	attendance       map[string]models.AttendanceRecord
	attendanceWrites int
}

func newMemStore() *memStore {
	return &memStore{
		events:     make(map[string]models.ActiveEvent),
		sessions:   make(map[string]models.SessionCheckpoint),
		attendance: make(map[string]models.AttendanceRecord),
	}
}

func attKey(guildID, userID, eventDate string, eventType models.EventType) string {
	return guildID + "|" + userID + "|" + eventDate + "|" + string(eventType)
}

func (s *memStore) UpsertActiveEvent(_ context.Context, ev models.ActiveEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.GuildID] = ev
	return nil
}

func (s *memStore) UpsertSessionCheckpoint(_ context.Context, row models.SessionCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[row.GuildID+":"+row.UserID] = row
	return nil
}

func (s *memStore) DeleteCheckpoints(_ context.Context, guildID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, guildID)
	for key, row := range s.sessions {
		if row.GuildID == guildID {
			delete(s.sessions, key)
		}
	}
	return nil
}

func (s *memStore) LoadActiveEvents(_ context.Context) ([]models.ActiveEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ActiveEvent
	for _, ev := range s.events {
		out = append(out, ev)
	}
	return out, nil
}

func (s *memStore) LoadSessionCheckpoints(_ context.Context) ([]models.SessionCheckpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SessionCheckpoint
	for _, row := range s.sessions {
		out = append(out, row)
	}
	return out, nil
}

func (s *memStore) UpsertAttendance(_ context.Context, rec models.AttendanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attendance[attKey(rec.GuildID, rec.UserID, rec.EventDate, rec.EventType)] = rec
	s.attendanceWrites++
	return nil
}

func (s *memStore) GetAttendance(_ context.Context, guildID, userID, eventDate string, eventType models.EventType) (*models.AttendanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.attendance[attKey(guildID, userID, eventDate, eventType)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *memStore) EventStats(_ context.Context, guildID, eventDate string, eventType models.EventType) (*models.EventStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &models.EventStats{GuildID: guildID, EventDate: eventDate, EventType: eventType}
	total := 0
	var start, end time.Time
	for _, rec := range s.attendance {
		if rec.GuildID != guildID || rec.EventDate != eventDate || rec.EventType != eventType {
			continue
		}
		stats.Attendees++
		total += rec.DurationMinutes
		if rec.Qualified {
			stats.QualifiedCount++
		}
		if !rec.EventStartTime.IsZero() && (start.IsZero() || rec.EventStartTime.Before(start)) {
			start = rec.EventStartTime
		}
		if rec.EventEndTime.After(end) {
			end = rec.EventEndTime
		}
	}
	if stats.Attendees > 0 {
		stats.AverageMinutes = float64(total) / float64(stats.Attendees)
	}
	if !start.IsZero() && !end.IsZero() {
		stats.EventDurationMinutes = int(end.Sub(start) / time.Minute)
	}
	return stats, nil
}

type fakeConfigs struct {
	cfg models.GuildEventConfig
	err error
}

func (f *fakeConfigs) GuildEventConfig(_ context.Context, guildID string, eventType models.EventType) (models.GuildEventConfig, error) {
	if f.err != nil {
		return models.GuildEventConfig{}, f.err
	}
	cfg := f.cfg
	cfg.GuildID = guildID
	cfg.EventType = eventType
	return cfg, nil
}

func defaultConfigs() *fakeConfigs {
	return &fakeConfigs{cfg: models.GuildEventConfig{
		ThresholdPercent: 50,
		AttendanceMode:   models.ModeCumulative,
	}}
}

func newTestEngine(t *testing.T, store *memStore, configs ConfigProvider, clock *fakeClock) *Engine {
	t.Helper()
	e := New(store, configs, Options{
		CheckpointInterval: time.Hour, // keep the ticker out of the way
		Now:                clock.Now,
	})
	e.Start()
	t.Cleanup(e.Close)
	return e
}

func TestJoinLeaveAccumulates(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, newMemStore(), defaultConfigs(), clock)

	if _, err := e.StartEvent(context.Background(), "g1", "c1", models.EventTypeGame, nil); err != nil {
		t.Fatalf("StartEvent failed: %v", err)
	}

	e.HandleVoiceJoin("g1", "u1")
	clock.Advance(30 * time.Minute)
	e.HandleVoiceLeave("g1", "u1")

	e.HandleVoiceJoin("g1", "u1")
	clock.Advance(10 * time.Minute)
	e.HandleVoiceLeave("g1", "u1")

	res, err := e.Finalize(context.Background(), "g1")
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if len(res.Entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(res.Entries))
	}
	sess := res.Entries[0].Session
	if sess.TotalMinutes != 40 {
		t.Errorf("Expected 40 total minutes, got %d", sess.TotalMinutes)
	}
	if sess.LongestSessionMinutes != 30 {
		t.Errorf("Expected longest session of 30 minutes, got %d", sess.LongestSessionMinutes)
	}
}

func TestRejoinKeepsOriginalStart(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, newMemStore(), defaultConfigs(), clock)

	if _, err := e.StartEvent(context.Background(), "g1", "c1", models.EventTypeGame, nil); err != nil {
		t.Fatalf("StartEvent failed: %v", err)
	}

	e.HandleVoiceJoin("g1", "u1")
	clock.Advance(10 * time.Minute)
	// A second join without an intervening leave keeps the original start.
	e.HandleVoiceJoin("g1", "u1")
	clock.Advance(5 * time.Minute)
	e.HandleVoiceLeave("g1", "u1")

	res, err := e.Finalize(context.Background(), "g1")
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if got := res.Entries[0].Session.TotalMinutes; got != 15 {
		t.Errorf("Expected 15 minutes from the original start, got %d", got)
	}
}

func TestLeaveWithoutJoinIsNoop(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, newMemStore(), defaultConfigs(), clock)

	if _, err := e.StartEvent(context.Background(), "g1", "c1", models.EventTypeGame, nil); err != nil {
		t.Fatalf("StartEvent failed: %v", err)
	}
	e.HandleVoiceLeave("g1", "u1")

	res, err := e.Finalize(context.Background(), "g1")
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if len(res.Entries) != 0 {
		t.Errorf("Expected no tracked sessions, got %d", len(res.Entries))
	}
}

func TestVoiceIgnoredWithoutActiveEvent(t *testing.T) {
	clock := newFakeClock()
	store := newMemStore()
	e := newTestEngine(t, store, defaultConfigs(), clock)

	e.HandleVoiceJoin("g1", "u1")
	clock.Advance(30 * time.Minute)
	e.HandleVoiceLeave("g1", "u1")

	if _, err := e.StartEvent(context.Background(), "g1", "c1", models.EventTypeGame, nil); err != nil {
		t.Fatalf("StartEvent failed: %v", err)
	}
	res, err := e.Finalize(context.Background(), "g1")
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if len(res.Entries) != 0 {
		t.Errorf("Pre-event voice activity must not create sessions, got %d entries", len(res.Entries))
	}
}

func TestStartEventRejectsSecond(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, newMemStore(), defaultConfigs(), clock)

	if _, err := e.StartEvent(context.Background(), "g1", "c1", models.EventTypeGame, nil); err != nil {
		t.Fatalf("first StartEvent failed: %v", err)
	}
	if _, err := e.StartEvent(context.Background(), "g1", "c2", models.EventTypeMovie, nil); err == nil {
		t.Fatal("Expected second StartEvent to be rejected")
	}

	// A different guild is unaffected.
	if _, err := e.StartEvent(context.Background(), "g2", "c1", models.EventTypeMovie, nil); err != nil {
		t.Errorf("StartEvent for another guild failed: %v", err)
	}
}

func TestStartEventRetroactiveCredit(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, newMemStore(), defaultConfigs(), clock)

	res, err := e.StartEvent(context.Background(), "g1", "c1", models.EventTypeMovie, []string{"u1", "u2"})
	if err != nil {
		t.Fatalf("StartEvent failed: %v", err)
	}
	if res.CreditedMembers != 2 {
		t.Errorf("Expected 2 credited members, got %d", res.CreditedMembers)
	}

	clock.Advance(90 * time.Minute)
	fin, err := e.Finalize(context.Background(), "g1")
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if len(fin.Entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(fin.Entries))
	}
	for _, entry := range fin.Entries {
		if entry.Session.TotalMinutes != 90 {
			t.Errorf("User %s: expected presence credited from event start (90 min), got %d",
				entry.UserID, entry.Session.TotalMinutes)
		}
	}
}

func TestAddToLiveSession(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, newMemStore(), defaultConfigs(), clock)

	if e.AddToLiveSession("g1", "u1", 15) {
		t.Error("Expected false with no active event")
	}

	if _, err := e.StartEvent(context.Background(), "g1", "c1", models.EventTypeGame, nil); err != nil {
		t.Fatalf("StartEvent failed: %v", err)
	}
	if !e.AddToLiveSession("g1", "u1", 15) {
		t.Fatal("Expected manual minutes to be accepted")
	}

	res, err := e.Finalize(context.Background(), "g1")
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	sess := res.Entries[0].Session
	if sess.TotalMinutes != 15 {
		t.Errorf("Expected 15 total minutes, got %d", sess.TotalMinutes)
	}
}

func TestFinalizeIsDestructiveAndTotal(t *testing.T) {
	clock := newFakeClock()
	store := newMemStore()
	e := newTestEngine(t, store, defaultConfigs(), clock)

	if _, err := e.StartEvent(context.Background(), "g1", "c1", models.EventTypeGame, []string{"u1", "u2"}); err != nil {
		t.Fatalf("StartEvent failed: %v", err)
	}
	clock.Advance(2 * time.Hour)

	res, err := e.Finalize(context.Background(), "g1")
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	if e.IsActive("g1") {
		t.Error("Guild must not be active after finalize")
	}
	if len(res.Entries) != 2 {
		t.Errorf("Expected 2 entries, got %d", len(res.Entries))
	}
	store.mu.Lock()
	if len(store.attendance) != 2 {
		t.Errorf("Expected exactly 2 attendance rows, got %d", len(store.attendance))
	}
	if len(store.events) != 0 || len(store.sessions) != 0 {
		t.Errorf("Expected checkpoint rows cleared, got %d events and %d sessions",
			len(store.events), len(store.sessions))
	}
	store.mu.Unlock()

	// Finalizing again is a logged no-op.
	again, err := e.Finalize(context.Background(), "g1")
	if err != nil {
		t.Fatalf("second Finalize errored: %v", err)
	}
	if again != nil {
		t.Error("Expected nil result when no event is active")
	}
}

func TestFinalizeRecordsAutomaticAdjustment(t *testing.T) {
	clock := newFakeClock()
	store := newMemStore()
	e := newTestEngine(t, store, defaultConfigs(), clock)

	start, err := e.StartEvent(context.Background(), "g1", "c1", models.EventTypeGame, []string{"u1"})
	if err != nil {
		t.Fatalf("StartEvent failed: %v", err)
	}
	clock.Advance(2 * time.Hour)
	if _, err := e.Finalize(context.Background(), "g1"); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	rec, err := store.GetAttendance(context.Background(), "g1", "u1", start.Event.EventDate, models.EventTypeGame)
	if err != nil || rec == nil {
		t.Fatalf("Expected attendance record, got %v (err %v)", rec, err)
	}
	if rec.AdjustmentType != models.AdjustmentAutomatic {
		t.Errorf("Expected automatic adjustment type, got %s", rec.AdjustmentType)
	}
	if !rec.HasEventWindow() {
		t.Error("Expected event start/end times populated")
	}
	if !rec.Qualified {
		t.Error("Expected full presence to qualify at 50%")
	}
	if rec.DurationMinutes != 120 {
		t.Errorf("Expected 120 recorded minutes, got %d", rec.DurationMinutes)
	}
}

func TestFinalizeContinuousMode(t *testing.T) {
	clock := newFakeClock()
	configs := &fakeConfigs{cfg: models.GuildEventConfig{
		ThresholdPercent: 50,
		AttendanceMode:   models.ModeContinuous,
	}}
	e := newTestEngine(t, newMemStore(), configs, clock)

	if _, err := e.StartEvent(context.Background(), "g1", "c1", models.EventTypeGame, nil); err != nil {
		t.Fatalf("StartEvent failed: %v", err)
	}

	// Many short stints: 4x20 minutes with gaps. Cumulative 80, longest 20.
	for i := 0; i < 4; i++ {
		e.HandleVoiceJoin("g1", "u1")
		clock.Advance(20 * time.Minute)
		e.HandleVoiceLeave("g1", "u1")
		clock.Advance(10 * time.Minute)
	}

	res, err := e.Finalize(context.Background(), "g1")
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	qr := res.Entries[0].Result
	if qr.UserMinutes != 20 {
		t.Errorf("Continuous mode must judge the longest session, got %d", qr.UserMinutes)
	}
	if qr.Qualified {
		t.Error("20 of 120 minutes must not qualify at 50% in continuous mode")
	}
}
