package metrics

import "github.com/prometheus/client_golang/prometheus"

// Engine metrics, registered by the metrics server at startup.
var (
	VoiceEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendbot_voice_events_total",
			Help: "Voice presence notifications processed while an event was active",
		},
		[]string{"kind"},
	)

	CheckpointsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "attendbot_checkpoints_total",
			Help: "Durable checkpoints written for active events",
		},
	)

	DurableWriteFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendbot_durable_write_failures_total",
			Help: "Durable writes that exhausted their retries",
		},
		[]string{"op"},
	)

	EventsFinalized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendbot_events_finalized_total",
			Help: "Events closed by the finalization pipeline",
		},
		[]string{"event_type"},
	)

	AdjustmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendbot_adjustments_total",
			Help: "Manual attendance adjustments applied",
		},
		[]string{"kind"},
	)

	LiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "attendbot_live_sessions",
			Help: "Sessions currently held in memory across all guilds",
		},
	)
)

// Collectors returns every engine metric for registry registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		VoiceEventsTotal,
		CheckpointsTotal,
		DurableWriteFailures,
		EventsFinalized,
		AdjustmentsTotal,
		LiveSessions,
	}
}
