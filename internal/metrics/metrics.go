package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CaptureJobsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "soundrecorder_capture_jobs_started_total",
			Help: "Total number of capture jobs that reached the recording state",
		},
	)

	CaptureStops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soundrecorder_capture_stops_total",
			Help: "Total number of capture jobs stopped, by reason",
		},
		[]string{"reason"},
	)

	CaptureErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soundrecorder_capture_errors_total",
			Help: "Total number of capture errors broadcast, by error code",
		},
		[]string{"code"},
	)

	CaptureActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "soundrecorder_capture_active",
			Help: "1 while a capture job is active",
		},
	)

	RemainingSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "soundrecorder_remaining_seconds",
			Help: "Last estimate of recordable seconds left for the active job",
		},
	)

	SessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soundrecorder_session_transitions_total",
			Help: "Total number of session state changes, by new state",
		},
		[]string{"state"},
	)
)
