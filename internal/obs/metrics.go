package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions         = promauto.NewGauge(prometheus.GaugeOpts{Name: "eaglerlink_active_sessions", Help: "Sessions currently relaying or waiting for upstream"})
	ConnectingSessions     = promauto.NewGauge(prometheus.GaugeOpts{Name: "eaglerlink_connecting_sessions", Help: "Sessions whose upstream leg is still connecting"})
	UpgradesRejectedTotal  = promauto.NewCounterVec(prometheus.CounterOpts{Name: "eaglerlink_upgrades_rejected_total", Help: "Rejected upgrade attempts by reason"}, []string{"reason"})
	UpstreamOpenTotal      = promauto.NewCounter(prometheus.CounterOpts{Name: "eaglerlink_upstream_open_total", Help: "Upstream legs that reached open"})
	TeardownsTotal         = promauto.NewCounterVec(prometheus.CounterOpts{Name: "eaglerlink_teardowns_total", Help: "Session teardowns by reason"}, []string{"reason"})
	FramesForwardedTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "eaglerlink_frames_forwarded_total", Help: "Frames forwarded by direction"}, []string{"direction"})
	PendingFramesReplayed  = promauto.NewCounter(prometheus.CounterOpts{Name: "eaglerlink_pending_frames_replayed_total", Help: "Frames queued while upstream was connecting and replayed on open"})
	SessionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "eaglerlink_session_duration_seconds", Help: "Session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 18)})
)
