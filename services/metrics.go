package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	phaseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radsync_phase_total",
			Help: "Protocol phase calls by outcome",
		},
		[]string{"phase", "outcome"},
	)

	failuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radsync_failures_total",
			Help: "Failures recorded on image records, by error code",
		},
		[]string{"code"},
	)

	dedupHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "radsync_dedup_hits_total",
			Help: "Binary uploads satisfied by an existing catalog image",
		},
	)

	bytesReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "radsync_bytes_received_total",
			Help: "Binary bytes staged from capture clients",
		},
	)

	viewerURLsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radsync_viewer_urls_issued_total",
			Help: "Signed viewer URLs issued, by resource kind and cache outcome",
		},
		[]string{"kind", "cache"},
	)
)

func observePhase(phase string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = ErrorCode(err)
	}
	phaseTotal.WithLabelValues(phase, outcome).Inc()
}
