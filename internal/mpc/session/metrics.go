package session

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce      sync.Once
	activeSessions   *prometheus.GaugeVec
	finishedSessions *prometheus.CounterVec
	rejoinRequests   *prometheus.CounterVec
	mailboxDepth     prometheus.Histogram
)

func ensureMetrics() {
	metricsOnce.Do(func() {
		activeSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mpc",
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions that have not reached a terminal state",
		}, []string{"kind"})
		finishedSessions = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mpc",
			Subsystem: "session",
			Name:      "finished_total",
			Help:      "Sessions that reached a terminal state",
		}, []string{"kind", "state", "reason"})
		rejoinRequests = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mpc",
			Subsystem: "session",
			Name:      "rejoin_requests_total",
			Help:      "Rejoin requests handled, by outcome",
		}, []string{"result"})
		mailboxDepth = promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mpc",
			Subsystem: "session",
			Name:      "mailbox_depth",
			Help:      "Pending events observed when a session mailbox is drained",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		})
	})
}
