package protocol

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce       sync.Once
	roundDurationHist *prometheus.HistogramVec
)

func ensureRoundMetrics() {
	metricsOnce.Do(func() {
		roundDurationHist = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mpc",
			Subsystem: "protocol",
			Name:      "round_computation_seconds",
			Help:      "Time spent inside the cryptographic primitive per protocol round",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"kind", "round"})
	})
}

func observeRoundDuration(kind Kind, round int, duration time.Duration) {
	if duration <= 0 || round <= 0 {
		return
	}
	ensureRoundMetrics()
	roundDurationHist.WithLabelValues(string(kind), strconv.Itoa(round)).Observe(duration.Seconds())
}
