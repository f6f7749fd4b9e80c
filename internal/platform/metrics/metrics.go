package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeSkipped  = "skipped"
	OutcomePromoted = "promoted"
	OutcomeFailed   = "failed"
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "readmit",
			Name:      "runs_total",
			Help:      "Total pipeline runs, partitioned by terminal outcome.",
		},
		[]string{"outcome"},
	)

	stageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "readmit",
			Name:      "stage_duration_seconds",
			Help:      "Duration of each pipeline stage in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.25, 1, 5, 15, 60, 300, 900, 1800},
		},
		[]string{"stage"},
	)

	trainingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "readmit",
			Name:      "training_duration_seconds",
			Help:      "Wall-clock duration of trainer invocations in seconds.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		},
	)

	promotionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "readmit",
			Name:      "promotions_total",
			Help:      "Total current-model pointer swaps, partitioned by kind.",
		},
		[]string{"kind"},
	)

	gateRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "readmit",
			Name:      "gate_rejections_total",
			Help:      "Total runs that trained successfully but failed the quality gate.",
		},
	)
)

// Register attaches retrainer collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		runsTotal,
		stageDurationSeconds,
		trainingDurationSeconds,
		promotionsTotal,
		gateRejectionsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

func ObserveRun(outcome string) {
	runsTotal.WithLabelValues(outcome).Inc()
}

func ObserveStage(stage string, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	stageDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

func ObserveTraining(duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	trainingDurationSeconds.Observe(duration.Seconds())
}

func ObservePromotion(kind string) {
	promotionsTotal.WithLabelValues(kind).Inc()
}

func ObserveGateRejection() {
	gateRejectionsTotal.Inc()
}
