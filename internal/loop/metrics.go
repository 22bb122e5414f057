package loop

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// attemptsTotal counts finished attempts by outcome
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loop_attempts_total",
		Help: "Total loop attempts by outcome",
	}, []string{"outcome"})

	// droppedTotal counts triggers that arrived while an attempt was in flight
	droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loop_triggers_dropped_total",
		Help: "Triggers dropped because a loop attempt was already running",
	})

	// attemptDuration tracks attempt latency, pump round trips included
	attemptDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "loop_attempt_duration_seconds",
		Help:    "Loop attempt duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
	})

	// lastSuccess is the unix time of the last attempt without error
	lastSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loop_last_success_timestamp_seconds",
		Help: "Unix time of the last successful loop attempt",
	})

	// predicted tracks the latest glucose forecast
	predicted = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "loop_predicted_bg_mgdl",
		Help: "Latest predicted glucose by kind",
	}, []string{"kind"})

	// onBoard tracks the latest IOB and COB
	onBoard = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "loop_on_board",
		Help: "Latest insulin (U) and carbs (g) on board",
	}, []string{"kind"})
)

func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	var kind FaultKind
	for _, k := range []FaultKind{DataFault, PumpFault, ExpiredSuggestion} {
		if IsFault(err, k) {
			kind = k
			break
		}
	}
	if kind == "" {
		return "error"
	}
	return string(kind)
}
