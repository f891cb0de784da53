package publish

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chantal",
		Subsystem: "publish",
		Name:      "trees_total",
		Help:      "Published trees by repository type, mode, and outcome.",
	}, []string{"type", "mode", "success"})
	publishDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chantal",
		Subsystem: "publish",
		Name:      "tree_duration_seconds",
		Help:      "Time spent staging and committing one tree.",
	}, []string{"type", "mode"})
)
