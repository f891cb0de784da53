package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chantal",
			Subsystem: "syncer",
			Name:      "syncs_total",
			Help:      "Total repository syncs by terminal status.",
		},
		[]string{"status"},
	)
	itemCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chantal",
			Subsystem: "syncer",
			Name:      "items_total",
			Help:      "Total payload candidates by ingest outcome.",
		},
		[]string{"outcome"},
	)
)
