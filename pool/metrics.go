package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	putCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chantal",
		Subsystem: "pool",
		Name:      "put_total",
		Help:      "Blobs offered to the pool, by bucket and whether they were new.",
	}, []string{"bucket", "outcome"})
	putBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chantal",
		Subsystem: "pool",
		Name:      "put_bytes_total",
		Help:      "Bytes of new blobs written to the pool.",
	}, []string{"bucket"})
	linkCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chantal",
		Subsystem: "pool",
		Name:      "link_total",
		Help:      "Hard links published out of the pool.",
	}, []string{"bucket"})
	deleteCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chantal",
		Subsystem: "pool",
		Name:      "delete_total",
		Help:      "Blobs unlinked from the pool.",
	}, []string{"bucket"})
)
