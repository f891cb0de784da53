package fetch

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chantal",
		Subsystem: "fetch",
		Name:      "requests_total",
		Help:      "Upstream requests by response code class.",
	}, []string{"code"})
	downloadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chantal",
		Subsystem: "fetch",
		Name:      "download_bytes_total",
		Help:      "Payload and metadata bytes fetched from upstreams.",
	})
)

func codeClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
