// Package metrics exposes Prometheus counters for the HTTP server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "disentangle"

var (
	requests = newCounterVec("http", "requests_total", "Requests by route and status code", "route", "status_code")

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Request latency by route",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"route"},
	)

	sequences = newCounterVec("decode", "sequences_total", "Decoded sequences by method", "method")

	truncated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "decode",
		Name:      "beam_truncated_total",
		Help:      "Beam search results that never reached the end token",
	})
)

func newCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// Middleware counts every request against its route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		requests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
		requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

// Decoded records n sequences decoded with method.
func Decoded(method string, n int) {
	sequences.WithLabelValues(method).Add(float64(n))
}

// Truncated records n beam search results cut off by the step cap.
func Truncated(n int) {
	truncated.Add(float64(n))
}

func Handler() http.Handler {
	return promhttp.Handler()
}
