package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	votesTotal         *prometheus.CounterVec
	storeOpSeconds     *prometheus.HistogramVec
	duplicatesResolved prometheus.Counter
	httpRequestsTotal  *prometheus.CounterVec
	gateWaitSeconds    prometheus.Histogram
	registerOnce       sync.Once
)

// Register 在默认 registry 上注册指标；未注册时下面的记录函数都是空操作
func Register() {
	registerOnce.Do(func() {
		votesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teamvote",
			Name:      "votes_total",
			Help:      "Vote attempts by result.",
		}, []string{"result"})
		storeOpSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "teamvote",
			Name:      "store_op_seconds",
			Help:      "Latency of table store operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "status"})
		duplicatesResolved = promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "teamvote",
			Name:      "duplicates_resolved_total",
			Help:      "Duplicate votes marked superseded by reconciliation.",
		})
		httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teamvote",
			Name:      "http_requests_total",
			Help:      "HTTP requests processed.",
		}, []string{"method", "path", "status"})
		gateWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "teamvote",
			Name:      "gate_wait_seconds",
			Help:      "Time spent waiting for the per-topic gate.",
			Buckets:   prometheus.DefBuckets,
		})
	})
}

func IncVote(result string) {
	if votesTotal == nil {
		return
	}
	votesTotal.WithLabelValues(result).Inc()
}

func ObserveStoreOp(op string, err error, d time.Duration) {
	if storeOpSeconds == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	storeOpSeconds.WithLabelValues(op, status).Observe(d.Seconds())
}

func AddDuplicatesResolved(n int) {
	if duplicatesResolved == nil || n <= 0 {
		return
	}
	duplicatesResolved.Add(float64(n))
}

func IncRequest(method, path string, status int) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}

func ObserveGateWait(d time.Duration) {
	if gateWaitSeconds == nil {
		return
	}
	gateWaitSeconds.Observe(d.Seconds())
}
