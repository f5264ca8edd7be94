package metric

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespaceCalls = "calls"
	namespaceTxs   = "txs"
)

var (
	// TotalCalls read calls enqueued, retries included
	TotalCalls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceCalls,
			Name:      "total",
			Help:      "Read calls enqueued, retries included",
		})

	// CallsInQueue read calls waiting to start
	CallsInQueue = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceCalls,
			Name:      "in_queue",
			Help:      "Read calls waiting to start",
		})

	// TotalTxs transactions accepted by the transaction manager
	TotalTxs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceTxs,
			Name:      "total",
			Help:      "Transactions queued",
		})

	// TxsInQueue transactions waiting to start
	TxsInQueue = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceTxs,
			Name:      "in_queue",
			Help:      "Transactions waiting to start",
		})

	// TxsFinished transactions that reached a terminal state, by state
	TxsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceTxs,
			Name:      "finished_total",
			Help:      "Transactions that reached a terminal state",
		}, []string{"method", "status"})

	// TxQueueDuration time spent by transactions in the queue
	TxQueueDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespaceTxs,
			Name:      "queue_duration_ms",
			Help:      "",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 14), //nolint:gomnd
		}, []string{"method"})

	// TxSendDuration time between leaving the queue and being accepted by
	// the node
	TxSendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespaceTxs,
			Name:      "send_duration_ms",
			Help:      "",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 14), //nolint:gomnd
		}, []string{"method"})

	// TxMineDuration time between being accepted by the node and being
	// confirmed
	TxMineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespaceTxs,
			Name:      "mine_duration_ms",
			Help:      "",
			Buckets:   prometheus.ExponentialBuckets(100, 2, 14), //nolint:gomnd
		}, []string{"method"})
)

func init() {
	prometheus.MustRegister(TotalCalls)
	prometheus.MustRegister(CallsInQueue)
	prometheus.MustRegister(TotalTxs)
	prometheus.MustRegister(TxsInQueue)
	prometheus.MustRegister(TxsFinished)
	prometheus.MustRegister(TxQueueDuration)
	prometheus.MustRegister(TxSendDuration)
	prometheus.MustRegister(TxMineDuration)
}

// Diagnostics sets the queue gauges.  It satisfies coordinator.DiagnosticsSink.
type Diagnostics struct{}

// SetTotalCalls sets TotalCalls
func (Diagnostics) SetTotalCalls(n int64) { TotalCalls.Set(float64(n)) }

// SetCallsInQueue sets CallsInQueue
func (Diagnostics) SetCallsInQueue(n int64) { CallsInQueue.Set(float64(n)) }

// SetTotalTransactions sets TotalTxs
func (Diagnostics) SetTotalTransactions(n int64) { TotalTxs.Set(float64(n)) }

// SetTransactionsInQueue sets TxsInQueue
func (Diagnostics) SetTransactionsInQueue(n int64) { TxsInQueue.Set(float64(n)) }

// ObserveTx records a finished transaction.  Delays are in seconds; zero
// delays belong to stages the transaction never reached and are skipped.
func ObserveTx(method, status string, queueDelay, sendDelay, mineDelay float64) {
	TxsFinished.WithLabelValues(method, status).Inc()
	observeSeconds(TxQueueDuration, queueDelay, method)
	observeSeconds(TxSendDuration, sendDelay, method)
	observeSeconds(TxMineDuration, mineDelay, method)
}

func observeSeconds(histogram *prometheus.HistogramVec, seconds float64, lvs ...string) {
	if seconds <= 0 {
		return
	}
	histogram.WithLabelValues(lvs...).Observe(seconds * 1000) //nolint:gomnd
}

// MeasureDuration measure the method execution duration
// and save it into a histogram metric
func MeasureDuration(histogram *prometheus.HistogramVec, start time.Time, lvs ...string) {
	duration := time.Since(start)
	histogram.WithLabelValues(lvs...).Observe(float64(duration.Milliseconds()))
}

// Handler serves the registered metrics
func Handler() http.Handler {
	return promhttp.Handler()
}
