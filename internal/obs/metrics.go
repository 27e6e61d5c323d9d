package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the Prometheus counter/histogram set this core exports,
// grounded on src/chainadapter/metrics/prometheus.go's per-adapter call and
// duration tracking, generalized from one set of counters per blockchain
// adapter to one set per middleware stage (internal/rpcengine) and one per
// lifecycle controller (internal/txn), using the real
// github.com/prometheus/client_golang registry instead of the teacher's
// hand-rolled text exporter.
type Metrics struct {
	rpcCalls     *prometheus.CounterVec
	rpcDuration  *prometheus.HistogramVec
	txOperations *prometheus.CounterVec
}

// NewMetrics registers the wallet core's counters against reg and returns
// the handle used to record observations. The runtime wiring layer passes
// its own prometheus.Registry (or prometheus.DefaultRegisterer).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletcore",
			Subsystem: "rpcengine",
			Name:      "calls_total",
			Help:      "Total number of RPC engine method invocations, by method and outcome.",
		}, []string{"method", "status"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "walletcore",
			Subsystem: "rpcengine",
			Name:      "call_duration_seconds",
			Help:      "RPC engine method handling duration, by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		txOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletcore",
			Subsystem: "txn",
			Name:      "operations_total",
			Help:      "Total number of transaction lifecycle operations, by step and outcome.",
		}, []string{"operation", "status"}),
	}
	reg.MustRegister(m.rpcCalls, m.rpcDuration, m.txOperations)
	return m
}

// RecordRPCCall records one rpcengine.Engine.Handle invocation. A nil
// receiver is a no-op, so metrics remain an optional dependency every
// controller can leave unset.
func (m *Metrics) RecordRPCCall(method string, duration time.Duration, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.rpcCalls.WithLabelValues(method, status).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordTxOperation records one transaction lifecycle step (sign, broadcast,
// receipt).
func (m *Metrics) RecordTxOperation(operation string, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.txOperations.WithLabelValues(operation, status).Inc()
}
