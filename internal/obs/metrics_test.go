package obs

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordRPCCallIncrementsCounterByMethodAndStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordRPCCall("eth_chainId", 5*time.Millisecond, true)
	m.RecordRPCCall("eth_chainId", 5*time.Millisecond, false)

	require.Equal(t, float64(1), testutil.ToFloat64(m.rpcCalls.WithLabelValues("eth_chainId", "success")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.rpcCalls.WithLabelValues("eth_chainId", "failure")))
}

func TestRecordTxOperationIncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordTxOperation("broadcast", true)
	m.RecordTxOperation("broadcast", true)

	require.Equal(t, float64(2), testutil.ToFloat64(m.txOperations.WithLabelValues("broadcast", "success")))
}

func TestNilMetricsRecordIsNoOp(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.RecordRPCCall("eth_chainId", time.Millisecond, true)
		m.RecordTxOperation("sign", false)
	})
}
