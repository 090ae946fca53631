package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// promauto registers every collector against the global default registry, so
// a second New() call in this process would panic on duplicate
// registration — every subtest below shares one instance.
func TestMetrics(t *testing.T) {
	m := New()

	t.Run("RecordSubmission increments by service", func(t *testing.T) {
		m.RecordSubmission("comfyui")
		m.RecordSubmission("comfyui")
		assert.Equal(t, float64(2), counterValue(t, m.GenerationsSubmitted.WithLabelValues("comfyui")))
	})

	t.Run("RecordCompletion increments counter and observes duration", func(t *testing.T) {
		m.RecordCompletion("comfyui", "completed", 1.5)
		assert.Equal(t, float64(1), counterValue(t, m.GenerationsCompleted.WithLabelValues("comfyui", "completed")))
	})

	t.Run("RecordSettlementFailure increments by reason", func(t *testing.T) {
		m.RecordSettlementFailure("cost_settlement_failed")
		assert.Equal(t, float64(1), counterValue(t, m.SettlementFailures.WithLabelValues("cost_settlement_failed")))
	})

	t.Run("RecordRuntimeHealth sets gauge to 1 when healthy", func(t *testing.T) {
		m.RecordRuntimeHealth("vastai", true, 0.2)
		assert.Equal(t, float64(1), gaugeValue(t, m.RuntimeHealthy.WithLabelValues("vastai")))
	})

	t.Run("RecordRuntimeHealth sets gauge to 0 when unhealthy", func(t *testing.T) {
		m.RecordRuntimeHealth("comfyui", false, 0.1)
		assert.Equal(t, float64(0), gaugeValue(t, m.RuntimeHealthy.WithLabelValues("comfyui")))
	})
}

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var metric dto.Metric
	require.NoError(t, c.Write(&metric))
	return metric.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var metric dto.Metric
	require.NoError(t, c.Write(&metric))
	return metric.GetGauge().GetValue()
}
