// SPDX-License-Identifier: MIT

package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, name string) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, CircuitBreakerState.WithLabelValues(name).Write(m))
	return m.GetGauge().GetValue()
}

func TestSetBreakerState(t *testing.T) {
	SetBreakerState("tmdb", "closed")
	assert.Equal(t, float64(BreakerClosed), gaugeValue(t, "tmdb"))

	SetBreakerState("tmdb", "half-open")
	assert.Equal(t, float64(BreakerHalfOpen), gaugeValue(t, "tmdb"))

	SetBreakerState("tmdb", "open")
	assert.Equal(t, float64(BreakerOpen), gaugeValue(t, "tmdb"))
}
