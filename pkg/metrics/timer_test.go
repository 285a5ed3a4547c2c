package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	require.NotNil(t, timer)

	time.Sleep(20 * time.Millisecond)

	duration := timer.Duration()
	assert.GreaterOrEqual(t, duration, 20*time.Millisecond)
	assert.Less(t, duration, 5*time.Second)
}

func TestTimerObserveDuration(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "corral_test_duration_seconds",
		Help:    "Test duration histogram",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)
	timer.ObserveDuration(histogram)

	assert.NotZero(t, timer.Duration())
}

func TestTimerObserveDurationVec(t *testing.T) {
	histogramVec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "corral_test_duration_vec_seconds",
			Help:    "Test duration histogram vec",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	timer := NewTimer()
	timer.ObserveDurationVec(histogramVec, "install")

	// a second observation with the same label must not panic
	timer.ObserveDurationVec(histogramVec, "install")
}

func TestTimersAreIndependent(t *testing.T) {
	first := NewTimer()
	time.Sleep(10 * time.Millisecond)
	second := NewTimer()

	assert.Greater(t, first.Duration(), second.Duration())
}
