package runtime

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArbiterFiresPastDeadline(t *testing.T) {
	arbiter := newEpochArbiter()

	var fired atomic.Bool
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	arbiter.Watch(arbiter.Current()+2, func() { fired.Store(true) })

	arbiter.Increment()
	arbiter.Increment()
	assert.False(t, fired.Load(), "deadline not yet passed")

	arbiter.Increment()
	assert.True(t, fired.Load())
}

func TestArbiterUnwatch(t *testing.T) {
	arbiter := newEpochArbiter()

	var fired atomic.Bool
	id := arbiter.Watch(arbiter.Current()+1, func() { fired.Store(true) })
	arbiter.Unwatch(id)

	for n := 0; n < 5; n++ {
		arbiter.Increment()
	}
	assert.False(t, fired.Load())
}

func TestTickerDrivesArbiter(t *testing.T) {
	arbiter := newEpochArbiter()
	ticker := newEpochTicker(arbiter, time.Millisecond)
	ticker.Start()
	defer ticker.Stop()

	require.Eventually(t, func() bool {
		return arbiter.Current() > 5
	}, 2*time.Second, time.Millisecond)

	ticker.Stop() // double stop is safe
}
