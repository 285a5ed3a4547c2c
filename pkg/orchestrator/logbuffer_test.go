package orchestrator

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogAggregatorBasic(t *testing.T) {
	a := NewLogAggregator(100)

	a.Log("comp1", LevelInfo, "Message 1")
	a.Log("comp1", LevelWarn, "Message 2")
	a.Log("comp2", LevelError, "Message 3")

	comp1 := a.Logs("comp1", 10)
	require.Len(t, comp1, 2)
	assert.Equal(t, "Message 1", comp1[0].Message)
	assert.Equal(t, "Message 2", comp1[1].Message)

	all := a.AllLogs(10)
	assert.Len(t, all, 3)

	stats := a.Stats()
	assert.Equal(t, 3, stats.TotalEntries)
	assert.Equal(t, 2, stats.ComponentCount)
	assert.Equal(t, 1, stats.ByLevel[LevelWarn])
}

func TestLogAggregatorMinLevel(t *testing.T) {
	a := NewLogAggregator(100)
	a.SetMinLevel(LevelWarn)

	a.Log("comp1", LevelDebug, "dropped")
	a.Log("comp1", LevelWarn, "kept")

	logs := a.AllLogs(10)
	require.Len(t, logs, 1)
	assert.Equal(t, LevelWarn, logs[0].Level)
}

func TestLogAggregatorRingBound(t *testing.T) {
	a := NewLogAggregator(3)

	for n := 0; n < 10; n++ {
		a.Log("comp1", LevelInfo, fmt.Sprintf("msg-%d", n))
	}

	logs := a.Logs("comp1", 0)
	require.Len(t, logs, 3)
	assert.Equal(t, "msg-7", logs[0].Message)
	assert.Equal(t, "msg-9", logs[2].Message)
}

func TestLogAggregatorLimit(t *testing.T) {
	a := NewLogAggregator(100)
	for n := 0; n < 5; n++ {
		a.Log("comp1", LevelInfo, fmt.Sprintf("msg-%d", n))
	}

	logs := a.Logs("comp1", 2)
	require.Len(t, logs, 2)
	assert.Equal(t, "msg-3", logs[0].Message)
	assert.Equal(t, "msg-4", logs[1].Message)
}

func TestLogAggregatorByLevel(t *testing.T) {
	a := NewLogAggregator(100)
	a.Log("comp1", LevelDebug, "debug")
	a.Log("comp1", LevelError, "error")

	logs := a.LogsByLevel("comp1", LevelWarn, 10)
	require.Len(t, logs, 1)
	assert.Equal(t, "error", logs[0].Message)
}

func TestLogAggregatorFields(t *testing.T) {
	a := NewLogAggregator(100)
	a.LogWithFields("comp1", LevelInfo, "call", map[string]string{"function": "add"})

	logs := a.Logs("comp1", 1)
	require.Len(t, logs, 1)
	assert.Equal(t, "add", logs[0].Fields["function"])
}

func TestLogAggregatorClear(t *testing.T) {
	a := NewLogAggregator(100)
	a.Log("comp1", LevelInfo, "x")
	a.Log("comp2", LevelInfo, "y")

	a.ClearComponent("comp1")
	assert.Empty(t, a.Logs("comp1", 10))
	assert.Len(t, a.Logs("comp2", 10), 1)

	a.Clear()
	assert.Equal(t, 0, a.Stats().TotalEntries)
}
