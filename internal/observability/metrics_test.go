package observability

import (
	"bytes"
	"log"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPipelineMetricsSnapshot(t *testing.T) {
	m := NewPipelineMetrics()
	m.IncReceived()
	m.IncReceived()
	m.IncParseFailure()
	m.IncFiltered()
	m.IncDuplicate()
	m.IncDispatched()
	m.IncDispatchError()
	m.IncReconnect()

	snap := m.Snapshot()
	require.Equal(t, uint64(2), snap.Received)
	require.Equal(t, uint64(1), snap.ParseFailures)
	require.Equal(t, uint64(1), snap.Filtered)
	require.Equal(t, uint64(1), snap.Duplicates)
	require.Equal(t, uint64(1), snap.Dispatched)
	require.Equal(t, uint64(1), snap.DispatchErrors)
	require.Equal(t, uint64(1), snap.Reconnects)
}

func TestPipelineMetricsConcurrent(t *testing.T) {
	m := NewPipelineMetrics()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.IncReceived()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, uint64(1600), m.Snapshot().Received)
}

func TestStdLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStdLogger(log.New(&buf, "", 0), false)

	logger.Debug("hidden")
	logger.Info("started", F("port", 8089))
	logger.Error("failed", F("error", "boom"))

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "INFO started port=8089")
	require.Contains(t, out, "ERROR failed error=boom")
}

func TestStdLoggerDebugEnabled(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStdLogger(log.New(&buf, "", 0), true)
	logger.Debug("visible")
	require.Contains(t, buf.String(), "DEBUG visible")
}

func TestGlobalLoggerDefaultsToNoop(t *testing.T) {
	SetLogger(nil)
	require.NotPanics(t, func() {
		Log().Info("dropped")
	})
}
