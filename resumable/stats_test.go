package resumable

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStats(t *testing.T) {
	stats := NewStats()
	require.Zero(t, stats.Average())

	stats.RecordTransmit(100*time.Millisecond, 400)
	stats.RecordTransmit(300*time.Millisecond, 600)
	stats.RecordRetry()
	stats.RecordRenewal()
	stats.RecordResult(nil)
	stats.RecordResult(errors.New("failed"))

	require.Equal(t, 200*time.Millisecond, stats.Average())
	require.Equal(t, int64(2), stats.Transmits())
	require.Equal(t, int64(1000), stats.BytesSent())
	require.Equal(t, int64(1), stats.Retries())
	require.Equal(t, int64(1), stats.Renewals())
	require.Equal(t, int64(1), stats.CompletedCount())
	require.Equal(t, int64(1), stats.FailedCount())
}

func TestStats_Concurrent(t *testing.T) {
	stats := NewStats()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				stats.RecordTransmit(time.Millisecond, 10)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(1000), stats.Transmits())
	require.Equal(t, int64(10000), stats.BytesSent())
}
