package metrics

import (
	"strings"
	"testing"
	"time"

	gometrics "github.com/armon/go-metrics"
	"github.com/stretchr/testify/require"
)

func counterKeys(sink *gometrics.InmemSink) []string {
	var keys []string
	for _, interval := range sink.Data() {
		interval.RLock()
		for k := range interval.Counters {
			keys = append(keys, k)
		}
		interval.RUnlock()
	}
	return keys
}

func hasPrefix(keys []string, prefix string) bool {
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

func TestCountersReachSink(t *testing.T) {
	sink := gometrics.NewInmemSink(time.Minute, time.Minute)
	require.NoError(t, Setup(sink))

	EventReceived("JobCreated")
	LogSkipped(ReasonStale)
	TxFailed("submitOutput")
	Reconnect()

	keys := counterKeys(sink)
	require.True(t, hasPrefix(keys, "executor.events.received"), keys)
	require.True(t, hasPrefix(keys, "executor.events.skipped"), keys)
	require.True(t, hasPrefix(keys, "executor.tx.failed"), keys)
	require.True(t, hasPrefix(keys, "executor.listener.reconnects"), keys)
}
