// Package metrics names the counters and gauges emitted by the node and installs the
// process-wide go-metrics sink.
package metrics

import (
	"sync"
	"time"

	gometrics "github.com/armon/go-metrics"
	gometricsprom "github.com/armon/go-metrics/prometheus"
)

const ServiceName = "executor"

// skip reasons
const (
	ReasonRemoved     = "removed"
	ReasonNoBlock     = "no_block"
	ReasonStale       = "stale"
	ReasonUnknownKind = "unknown_kind"
)

var promOnce sync.Once

// SetupPrometheus routes all metrics to a prometheus sink registered with the default
// registry. Calling it more than once is a no-op.
func SetupPrometheus() error {
	var err error
	promOnce.Do(func() {
		var sink *gometricsprom.PrometheusSink
		sink, err = gometricsprom.NewPrometheusSink()
		if err != nil {
			return
		}
		err = Setup(sink)
	})

	return err
}

// Setup routes all metrics to sink.
func Setup(sink gometrics.MetricSink) error {
	cfg := gometrics.DefaultConfig(ServiceName)
	cfg.EnableHostname = false
	cfg.EnableRuntimeMetrics = false

	_, err := gometrics.NewGlobal(cfg, sink)
	return err
}

func EventReceived(kind string) {
	gometrics.IncrCounterWithLabels([]string{"events", "received"}, 1, []gometrics.Label{{Name: "kind", Value: kind}})
}

func LogSkipped(reason string) {
	gometrics.IncrCounterWithLabels([]string{"events", "skipped"}, 1, []gometrics.Label{{Name: "reason", Value: reason}})
}

func DecodeFailed(kind string) {
	gometrics.IncrCounterWithLabels([]string{"events", "decode_failed"}, 1, []gometrics.Label{{Name: "kind", Value: kind}})
}

func TaskSpawned(task string) {
	gometrics.IncrCounterWithLabels([]string{"tasks", "spawned"}, 1, []gometrics.Label{{Name: "task", Value: task}})
}

func TaskPanicked(task string) {
	gometrics.IncrCounterWithLabels([]string{"tasks", "panicked"}, 1, []gometrics.Label{{Name: "task", Value: task}})
}

func TxSent(method string) {
	gometrics.IncrCounterWithLabels([]string{"tx", "sent"}, 1, []gometrics.Label{{Name: "method", Value: method}})
}

func TxFailed(method string) {
	gometrics.IncrCounterWithLabels([]string{"tx", "failed"}, 1, []gometrics.Label{{Name: "method", Value: method}})
}

func Reconnect() {
	gometrics.IncrCounter([]string{"listener", "reconnects"}, 1)
}

func Deregistered() {
	gometrics.IncrCounter([]string{"listener", "deregistered"}, 1)
}

func SetCursor(block uint64) {
	gometrics.SetGauge([]string{"cursor", "block"}, float32(block))
}

func SetRunningJobs(n int) {
	gometrics.SetGauge([]string{"jobs", "running"}, float32(n))
}

func SetInFlightTasks(n int) {
	gometrics.SetGauge([]string{"tasks", "in_flight"}, float32(n))
}

func MeasureExecution(start time.Time) {
	gometrics.MeasureSince([]string{"jobs", "execution"}, start)
}
