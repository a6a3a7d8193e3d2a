// Package metrics emits pulsegate's counters and gauges through the gofulmen
// telemetry system. Every helper is a no-op until observability.InitMetrics runs.
package metrics

import (
	"time"

	"github.com/pulsegate/pulsegate/internal/observability"
)

func counter(name string, labels map[string]string) {
	if sys := observability.TelemetrySystem; sys != nil {
		_ = sys.Counter(name, 1, labels)
	}
}

func gauge(name string, value float64, labels map[string]string) {
	if sys := observability.TelemetrySystem; sys != nil {
		_ = sys.Gauge(name, value, labels)
	}
}

func histogram(name string, d time.Duration, labels map[string]string) {
	if sys := observability.TelemetrySystem; sys != nil {
		_ = sys.Histogram(name, d, labels)
	}
}

func status(ok bool, success, failure string) string {
	if ok {
		return success
	}
	return failure
}
