package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	lifecycle *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking position lifecycle events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendbridge",
				Subsystem: "events",
				Name:      "positions_total",
				Help:      "Count of position lifecycle events segmented by event and collateral asset.",
			}, []string{"event", "collateral"}),
		}
		prometheus.MustRegister(eventRegistry.lifecycle)
	})
	return eventRegistry
}

// RecordPosition increments the lifecycle counter. Events are stable strings
// such as "opened", "closed" or "liquidated".
func (m *eventMetrics) RecordPosition(event, collateral string) {
	if m == nil {
		return
	}
	normalized := strings.ToLower(strings.TrimSpace(event))
	if normalized == "" {
		normalized = "unknown"
	}
	m.lifecycle.WithLabelValues(normalized, labelAsset(collateral)).Inc()
}
