package monitoring

import (
	"time"

	"github.com/otero/cachefabric/middleware"
	"github.com/otero/cachefabric/pkg/tier"
)

// RecordMiddlewareSnapshot folds a middleware.Snapshot (as returned by
// middleware.Processor.MiddlewareStats or AggregateStats) into the
// collector: the snapshot's average latency (when anything was processed)
// becomes a latency event and its failure count an error event. The
// processed count itself is not recorded.
func RecordMiddlewareSnapshot(middlewareID string, snap middleware.Snapshot) {
	if svc == nil {
		return
	}
	now := time.Now()

	if snap.Processed > 0 {
		svc.collector.RecordMetric(MetricEvent{
			Type:      MetricLatency,
			Value:     float64(snap.AvgLatency.Microseconds()) / 1000,
			Timestamp: now,
			Source:    "middleware",
			Labels:    map[string]string{"middleware_id": middlewareID},
		})
	}
	if snap.Failed > 0 {
		svc.collector.RecordMetric(MetricEvent{
			Type:      MetricError,
			Value:     float64(snap.Failed),
			Timestamp: now,
			Source:    "middleware",
			Labels:    map[string]string{"middleware_id": middlewareID},
		})
	}
}

// RecordTierHealth folds a tier health check result into the collector.
// An unhealthy tier is recorded as an error event so the alert engine's
// error-rate rules can fire on tier degradation, not just request errors.
func RecordTierHealth(tierName string, report tier.HealthReport) {
	if svc == nil {
		return
	}
	now := time.Now()

	svc.collector.RecordMetric(MetricEvent{
		Type:      MetricLatency,
		Value:     float64(report.Latency.Microseconds()) / 1000,
		Timestamp: now,
		Source:    "tier",
		Labels:    map[string]string{"tier": tierName, "op": "health_check"},
	})

	if !report.Healthy {
		svc.collector.RecordMetric(MetricEvent{
			Type:      MetricError,
			Value:     1,
			Timestamp: now,
			Source:    "tier",
			Labels:    map[string]string{"tier": tierName, "detail": report.Detail},
		})
	}
}
