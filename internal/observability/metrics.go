package observability

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/fulmenhq/gofulmen/telemetry/exporters"

	"github.com/3leaps/goscribe/pkg/metrics"
)

var (
	// TelemetrySystem receives pipeline metrics once InitMetrics has run.
	TelemetrySystem *telemetry.System

	// PrometheusExporter serves TelemetrySystem's metrics over HTTP.
	PrometheusExporter *exporters.PrometheusExporter
)

// InitMetrics starts the Prometheus exporter on port and builds the
// telemetry system that feeds it.
func InitMetrics(serviceName string, port int) error {
	exporter := exporters.NewPrometheusExporter(serviceName, fmt.Sprintf(":%d", port))
	if err := exporter.Start(); err != nil {
		return fmt.Errorf("start prometheus exporter on :%d: %w", port, err)
	}
	sys, err := telemetry.NewSystem(&telemetry.Config{
		Enabled: true,
		Emitter: exporter,
	})
	if err != nil {
		_ = exporter.Stop()
		return fmt.Errorf("create telemetry system: %w", err)
	}
	PrometheusExporter = exporter
	TelemetrySystem = sys
	return nil
}

// MetricsRecorder returns the telemetry system as a pipeline metrics sink,
// or a no-op sink when metrics are not initialized.
func MetricsRecorder() metrics.Recorder {
	if TelemetrySystem == nil {
		return metrics.Nop()
	}
	return TelemetrySystem
}

// StopMetrics shuts the exporter down.
func StopMetrics() {
	if PrometheusExporter != nil {
		_ = PrometheusExporter.Stop()
	}
	PrometheusExporter = nil
	TelemetrySystem = nil
}
