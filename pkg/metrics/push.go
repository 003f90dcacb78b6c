package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Push sends every collector registered with the default registry to a
// Prometheus pushgateway. Batch runs are too short-lived to be scraped.
func Push(url, job, operation string) error {
	return PushFrom(prometheus.DefaultGatherer, url, job, operation)
}

// PushFrom pushes the metrics of gatherer, grouped by operation.
func PushFrom(gatherer prometheus.Gatherer, url, job, operation string) error {
	if url == "" {
		return nil
	}

	err := push.New(url, job).
		Gatherer(gatherer).
		Grouping("operation", operation).
		Push()
	if err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", url, err)
	}
	return nil
}
