package dns

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// withType labels a measurement with the query type.
func withType(q *Query) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("type", q.TypeString()))
}
