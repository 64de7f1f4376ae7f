package deploy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	stackOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stackpilot_stack_operations_total",
		Help: "Stack operations by operation and outcome",
	}, []string{"operation", "outcome"})

	stackOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stackpilot_stack_operation_duration_seconds",
		Help:    "Duration of stack runtime operations",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"operation"})

	productOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stackpilot_product_operations_total",
		Help: "Product operations by operation and resulting status",
	}, []string{"operation", "status"})

	healthSnapshots = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stackpilot_health_snapshots_total",
		Help: "Captured health snapshots by overall status",
	}, []string{"overall"})
)

// =============================================================================
// OTel Tracer
// =============================================================================

var tracer = otel.Tracer("stackpilot.deploy")

func outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
