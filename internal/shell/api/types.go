package api

import (
	"time"

	"github.com/artpar/stackpilot/internal/core/domain"
)

// =============================================================================
// Request Types
// =============================================================================

// MaintenanceRequest is the request body for entering maintenance mode.
type MaintenanceRequest struct {
	Reason string `json:"reason"`
}

// =============================================================================
// Response Types
// =============================================================================

// ListProductsResponse is the response for listing product deployments.
type ListProductsResponse struct {
	Products []domain.ProductDeployment `json:"products"`
	Limit    int                        `json:"limit"`
	Offset   int                        `json:"offset"`
}

// CatalogProductResponse summarizes one catalog product.
type CatalogProductResponse struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Group   string   `json:"group,omitempty"`
	Stacks  []string `json:"stacks"`
}

// HealthHistoryResponse is the response for listing health snapshots.
type HealthHistoryResponse struct {
	DeploymentID string                  `json:"deployment_id"`
	Snapshots    []domain.HealthSnapshot `json:"snapshots"`
}

// DeploymentResponse wraps a deployment with its redacted variables.
type DeploymentResponse struct {
	*domain.Deployment
	Variables map[string]string `json:"variables,omitempty"`
}

// ErrorResponse is the error response format.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is the health check response.
type HealthResponse struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

// ReadyResponse is the readiness check response.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}
