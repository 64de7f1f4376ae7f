package store

import (
	"context"
	"time"

	"github.com/artpar/stackpilot/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for stackpilot aggregates.
//
// Update methods use optimistic concurrency: the aggregate's Version is the
// expected stored version. On success the stored and in-memory versions are
// both incremented; a stale version fails with ErrVersionConflict.
type Store interface {
	// Deployment operations
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)
	GetActiveDeployment(ctx context.Context, environmentID, stackName string) (*domain.Deployment, error)
	UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error
	ListDeployments(ctx context.Context, filter DeploymentFilter, opts ListOptions) ([]domain.Deployment, error)

	// Product deployment operations
	CreateProductDeployment(ctx context.Context, product *domain.ProductDeployment) error
	GetProductDeployment(ctx context.Context, id string) (*domain.ProductDeployment, error)
	UpdateProductDeployment(ctx context.Context, product *domain.ProductDeployment) error
	ListProductDeployments(ctx context.Context, filter ProductFilter, opts ListOptions) ([]domain.ProductDeployment, error)

	// Health snapshot operations
	SaveHealthSnapshot(ctx context.Context, snapshot *domain.HealthSnapshot) error
	GetLatestHealthSnapshot(ctx context.Context, deploymentID string) (*domain.HealthSnapshot, error)
	ListHealthSnapshots(ctx context.Context, deploymentID string, limit int) ([]domain.HealthSnapshot, error)
	PruneHealthSnapshots(ctx context.Context, before time.Time) (int64, error)

	// Domain event log
	AppendEvents(ctx context.Context, events []domain.Event) error
	ListEvents(ctx context.Context, aggregateID string, limit int) ([]domain.Event, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// =============================================================================
// Filters and Options
// =============================================================================

// DeploymentFilter narrows ListDeployments. Zero values match everything.
type DeploymentFilter struct {
	EnvironmentID  string
	StackName      string
	Statuses       []domain.DeploymentStatus
	IncludeRemoved bool
}

// ProductFilter narrows ListProductDeployments. Zero values match everything.
type ProductFilter struct {
	EnvironmentID  string
	ProductGroupID string
	Statuses       []domain.ProductStatus
}

// ListOptions defines pagination options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
