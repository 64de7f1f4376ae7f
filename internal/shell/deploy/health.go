package deploy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/artpar/stackpilot/internal/core/domain"
	"github.com/artpar/stackpilot/internal/core/monitoring"
	"github.com/artpar/stackpilot/internal/shell/store"
)

// HealthService captures and serves health snapshots.
type HealthService struct {
	store   store.Store
	runtime Runtime
	logger  *slog.Logger
	now     func() time.Time
}

// NewHealthService creates a health service.
func NewHealthService(s store.Store, rt Runtime, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthService{
		store:   s,
		runtime: rt,
		logger:  logger.With("component", "health_service"),
		now:     time.Now,
	}
}

// Capture inspects a deployment's containers, stores a snapshot and returns it.
// Services the deployment expects but the runtime does not report count as
// unhealthy. Service transitions since the previous snapshot are recorded as
// events. Capture never changes the deployment itself.
func (s *HealthService) Capture(ctx context.Context, deploymentID string) (*domain.HealthSnapshot, error) {
	d, err := s.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if d.Status == domain.StatusRemoved {
		return nil, domain.NewDomainError("CaptureHealth", d.ID, "deployment is removed", domain.ErrDeploymentRemoved)
	}

	observed, err := s.runtime.InspectServiceHealth(ctx, d.ID)
	if err != nil {
		return nil, err
	}

	expected := make([]string, 0, len(d.Services))
	for _, svc := range d.Services {
		expected = append(expected, svc.Name)
	}
	missing := monitoring.MissingServices(expected, observed)
	services := make([]domain.ServiceHealth, 0, len(observed)+len(missing))
	services = append(services, observed...)
	services = append(services, missing...)

	previous, err := s.store.GetLatestHealthSnapshot(ctx, d.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	snapshot, err := domain.CaptureHealthSnapshot(domain.CaptureParams{
		ID:             uuid.New().String(),
		EnvironmentID:  d.EnvironmentID,
		DeploymentID:   d.ID,
		StackName:      d.StackName,
		OperationMode:  d.OperationMode,
		CurrentVersion: d.StackVersion,
		TargetVersion:  d.TargetVersion,
		Self:           domain.NewSelfHealth(services),
		CapturedAt:     s.now(),
	})
	if err != nil {
		return nil, err
	}

	events := []domain.Event{
		domain.NewEvent(domain.EventHealthSnapshotCaptured, d.ID, map[string]string{
			"snapshot_id": snapshot.ID,
			"overall":     string(snapshot.Overall),
		}),
	}
	var before []domain.ServiceHealth
	if previous != nil {
		before = previous.Self.Services
	}
	for _, tr := range monitoring.CompareServices(before, snapshot.Self.Services) {
		events = append(events, domain.NewEvent(domain.EventServiceHealthChanged, d.ID, map[string]string{
			"snapshot_id":     snapshot.ID,
			"service":         tr.Service,
			"container_event": string(tr.Event),
			"from":            string(tr.From),
			"to":              string(tr.To),
			"message":         tr.Message,
		}))
	}

	err = s.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.SaveHealthSnapshot(ctx, &snapshot); err != nil {
			return err
		}
		return tx.AppendEvents(ctx, events)
	})
	if err != nil {
		return nil, err
	}

	healthSnapshots.WithLabelValues(string(snapshot.Overall)).Inc()
	if previous != nil && snapshot.Overall.IsWorseThan(previous.Overall) {
		s.logger.Warn("deployment health worsened",
			"deployment_id", d.ID,
			"from", previous.Overall,
			"to", snapshot.Overall,
		)
	}
	if snapshot.RequiresAttention() {
		s.logger.Warn("deployment requires attention",
			"deployment_id", d.ID,
			"stack_name", d.StackName,
			"overall", snapshot.Overall,
			"healthy", snapshot.Self.HealthyCount,
			"total", snapshot.Self.TotalCount,
		)
	}
	return &snapshot, nil
}

// Latest returns the newest stored snapshot of a deployment.
func (s *HealthService) Latest(ctx context.Context, deploymentID string) (*domain.HealthSnapshot, error) {
	return s.store.GetLatestHealthSnapshot(ctx, deploymentID)
}

// History returns up to limit snapshots, newest first.
func (s *HealthService) History(ctx context.Context, deploymentID string, limit int) ([]domain.HealthSnapshot, error) {
	return s.store.ListHealthSnapshots(ctx, deploymentID, limit)
}

// Prune deletes snapshots captured before now minus maxAge.
func (s *HealthService) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	return s.store.PruneHealthSnapshots(ctx, s.now().Add(-maxAge))
}
