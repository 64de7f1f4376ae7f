package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/artpar/stackpilot/internal/core/deployment"
	"github.com/artpar/stackpilot/internal/core/domain"
	"github.com/artpar/stackpilot/internal/shell/store"
)

// Runtime brings stacks up and down and reports their container health.
type Runtime interface {
	DeployStack(ctx context.Context, spec deployment.StackSpec) ([]domain.DeployedService, error)
	RemoveStack(ctx context.Context, deploymentID string) error
	InspectServiceHealth(ctx context.Context, deploymentID string) ([]domain.ServiceHealth, error)
}

// =============================================================================
// StackService
// =============================================================================

// StackDeployRequest deploys one stack into an environment.
type StackDeployRequest struct {
	EnvironmentID string `validate:"required"`
	StackID       string `validate:"required"`
	StackName     string `validate:"required"`
	StackVersion  string
	ProductName   string
	UserID        string
	Manifest      string `validate:"required"`
	Variables     map[string]string
	// Mode defaults to install: an active deployment of the stack is a conflict.
	Mode deployment.StackMode `validate:"omitempty,oneof=install upgrade"`
	// DeploymentID is the deployment an upgrade applies to.
	DeploymentID string
	// Rollback redeploys a failed upgrade with its pre-upgrade variables.
	Rollback bool
}

// StackService owns the lifecycle of single-stack deployments.
type StackService struct {
	store   store.Store
	runtime Runtime
	locks   *Locks
	logger  *slog.Logger
}

// NewStackService creates a stack service.
func NewStackService(s store.Store, rt Runtime, locks *Locks, logger *slog.Logger) *StackService {
	if logger == nil {
		logger = slog.Default()
	}
	if locks == nil {
		locks = NewLocks()
	}
	return &StackService{
		store:   s,
		runtime: rt,
		locks:   locks,
		logger:  logger.With("component", "stack_service"),
	}
}

// Deploy installs the stack. In upgrade mode it updates the caller's
// running or failed deployment in place instead. The returned deployment is
// set even when the runtime fails, so callers can reference it.
func (s *StackService) Deploy(ctx context.Context, req StackDeployRequest) (*domain.Deployment, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "deploy.StackService.Deploy")
	defer span.End()
	span.SetAttributes(
		attribute.String("environment_id", req.EnvironmentID),
		attribute.String("stack_name", req.StackName),
	)

	d, op, unlock, err := s.begin(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "begin failed")
		stackOperations.WithLabelValues("deploy", "rejected").Inc()
		return nil, err
	}
	defer unlock()
	span.SetAttributes(attribute.String("deployment_id", d.ID), attribute.String("action", string(op)))

	start := time.Now()
	services, runErr := s.runtime.DeployStack(ctx, deployment.StackSpec{
		DeploymentID:  d.ID,
		EnvironmentID: d.EnvironmentID,
		StackName:     d.StackName,
		Manifest:      req.Manifest,
		Variables:     d.Variables,
	})
	stackOperationDuration.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
	stackOperations.WithLabelValues(string(op), outcome(runErr)).Inc()

	// A timed-out stack context must not prevent recording the outcome.
	persistCtx := context.WithoutCancel(ctx)

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "runtime deploy failed")
		if ctx.Err() != nil {
			runErr = fmt.Errorf("%w: %w", runErr, ctx.Err())
		}
		s.logger.Warn("stack deploy failed",
			"deployment_id", d.ID,
			"stack_name", d.StackName,
			"action", op,
			"error", runErr,
		)
		return s.recordFailure(persistCtx, d, runErr)
	}

	if err := s.markRunning(persistCtx, d, services); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "recording deploy failed")
		s.logger.Error("failed to record deployed stack",
			"deployment_id", d.ID,
			"stack_name", d.StackName,
			"error", err,
		)
		return s.recordFailure(persistCtx, d, err)
	}

	s.logger.Info("stack deployed",
		"deployment_id", d.ID,
		"stack_name", d.StackName,
		"action", op,
		"stack_version", d.StackVersion,
		"services", len(d.Services),
	)
	return d, nil
}

// begin creates or transitions the deployment record before the runtime is
// called. The deployment lock is held from before the mutation; the caller
// releases it with the returned unlock.
func (s *StackService) begin(ctx context.Context, req StackDeployRequest) (*domain.Deployment, deployment.StackAction, func(), error) {
	intent := deployment.StackIntent{Mode: req.Mode, DeploymentID: req.DeploymentID}

	active, err := s.store.GetActiveDeployment(ctx, req.EnvironmentID, req.StackName)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, "", nil, err
	}

	plan := deployment.PlanStackOperation(active, intent)
	switch plan.Action {
	case deployment.ActionConflict:
		return nil, plan.Action, nil, domain.NewDomainError("DeployStack", active.ID, plan.Reason, domain.ErrActiveDeploymentExists)

	case deployment.ActionUpgrade:
		unlock := s.locks.Lock(active.ID)
		d, err := s.startUpgrade(ctx, active.ID, intent, req)
		if err != nil {
			unlock()
			return nil, plan.Action, nil, err
		}
		return d, plan.Action, unlock, nil

	default:
		d, err := domain.StartInstallation(domain.InstallationParams{
			ID:            uuid.New().String(),
			EnvironmentID: req.EnvironmentID,
			StackID:       req.StackID,
			StackName:     req.StackName,
			ProductName:   req.ProductName,
			UserID:        req.UserID,
			StackVersion:  req.StackVersion,
			Variables:     req.Variables,
		})
		if err != nil {
			return nil, plan.Action, nil, err
		}
		unlock := s.locks.Lock(d.ID)
		err = s.store.WithTx(ctx, func(tx store.Store) error {
			if err := tx.CreateDeployment(ctx, d); err != nil {
				return err
			}
			return tx.AppendEvents(ctx, d.PendingEvents())
		})
		if err != nil {
			unlock()
			return nil, plan.Action, nil, err
		}
		d.PullEvents()
		return d, plan.Action, unlock, nil
	}
}

// startUpgrade moves an active deployment to upgrading. It runs under the
// deployment lock and re-plans against the stored copy.
func (s *StackService) startUpgrade(ctx context.Context, id string, intent deployment.StackIntent, req StackDeployRequest) (*domain.Deployment, error) {
	d, err := s.store.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	if plan := deployment.PlanStackOperation(d, intent); plan.Action != deployment.ActionUpgrade {
		reason := plan.Reason
		if reason == "" {
			reason = "deployment changed while waiting for its lock"
		}
		return nil, domain.NewDomainError("DeployStack", d.ID, reason, domain.ErrActiveDeploymentExists)
	}

	if req.Rollback && d.CanRollback() {
		if _, err := d.StartRollback(); err != nil {
			return nil, err
		}
	} else if err := d.StartUpgrade(req.StackVersion, req.Variables); err != nil {
		return nil, err
	}
	if err := s.persist(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// markRunning records the services the runtime started and completes the
// install or upgrade.
func (s *StackService) markRunning(ctx context.Context, d *domain.Deployment, services []domain.DeployedService) error {
	if err := d.ReplaceServices(services); err != nil {
		return err
	}
	if err := d.MarkAsRunning(); err != nil {
		return err
	}
	return s.persist(ctx, d)
}

// recordFailure moves a deployment whose operation did not complete to
// failed. It works from the stored copy, so a half-applied in-memory
// mutation is discarded. cause is always returned.
func (s *StackService) recordFailure(ctx context.Context, d *domain.Deployment, cause error) (*domain.Deployment, error) {
	stored, err := s.store.GetDeployment(ctx, d.ID)
	if err != nil {
		return d, errors.Join(cause, err)
	}
	if !stored.Status.IsInProgress() {
		return stored, cause
	}
	if err := stored.MarkAsFailed(cause.Error()); err != nil {
		return stored, errors.Join(cause, err)
	}
	if err := s.persist(ctx, stored); err != nil {
		return stored, errors.Join(cause, err)
	}
	return stored, cause
}

// Remove tears down a deployment's containers and marks it removed. The
// record reaches removed even when the runtime fails; the runtime error is
// still returned so callers can report it.
func (s *StackService) Remove(ctx context.Context, deploymentID string) error {
	ctx, span := tracer.Start(ctx, "deploy.StackService.Remove")
	defer span.End()
	span.SetAttributes(attribute.String("deployment_id", deploymentID))

	unlock := s.locks.Lock(deploymentID)
	defer unlock()

	d, err := s.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return err
	}
	if d.Status == domain.StatusRemoved {
		return nil
	}

	start := time.Now()
	runErr := s.runtime.RemoveStack(ctx, deploymentID)
	stackOperationDuration.WithLabelValues("remove").Observe(time.Since(start).Seconds())
	stackOperations.WithLabelValues("remove", outcome(runErr)).Inc()
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "runtime remove failed")
		s.logger.Warn("runtime removal failed, marking removed anyway",
			"deployment_id", deploymentID,
			"error", runErr,
		)
	}

	if err := d.MarkAsRemoved(); err != nil {
		return errors.Join(runErr, err)
	}
	if err := s.persist(context.WithoutCancel(ctx), d); err != nil {
		return errors.Join(runErr, err)
	}
	s.logger.Info("stack removed", "deployment_id", deploymentID, "stack_name", d.StackName)
	return runErr
}

// EnterMaintenance switches a running deployment to maintenance mode.
func (s *StackService) EnterMaintenance(ctx context.Context, deploymentID, reason string) (*domain.Deployment, error) {
	return s.mutate(ctx, deploymentID, func(d *domain.Deployment) error {
		return d.EnterMaintenance(reason)
	})
}

// ExitMaintenance returns a deployment to normal operation.
func (s *StackService) ExitMaintenance(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	return s.mutate(ctx, deploymentID, func(d *domain.Deployment) error {
		return d.ExitMaintenance()
	})
}

// Get returns a deployment.
func (s *StackService) Get(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	return s.store.GetDeployment(ctx, deploymentID)
}

func (s *StackService) mutate(ctx context.Context, deploymentID string, fn func(*domain.Deployment) error) (*domain.Deployment, error) {
	unlock := s.locks.Lock(deploymentID)
	defer unlock()

	d, err := s.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if err := fn(d); err != nil {
		return nil, err
	}
	if err := s.persist(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// persist writes the deployment and its queued events in one transaction.
func (s *StackService) persist(ctx context.Context, d *domain.Deployment) error {
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.UpdateDeployment(ctx, d); err != nil {
			return err
		}
		return tx.AppendEvents(ctx, d.PendingEvents())
	})
	if err != nil {
		return err
	}
	d.PullEvents()
	return nil
}
