package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/artpar/stackpilot/internal/core/deployment"
	"github.com/artpar/stackpilot/internal/core/domain"
	"github.com/artpar/stackpilot/internal/shell/catalog"
	"github.com/artpar/stackpilot/internal/shell/progress"
	"github.com/artpar/stackpilot/internal/shell/store"
)

// Catalog resolves product definitions.
type Catalog interface {
	GetProduct(ctx context.Context, productID string) (*catalog.Product, error)
}

// DefaultStackTimeout bounds a single stack deploy or removal.
const DefaultStackTimeout = 10 * time.Minute

// ProductConfig tunes the product orchestrator.
type ProductConfig struct {
	StackTimeout    time.Duration
	ContinueOnError bool
}

// DefaultProductConfig returns the orchestrator defaults.
func DefaultProductConfig() ProductConfig {
	return ProductConfig{
		StackTimeout:    DefaultStackTimeout,
		ContinueOnError: true,
	}
}

// =============================================================================
// ProductService
// =============================================================================

// ProductService orchestrates multi-stack product deployments. Stacks of one
// product run strictly one at a time; a started sequence is not cancelled by
// the caller's context.
type ProductService struct {
	store     store.Store
	stacks    *StackService
	catalog   Catalog
	publisher progress.Publisher
	locks     *Locks
	config    ProductConfig
	logger    *slog.Logger
}

// NewProductService creates the product orchestrator.
func NewProductService(
	s store.Store,
	stacks *StackService,
	cat Catalog,
	publisher progress.Publisher,
	locks *Locks,
	cfg ProductConfig,
	logger *slog.Logger,
) *ProductService {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = progress.Noop{}
	}
	if locks == nil {
		locks = NewLocks()
	}
	if cfg.StackTimeout <= 0 {
		cfg.StackTimeout = DefaultStackTimeout
	}
	return &ProductService{
		store:     s,
		stacks:    stacks,
		catalog:   cat,
		publisher: publisher,
		locks:     locks,
		config:    cfg,
		logger:    logger.With("component", "product_service"),
	}
}

// Locks returns the aggregate lock table shared with background workers.
func (s *ProductService) Locks() *Locks {
	return s.locks
}

// =============================================================================
// Deploy
// =============================================================================

// Deploy installs every stack of a catalog product in ascending order.
// Stack failures are reported in the result, not as an error.
func (s *ProductService) Deploy(ctx context.Context, req DeployProductRequest) (*ProductOperationResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)
	ctx, span := tracer.Start(ctx, "deploy.ProductService.Deploy")
	defer span.End()
	span.SetAttributes(
		attribute.String("environment_id", req.EnvironmentID),
		attribute.String("product_id", req.ProductID),
	)

	product, err := s.catalog.GetProduct(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}

	groupID := req.ProductGroupID
	if groupID == "" {
		groupID = product.Group
	}
	if groupID == "" {
		groupID = product.ID
	}
	continueOnError := s.config.ContinueOnError
	if req.ContinueOnError != nil {
		continueOnError = *req.ContinueOnError
	}

	pd, err := domain.NewProductDeployment(domain.ProductParams{
		ID:              uuid.New().String(),
		EnvironmentID:   req.EnvironmentID,
		ProductGroupID:  groupID,
		ProductID:       product.ID,
		ProductName:     product.Name,
		ProductVersion:  product.Version,
		UserID:          req.UserID,
		Stacks:          stackSpecs(product, req.SharedVariables, req.StackVariables, nil),
		SharedVariables: req.SharedVariables,
		ContinueOnError: continueOnError,
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("product_deployment_id", pd.ID))

	unlock := s.locks.Lock(pd.ID)
	defer unlock()

	if err := s.create(ctx, pd); err != nil {
		return nil, err
	}

	s.logger.Info("deploying product",
		"product_deployment_id", pd.ID,
		"product_id", pd.ProductID,
		"environment_id", pd.EnvironmentID,
		"stacks", pd.TotalStacks,
		"continue_on_error", pd.ContinueOnError,
	)
	s.publisher.Publish(req.SessionID, progress.PhaseStarting, "deploying "+pd.ProductName, 0)

	results, aborted, err := s.runSequence(ctx, pd, product, ActionDeploy, req.UserID, req.SessionID, false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sequence failed")
		return nil, err
	}
	return s.finish(ctx, "deploy", pd, results, aborted, req.SessionID)
}

// create stores a new product deployment. The check for an active product of
// the same group and the insert run under one group lock.
func (s *ProductService) create(ctx context.Context, pd *domain.ProductDeployment) error {
	unlock := s.locks.Lock(groupLockKey(pd.EnvironmentID, pd.ProductGroupID))
	defer unlock()

	if err := s.ensureNoActiveProduct(ctx, pd.EnvironmentID, pd.ProductGroupID); err != nil {
		return err
	}
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.CreateProductDeployment(ctx, pd); err != nil {
			return err
		}
		return tx.AppendEvents(ctx, pd.PendingEvents())
	})
	if err != nil {
		return err
	}
	pd.PullEvents()
	return nil
}

func groupLockKey(environmentID, groupID string) string {
	return "group:" + environmentID + "/" + groupID
}

func (s *ProductService) ensureNoActiveProduct(ctx context.Context, environmentID, groupID string) error {
	existing, err := s.store.ListProductDeployments(ctx, store.ProductFilter{
		EnvironmentID:  environmentID,
		ProductGroupID: groupID,
	}, store.ListOptions{Limit: 1000})
	if err != nil {
		return err
	}
	for _, p := range existing {
		if p.Status != domain.ProductStatusRemoved {
			return domain.NewDomainError("DeployProduct", p.ID,
				"product group "+groupID+" is already deployed in environment "+environmentID,
				domain.ErrActiveDeploymentExists)
		}
	}
	return nil
}

// =============================================================================
// Upgrade / Rollback
// =============================================================================

// Upgrade moves a settled product deployment to the target catalog product.
// Stack variables layer catalog defaults, the values already deployed, the
// shared variables and the request overrides. Stacks the target no longer
// declares are removed after the upgrade sequence.
func (s *ProductService) Upgrade(ctx context.Context, req UpgradeProductRequest) (*ProductOperationResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)
	ctx, span := tracer.Start(ctx, "deploy.ProductService.Upgrade")
	defer span.End()
	span.SetAttributes(attribute.String("product_deployment_id", req.ProductDeploymentID))

	unlock := s.locks.Lock(req.ProductDeploymentID)
	defer unlock()

	pd, err := s.store.GetProductDeployment(ctx, req.ProductDeploymentID)
	if err != nil {
		return nil, err
	}

	targetID := req.TargetProductID
	if targetID == "" {
		targetID = pd.ProductID
	}
	product, err := s.catalog.GetProduct(ctx, targetID)
	if err != nil {
		return nil, err
	}

	existing := make(map[string]map[string]string, len(pd.Stacks))
	for _, st := range pd.Stacks {
		existing[st.StackName] = st.Variables
	}
	shared := deployment.MergeVariables(pd.SharedVariables, req.SharedVariables)

	dropped, err := pd.StartUpgrade(domain.ProductTarget{
		ProductID:       product.ID,
		ProductVersion:  product.Version,
		Stacks:          stackSpecs(product, shared, req.StackVariables, existing),
		SharedVariables: shared,
	})
	if err != nil {
		return nil, err
	}
	if err := s.persist(ctx, pd); err != nil {
		return nil, err
	}

	s.logger.Info("upgrading product",
		"product_deployment_id", pd.ID,
		"to_version", pd.ProductVersion,
		"stacks", pd.TotalStacks,
		"dropped", len(dropped),
	)
	s.publisher.Publish(req.SessionID, progress.PhaseStarting, "upgrading "+pd.ProductName+" to "+pd.ProductVersion, 0)

	results, aborted, err := s.runSequence(ctx, pd, product, ActionUpgrade, req.UserID, req.SessionID, false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sequence failed")
		return nil, err
	}
	results = append(results, s.removeDropped(ctx, dropped)...)
	return s.finish(ctx, "upgrade", pd, results, aborted, req.SessionID)
}

// Rollback re-runs the upgrade sequence against the pre-upgrade snapshot of
// a product whose upgrade did not fully succeed.
func (s *ProductService) Rollback(ctx context.Context, req RollbackProductRequest) (*ProductOperationResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)
	ctx, span := tracer.Start(ctx, "deploy.ProductService.Rollback")
	defer span.End()
	span.SetAttributes(attribute.String("product_deployment_id", req.ProductDeploymentID))

	unlock := s.locks.Lock(req.ProductDeploymentID)
	defer unlock()

	pd, err := s.store.GetProductDeployment(ctx, req.ProductDeploymentID)
	if err != nil {
		return nil, err
	}
	if !pd.CanRollback() {
		return nil, domain.NewDomainError("RollbackProduct", pd.ID, "no pending upgrade snapshot", domain.ErrNoRollbackAvailable)
	}
	product, err := s.catalog.GetProduct(ctx, pd.PendingUpgrade.ProductID)
	if err != nil {
		return nil, err
	}

	snapshot, dropped, err := pd.StartRollback()
	if err != nil {
		return nil, err
	}
	if err := s.persist(ctx, pd); err != nil {
		return nil, err
	}

	s.logger.Info("rolling back product",
		"product_deployment_id", pd.ID,
		"to_version", snapshot.ProductVersion,
		"dropped", len(dropped),
	)
	s.publisher.Publish(req.SessionID, progress.PhaseStarting, "rolling back "+pd.ProductName+" to "+snapshot.ProductVersion, 0)

	results, aborted, err := s.runSequence(ctx, pd, product, ActionUpgrade, req.UserID, req.SessionID, true)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sequence failed")
		return nil, err
	}
	results = append(results, s.removeDropped(ctx, dropped)...)
	return s.finish(ctx, "rollback", pd, results, aborted, req.SessionID)
}

// =============================================================================
// Remove
// =============================================================================

// Remove removes every stack deployment in descending order. Individual
// failures are recorded; the product always ends removed.
func (s *ProductService) Remove(ctx context.Context, req RemoveProductRequest) (*ProductOperationResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)
	ctx, span := tracer.Start(ctx, "deploy.ProductService.Remove")
	defer span.End()
	span.SetAttributes(attribute.String("product_deployment_id", req.ProductDeploymentID))

	unlock := s.locks.Lock(req.ProductDeploymentID)
	defer unlock()

	pd, err := s.store.GetProductDeployment(ctx, req.ProductDeploymentID)
	if err != nil {
		return nil, err
	}
	toRemove, err := pd.StartRemoval()
	if err != nil {
		return nil, err
	}
	if err := s.persist(ctx, pd); err != nil {
		return nil, err
	}

	s.logger.Info("removing product", "product_deployment_id", pd.ID, "stacks", len(toRemove))
	s.publisher.Publish(req.SessionID, progress.PhaseStarting, "removing "+pd.ProductName, 0)

	results := make([]StackResult, 0, len(toRemove))
	for i, st := range toRemove {
		s.publisher.Publish(req.SessionID, progress.PhaseStack, "removing "+st.StackName, percent(i, len(toRemove)))

		err := s.removeStack(ctx, st.DeploymentID)
		res := StackResult{StackName: st.StackName, DeploymentID: st.DeploymentID, Action: ActionRemove, Success: err == nil}
		if err != nil {
			res.Error = err.Error()
			s.publisher.Publish(req.SessionID, progress.PhaseStackError, st.StackName+": "+err.Error(), percent(i+1, len(toRemove)))
			s.logger.Warn("stack removal failed", "product_deployment_id", pd.ID, "stack_name", st.StackName, "error", err)
			err = pd.MarkStackRemovalFailed(st.StackName, err.Error())
		} else {
			s.publisher.Publish(req.SessionID, progress.PhaseStackDone, st.StackName+" removed", percent(i+1, len(toRemove)))
			err = pd.MarkStackRemoved(st.StackName)
		}
		if err != nil {
			return nil, err
		}
		if err := s.persist(ctx, pd); err != nil {
			return nil, err
		}
		results = append(results, res)
	}

	if err := pd.CompleteRemoval(); err != nil {
		return nil, err
	}
	if err := s.persist(ctx, pd); err != nil {
		return nil, err
	}

	result := newResult("remove", pd, results)
	productOperations.WithLabelValues("remove", string(pd.Status)).Inc()
	s.publisher.Publish(req.SessionID, progress.PhaseCompleted, pd.ProductName+" removed", 100)
	s.logger.Info("product removed", "product_deployment_id", pd.ID, "error", pd.ErrorMessage)
	return result, nil
}

// =============================================================================
// Queries
// =============================================================================

// Get returns a product deployment.
func (s *ProductService) Get(ctx context.Context, id string) (*domain.ProductDeployment, error) {
	return s.store.GetProductDeployment(ctx, id)
}

// List returns product deployments matching filter.
func (s *ProductService) List(ctx context.Context, filter store.ProductFilter, opts store.ListOptions) ([]domain.ProductDeployment, error) {
	return s.store.ListProductDeployments(ctx, filter, opts)
}

// =============================================================================
// Sequence
// =============================================================================

// runSequence deploys the product's stack entries in ascending order. It
// returns aborted when a failure stopped a strict-mode sequence early.
func (s *ProductService) runSequence(
	ctx context.Context,
	pd *domain.ProductDeployment,
	product *catalog.Product,
	action, userID, sessionID string,
	rollback bool,
) ([]StackResult, bool, error) {
	entries := pd.StacksInDeployOrder()
	results := make([]StackResult, 0, len(entries))

	for i, entry := range entries {
		s.publisher.Publish(sessionID, progress.PhaseStack,
			"deploying "+entry.StackName+" ("+strconv.Itoa(i+1)+"/"+strconv.Itoa(len(entries))+")",
			percent(i, len(entries)))

		if err := pd.BeginStack(entry.StackName); err != nil {
			return nil, false, err
		}
		if err := s.persist(ctx, pd); err != nil {
			return nil, false, err
		}

		d, err := s.deployStack(ctx, pd, product, entry, userID, rollback)
		res := StackResult{
			StackName:      entry.StackName,
			Action:         action,
			IsNewInUpgrade: entry.IsNewInUpgrade,
		}
		if d != nil {
			res.DeploymentID = d.ID
		}

		if err != nil {
			res.Error = err.Error()
			if ferr := pd.FailStack(entry.StackName, res.DeploymentID, err.Error()); ferr != nil {
				return nil, false, ferr
			}
			s.publisher.Publish(sessionID, progress.PhaseStackError, entry.StackName+": "+err.Error(), percent(i+1, len(entries)))
			s.logger.Warn("stack failed",
				"product_deployment_id", pd.ID,
				"stack_name", entry.StackName,
				"error", err,
			)
		} else {
			res.Success = true
			res.ServiceCount = len(d.Services)
			if cerr := pd.CompleteStack(entry.StackName, d.ID, len(d.Services)); cerr != nil {
				return nil, false, cerr
			}
			s.publisher.Publish(sessionID, progress.PhaseStackDone, entry.StackName+" running", percent(i+1, len(entries)))
		}
		if perr := s.persist(ctx, pd); perr != nil {
			return nil, false, perr
		}
		results = append(results, res)

		if err != nil && !pd.ContinueOnError {
			return results, true, nil
		}
	}
	return results, false, nil
}

func (s *ProductService) deployStack(
	ctx context.Context,
	pd *domain.ProductDeployment,
	product *catalog.Product,
	entry domain.ProductStack,
	userID string,
	rollback bool,
) (*domain.Deployment, error) {
	cs, ok := product.Stack(entry.StackName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStackNotInCatalog, entry.StackName)
	}

	stackCtx, cancel := context.WithTimeout(ctx, s.config.StackTimeout)
	defer cancel()

	stackCtx, span := tracer.Start(stackCtx, "deploy.ProductService.stack")
	defer span.End()
	span.SetAttributes(attribute.String("stack_name", entry.StackName))

	d, err := s.stacks.Deploy(stackCtx, StackDeployRequest{
		EnvironmentID: pd.EnvironmentID,
		StackID:       entry.StackID,
		StackName:     entry.StackName,
		StackVersion:  entry.StackVersion,
		ProductName:   pd.ProductName,
		UserID:        userID,
		Manifest:      cs.Manifest,
		Variables:     entry.Variables,
		Mode:          stackMode(pd, entry),
		DeploymentID:  entry.DeploymentID,
		Rollback:      rollback,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stack deploy failed")
		if errors.Is(stackCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("stack %s timed out after %s: %w", entry.StackName, s.config.StackTimeout, err)
		}
	}
	return d, err
}

// stackMode allows an in-place upgrade only for an entry that already
// references its own deployment. Fresh deploys and stacks new in an upgrade
// must install, so another product's stack is never taken over.
func stackMode(pd *domain.ProductDeployment, entry domain.ProductStack) deployment.StackMode {
	if pd.Status != domain.ProductStatusUpgrading || entry.IsNewInUpgrade || entry.DeploymentID == "" {
		return deployment.ModeInstall
	}
	return deployment.ModeUpgrade
}

// removeDropped removes, best-effort, the deployments of stacks an upgrade
// no longer declares. dropped is already in descending order.
func (s *ProductService) removeDropped(ctx context.Context, dropped []domain.ProductStack) []StackResult {
	var results []StackResult
	for _, st := range dropped {
		if st.DeploymentID == "" {
			continue
		}
		err := s.removeStack(ctx, st.DeploymentID)
		res := StackResult{StackName: st.StackName, DeploymentID: st.DeploymentID, Action: ActionRemove, Success: err == nil}
		if err != nil {
			res.Error = err.Error()
			s.logger.Warn("failed to remove dropped stack", "stack_name", st.StackName, "deployment_id", st.DeploymentID, "error", err)
		}
		results = append(results, res)
	}
	return results
}

func (s *ProductService) removeStack(ctx context.Context, deploymentID string) error {
	stackCtx, cancel := context.WithTimeout(ctx, s.config.StackTimeout)
	defer cancel()
	err := s.stacks.Remove(stackCtx, deploymentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

func (s *ProductService) finish(
	ctx context.Context,
	op string,
	pd *domain.ProductDeployment,
	results []StackResult,
	aborted bool,
	sessionID string,
) (*ProductOperationResult, error) {
	if err := pd.FinishDeployment(aborted); err != nil {
		return nil, err
	}
	if err := s.persist(ctx, pd); err != nil {
		return nil, err
	}

	result := newResult(op, pd, results)
	productOperations.WithLabelValues(op, string(pd.Status)).Inc()

	phase := progress.PhaseCompleted
	if !result.Success {
		phase = progress.PhaseFailed
	}
	s.publisher.Publish(sessionID, phase, pd.ProductName+" "+string(pd.Status), 100)

	s.logger.Info("product operation finished",
		"product_deployment_id", pd.ID,
		"operation", op,
		"status", pd.Status,
		"completed", pd.CompletedStacks,
		"failed", pd.FailedStacks,
		"aborted", aborted,
	)
	return result, nil
}

// persist writes the product and its queued events in one transaction.
func (s *ProductService) persist(ctx context.Context, pd *domain.ProductDeployment) error {
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.UpdateProductDeployment(ctx, pd); err != nil {
			return err
		}
		return tx.AppendEvents(ctx, pd.PendingEvents())
	})
	if err != nil {
		return err
	}
	pd.PullEvents()
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// stackSpecs builds the stack entries for a catalog product. existing holds
// the previously deployed variables per stack; stacks absent from it get no
// carry-over.
func stackSpecs(
	product *catalog.Product,
	shared map[string]string,
	overrides map[string]map[string]string,
	existing map[string]map[string]string,
) []domain.StackSpec {
	specs := make([]domain.StackSpec, 0, len(product.Stacks))
	for _, st := range product.Stacks {
		version := st.Version
		if version == "" {
			version = product.Version
		}
		stackID := st.ID
		if stackID == "" {
			stackID = product.ID + "/" + st.Name
		}
		specs = append(specs, domain.StackSpec{
			Order:        st.Order,
			StackID:      stackID,
			StackName:    st.Name,
			StackVersion: version,
			Variables: deployment.MergeVariables(
				product.Defaults(st.Name),
				existing[st.Name],
				shared,
				overrides[st.Name],
			),
		})
	}
	return specs
}

func percent(done, total int) int {
	if total == 0 {
		return 100
	}
	return done * 100 / total
}
