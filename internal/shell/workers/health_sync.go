// Package workers contains background workers for stackpilot.
package workers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/artpar/stackpilot/internal/core/domain"
	"github.com/artpar/stackpilot/internal/core/monitoring"
	"github.com/artpar/stackpilot/internal/shell/deploy"
	"github.com/artpar/stackpilot/internal/shell/store"
)

var (
	syncCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stackpilot_health_sync_cycles_total",
		Help: "Completed health sync cycles",
	})

	syncCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stackpilot_health_sync_cycle_duration_seconds",
		Help:    "Duration of health sync cycles",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60},
	})

	productsReconciled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stackpilot_products_reconciled_total",
		Help: "Product status changes applied by health sync",
	}, []string{"status"})
)

// HealthSyncConfig configures the health sync worker.
type HealthSyncConfig struct {
	// InitialDelay is the wait before the first cycle.
	// Default: 20 seconds.
	InitialDelay time.Duration

	// Interval is the time between cycles.
	// Default: 60 seconds.
	Interval time.Duration

	// CaptureTimeout bounds the health capture of one stack.
	// Default: 15 seconds.
	CaptureTimeout time.Duration

	// MaxConcurrent is the maximum number of products synced concurrently.
	// Default: 5.
	MaxConcurrent int

	// SnapshotMaxAge prunes older snapshots each cycle. Zero keeps everything.
	SnapshotMaxAge time.Duration
}

// DefaultHealthSyncConfig returns the default configuration.
func DefaultHealthSyncConfig() HealthSyncConfig {
	return HealthSyncConfig{
		InitialDelay:   20 * time.Second,
		Interval:       60 * time.Second,
		CaptureTimeout: 15 * time.Second,
		MaxConcurrent:  5,
	}
}

// HealthCapturer captures a health snapshot for a deployment.
type HealthCapturer interface {
	Capture(ctx context.Context, deploymentID string) (*domain.HealthSnapshot, error)
}

// CycleStats summarizes one sync cycle.
type CycleStats struct {
	Products int
	Changed  int
	Skipped  int
}

// HealthSync periodically captures stack health and reconciles the status of
// settled products between running and partially running. Products with an
// orchestrator operation in flight are skipped for the cycle.
type HealthSync struct {
	store  store.Store
	health HealthCapturer
	locks  *deploy.Locks
	config HealthSyncConfig
	logger *slog.Logger

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthSync creates a new health sync worker.
func NewHealthSync(
	s store.Store,
	health HealthCapturer,
	locks *deploy.Locks,
	config HealthSyncConfig,
	logger *slog.Logger,
) *HealthSync {
	defaults := DefaultHealthSyncConfig()
	if config.InitialDelay == 0 {
		config.InitialDelay = defaults.InitialDelay
	}
	if config.Interval == 0 {
		config.Interval = defaults.Interval
	}
	if config.CaptureTimeout == 0 {
		config.CaptureTimeout = defaults.CaptureTimeout
	}
	if config.MaxConcurrent == 0 {
		config.MaxConcurrent = defaults.MaxConcurrent
	}
	if locks == nil {
		locks = deploy.NewLocks()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &HealthSync{
		store:  s,
		health: health,
		locks:  locks,
		config: config,
		logger: logger.With("component", "health_sync"),
	}
}

// Start begins the background loop.
func (h *HealthSync) Start() {
	h.ctx, h.cancel = context.WithCancel(context.Background())

	h.wg.Add(1)
	go h.run()

	h.logger.Info("health sync started",
		"initial_delay", h.config.InitialDelay,
		"interval", h.config.Interval,
		"max_concurrent", h.config.MaxConcurrent,
	)
}

// Stop cancels the loop and waits for an in-progress cycle to finish.
func (h *HealthSync) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
	h.logger.Info("health sync stopped")
}

func (h *HealthSync) run() {
	defer h.wg.Done()

	delay := time.NewTimer(h.config.InitialDelay)
	defer delay.Stop()
	select {
	case <-h.ctx.Done():
		return
	case <-delay.C:
	}

	h.runCycle()

	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.runCycle()
		}
	}
}

func (h *HealthSync) runCycle() {
	ctx, cancel := context.WithTimeout(h.ctx, h.config.Interval)
	defer cancel()

	if _, err := h.SyncNow(ctx); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Error("health sync cycle failed", "error", err)
	}
}

// SyncNow runs one cycle immediately.
func (h *HealthSync) SyncNow(ctx context.Context) (CycleStats, error) {
	start := time.Now()
	var stats CycleStats

	products, err := h.store.ListProductDeployments(ctx, store.ProductFilter{
		Statuses: []domain.ProductStatus{domain.ProductStatusRunning, domain.ProductStatusPartiallyRunning},
	}, store.ListOptions{Limit: 1000})
	if err != nil {
		return stats, err
	}
	stats.Products = len(products)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.config.MaxConcurrent)
	for i := range products {
		id := products[i].ID
		g.Go(func() error {
			changed, skipped := h.syncProduct(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if changed {
				stats.Changed++
			}
			if skipped {
				stats.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()

	if h.config.SnapshotMaxAge > 0 {
		if n, err := h.store.PruneHealthSnapshots(ctx, time.Now().Add(-h.config.SnapshotMaxAge)); err != nil {
			h.logger.Warn("failed to prune health snapshots", "error", err)
		} else if n > 0 {
			h.logger.Debug("pruned health snapshots", "count", n)
		}
	}

	syncCycles.Inc()
	syncCycleDuration.Observe(time.Since(start).Seconds())
	h.logger.Debug("completed health sync cycle",
		"products", stats.Products,
		"changed", stats.Changed,
		"skipped", stats.Skipped,
	)
	return stats, ctx.Err()
}

// syncProduct observes every stack of one product and applies the result.
func (h *HealthSync) syncProduct(ctx context.Context, productID string) (changed, skipped bool) {
	unlock, ok := h.locks.TryLock(productID)
	if !ok {
		h.logger.Debug("product busy, skipping", "product_deployment_id", productID)
		return false, true
	}
	defer unlock()

	logger := h.logger.With("product_deployment_id", productID)

	// Reload under the lock; the listed copy may predate an orchestrator run.
	pd, err := h.store.GetProductDeployment(ctx, productID)
	if err != nil {
		logger.Warn("failed to load product", "error", err)
		return false, true
	}
	if pd.Status != domain.ProductStatusRunning && pd.Status != domain.ProductStatusPartiallyRunning {
		return false, true
	}

	observed := make(map[string]bool, len(pd.Stacks))
	for _, st := range pd.Stacks {
		if st.DeploymentID == "" {
			// Never deployed: known to be down.
			observed[st.StackName] = false
			continue
		}
		up, known := h.observeStack(ctx, st.DeploymentID)
		if !known {
			logger.Debug("stack health unknown, leaving as is", "stack_name", st.StackName)
			continue
		}
		observed[st.StackName] = up
	}

	from := pd.Status
	if !pd.Reconcile(observed) {
		return false, false
	}

	err = h.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.UpdateProductDeployment(ctx, pd); err != nil {
			return err
		}
		return tx.AppendEvents(ctx, pd.PendingEvents())
	})
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			logger.Info("product changed during sync, skipping until next cycle")
			return false, true
		}
		logger.Error("failed to update product", "error", err)
		return false, true
	}
	pd.PullEvents()

	if from != pd.Status {
		productsReconciled.WithLabelValues(string(pd.Status)).Inc()
		logger.Info("product status reconciled", "from", from, "to", pd.Status)
	}
	return true, false
}

// observeStack reports whether a stack is up. known is false when its health
// could not be determined.
func (h *HealthSync) observeStack(ctx context.Context, deploymentID string) (up, known bool) {
	d, err := h.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		h.logger.Warn("failed to load deployment", "deployment_id", deploymentID, "error", err)
		return false, false
	}
	if d.Status != domain.StatusRunning {
		return false, true
	}

	captureCtx, cancel := context.WithTimeout(ctx, h.config.CaptureTimeout)
	defer cancel()
	snapshot, err := h.health.Capture(captureCtx, deploymentID)
	if err != nil {
		h.logger.Warn("failed to capture health", "deployment_id", deploymentID, "error", err)
		return false, false
	}
	return !monitoring.IsStackDown(d.Status, snapshot), true
}
