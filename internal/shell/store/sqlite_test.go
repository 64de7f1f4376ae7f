package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/artpar/stackpilot/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func newTestDeployment(t *testing.T, id, stackName string) *domain.Deployment {
	t.Helper()
	d, err := domain.StartInstallation(domain.InstallationParams{
		ID:            id,
		EnvironmentID: "env-1",
		StackID:       "stack-" + stackName,
		StackName:     stackName,
		UserID:        "user-1",
		StackVersion:  "1.0.0",
		Variables:     map[string]string{"DOMAIN": "example.com"},
	})
	require.NoError(t, err)
	return d
}

func createTestDeployment(t *testing.T, s Store, id, stackName string) *domain.Deployment {
	t.Helper()
	d := newTestDeployment(t, id, stackName)
	require.NoError(t, s.CreateDeployment(context.Background(), d))
	return d
}

func newTestProduct(t *testing.T, id string) *domain.ProductDeployment {
	t.Helper()
	p, err := domain.NewProductDeployment(domain.ProductParams{
		ID:             id,
		EnvironmentID:  "env-1",
		ProductID:      "shop",
		ProductName:    "Shop",
		ProductVersion: "1.0.0",
		UserID:         "user-1",
		Stacks: []domain.StackSpec{
			{Order: 1, StackID: "s-db", StackName: "db", StackVersion: "16"},
			{Order: 2, StackID: "s-api", StackName: "api", StackVersion: "1.0.0"},
		},
		SharedVariables: map[string]string{"DOMAIN": "shop.example.com"},
		ContinueOnError: true,
	})
	require.NoError(t, err)
	return p
}

// =============================================================================
// Deployment Tests
// =============================================================================

func TestCreateDeployment_Success(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	d := newTestDeployment(t, "dep-1", "api")
	require.NoError(t, d.AddService("web", "nginx:1.25", "running"))
	require.NoError(t, s.CreateDeployment(ctx, d))
	assert.Equal(t, 1, d.Version)

	got, err := s.GetDeployment(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, "env-1", got.EnvironmentID)
	assert.Equal(t, "api", got.StackName)
	assert.Equal(t, domain.StatusInstalling, got.Status)
	assert.Equal(t, domain.OperationModeNormal, got.OperationMode)
	assert.Equal(t, "1.0.0", got.TargetVersion)
	assert.Equal(t, map[string]string{"DOMAIN": "example.com"}, got.Variables)
	require.Len(t, got.Services, 1)
	assert.Equal(t, "nginx:1.25", got.Services[0].Image)
	assert.WithinDuration(t, d.CreatedAt, got.CreatedAt, time.Microsecond)
	assert.Nil(t, got.CompletedAt)
	assert.Empty(t, got.PendingEvents())
}

func TestCreateDeployment_DuplicateID(t *testing.T) {
	s := setupTestStore(t)
	createTestDeployment(t, s, "dep-1", "api")

	dup := newTestDeployment(t, "dep-1", "worker")
	err := s.CreateDeployment(context.Background(), dup)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestCreateDeployment_ActiveStackExists(t *testing.T) {
	s := setupTestStore(t)
	createTestDeployment(t, s, "dep-1", "api")

	err := s.CreateDeployment(context.Background(), newTestDeployment(t, "dep-2", "api"))
	assert.ErrorIs(t, err, domain.ErrActiveDeploymentExists)
}

func TestCreateDeployment_RemovedStackFreesName(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	d := createTestDeployment(t, s, "dep-1", "api")
	require.NoError(t, d.MarkAsRemoved())
	require.NoError(t, s.UpdateDeployment(ctx, d))

	require.NoError(t, s.CreateDeployment(ctx, newTestDeployment(t, "dep-2", "api")))

	active, err := s.GetActiveDeployment(ctx, "env-1", "api")
	require.NoError(t, err)
	assert.Equal(t, "dep-2", active.ID)
}

func TestGetDeployment_NotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetDeployment(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	var storeErr *StoreError
	require.True(t, errors.As(err, &storeErr))
	assert.Equal(t, "GetDeployment", storeErr.Op)
}

func TestGetActiveDeployment_NotFound(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.GetActiveDeployment(context.Background(), "env-1", "api")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateDeployment_Success(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	d := createTestDeployment(t, s, "dep-1", "api")
	require.NoError(t, d.MarkAsRunning())
	require.NoError(t, s.UpdateDeployment(ctx, d))
	assert.Equal(t, 2, d.Version)

	got, err := s.GetDeployment(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.Equal(t, "1.0.0", got.StackVersion)
	assert.Equal(t, 2, got.Version)
	require.NotNil(t, got.CompletedAt)
}

func TestUpdateDeployment_VersionConflict(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	createTestDeployment(t, s, "dep-1", "api")

	first, err := s.GetDeployment(ctx, "dep-1")
	require.NoError(t, err)
	second, err := s.GetDeployment(ctx, "dep-1")
	require.NoError(t, err)

	require.NoError(t, first.MarkAsRunning())
	require.NoError(t, s.UpdateDeployment(ctx, first))

	require.NoError(t, second.MarkAsFailed("boom"))
	err = s.UpdateDeployment(ctx, second)
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, 1, second.Version)

	got, err := s.GetDeployment(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
}

func TestUpdateDeployment_NotFound(t *testing.T) {
	s := setupTestStore(t)
	d := newTestDeployment(t, "ghost", "api")
	d.Version = 1

	err := s.UpdateDeployment(context.Background(), d)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeployment_PendingUpgradeRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	d := createTestDeployment(t, s, "dep-1", "api")
	require.NoError(t, d.AddService("web", "nginx:1.25", "running"))
	require.NoError(t, d.MarkAsRunning())
	require.NoError(t, s.UpdateDeployment(ctx, d))

	require.NoError(t, d.StartUpgrade("2.0.0", map[string]string{"DOMAIN": "new.example.com"}))
	require.NoError(t, s.UpdateDeployment(ctx, d))

	got, err := s.GetDeployment(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUpgrading, got.Status)
	assert.Equal(t, "2.0.0", got.TargetVersion)
	require.NotNil(t, got.PendingUpgrade)
	assert.Equal(t, "1.0.0", got.PendingUpgrade.StackVersion)
	assert.Equal(t, "example.com", got.PendingUpgrade.Variables["DOMAIN"])
	require.Len(t, got.PendingUpgrade.Services, 1)

	require.NoError(t, got.MarkAsFailed("health check timeout"))
	assert.True(t, got.CanRollback())
}

func TestDeployment_MaintenanceModeRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	d := createTestDeployment(t, s, "dep-1", "api")
	require.NoError(t, d.MarkAsRunning())
	require.NoError(t, d.EnterMaintenance("patching"))
	require.NoError(t, s.UpdateDeployment(ctx, d))

	got, err := s.GetDeployment(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OperationModeMaintenance, got.OperationMode)
}

func TestDeployment_LegacyOperationModeMapped(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	createTestDeployment(t, s, "dep-1", "api")

	_, err := s.db.Exec(`UPDATE deployments SET operation_mode = 'migrating' WHERE id = ?`, "dep-1")
	require.NoError(t, err)

	got, err := s.GetDeployment(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OperationModeMaintenance, got.OperationMode)
}

func TestListDeployments_Filters(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	createTestDeployment(t, s, "dep-1", "api")
	running := createTestDeployment(t, s, "dep-2", "db")
	require.NoError(t, running.MarkAsRunning())
	require.NoError(t, s.UpdateDeployment(ctx, running))
	removed := createTestDeployment(t, s, "dep-3", "cache")
	require.NoError(t, removed.MarkAsRemoved())
	require.NoError(t, s.UpdateDeployment(ctx, removed))

	all, err := s.ListDeployments(ctx, DeploymentFilter{}, DefaultListOptions())
	require.NoError(t, err)
	assert.Len(t, all, 2)

	withRemoved, err := s.ListDeployments(ctx, DeploymentFilter{IncludeRemoved: true}, DefaultListOptions())
	require.NoError(t, err)
	assert.Len(t, withRemoved, 3)

	onlyRunning, err := s.ListDeployments(ctx, DeploymentFilter{Statuses: []domain.DeploymentStatus{domain.StatusRunning}}, DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, onlyRunning, 1)
	assert.Equal(t, "dep-2", onlyRunning[0].ID)

	byStack, err := s.ListDeployments(ctx, DeploymentFilter{EnvironmentID: "env-1", StackName: "api"}, DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, byStack, 1)
	assert.Equal(t, "dep-1", byStack[0].ID)
}

func TestListDeployments_WithPagination(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		createTestDeployment(t, s, "dep-"+name, name)
	}

	page, err := s.ListDeployments(ctx, DeploymentFilter{}, ListOptions{Limit: 2, Offset: 0})
	require.NoError(t, err)
	assert.Len(t, page, 2)

	last, err := s.ListDeployments(ctx, DeploymentFilter{}, ListOptions{Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Len(t, last, 1)

	empty, err := s.ListDeployments(ctx, DeploymentFilter{}, ListOptions{Limit: 2, Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestListOptions_Normalize(t *testing.T) {
	tests := []struct {
		name     string
		input    ListOptions
		expected ListOptions
	}{
		{"zero limit", ListOptions{Limit: 0}, ListOptions{Limit: 100}},
		{"negative offset", ListOptions{Limit: 10, Offset: -1}, ListOptions{Limit: 10}},
		{"limit capped", ListOptions{Limit: 5000, Offset: 3}, ListOptions{Limit: 1000, Offset: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.input.Normalize())
		})
	}
}

// =============================================================================
// Product Deployment Tests
// =============================================================================

func TestProductDeployment_CreateAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := newTestProduct(t, "prod-1")
	require.NoError(t, s.CreateProductDeployment(ctx, p))
	assert.Equal(t, 1, p.Version)

	got, err := s.GetProductDeployment(ctx, "prod-1")
	require.NoError(t, err)
	assert.Equal(t, "Shop", got.ProductGroupID)
	assert.Equal(t, domain.ProductStatusDeploying, got.Status)
	assert.True(t, got.ContinueOnError)
	assert.Equal(t, 2, got.TotalStacks)
	require.Len(t, got.Stacks, 2)
	assert.Equal(t, "db", got.Stacks[0].StackName)
	assert.Equal(t, domain.StackStatusPending, got.Stacks[1].Status)
	assert.Equal(t, "shop.example.com", got.SharedVariables["DOMAIN"])
}

func TestProductDeployment_DuplicateID(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateProductDeployment(ctx, newTestProduct(t, "prod-1")))

	err := s.CreateProductDeployment(ctx, newTestProduct(t, "prod-1"))
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestProductDeployment_UpdateAndConflict(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := newTestProduct(t, "prod-1")
	require.NoError(t, s.CreateProductDeployment(ctx, p))
	stale, err := s.GetProductDeployment(ctx, "prod-1")
	require.NoError(t, err)

	require.NoError(t, p.BeginStack("db"))
	require.NoError(t, p.CompleteStack("db", "dep-db", 1))
	require.NoError(t, p.BeginStack("api"))
	require.NoError(t, p.FailStack("api", "dep-api", "image pull failed"))
	require.NoError(t, p.FinishDeployment(false))
	require.NoError(t, s.UpdateProductDeployment(ctx, p))

	got, err := s.GetProductDeployment(ctx, "prod-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ProductStatusPartiallyRunning, got.Status)
	assert.Equal(t, 1, got.CompletedStacks)
	assert.Equal(t, 1, got.FailedStacks)
	api, ok := got.Stack("api")
	require.True(t, ok)
	assert.Equal(t, "image pull failed", api.ErrorMessage)
	require.NotNil(t, got.CompletedAt)

	_, err = stale.StartRemoval()
	require.NoError(t, err)
	err = s.UpdateProductDeployment(ctx, stale)
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestListProductDeployments_Filters(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateProductDeployment(ctx, newTestProduct(t, "prod-1")))
	other := newTestProduct(t, "prod-2")
	other.EnvironmentID = "env-2"
	require.NoError(t, s.CreateProductDeployment(ctx, other))

	all, err := s.ListProductDeployments(ctx, ProductFilter{}, DefaultListOptions())
	require.NoError(t, err)
	assert.Len(t, all, 2)

	env2, err := s.ListProductDeployments(ctx, ProductFilter{EnvironmentID: "env-2"}, DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, env2, 1)
	assert.Equal(t, "prod-2", env2[0].ID)

	deploying, err := s.ListProductDeployments(ctx, ProductFilter{Statuses: []domain.ProductStatus{domain.ProductStatusDeploying}}, DefaultListOptions())
	require.NoError(t, err)
	assert.Len(t, deploying, 2)
}

// =============================================================================
// Health Snapshot Tests
// =============================================================================

func captureTestSnapshot(t *testing.T, id, deploymentID string, overall domain.HealthStatus, at time.Time) domain.HealthSnapshot {
	t.Helper()
	snap, err := domain.CaptureHealthSnapshot(domain.CaptureParams{
		ID:            id,
		EnvironmentID: "env-1",
		DeploymentID:  deploymentID,
		StackName:     "api",
		Self: domain.NewSelfHealth([]domain.ServiceHealth{
			{Name: "web", Status: overall},
		}),
		CapturedAt: at,
	})
	require.NoError(t, err)
	return snap
}

func TestHealthSnapshots_LatestWins(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	older := captureTestSnapshot(t, "snap-1", "dep-1", domain.HealthStatusHealthy, base)
	newer := captureTestSnapshot(t, "snap-2", "dep-1", domain.HealthStatusUnhealthy, base.Add(time.Minute))
	require.NoError(t, s.SaveHealthSnapshot(ctx, &newer))
	require.NoError(t, s.SaveHealthSnapshot(ctx, &older))

	latest, err := s.GetLatestHealthSnapshot(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, "snap-2", latest.ID)
	assert.Equal(t, domain.HealthStatusUnhealthy, latest.Overall)
	assert.Equal(t, domain.OperationModeNormal, latest.OperationMode)
	require.Len(t, latest.Self.Services, 1)
	assert.True(t, latest.CapturedAt.Equal(base.Add(time.Minute)))

	history, err := s.ListHealthSnapshots(ctx, "dep-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "snap-2", history[0].ID)
	assert.Equal(t, "snap-1", history[1].ID)
}

func TestHealthSnapshots_SameInstantUsesInsertOrder(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	first := captureTestSnapshot(t, "snap-1", "dep-1", domain.HealthStatusHealthy, at)
	second := captureTestSnapshot(t, "snap-2", "dep-1", domain.HealthStatusDegraded, at)
	require.NoError(t, s.SaveHealthSnapshot(ctx, &first))
	require.NoError(t, s.SaveHealthSnapshot(ctx, &second))

	latest, err := s.GetLatestHealthSnapshot(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, "snap-2", latest.ID)
}

func TestHealthSnapshots_BusAndInfraRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	snap, err := domain.CaptureHealthSnapshot(domain.CaptureParams{
		ID:            "snap-1",
		DeploymentID:  "dep-1",
		OperationMode: domain.OperationModeMaintenance,
		Self:          domain.NewSelfHealth([]domain.ServiceHealth{{Name: "web", Status: domain.HealthStatusHealthy}}),
		Bus:           &domain.BusHealth{Status: domain.HealthStatusHealthy, Checks: map[string]domain.HealthStatus{"nats": domain.HealthStatusHealthy}},
		Infra:         &domain.InfraHealth{Status: domain.HealthStatusDegraded, Message: "disk 85%"},
	})
	require.NoError(t, err)
	require.NoError(t, s.SaveHealthSnapshot(ctx, &snap))

	got, err := s.GetLatestHealthSnapshot(ctx, "dep-1")
	require.NoError(t, err)
	require.NotNil(t, got.Bus)
	require.NotNil(t, got.Infra)
	assert.Equal(t, domain.HealthStatusHealthy, got.Bus.Checks["nats"])
	assert.Equal(t, "disk 85%", got.Infra.Message)
	assert.Equal(t, snap.Overall, got.Overall)
}

func TestHealthSnapshots_NotFound(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.GetLatestHealthSnapshot(context.Background(), "dep-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPruneHealthSnapshots(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"snap-1", "snap-2", "snap-3"} {
		snap := captureTestSnapshot(t, id, "dep-1", domain.HealthStatusHealthy, base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, s.SaveHealthSnapshot(ctx, &snap))
	}

	n, err := s.PruneHealthSnapshots(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	remaining, err := s.ListHealthSnapshots(ctx, "dep-1", 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "snap-3", remaining[0].ID)
}

func TestHealthSnapshots_UnknownOverallIsInvalid(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	snap := captureTestSnapshot(t, "snap-1", "dep-1", domain.HealthStatusHealthy, time.Now())
	snap.Overall = "green"
	require.NoError(t, s.SaveHealthSnapshot(ctx, &snap))

	_, err := s.GetLatestHealthSnapshot(ctx, "dep-1")
	assert.ErrorIs(t, err, ErrInvalidData)
}

// =============================================================================
// Event Log Tests
// =============================================================================

func TestAppendAndListEvents(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	d := newTestDeployment(t, "dep-1", "api")
	require.NoError(t, d.MarkAsRunning())
	require.NoError(t, s.AppendEvents(ctx, d.PullEvents()))

	events, err := s.ListEvents(ctx, "dep-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventDeploymentStarted, events[0].Type)
	assert.Equal(t, domain.EventDeploymentCompleted, events[1].Type)
	assert.Equal(t, "api", events[0].Attributes["stack_name"])
	assert.False(t, events[0].OccurredAt.IsZero())

	other, err := s.ListEvents(ctx, "dep-2", 0)
	require.NoError(t, err)
	assert.Empty(t, other)
}

// =============================================================================
// Transaction Tests
// =============================================================================

func TestWithTx_CommitSuccess(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx Store) error {
		d := newTestDeployment(t, "dep-1", "api")
		if err := tx.CreateDeployment(ctx, d); err != nil {
			return err
		}
		return tx.AppendEvents(ctx, d.PullEvents())
	})
	require.NoError(t, err)

	_, err = s.GetDeployment(ctx, "dep-1")
	assert.NoError(t, err)
	events, err := s.ListEvents(ctx, "dep-1", 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestWithTx_RollbackOnError(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx Store) error {
		if err := tx.CreateDeployment(ctx, newTestDeployment(t, "dep-1", "api")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetDeployment(ctx, "dep-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWithTx_Nested(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx Store) error {
		return tx.WithTx(ctx, func(inner Store) error {
			return inner.CreateDeployment(ctx, newTestDeployment(t, "dep-1", "api"))
		})
	})
	require.NoError(t, err)

	got, err := s.GetActiveDeployment(ctx, "env-1", "api")
	require.NoError(t, err)
	assert.Equal(t, "dep-1", got.ID)
}
