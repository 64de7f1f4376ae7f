package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allHealthStatuses = []HealthStatus{
	HealthStatusHealthy,
	HealthStatusDegraded,
	HealthStatusUnhealthy,
	HealthStatusUnknown,
}

// =============================================================================
// Health Algebra Tests
// =============================================================================

func TestCombineWith_Commutative(t *testing.T) {
	for _, a := range allHealthStatuses {
		for _, b := range allHealthStatuses {
			assert.Equal(t, a.CombineWith(b), b.CombineWith(a), "%s ⊕ %s", a, b)
		}
	}
}

func TestCombineWith_Idempotent(t *testing.T) {
	for _, a := range allHealthStatuses {
		assert.Equal(t, a, a.CombineWith(a))
	}
}

func TestCombineWith_Associative(t *testing.T) {
	for _, a := range allHealthStatuses {
		for _, b := range allHealthStatuses {
			for _, c := range allHealthStatuses {
				assert.Equal(t, a.CombineWith(b).CombineWith(c), a.CombineWith(b.CombineWith(c)))
			}
		}
	}
}

func TestCombineWith_Severity(t *testing.T) {
	tests := []struct {
		a, b, want HealthStatus
	}{
		{HealthStatusHealthy, HealthStatusDegraded, HealthStatusDegraded},
		{HealthStatusHealthy, HealthStatusUnknown, HealthStatusUnknown},
		{HealthStatusDegraded, HealthStatusUnknown, HealthStatusUnknown},
		{HealthStatusUnknown, HealthStatusUnhealthy, HealthStatusUnhealthy},
		{HealthStatusDegraded, HealthStatusUnhealthy, HealthStatusUnhealthy},
		{HealthStatus("bogus"), HealthStatusHealthy, HealthStatusUnknown},
	}
	for _, tt := range tests {
		t.Run(string(tt.a)+"+"+string(tt.b), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.CombineWith(tt.b))
		})
	}
}

func TestAggregateHealth_EmptyIsUnknown(t *testing.T) {
	assert.Equal(t, HealthStatusUnknown, AggregateHealth(nil))
}

func TestAggregateHealth_Singleton(t *testing.T) {
	for _, s := range allHealthStatuses {
		assert.Equal(t, s, AggregateHealth([]HealthStatus{s}))
	}
}

func TestAggregateHealth_Mixed(t *testing.T) {
	got := AggregateHealth([]HealthStatus{HealthStatusHealthy, HealthStatusDegraded, HealthStatusHealthy})
	assert.Equal(t, HealthStatusDegraded, got)

	got = AggregateHealth([]HealthStatus{HealthStatusHealthy, HealthStatusUnhealthy, HealthStatusUnknown})
	assert.Equal(t, HealthStatusUnhealthy, got)
}

func TestHealthStatus_Behaviour(t *testing.T) {
	assert.True(t, HealthStatusUnhealthy.IsWorseThan(HealthStatusUnknown))
	assert.False(t, HealthStatusHealthy.IsWorseThan(HealthStatusHealthy))
	assert.True(t, HealthStatusDegraded.RequiresAttention())
	assert.True(t, HealthStatusUnhealthy.RequiresAttention())
	assert.False(t, HealthStatusUnknown.RequiresAttention())
}

func TestParseHealthStatus(t *testing.T) {
	s, err := ParseHealthStatus(" Healthy ")
	require.NoError(t, err)
	assert.Equal(t, HealthStatusHealthy, s)

	_, err = ParseHealthStatus("green")
	assert.ErrorIs(t, err, ErrUnknownHealthStatus)
}

// =============================================================================
// Operation Mode Tests
// =============================================================================

func TestOperationMode_Table(t *testing.T) {
	assert.Equal(t, HealthStatusHealthy, OperationModeNormal.MinimumHealthStatus())
	assert.Equal(t, HealthStatusDegraded, OperationModeMaintenance.MinimumHealthStatus())
	assert.True(t, OperationModeNormal.CanTransitionTo(OperationModeMaintenance))
	assert.True(t, OperationModeMaintenance.CanTransitionTo(OperationModeNormal))
	assert.False(t, OperationModeNormal.CanTransitionTo(OperationModeNormal))
	assert.False(t, OperationMode("x").CanTransitionTo(OperationModeNormal))
}

func TestParseOperationMode_Legacy(t *testing.T) {
	tests := []struct {
		in   string
		want OperationMode
	}{
		{"normal", OperationModeNormal},
		{"MAINTENANCE", OperationModeMaintenance},
		{"migrating", OperationModeMaintenance},
		{"stopped", OperationModeMaintenance},
		{"failed", OperationModeMaintenance},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseOperationMode(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseOperationMode("paused")
	assert.ErrorIs(t, err, ErrUnknownOperationMode)
}

// =============================================================================
// Snapshot Tests
// =============================================================================

func healthyServices() []ServiceHealth {
	return []ServiceHealth{
		{Name: "web", Status: HealthStatusHealthy, ContainerState: "running"},
		{Name: "db", Status: HealthStatusHealthy, ContainerState: "running"},
	}
}

func TestCaptureHealthSnapshot_MaintenanceFloor(t *testing.T) {
	snap, err := CaptureHealthSnapshot(CaptureParams{
		ID:            "snap-1",
		DeploymentID:  "dep-1",
		OperationMode: OperationModeMaintenance,
		Self:          NewSelfHealth(healthyServices()),
	})
	require.NoError(t, err)

	assert.Equal(t, HealthStatusHealthy, snap.Self.Status)
	assert.Equal(t, HealthStatusDegraded, snap.Overall)
	assert.True(t, snap.RequiresAttention())
}

func TestCaptureHealthSnapshot_AllHealthyNormal(t *testing.T) {
	snap, err := CaptureHealthSnapshot(CaptureParams{
		ID:           "snap-1",
		DeploymentID: "dep-1",
		Self:         NewSelfHealth(healthyServices()),
	})
	require.NoError(t, err)

	assert.Equal(t, OperationModeNormal, snap.OperationMode)
	assert.Equal(t, HealthStatusHealthy, snap.Overall)
	assert.Equal(t, 2, snap.Self.HealthyCount)
	assert.Equal(t, 2, snap.Self.TotalCount)
	assert.False(t, snap.RequiresAttention())
}

func TestCaptureHealthSnapshot_BusAndInfra(t *testing.T) {
	snap, err := CaptureHealthSnapshot(CaptureParams{
		ID:           "snap-1",
		DeploymentID: "dep-1",
		Self:         NewSelfHealth(healthyServices()),
		Bus:          &BusHealth{Status: HealthStatusUnknown},
		Infra:        &InfraHealth{Status: HealthStatusHealthy, Checks: map[string]HealthStatus{"disk": HealthStatusHealthy}},
	})
	require.NoError(t, err)
	assert.Equal(t, HealthStatusUnknown, snap.Overall)
	assert.Equal(t, HealthStatusHealthy, snap.Infra.Checks["disk"])
}

func TestCaptureHealthSnapshot_NoServicesIsUnknown(t *testing.T) {
	snap, err := CaptureHealthSnapshot(CaptureParams{ID: "s", DeploymentID: "d", Self: NewSelfHealth(nil)})
	require.NoError(t, err)
	assert.Equal(t, HealthStatusUnknown, snap.Overall)
}

func TestCaptureHealthSnapshot_OwnsServices(t *testing.T) {
	self := NewSelfHealth(healthyServices())
	snap, err := CaptureHealthSnapshot(CaptureParams{ID: "s", DeploymentID: "d", Self: self})
	require.NoError(t, err)

	self.Services[0].Status = HealthStatusUnhealthy
	self.Services[0].Name = "changed"

	assert.Equal(t, "web", snap.Self.Services[0].Name)
	assert.Equal(t, HealthStatusHealthy, snap.Self.Services[0].Status)
}

func TestCaptureHealthSnapshot_MissingIDs(t *testing.T) {
	_, err := CaptureHealthSnapshot(CaptureParams{DeploymentID: "d"})
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = CaptureHealthSnapshot(CaptureParams{ID: "s"})
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestHealthSnapshot_AgeAndStaleness(t *testing.T) {
	captured := time.Now().Add(-10 * time.Minute)
	snap, err := CaptureHealthSnapshot(CaptureParams{ID: "s", DeploymentID: "d", CapturedAt: captured})
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, snap.Age(captured.Add(10*time.Minute)))
	assert.True(t, snap.IsStale(5*time.Minute))
	assert.False(t, snap.IsStale(time.Hour))
}
