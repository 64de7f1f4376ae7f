package domain

import (
	"strings"
	"time"
)

// =============================================================================
// Health Components
// =============================================================================

// ServiceHealth is the health of one service container as observed by the runtime.
type ServiceHealth struct {
	Name           string       `json:"name"`
	ContainerID    string       `json:"container_id,omitempty"`
	Status         HealthStatus `json:"status"`
	ContainerState string       `json:"container_state,omitempty"` // running, exited, restarting, ...
	RestartCount   int          `json:"restart_count"`
	Reason         string       `json:"reason,omitempty"`
}

// SelfHealth is the health of the deployment's own services.
type SelfHealth struct {
	Status       HealthStatus    `json:"status"`
	Services     []ServiceHealth `json:"services"`
	HealthyCount int             `json:"healthy_count"`
	TotalCount   int             `json:"total_count"`
}

// NewSelfHealth folds service statuses. No services yields unknown.
func NewSelfHealth(services []ServiceHealth) SelfHealth {
	statuses := make([]HealthStatus, 0, len(services))
	healthy := 0
	for _, s := range services {
		statuses = append(statuses, s.Status)
		if s.Status == HealthStatusHealthy {
			healthy++
		}
	}
	out := make([]ServiceHealth, len(services))
	copy(out, services)
	return SelfHealth{
		Status:       AggregateHealth(statuses),
		Services:     out,
		HealthyCount: healthy,
		TotalCount:   len(services),
	}
}

// BusHealth is the health of the messaging dependency, when one is wired.
type BusHealth struct {
	Status  HealthStatus            `json:"status"`
	Message string                  `json:"message,omitempty"`
	Checks  map[string]HealthStatus `json:"checks,omitempty"`
}

// InfraHealth is the health of shared infrastructure (host, volumes, network).
type InfraHealth struct {
	Status  HealthStatus            `json:"status"`
	Message string                  `json:"message,omitempty"`
	Checks  map[string]HealthStatus `json:"checks,omitempty"`
}

// =============================================================================
// Health Snapshot
// =============================================================================

// HealthSnapshot is an immutable point-in-time health record of a deployment.
// Build one with CaptureHealthSnapshot.
type HealthSnapshot struct {
	ID             string        `json:"id"`
	OrganizationID string        `json:"organization_id,omitempty"`
	EnvironmentID  string        `json:"environment_id"`
	DeploymentID   string        `json:"deployment_id"`
	StackName      string        `json:"stack_name"`
	OperationMode  OperationMode `json:"operation_mode"`
	CurrentVersion string        `json:"current_version,omitempty"`
	TargetVersion  string        `json:"target_version,omitempty"`
	Overall        HealthStatus  `json:"overall"`
	Self           SelfHealth    `json:"self"`
	Bus            *BusHealth    `json:"bus,omitempty"`
	Infra          *InfraHealth  `json:"infra,omitempty"`
	CapturedAt     time.Time     `json:"captured_at"`
}

// CaptureParams are the inputs for CaptureHealthSnapshot.
type CaptureParams struct {
	ID             string
	OrganizationID string
	EnvironmentID  string
	DeploymentID   string
	StackName      string
	OperationMode  OperationMode
	CurrentVersion string
	TargetVersion  string
	Self           SelfHealth
	Bus            *BusHealth
	Infra          *InfraHealth
	CapturedAt     time.Time // zero means now
}

// CaptureHealthSnapshot computes the overall status and freezes the snapshot.
// Overall combines self, bus and infra health with the floor implied by the
// operation mode, so a deployment in maintenance never reports healthy.
func CaptureHealthSnapshot(p CaptureParams) (HealthSnapshot, error) {
	if strings.TrimSpace(p.ID) == "" {
		return HealthSnapshot{}, NewDomainError("CaptureHealthSnapshot", "", "id is required", ErrMissingField)
	}
	if strings.TrimSpace(p.DeploymentID) == "" {
		return HealthSnapshot{}, NewDomainError("CaptureHealthSnapshot", p.ID, "deployment id is required", ErrMissingField)
	}

	mode := p.OperationMode
	if mode == "" {
		mode = OperationModeNormal
	}

	parts := []HealthStatus{p.Self.Status, mode.MinimumHealthStatus()}
	if p.Bus != nil {
		parts = append(parts, p.Bus.Status)
	}
	if p.Infra != nil {
		parts = append(parts, p.Infra.Status)
	}

	capturedAt := p.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}

	return HealthSnapshot{
		ID:             p.ID,
		OrganizationID: p.OrganizationID,
		EnvironmentID:  p.EnvironmentID,
		DeploymentID:   p.DeploymentID,
		StackName:      p.StackName,
		OperationMode:  mode,
		CurrentVersion: p.CurrentVersion,
		TargetVersion:  p.TargetVersion,
		Overall:        AggregateHealth(parts),
		Self:           copySelf(p.Self),
		Bus:            copyBus(p.Bus),
		Infra:          copyInfra(p.Infra),
		CapturedAt:     capturedAt.UTC(),
	}, nil
}

// Age returns how old the snapshot is at now.
func (s HealthSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.CapturedAt)
}

// IsStale reports whether the snapshot is older than maxAge.
func (s HealthSnapshot) IsStale(maxAge time.Duration) bool {
	return s.Age(time.Now()) > maxAge
}

// RequiresAttention reports whether the overall status is degraded or unhealthy.
func (s HealthSnapshot) RequiresAttention() bool {
	return s.Overall.RequiresAttention()
}

func copySelf(s SelfHealth) SelfHealth {
	out := s
	if s.Services != nil {
		out.Services = make([]ServiceHealth, len(s.Services))
		copy(out.Services, s.Services)
	}
	return out
}

func copyBus(b *BusHealth) *BusHealth {
	if b == nil {
		return nil
	}
	out := *b
	out.Checks = copyChecks(b.Checks)
	return &out
}

func copyInfra(i *InfraHealth) *InfraHealth {
	if i == nil {
		return nil
	}
	out := *i
	out.Checks = copyChecks(i.Checks)
	return &out
}

func copyChecks(in map[string]HealthStatus) map[string]HealthStatus {
	if in == nil {
		return nil
	}
	out := make(map[string]HealthStatus, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// =============================================================================
// Container Events
// =============================================================================

// ContainerEventType is a container lifecycle event observed by the runtime.
type ContainerEventType string

const (
	ContainerEventCreated   ContainerEventType = "container_created"
	ContainerEventStarted   ContainerEventType = "container_started"
	ContainerEventStopped   ContainerEventType = "container_stopped"
	ContainerEventRestarted ContainerEventType = "container_restarted"
	ContainerEventDied      ContainerEventType = "container_died"
	ContainerEventUnhealthy ContainerEventType = "health_unhealthy"
	ContainerEventHealthy   ContainerEventType = "health_healthy"
)
