// Package monitoring provides pure functions for deployment health logic.
// It performs no I/O.
package monitoring

import (
	"strconv"

	"github.com/artpar/stackpilot/internal/core/domain"
)

// RestartThreshold is the restart count above which a running container is degraded.
const RestartThreshold = 3

// ContainerState is what the runtime reports about one service container.
type ContainerState struct {
	ServiceName  string
	ContainerID  string
	State        string  // running, exited, restarting, paused, created, dead
	HealthCheck  *string // Docker health check result if configured (healthy, unhealthy, starting)
	RestartCount int
}

// =============================================================================
// Health Determination (Pure Functions)
// =============================================================================

func determine(status string, healthCheck *string, restarts int) (domain.HealthStatus, string) {
	if status != "running" {
		return domain.HealthStatusUnhealthy, "container is " + orUnknown(status)
	}
	if healthCheck != nil && *healthCheck == "unhealthy" {
		return domain.HealthStatusUnhealthy, "health check failing"
	}
	if restarts > RestartThreshold {
		return domain.HealthStatusDegraded, "restarted " + strconv.Itoa(restarts) + " times"
	}
	if healthCheck != nil && *healthCheck == "starting" {
		return domain.HealthStatusDegraded, "health check starting"
	}
	return domain.HealthStatusHealthy, ""
}

// DetermineServiceHealth builds the ServiceHealth value for one container.
func DetermineServiceHealth(c ContainerState) domain.ServiceHealth {
	status, reason := determine(c.State, c.HealthCheck, c.RestartCount)
	return domain.ServiceHealth{
		Name:           c.ServiceName,
		ContainerID:    c.ContainerID,
		Status:         status,
		ContainerState: c.State,
		RestartCount:   c.RestartCount,
		Reason:         reason,
	}
}

// DetermineServicesHealth maps every container, preserving order.
func DetermineServicesHealth(containers []ContainerState) []domain.ServiceHealth {
	out := make([]domain.ServiceHealth, 0, len(containers))
	for _, c := range containers {
		out = append(out, DetermineServiceHealth(c))
	}
	return out
}

// MissingServices returns services that are expected but have no container,
// reported as unhealthy.
func MissingServices(expected []string, observed []domain.ServiceHealth) []domain.ServiceHealth {
	seen := make(map[string]bool, len(observed))
	for _, o := range observed {
		seen[o.Name] = true
	}
	var missing []domain.ServiceHealth
	for _, name := range expected {
		if !seen[name] {
			missing = append(missing, domain.ServiceHealth{
				Name:           name,
				Status:         domain.HealthStatusUnhealthy,
				ContainerState: "missing",
				Reason:         "no container found",
			})
		}
	}
	return missing
}

// IsStackDown reports whether a stack counts as down for product reconciliation:
// its deployment is not running or its latest snapshot is unhealthy. A
// deployment in maintenance is not down.
func IsStackDown(status domain.DeploymentStatus, snapshot *domain.HealthSnapshot) bool {
	if status != domain.StatusRunning {
		return true
	}
	if snapshot == nil {
		return false
	}
	return snapshot.Overall == domain.HealthStatusUnhealthy
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// =============================================================================
// Service Transitions (Pure Functions)
// =============================================================================

// ServiceTransition is a notable change of one service between two captures.
type ServiceTransition struct {
	Service string
	Event   domain.ContainerEventType
	From    domain.HealthStatus
	To      domain.HealthStatus
	Message string
}

// CompareServices reports what changed between the services of two
// consecutive snapshots, in current order. A service absent from previous
// counts as created.
func CompareServices(previous, current []domain.ServiceHealth) []ServiceTransition {
	before := make(map[string]domain.ServiceHealth, len(previous))
	for _, p := range previous {
		before[p.Name] = p
	}

	var out []ServiceTransition
	add := func(svc domain.ServiceHealth, from domain.HealthStatus, ev domain.ContainerEventType) {
		out = append(out, ServiceTransition{
			Service: svc.Name,
			Event:   ev,
			From:    from,
			To:      svc.Status,
			Message: ContainerEventMessage(ev, svc.Name),
		})
	}

	for _, cur := range current {
		prev, ok := before[cur.Name]
		if !ok {
			add(cur, domain.HealthStatusUnknown, domain.ContainerEventCreated)
			continue
		}
		wasRunning := prev.ContainerState == "running"
		isRunning := cur.ContainerState == "running"
		switch {
		case wasRunning && !isRunning && (cur.ContainerState == "dead" || cur.ContainerState == "missing"):
			add(cur, prev.Status, domain.ContainerEventDied)
		case wasRunning && !isRunning:
			add(cur, prev.Status, domain.ContainerEventStopped)
		case !wasRunning && isRunning:
			add(cur, prev.Status, domain.ContainerEventStarted)
		case cur.RestartCount > prev.RestartCount:
			add(cur, prev.Status, domain.ContainerEventRestarted)
		}
		if ev, ok := HealthChangeEvent(prev.Status, cur.Status); ok {
			add(cur, prev.Status, ev)
		}
	}
	return out
}

// ContainerEventMessage generates a human-readable message for container events.
func ContainerEventMessage(eventType domain.ContainerEventType, containerName string) string {
	switch eventType {
	case domain.ContainerEventCreated:
		return "Container " + containerName + " created"
	case domain.ContainerEventStarted:
		return "Container " + containerName + " started successfully"
	case domain.ContainerEventStopped:
		return "Container " + containerName + " stopped"
	case domain.ContainerEventRestarted:
		return "Container " + containerName + " restarted"
	case domain.ContainerEventDied:
		return "Container " + containerName + " died unexpectedly"
	case domain.ContainerEventUnhealthy:
		return "Container " + containerName + " health check failed"
	case domain.ContainerEventHealthy:
		return "Container " + containerName + " health check passed"
	default:
		return "Container " + containerName + " event: " + string(eventType)
	}
}

// HealthChangeEvent returns the container event implied by a health change,
// or false when nothing notable happened.
func HealthChangeEvent(previous, current domain.HealthStatus) (domain.ContainerEventType, bool) {
	if previous == current {
		return "", false
	}
	switch current {
	case domain.HealthStatusUnhealthy:
		return domain.ContainerEventUnhealthy, true
	case domain.HealthStatusHealthy:
		return domain.ContainerEventHealthy, true
	}
	return "", false
}
