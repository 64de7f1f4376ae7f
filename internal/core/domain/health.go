// Package domain contains the core domain types for stackpilot.
package domain

import "strings"

// =============================================================================
// Health Status
// =============================================================================

// HealthStatus is the health judgment for a service, a stack or a product.
// The set is closed; behaviour lives in healthStatusTable.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusUnknown   HealthStatus = "unknown"
)

type healthStatusInfo struct {
	severity int
}

// Unknown ranks between degraded and unhealthy.
var healthStatusTable = map[HealthStatus]healthStatusInfo{
	HealthStatusHealthy:   {severity: 0},
	HealthStatusDegraded:  {severity: 1},
	HealthStatusUnknown:   {severity: 2},
	HealthStatusUnhealthy: {severity: 3},
}

// ParseHealthStatus parses a health status name, case-insensitively.
func ParseHealthStatus(s string) (HealthStatus, error) {
	status := HealthStatus(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := healthStatusTable[status]; !ok {
		return "", ErrUnknownHealthStatus
	}
	return status, nil
}

// IsValid reports whether s is one of the four known statuses.
func (s HealthStatus) IsValid() bool {
	_, ok := healthStatusTable[s]
	return ok
}

// Severity returns the rank used for combination. Invalid values rank as unknown.
func (s HealthStatus) Severity() int {
	if info, ok := healthStatusTable[s]; ok {
		return info.severity
	}
	return healthStatusTable[HealthStatusUnknown].severity
}

// CombineWith returns the more severe of the two statuses.
func (s HealthStatus) CombineWith(other HealthStatus) HealthStatus {
	if !s.IsValid() {
		s = HealthStatusUnknown
	}
	if !other.IsValid() {
		other = HealthStatusUnknown
	}
	if other.Severity() > s.Severity() {
		return other
	}
	return s
}

// IsWorseThan reports whether s is strictly more severe than other.
func (s HealthStatus) IsWorseThan(other HealthStatus) bool {
	return s.Severity() > other.Severity()
}

// RequiresAttention reports whether the status signals a problem an operator
// should look at. Unknown calls for a fresh capture, not attention.
func (s HealthStatus) RequiresAttention() bool {
	return s == HealthStatusDegraded || s == HealthStatusUnhealthy
}

// AggregateHealth folds a collection of statuses. Empty yields unknown.
func AggregateHealth(statuses []HealthStatus) HealthStatus {
	if len(statuses) == 0 {
		return HealthStatusUnknown
	}
	result := statuses[0]
	if !result.IsValid() {
		result = HealthStatusUnknown
	}
	for _, s := range statuses[1:] {
		result = result.CombineWith(s)
	}
	return result
}

// =============================================================================
// Operation Mode
// =============================================================================

// OperationMode is the availability sub-state of a running deployment.
type OperationMode string

const (
	OperationModeNormal      OperationMode = "normal"
	OperationModeMaintenance OperationMode = "maintenance"
)

type operationModeInfo struct {
	minimumHealth HealthStatus
	transitions   []OperationMode
}

var operationModeTable = map[OperationMode]operationModeInfo{
	OperationModeNormal: {
		minimumHealth: HealthStatusHealthy,
		transitions:   []OperationMode{OperationModeMaintenance},
	},
	OperationModeMaintenance: {
		minimumHealth: HealthStatusDegraded,
		transitions:   []OperationMode{OperationModeNormal},
	},
}

// legacyOperationModes maps the retired five-mode names found in older
// snapshots onto the two-mode model.
var legacyOperationModes = map[string]OperationMode{
	"migrating": OperationModeMaintenance,
	"stopped":   OperationModeMaintenance,
	"failed":    OperationModeMaintenance,
}

// ParseOperationMode parses a mode name. Legacy names are accepted and mapped.
func ParseOperationMode(s string) (OperationMode, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	mode := OperationMode(name)
	if _, ok := operationModeTable[mode]; ok {
		return mode, nil
	}
	if mapped, ok := legacyOperationModes[name]; ok {
		return mapped, nil
	}
	return "", ErrUnknownOperationMode
}

// IsValid reports whether m is a known mode.
func (m OperationMode) IsValid() bool {
	_, ok := operationModeTable[m]
	return ok
}

// MinimumHealthStatus is the best health a deployment in this mode can report.
func (m OperationMode) MinimumHealthStatus() HealthStatus {
	if info, ok := operationModeTable[m]; ok {
		return info.minimumHealth
	}
	return HealthStatusUnknown
}

// CanTransitionTo reports whether moving from m to next is legal.
func (m OperationMode) CanTransitionTo(next OperationMode) bool {
	info, ok := operationModeTable[m]
	if !ok {
		return false
	}
	for _, t := range info.transitions {
		if t == next {
			return true
		}
	}
	return false
}
