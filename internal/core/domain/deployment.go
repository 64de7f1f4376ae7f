package domain

import (
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// Deployment Status
// =============================================================================

type DeploymentStatus string

const (
	StatusInstalling DeploymentStatus = "installing"
	StatusUpgrading  DeploymentStatus = "upgrading"
	StatusRunning    DeploymentStatus = "running"
	StatusFailed     DeploymentStatus = "failed"
	StatusRemoved    DeploymentStatus = "removed"
)

// IsTerminal reports whether no further mutation is allowed.
func (s DeploymentStatus) IsTerminal() bool {
	return s == StatusRemoved
}

// IsInProgress reports whether an install or upgrade is underway.
func (s DeploymentStatus) IsInProgress() bool {
	return s == StatusInstalling || s == StatusUpgrading
}

// ServiceStatusRemoved is the status given to every service on removal.
const ServiceStatusRemoved = "removed"

// =============================================================================
// Deployed Service
// =============================================================================

// DeployedService is one container of a deployed stack.
type DeployedService struct {
	Name          string `json:"name"`
	ContainerID   string `json:"container_id,omitempty"`
	ContainerName string `json:"container_name,omitempty"`
	Image         string `json:"image"`
	Status        string `json:"status"`
	RestartCount  int    `json:"restart_count"`
}

// UpgradeSnapshot is the pre-upgrade state kept for rollback.
type UpgradeSnapshot struct {
	StackVersion string            `json:"stack_version"`
	Variables    map[string]string `json:"variables,omitempty"`
	Services     []DeployedService `json:"services,omitempty"`
	CapturedAt   time.Time         `json:"captured_at"`
}

// =============================================================================
// Deployment
// =============================================================================

// Deployment is the lifecycle record of one deployed stack in one environment.
type Deployment struct {
	outbox

	ID             string            `json:"id"`
	EnvironmentID  string            `json:"environment_id"`
	StackID        string            `json:"stack_id"`
	StackName      string            `json:"stack_name"`
	ProductName    string            `json:"product_name,omitempty"`
	CreatedBy      string            `json:"created_by,omitempty"`
	Status         DeploymentStatus  `json:"status"`
	OperationMode  OperationMode     `json:"operation_mode"`
	Services       []DeployedService `json:"services,omitempty"`
	StackVersion   string            `json:"stack_version,omitempty"`
	TargetVersion  string            `json:"target_version,omitempty"`
	Variables      map[string]string `json:"variables,omitempty"`
	PendingUpgrade *UpgradeSnapshot  `json:"pending_upgrade,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	Version        int               `json:"version"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	RemovedAt      *time.Time        `json:"removed_at,omitempty"`
}

// InstallationParams are the inputs for StartInstallation.
type InstallationParams struct {
	ID            string
	EnvironmentID string
	StackID       string
	StackName     string
	ProductName   string
	UserID        string
	StackVersion  string
	Variables     map[string]string
}

// StartInstallation creates a new deployment in the installing state.
// Uniqueness per (environment, stack name) is checked by the caller against
// the store, which also enforces it with a unique index.
func StartInstallation(p InstallationParams) (*Deployment, error) {
	switch {
	case strings.TrimSpace(p.ID) == "":
		return nil, NewDomainError("StartInstallation", "", "id is required", ErrMissingField)
	case strings.TrimSpace(p.EnvironmentID) == "":
		return nil, NewDomainError("StartInstallation", p.ID, "environment id is required", ErrMissingField)
	case strings.TrimSpace(p.StackID) == "":
		return nil, NewDomainError("StartInstallation", p.ID, "stack id is required", ErrMissingField)
	case strings.TrimSpace(p.StackName) == "":
		return nil, NewDomainError("StartInstallation", p.ID, "stack name is required", ErrMissingField)
	}

	now := time.Now().UTC()
	d := &Deployment{
		ID:            p.ID,
		EnvironmentID: p.EnvironmentID,
		StackID:       p.StackID,
		StackName:     p.StackName,
		ProductName:   p.ProductName,
		CreatedBy:     p.UserID,
		Status:        StatusInstalling,
		OperationMode: OperationModeNormal,
		TargetVersion: p.StackVersion,
		Variables:     copyVariables(p.Variables),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	d.record(NewEvent(EventDeploymentStarted, d.ID, map[string]string{
		"stack_name":     d.StackName,
		"environment_id": d.EnvironmentID,
	}))
	return d, nil
}

// IsActive reports whether the deployment counts toward the one-active-per-stack rule.
func (d *Deployment) IsActive() bool {
	return d.Status != StatusRemoved
}

// =============================================================================
// State Machine
// =============================================================================

// validTransitions defines the allowed status transitions. Operation mode
// changes happen inside running and are not listed here.
var validTransitions = map[DeploymentStatus][]DeploymentStatus{
	StatusInstalling: {StatusRunning, StatusFailed, StatusRemoved},
	StatusUpgrading:  {StatusRunning, StatusFailed, StatusRemoved},
	StatusRunning:    {StatusUpgrading, StatusRemoved},
	StatusFailed:     {StatusUpgrading, StatusRemoved},
	StatusRemoved:    {}, // Terminal state
}

// ValidateTransition checks if a status transition is valid.
func ValidateTransition(from, to DeploymentStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return ErrInvalidTransition
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return ErrInvalidTransition
}

func (d *Deployment) transition(op string, to DeploymentStatus) error {
	if d.Status == StatusRemoved {
		return NewDomainError(op, d.ID, "deployment is removed", ErrDeploymentRemoved)
	}
	if err := ValidateTransition(d.Status, to); err != nil {
		return NewDomainError(op, d.ID, "cannot move from "+string(d.Status)+" to "+string(to), err)
	}
	d.Status = to
	d.UpdatedAt = time.Now().UTC()
	return nil
}

// StartUpgrade moves a running or failed deployment to upgrading and keeps a
// snapshot of the current state for rollback.
func (d *Deployment) StartUpgrade(targetVersion string, variables map[string]string) error {
	prev := d.Status
	if err := d.transition("StartUpgrade", StatusUpgrading); err != nil {
		return err
	}

	// A failed upgrade keeps its snapshot; retrying must not overwrite the
	// last known good state with the failed one.
	if !(prev == StatusFailed && d.PendingUpgrade != nil) {
		d.PendingUpgrade = &UpgradeSnapshot{
			StackVersion: d.StackVersion,
			Variables:    copyVariables(d.Variables),
			Services:     copyServices(d.Services),
			CapturedAt:   d.UpdatedAt,
		}
	}

	d.TargetVersion = targetVersion
	d.Variables = copyVariables(variables)
	d.OperationMode = OperationModeNormal
	d.ErrorMessage = ""
	d.record(NewEvent(EventUpgradeStarted, d.ID, map[string]string{
		"from_version": d.StackVersion,
		"to_version":   targetVersion,
	}))
	return nil
}

// MarkAsRunning completes an install or upgrade.
func (d *Deployment) MarkAsRunning() error {
	if err := d.transition("MarkAsRunning", StatusRunning); err != nil {
		return err
	}
	now := d.UpdatedAt
	d.OperationMode = OperationModeNormal
	if d.TargetVersion != "" {
		d.StackVersion = d.TargetVersion
	}
	d.PendingUpgrade = nil
	d.ErrorMessage = ""
	d.CompletedAt = &now
	d.record(NewEvent(EventDeploymentCompleted, d.ID, map[string]string{
		"stack_version": d.StackVersion,
		"services":      strconv.Itoa(len(d.Services)),
	}))
	return nil
}

// MarkAsFailed records an install or upgrade failure.
func (d *Deployment) MarkAsFailed(reason string) error {
	if d.Status != StatusInstalling && d.Status != StatusUpgrading {
		if d.Status == StatusRemoved {
			return NewDomainError("MarkAsFailed", d.ID, "deployment is removed", ErrDeploymentRemoved)
		}
		return NewDomainError("MarkAsFailed", d.ID, "only installing or upgrading deployments can fail", ErrInvalidTransition)
	}
	if err := d.transition("MarkAsFailed", StatusFailed); err != nil {
		return err
	}
	d.ErrorMessage = reason
	d.record(NewEvent(EventDeploymentFailed, d.ID, map[string]string{"reason": reason}))
	return nil
}

// MarkAsRemoved ends the lifecycle. It always succeeds on a non-terminal
// deployment, whatever happened to the containers.
func (d *Deployment) MarkAsRemoved() error {
	if err := d.transition("MarkAsRemoved", StatusRemoved); err != nil {
		return err
	}
	now := d.UpdatedAt
	for i := range d.Services {
		d.Services[i].Status = ServiceStatusRemoved
	}
	d.OperationMode = OperationModeNormal
	d.RemovedAt = &now
	d.record(NewEvent(EventDeploymentRemoved, d.ID, map[string]string{"stack_name": d.StackName}))
	return nil
}

// =============================================================================
// Operation Mode
// =============================================================================

// EnterMaintenance switches a running deployment into maintenance mode.
func (d *Deployment) EnterMaintenance(reason string) error {
	if d.Status != StatusRunning {
		return NewDomainError("EnterMaintenance", d.ID, "must be a running deployment", ErrNotRunning)
	}
	if d.OperationMode == OperationModeMaintenance {
		return NewDomainError("EnterMaintenance", d.ID, "already in maintenance", ErrAlreadyInMaintenance)
	}
	return d.changeMode(OperationModeMaintenance, reason)
}

// ExitMaintenance returns a deployment to normal operation.
func (d *Deployment) ExitMaintenance() error {
	if d.Status != StatusRunning {
		return NewDomainError("ExitMaintenance", d.ID, "must be a running deployment", ErrNotRunning)
	}
	if d.OperationMode != OperationModeMaintenance {
		return NewDomainError("ExitMaintenance", d.ID, "not in maintenance mode", ErrNotInMaintenance)
	}
	return d.changeMode(OperationModeNormal, "")
}

func (d *Deployment) changeMode(to OperationMode, reason string) error {
	if !d.OperationMode.CanTransitionTo(to) {
		return NewDomainError("ChangeOperationMode", d.ID, "cannot move from "+string(d.OperationMode)+" to "+string(to), ErrInvalidTransition)
	}
	from := d.OperationMode
	d.OperationMode = to
	d.UpdatedAt = time.Now().UTC()
	attrs := map[string]string{"from": string(from), "to": string(to)}
	if reason != "" {
		attrs["reason"] = reason
	}
	d.record(NewEvent(EventOperationModeChanged, d.ID, attrs))
	return nil
}

// =============================================================================
// Services
// =============================================================================

// AddService appends a service to the ordered service list.
func (d *Deployment) AddService(name, image, initialStatus string) error {
	if d.Status == StatusRemoved {
		return NewDomainError("AddService", d.ID, "deployment is removed", ErrDeploymentRemoved)
	}
	if strings.TrimSpace(name) == "" {
		return NewDomainError("AddService", d.ID, "service name is required", ErrMissingField)
	}
	if d.serviceIndex(name) >= 0 {
		return NewDomainError("AddService", d.ID, "service "+name+" already exists", ErrServiceExists)
	}
	d.Services = append(d.Services, DeployedService{
		Name:   name,
		Image:  image,
		Status: initialStatus,
	})
	d.UpdatedAt = time.Now().UTC()
	return nil
}

// SetServiceContainerInfo records container details for an existing service.
func (d *Deployment) SetServiceContainerInfo(name, containerID, containerName, status string) error {
	if d.Status == StatusRemoved {
		return NewDomainError("SetServiceContainerInfo", d.ID, "deployment is removed", ErrDeploymentRemoved)
	}
	i := d.serviceIndex(name)
	if i < 0 {
		return NewDomainError("SetServiceContainerInfo", d.ID, "service "+name+" not found", ErrServiceNotFound)
	}
	d.Services[i].ContainerID = containerID
	d.Services[i].ContainerName = containerName
	d.Services[i].Status = status
	d.UpdatedAt = time.Now().UTC()
	return nil
}

// RemoveService drops a service from the list.
func (d *Deployment) RemoveService(name string) error {
	if d.Status == StatusRemoved {
		return NewDomainError("RemoveService", d.ID, "deployment is removed", ErrDeploymentRemoved)
	}
	i := d.serviceIndex(name)
	if i < 0 {
		return NewDomainError("RemoveService", d.ID, "service "+name+" not found", ErrServiceNotFound)
	}
	d.Services = append(d.Services[:i], d.Services[i+1:]...)
	d.UpdatedAt = time.Now().UTC()
	return nil
}

// ReplaceServices swaps the service list for the one reported by the runtime.
func (d *Deployment) ReplaceServices(services []DeployedService) error {
	if d.Status == StatusRemoved {
		return NewDomainError("ReplaceServices", d.ID, "deployment is removed", ErrDeploymentRemoved)
	}
	d.Services = nil
	for _, s := range services {
		if err := d.AddService(s.Name, s.Image, s.Status); err != nil {
			return err
		}
		if err := d.SetServiceContainerInfo(s.Name, s.ContainerID, s.ContainerName, s.Status); err != nil {
			return err
		}
		d.Services[len(d.Services)-1].RestartCount = s.RestartCount
	}
	return nil
}

// Service returns the named service.
func (d *Deployment) Service(name string) (DeployedService, bool) {
	i := d.serviceIndex(name)
	if i < 0 {
		return DeployedService{}, false
	}
	return d.Services[i], true
}

func (d *Deployment) serviceIndex(name string) int {
	for i, s := range d.Services {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// =============================================================================
// Rollback
// =============================================================================

// CanRollback reports whether a failed upgrade can be rolled back.
func (d *Deployment) CanRollback() bool {
	return d.Status == StatusFailed && d.PendingUpgrade != nil
}

// StartRollback moves a failed deployment back to upgrading, targeting the
// snapshot version. The returned snapshot carries the variables to redeploy with.
func (d *Deployment) StartRollback() (UpgradeSnapshot, error) {
	if !d.CanRollback() {
		return UpgradeSnapshot{}, NewDomainError("StartRollback", d.ID, "no pending upgrade snapshot", ErrNoRollbackAvailable)
	}
	snapshot := *d.PendingUpgrade
	if err := d.transition("StartRollback", StatusUpgrading); err != nil {
		return UpgradeSnapshot{}, err
	}
	d.TargetVersion = snapshot.StackVersion
	d.Variables = copyVariables(snapshot.Variables)
	d.ErrorMessage = ""
	d.record(NewEvent(EventUpgradeStarted, d.ID, map[string]string{
		"to_version": snapshot.StackVersion,
		"rollback":   "true",
	}))
	return snapshot, nil
}

// =============================================================================
// Helpers
// =============================================================================

func copyVariables(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyServices(in []DeployedService) []DeployedService {
	if in == nil {
		return nil
	}
	out := make([]DeployedService, len(in))
	copy(out, in)
	return out
}
