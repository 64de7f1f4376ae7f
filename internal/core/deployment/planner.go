package deployment

import "github.com/artpar/stackpilot/internal/core/domain"

// =============================================================================
// Stack Operation Planning
// =============================================================================

// StackAction is what a deploy request means for one stack.
type StackAction string

const (
	ActionInstall  StackAction = "install"
	ActionUpgrade  StackAction = "upgrade"
	ActionConflict StackAction = "conflict"
)

// StackMode is what a caller allows a deploy to do with an existing deployment.
type StackMode string

const (
	// ModeInstall only creates deployments. It is the zero value.
	ModeInstall StackMode = "install"
	// ModeUpgrade updates the caller's deployment in place, or installs when
	// the stack has no active deployment.
	ModeUpgrade StackMode = "upgrade"
)

// StackIntent describes the caller of a stack deploy.
type StackIntent struct {
	Mode StackMode
	// DeploymentID is the deployment the caller references. An upgrade never
	// takes over a different one.
	DeploymentID string
}

// StackOperation is the result of planning a stack deploy.
type StackOperation struct {
	Action StackAction
	// Reason explains a conflict. Empty otherwise.
	Reason string
}

// PlanStackOperation decides how to deploy a stack given the currently active
// deployment for the same (environment, stack name), if any.
//
//   - no active deployment → install
//   - installing or upgrading → conflict (an operation is already in flight)
//   - running or failed, install intent → conflict
//   - running or failed, upgrade intent on the caller's deployment → upgrade in place
func PlanStackOperation(active *domain.Deployment, intent StackIntent) StackOperation {
	if active == nil || !active.IsActive() {
		return StackOperation{Action: ActionInstall}
	}
	switch active.Status {
	case domain.StatusInstalling:
		return StackOperation{Action: ActionConflict, Reason: "stack is still installing"}
	case domain.StatusUpgrading:
		return StackOperation{Action: ActionConflict, Reason: "stack is already upgrading"}
	case domain.StatusRunning, domain.StatusFailed:
	default:
		return StackOperation{Action: ActionConflict, Reason: "stack is in status " + string(active.Status)}
	}

	if intent.Mode != ModeUpgrade {
		return StackOperation{Action: ActionConflict, Reason: "stack is already deployed as " + active.ID}
	}
	if intent.DeploymentID != "" && intent.DeploymentID != active.ID {
		return StackOperation{Action: ActionConflict, Reason: "stack belongs to deployment " + active.ID}
	}
	return StackOperation{Action: ActionUpgrade}
}
