package deploy

import "github.com/artpar/stackpilot/internal/core/domain"

// =============================================================================
// Requests
// =============================================================================

// DeployProductRequest deploys a catalog product into an environment.
type DeployProductRequest struct {
	EnvironmentID   string                       `json:"environment_id" validate:"required"`
	ProductID       string                       `json:"product_id" validate:"required"`
	ProductGroupID  string                       `json:"product_group_id,omitempty"`
	UserID          string                       `json:"user_id,omitempty"`
	SessionID       string                       `json:"session_id,omitempty"`
	SharedVariables map[string]string            `json:"shared_variables,omitempty"`
	StackVariables  map[string]map[string]string `json:"stack_variables,omitempty"`
	// ContinueOnError defaults to the service setting when nil.
	ContinueOnError *bool `json:"continue_on_error,omitempty"`
}

// UpgradeProductRequest moves a product deployment to a catalog product,
// by default a newer definition of the same product id.
type UpgradeProductRequest struct {
	ProductDeploymentID string                       `json:"-" validate:"required"`
	TargetProductID     string                       `json:"target_product_id,omitempty"`
	UserID              string                       `json:"user_id,omitempty"`
	SessionID           string                       `json:"session_id,omitempty"`
	SharedVariables     map[string]string            `json:"shared_variables,omitempty"`
	StackVariables      map[string]map[string]string `json:"stack_variables,omitempty"`
}

// RollbackProductRequest returns a product deployment to its pre-upgrade state.
type RollbackProductRequest struct {
	ProductDeploymentID string `json:"-" validate:"required"`
	UserID              string `json:"user_id,omitempty"`
	SessionID           string `json:"session_id,omitempty"`
}

// RemoveProductRequest removes every stack of a product deployment.
type RemoveProductRequest struct {
	ProductDeploymentID string `json:"-" validate:"required"`
	UserID              string `json:"user_id,omitempty"`
	SessionID           string `json:"session_id,omitempty"`
}

// =============================================================================
// Results
// =============================================================================

// Stack result actions.
const (
	ActionDeploy  = "deploy"
	ActionUpgrade = "upgrade"
	ActionRemove  = "remove"
)

// StackResult is the outcome of one stack inside a product operation.
type StackResult struct {
	StackName      string `json:"stack_name"`
	DeploymentID   string `json:"deployment_id,omitempty"`
	Action         string `json:"action"`
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
	ServiceCount   int    `json:"service_count"`
	IsNewInUpgrade bool   `json:"is_new_in_upgrade,omitempty"`
}

// ProductOperationResult reports a product operation stack by stack.
type ProductOperationResult struct {
	ProductDeploymentID string                    `json:"product_deployment_id"`
	Operation           string                    `json:"operation"`
	Status              domain.ProductStatus      `json:"status"`
	Success             bool                      `json:"success"`
	Error               string                    `json:"error,omitempty"`
	Stacks              []StackResult             `json:"stacks"`
	Product             *domain.ProductDeployment `json:"product,omitempty"`
}

func newResult(op string, pd *domain.ProductDeployment, stacks []StackResult) *ProductOperationResult {
	r := &ProductOperationResult{
		ProductDeploymentID: pd.ID,
		Operation:           op,
		Status:              pd.Status,
		Error:               pd.ErrorMessage,
		Stacks:              stacks,
		Product:             pd,
	}
	if r.Stacks == nil {
		r.Stacks = []StackResult{}
	}
	switch op {
	case "remove":
		r.Success = pd.Status == domain.ProductStatusRemoved && pd.ErrorMessage == ""
	default:
		r.Success = pd.Status == domain.ProductStatusRunning
	}
	return r
}
