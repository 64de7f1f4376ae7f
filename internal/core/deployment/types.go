package deployment

import (
	"time"

	"github.com/artpar/stackpilot/internal/core/compose"
)

// =============================================================================
// Container Plan Types
// =============================================================================

// ContainerPlan is a planned container configuration, ready for the shell to execute.
type ContainerPlan struct {
	ServiceName   string
	Name          string
	Image         string
	Command       []string
	Entrypoint    []string
	Env           map[string]string
	Labels        map[string]string
	Ports         []PortPlan
	Volumes       []VolumePlan
	Networks      []string
	RestartPolicy RestartPolicyPlan
	Resources     ResourcePlan
	HealthCheck   *HealthCheckPlan
}

type PortPlan struct {
	ContainerPort int
	HostPort      int
	Protocol      string
	HostIP        string
}

type VolumePlan struct {
	Source   string
	Target   string
	ReadOnly bool
}

type RestartPolicyPlan struct {
	Name              string
	MaximumRetryCount int
}

type ResourcePlan struct {
	CPULimit    float64
	MemoryLimit int64
}

type HealthCheckPlan struct {
	Test        []string
	Interval    time.Duration
	Timeout     time.Duration
	Retries     int
	StartPeriod time.Duration
}

// StackPlan is the full execution plan for one stack deployment.
type StackPlan struct {
	DeploymentID string
	NetworkName  string
	Volumes      []string        // Deployment-scoped named volumes to create
	Containers   []ContainerPlan // In start order
}

// =============================================================================
// Builder Parameter Types
// =============================================================================

// BuildContainerPlanParams contains all inputs for building a container plan.
type BuildContainerPlanParams struct {
	DeploymentID  string
	EnvironmentID string
	StackName     string
	Service       compose.Service
	NetworkName   string
}

// BuildStackPlanParams contains all inputs for building a stack plan.
type BuildStackPlanParams struct {
	DeploymentID  string
	EnvironmentID string
	StackName     string
	Manifest      *compose.Manifest
}

// =============================================================================
// Container Labels
// =============================================================================

// Label keys used to identify managed containers.
const (
	LabelManaged     = "com.stackpilot.managed"
	LabelDeployment  = "com.stackpilot.deployment"
	LabelEnvironment = "com.stackpilot.environment"
	LabelStack       = "com.stackpilot.stack"
	LabelService     = "com.stackpilot.service"
)

// =============================================================================
// Runtime Request
// =============================================================================

// StackSpec is what a container runtime needs to bring one stack up.
// Variables are the fully merged values used for interpolation.
type StackSpec struct {
	DeploymentID  string
	EnvironmentID string
	StackName     string
	Manifest      string
	Variables     map[string]string
}
