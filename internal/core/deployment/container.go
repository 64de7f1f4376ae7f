package deployment

import (
	"time"

	"github.com/artpar/stackpilot/internal/core/compose"
)

// =============================================================================
// Container Plan Building Functions
// =============================================================================

// BuildContainerPlan builds a ContainerPlan from a manifest service.
//
// The function:
//   - Generates the container name using ContainerName()
//   - Copies image, command, entrypoint and environment
//   - Prefixes named volumes with the deployment ID
//   - Parses health check durations
//   - Maps restart policy to Docker format
//   - Merges service labels over the managed labels
func BuildContainerPlan(params BuildContainerPlanParams) ContainerPlan {
	svc := params.Service

	plan := ContainerPlan{
		ServiceName: svc.Name,
		Name:        ContainerName(params.DeploymentID, svc.Name),
		Image:       svc.Image,
		Command:     svc.Command,
		Entrypoint:  svc.Entrypoint,
		Env:         make(map[string]string, len(svc.Environment)),
		Labels:      make(map[string]string, len(svc.Labels)+5),
		Networks:    []string{params.NetworkName},
	}

	for k, v := range svc.Environment {
		plan.Env[k] = v
	}

	for _, p := range svc.Ports {
		plan.Ports = append(plan.Ports, PortPlan{
			ContainerPort: int(p.Target),
			HostPort:      int(p.Published),
			Protocol:      p.Protocol,
			HostIP:        p.HostIP,
		})
	}

	for _, v := range svc.Volumes {
		source := v.Source
		if v.Type == compose.VolumeMountTypeVolume {
			source = VolumeName(params.DeploymentID, v.Source)
		}
		plan.Volumes = append(plan.Volumes, VolumePlan{
			Source:   source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		})
	}

	if svc.HealthCheck != nil {
		plan.HealthCheck = &HealthCheckPlan{
			Test:        svc.HealthCheck.Test,
			Retries:     svc.HealthCheck.Retries,
			Interval:    parseDuration(svc.HealthCheck.Interval),
			Timeout:     parseDuration(svc.HealthCheck.Timeout),
			StartPeriod: parseDuration(svc.HealthCheck.StartPeriod),
		}
	}

	if svc.Resources.CPULimit > 0 {
		plan.Resources.CPULimit = svc.Resources.CPULimit
	}
	if svc.Resources.MemoryLimit > 0 {
		plan.Resources.MemoryLimit = svc.Resources.MemoryLimit
	}

	plan.RestartPolicy = mapRestartPolicy(svc.Restart)

	// Managed labels win over manifest labels
	for k, v := range svc.Labels {
		plan.Labels[k] = v
	}
	plan.Labels[LabelManaged] = "true"
	plan.Labels[LabelDeployment] = params.DeploymentID
	plan.Labels[LabelEnvironment] = params.EnvironmentID
	plan.Labels[LabelStack] = params.StackName
	plan.Labels[LabelService] = svc.Name

	return plan
}

// BuildStackPlan builds container plans for every service in start order.
func BuildStackPlan(params BuildStackPlanParams) StackPlan {
	plan := StackPlan{
		DeploymentID: params.DeploymentID,
		NetworkName:  NetworkName(params.DeploymentID),
	}
	if params.Manifest == nil {
		return plan
	}

	for _, v := range params.Manifest.Volumes {
		if v.External {
			continue
		}
		plan.Volumes = append(plan.Volumes, VolumeName(params.DeploymentID, v.Name))
	}

	for _, svc := range TopologicalSort(params.Manifest.Services) {
		plan.Containers = append(plan.Containers, BuildContainerPlan(BuildContainerPlanParams{
			DeploymentID:  params.DeploymentID,
			EnvironmentID: params.EnvironmentID,
			StackName:     params.StackName,
			Service:       svc,
			NetworkName:   plan.NetworkName,
		}))
	}
	return plan
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// mapRestartPolicy maps a compose restart policy to a Docker restart policy.
// Managed stacks default to unless-stopped so the runtime recovers crashes.
func mapRestartPolicy(policy compose.RestartPolicy) RestartPolicyPlan {
	switch policy {
	case compose.RestartAlways:
		return RestartPolicyPlan{Name: "always"}
	case compose.RestartOnFailure:
		return RestartPolicyPlan{Name: "on-failure"}
	case compose.RestartNo:
		return RestartPolicyPlan{Name: "no"}
	default:
		return RestartPolicyPlan{Name: "unless-stopped"}
	}
}
