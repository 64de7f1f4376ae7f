package runtime

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/artpar/stackpilot/internal/core/compose"
	"github.com/artpar/stackpilot/internal/core/deployment"
	"github.com/artpar/stackpilot/internal/core/domain"
	"github.com/artpar/stackpilot/internal/core/monitoring"
)

// =============================================================================
// ComposeRuntime - Runs Compose Stacks on Docker
// =============================================================================

// ComposeRuntime deploys, removes and inspects stacks described by compose
// manifests. All resources of a stack carry the deployment label, which is
// how later calls find them again.
type ComposeRuntime struct {
	docker      Client
	logger      *slog.Logger
	stopTimeout time.Duration
}

// NewComposeRuntime creates a runtime on top of a Docker client.
func NewComposeRuntime(docker Client, logger *slog.Logger) *ComposeRuntime {
	if logger == nil {
		logger = slog.Default()
	}
	return &ComposeRuntime{
		docker:      docker,
		logger:      logger.With("component", "compose_runtime"),
		stopTimeout: 10 * time.Second,
	}
}

// =============================================================================
// Deploy
// =============================================================================

// DeployStack brings a stack to the state its manifest describes. Existing
// containers of the deployment are replaced, services dropped from the
// manifest are removed. It returns the deployed services in start order.
func (r *ComposeRuntime) DeployStack(ctx context.Context, spec deployment.StackSpec) ([]domain.DeployedService, error) {
	manifest, err := compose.ParseManifest(spec.StackName, spec.Manifest, spec.Variables)
	if err != nil {
		return nil, NewRuntimeError("DeployStack", "stack", spec.StackName, err.Error(), errors.Join(ErrInvalidManifest, err))
	}

	plan := deployment.BuildStackPlan(deployment.BuildStackPlanParams{
		DeploymentID:  spec.DeploymentID,
		EnvironmentID: spec.EnvironmentID,
		StackName:     spec.StackName,
		Manifest:      manifest,
	})

	r.logger.Info("deploying stack",
		"deployment_id", spec.DeploymentID,
		"stack_name", spec.StackName,
		"services", len(plan.Containers),
	)

	if err := r.ensureNetwork(ctx, spec.DeploymentID, plan.NetworkName); err != nil {
		return nil, err
	}
	for _, vol := range plan.Volumes {
		if _, err := r.docker.CreateVolume(ctx, VolumeSpec{Name: vol, Labels: managedLabels(spec.DeploymentID)}); err != nil {
			return nil, err
		}
	}

	existing, err := r.listStackContainers(ctx, spec.DeploymentID)
	if err != nil {
		return nil, err
	}
	existingByService := make(map[string]ContainerInfo, len(existing))
	for _, c := range existing {
		if svc, ok := c.Labels[deployment.LabelService]; ok {
			existingByService[svc] = c
		}
	}

	var created []string
	services := make([]domain.DeployedService, 0, len(plan.Containers))
	planned := make(map[string]bool, len(plan.Containers))

	for _, cp := range plan.Containers {
		planned[cp.ServiceName] = true

		r.ensureImage(ctx, cp.Image)

		if old, found := existingByService[cp.ServiceName]; found {
			r.removeContainer(ctx, old)
		}

		containerID, err := r.docker.CreateContainer(ctx, specFromPlan(cp, plan.NetworkName))
		if err != nil {
			r.cleanup(ctx, created)
			return nil, err
		}
		created = append(created, containerID)

		if err := r.docker.StartContainer(ctx, containerID); err != nil && !errors.Is(err, ErrContainerAlreadyRunning) {
			r.cleanup(ctx, created)
			return nil, err
		}

		info, err := r.docker.InspectContainer(ctx, containerID)
		if err != nil {
			r.cleanup(ctx, created)
			return nil, err
		}
		if info.Status != ContainerStatusRunning {
			r.cleanup(ctx, created)
			return nil, NewRuntimeError("DeployStack", "container", cp.Name, "service "+cp.ServiceName+" is "+string(info.Status), ErrServiceStart)
		}

		r.logger.Debug("started container", "service", cp.ServiceName, "container_id", shortID(containerID))
		services = append(services, domain.DeployedService{
			Name:          cp.ServiceName,
			ContainerID:   containerID,
			ContainerName: cp.Name,
			Image:         cp.Image,
			Status:        string(info.Status),
			RestartCount:  info.RestartCount,
		})
	}

	// Services the manifest no longer declares
	for name, c := range existingByService {
		if !planned[name] {
			r.logger.Info("removing dropped service", "deployment_id", spec.DeploymentID, "service", name)
			r.removeContainer(ctx, c)
		}
	}

	r.logger.Info("stack deployed", "deployment_id", spec.DeploymentID, "services", len(services))
	return services, nil
}

func (r *ComposeRuntime) ensureNetwork(ctx context.Context, deploymentID, name string) error {
	_, err := r.docker.CreateNetwork(ctx, NetworkSpec{
		Name:   name,
		Driver: "bridge",
		Labels: managedLabels(deploymentID),
	})
	if err != nil && !errors.Is(err, ErrNetworkAlreadyExists) {
		return err
	}
	return nil
}

// ensureImage pulls a missing image. A failed pull is logged and the create
// call surfaces the real error.
func (r *ComposeRuntime) ensureImage(ctx context.Context, image string) {
	exists, _ := r.docker.ImageExists(ctx, image)
	if exists {
		return
	}
	r.logger.Info("pulling image", "image", image)
	if err := r.docker.PullImage(ctx, image, PullOptions{}); err != nil {
		r.logger.Warn("failed to pull image, trying anyway", "image", image, "error", err)
	}
}

func (r *ComposeRuntime) cleanup(ctx context.Context, containerIDs []string) {
	for _, id := range containerIDs {
		if err := r.docker.RemoveContainer(ctx, id, RemoveOptions{Force: true}); err != nil {
			r.logger.Warn("failed to clean up container", "container_id", shortID(id), "error", err)
		}
	}
}

// =============================================================================
// Remove
// =============================================================================

// RemoveStack removes every container, the network and the volumes of a
// deployment. Resources that are already gone are not errors.
func (r *ComposeRuntime) RemoveStack(ctx context.Context, deploymentID string) error {
	r.logger.Info("removing stack", "deployment_id", deploymentID)

	containers, err := r.listStackContainers(ctx, deploymentID)
	if err != nil {
		return err
	}

	var errs []error
	for _, c := range containers {
		if err := r.removeContainer(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}

	networkName := deployment.NetworkName(deploymentID)
	if err := r.docker.RemoveNetwork(ctx, networkName); err != nil && !errors.Is(err, ErrNetworkNotFound) {
		errs = append(errs, err)
	}

	volumes, err := r.docker.ListVolumes(ctx, ListOptions{Filters: deploymentFilter(deploymentID)})
	if err != nil {
		errs = append(errs, err)
	}
	for _, v := range volumes {
		if err := r.docker.RemoveVolume(ctx, v, true); err != nil && !errors.Is(err, ErrVolumeNotFound) {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	r.logger.Info("stack removed", "deployment_id", deploymentID, "containers", len(containers))
	return nil
}

func (r *ComposeRuntime) removeContainer(ctx context.Context, c ContainerInfo) error {
	if c.Status == ContainerStatusRunning {
		timeout := r.stopTimeout
		if err := r.docker.StopContainer(ctx, c.ID, &timeout); err != nil && !errors.Is(err, ErrContainerNotRunning) {
			r.logger.Warn("failed to stop container", "container_id", shortID(c.ID), "error", err)
		}
	}
	if err := r.docker.RemoveContainer(ctx, c.ID, RemoveOptions{Force: true}); err != nil && !errors.Is(err, ErrContainerNotFound) {
		r.logger.Warn("failed to remove container", "container_id", shortID(c.ID), "error", err)
		return err
	}
	return nil
}

// =============================================================================
// Inspect
// =============================================================================

// InspectServiceHealth reports the health of every container of a
// deployment, sorted by service name.
func (r *ComposeRuntime) InspectServiceHealth(ctx context.Context, deploymentID string) ([]domain.ServiceHealth, error) {
	containers, err := r.listStackContainers(ctx, deploymentID)
	if err != nil {
		return nil, err
	}

	states := make([]monitoring.ContainerState, 0, len(containers))
	for _, c := range containers {
		info, err := r.docker.InspectContainer(ctx, c.ID)
		if err != nil {
			if errors.Is(err, ErrContainerNotFound) {
				continue
			}
			return nil, err
		}
		var check *string
		if info.Health != "" {
			h := info.Health
			check = &h
		}
		states = append(states, monitoring.ContainerState{
			ServiceName:  c.Labels[deployment.LabelService],
			ContainerID:  info.ID,
			State:        string(info.Status),
			HealthCheck:  check,
			RestartCount: info.RestartCount,
		})
	}

	services := monitoring.DetermineServicesHealth(states)
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })
	return services, nil
}

// =============================================================================
// Helpers
// =============================================================================

func (r *ComposeRuntime) listStackContainers(ctx context.Context, deploymentID string) ([]ContainerInfo, error) {
	return r.docker.ListContainers(ctx, ListOptions{
		All:     true,
		Filters: deploymentFilter(deploymentID),
	})
}

func deploymentFilter(deploymentID string) map[string]string {
	return map[string]string{"label": deployment.LabelDeployment + "=" + deploymentID}
}

func managedLabels(deploymentID string) map[string]string {
	return map[string]string{
		deployment.LabelManaged:    "true",
		deployment.LabelDeployment: deploymentID,
	}
}

// specFromPlan converts a pure container plan into a Docker container spec.
// The service name is registered as a network alias so services resolve
// each other by name.
func specFromPlan(cp deployment.ContainerPlan, networkName string) ContainerSpec {
	spec := ContainerSpec{
		Name:       cp.Name,
		Image:      cp.Image,
		Command:    cp.Command,
		Entrypoint: cp.Entrypoint,
		Env:        cp.Env,
		Labels:     cp.Labels,
		Networks:   cp.Networks,
		NetworkAliases: map[string][]string{
			networkName: {cp.ServiceName},
		},
		RestartPolicy: RestartPolicy{
			Name:              cp.RestartPolicy.Name,
			MaximumRetryCount: cp.RestartPolicy.MaximumRetryCount,
		},
		Resources: ResourceLimits{
			CPULimit:    cp.Resources.CPULimit,
			MemoryLimit: cp.Resources.MemoryLimit,
		},
	}
	for _, p := range cp.Ports {
		spec.Ports = append(spec.Ports, PortBinding(p))
	}
	for _, v := range cp.Volumes {
		spec.Volumes = append(spec.Volumes, VolumeMount(v))
	}
	if cp.HealthCheck != nil {
		spec.HealthCheck = &HealthCheck{
			Test:        cp.HealthCheck.Test,
			Interval:    cp.HealthCheck.Interval,
			Timeout:     cp.HealthCheck.Timeout,
			Retries:     cp.HealthCheck.Retries,
			StartPeriod: cp.HealthCheck.StartPeriod,
		}
	}
	return spec
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
