package deployment

import "fmt"

// =============================================================================
// Resource Naming Functions
// =============================================================================

// NetworkName generates the network name for a deployment.
// Pattern: stackpilot_{deploymentID}
func NetworkName(deploymentID string) string {
	return fmt.Sprintf("stackpilot_%s", deploymentID)
}

// VolumeName generates a volume name for a deployment.
// Pattern: stackpilot_{deploymentID}_{volumeName}
func VolumeName(deploymentID, volumeName string) string {
	return fmt.Sprintf("stackpilot_%s_%s", deploymentID, volumeName)
}

// ContainerName generates the container name for a service in a deployment.
// Pattern: stackpilot_{deploymentID}_{serviceName}
//
// Example:
//
//	ContainerName("abc123", "web") // returns "stackpilot_abc123_web"
func ContainerName(deploymentID, serviceName string) string {
	return fmt.Sprintf("stackpilot_%s_%s", deploymentID, serviceName)
}
