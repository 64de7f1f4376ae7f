// Package deployment provides pure functions for stack deployment planning.
//
// This package contains the functional core logic for turning parsed stack
// manifests into container execution plans. All functions are pure
// (no I/O, no side effects).
//
// # Functions
//
//   - Naming: Generate consistent resource names (NetworkName, VolumeName, ContainerName)
//   - Ordering: Sort services by dependencies (TopologicalSort)
//   - Variables: Merge variable layers by priority (MergeVariables)
//   - Container: Build container plans from manifest services (BuildContainerPlan)
//   - Planning: Decide install, upgrade or conflict for a stack request (PlanStackOperation)
//
// # Usage
//
// The imperative shell (internal/shell/runtime) uses these pure functions
// to plan a stack, then executes the plan via the Docker API.
//
//	plan := deployment.BuildStackPlan(params)
//	for _, c := range plan.Containers {
//	    // create and start c
//	}
package deployment
