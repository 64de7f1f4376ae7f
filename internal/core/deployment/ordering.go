package deployment

import (
	"sort"

	"github.com/artpar/stackpilot/internal/core/compose"
)

// =============================================================================
// Service Ordering Functions
// =============================================================================

// TopologicalSort sorts services by their dependencies using Kahn's algorithm.
// Services with no dependencies come first; ties are broken by name so the
// result is stable across runs.
//
// If a cycle exists (which should be caught at parse time), remaining
// services are appended in name order as a fallback.
//
// Example:
//
//	// Services: web → api → db
//	sorted := TopologicalSort(services)
//	// Result: [db, api, web]
func TopologicalSort(services []compose.Service) []compose.Service {
	if len(services) == 0 {
		return services
	}

	serviceMap := make(map[string]compose.Service, len(services))
	inDegree := make(map[string]int, len(services))
	dependents := make(map[string][]string)

	for _, svc := range services {
		serviceMap[svc.Name] = svc
	}
	for _, svc := range services {
		for _, dep := range svc.DependsOn {
			if _, ok := serviceMap[dep]; !ok {
				continue // dependency outside the stack
			}
			inDegree[svc.Name]++
			dependents[dep] = append(dependents[dep], svc.Name)
		}
	}

	var ready []string
	for name := range serviceMap {
		if inDegree[name] == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	result := make([]compose.Service, 0, len(services))
	placed := make(map[string]bool, len(services))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		result = append(result, serviceMap[name])
		placed[name] = true

		var next []string
		for _, dep := range dependents[name] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				next = append(next, dep)
			}
		}
		ready = append(ready, next...)
		sort.Strings(ready)
	}

	if len(result) < len(serviceMap) {
		var rest []string
		for name := range serviceMap {
			if !placed[name] {
				rest = append(rest, name)
			}
		}
		sort.Strings(rest)
		for _, name := range rest {
			result = append(result, serviceMap[name])
		}
	}

	return result
}

// ReverseOrder returns services in reverse start order, for shutdown.
func ReverseOrder(services []compose.Service) []compose.Service {
	sorted := TopologicalSort(services)
	out := make([]compose.Service, len(sorted))
	for i, s := range sorted {
		out[len(sorted)-1-i] = s
	}
	return out
}
