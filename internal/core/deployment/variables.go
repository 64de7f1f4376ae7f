package deployment

import "strings"

// =============================================================================
// Variable Resolution Functions
// =============================================================================

// MergeVariables merges variable layers; later layers win. Nil layers are skipped.
//
// Deploy uses: defaults → shared → per-stack overrides.
// Upgrade uses: defaults → existing deployed values → shared → overrides,
// so values chosen at install time survive unless explicitly replaced.
func MergeVariables(layers ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

// sensitiveMarkers flag variable names whose values must not be logged or returned.
var sensitiveMarkers = []string{"PASSWORD", "SECRET", "TOKEN", "KEY", "CREDENTIAL"}

// IsSensitive reports whether a variable name looks like it holds a secret.
func IsSensitive(name string) bool {
	upper := strings.ToUpper(name)
	for _, m := range sensitiveMarkers {
		if strings.Contains(upper, m) {
			return true
		}
	}
	return false
}

// RedactVariables returns a copy with sensitive values masked.
func RedactVariables(vars map[string]string) map[string]string {
	if vars == nil {
		return nil
	}
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		if IsSensitive(k) && v != "" {
			out[k] = "********"
			continue
		}
		out[k] = v
	}
	return out
}
