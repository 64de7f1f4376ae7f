package compose

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Parser Functions
// =============================================================================

// ParseManifest parses a stack manifest, interpolating ${VAR} placeholders
// from variables. Placeholders without a default must have a value.
func ParseManifest(name, content string, variables map[string]string) (*Manifest, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyInput
	}

	var missing []string
	for _, v := range RequiredVariables(content) {
		if _, ok := variables[v]; !ok {
			missing = append(missing, v)
		}
	}
	if len(missing) > 0 {
		return nil, NewParseError("", "missing values for "+strings.Join(missing, ", "), ErrMissingVariable)
	}

	project, err := loadProject(name, content, variables)
	if err != nil {
		return nil, err
	}
	if err := checkUnsupportedFeatures(project); err != nil {
		return nil, err
	}
	if len(project.Services) == 0 {
		return nil, ErrNoServices
	}

	m := &Manifest{Name: project.Name}

	names := make([]string, 0, len(project.Services))
	for n := range project.Services {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		svc, err := convertService(project.Services[n])
		if err != nil {
			return nil, err
		}
		m.Services = append(m.Services, svc)
	}

	if err := detectCircularDependencies(m.Services); err != nil {
		return nil, err
	}
	if err := validatePorts(m.Services); err != nil {
		return nil, err
	}

	for n, net := range project.Networks {
		if n == "default" {
			continue
		}
		m.Networks = append(m.Networks, Network{Name: n, Driver: net.Driver, External: bool(net.External)})
	}
	sort.Slice(m.Networks, func(i, j int) bool { return m.Networks[i].Name < m.Networks[j].Name })

	for n, vol := range project.Volumes {
		m.Volumes = append(m.Volumes, Volume{Name: n, Driver: vol.Driver, External: bool(vol.External)})
	}
	sort.Slice(m.Volumes, func(i, j int) bool { return m.Volumes[i].Name < m.Volumes[j].Name })

	return m, nil
}

// loadProject loads the manifest with compose-go, entirely in memory.
func loadProject(name, content string, variables map[string]string) (*types.Project, error) {
	var dict map[string]interface{}
	if err := yaml.Unmarshal([]byte(content), &dict); err != nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}
	if dict == nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}

	env := types.Mapping{}
	for k, v := range variables {
		env[k] = v
	}

	project, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{{
			Filename: name + ".yaml",
			Content:  []byte(content),
			Config:   dict,
		}},
		Environment: env,
	}, func(opts *loader.Options) {
		opts.SetProjectName(ProjectName(name), true)
		opts.SkipNormalization = true
		opts.SkipExtends = true
	})
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "dependency cycle detected") {
			return nil, NewParseError("", "circular dependency detected", ErrCircularDependency)
		}
		return nil, NewParseError("", msg, ErrInvalidYAML)
	}
	return project, nil
}

// ProjectName lowercases name and replaces characters compose rejects.
func ProjectName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.TrimLeft(b.String(), "-_")
	if out == "" {
		return "stack"
	}
	return out
}

// checkUnsupportedFeatures rejects features the runtime cannot honour.
func checkUnsupportedFeatures(project *types.Project) error {
	if len(project.Secrets) > 0 {
		return NewParseError("secrets", "secrets are not supported", ErrUnsupportedFeature)
	}
	if len(project.Configs) > 0 {
		return NewParseError("configs", "configs are not supported", ErrUnsupportedFeature)
	}
	for _, svc := range project.Services {
		if svc.Build != nil {
			return NewParseError("services."+svc.Name+".build", "stacks must reference prebuilt images", ErrUnsupportedFeature)
		}
		if svc.Extends != nil && svc.Extends.File != "" {
			return NewParseError("services."+svc.Name+".extends", "extends is not supported", ErrUnsupportedFeature)
		}
	}
	return nil
}

func convertService(svc types.ServiceConfig) (Service, error) {
	if svc.Image == "" {
		return Service{}, NewParseError("services."+svc.Name, "service must have an image", ErrServiceNoImage)
	}

	service := Service{
		Name:        svc.Name,
		Image:       svc.Image,
		Command:     svc.Command,
		Entrypoint:  svc.Entrypoint,
		Environment: make(map[string]string),
		Labels:      make(map[string]string),
		Restart:     RestartPolicy(svc.Restart),
	}

	for _, p := range svc.Ports {
		var published uint32
		if p.Published != "" {
			if pub, err := strconv.ParseUint(p.Published, 10, 32); err == nil {
				published = uint32(pub)
			}
		}
		protocol := p.Protocol
		if protocol == "" {
			protocol = "tcp"
		}
		service.Ports = append(service.Ports, Port{
			Target:    p.Target,
			Published: published,
			Protocol:  protocol,
			HostIP:    p.HostIP,
		})
	}

	for k, v := range svc.Environment {
		if v != nil {
			service.Environment[k] = *v
		}
	}

	for _, v := range svc.Volumes {
		service.Volumes = append(service.Volumes, VolumeMount{
			Type:     mountType(v.Type, v.Source),
			Source:   v.Source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		})
	}

	for dep := range svc.DependsOn {
		service.DependsOn = append(service.DependsOn, dep)
	}
	sort.Strings(service.DependsOn)

	for k, v := range svc.Labels {
		service.Labels[k] = v
	}

	if svc.HealthCheck != nil && !svc.HealthCheck.Disable {
		hc := &HealthCheck{Test: svc.HealthCheck.Test}
		if svc.HealthCheck.Retries != nil {
			hc.Retries = int(*svc.HealthCheck.Retries)
		}
		if svc.HealthCheck.Interval != nil {
			hc.Interval = svc.HealthCheck.Interval.String()
		}
		if svc.HealthCheck.Timeout != nil {
			hc.Timeout = svc.HealthCheck.Timeout.String()
		}
		if svc.HealthCheck.StartPeriod != nil {
			hc.StartPeriod = svc.HealthCheck.StartPeriod.String()
		}
		service.HealthCheck = hc
	}

	// compose-go's NanoCPUs holds the CPU count, not nanos
	if svc.Deploy != nil && svc.Deploy.Resources.Limits != nil {
		service.Resources.CPULimit = float64(svc.Deploy.Resources.Limits.NanoCPUs)
		service.Resources.MemoryLimit = int64(svc.Deploy.Resources.Limits.MemoryBytes)
	}

	return service, nil
}

func mountType(declared, source string) VolumeMountType {
	switch declared {
	case "bind":
		return VolumeMountTypeBind
	case "volume":
		return VolumeMountTypeVolume
	case "tmpfs":
		return VolumeMountTypeTmpfs
	}
	if strings.HasPrefix(source, "./") || strings.HasPrefix(source, "/") || strings.HasPrefix(source, "~") {
		return VolumeMountTypeBind
	}
	return VolumeMountTypeVolume
}

// detectCircularDependencies runs a DFS over depends_on edges.
func detectCircularDependencies(services []Service) error {
	deps := make(map[string][]string, len(services))
	for _, svc := range services {
		deps[svc.Name] = svc.DependsOn
	}

	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	var visit func(node string) bool
	visit = func(node string) bool {
		visited[node] = true
		onStack[node] = true
		for _, dep := range deps[node] {
			if onStack[dep] {
				return true
			}
			if !visited[dep] && visit(dep) {
				return true
			}
		}
		onStack[node] = false
		return false
	}

	for _, svc := range services {
		if !visited[svc.Name] && visit(svc.Name) {
			return NewParseError("services."+svc.Name+".depends_on", "circular dependency detected", ErrCircularDependency)
		}
	}
	return nil
}

func validatePorts(services []Service) error {
	for _, svc := range services {
		for i, port := range svc.Ports {
			field := "services." + svc.Name + ".ports[" + strconv.Itoa(i) + "]"
			switch {
			case port.Target == 0:
				return NewParseError(field, "target port cannot be 0", ErrServiceInvalidPort)
			case port.Target > 65535:
				return NewParseError(field, "target port must be <= 65535", ErrServiceInvalidPort)
			case port.Published > 65535:
				return NewParseError(field, "published port must be <= 65535", ErrServiceInvalidPort)
			}
		}
	}
	return nil
}

// =============================================================================
// Variable Extraction
// =============================================================================

// placeholderRegex matches ${VAR}, ${VAR:-default} and ${VAR-default}.
var placeholderRegex = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:?-[^}]*)?\}`)

// RequiredVariables returns placeholder names that carry no default,
// in first-seen order.
func RequiredVariables(content string) []string {
	seen := make(map[string]bool)
	var vars []string
	for _, match := range placeholderRegex.FindAllStringSubmatch(content, -1) {
		name := match[1]
		if match[2] != "" {
			continue
		}
		if !seen[name] {
			seen[name] = true
			vars = append(vars, name)
		}
	}
	return vars
}
