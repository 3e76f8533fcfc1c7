// Package compose parses Compose-format service manifests into the
// normalized form the stack engine deploys from.
package compose

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/labuh/labuh/internal/apperr"
)

// LocalImagePrefix tags images synthesized for build-only services.
const LocalImagePrefix = "labuh-local/"

// rawFile mirrors the manifest shape loosely; per-field normalization
// happens after decoding because Compose allows several spellings for
// most keys (string vs list vs map).
type rawFile struct {
	Services map[string]rawService `yaml:"services"`
	Networks map[string]any        `yaml:"networks"`
}

type rawService struct {
	Image       string    `yaml:"image"`
	Build       any       `yaml:"build"`
	Environment any       `yaml:"environment"`
	Ports       []any     `yaml:"ports"`
	Volumes     []string  `yaml:"volumes"`
	DependsOn   any       `yaml:"depends_on"`
	Networks    any       `yaml:"networks"`
	Labels      any       `yaml:"labels"`
	CPUs        any       `yaml:"cpus"`
	MemLimit    any       `yaml:"mem_limit"`
	Deploy      *rawDeploy `yaml:"deploy"`
}

type rawDeploy struct {
	Replicas  int `yaml:"replicas"`
	Placement struct {
		Constraints []string `yaml:"constraints"`
	} `yaml:"placement"`
	Resources struct {
		Limits struct {
			CPUs   string `yaml:"cpus"`
			Memory string `yaml:"memory"`
		} `yaml:"limits"`
	} `yaml:"resources"`
}

// Parse parses a Compose manifest. A manifest with no services parses to an
// empty service list. A service with neither image nor build, or a volume
// mount that fails the security gate, fails the whole parse.
func Parse(text string) (*Parsed, error) {
	var raw rawFile
	if err := yaml.Unmarshal([]byte(text), &raw); err != nil {
		return nil, apperr.Wrap(apperr.Validation, "parse compose", err)
	}

	parsed := &Parsed{}

	for name := range raw.Networks {
		parsed.Networks = append(parsed.Networks, name)
	}
	sort.Strings(parsed.Networks)

	for name, rs := range raw.Services {
		svc, err := normalizeService(name, rs)
		if err != nil {
			return nil, err
		}
		parsed.Services = append(parsed.Services, *svc)
	}

	sortServices(parsed.Services)
	return parsed, nil
}

func normalizeService(name string, rs rawService) (*Service, error) {
	svc := &Service{
		Name:    name,
		Image:   rs.Image,
		Ports:   make(map[string]string),
		Volumes: make(map[string]string),
	}

	svc.Build = normalizeBuild(rs.Build)
	if svc.Image == "" && svc.Build != nil {
		svc.Image = LocalImagePrefix + name
	}
	if svc.Image == "" {
		return nil, apperr.Errorf(apperr.Validation, "service %q has neither image nor build", name)
	}

	svc.Env = normalizeEnvironment(rs.Environment)

	for _, p := range rs.Ports {
		host, cont := splitPort(fmt.Sprintf("%v", p))
		if cont == "" {
			continue
		}
		svc.Ports[cont] = host
	}

	for _, v := range rs.Volumes {
		host, cont, warn, err := ValidateVolume(v)
		if err != nil {
			return nil, err
		}
		if warn != "" {
			warnVolume(name, v, warn)
		}
		if host == "" || cont == "" {
			continue // anonymous volume, nothing to bind
		}
		svc.Volumes[host] = cont
	}

	svc.DependsOn = normalizeStringsOrKeys(rs.DependsOn)
	svc.Networks = normalizeStringsOrKeys(rs.Networks)
	svc.Labels = normalizeLabels(rs.Labels)

	if rs.CPUs != nil {
		if f, err := strconv.ParseFloat(fmt.Sprintf("%v", rs.CPUs), 64); err == nil {
			svc.CPULimit = f
		}
	}
	if rs.MemLimit != nil {
		if n, err := ParseMemory(fmt.Sprintf("%v", rs.MemLimit)); err == nil {
			svc.MemoryLimit = n
		}
	}

	if rs.Deploy != nil {
		svc.Deploy = &Deploy{
			Replicas:    rs.Deploy.Replicas,
			Constraints: rs.Deploy.Placement.Constraints,
		}
		if svc.CPULimit == 0 && rs.Deploy.Resources.Limits.CPUs != "" {
			if f, err := strconv.ParseFloat(rs.Deploy.Resources.Limits.CPUs, 64); err == nil {
				svc.CPULimit = f
			}
		}
		if svc.MemoryLimit == 0 && rs.Deploy.Resources.Limits.Memory != "" {
			if n, err := ParseMemory(rs.Deploy.Resources.Limits.Memory); err == nil {
				svc.MemoryLimit = n
			}
		}
	}

	return svc, nil
}

// normalizeBuild accepts the string and map spellings of the build key.
// The dockerfile name defaults to "Dockerfile" in both.
func normalizeBuild(v any) *Build {
	switch b := v.(type) {
	case string:
		return &Build{Context: b, Dockerfile: "Dockerfile"}
	case map[string]any:
		build := &Build{Dockerfile: "Dockerfile"}
		if ctx, ok := b["context"].(string); ok {
			build.Context = ctx
		}
		if df, ok := b["dockerfile"].(string); ok && df != "" {
			build.Dockerfile = df
		}
		return build
	default:
		return nil
	}
}

// normalizeEnvironment accepts both the list ("KEY=VALUE") and mapping forms.
// Mapping scalars are stringified; null and complex values are dropped.
func normalizeEnvironment(v any) []string {
	switch env := v.(type) {
	case []any:
		var out []string
		for _, e := range env {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case map[string]any:
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var out []string
		for _, k := range keys {
			switch val := env[k].(type) {
			case string:
				out = append(out, k+"="+val)
			case bool:
				out = append(out, k+"="+strconv.FormatBool(val))
			case int:
				out = append(out, k+"="+strconv.Itoa(val))
			case int64:
				out = append(out, k+"="+strconv.FormatInt(val, 10))
			case float64:
				out = append(out, k+"="+strconv.FormatFloat(val, 'f', -1, 64))
			default:
				// null or nested value: dropped
			}
		}
		return out
	default:
		return nil
	}
}

// normalizeStringsOrKeys accepts a string list or a map (whose keys are
// taken, sorted). Compose uses both forms for depends_on and networks.
func normalizeStringsOrKeys(v any) []string {
	switch x := v.(type) {
	case []any:
		var out []string
		for _, e := range x {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case map[string]any:
		out := make([]string, 0, len(x))
		for k := range x {
			out = append(out, k)
		}
		sort.Strings(out)
		return out
	default:
		return nil
	}
}

// normalizeLabels accepts both the list ("key=value") and mapping forms.
func normalizeLabels(v any) map[string]string {
	out := make(map[string]string)
	switch labels := v.(type) {
	case []any:
		for _, l := range labels {
			s, ok := l.(string)
			if !ok {
				continue
			}
			if k, val, found := strings.Cut(s, "="); found {
				out[k] = val
			} else {
				out[s] = ""
			}
		}
	case map[string]any:
		for k, val := range labels {
			if val == nil {
				out[k] = ""
				continue
			}
			out[k] = fmt.Sprintf("%v", val)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// splitPort splits "HOST:CONTAINER" or "HOST:CONTAINER/PROTO" port strings.
// Only the container side retains the protocol. A bare port is treated as a
// container port with no host binding.
func splitPort(s string) (host, container string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	if host, container, found := strings.Cut(s, ":"); found {
		return host, container
	}
	return "", s
}

// ParseMemory converts memory strings with binary K/M/G suffixes to bytes.
// Bare integers are bytes.
func ParseMemory(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty memory value")
	}

	mult := int64(1)
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1024
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1024 * 1024
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}
	s = strings.TrimSuffix(s, "b")
	s = strings.TrimSuffix(s, "B")

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse memory %q: %w", s, err)
	}
	return n * mult, nil
}

// sortServices orders services so that dependencies come before dependents;
// unrelated services sort by name. A simple pairwise bubble is enough at
// stack scale.
func sortServices(services []Service) {
	sort.Slice(services, func(i, j int) bool {
		return services[i].Name < services[j].Name
	})
	// Each pass pulls at least one dependency level ahead of its dependents,
	// so len(services) passes reach a fixpoint even for chains.
	for pass := 0; pass < len(services); pass++ {
		swapped := false
		for i := 0; i < len(services); i++ {
			for j := i + 1; j < len(services); j++ {
				if dependsOn(&services[i], services[j].Name) {
					services[i], services[j] = services[j], services[i]
					swapped = true
				}
			}
		}
		if !swapped {
			break
		}
	}
}

func dependsOn(s *Service, name string) bool {
	for _, d := range s.DependsOn {
		if d == name {
			return true
		}
	}
	return false
}
