package compose

// Parsed is the result of parsing a Compose manifest: services in an order
// consistent with depends_on, plus the declared top-level networks.
type Parsed struct {
	Services []Service
	Networks []string
}

// Service holds the normalized per-service data extracted from a manifest.
type Service struct {
	Name        string
	Image       string
	Env         []string          // KEY=VALUE, manifest order
	Ports       map[string]string // container port (may carry /proto) -> host port
	Volumes     map[string]string // host path or named volume -> container path
	DependsOn   []string
	Networks    []string
	Labels      map[string]string
	Build       *Build
	CPULimit    float64 // cores, 0 = unlimited
	MemoryLimit int64   // bytes, 0 = unlimited
	Deploy      *Deploy
}

// Build describes an optional build context for a service.
type Build struct {
	Context    string
	Dockerfile string
}

// Deploy carries the subset of the deploy block the engine understands.
type Deploy struct {
	Replicas    int
	Constraints []string
}

// HasImage reports whether the service resolved to a usable image reference.
func (s *Service) HasImage() bool { return s.Image != "" }
