// Package runtime defines the container runtime port the control plane
// consumes, plus its Docker SDK adapter and an in-memory fake for tests.
package runtime

import (
	"context"
	"io"
)

// Port abstracts the container runtime. The core never speaks the Docker
// wire protocol directly; everything goes through this capability set.
type Port interface {
	// PullImage pulls an image, optionally authenticating with creds.
	PullImage(ctx context.Context, image string, creds *RegistryAuth) error

	// CreateContainer creates (but does not start) a container and returns its id.
	CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error)

	StartContainer(ctx context.Context, id string) error

	// StopContainer stops a container with a 10 second grace period.
	StopContainer(ctx context.Context, id string) error

	RestartContainer(ctx context.Context, id string) error

	RemoveContainer(ctx context.Context, id string, force bool) error

	// ListContainers returns all containers; stopped ones only when all is true.
	ListContainers(ctx context.Context, all bool) ([]ContainerInfo, error)

	InspectContainer(ctx context.Context, id string) (*ContainerInfo, error)

	// GetLogs returns up to tail recent log lines for a container.
	GetLogs(ctx context.Context, id string, tail int) ([]string, error)

	GetStats(ctx context.Context, id string) (*ContainerStats, error)

	// ExecCommand creates an exec instance inside a container and returns its handle.
	ExecCommand(ctx context.Context, id string, cmd []string) (string, error)

	// ConnectExec attaches to an exec instance, returning its output stream
	// and input sink. The caller closes both.
	ConnectExec(ctx context.Context, execID string) (io.ReadCloser, io.WriteCloser, error)

	// EnsureNetwork creates the named network if it does not exist.
	EnsureNetwork(ctx context.Context, name string) error

	ConnectNetwork(ctx context.Context, containerName, network string) error

	ListNetworks(ctx context.Context) ([]NetworkInfo, error)

	ListNodes(ctx context.Context) ([]NodeInfo, error)

	IsSwarmEnabled(ctx context.Context) (bool, error)

	SwarmInit(ctx context.Context, listenAddr string) (string, error)

	SwarmJoin(ctx context.Context, listenAddr, remoteAddr, token string) error

	// MigrateNetworkToOverlay recreates a local network as an attachable overlay.
	MigrateNetworkToOverlay(ctx context.Context, name string) error
}

// RegistryAuth carries image-pull credentials.
type RegistryAuth struct {
	Username string
	Password string
}

// ContainerInfo is the summary view of a container as reported by the runtime.
type ContainerInfo struct {
	ID       string
	Names    []string // each prefixed "/"
	Image    string
	State    string // running, exited, created, paused, dead, ...
	Status   string // human-readable, e.g. "Up 2 hours"
	Labels   map[string]string
	Networks map[string]EndpointInfo
}

// Name returns the first container name without the leading slash.
func (c *ContainerInfo) Name() string {
	if len(c.Names) == 0 {
		return ""
	}
	n := c.Names[0]
	if len(n) > 0 && n[0] == '/' {
		return n[1:]
	}
	return n
}

// EndpointInfo holds per-network endpoint details for a container.
type EndpointInfo struct {
	IPv4 string
	IPv6 string
	MAC  string
}

// ContainerConfig is the creation request handed to the runtime.
type ContainerConfig struct {
	Name          string
	Image         string
	Env           []string // KEY=VALUE
	Ports         []string // "HOST:CONTAINER" or "CONTAINER", /tcp by default
	Volumes       []string // "host:container[:mode]" bind or named-volume specs
	Labels        map[string]string
	CPULimit      float64 // cores, 0 = unlimited
	MemoryLimit   int64   // bytes, 0 = unlimited
	Cmd           []string
	NetworkMode   string
	ExtraHosts    []string
	RestartPolicy string
}

// ContainerStats is one stats sample for a running container.
type ContainerStats struct {
	CPUPercent  float64
	MemoryBytes int64
}

// NetworkInfo is the summary view of a network.
type NetworkInfo struct {
	ID     string
	Name   string
	Driver string
	Scope  string
}

// NodeInfo is the summary view of a Swarm node.
type NodeInfo struct {
	ID       string
	Hostname string
	Role     string
	State    string
}
