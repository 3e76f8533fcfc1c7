package runtime

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/labuh/labuh/internal/apperr"
)

const stopGraceSeconds = 10

// DockerPort implements Port using the Docker Engine SDK.
type DockerPort struct {
	cli *client.Client
}

// NewDockerPort connects to the daemon named by DOCKER_HOST (or the default
// socket) with API version negotiation.
func NewDockerPort() (*DockerPort, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker sdk: %w", err)
	}
	return &DockerPort{cli: cli}, nil
}

func (d *DockerPort) Close() error { return d.cli.Close() }

func (d *DockerPort) PullImage(ctx context.Context, ref string, creds *RegistryAuth) error {
	opts := image.PullOptions{}
	if creds != nil {
		auth, err := json.Marshal(registry.AuthConfig{
			Username: creds.Username,
			Password: creds.Password,
		})
		if err != nil {
			return fmt.Errorf("encode registry auth: %w", err)
		}
		opts.RegistryAuth = base64.URLEncoding.EncodeToString(auth)
	}

	rc, err := d.cli.ImagePull(ctx, ref, opts)
	if err != nil {
		return apperr.Wrap(apperr.RuntimeError, fmt.Sprintf("pull %s", ref), err)
	}
	defer rc.Close()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return apperr.Wrap(apperr.RuntimeError, fmt.Sprintf("pull %s", ref), err)
	}
	return nil
}

func (d *DockerPort) CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	exposed, bindings, err := nat.ParsePortSpecs(cfg.Ports)
	if err != nil {
		return "", apperr.Wrap(apperr.Validation, "parse ports", err)
	}

	containerCfg := &container.Config{
		Image:        cfg.Image,
		Env:          cfg.Env,
		Labels:       cfg.Labels,
		Cmd:          cfg.Cmd,
		ExposedPorts: exposed,
	}

	restart := cfg.RestartPolicy
	if restart == "" {
		restart = "unless-stopped"
	}

	hostCfg := &container.HostConfig{
		Binds:         cfg.Volumes,
		PortBindings:  bindings,
		ExtraHosts:    cfg.ExtraHosts,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyMode(restart)},
		Resources: container.Resources{
			NanoCPUs: int64(cfg.CPULimit * 1e9),
			Memory:   cfg.MemoryLimit,
		},
	}

	var netCfg *network.NetworkingConfig
	if cfg.NetworkMode != "" {
		hostCfg.NetworkMode = container.NetworkMode(cfg.NetworkMode)
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				cfg.NetworkMode: {},
			},
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, cfg.Name)
	if err != nil {
		return "", apperr.Wrap(apperr.RuntimeError, fmt.Sprintf("create container %s", cfg.Name), err)
	}
	return resp.ID, nil
}

func (d *DockerPort) StartContainer(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return apperr.Wrap(apperr.RuntimeError, "start container", err)
	}
	return nil
}

func (d *DockerPort) StopContainer(ctx context.Context, id string) error {
	grace := stopGraceSeconds
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &grace}); err != nil {
		return apperr.Wrap(apperr.RuntimeError, "stop container", err)
	}
	return nil
}

func (d *DockerPort) RestartContainer(ctx context.Context, id string) error {
	grace := stopGraceSeconds
	if err := d.cli.ContainerRestart(ctx, id, container.StopOptions{Timeout: &grace}); err != nil {
		return apperr.Wrap(apperr.RuntimeError, "restart container", err)
	}
	return nil
}

func (d *DockerPort) RemoveContainer(ctx context.Context, id string, force bool) error {
	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force}); err != nil {
		return apperr.Wrap(apperr.RuntimeError, "remove container", err)
	}
	return nil
}

func (d *DockerPort) ListContainers(ctx context.Context, all bool) ([]ContainerInfo, error) {
	raw, err := d.cli.ContainerList(ctx, container.ListOptions{All: all})
	if err != nil {
		return nil, apperr.Wrap(apperr.RuntimeError, "list containers", err)
	}

	result := make([]ContainerInfo, 0, len(raw))
	for _, c := range raw {
		info := ContainerInfo{
			ID:     c.ID,
			Names:  c.Names,
			Image:  c.Image,
			State:  c.State,
			Status: c.Status,
			Labels: c.Labels,
		}
		if c.NetworkSettings != nil {
			info.Networks = make(map[string]EndpointInfo, len(c.NetworkSettings.Networks))
			for name, ep := range c.NetworkSettings.Networks {
				info.Networks[name] = EndpointInfo{
					IPv4: ep.IPAddress,
					IPv6: ep.GlobalIPv6Address,
					MAC:  ep.MacAddress,
				}
			}
		}
		result = append(result, info)
	}
	return result, nil
}

func (d *DockerPort) InspectContainer(ctx context.Context, id string) (*ContainerInfo, error) {
	raw, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, apperr.Errorf(apperr.NotFound, "container %s not found", id)
		}
		return nil, apperr.Wrap(apperr.RuntimeError, "inspect container", err)
	}

	info := &ContainerInfo{
		ID:    raw.ID,
		Names: []string{raw.Name},
		Image: raw.Config.Image,
	}
	if raw.State != nil {
		info.State = raw.State.Status
	}
	if raw.Config != nil {
		info.Labels = raw.Config.Labels
	}
	if raw.NetworkSettings != nil {
		info.Networks = make(map[string]EndpointInfo, len(raw.NetworkSettings.Networks))
		for name, ep := range raw.NetworkSettings.Networks {
			info.Networks[name] = EndpointInfo{
				IPv4: ep.IPAddress,
				IPv6: ep.GlobalIPv6Address,
				MAC:  ep.MacAddress,
			}
		}
	}
	return info, nil
}

func (d *DockerPort) GetLogs(ctx context.Context, id string, tail int) ([]string, error) {
	inspect, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.RuntimeError, "inspect container", err)
	}
	tty := inspect.Config != nil && inspect.Config.Tty

	rc, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.RuntimeError, "container logs", err)
	}
	defer rc.Close()

	var reader io.Reader = rc
	if !tty {
		// Multiplexed stream: demux stdout and stderr into one buffer.
		pr, pw := io.Pipe()
		go func() {
			_, err := stdcopy.StdCopy(pw, pw, rc)
			pw.CloseWithError(err)
		}()
		reader = pr
	}

	var lines []string
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, nil
}

func (d *DockerPort) GetStats(ctx context.Context, id string) (*ContainerStats, error) {
	resp, err := d.cli.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.RuntimeError, "container stats", err)
	}
	defer resp.Body.Close()

	var v container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}

	return &ContainerStats{
		CPUPercent:  cpuPercent(&v),
		MemoryBytes: int64(v.MemoryStats.Usage),
	}, nil
}

// cpuPercent computes the CPU usage percentage from a stats sample the same
// way `docker stats` does.
func cpuPercent(v *container.StatsResponse) float64 {
	cpuDelta := float64(v.CPUStats.CPUUsage.TotalUsage) - float64(v.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(v.CPUStats.SystemUsage) - float64(v.PreCPUStats.SystemUsage)
	if cpuDelta <= 0 || sysDelta <= 0 {
		return 0
	}
	online := float64(v.CPUStats.OnlineCPUs)
	if online == 0 {
		online = float64(len(v.CPUStats.CPUUsage.PercpuUsage))
	}
	return cpuDelta / sysDelta * online * 100.0
}

func (d *DockerPort) ExecCommand(ctx context.Context, id string, cmd []string) (string, error) {
	resp, err := d.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
	})
	if err != nil {
		return "", apperr.Wrap(apperr.RuntimeError, "exec create", err)
	}
	return resp.ID, nil
}

func (d *DockerPort) ConnectExec(ctx context.Context, execID string) (io.ReadCloser, io.WriteCloser, error) {
	resp, err := d.cli.ContainerExecAttach(ctx, execID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.RuntimeError, "exec attach", err)
	}
	return hijackStream{resp}, hijackStream{resp}, nil
}

// hijackStream adapts a hijacked connection to separate reader/writer halves.
type hijackStream struct {
	resp types.HijackedResponse
}

func (h hijackStream) Read(p []byte) (int, error)  { return h.resp.Reader.Read(p) }
func (h hijackStream) Write(p []byte) (int, error) { return h.resp.Conn.Write(p) }
func (h hijackStream) Close() error {
	h.resp.Close()
	return nil
}

func (d *DockerPort) EnsureNetwork(ctx context.Context, name string) error {
	if _, err := d.cli.NetworkInspect(ctx, name, network.InspectOptions{}); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return apperr.Wrap(apperr.RuntimeError, "inspect network", err)
	}

	driver := "bridge"
	if swarmOn, err := d.IsSwarmEnabled(ctx); err == nil && swarmOn {
		driver = "overlay"
	}

	_, err := d.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver:     driver,
		Attachable: true,
	})
	if err != nil {
		return apperr.Wrap(apperr.RuntimeError, fmt.Sprintf("create network %s", name), err)
	}
	return nil
}

func (d *DockerPort) ConnectNetwork(ctx context.Context, containerName, networkName string) error {
	err := d.cli.NetworkConnect(ctx, networkName, containerName, nil)
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return apperr.Wrap(apperr.RuntimeError, "connect network", err)
	}
	return nil
}

func (d *DockerPort) ListNetworks(ctx context.Context) ([]NetworkInfo, error) {
	raw, err := d.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return nil, apperr.Wrap(apperr.RuntimeError, "list networks", err)
	}
	result := make([]NetworkInfo, 0, len(raw))
	for _, n := range raw {
		result = append(result, NetworkInfo{
			ID:     n.ID,
			Name:   n.Name,
			Driver: n.Driver,
			Scope:  n.Scope,
		})
	}
	return result, nil
}

func (d *DockerPort) ListNodes(ctx context.Context) ([]NodeInfo, error) {
	raw, err := d.cli.NodeList(ctx, types.NodeListOptions{})
	if err != nil {
		return nil, apperr.Wrap(apperr.RuntimeError, "list nodes", err)
	}
	result := make([]NodeInfo, 0, len(raw))
	for _, n := range raw {
		result = append(result, NodeInfo{
			ID:       n.ID,
			Hostname: n.Description.Hostname,
			Role:     string(n.Spec.Role),
			State:    string(n.Status.State),
		})
	}
	return result, nil
}

func (d *DockerPort) IsSwarmEnabled(ctx context.Context) (bool, error) {
	info, err := d.cli.Info(ctx)
	if err != nil {
		return false, apperr.Wrap(apperr.RuntimeError, "daemon info", err)
	}
	return info.Swarm.LocalNodeState == swarm.LocalNodeStateActive, nil
}

func (d *DockerPort) SwarmInit(ctx context.Context, listenAddr string) (string, error) {
	id, err := d.cli.SwarmInit(ctx, swarm.InitRequest{
		ListenAddr:    listenAddr,
		AdvertiseAddr: listenAddr,
	})
	if err != nil {
		return "", apperr.Wrap(apperr.RuntimeError, "swarm init", err)
	}
	return id, nil
}

func (d *DockerPort) SwarmJoin(ctx context.Context, listenAddr, remoteAddr, token string) error {
	err := d.cli.SwarmJoin(ctx, swarm.JoinRequest{
		ListenAddr:  listenAddr,
		RemoteAddrs: []string{remoteAddr},
		JoinToken:   token,
	})
	if err != nil {
		return apperr.Wrap(apperr.RuntimeError, "swarm join", err)
	}
	return nil
}

func (d *DockerPort) MigrateNetworkToOverlay(ctx context.Context, name string) error {
	inspect, err := d.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return d.EnsureNetwork(ctx, name)
		}
		return apperr.Wrap(apperr.RuntimeError, "inspect network", err)
	}
	if inspect.Driver == "overlay" {
		return nil
	}

	if err := d.cli.NetworkRemove(ctx, name); err != nil {
		return apperr.Wrap(apperr.RuntimeError, "remove network", err)
	}
	_, err = d.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver:     "overlay",
		Attachable: true,
	})
	if err != nil {
		return apperr.Wrap(apperr.RuntimeError, "recreate network as overlay", err)
	}
	return nil
}
