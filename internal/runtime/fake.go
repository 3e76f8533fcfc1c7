package runtime

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/labuh/labuh/internal/apperr"
)

// Fake is an in-memory Port implementation for tests. State is guarded by a
// mutex; hooks let tests inject failures at specific call sites.
type Fake struct {
	mu         sync.Mutex
	nextID     int
	containers map[string]*fakeContainer
	networks   map[string]bool
	pulled     []string

	// Failure hooks. A nil hook never fails.
	OnPull   func(image string) error
	OnCreate func(cfg ContainerConfig) error
	OnStart  func(id string) error
	OnStop   func(id string) error
	OnRemove func(id string) error

	// StatsFor overrides the stats sample returned per container id.
	StatsFor map[string]ContainerStats

	// ExecOutput is streamed by ConnectExec.
	ExecOutput string

	// Logs returned by GetLogs per container id.
	LogLines map[string][]string

	SwarmActive bool
}

type fakeContainer struct {
	info   ContainerInfo
	config ContainerConfig
}

func NewFake() *Fake {
	return &Fake{
		containers: make(map[string]*fakeContainer),
		networks:   make(map[string]bool),
	}
}

// Pulled returns the images pulled so far, in order.
func (f *Fake) Pulled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pulled...)
}

// ContainerByName returns a container's info by name, or nil.
func (f *Fake) ContainerByName(name string) *ContainerInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if c.info.Name() == name {
			info := c.info
			return &info
		}
	}
	return nil
}

// ConfigByName returns the creation config for a named container, or nil.
func (f *Fake) ConfigByName(name string) *ContainerConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if c.info.Name() == name {
			cfg := c.config
			return &cfg
		}
	}
	return nil
}

// HasNetwork reports whether EnsureNetwork has created the named network.
func (f *Fake) HasNetwork(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.networks[name]
}

// Seed adds a pre-existing container in the given state and returns its id.
func (f *Fake) Seed(name, image, state string, labels map[string]string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.add(ContainerConfig{Name: name, Image: image, Labels: labels}, state)
}

// add inserts a container; caller holds the lock.
func (f *Fake) add(cfg ContainerConfig, state string) string {
	f.nextID++
	id := fmt.Sprintf("fake-%d", f.nextID)
	f.containers[id] = &fakeContainer{
		info: ContainerInfo{
			ID:     id,
			Names:  []string{"/" + cfg.Name},
			Image:  cfg.Image,
			State:  state,
			Labels: cfg.Labels,
		},
		config: cfg,
	}
	return id
}

func (f *Fake) PullImage(_ context.Context, image string, _ *RegistryAuth) error {
	if f.OnPull != nil {
		if err := f.OnPull(image); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, image)
	return nil
}

func (f *Fake) CreateContainer(_ context.Context, cfg ContainerConfig) (string, error) {
	if f.OnCreate != nil {
		if err := f.OnCreate(cfg); err != nil {
			return "", err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if c.info.Name() == cfg.Name {
			return "", apperr.Errorf(apperr.Conflict, "container name %q already in use", cfg.Name)
		}
	}
	return f.add(cfg, "created"), nil
}

func (f *Fake) StartContainer(_ context.Context, id string) error {
	if f.OnStart != nil {
		if err := f.OnStart(id); err != nil {
			return err
		}
	}
	return f.setState(id, "running")
}

func (f *Fake) StopContainer(_ context.Context, id string) error {
	if f.OnStop != nil {
		if err := f.OnStop(id); err != nil {
			return err
		}
	}
	return f.setState(id, "exited")
}

func (f *Fake) RestartContainer(_ context.Context, id string) error {
	return f.setState(id, "running")
}

func (f *Fake) setState(id, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return apperr.Errorf(apperr.NotFound, "container %s not found", id)
	}
	c.info.State = state
	return nil
}

func (f *Fake) RemoveContainer(_ context.Context, id string, force bool) error {
	if f.OnRemove != nil {
		if err := f.OnRemove(id); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return apperr.Errorf(apperr.NotFound, "container %s not found", id)
	}
	if c.info.State == "running" && !force {
		return apperr.Errorf(apperr.Conflict, "container %s is running", id)
	}
	delete(f.containers, id)
	return nil
}

func (f *Fake) ListContainers(_ context.Context, all bool) ([]ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var result []ContainerInfo
	for _, c := range f.containers {
		if !all && c.info.State != "running" {
			continue
		}
		result = append(result, c.info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (f *Fake) InspectContainer(_ context.Context, id string) (*ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		info := c.info
		return &info, nil
	}
	// Also accept lookup by name, as the SDK does.
	for _, c := range f.containers {
		if c.info.Name() == strings.TrimPrefix(id, "/") {
			info := c.info
			return &info, nil
		}
	}
	return nil, apperr.Errorf(apperr.NotFound, "container %s not found", id)
}

func (f *Fake) GetLogs(_ context.Context, id string, tail int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lines := f.LogLines[id]
	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return append([]string(nil), lines...), nil
}

func (f *Fake) GetStats(_ context.Context, id string) (*ContainerStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return nil, apperr.Errorf(apperr.NotFound, "container %s not found", id)
	}
	if s, ok := f.StatsFor[id]; ok {
		return &s, nil
	}
	return &ContainerStats{CPUPercent: 1.0, MemoryBytes: 1 << 20}, nil
}

func (f *Fake) ExecCommand(_ context.Context, id string, _ []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return "", apperr.Errorf(apperr.NotFound, "container %s not found", id)
	}
	f.nextID++
	return fmt.Sprintf("exec-%d", f.nextID), nil
}

func (f *Fake) ConnectExec(_ context.Context, _ string) (io.ReadCloser, io.WriteCloser, error) {
	return io.NopCloser(strings.NewReader(f.ExecOutput)), nopWriteCloser{}, nil
}

type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }

func (f *Fake) EnsureNetwork(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks[name] = true
	return nil
}

func (f *Fake) ConnectNetwork(_ context.Context, _, networkName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.networks[networkName] {
		return apperr.Errorf(apperr.NotFound, "network %s not found", networkName)
	}
	return nil
}

func (f *Fake) ListNetworks(_ context.Context) ([]NetworkInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []NetworkInfo
	for name := range f.networks {
		result = append(result, NetworkInfo{ID: name, Name: name, Driver: "bridge", Scope: "local"})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (f *Fake) ListNodes(_ context.Context) ([]NodeInfo, error) {
	return nil, nil
}

func (f *Fake) IsSwarmEnabled(_ context.Context) (bool, error) {
	return f.SwarmActive, nil
}

func (f *Fake) SwarmInit(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SwarmActive = true
	return "fake-node", nil
}

func (f *Fake) SwarmJoin(_ context.Context, _, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SwarmActive = true
	return nil
}

func (f *Fake) MigrateNetworkToOverlay(ctx context.Context, name string) error {
	return f.EnsureNetwork(ctx, name)
}
