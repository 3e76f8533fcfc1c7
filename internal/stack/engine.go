// Package stack implements the stack lifecycle engine: create, start/stop,
// redeploy, and removal of the container groups defined by Compose manifests.
package stack

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/labuh/labuh/internal/apperr"
	"github.com/labuh/labuh/internal/compose"
	"github.com/labuh/labuh/internal/models"
	"github.com/labuh/labuh/internal/runtime"
)

// Container labels stamped on everything the engine creates.
const (
	LabelStackID     = "labuh.stack.id"
	LabelStackName   = "labuh.stack.name"
	LabelServiceName = "labuh.service.name"
	LabelManaged     = "labuh.managed"
)

// Engine reconciles stack rows against the live container set. Operations
// rediscover containers from the runtime each time instead of trusting stored
// ids, so out-of-band removals are tolerated.
type Engine struct {
	stacks    *models.StackStore
	envs      *models.EnvVarStore
	resources *models.ContainerResourceStore
	creds     *models.RegistryCredentialStore
	rt        runtime.Port
	network   string
}

func NewEngine(stacks *models.StackStore, envs *models.EnvVarStore, resources *models.ContainerResourceStore, creds *models.RegistryCredentialStore, rt runtime.Port, network string) *Engine {
	return &Engine{stacks: stacks, envs: envs, resources: resources, creds: creds, rt: rt, network: network}
}

// Create parses the manifest, persists the stack row, and creates (but does
// not start) one container per service. A parse error fails the whole create
// before anything is persisted. A later failure leaves the row at status
// creating so the user can inspect and retry.
func (e *Engine) Create(ctx context.Context, stack *models.Stack) error {
	parsed, err := compose.Parse(stack.Compose)
	if err != nil {
		return err
	}

	stack.Status = models.StackCreating
	if err := e.stacks.Create(stack); err != nil {
		return err
	}

	for i := range parsed.Services {
		svc := &parsed.Services[i]
		if err := e.createService(ctx, stack, svc); err != nil {
			return fmt.Errorf("service %s: %w", svc.Name, err)
		}
	}

	return e.stacks.SetStatus(stack.ID, models.StackStopped)
}

// createService pulls the image and creates the service's container.
func (e *Engine) createService(ctx context.Context, stack *models.Stack, svc *compose.Service) error {
	env, err := e.mergedEnv(stack, svc)
	if err != nil {
		return err
	}

	if err := e.rt.PullImage(ctx, svc.Image, e.pullAuth(stack.TeamID, svc.Image)); err != nil {
		return fmt.Errorf("pull %s: %w", svc.Image, err)
	}

	cfg := e.containerConfig(stack, svc, env)
	if _, err := e.rt.CreateContainer(ctx, cfg); err != nil {
		return fmt.Errorf("create container %s: %w", cfg.Name, err)
	}
	slog.Info("container created", "stack", stack.Name, "service", svc.Name)
	return nil
}

// pullAuth resolves team registry credentials for an image reference. Any
// lookup or decode failure falls back to an anonymous pull.
func (e *Engine) pullAuth(teamID, image string) *runtime.RegistryAuth {
	host := models.RegistryHost(image)
	cred, err := e.creds.Get(teamID, host)
	if err != nil {
		if !apperr.Is(err, apperr.NotFound) {
			slog.Warn("registry credential lookup failed, pulling anonymously", "registry", host, "err", err)
		}
		return nil
	}
	password, err := cred.DecodePassword()
	if err != nil {
		slog.Warn("registry credential unusable, pulling anonymously", "registry", host, "err", err)
		return nil
	}
	return &runtime.RegistryAuth{Username: cred.Username, Password: password}
}

// mergedEnv applies stored env overrides on top of the manifest env list.
// Overrides replace a manifest entry with the same key, otherwise append.
func (e *Engine) mergedEnv(stack *models.Stack, svc *compose.Service) ([]string, error) {
	overrides, err := e.envs.EffectiveFor(stack.ID, svc.Name)
	if err != nil {
		return nil, err
	}

	merged := append([]string(nil), svc.Env...)
	var appended []string
	for k, v := range overrides {
		replaced := false
		for i, entry := range merged {
			if strings.HasPrefix(entry, k+"=") {
				merged[i] = k + "=" + v
				replaced = true
				break
			}
		}
		if !replaced {
			appended = append(appended, k+"="+v)
		}
	}
	sort.Strings(appended)
	return append(merged, appended...), nil
}

// containerConfig translates one parsed service into a runtime request.
// Stored resource limits win over the manifest's.
func (e *Engine) containerConfig(stack *models.Stack, svc *compose.Service, env []string) runtime.ContainerConfig {
	cpuLimit, memoryLimit := svc.CPULimit, svc.MemoryLimit
	if override, err := e.resources.Get(stack.ID, svc.Name); err == nil {
		cpuLimit, memoryLimit = override.CPULimit, override.MemoryLimit
	} else if !apperr.Is(err, apperr.NotFound) {
		slog.Warn("resource limit lookup failed, using manifest limits", "stack", stack.Name, "service", svc.Name, "err", err)
	}

	labels := map[string]string{
		LabelStackID:     stack.ID,
		LabelStackName:   stack.Name,
		LabelServiceName: svc.Name,
		LabelManaged:     "true",
	}
	for k, v := range svc.Labels {
		labels[k] = v
	}

	var ports []string
	for containerPort, hostPort := range svc.Ports {
		if hostPort != "" {
			ports = append(ports, hostPort+":"+containerPort)
		} else {
			ports = append(ports, containerPort)
		}
	}
	sort.Strings(ports)

	var volumes []string
	for host, containerPath := range svc.Volumes {
		volumes = append(volumes, host+":"+containerPath)
	}
	sort.Strings(volumes)

	return runtime.ContainerConfig{
		Name:          ContainerName(stack.Name, svc.Name),
		Image:         svc.Image,
		Env:           env,
		Ports:         ports,
		Volumes:       volumes,
		Labels:        labels,
		CPULimit:      cpuLimit,
		MemoryLimit:   memoryLimit,
		NetworkMode:   e.network,
		RestartPolicy: "unless-stopped",
	}
}

// ContainerName is the canonical child container name for a stack service.
func ContainerName(stackName, serviceName string) string {
	return stackName + "-" + serviceName
}

// Containers rediscovers the stack's containers from the runtime: everything
// whose first name starts with "{stack_name}-". Containers carrying a stack
// id label must match it, so a rename collision with a foreign stack's
// containers is excluded.
func (e *Engine) Containers(ctx context.Context, stack *models.Stack) ([]runtime.ContainerInfo, error) {
	all, err := e.rt.ListContainers(ctx, true)
	if err != nil {
		return nil, err
	}

	prefix := stack.Name + "-"
	var out []runtime.ContainerInfo
	for _, c := range all {
		if !strings.HasPrefix(c.Name(), prefix) {
			continue
		}
		if id, ok := c.Labels[LabelStackID]; ok && id != stack.ID {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Start brings every stack container to running and flips the status. The
// first transition error aborts and leaves the status untouched.
func (e *Engine) Start(ctx context.Context, stack *models.Stack) error {
	containers, err := e.Containers(ctx, stack)
	if err != nil {
		return err
	}
	for _, c := range containers {
		if c.State == "running" {
			continue
		}
		if err := e.rt.StartContainer(ctx, c.ID); err != nil {
			return fmt.Errorf("start %s: %w", c.Name(), err)
		}
	}
	return e.stacks.SetStatus(stack.ID, models.StackRunning)
}

// Stop is the inverse of Start.
func (e *Engine) Stop(ctx context.Context, stack *models.Stack) error {
	containers, err := e.Containers(ctx, stack)
	if err != nil {
		return err
	}
	for _, c := range containers {
		if c.State != "running" {
			continue
		}
		if err := e.rt.StopContainer(ctx, c.ID); err != nil {
			return fmt.Errorf("stop %s: %w", c.Name(), err)
		}
	}
	return e.stacks.SetStatus(stack.ID, models.StackStopped)
}

// RedeployStack pulls fresh images and replaces every service container,
// then starts the stack. Pull errors abort; stop/remove errors on the old
// containers are logged and skipped so a half-removed container cannot wedge
// the redeploy. An uncaught failure parks the stack at status error.
func (e *Engine) RedeployStack(ctx context.Context, stack *models.Stack) (err error) {
	if err := e.stacks.SetStatus(stack.ID, models.StackDeploying); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if serr := e.stacks.SetStatus(stack.ID, models.StackError); serr != nil {
				slog.Error("failed to mark stack errored", "stack", stack.Name, "err", serr)
			}
		}
	}()

	parsed, err := compose.Parse(stack.Compose)
	if err != nil {
		return err
	}

	for i := range parsed.Services {
		if err = e.redeployService(ctx, stack, &parsed.Services[i]); err != nil {
			return fmt.Errorf("service %s: %w", parsed.Services[i].Name, err)
		}
	}

	return e.Start(ctx, stack)
}

// RedeployService redeploys just one service, matched case-insensitively by
// bare service name or the full container name, then starts the stack.
func (e *Engine) RedeployService(ctx context.Context, stack *models.Stack, name string) (err error) {
	parsed, err := compose.Parse(stack.Compose)
	if err != nil {
		return err
	}

	var target *compose.Service
	for i := range parsed.Services {
		svc := &parsed.Services[i]
		if strings.EqualFold(svc.Name, name) ||
			strings.EqualFold(ContainerName(stack.Name, svc.Name), name) {
			target = svc
			break
		}
	}
	if target == nil {
		return apperr.Errorf(apperr.NotFound, "service %s not found in stack %s", name, stack.Name)
	}

	if err := e.stacks.SetStatus(stack.ID, models.StackDeploying); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if serr := e.stacks.SetStatus(stack.ID, models.StackError); serr != nil {
				slog.Error("failed to mark stack errored", "stack", stack.Name, "err", serr)
			}
		}
	}()

	if err = e.redeployService(ctx, stack, target); err != nil {
		return fmt.Errorf("service %s: %w", target.Name, err)
	}
	return e.Start(ctx, stack)
}

// redeployService replaces the container for one service: merge env, pull,
// remove the old container, create the new one.
func (e *Engine) redeployService(ctx context.Context, stack *models.Stack, svc *compose.Service) error {
	env, err := e.mergedEnv(stack, svc)
	if err != nil {
		return err
	}

	if err := e.rt.PullImage(ctx, svc.Image, e.pullAuth(stack.TeamID, svc.Image)); err != nil {
		return fmt.Errorf("pull %s: %w", svc.Image, err)
	}

	// Rediscover after the pull: the container set may have drifted while
	// the image downloaded.
	containers, err := e.Containers(ctx, stack)
	if err != nil {
		return err
	}
	want := ContainerName(stack.Name, svc.Name)
	for _, c := range containers {
		if c.Name() != want {
			continue
		}
		if c.State == "running" {
			if err := e.rt.StopContainer(ctx, c.ID); err != nil {
				slog.Warn("stop before replace failed, continuing", "container", want, "err", err)
			}
		}
		if err := e.rt.RemoveContainer(ctx, c.ID, true); err != nil {
			slog.Warn("remove before replace failed, continuing", "container", want, "err", err)
		}
	}

	cfg := e.containerConfig(stack, svc, env)
	if _, err := e.rt.CreateContainer(ctx, cfg); err != nil {
		return fmt.Errorf("create container %s: %w", cfg.Name, err)
	}
	return nil
}

// Remove tears the stack down: stop and force-remove every container
// (individual errors are logged, not fatal), then delete the row and its
// child env vars and resource limits. Domains are compensated by the domain
// provisioner before this is called.
func (e *Engine) Remove(ctx context.Context, stack *models.Stack) error {
	containers, err := e.Containers(ctx, stack)
	if err != nil {
		return err
	}
	for _, c := range containers {
		if c.State == "running" {
			if err := e.rt.StopContainer(ctx, c.ID); err != nil {
				slog.Warn("stop during remove failed", "container", c.Name(), "err", err)
			}
		}
		if err := e.rt.RemoveContainer(ctx, c.ID, true); err != nil {
			slog.Warn("remove container failed", "container", c.Name(), "err", err)
		}
	}

	if err := e.envs.DeleteForStack(stack.ID); err != nil {
		return err
	}
	if err := e.resources.DeleteForStack(stack.ID); err != nil {
		return err
	}
	return e.stacks.Delete(stack.ID)
}

// Health summarizes the live container states for a stack.
type Health struct {
	Total     int    `json:"total"`
	Running   int    `json:"running"`
	Stopped   int    `json:"stopped"`
	Unhealthy int    `json:"unhealthy"`
	Status    string `json:"status"` // empty, healthy, partial, stopped
}

func (e *Engine) Health(ctx context.Context, stack *models.Stack) (*Health, error) {
	containers, err := e.Containers(ctx, stack)
	if err != nil {
		return nil, err
	}

	h := &Health{Total: len(containers)}
	for _, c := range containers {
		switch c.State {
		case "running":
			h.Running++
		case "exited", "created":
			h.Stopped++
		default:
			h.Unhealthy++
		}
	}

	switch {
	case h.Total == 0:
		h.Status = "empty"
	case h.Running == h.Total:
		h.Status = "healthy"
	case h.Running > 0:
		h.Status = "partial"
	default:
		h.Status = "stopped"
	}
	return h, nil
}

// Logs returns recent log lines for one of the stack's containers. The
// container must belong to the stack; anything else is NotFound.
func (e *Engine) Logs(ctx context.Context, stack *models.Stack, containerName string, tail int) ([]string, error) {
	containers, err := e.Containers(ctx, stack)
	if err != nil {
		return nil, err
	}
	for _, c := range containers {
		if c.Name() == containerName {
			return e.rt.GetLogs(ctx, c.ID, tail)
		}
	}
	return nil, apperr.Errorf(apperr.NotFound, "container %s not found in stack %s", containerName, stack.Name)
}
