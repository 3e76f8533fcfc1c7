package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/labuh/labuh/internal/apperr"
	"github.com/labuh/labuh/internal/runtime"
)

const (
	// Version tags the proxy container; bumping it forces a replace on the
	// next bootstrap so config-file changes roll out.
	Version = "2"

	ContainerName = "labuh-caddy"
	image         = "caddy:2-alpine"

	LabelManaged = "labuh.managed"
	LabelService = "labuh.service"
	LabelVersion = "labuh.caddy.version"

	configFileName = "caddy.json"
)

// adminOnlyConfig enables just the admin API; all routing is programmed at
// runtime through it.
const adminOnlyConfig = `{"admin":{"listen":"0.0.0.0:2019"}}`

// Bootstrap ensures the proxy container exists, is labeled with the current
// version, and is running. A version mismatch replaces the container; its
// named volumes survive, so issued certificates are kept.
func Bootstrap(ctx context.Context, rt runtime.Port, networkName, dataDir string) error {
	if err := rt.EnsureNetwork(ctx, networkName); err != nil {
		return fmt.Errorf("ensure network: %w", err)
	}

	containers, err := rt.ListContainers(ctx, true)
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	for i := range containers {
		c := &containers[i]
		if c.Name() != ContainerName {
			continue
		}
		if c.Labels[LabelVersion] == Version {
			if c.State == "running" {
				return nil
			}
			slog.Info("starting stopped proxy container", "id", c.ID)
			return rt.StartContainer(ctx, c.ID)
		}

		slog.Info("proxy container outdated, replacing",
			"have", c.Labels[LabelVersion], "want", Version)
		if c.State == "running" {
			if err := rt.StopContainer(ctx, c.ID); err != nil {
				return fmt.Errorf("stop outdated proxy: %w", err)
			}
		}
		if err := rt.RemoveContainer(ctx, c.ID, true); err != nil {
			return fmt.Errorf("remove outdated proxy: %w", err)
		}
		break
	}

	return create(ctx, rt, networkName, dataDir)
}

func create(ctx context.Context, rt runtime.Port, networkName, dataDir string) error {
	if err := rt.PullImage(ctx, image, nil); err != nil {
		return fmt.Errorf("pull proxy image: %w", err)
	}

	configPath, err := ensureConfigFile(dataDir)
	if err != nil {
		return err
	}

	id, err := rt.CreateContainer(ctx, runtime.ContainerConfig{
		Name:  ContainerName,
		Image: image,
		Cmd:   []string{"caddy", "run", "--config", "/etc/caddy/caddy.json"},
		Ports: []string{"80:80", "443:443", "127.0.0.1:2019:2019"},
		Volumes: []string{
			configPath + ":/etc/caddy/caddy.json",
			"labuh-caddy-data:/data",
			"labuh-caddy-config:/config",
		},
		Labels: map[string]string{
			LabelManaged: "true",
			LabelService: "caddy",
			LabelVersion: Version,
		},
		NetworkMode:   networkName,
		RestartPolicy: "always",
	})
	if err != nil {
		return apperr.Wrap(apperr.ProxyError, "create proxy container", err)
	}
	if err := rt.StartContainer(ctx, id); err != nil {
		return apperr.Wrap(apperr.ProxyError, "start proxy container", err)
	}

	slog.Info("proxy container created", "id", id, "version", Version)
	return nil
}

// ensureConfigFile writes the minimal admin-only config if the host-side file
// is absent or empty, and returns its absolute path for the bind mount.
func ensureConfigFile(dataDir string) (string, error) {
	path := filepath.Join(dataDir, configFileName)

	info, err := os.Stat(path)
	if err == nil && info.Size() > 0 {
		return filepath.Abs(path)
	}
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("stat proxy config: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(adminOnlyConfig), 0o644); err != nil {
		return "", fmt.Errorf("write proxy config: %w", err)
	}
	slog.Info("wrote proxy config", "path", path)
	return filepath.Abs(path)
}
