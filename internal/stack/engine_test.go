package stack

import (
	"context"
	"errors"
	"strings"
	"testing"

	bolt "go.etcd.io/bbolt"

	"github.com/labuh/labuh/internal/apperr"
	"github.com/labuh/labuh/internal/db"
	"github.com/labuh/labuh/internal/models"
	"github.com/labuh/labuh/internal/runtime"
)

const testNetwork = "labuh-network"

type fixture struct {
	engine    *Engine
	stacks    *models.StackStore
	envs      *models.EnvVarStore
	resources *models.ContainerResourceStore
	creds     *models.RegistryCredentialStore
	rt        *runtime.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return newFixtureWithDB(database)
}

func newFixtureWithDB(database *bolt.DB) *fixture {
	f := &fixture{
		stacks:    models.NewStackStore(database),
		envs:      models.NewEnvVarStore(database),
		resources: models.NewContainerResourceStore(database),
		creds:     models.NewRegistryCredentialStore(database),
		rt:        runtime.NewFake(),
	}
	f.engine = NewEngine(f.stacks, f.envs, f.resources, f.creds, f.rt, testNetwork)
	return f
}

const twoServiceManifest = `
services:
  web:
    image: nginx:alpine
    ports:
      - "8080:80"
    environment:
      - MODE=production
    depends_on:
      - db
  db:
    image: postgres:16
`

func (f *fixture) createStack(t *testing.T, name string) *models.Stack {
	t.Helper()
	stack := &models.Stack{Name: name, UserID: 1, TeamID: "t1", Compose: twoServiceManifest}
	if err := f.engine.Create(context.Background(), stack); err != nil {
		t.Fatalf("create stack: %v", err)
	}
	return stack
}

func TestCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("creates containers in dependency order", func(t *testing.T) {
		f := newFixture(t)
		stack := f.createStack(t, "blog")

		if got := f.rt.Pulled(); len(got) != 2 || got[0] != "postgres:16" || got[1] != "nginx:alpine" {
			t.Errorf("unexpected pull order %v", got)
		}
		for _, name := range []string{"blog-db", "blog-web"} {
			c := f.rt.ContainerByName(name)
			if c == nil {
				t.Fatalf("container %s not created", name)
			}
			if c.State != "created" {
				t.Errorf("%s: create must not start containers, state %q", name, c.State)
			}
			if c.Labels[LabelStackID] != stack.ID || c.Labels[LabelServiceName] == "" {
				t.Errorf("%s: labels not stamped: %v", name, c.Labels)
			}
		}

		got, err := f.stacks.Get(stack.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != models.StackStopped {
			t.Errorf("expected stopped after create, got %q", got.Status)
		}
	})

	t.Run("container config", func(t *testing.T) {
		f := newFixture(t)
		f.createStack(t, "blog")

		cfg := f.rt.ConfigByName("blog-web")
		if cfg.NetworkMode != testNetwork {
			t.Errorf("expected network %q, got %q", testNetwork, cfg.NetworkMode)
		}
		if cfg.RestartPolicy != "unless-stopped" {
			t.Errorf("unexpected restart policy %q", cfg.RestartPolicy)
		}
		if len(cfg.Ports) != 1 || cfg.Ports[0] != "8080:80" {
			t.Errorf("unexpected ports %v", cfg.Ports)
		}
	})

	t.Run("parse error persists nothing", func(t *testing.T) {
		f := newFixture(t)
		stack := &models.Stack{Name: "bad", UserID: 1, Compose: "services:\n  web: {}\n"}
		err := f.engine.Create(ctx, stack)
		if apperr.KindOf(err) != apperr.Validation {
			t.Fatalf("expected Validation, got %v", err)
		}
		all, _ := f.stacks.List()
		if len(all) != 0 {
			t.Error("stack row persisted despite parse failure")
		}
	})

	t.Run("pull failure leaves status creating", func(t *testing.T) {
		f := newFixture(t)
		f.rt.OnPull = func(image string) error {
			if image == "nginx:alpine" {
				return errors.New("registry unreachable")
			}
			return nil
		}
		stack := &models.Stack{Name: "blog", UserID: 1, Compose: twoServiceManifest}
		if err := f.engine.Create(ctx, stack); err == nil {
			t.Fatal("expected create to fail")
		}
		got, err := f.stacks.Get(stack.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != models.StackCreating {
			t.Errorf("expected creating after partial failure, got %q", got.Status)
		}
		if f.rt.ContainerByName("blog-db") == nil {
			t.Error("first service container should exist")
		}
	})
}

func TestEnvMerge(t *testing.T) {
	f := newFixture(t)
	stack := f.createStack(t, "blog")

	seed := []models.EnvVar{
		{StackID: stack.ID, Key: "MODE", Value: "staging"},           // global, overrides manifest
		{StackID: stack.ID, Key: "REGION", Value: "eu"},              // global, appended
		{StackID: stack.ID, ContainerName: "web", Key: "MODE", Value: "debug"}, // service wins
	}
	for i := range seed {
		if err := f.envs.Upsert(&seed[i]); err != nil {
			t.Fatal(err)
		}
	}

	if err := f.engine.RedeployStack(context.Background(), stack); err != nil {
		t.Fatalf("redeploy: %v", err)
	}

	cfg := f.rt.ConfigByName("blog-web")
	want := []string{"MODE=debug", "REGION=eu"}
	for _, entry := range want {
		found := false
		for _, got := range cfg.Env {
			if got == entry {
				found = true
			}
		}
		if !found {
			t.Errorf("missing env entry %q in %v", entry, cfg.Env)
		}
	}
	for _, got := range cfg.Env {
		if got == "MODE=production" || got == "MODE=staging" {
			t.Errorf("stale env entry %q survived merge", got)
		}
	}
	if cfg.Env[0] != "MODE=debug" {
		t.Errorf("manifest entry order lost: %v", cfg.Env)
	}
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	stack := f.createStack(t, "blog")

	if err := f.engine.Start(ctx, stack); err != nil {
		t.Fatalf("start: %v", err)
	}
	for _, name := range []string{"blog-web", "blog-db"} {
		if c := f.rt.ContainerByName(name); c.State != "running" {
			t.Errorf("%s not running: %q", name, c.State)
		}
	}
	got, _ := f.stacks.Get(stack.ID)
	if got.Status != models.StackRunning {
		t.Errorf("expected running, got %q", got.Status)
	}

	if err := f.engine.Stop(ctx, stack); err != nil {
		t.Fatalf("stop: %v", err)
	}
	for _, name := range []string{"blog-web", "blog-db"} {
		if c := f.rt.ContainerByName(name); c.State != "exited" {
			t.Errorf("%s not stopped: %q", name, c.State)
		}
	}
	got, _ = f.stacks.Get(stack.ID)
	if got.Status != models.StackStopped {
		t.Errorf("expected stopped, got %q", got.Status)
	}

	t.Run("start failure leaves status untouched", func(t *testing.T) {
		f.rt.OnStart = func(string) error { return errors.New("cgroup error") }
		defer func() { f.rt.OnStart = nil }()

		if err := f.engine.Start(ctx, stack); err == nil {
			t.Fatal("expected start failure")
		}
		got, _ := f.stacks.Get(stack.ID)
		if got.Status != models.StackStopped {
			t.Errorf("status should stay stopped, got %q", got.Status)
		}
	})
}

func TestRedeployStack(t *testing.T) {
	ctx := context.Background()

	t.Run("replaces containers and starts", func(t *testing.T) {
		f := newFixture(t)
		stack := f.createStack(t, "blog")
		oldWeb := f.rt.ContainerByName("blog-web").ID

		if err := f.engine.RedeployStack(ctx, stack); err != nil {
			t.Fatalf("redeploy: %v", err)
		}

		newWeb := f.rt.ContainerByName("blog-web")
		if newWeb.ID == oldWeb {
			t.Error("container not replaced")
		}
		if newWeb.State != "running" {
			t.Errorf("expected running after redeploy, got %q", newWeb.State)
		}
		got, _ := f.stacks.Get(stack.ID)
		if got.Status != models.StackRunning {
			t.Errorf("expected running, got %q", got.Status)
		}
	})

	t.Run("pull failure sets error status", func(t *testing.T) {
		f := newFixture(t)
		stack := f.createStack(t, "blog")
		f.rt.OnPull = func(string) error { return errors.New("registry down") }

		if err := f.engine.RedeployStack(ctx, stack); err == nil {
			t.Fatal("expected redeploy failure")
		}
		got, _ := f.stacks.Get(stack.ID)
		if got.Status != models.StackError {
			t.Errorf("expected error status, got %q", got.Status)
		}
	})

	t.Run("remove failure is tolerated", func(t *testing.T) {
		f := newFixture(t)
		stack := f.createStack(t, "blog")

		// Delete a container behind the engine's back; redeploy must not wedge.
		web := f.rt.ContainerByName("blog-web")
		if err := f.rt.RemoveContainer(ctx, web.ID, true); err != nil {
			t.Fatal(err)
		}
		if err := f.engine.RedeployStack(ctx, stack); err != nil {
			t.Fatalf("redeploy after drift: %v", err)
		}
		if f.rt.ContainerByName("blog-web") == nil {
			t.Error("drifted service not recreated")
		}
	})
}

func TestRedeployService(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	stack := f.createStack(t, "blog")
	oldWeb := f.rt.ContainerByName("blog-web").ID
	oldDB := f.rt.ContainerByName("blog-db").ID

	t.Run("matches bare name case-insensitively", func(t *testing.T) {
		if err := f.engine.RedeployService(ctx, stack, "WEB"); err != nil {
			t.Fatalf("redeploy: %v", err)
		}
		if f.rt.ContainerByName("blog-web").ID == oldWeb {
			t.Error("web not replaced")
		}
		if f.rt.ContainerByName("blog-db").ID != oldDB {
			t.Error("db should not be touched")
		}
	})

	t.Run("matches full container name", func(t *testing.T) {
		before := f.rt.ContainerByName("blog-db").ID
		if err := f.engine.RedeployService(ctx, stack, "blog-db"); err != nil {
			t.Fatalf("redeploy: %v", err)
		}
		if f.rt.ContainerByName("blog-db").ID == before {
			t.Error("db not replaced")
		}
	})

	t.Run("unknown service", func(t *testing.T) {
		err := f.engine.RedeployService(ctx, stack, "cache")
		if apperr.KindOf(err) != apperr.NotFound {
			t.Errorf("expected NotFound, got %v", err)
		}
	})
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	stack := f.createStack(t, "blog")
	if err := f.engine.Start(ctx, stack); err != nil {
		t.Fatal(err)
	}
	if err := f.envs.Upsert(&models.EnvVar{StackID: stack.ID, Key: "MODE", Value: "x"}); err != nil {
		t.Fatal(err)
	}

	if err := f.engine.Remove(ctx, stack); err != nil {
		t.Fatalf("remove: %v", err)
	}

	if f.rt.ContainerByName("blog-web") != nil || f.rt.ContainerByName("blog-db") != nil {
		t.Error("containers survived remove")
	}
	if _, err := f.stacks.Get(stack.ID); apperr.KindOf(err) != apperr.NotFound {
		t.Errorf("expected NotFound, got %v", err)
	}
	envs, _ := f.envs.ListForStack(stack.ID)
	if len(envs) != 0 {
		t.Error("env vars survived remove")
	}
}

func TestContainerDiscovery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	stack := f.createStack(t, "blog")

	// Foreign stack with a colliding name prefix but a different id label.
	f.rt.Seed("blog-admin", "other:latest", "running", map[string]string{LabelStackID: "other-stack"})
	// Unlabeled container matching the prefix counts (out-of-band creation).
	f.rt.Seed("blog-worker", "worker:latest", "exited", nil)
	// Unrelated container.
	f.rt.Seed("wiki-web", "nginx:alpine", "running", nil)

	containers, err := f.engine.Containers(ctx, stack)
	if err != nil {
		t.Fatal(err)
	}

	names := make(map[string]bool)
	for _, c := range containers {
		names[c.Name()] = true
	}
	for _, want := range []string{"blog-web", "blog-db", "blog-worker"} {
		if !names[want] {
			t.Errorf("expected %s in discovery, got %v", want, names)
		}
	}
	if names["blog-admin"] {
		t.Error("foreign-labeled container leaked into discovery")
	}
	if names["wiki-web"] {
		t.Error("unrelated container leaked into discovery")
	}
}

func TestHealth(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	stack := f.createStack(t, "blog")

	t.Run("stopped", func(t *testing.T) {
		h, err := f.engine.Health(ctx, stack)
		if err != nil {
			t.Fatal(err)
		}
		if h.Status != "stopped" || h.Total != 2 || h.Stopped != 2 {
			t.Errorf("unexpected health %+v", h)
		}
	})

	t.Run("partial", func(t *testing.T) {
		web := f.rt.ContainerByName("blog-web")
		if err := f.rt.StartContainer(ctx, web.ID); err != nil {
			t.Fatal(err)
		}
		h, _ := f.engine.Health(ctx, stack)
		if h.Status != "partial" || h.Running != 1 {
			t.Errorf("unexpected health %+v", h)
		}
	})

	t.Run("healthy", func(t *testing.T) {
		if err := f.engine.Start(ctx, stack); err != nil {
			t.Fatal(err)
		}
		h, _ := f.engine.Health(ctx, stack)
		if h.Status != "healthy" || h.Running != 2 {
			t.Errorf("unexpected health %+v", h)
		}
	})

	t.Run("empty", func(t *testing.T) {
		ghost := &models.Stack{ID: "ghost", Name: "ghost"}
		h, _ := f.engine.Health(ctx, ghost)
		if h.Status != "empty" || h.Total != 0 {
			t.Errorf("unexpected health %+v", h)
		}
	})
}

func TestLogs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	stack := f.createStack(t, "blog")

	web := f.rt.ContainerByName("blog-web")
	f.rt.LogLines = map[string][]string{web.ID: {"line one", "line two"}}

	lines, err := f.engine.Logs(ctx, stack, "blog-web", 100)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(lines) != 2 || !strings.Contains(lines[1], "two") {
		t.Errorf("unexpected lines %v", lines)
	}

	_, err = f.engine.Logs(ctx, stack, "wiki-web", 100)
	if apperr.KindOf(err) != apperr.NotFound {
		t.Errorf("expected NotFound for foreign container, got %v", err)
	}
}

func TestResourceOverrides(t *testing.T) {
	ctx := context.Background()

	t.Run("stored limits win over manifest on redeploy", func(t *testing.T) {
		f := newFixture(t)
		stack := f.createStack(t, "blog")

		override := &models.ContainerResource{
			StackID:     stack.ID,
			ServiceName: "web",
			CPULimit:    1.5,
			MemoryLimit: 512 << 20,
		}
		if err := f.resources.Upsert(override); err != nil {
			t.Fatal(err)
		}

		if err := f.engine.RedeployStack(ctx, stack); err != nil {
			t.Fatalf("redeploy: %v", err)
		}

		cfg := f.rt.ConfigByName("blog-web")
		if cfg.CPULimit != 1.5 || cfg.MemoryLimit != 512<<20 {
			t.Errorf("override not applied: cpu=%v mem=%v", cfg.CPULimit, cfg.MemoryLimit)
		}
		if other := f.rt.ConfigByName("blog-db"); other.CPULimit != 0 || other.MemoryLimit != 0 {
			t.Errorf("override leaked to other service: %+v", other)
		}
	})

	t.Run("remove cascades limits", func(t *testing.T) {
		f := newFixture(t)
		stack := f.createStack(t, "blog")
		if err := f.resources.Upsert(&models.ContainerResource{StackID: stack.ID, ServiceName: "web", CPULimit: 1}); err != nil {
			t.Fatal(err)
		}

		if err := f.engine.Remove(ctx, stack); err != nil {
			t.Fatalf("remove: %v", err)
		}
		limits, err := f.resources.ListForStack(stack.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(limits) != 0 {
			t.Errorf("resource limits survived remove: %+v", limits)
		}
	})
}
