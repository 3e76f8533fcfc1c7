package automation

import (
	"context"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/labuh/labuh/internal/db"
	"github.com/labuh/labuh/internal/models"
	"github.com/labuh/labuh/internal/runtime"
	"github.com/labuh/labuh/internal/stack"
)

func testDB(t *testing.T) *bolt.DB {
	t.Helper()
	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestDue(t *testing.T) {
	// 2026-08-24 is a Monday.
	now := time.Date(2026, 8, 24, 3, 0, 30, 0, time.UTC)

	cases := []struct {
		name     string
		schedule string
		want     bool
	}{
		{"every minute", "* * * * *", true},
		{"this hour on the hour", "0 3 * * *", true},
		{"different hour", "0 4 * * *", false},
		{"wrong weekday", "0 3 * * 0", false},
		{"matching weekday", "0 3 * * 1", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Due(tc.schedule, now)
			if err != nil {
				t.Fatalf("due: %v", err)
			}
			if got != tc.want {
				t.Errorf("Due(%q) = %v, want %v", tc.schedule, got, tc.want)
			}
		})
	}

	t.Run("invalid expression", func(t *testing.T) {
		if _, err := Due("not a cron", now); err == nil {
			t.Error("expected parse error")
		}
	})

	t.Run("occurrence just outside lookback", func(t *testing.T) {
		// Fires at :00; at :59.5 past it is still inside the 61s window,
		// two minutes later it is not.
		at := time.Date(2026, 8, 24, 3, 0, 59, 0, time.UTC)
		due, _ := Due("0 3 * * *", at)
		if !due {
			t.Error("occurrence inside window not detected")
		}
		at = time.Date(2026, 8, 24, 3, 2, 30, 0, time.UTC)
		due, _ = Due("0 3 * * *", at)
		if due {
			t.Error("stale occurrence outside window fired")
		}
	})
}

func TestSchedulerTick(t *testing.T) {
	ctx := context.Background()
	database := testDB(t)
	stacks := models.NewStackStore(database)
	envs := models.NewEnvVarStore(database)
	creds := models.NewRegistryCredentialStore(database)
	resources := models.NewContainerResourceStore(database)
	logs := models.NewDeploymentLogStore(database)
	rt := runtime.NewFake()
	engine := stack.NewEngine(stacks, envs, resources, creds, rt, "labuh-network")

	manifest := "services:\n  web:\n    image: nginx:alpine\n"
	scheduled := &models.Stack{Name: "blog", UserID: 1, Compose: manifest, CronSchedule: "* * * * *"}
	if err := engine.Create(ctx, scheduled); err != nil {
		t.Fatal(err)
	}
	idle := &models.Stack{Name: "wiki", UserID: 1, Compose: manifest}
	if err := engine.Create(ctx, idle); err != nil {
		t.Fatal(err)
	}

	s := NewScheduler(stacks, logs, engine)
	s.tick(ctx, time.Now())

	// Redeploys are detached; poll for the outcome.
	deadline := time.After(5 * time.Second)
	for {
		history, err := logs.ListForStack(scheduled.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(history) == 1 && history[0].Status != models.DeployPending {
			if history[0].Status != models.DeploySuccess {
				t.Fatalf("scheduled redeploy failed: %s", history[0].Logs)
			}
			if history[0].TriggerType != models.TriggerScheduled {
				t.Errorf("unexpected trigger %q", history[0].TriggerType)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("scheduled redeploy never finished")
		case <-time.After(10 * time.Millisecond):
		}
	}

	idleHistory, _ := logs.ListForStack(idle.ID)
	if len(idleHistory) != 0 {
		t.Error("stack without schedule was redeployed")
	}

	got, _ := stacks.Get(scheduled.ID)
	if got.Status != models.StackRunning {
		t.Errorf("expected running after scheduled redeploy, got %q", got.Status)
	}
}

func TestCollectorSweep(t *testing.T) {
	ctx := context.Background()
	database := testDB(t)
	stacks := models.NewStackStore(database)
	metrics := models.NewResourceMetricStore(database)
	rt := runtime.NewFake()

	st := &models.Stack{Name: "blog", UserID: 1, Compose: "services: {}"}
	if err := stacks.Create(st); err != nil {
		t.Fatal(err)
	}

	mine := rt.Seed("blog-web", "nginx:alpine", "running", map[string]string{stack.LabelStackID: st.ID})
	rt.Seed("blog-db", "postgres:16", "exited", map[string]string{stack.LabelStackID: st.ID})
	rt.Seed("stray", "redis:7", "running", nil)
	rt.StatsFor = map[string]runtime.ContainerStats{
		mine: {CPUPercent: 12.5, MemoryBytes: 64 << 20},
	}

	now := time.Now().UTC()
	c := NewCollector(stacks, metrics, rt)
	c.sweep(ctx, now)

	rows, err := metrics.ListForStack(st.ID, now.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 sample (running, labeled), got %d", len(rows))
	}
	if rows[0].ContainerID != mine || rows[0].CPUPercent != 12.5 {
		t.Errorf("unexpected sample %+v", rows[0])
	}

	t.Run("prunes expired rows", func(t *testing.T) {
		old := &models.ResourceMetric{
			ContainerID: mine,
			StackID:     st.ID,
			CPUPercent:  1,
			MemoryBytes: 1,
			Timestamp:   now.Add(-31 * 24 * time.Hour),
		}
		if err := metrics.Insert(old); err != nil {
			t.Fatal(err)
		}

		c.sweep(ctx, now.Add(time.Minute))

		rows, _ := metrics.ListForStack(st.ID, time.Time{})
		for _, r := range rows {
			if r.Timestamp.Before(now.Add(-models.MetricRetention)) {
				t.Errorf("expired sample survived: %+v", r)
			}
		}
	})
}
