package automation

import (
	"context"
	"log/slog"
	"time"

	"github.com/labuh/labuh/internal/models"
	"github.com/labuh/labuh/internal/runtime"
	"github.com/labuh/labuh/internal/stack"
)

// Collector samples cpu/memory for every managed running container once a
// minute and prunes samples past the retention window.
type Collector struct {
	stacks  *models.StackStore
	metrics *models.ResourceMetricStore
	rt      runtime.Port
	stopCh  chan struct{}
}

func NewCollector(stacks *models.StackStore, metrics *models.ResourceMetricStore, rt runtime.Port) *Collector {
	return &Collector{
		stacks:  stacks,
		metrics: metrics,
		rt:      rt,
		stopCh:  make(chan struct{}),
	}
}

// Start runs the loop until Stop is called.
func (c *Collector) Start(ctx context.Context) {
	slog.Info("metrics collector started", "interval", tickInterval, "retention", models.MetricRetention)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			slog.Info("metrics collector stopped")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx, time.Now())
		}
	}
}

func (c *Collector) Stop() {
	close(c.stopCh)
}

// sweep samples every stack's running containers, then prunes expired rows.
// Per-container stat failures are logged and skipped.
func (c *Collector) sweep(ctx context.Context, now time.Time) {
	stacks, err := c.stacks.List()
	if err != nil {
		slog.Error("collector: list stacks", "err", err)
		return
	}

	running, err := c.rt.ListContainers(ctx, false)
	if err != nil {
		slog.Error("collector: list containers", "err", err)
		return
	}

	for _, st := range stacks {
		for _, container := range running {
			if container.Labels[stack.LabelStackID] != st.ID {
				continue
			}
			stats, err := c.rt.GetStats(ctx, container.ID)
			if err != nil {
				slog.Warn("collector: stats fetch failed", "container", container.Name(), "err", err)
				continue
			}
			err = c.metrics.Insert(&models.ResourceMetric{
				ContainerID: container.ID,
				StackID:     st.ID,
				CPUPercent:  stats.CPUPercent,
				MemoryBytes: stats.MemoryBytes,
				Timestamp:   now,
			})
			if err != nil {
				slog.Warn("collector: insert metric failed", "container", container.Name(), "err", err)
			}
		}
	}

	removed, err := c.metrics.PruneOlderThan(now.Add(-models.MetricRetention))
	if err != nil {
		slog.Error("collector: prune metrics", "err", err)
		return
	}
	if removed > 0 {
		slog.Debug("pruned expired metrics", "count", removed)
	}
}
