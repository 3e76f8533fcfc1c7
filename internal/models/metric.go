package models

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/labuh/labuh/internal/db"
)

// MetricRetention is how long resource metric rows are kept; the collector
// prunes older rows on each pass.
const MetricRetention = 30 * 24 * time.Hour

// ResourceMetric is one per-container stats sample.
type ResourceMetric struct {
	ContainerID string    `json:"container_id"`
	StackID     string    `json:"stack_id"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryBytes int64     `json:"memory_bytes"`
	Timestamp   time.Time `json:"timestamp"`
}

type ResourceMetricStore struct {
	db *bolt.DB
}

func NewResourceMetricStore(database *bolt.DB) *ResourceMetricStore {
	return &ResourceMetricStore{db: database}
}

// metricKey orders samples by time globally so pruning is a prefix scan from
// the start of the bucket.
func metricKey(ts time.Time, containerID string) []byte {
	return []byte(ts.UTC().Format(time.RFC3339Nano) + "\x00" + containerID)
}

// Insert appends one sample.
func (s *ResourceMetricStore) Insert(m *ResourceMetric) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal metric: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketMetrics).Put(metricKey(m.Timestamp, m.ContainerID), data)
	})
	if err != nil {
		return fmt.Errorf("insert metric: %w", err)
	}
	return nil
}

// ListForStack returns samples for one stack since the given time, oldest first.
func (s *ResourceMetricStore) ListForStack(stackID string, since time.Time) ([]*ResourceMetric, error) {
	var out []*ResourceMetric
	err := s.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(db.BucketMetrics).Cursor()
		start := []byte(since.UTC().Format(time.RFC3339Nano))
		for k, v := cur.Seek(start); k != nil; k, v = cur.Next() {
			var m ResourceMetric
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("unmarshal metric: %w", err)
			}
			if m.StackID == stackID {
				out = append(out, &m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	return out, nil
}

// PruneOlderThan deletes samples older than the cutoff and returns how many
// were removed. Keys sort by timestamp, so this only walks expired rows.
func (s *ResourceMetricStore) PruneOlderThan(cutoff time.Time) (int, error) {
	limit := []byte(cutoff.UTC().Format(time.RFC3339Nano))
	var removed int
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(db.BucketMetrics)
		cur := bucket.Cursor()
		var keys [][]byte
		for k, _ := cur.First(); k != nil && string(k) < string(limit); k, _ = cur.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(keys)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune metrics: %w", err)
	}
	return removed, nil
}
