package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/labuh/labuh/internal/db"
)

type TriggerType string

const (
	TriggerWebhook   TriggerType = "webhook"
	TriggerManual    TriggerType = "manual"
	TriggerScheduled TriggerType = "scheduled"
)

type DeployStatus string

const (
	DeployPending DeployStatus = "pending"
	DeploySuccess DeployStatus = "success"
	DeployFailed  DeployStatus = "failed"
)

// DeploymentLog is one row of a stack's append-only deployment history.
type DeploymentLog struct {
	ID          string       `json:"id"`
	StackID     string       `json:"stack_id"`
	TriggerType TriggerType  `json:"trigger_type"`
	Status      DeployStatus `json:"status"`
	Logs        string       `json:"logs,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at,omitzero"`
}

type DeploymentLogStore struct {
	db *bolt.DB
}

func NewDeploymentLogStore(database *bolt.DB) *DeploymentLogStore {
	return &DeploymentLogStore{db: database}
}

// deployKey orders rows by start time within a stack.
func deployKey(stackID string, startedAt time.Time, id string) []byte {
	return []byte(stackID + "\x00" + startedAt.UTC().Format(time.RFC3339Nano) + "\x00" + id)
}

// Start appends a pending row and returns it.
func (s *DeploymentLogStore) Start(stackID string, trigger TriggerType) (*DeploymentLog, error) {
	row := &DeploymentLog{
		ID:          uuid.NewString(),
		StackID:     stackID,
		TriggerType: trigger,
		Status:      DeployPending,
		StartedAt:   time.Now().UTC(),
	}
	data, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("marshal deployment log: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketDeploymentLogs).Put(deployKey(stackID, row.StartedAt, row.ID), data)
	})
	if err != nil {
		return nil, fmt.Errorf("start deployment log: %w", err)
	}
	return row, nil
}

// Finish marks a row success or failed and records the log text.
func (s *DeploymentLogStore) Finish(row *DeploymentLog, status DeployStatus, logs string) error {
	row.Status = status
	row.Logs = logs
	row.FinishedAt = time.Now().UTC()

	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal deployment log: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketDeploymentLogs).Put(deployKey(row.StackID, row.StartedAt, row.ID), data)
	})
	if err != nil {
		return fmt.Errorf("finish deployment log: %w", err)
	}
	return nil
}

// ListForStack returns a stack's history, oldest first.
func (s *DeploymentLogStore) ListForStack(stackID string) ([]*DeploymentLog, error) {
	var out []*DeploymentLog
	prefix := []byte(stackID + "\x00")
	err := s.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(db.BucketDeploymentLogs).Cursor()
		for k, v := cur.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = cur.Next() {
			var row DeploymentLog
			if err := json.Unmarshal(v, &row); err != nil {
				return fmt.Errorf("unmarshal deployment log: %w", err)
			}
			out = append(out, &row)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list deployment logs: %w", err)
	}
	return out, nil
}

// DeleteForStack removes a stack's history (cascade).
func (s *DeploymentLogStore) DeleteForStack(stackID string) error {
	prefix := []byte(stackID + "\x00")
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(db.BucketDeploymentLogs)
		cur := bucket.Cursor()
		var keys [][]byte
		for k, _ := cur.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = cur.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
