package models

import (
	"encoding/json"
	"fmt"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/labuh/labuh/internal/db"
)

// EnvVar is a per-stack environment override. An empty ContainerName means
// "global for the stack"; container-specific entries win at merge time.
type EnvVar struct {
	StackID       string `json:"stack_id"`
	ContainerName string `json:"container_name"`
	Key           string `json:"key"`
	Value         string `json:"value"`
	IsSecret      bool   `json:"is_secret"`
}

// MaskedValue is what the response layer shows for secret values.
const MaskedValue = "********"

// DisplayValue returns the value with secrets masked.
func (e *EnvVar) DisplayValue() string {
	if e.IsSecret {
		return MaskedValue
	}
	return e.Value
}

type EnvVarStore struct {
	db *bolt.DB
}

func NewEnvVarStore(database *bolt.DB) *EnvVarStore {
	return &EnvVarStore{db: database}
}

// envKey builds the composite bucket key. (stack_id, container_name, key) is
// unique by construction.
func envKey(stackID, containerName, key string) []byte {
	return []byte(stackID + "\x00" + containerName + "\x00" + key)
}

// Upsert inserts or replaces one entry.
func (s *EnvVarStore) Upsert(v *EnvVar) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal env var: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketEnvVars).Put(envKey(v.StackID, v.ContainerName, v.Key), data)
	})
	if err != nil {
		return fmt.Errorf("upsert env var: %w", err)
	}
	return nil
}

// ListForStack returns all entries for a stack, global and per-container.
func (s *EnvVarStore) ListForStack(stackID string) ([]EnvVar, error) {
	var out []EnvVar
	prefix := []byte(stackID + "\x00")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(db.BucketEnvVars).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var e EnvVar
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("unmarshal env var: %w", err)
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list env vars: %w", err)
	}
	return out, nil
}

// EffectiveFor computes the merged map for one service: global entries first,
// then container-specific entries on top.
func (s *EnvVarStore) EffectiveFor(stackID, serviceName string) (map[string]string, error) {
	all, err := s.ListForStack(stackID)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]string)
	for _, e := range all {
		if e.ContainerName == "" {
			merged[e.Key] = e.Value
		}
	}
	for _, e := range all {
		if e.ContainerName == serviceName {
			merged[e.Key] = e.Value
		}
	}
	return merged, nil
}

// Delete removes one entry.
func (s *EnvVarStore) Delete(stackID, containerName, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketEnvVars).Delete(envKey(stackID, containerName, key))
	})
}

// DeleteForStack removes every entry for a stack (cascade on stack removal).
func (s *EnvVarStore) DeleteForStack(stackID string) error {
	prefix := []byte(stackID + "\x00")
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(db.BucketEnvVars)
		c := bucket.Cursor()
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
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
