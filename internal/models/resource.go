package models

import (
	"encoding/json"
	"fmt"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/labuh/labuh/internal/apperr"
	"github.com/labuh/labuh/internal/db"
)

// ContainerResource is a per-service resource limit override. It wins over
// whatever the manifest declares; (stack_id, service_name) is unique.
type ContainerResource struct {
	StackID     string  `json:"stack_id"`
	ServiceName string  `json:"service_name"`
	CPULimit    float64 `json:"cpu_limit"`    // cores, 0 = unlimited
	MemoryLimit int64   `json:"memory_limit"` // bytes, 0 = unlimited
}

type ContainerResourceStore struct {
	db *bolt.DB
}

func NewContainerResourceStore(database *bolt.DB) *ContainerResourceStore {
	return &ContainerResourceStore{db: database}
}

func resourceKey(stackID, serviceName string) []byte {
	return []byte(stackID + "\x00" + serviceName)
}

// Upsert inserts or replaces the limits for one service.
func (s *ContainerResourceStore) Upsert(r *ContainerResource) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal container resource: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketResources).Put(resourceKey(r.StackID, r.ServiceName), data)
	})
	if err != nil {
		return fmt.Errorf("upsert container resource: %w", err)
	}
	return nil
}

// Get returns the limits for one service, or NotFound.
func (s *ContainerResourceStore) Get(stackID, serviceName string) (*ContainerResource, error) {
	var r *ContainerResource
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(db.BucketResources).Get(resourceKey(stackID, serviceName))
		if v == nil {
			return nil
		}
		r = &ContainerResource{}
		return json.Unmarshal(v, r)
	})
	if err != nil {
		return nil, fmt.Errorf("get container resource: %w", err)
	}
	if r == nil {
		return nil, apperr.Errorf(apperr.NotFound, "no resource limits for service %s", serviceName)
	}
	return r, nil
}

// ListForStack returns every override for a stack.
func (s *ContainerResourceStore) ListForStack(stackID string) ([]ContainerResource, error) {
	var out []ContainerResource
	prefix := []byte(stackID + "\x00")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(db.BucketResources).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var r ContainerResource
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("unmarshal container resource: %w", err)
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list container resources: %w", err)
	}
	return out, nil
}

// Delete removes one service's override.
func (s *ContainerResourceStore) Delete(stackID, serviceName string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketResources).Delete(resourceKey(stackID, serviceName))
	})
}

// DeleteForStack removes every override for a stack (cascade on stack removal).
func (s *ContainerResourceStore) DeleteForStack(stackID string) error {
	prefix := []byte(stackID + "\x00")
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(db.BucketResources)
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
