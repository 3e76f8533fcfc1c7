package models

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/labuh/labuh/internal/apperr"
	"github.com/labuh/labuh/internal/db"
)

type StackStatus string

const (
	StackCreating  StackStatus = "creating"
	StackStopped   StackStatus = "stopped"
	StackRunning   StackStatus = "running"
	StackDeploying StackStatus = "deploying"
	StackError     StackStatus = "error"
)

// Stack is a named group of services defined by one Compose manifest.
// Every child container's name is "{Name}-{service}".
type Stack struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	UserID       int         `json:"user_id"`
	TeamID       string      `json:"team_id"`
	Compose      string      `json:"compose"`
	Status       StackStatus `json:"status"`
	WebhookToken string      `json:"webhook_token"`
	CronSchedule string      `json:"cron_schedule,omitempty"`
	GitURL       string      `json:"git_url,omitempty"`
	GitBranch    string      `json:"git_branch,omitempty"`
	GitCommit    string      `json:"git_commit,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

type StackStore struct {
	db *bolt.DB
}

func NewStackStore(database *bolt.DB) *StackStore {
	return &StackStore{db: database}
}

// Create persists a new stack row. The id and webhook token are generated
// here; the caller sets everything else.
func (s *StackStore) Create(stack *Stack) error {
	token, err := GenToken(WebhookTokenLength)
	if err != nil {
		return fmt.Errorf("generate webhook token: %w", err)
	}

	stack.ID = uuid.NewString()
	stack.WebhookToken = token
	stack.CreatedAt = time.Now().UTC()
	stack.UpdatedAt = stack.CreatedAt

	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(db.BucketStacks)
		// Stack names must be unique: they prefix container names.
		c := bucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var existing Stack
			if err := json.Unmarshal(v, &existing); err != nil {
				continue
			}
			if existing.Name == stack.Name {
				return apperr.Errorf(apperr.Conflict, "stack name %q already in use", stack.Name)
			}
		}

		data, err := json.Marshal(stack)
		if err != nil {
			return fmt.Errorf("marshal stack: %w", err)
		}
		return bucket.Put([]byte(stack.ID), data)
	})
	if err != nil {
		return err
	}
	return nil
}

// Get returns a stack by id regardless of owner (webhook and automation
// paths). Returns NotFound if absent.
func (s *StackStore) Get(id string) (*Stack, error) {
	var stack *Stack
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(db.BucketStacks).Get([]byte(id))
		if v == nil {
			return nil
		}
		stack = &Stack{}
		return json.Unmarshal(v, stack)
	})
	if err != nil {
		return nil, fmt.Errorf("get stack: %w", err)
	}
	if stack == nil {
		return nil, apperr.Errorf(apperr.NotFound, "stack %s not found", id)
	}
	return stack, nil
}

// GetForUser returns a stack constrained by owner. Rows belonging to other
// users are indistinguishable from non-existence.
func (s *StackStore) GetForUser(id string, userID int) (*Stack, error) {
	stack, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if stack.UserID != userID {
		return nil, apperr.Errorf(apperr.NotFound, "stack %s not found", id)
	}
	return stack, nil
}

// List returns all stacks.
func (s *StackStore) List() ([]*Stack, error) {
	var stacks []*Stack
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketStacks).ForEach(func(_, v []byte) error {
			var stack Stack
			if err := json.Unmarshal(v, &stack); err != nil {
				return fmt.Errorf("unmarshal stack: %w", err)
			}
			stacks = append(stacks, &stack)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list stacks: %w", err)
	}
	return stacks, nil
}

// ListForUser returns the stacks owned by one user.
func (s *StackStore) ListForUser(userID int) ([]*Stack, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*Stack
	for _, st := range all {
		if st.UserID == userID {
			out = append(out, st)
		}
	}
	return out, nil
}

// Update persists changes to an existing stack row.
func (s *StackStore) Update(stack *Stack) error {
	stack.UpdatedAt = time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(db.BucketStacks)
		if bucket.Get([]byte(stack.ID)) == nil {
			return apperr.Errorf(apperr.NotFound, "stack %s not found", stack.ID)
		}
		data, err := json.Marshal(stack)
		if err != nil {
			return fmt.Errorf("marshal stack: %w", err)
		}
		return bucket.Put([]byte(stack.ID), data)
	})
}

// SetStatus updates just the status column (last writer wins).
func (s *StackStore) SetStatus(id string, status StackStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(db.BucketStacks)
		v := bucket.Get([]byte(id))
		if v == nil {
			return apperr.Errorf(apperr.NotFound, "stack %s not found", id)
		}
		var stack Stack
		if err := json.Unmarshal(v, &stack); err != nil {
			return fmt.Errorf("unmarshal stack: %w", err)
		}
		stack.Status = status
		stack.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(&stack)
		if err != nil {
			return fmt.Errorf("marshal stack: %w", err)
		}
		return bucket.Put([]byte(id), data)
	})
}

// RotateToken replaces the stack's webhook token and returns the new one.
func (s *StackStore) RotateToken(id string, userID int) (string, error) {
	token, err := GenToken(WebhookTokenLength)
	if err != nil {
		return "", fmt.Errorf("generate webhook token: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(db.BucketStacks)
		v := bucket.Get([]byte(id))
		if v == nil {
			return apperr.Errorf(apperr.NotFound, "stack %s not found", id)
		}
		var stack Stack
		if err := json.Unmarshal(v, &stack); err != nil {
			return fmt.Errorf("unmarshal stack: %w", err)
		}
		if stack.UserID != userID {
			return apperr.Errorf(apperr.NotFound, "stack %s not found", id)
		}
		stack.WebhookToken = token
		stack.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(&stack)
		if err != nil {
			return fmt.Errorf("marshal stack: %w", err)
		}
		return bucket.Put([]byte(id), data)
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// ValidateToken compares a presented webhook token against the stored one in
// constant time. Mismatch is an auth error.
func (s *StackStore) ValidateToken(id, token string) (*Stack, error) {
	stack, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(stack.WebhookToken), []byte(token)) != 1 {
		return nil, apperr.E(apperr.Unauthorized, "invalid webhook token")
	}
	return stack, nil
}

// Delete removes the stack row. Child rows cascade via their own stores.
func (s *StackStore) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketStacks).Delete([]byte(id))
	})
}
