package models

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/labuh/labuh/internal/apperr"
	"github.com/labuh/labuh/internal/db"
)

// Template is a named Compose manifest in the template library, seeded from
// the templates directory and deployable as a new stack.
type Template struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Compose     string `json:"compose"`
}

type TemplateStore struct {
	db *bolt.DB
}

func NewTemplateStore(database *bolt.DB) *TemplateStore {
	return &TemplateStore{db: database}
}

// Upsert stores a template keyed by name.
func (s *TemplateStore) Upsert(t *Template) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketTemplates).Put([]byte(t.Name), data)
	})
	if err != nil {
		return fmt.Errorf("upsert template: %w", err)
	}
	return nil
}

// Get returns a template by name.
func (s *TemplateStore) Get(name string) (*Template, error) {
	var t *Template
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(db.BucketTemplates).Get([]byte(name))
		if v == nil {
			return nil
		}
		t = &Template{}
		return json.Unmarshal(v, t)
	})
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	if t == nil {
		return nil, apperr.Errorf(apperr.NotFound, "template %s not found", name)
	}
	return t, nil
}

// List returns all templates.
func (s *TemplateStore) List() ([]*Template, error) {
	var out []*Template
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketTemplates).ForEach(func(_, v []byte) error {
			var t Template
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("unmarshal template: %w", err)
			}
			out = append(out, &t)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	return out, nil
}

// Delete removes a template.
func (s *TemplateStore) Delete(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketTemplates).Delete([]byte(name))
	})
}
