package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/labuh/labuh/internal/apperr"
	"github.com/labuh/labuh/internal/db"
)

type DNSProvider string

const (
	ProviderCustom     DNSProvider = "Custom"
	ProviderCloudflare DNSProvider = "Cloudflare"
	ProviderCPanel     DNSProvider = "CPanel"
)

type DomainType string

const (
	DomainCaddy  DomainType = "Caddy"
	DomainTunnel DomainType = "Tunnel"
)

// Domain routes an FQDN to a container:port. A Caddy-type domain must have a
// matching route in the proxy whenever the row exists; a non-Custom provider
// row with a DNSRecordID must have a matching upstream record.
type Domain struct {
	ID            string      `json:"id"`
	StackID       string      `json:"stack_id"`
	ContainerName string      `json:"container_name"`
	ContainerPort int         `json:"container_port"`
	Domain        string      `json:"domain"` // FQDN, globally unique
	SSLEnabled    bool        `json:"ssl_enabled"`
	Verified      bool        `json:"verified"`
	Provider      DNSProvider `json:"provider"`
	Type          DomainType  `json:"type"`
	TunnelID      string      `json:"tunnel_id,omitempty"`
	DNSRecordID   string      `json:"dns_record_id,omitempty"`
	Proxied       bool        `json:"proxied"`
	ShowBranding  bool        `json:"show_branding"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Upstream returns the "container:port" dial target for the proxy.
func (d *Domain) Upstream() string {
	return fmt.Sprintf("%s:%d", d.ContainerName, d.ContainerPort)
}

type DomainStore struct {
	db *bolt.DB
}

func NewDomainStore(database *bolt.DB) *DomainStore {
	return &DomainStore{db: database}
}

// Create persists a domain row. The FQDN is unique globally across stacks.
func (s *DomainStore) Create(d *Domain) error {
	d.ID = uuid.NewString()
	d.CreatedAt = time.Now().UTC()

	return s.db.Update(func(tx *bolt.Tx) error {
		byName := tx.Bucket(db.BucketDomainsByName)
		if byName.Get([]byte(d.Domain)) != nil {
			return apperr.Errorf(apperr.Conflict, "domain %s already registered", d.Domain)
		}

		data, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("marshal domain: %w", err)
		}
		if err := tx.Bucket(db.BucketDomains).Put([]byte(d.ID), data); err != nil {
			return err
		}
		return byName.Put([]byte(d.Domain), []byte(d.ID))
	})
}

// GetByID returns a domain row by id.
func (s *DomainStore) GetByID(id string) (*Domain, error) {
	var d *Domain
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(db.BucketDomains).Get([]byte(id))
		if v == nil {
			return nil
		}
		d = &Domain{}
		return json.Unmarshal(v, d)
	})
	if err != nil {
		return nil, fmt.Errorf("get domain: %w", err)
	}
	if d == nil {
		return nil, apperr.Errorf(apperr.NotFound, "domain %s not found", id)
	}
	return d, nil
}

// GetByName returns a domain row by FQDN.
func (s *DomainStore) GetByName(fqdn string) (*Domain, error) {
	var id []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		id = tx.Bucket(db.BucketDomainsByName).Get([]byte(fqdn))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get domain by name: %w", err)
	}
	if id == nil {
		return nil, apperr.Errorf(apperr.NotFound, "domain %s not found", fqdn)
	}
	return s.GetByID(string(id))
}

// List returns all domain rows.
func (s *DomainStore) List() ([]*Domain, error) {
	var out []*Domain
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketDomains).ForEach(func(_, v []byte) error {
			var d Domain
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("unmarshal domain: %w", err)
			}
			out = append(out, &d)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	return out, nil
}

// ListByType returns all domains of one type.
func (s *DomainStore) ListByType(t DomainType) ([]*Domain, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*Domain
	for _, d := range all {
		if d.Type == t {
			out = append(out, d)
		}
	}
	return out, nil
}

// ListForStack returns all domains attached to one stack.
func (s *DomainStore) ListForStack(stackID string) ([]*Domain, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*Domain
	for _, d := range all {
		if d.StackID == stackID {
			out = append(out, d)
		}
	}
	return out, nil
}

// SetVerified writes the result of a verification probe.
func (s *DomainStore) SetVerified(id string, verified bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(db.BucketDomains)
		v := bucket.Get([]byte(id))
		if v == nil {
			return apperr.Errorf(apperr.NotFound, "domain %s not found", id)
		}
		var d Domain
		if err := json.Unmarshal(v, &d); err != nil {
			return fmt.Errorf("unmarshal domain: %w", err)
		}
		d.Verified = verified
		data, err := json.Marshal(&d)
		if err != nil {
			return fmt.Errorf("marshal domain: %w", err)
		}
		return bucket.Put([]byte(id), data)
	})
}

// Delete removes a domain row and its FQDN index entry.
func (s *DomainStore) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(db.BucketDomains)
		v := bucket.Get([]byte(id))
		if v == nil {
			return nil
		}
		var d Domain
		if err := json.Unmarshal(v, &d); err != nil {
			return fmt.Errorf("unmarshal domain: %w", err)
		}
		if err := tx.Bucket(db.BucketDomainsByName).Delete([]byte(d.Domain)); err != nil {
			return err
		}
		return bucket.Delete([]byte(id))
	})
}

// DeleteForStack removes every domain row for a stack (cascade).
func (s *DomainStore) DeleteForStack(stackID string) error {
	domains, err := s.ListForStack(stackID)
	if err != nil {
		return err
	}
	for _, d := range domains {
		if err := s.Delete(d.ID); err != nil {
			return err
		}
	}
	return nil
}
