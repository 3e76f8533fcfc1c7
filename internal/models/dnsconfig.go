package models

import (
	"encoding/json"
	"fmt"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/labuh/labuh/internal/apperr"
	"github.com/labuh/labuh/internal/db"
)

// DNSConfig holds the opaque provider settings blob for one (team, provider)
// pair: API token, zone id, whatever the provider client needs.
type DNSConfig struct {
	TeamID   string          `json:"team_id"`
	Provider DNSProvider     `json:"provider"`
	Config   json.RawMessage `json:"config"`
}

type DNSConfigStore struct {
	db *bolt.DB
}

func NewDNSConfigStore(database *bolt.DB) *DNSConfigStore {
	return &DNSConfigStore{db: database}
}

func dnsConfigKey(teamID string, provider DNSProvider) []byte {
	return []byte(teamID + "\x00" + string(provider))
}

// Upsert stores the config blob; (team_id, provider) is unique.
func (s *DNSConfigStore) Upsert(c *DNSConfig) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal dns config: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketDNSConfigs).Put(dnsConfigKey(c.TeamID, c.Provider), data)
	})
	if err != nil {
		return fmt.Errorf("upsert dns config: %w", err)
	}
	return nil
}

// Get returns the config for one (team, provider) pair.
func (s *DNSConfigStore) Get(teamID string, provider DNSProvider) (*DNSConfig, error) {
	var c *DNSConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(db.BucketDNSConfigs).Get(dnsConfigKey(teamID, provider))
		if v == nil {
			return nil
		}
		c = &DNSConfig{}
		return json.Unmarshal(v, c)
	})
	if err != nil {
		return nil, fmt.Errorf("get dns config: %w", err)
	}
	if c == nil {
		return nil, apperr.Errorf(apperr.NotFound, "no %s dns config for team", provider)
	}
	return c, nil
}

// ListForTeam returns all provider configs for a team.
func (s *DNSConfigStore) ListForTeam(teamID string) ([]*DNSConfig, error) {
	var out []*DNSConfig
	prefix := []byte(teamID + "\x00")
	err := s.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(db.BucketDNSConfigs).Cursor()
		for k, v := cur.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = cur.Next() {
			var c DNSConfig
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("unmarshal dns config: %w", err)
			}
			out = append(out, &c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list dns configs: %w", err)
	}
	return out, nil
}

// Delete removes one (team, provider) config.
func (s *DNSConfigStore) Delete(teamID string, provider DNSProvider) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketDNSConfigs).Delete(dnsConfigKey(teamID, provider))
	})
}
