package models

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/labuh/labuh/internal/apperr"
	"github.com/labuh/labuh/internal/db"
)

// RegistryCredential is a team-scoped image-pull secret. The password is
// stored base64-encoded, which is an encoding, not encryption; treat it as
// plaintext at rest.
type RegistryCredential struct {
	TeamID      string `json:"team_id"`
	RegistryURL string `json:"registry_url"`
	Username    string `json:"username"`
	Password    string `json:"password"` // base64
}

// DecodePassword returns the plaintext password.
func (c *RegistryCredential) DecodePassword() (string, error) {
	raw, err := base64.StdEncoding.DecodeString(c.Password)
	if err != nil {
		return "", fmt.Errorf("decode registry password: %w", err)
	}
	return string(raw), nil
}

// EncodePassword sets the stored password from plaintext.
func (c *RegistryCredential) EncodePassword(plain string) {
	c.Password = base64.StdEncoding.EncodeToString([]byte(plain))
}

type RegistryCredentialStore struct {
	db *bolt.DB
}

func NewRegistryCredentialStore(database *bolt.DB) *RegistryCredentialStore {
	return &RegistryCredentialStore{db: database}
}

func registryKey(teamID, registryURL string) []byte {
	return []byte(teamID + "\x00" + registryURL)
}

// Upsert stores a credential keyed by (team, registry url).
func (s *RegistryCredentialStore) Upsert(c *RegistryCredential) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal registry credential: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketRegistryCreds).Put(registryKey(c.TeamID, c.RegistryURL), data)
	})
	if err != nil {
		return fmt.Errorf("upsert registry credential: %w", err)
	}
	return nil
}

// Get returns the credential for an exact registry URL match.
func (s *RegistryCredentialStore) Get(teamID, registryURL string) (*RegistryCredential, error) {
	var c *RegistryCredential
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(db.BucketRegistryCreds).Get(registryKey(teamID, registryURL))
		if v == nil {
			return nil
		}
		c = &RegistryCredential{}
		return json.Unmarshal(v, c)
	})
	if err != nil {
		return nil, fmt.Errorf("get registry credential: %w", err)
	}
	if c == nil {
		return nil, apperr.Errorf(apperr.NotFound, "no credential for registry %s", registryURL)
	}
	return c, nil
}

// ListForTeam returns all credentials for a team.
func (s *RegistryCredentialStore) ListForTeam(teamID string) ([]*RegistryCredential, error) {
	var out []*RegistryCredential
	prefix := []byte(teamID + "\x00")
	err := s.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(db.BucketRegistryCreds).Cursor()
		for k, v := cur.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = cur.Next() {
			var c RegistryCredential
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("unmarshal registry credential: %w", err)
			}
			out = append(out, &c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list registry credentials: %w", err)
	}
	return out, nil
}

// Delete removes one credential.
func (s *RegistryCredentialStore) Delete(teamID, registryURL string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketRegistryCreds).Delete(registryKey(teamID, registryURL))
	})
}

// RegistryHost extracts the registry host from an image reference. A
// reference with no slash lives on docker.io; otherwise the first path
// segment is the registry iff it contains a dot or a colon.
func RegistryHost(imageRef string) string {
	if !strings.Contains(imageRef, "/") {
		return "docker.io"
	}
	first, _, _ := strings.Cut(imageRef, "/")
	if strings.ContainsAny(first, ".:") {
		return first
	}
	return "docker.io"
}
