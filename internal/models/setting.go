package models

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/bcrypt"

	"github.com/labuh/labuh/internal/db"
)

const settingCacheTTL = 60 * time.Second

type SettingStore struct {
	db    *bolt.DB
	mu    sync.RWMutex
	cache map[string]settingEntry
}

type settingEntry struct {
	value   string
	expires time.Time
}

func NewSettingStore(database *bolt.DB) *SettingStore {
	return &SettingStore{
		db:    database,
		cache: make(map[string]settingEntry),
	}
}

// Get retrieves a setting value by key. Returns "" if not found.
func (s *SettingStore) Get(key string) (string, error) {
	s.mu.RLock()
	if entry, ok := s.cache[key]; ok && time.Now().Before(entry.expires) {
		s.mu.RUnlock()
		return entry.value, nil
	}
	s.mu.RUnlock()

	var val string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(db.BucketSettings).Get([]byte(key))
		if v != nil {
			val = string(v)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("get setting %q: %w", key, err)
	}

	s.mu.Lock()
	s.cache[key] = settingEntry{value: val, expires: time.Now().Add(settingCacheTTL)}
	s.mu.Unlock()

	return val, nil
}

// Set stores a setting value (upsert).
func (s *SettingStore) Set(key, value string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketSettings).Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}

	s.mu.Lock()
	s.cache[key] = settingEntry{value: value, expires: time.Now().Add(settingCacheTTL)}
	s.mu.Unlock()

	return nil
}

// EnsureJWTSecret creates the JWT signing secret on first run.
func (s *SettingStore) EnsureJWTSecret() (string, error) {
	secret, err := s.Get("jwtSecret")
	if err != nil {
		return "", err
	}
	if secret != "" {
		return secret, nil
	}

	raw, err := GenToken(jwtSecretChars)
	if err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}

	secret = string(hash)
	if err := s.Set("jwtSecret", secret); err != nil {
		return "", err
	}

	slog.Info("generated new JWT secret")
	return secret, nil
}
