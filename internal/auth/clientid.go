package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"obf-bridge/internal/database"
)

// ClientIDSettingKey is the settings key used by SQLClientIDStore
const ClientIDSettingKey = "obf_client_id"

// ClientIDStore persists the client id revealed during enrollment
type ClientIDStore interface {
	ClientID() (string, error)
	SetClientID(clientID string) error
	ClearClientID() error
}

// StoredClientID represents the on-disk client id document
type StoredClientID struct {
	ClientID string `json:"clientId"`
}

// FileClientIDStore keeps the client id in a small JSON file
type FileClientIDStore struct {
	path string
}

// NewFileClientIDStore creates a file-backed store at path
func NewFileClientIDStore(path string) *FileClientIDStore {
	return &FileClientIDStore{path: path}
}

// ClientID returns the stored id, or "" when none has been stored
func (s *FileClientIDStore) ClientID() (string, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read client id: %w", err)
	}

	var stored StoredClientID
	if err := json.Unmarshal(data, &stored); err != nil {
		return "", fmt.Errorf("failed to parse client id file: %w", err)
	}

	return stored.ClientID, nil
}

// SetClientID stores the id
func (s *FileClientIDStore) SetClientID(clientID string) error {
	data, err := json.Marshal(StoredClientID{ClientID: clientID})
	if err != nil {
		return fmt.Errorf("failed to marshal client id: %w", err)
	}

	if err := writeFileAtomic(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write client id: %w", err)
	}

	return nil
}

// ClearClientID removes the stored id
func (s *FileClientIDStore) ClearClientID() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove client id: %w", err)
	}
	return nil
}

// SQLClientIDStore keeps the client id in the bridge settings table
type SQLClientIDStore struct {
	db *database.DB
}

// NewSQLClientIDStore creates a database-backed store
func NewSQLClientIDStore(db *database.DB) (*SQLClientIDStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	return &SQLClientIDStore{db: db}, nil
}

// ClientID returns the stored id, or "" when none has been stored
func (s *SQLClientIDStore) ClientID() (string, error) {
	value, err := s.db.GetSetting(ClientIDSettingKey)
	if errors.Is(err, database.ErrSettingNotFound) {
		return "", nil
	}
	return value, err
}

// SetClientID stores the id
func (s *SQLClientIDStore) SetClientID(clientID string) error {
	return s.db.SetSetting(ClientIDSettingKey, clientID)
}

// ClearClientID removes the stored id
func (s *SQLClientIDStore) ClearClientID() error {
	return s.db.DeleteSetting(ClientIDSettingKey)
}

// MemoryClientIDStore keeps the id in memory, for embedding and tests
type MemoryClientIDStore struct {
	mu       sync.RWMutex
	clientID string
}

// NewMemoryClientIDStore creates an in-memory store seeded with clientID
func NewMemoryClientIDStore(clientID string) *MemoryClientIDStore {
	return &MemoryClientIDStore{clientID: clientID}
}

// ClientID returns the stored id
func (s *MemoryClientIDStore) ClientID() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientID, nil
}

// SetClientID stores the id
func (s *MemoryClientIDStore) SetClientID(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientID = clientID
	return nil
}

// ClearClientID removes the stored id
func (s *MemoryClientIDStore) ClearClientID() error {
	return s.SetClientID("")
}
