package persist

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is a process local keyring slot, used by tests and ephemeral sessions
type MemoryStore struct {
	mu      sync.Mutex
	data    []byte
	version int
	updated time.Time
	present bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(_ context.Context) (*VersionedData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.present {
		return nil, ErrNotFound
	}
	return &VersionedData{
		Data:      append([]byte(nil), m.data...),
		Version:   m.currentVersion(),
		Timestamp: m.updated,
	}, nil
}

func (m *MemoryStore) Swap(_ context.Context, data []byte, expectedVersion string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkVersion("Swap", m.currentVersion(), expectedVersion); err != nil {
		return "", err
	}
	m.data = append([]byte(nil), data...)
	m.version++
	m.present = true
	m.updated = time.Now().UTC()
	return m.currentVersion(), nil
}

func (m *MemoryStore) Clear(_ context.Context, expectedVersion string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.present {
		return nil
	}
	if expectedVersion != "" && expectedVersion != m.currentVersion() {
		return ConcurrencyError{ExpectedVersion: expectedVersion, ActualVersion: m.currentVersion(), Operation: "Clear"}
	}
	m.data = nil
	m.present = false
	return nil
}

func (m *MemoryStore) currentVersion() string {
	if !m.present {
		return ""
	}
	return strconv.Itoa(m.version)
}

func (m *MemoryStore) Ping() error     { return nil }
func (m *MemoryStore) Close() error    { return nil }
func (m *MemoryStore) GetType() string { return string(StoreTypeMemory) }
