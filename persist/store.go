package persist

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Load when the slot is empty
var ErrNotFound = errors.New("not found")

// VersionedData represents data with its version information
type VersionedData struct {
	Data      []byte
	Version   string // ETag, content hash or counter
	Timestamp time.Time
}

// KeyringStore persists the single wrapped keyring slot of a profile.
// Data handed to a store is already encrypted by the keyring layer; stores never
// see plaintext key material.
type KeyringStore interface {
	// Load returns the current slot contents or ErrNotFound
	Load(ctx context.Context) (*VersionedData, error)

	// Swap replaces the slot when its version equals expectedVersion.
	// An empty expectedVersion means create-only: the call fails with a
	// ConcurrencyError when a slot already exists.
	Swap(ctx context.Context, data []byte, expectedVersion string) (newVersion string, err error)

	// Clear removes the slot. A non-empty expectedVersion must match the current version.
	// Clearing an empty slot is not an error.
	Clear(ctx context.Context, expectedVersion string) error

	// Ping tests the connectivity for remote backends
	Ping() error

	Close() error

	// GetType returns the backend name (filesystem, s3, badger, memory)
	GetType() string
}

// StoreConfig provides configuration for the keyring slot backends.
//
//	config := StoreConfig{
//	    Type:   StoreTypeFileSystem,
//	    Config: map[string]interface{}{"base_path": "/home/me/.custody"},
//	}
type StoreConfig struct {
	Type   StoreType              `json:"type"`
	Config map[string]interface{} `json:"config"`
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

const (
	StoreTypeFileSystem StoreType = "filesystem"
	StoreTypeS3         StoreType = "s3"
	StoreTypeBadger     StoreType = "badger"
	StoreTypeMemory     StoreType = "memory"
)

// ConcurrencyError represents version conflict errors
type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	if e.ExpectedVersion == "" {
		return fmt.Sprintf("version conflict in %s: slot already exists at version %s",
			e.Operation, e.ActualVersion)
	}
	return fmt.Sprintf("version conflict in %s: expected version %s, but found %s",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}

func (e ConcurrencyError) IsConcurrencyError() bool {
	return true
}

// IsConcurrencyError reports whether err is, or wraps, a ConcurrencyError
func IsConcurrencyError(err error) bool {
	var ce ConcurrencyError
	return errors.As(err, &ce)
}

// checkVersion applies the compare-and-swap rule shared by all stores.
// current is "" when the slot is empty.
func checkVersion(op, current, expected string) error {
	if expected == "" {
		if current != "" {
			return ConcurrencyError{ActualVersion: current, Operation: op}
		}
		return nil
	}
	if current != expected {
		return ConcurrencyError{ExpectedVersion: expected, ActualVersion: current, Operation: op}
	}
	return nil
}
