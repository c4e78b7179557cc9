package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore keeps keyring slots in an embedded Badger database, one key per profile.
// Badger transactions are serializable, so the version check and the write commit together
// or fail with badger.ErrConflict.
type BadgerStore struct {
	db      *badger.DB
	profile string
	key     []byte
}

type badgerSlot struct {
	Data      []byte    `json:"data"`
	Version   string    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewBadgerStore(path string, profile string) (*BadgerStore, error) {
	profile, err := normalizeProfile(profile)
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(path, DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", path, err)
	}

	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return NewBadgerStoreWithDB(db, profile), nil
}

// NewBadgerStoreWithDB wraps an already opened database. Close closes db.
func NewBadgerStoreWithDB(db *badger.DB, profile string) *BadgerStore {
	if profile == "" {
		profile = "default"
	}
	return &BadgerStore{
		db:      db,
		profile: profile,
		key:     []byte("keyring/" + profile),
	}
}

func (bs *BadgerStore) Load(_ context.Context) (*VersionedData, error) {
	var slot badgerSlot
	err := bs.db.View(func(txn *badger.Txn) error {
		s, err := bs.readSlot(txn)
		if err != nil {
			return err
		}
		slot = *s
		return nil
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load keyring slot: %w", err)
	}
	return &VersionedData{Data: slot.Data, Version: slot.Version, Timestamp: slot.UpdatedAt}, nil
}

func (bs *BadgerStore) Swap(_ context.Context, data []byte, expectedVersion string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("keyring data cannot be empty")
	}

	newVersion := calculateFileVersion(data)
	err := bs.db.Update(func(txn *badger.Txn) error {
		current := ""
		s, err := bs.readSlot(txn)
		switch {
		case err == nil:
			current = s.Version
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		if err = checkVersion("Swap", current, expectedVersion); err != nil {
			return err
		}

		value, err := json.Marshal(badgerSlot{Data: data, Version: newVersion, UpdatedAt: time.Now().UTC()})
		if err != nil {
			return fmt.Errorf("failed to marshal keyring slot: %w", err)
		}
		return txn.Set(bs.key, value)
	})
	if err != nil {
		if IsConcurrencyError(err) {
			return "", err
		}
		if errors.Is(err, badger.ErrConflict) {
			return "", ConcurrencyError{ExpectedVersion: expectedVersion, ActualVersion: "unknown", Operation: "Swap"}
		}
		return "", fmt.Errorf("failed to save keyring slot: %w", err)
	}
	return newVersion, nil
}

func (bs *BadgerStore) Clear(_ context.Context, expectedVersion string) error {
	err := bs.db.Update(func(txn *badger.Txn) error {
		s, err := bs.readSlot(txn)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if expectedVersion != "" && s.Version != expectedVersion {
			return ConcurrencyError{ExpectedVersion: expectedVersion, ActualVersion: s.Version, Operation: "Clear"}
		}
		return txn.Delete(bs.key)
	})
	if err != nil && !IsConcurrencyError(err) {
		return fmt.Errorf("failed to clear keyring slot: %w", err)
	}
	return err
}

func (bs *BadgerStore) readSlot(txn *badger.Txn) (*badgerSlot, error) {
	item, err := txn.Get(bs.key)
	if err != nil {
		return nil, err
	}
	var slot badgerSlot
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &slot)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode keyring slot: %w", err)
	}
	return &slot, nil
}

func (bs *BadgerStore) Ping() error {
	if bs.db.IsClosed() {
		return fmt.Errorf("badger database is closed")
	}
	return nil
}

func (bs *BadgerStore) Close() error {
	return bs.db.Close()
}

func (bs *BadgerStore) GetType() string {
	return string(StoreTypeBadger)
}
