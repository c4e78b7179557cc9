package persist

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"southwinds.dev/custody/internal/debug"
	"southwinds.dev/custody/internal/misc"
)

const (
	FilePermissions os.FileMode = misc.FilePermissions
	DirPermissions  os.FileMode = misc.DirPermissions
)

// FileSystemStore keeps the keyring slot of a profile at basePath/profile/keyring.json.
// Writes go to a temp file that is renamed over the slot, so readers never observe a
// partially written keyring.
type FileSystemStore struct {
	mu          sync.Mutex
	basePath    string
	profile     string
	profilePath string // basePath/profile/
	slotPath    string // basePath/profile/keyring.json
}

// NewFileSystemStore initializes and returns a new instance of FileSystemStore
func NewFileSystemStore(basePath string, profile string) (*FileSystemStore, error) {
	profile, err := normalizeProfile(profile)
	if err != nil {
		return nil, err
	}
	if basePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}

	profilePath := filepath.Join(basePath, profile)
	if err = os.MkdirAll(profilePath, DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", profilePath, err)
	}

	return &FileSystemStore{
		basePath:    basePath,
		profile:     profile,
		profilePath: profilePath,
		slotPath:    filepath.Join(profilePath, keyringObjectName),
	}, nil
}

// NewFileSystemStoreFromConfig creates a FileSystemStore from StoreConfig
func NewFileSystemStoreFromConfig(config StoreConfig, profile string) (*FileSystemStore, error) {
	basePath, ok := config.Config["base_path"].(string)
	if !ok {
		return nil, fmt.Errorf("base_path is required for filesystem store")
	}

	return NewFileSystemStore(basePath, profile)
}

func (fs *FileSystemStore) Load(_ context.Context) (*VersionedData, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.load()
}

func (fs *FileSystemStore) load() (*VersionedData, error) {
	data, err := os.ReadFile(fs.slotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read keyring slot: %w", err)
	}
	info, err := os.Stat(fs.slotPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat keyring slot: %w", err)
	}
	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: info.ModTime(),
	}, nil
}

// Swap with optimistic concurrency control
func (fs *FileSystemStore) Swap(_ context.Context, data []byte, expectedVersion string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("keyring data cannot be empty")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	currentVersion, err := fs.getFileVersion()
	if err != nil {
		return "", fmt.Errorf("failed to check current version: %w", err)
	}
	if err = checkVersion("Swap", currentVersion, expectedVersion); err != nil {
		return "", err
	}

	if expectedVersion == "" {
		// link(2) fails when the slot appeared since the version check
		err = writeSecureFileExclusive(fs.slotPath, data, FilePermissions)
	} else {
		err = writeSecureFile(fs.slotPath, data, FilePermissions)
	}
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", ConcurrencyError{Operation: "Swap", ActualVersion: "unknown"}
		}
		return "", err
	}

	debug.Print("keyring slot %s written\n", fs.slotPath)
	return calculateFileVersion(data), nil
}

func (fs *FileSystemStore) Clear(_ context.Context, expectedVersion string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	currentVersion, err := fs.getFileVersion()
	if err != nil {
		return fmt.Errorf("failed to check current version: %w", err)
	}
	if currentVersion == "" {
		return nil
	}
	if expectedVersion != "" && currentVersion != expectedVersion {
		return ConcurrencyError{ExpectedVersion: expectedVersion, ActualVersion: currentVersion, Operation: "Clear"}
	}

	if err = os.Remove(fs.slotPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove keyring slot: %w", err)
	}
	return nil
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

// Ping checks that the profile directory is still reachable
func (fs *FileSystemStore) Ping() error {
	info, err := os.Stat(fs.profilePath)
	if err != nil {
		return fmt.Errorf("failed to access profile directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", fs.profilePath)
	}
	return nil
}

func (fs *FileSystemStore) Close() error {
	return nil
}

// Path returns the location of the keyring slot file
func (fs *FileSystemStore) Path() string {
	return fs.slotPath
}

func (fs *FileSystemStore) getFileVersion() (string, error) {
	data, err := os.ReadFile(fs.slotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil // File doesn't exist, version is empty
		}
		return "", err
	}
	return calculateFileVersion(data), nil
}

func calculateFileVersion(data []byte) string {
	// MD5 of the content serves as a version identifier, not as a security primitive
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}

func writeTempFile(dir string, data []byte, perm os.FileMode) (string, error) {
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to set permissions: %w", err)
	}
	return tmpPath, nil
}

func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	tmpPath, err := writeTempFile(filepath.Dir(path), data, perm)
	if err != nil {
		return err
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// writeSecureFileExclusive behaves like writeSecureFile but fails with os.ErrExist
// when path is already present.
func writeSecureFileExclusive(path string, data []byte, perm os.FileMode) error {
	tmpPath, err := writeTempFile(filepath.Dir(path), data, perm)
	if err != nil {
		return err
	}
	defer os.Remove(tmpPath)

	if err = os.Link(tmpPath, path); err != nil {
		if os.IsExist(err) {
			return os.ErrExist
		}
		return fmt.Errorf("failed to link temp file: %w", err)
	}
	return nil
}
