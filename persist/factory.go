package persist

import (
	"fmt"
	"strings"
)

const keyringObjectName = "keyring.json"

// NewStore factory function to create keyring slot backends
func NewStore(config StoreConfig, profile string) (KeyringStore, error) {
	switch config.Type {
	case StoreTypeFileSystem:
		return NewFileSystemStoreFromConfig(config, profile)

	case StoreTypeS3:
		return NewS3StoreFromConfig(config, profile)

	case StoreTypeBadger:
		path, ok := config.Config["path"].(string)
		if !ok {
			return nil, fmt.Errorf("badger storage requires 'path' in config")
		}
		return NewBadgerStore(path, profile)

	case StoreTypeMemory:
		return NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// validateProfile validates the profile name for security
func validateProfile(profile string) error {
	if profile == "" {
		return fmt.Errorf("profile cannot be empty")
	}

	// Basic validation to prevent path traversal and other issues
	if strings.Contains(profile, "..") ||
		strings.Contains(profile, "/") ||
		strings.Contains(profile, "\\") ||
		strings.Contains(profile, " ") {
		return fmt.Errorf("profile contains invalid characters")
	}

	if len(profile) > 100 {
		return fmt.Errorf("profile too long (max 100 characters)")
	}

	return nil
}

func normalizeProfile(profile string) (string, error) {
	if profile == "" {
		profile = "default"
	}
	if err := validateProfile(profile); err != nil {
		return "", fmt.Errorf("invalid profile: %w", err)
	}
	return profile, nil
}
