//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// memguard enclaves still apply, but pages cannot be pinned here
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
