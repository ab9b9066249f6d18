package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// networkFilesystems are mount types where SQLite's POSIX locking is known
// to misbehave. Matched case-insensitively against the detected type.
var networkFilesystems = []string{"afpfs", "cifs", "nfs", "smbfs", "smb2", "webdav"}

// validateSQLiteFilesystem rejects database paths that land on a network
// mount.
func validateSQLiteFilesystem(path string) error {
	return validateSQLiteFilesystemWithDetector(path, detectFilesystemType)
}

func validateSQLiteFilesystemWithDetector(path string, detect func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("sqlite path is empty")
	}

	// The database file may not exist before first boot; the mount that
	// matters is the closest parent that does exist.
	mount, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve database path %q: %w", path, err)
	}

	fsType, err := detect(mount)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", mount, err)
	}
	if isNetworkFilesystem(fsType) {
		return fmt.Errorf(
			"database path %q is on network filesystem %q; SQLite requires a local filesystem for reliable locking. Point state.path at local disk",
			path, fsType)
	}
	return nil
}

// nearestExistingPath walks up from path until it reaches a component that
// exists on disk.
func nearestExistingPath(path string) (string, error) {
	candidate, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", candidate)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	needle := strings.TrimSpace(strings.ToLower(fsType))
	for _, known := range networkFilesystems {
		if needle == known {
			return true
		}
	}
	return false
}
