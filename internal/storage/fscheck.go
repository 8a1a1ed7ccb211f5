package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// validateSQLiteFilesystem ensures the DB path is on a local filesystem.
func validateSQLiteFilesystem(path string) error {
	return validateSQLiteFilesystemWithDetector(path, detectFilesystemType)
}

func validateSQLiteFilesystemWithDetector(path string, detector func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("sqlite path is empty")
	}

	fsType, inspectPath, err := filesystemTypeWithDetector(path, detector)
	if err != nil {
		return err
	}

	if isNetworkFilesystem(fsType) {
		return fmt.Errorf(
			"run ledger path %q is on network filesystem %q; SQLite requires a local filesystem for reliable locking. Set state.path to a local file (checked %s)",
			path,
			fsType,
			inspectPath,
		)
	}

	return nil
}

// IsNetworkPath reports whether path, or its nearest existing parent, lives on
// a network filesystem. Workspaces are reset with recursive deletes, which are
// slow and racy on such mounts.
func IsNetworkPath(path string) (bool, string, error) {
	fsType, _, err := filesystemTypeWithDetector(path, detectFilesystemType)
	if err != nil {
		return false, "", err
	}
	return isNetworkFilesystem(fsType), fsType, nil
}

func filesystemTypeWithDetector(path string, detector func(string) (string, error)) (string, string, error) {
	inspectPath, err := nearestExistingPath(path)
	if err != nil {
		return "", "", fmt.Errorf("resolve path %q: %w", path, err)
	}

	fsType, err := detector(inspectPath)
	if err != nil {
		return "", "", fmt.Errorf("detect filesystem for %q: %w", inspectPath, err)
	}
	return fsType, inspectPath, nil
}

func nearestExistingPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	candidate := absPath
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
			return "", fmt.Errorf("no existing parent for %q", absPath)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	normalized := strings.TrimSpace(strings.ToLower(fsType))
	_, found := networkFilesystems[normalized]
	return found
}
