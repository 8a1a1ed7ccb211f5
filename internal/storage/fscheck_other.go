//go:build !darwin && !linux

package storage

// detectFilesystemType cannot inspect mounts here; callers treat the result as local.
func detectFilesystemType(path string) (string, error) {
	return "unknown", nil
}
