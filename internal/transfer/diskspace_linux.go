//go:build linux

package transfer

import "golang.org/x/sys/unix"

// freeSpace returns bytes available to unprivileged users on the volume
// containing path.
func freeSpace(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}

	return uint64(stat.Bavail) * uint64(stat.Bsize), nil //nolint:gosec // kernel guarantees non-negative values
}
