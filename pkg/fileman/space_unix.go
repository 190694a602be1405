//go:build !windows

package fileman

import "golang.org/x/sys/unix"

// AvailableSpace returns the free bytes on the filesystem containing path,
// or 0 when it cannot be determined.
func AvailableSpace(path string) uint64 {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0
	}
	return stat.Bavail * uint64(stat.Bsize)
}
