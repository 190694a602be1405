//go:build windows

package fileman

import "golang.org/x/sys/windows"

// AvailableSpace returns the free bytes on the volume containing path, or 0
// when it cannot be determined.
func AvailableSpace(path string) uint64 {
	var free uint64
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0
	}
	if err := windows.GetDiskFreeSpaceEx(p, &free, nil, nil); err != nil {
		return 0
	}
	return free
}
