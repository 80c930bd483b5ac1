//go:build windows

package preflight

import (
	"golang.org/x/sys/windows"
)

// FreeBytes reports the space available to the calling user on the volume
// holding path.
func FreeBytes(path string) (uint64, error) {
	var freeBytesAvailable, totalBytes, totalFreeBytes uint64
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	if err := windows.GetDiskFreeSpaceEx(p, &freeBytesAvailable, &totalBytes, &totalFreeBytes); err != nil {
		return 0, err
	}
	return freeBytesAvailable, nil
}
