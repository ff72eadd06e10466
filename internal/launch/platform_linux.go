//go:build linux

package launch

import "syscall"

// getMaxRSSBytes converts ru_maxrss to bytes. Linux reports kilobytes.
func getMaxRSSBytes(rusage *syscall.Rusage) int64 {
	return rusage.Maxrss * 1024
}
