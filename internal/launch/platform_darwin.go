//go:build darwin

package launch

import "syscall"

// getMaxRSSBytes converts ru_maxrss to bytes. macOS already reports bytes.
func getMaxRSSBytes(rusage *syscall.Rusage) int64 {
	return rusage.Maxrss
}
