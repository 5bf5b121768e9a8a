//go:build unix

package cache

import (
	"os"
	"syscall"
)

// linkCount returns the hardlink count from the platform-specific stat_t
// embedded in info.Sys(), mirroring cache.rs's use of fs::metadata().nlink().
func linkCount(info os.FileInfo) (int, bool) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return int(stat.Nlink), true
}
