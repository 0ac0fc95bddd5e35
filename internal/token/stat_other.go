//go:build !linux

package token

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// accessTime falls back to mtime on platforms whose syscall.Stat_t
// layout we haven't special-cased; the boot-clock check in Valid is
// what actually matters for reboot invalidation.
func accessTime(fi os.FileInfo) time.Time {
	return fi.ModTime()
}

func umask(mask int) int {
	return unix.Umask(mask)
}
