//go:build !linux

package token

import "golang.org/x/sys/unix"

// bootSeconds falls back to CLOCK_MONOTONIC on non-Linux unix targets,
// matching the original's #[cfg(not(target_os = "linux"))] arm.
func bootSeconds() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return ts.Sec
}
