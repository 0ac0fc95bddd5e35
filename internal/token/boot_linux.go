package token

import "golang.org/x/sys/unix"

// bootSeconds reads CLOCK_BOOTTIME, which (unlike CLOCK_MONOTONIC)
// keeps advancing across suspend and resets to near-zero on reboot —
// exactly the property needed to invalidate a token across a reboot
// without being upset by suspended time.
func bootSeconds() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_BOOTTIME, &ts); err != nil {
		return 0
	}
	return ts.Sec
}
