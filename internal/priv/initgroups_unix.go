//go:build unix

package priv

import (
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// initgroups reproduces glibc's initgroups(3): look up every group the
// named user belongs to and hand the resulting list to setgroups(2).
// golang.org/x/sys/unix has no initgroups wrapper because it isn't a
// real syscall, just this lookup-then-setgroups sequence in libc.
func initgroups(name string, targetGID int) error {
	u, err := user.Lookup(name)
	if err != nil {
		return err
	}
	gidStrs, err := u.GroupIds()
	if err != nil {
		return err
	}

	seen := map[int]bool{targetGID: true}
	gids := []int{targetGID}
	for _, s := range gidStrs {
		n, err := strconv.Atoi(s)
		if err != nil {
			continue
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		gids = append(gids, n)
	}

	return unix.Setgroups(gids)
}
