// Package priv implements the privilege controller (spec component D):
// the narrow set of uid/gid transitions please and pleaseedit need
// while running setuid-root, built on golang.org/x/sys/unix since the
// standard syscall package only exposes the combined real+effective
// Setuid/Setgid pair and cannot express the effective-only transitions
// esc_privs/drop_privs require.
package priv

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrPriv wraps any failed privilege transition. The caller must treat
// this as fatal: continuing after a failed transition risks running a
// command at the wrong privilege level.
type ErrPriv struct {
	Op  string
	Err error
}

func (e *ErrPriv) Error() string {
	return fmt.Sprintf("I cannot set privs. Exiting as not installed correctly. (%s: %v)", e.Op, e.Err)
}

func (e *ErrPriv) Unwrap() error { return e.Err }

// SetPrivs permanently drops to (user, targetUID, targetGID): it clears
// the supplementary group list, re-derives it from /etc/group via
// initgroups, then sets the real+effective gid and uid. Used once the
// runner is about to exec the target command and never needs root
// again (spec.md §4.D "Final drop").
func SetPrivs(user string, targetUID, targetGID int) error {
	if err := unix.Setgroups(nil); err != nil {
		return &ErrPriv{"setgroups", err}
	}
	if err := initgroups(user, targetGID); err != nil {
		return &ErrPriv{"initgroups", err}
	}
	if err := unix.Setgid(targetGID); err != nil {
		return &ErrPriv{"setgid", err}
	}
	if err := unix.Setuid(targetUID); err != nil {
		return &ErrPriv{"setuid", err}
	}
	return nil
}

// SetEPrivs changes only the effective uid/gid, leaving the real ids
// untouched so the process can later transition again (spec.md §4.D
// "Effective-only transitions"). This is what makes esc_privs/
// drop_privs round-trippable, unlike SetPrivs.
func SetEPrivs(targetUID, targetGID int) error {
	if err := unix.Setregid(-1, targetGID); err != nil {
		return &ErrPriv{"setegid", err}
	}
	if err := unix.Setreuid(-1, targetUID); err != nil {
		return &ErrPriv{"seteuid", err}
	}
	return nil
}

// EscPrivs raises the effective ids back to root, e.g. to read the
// token cache or policy database.
func EscPrivs() error {
	return SetEPrivs(0, 0)
}

// DropPrivs lowers the effective ids back to the invoker's original
// identity after a privileged operation completes.
func DropPrivs(origUID, origGID int) error {
	if err := EscPrivs(); err != nil {
		return err
	}
	return SetEPrivs(origUID, origGID)
}
