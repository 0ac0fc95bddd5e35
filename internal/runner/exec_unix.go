//go:build unix

package runner

import "golang.org/x/sys/unix"

// syscallExec replaces the current process image via execve, matching
// the original's exec::Command(...).exec() — there is no fork, so a
// failure here is the only way this function returns.
func syscallExec(path string, argv []string, envv []string) error {
	return unix.Exec(path, argv, envv)
}
