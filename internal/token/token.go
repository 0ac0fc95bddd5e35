// Package token implements the authentication cache (spec component E):
// a per (user, tty, parent pid) marker file under a root-owned
// directory, whose validity is judged against both a monotonic
// boot-clock reading and a wall-clock reading so that neither a reboot
// nor a backward/forward clock step alone can manufacture a valid
// token.
package token

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio"
)

const (
	// DefaultTimeoutSeconds is used when a rule leaves token_timeout unset.
	DefaultTimeoutSeconds = 600
	dirMode               = 0o700
)

// Dir is the token cache root. Overridable in tests.
var Dir = "/var/run/please/token"

func ensureDir() error {
	fi, err := os.Stat(Dir)
	if err == nil && fi.IsDir() {
		return nil
	}
	if err := os.MkdirAll(Dir, dirMode); err != nil {
		return fmt.Errorf("token: could not create token directory: %w", err)
	}
	return nil
}

// Path returns the token cache entry for a given user/tty/ppid triple
// (spec.md §4.E "Token identity"). tty uses the same '/' -> '_'
// flattening as the original so /dev/pts/3 becomes _dev_pts_3.
func Path(user, tty string, ppid int) string {
	flat := strings.ReplaceAll(tty, "/", "_")
	return filepath.Join(Dir, fmt.Sprintf("%s:%s:%d", user, flat, ppid))
}

func lockPath(path string) string { return path + ".lock" }

// Valid reports whether the token at path is still usable: its mtime
// (the boot-clock reading stored by Update) must not be ahead of the
// current boot clock and must be less than timeoutSeconds old, and its
// atime (the wall-clock time stored by Update) must be within
// timeoutSeconds of now. Valid only reads the file; it does not touch it.
func Valid(path string, timeoutSeconds uint64) bool {
	if timeoutSeconds == 0 {
		timeoutSeconds = DefaultTimeoutSeconds
	}

	fi, err := os.Stat(path)
	if err != nil {
		return false
	}

	bootNow := bootSeconds()
	storedBootSecs := fi.ModTime().Unix()

	if bootNow < storedBootSecs {
		return false
	}
	if uint64(bootNow-storedBootSecs) >= timeoutSeconds {
		return false
	}

	atime := accessTime(fi)
	elapsed := time.Since(atime)
	return elapsed >= 0 && uint64(elapsed.Seconds()) <= timeoutSeconds
}

// Update touches (creating if absent) the token for user at path,
// setting its mtime to the current boot-clock reading and its atime to
// the current wall clock (spec.md §4.E "Renewal"). The write happens
// under an advisory lock and through renameio's temp-file-then-rename
// so a racing reader never observes a half-written token.
func Update(path string) error {
	if err := ensureDir(); err != nil {
		return err
	}

	fl := flock.New(lockPath(path))
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("token: could not lock: %w", err)
	}
	defer fl.Unlock()

	oldMask := umask(0o077)
	t, err := renameio.TempFile(Dir, path)
	umask(oldMask)
	if err != nil {
		return fmt.Errorf("token: could not create token: %w", err)
	}
	defer t.Cleanup()

	if err := t.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("token: could not update token: %w", err)
	}

	mtime := time.Unix(bootSeconds(), 0)
	atime := time.Now()
	if err := os.Chtimes(path, atime, mtime); err != nil {
		return fmt.Errorf("token: could not set token times: %w", err)
	}
	return nil
}

// Remove deletes a user's cached token, e.g. for please -p (purge) or
// pleaseedit --purge.
func Remove(path string) error {
	if err := ensureDir(); err != nil {
		return err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil
	}
	if !fi.Mode().IsRegular() {
		return nil
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("token: error removing token %s: %w", path, err)
	}
	os.Remove(lockPath(path))
	return nil
}
